package timebase

import (
	"sync"
	"time"

	"example.com/cristian-time/base/timebase"
	"example.com/cristian-time/base/timemath"
)

// State is a process's view of the correct time: a raw local clock plus an
// offset in seconds. The offset and the time of its last update are guarded
// together, so readers never observe one without the other.
//
// A State has one writer (the sync actor of its process) and any number of
// readers.
type State struct {
	clk      timebase.LocalClock
	mu       sync.RWMutex
	offset   float64
	lastSync time.Time
}

func NewState(clk timebase.LocalClock, initialOffset float64) *State {
	if clk == nil {
		panic("local clock must not be nil")
	}
	return &State{clk: clk, offset: initialOffset}
}

// Raw returns the uncorrected local clock reading.
func (s *State) Raw() time.Time {
	return s.clk.Now()
}

// Now returns the corrected time, raw clock plus offset.
func (s *State) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clk.Now().Add(timemath.Duration(s.offset))
}

func (s *State) Offset() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// LastSync returns the raw clock reading at the last offset update, or the
// zero time if the offset was never updated.
func (s *State) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

func (s *State) Snapshot() (offset float64, lastSync time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset, s.lastSync
}

// Adjust adds delta seconds to the offset and returns the new offset.
func (s *State) Adjust(delta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset += delta
	s.lastSync = s.clk.Now()
	return s.offset
}

// StepTo replaces the offset so that the corrected time reads ref at the
// moment of the call, and returns the new offset.
func (s *State) StepTo(ref time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.clk.Now()
	s.offset = timemath.Seconds(ref.Sub(raw))
	s.lastSync = raw
	return s.offset
}
