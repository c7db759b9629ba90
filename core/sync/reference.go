package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/cristian-time/base/metrics"

	"example.com/cristian-time/core/timebase"
)

const (
	DefaultReferenceTimeout  = 5 * time.Second
	DefaultReferenceInterval = 60 * time.Second
)

var (
	ErrAllReferencesFailed = errors.New("no reference responded")
	errNoReferences        = errors.New("no reference endpoints configured")

	refMetrics = newReferenceSyncMetrics()
)

// ReferenceSource is an external, trusted time source.
type ReferenceSource interface {
	QueryTime(ctx context.Context, endpoint string) (time.Time, error)
}

// ReferenceError reports a failed query to a single reference endpoint.
type ReferenceError struct {
	Endpoint string
	Err      error
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("reference %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *ReferenceError) Unwrap() error {
	return e.Err
}

// ReferenceResult describes a successful reference sync cycle.
type ReferenceResult struct {
	Endpoint  string
	Reference time.Time
	Offset    float64
}

type referenceSyncMetrics struct {
	cycles   prometheus.Counter
	failures prometheus.Counter
	offset   prometheus.Gauge
}

func newReferenceSyncMetrics() *referenceSyncMetrics {
	return &referenceSyncMetrics{
		cycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncRefCyclesN,
			Help: metrics.SyncRefCyclesH,
		}),
		failures: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncRefFailuresN,
			Help: metrics.SyncRefFailuresH,
		}),
		offset: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncRefOffsetN,
			Help: metrics.SyncRefOffsetH,
		}),
	}
}

// ReferenceSync keeps the clock state of a time authority aligned with a
// list of reference endpoints. The authority trusts its references fully:
// every successful cycle replaces the offset instead of damping it.
type ReferenceSync struct {
	Log       *slog.Logger
	State     *timebase.State
	Source    ReferenceSource
	Endpoints []string
	Timeout   time.Duration
	Interval  time.Duration

	next atomic.Int64
}

func (s *ReferenceSync) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultReferenceTimeout
	}
	return s.Timeout
}

func (s *ReferenceSync) interval() time.Duration {
	if s.Interval <= 0 {
		return DefaultReferenceInterval
	}
	return s.Interval
}

func (s *ReferenceSync) query(ctx context.Context, endpoint string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	return s.Source.QueryTime(ctx, endpoint)
}

// SyncOnce runs a single sync cycle. It tries the endpoints in order and
// steps the clock state to the first reference time obtained. If no endpoint
// responds, the clock state is left unchanged and the returned error matches
// ErrAllReferencesFailed.
func (s *ReferenceSync) SyncOnce(ctx context.Context) (ReferenceResult, error) {
	refMetrics.cycles.Inc()
	if len(s.Endpoints) == 0 {
		refMetrics.failures.Inc()
		return ReferenceResult{}, errors.Join(ErrAllReferencesFailed, errNoReferences)
	}
	errs := []error{ErrAllReferencesFailed}
	for _, endpoint := range s.Endpoints {
		ref, err := s.query(ctx, endpoint)
		if err != nil {
			s.Log.LogAttrs(ctx, slog.LevelInfo, "failed to query reference",
				slog.String("endpoint", endpoint), slog.Any("error", err))
			errs = append(errs, &ReferenceError{Endpoint: endpoint, Err: err})
			if ctx.Err() != nil {
				break
			}
			continue
		}
		off := s.State.StepTo(ref)
		refMetrics.offset.Set(off)
		return ReferenceResult{Endpoint: endpoint, Reference: ref, Offset: off}, nil
	}
	refMetrics.failures.Inc()
	return ReferenceResult{}, errors.Join(errs...)
}

// NextSync returns the raw clock time at which the next cycle is due.
func (s *ReferenceSync) NextSync() time.Time {
	n := s.next.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Run performs a sync cycle immediately and then once per interval until
// ctx is done. Failed cycles are reported and do not change the cadence.
func (s *ReferenceSync) Run(ctx context.Context) {
	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.next.Store(s.State.Raw().Add(interval).UnixNano())
		r, err := s.SyncOnce(ctx)
		if err != nil {
			s.Log.LogAttrs(ctx, slog.LevelError, "reference sync failed",
				slog.Any("error", err))
		} else {
			s.Log.LogAttrs(ctx, slog.LevelInfo, "synchronized with reference",
				slog.String("endpoint", r.Endpoint),
				slog.Time("reference", r.Reference),
				slog.Float64("offset [s]", r.Offset),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
