// Package ntpref queries NTP servers as reference time sources.
package ntpref

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/ntp"

	"example.com/cristian-time/base/timebase"
)

const (
	DefaultTimeout = 5 * time.Second

	ntpVersion = 4
)

// Source reports reference time as seen through NTP servers. Offsets measured
// by NTP are relative to Clock, which must be the raw clock of the process
// consuming the reference time.
type Source struct {
	Log   *slog.Logger
	Clock timebase.LocalClock

	query func(host string, opts ntp.QueryOptions) (*ntp.Response, error)
}

func NewSource(log *slog.Logger, clk timebase.LocalClock) *Source {
	return &Source{Log: log, Clock: clk, query: ntp.QueryWithOptions}
}

func timeout(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return DefaultTimeout
	}
	return time.Until(deadline)
}

// QueryTime asks the NTP server at endpoint for the current time. The query
// is bounded by the deadline of ctx, or DefaultTimeout if ctx has none.
func (s *Source) QueryTime(ctx context.Context, endpoint string) (time.Time, error) {
	err := ctx.Err()
	if err != nil {
		return time.Time{}, err
	}
	d := timeout(ctx)
	if d <= 0 {
		return time.Time{}, context.DeadlineExceeded
	}
	query := s.query
	if query == nil {
		query = ntp.QueryWithOptions
	}
	resp, err := query(endpoint, ntp.QueryOptions{
		Timeout: d,
		Version: ntpVersion,
	})
	if err != nil {
		return time.Time{}, err
	}
	err = resp.Validate()
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid response from %s: %w", endpoint, err)
	}
	if s.Log != nil {
		s.Log.LogAttrs(ctx, slog.LevelDebug, "reference response",
			slog.String("from", endpoint),
			slog.Int("stratum", int(resp.Stratum)),
			slog.Duration("clock offset", resp.ClockOffset),
			slog.Duration("round trip delay", resp.RTT),
		)
	}
	return s.Clock.Now().Add(resp.ClockOffset), nil
}
