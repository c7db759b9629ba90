// Package report periodically logs the state of a clock.
package report

import (
	"context"
	"log/slog"
	"math"
	"time"

	"example.com/cristian-time/base/timemath"

	"example.com/cristian-time/core/timebase"
)

// Reporter logs corrected time, raw time and offset of State. It only reads
// State and may run alongside any sync actor.
type Reporter struct {
	Log      *slog.Logger
	State    *timebase.State
	Interval time.Duration
	// NextSync, if set, returns the raw time of the next sync cycle.
	NextSync func() time.Time
}

// Report logs a single status line.
func (r *Reporter) Report(ctx context.Context) {
	offset, lastSync := r.State.Snapshot()
	raw := r.State.Raw()
	attrs := []slog.Attr{
		slog.String("local time", raw.Add(timemath.Duration(offset)).Format(time.TimeOnly+".000")),
		slog.String("raw time", raw.Format(time.TimeOnly+".000")),
		slog.Float64("offset [s]", offset),
	}
	if !lastSync.IsZero() {
		attrs = append(attrs, slog.Duration("since last sync", raw.Sub(lastSync).Round(time.Millisecond)))
	}
	if r.NextSync != nil {
		if next := r.NextSync(); !next.IsZero() {
			until := math.Max(0, next.Sub(raw).Seconds())
			attrs = append(attrs, slog.Float64("next sync in [s]", math.Round(until)))
		}
	}
	r.Log.LogAttrs(ctx, slog.LevelInfo, "clock status", attrs...)
}

// Run reports immediately and then once per interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	if r.Interval <= 0 {
		return
	}
	r.Report(ctx)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report(ctx)
		}
	}
}
