// Package benchmark measures the round trip latency of a time authority
// under concurrent load.
package benchmark

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"example.com/cristian-time/core/client"
	"example.com/cristian-time/core/timebase"

	"example.com/cristian-time/driver/clocks"
)

const (
	maxRoundTripMicros = 10_000_000
	requestTimeout     = 500 * time.Millisecond
)

// Summary is the outcome of a benchmark run. Round trip times in Histogram
// are recorded in microseconds.
type Summary struct {
	Histogram *hdrhistogram.Histogram
	Failures  int64
	Elapsed   time.Duration
}

// Run starts numClients concurrent clients which each perform numRequests
// measurements against the authority at remoteAddr. The merged round trip
// distribution is printed to w.
func Run(ctx context.Context, log *slog.Logger, w io.Writer, remoteAddr string,
	numClients, numRequests int) Summary {
	dlog := slog.New(slog.DiscardHandler)
	state := timebase.NewState(clocks.NewSystemClock(), 0)

	var mu sync.Mutex
	total := hdrhistogram.New(1, maxRoundTripMicros, 3)
	var failures int64

	sg := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(numClients)
	for range numClients {
		go func() {
			defer wg.Done()
			hg := hdrhistogram.New(1, maxRoundTripMicros, 3)
			var nerr int64
			c := &client.Client{
				Log:        dlog,
				RemoteAddr: remoteAddr,
				State:      state,
				Timeout:    requestTimeout,
			}
			<-sg
			for range numRequests {
				if ctx.Err() != nil {
					break
				}
				s, err := c.Measure(ctx)
				if err != nil {
					nerr++
					log.LogAttrs(ctx, slog.LevelDebug, "failed to measure round trip",
						slog.Any("error", err))
					continue
				}
				_ = hg.RecordValue(max(1, s.RoundTrip().Microseconds()))
			}
			mu.Lock()
			defer mu.Unlock()
			total.Merge(hg)
			failures += nerr
		}()
	}
	t0 := time.Now()
	close(sg)
	wg.Wait()
	elapsed := time.Since(t0)

	log.LogAttrs(ctx, slog.LevelInfo, "time elapsed",
		slog.Duration("duration", elapsed),
		slog.Int64("requests", total.TotalCount()),
		slog.Int64("failures", failures),
	)
	if total.TotalCount() != 0 {
		_, _ = total.PercentilesPrint(w, 1, 1.0)
	}
	return Summary{Histogram: total, Failures: failures, Elapsed: elapsed}
}
