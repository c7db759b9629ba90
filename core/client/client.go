package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/cristian-time/base/metrics"
	"example.com/cristian-time/base/timemath"

	"example.com/cristian-time/core/cristian"
	"example.com/cristian-time/core/measurements"
	"example.com/cristian-time/core/sync/adjustments"
	"example.com/cristian-time/core/timebase"

	"example.com/cristian-time/net/tsp"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultInterval = 60 * time.Second
)

var clientMetrics atomic.Pointer[syncClientMetrics]

func init() {
	clientMetrics.Store(newSyncClientMetrics())
}

type syncClientMetrics struct {
	syncsAttempted prometheus.Counter
	syncsFailed    prometheus.Counter
	syncsFiltered  prometheus.Counter
	offset         prometheus.Gauge
	roundTrip      prometheus.Gauge
}

func newSyncClientMetrics() *syncClientMetrics {
	return &syncClientMetrics{
		syncsAttempted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientSyncsAttemptedN,
			Help: metrics.ClientSyncsAttemptedH,
		}),
		syncsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientSyncsFailedN,
			Help: metrics.ClientSyncsFailedH,
		}),
		syncsFiltered: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientSyncsFilteredN,
			Help: metrics.ClientSyncsFilteredH,
		}),
		offset: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.ClientOffsetN,
			Help: metrics.ClientOffsetH,
		}),
		roundTrip: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.ClientRoundTripN,
			Help: metrics.ClientRoundTripH,
		}),
	}
}

// Client synchronizes State with a time authority using Cristian's
// algorithm. Corrections are damped: each cycle applies only the fraction
// AdjustmentRate of the observed difference.
type Client struct {
	Log            *slog.Logger
	ID             string
	RemoteAddr     string
	State          *timebase.State
	AdjustmentRate float64
	Timeout        time.Duration
	Filter         measurements.Filter
	Histogram      *hdrhistogram.Histogram

	next atomic.Int64
}

// Result describes a completed sync cycle. Difference, Adjustment and Offset
// are in seconds.
type Result struct {
	Sample     cristian.Sample
	Estimated  time.Time
	RoundTrip  time.Duration
	Difference float64
	Adjustment float64
	Offset     float64
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Client) adjustmentRate() float64 {
	if c.AdjustmentRate == 0 {
		return adjustments.DampedDefaultRate
	}
	return c.AdjustmentRate
}

// Measure performs a single request/response exchange with the authority
// and returns the resulting sample. Timestamps are taken from State.
func (c *Client) Measure(ctx context.Context) (cristian.Sample, error) {
	if c.RemoteAddr == "" {
		return cristian.Sample{}, errNoRemoteAddr
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.RemoteAddr)
	if err != nil {
		return cristian.Sample{}, err
	}
	defer conn.Close()
	deadline, deadlineIsSet := ctx.Deadline()
	if deadlineIsSet {
		err = conn.SetDeadline(deadline)
		if err != nil {
			return cristian.Sample{}, err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	sentAt := c.State.Now()
	req := tsp.EncodeRequest(sentAt)
	err = tsp.WriteMessage(conn, req)
	if err != nil {
		return cristian.Sample{}, fmt.Errorf("failed to send request: %w", err)
	}

	resp, err := tsp.ReadMessage(tsp.NewReader(conn))
	if err != nil {
		return cristian.Sample{}, fmt.Errorf("failed to read response: %w", err)
	}
	receivedAt := c.State.Now()

	echo, remoteTime, err := tsp.DecodeResponse(resp)
	if err != nil {
		return cristian.Sample{}, err
	}
	if !bytes.Equal(echo, req) {
		return cristian.Sample{}, errUnexpectedEcho
	}

	return cristian.Sample{
		SentAt:     sentAt,
		RemoteTime: remoteTime,
		ReceivedAt: receivedAt,
	}, nil
}

// SyncOnce runs a single sync cycle. On error, State is left unchanged.
func (c *Client) SyncOnce(ctx context.Context) (Result, error) {
	mtrcs := clientMetrics.Load()
	mtrcs.syncsAttempted.Inc()

	s, err := c.Measure(ctx)
	if err != nil {
		mtrcs.syncsFailed.Inc()
		return Result{}, err
	}
	if c.Filter != nil && !c.Filter.Do(s) {
		mtrcs.syncsFiltered.Inc()
		return Result{Sample: s, RoundTrip: s.RoundTrip()}, errSampleFiltered
	}

	est, rtt := s.Estimate()
	if c.Histogram != nil {
		_ = c.Histogram.RecordValue(rtt.Microseconds())
	}

	adj := &adjustments.Damped{Rate: c.adjustmentRate()}
	diff := timemath.Seconds(est.Sub(c.State.Now()))
	delta := adj.Do(diff)
	off := c.State.Adjust(delta)

	mtrcs.offset.Set(off)
	mtrcs.roundTrip.Set(timemath.Seconds(rtt))

	return Result{
		Sample:     s,
		Estimated:  est,
		RoundTrip:  rtt,
		Difference: diff,
		Adjustment: delta,
		Offset:     off,
	}, nil
}

// NextSync returns the raw clock time at which the next cycle is due, or
// the zero time if Run has not started.
func (c *Client) NextSync() time.Time {
	n := c.next.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Run performs a sync cycle immediately and then once per interval until ctx
// is done. A failed cycle is reported and the client waits for the next
// cycle; there are no retries within a cycle.
func (c *Client) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := c.Log
	if c.ID != "" {
		log = log.With(slog.String("client", c.ID))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.next.Store(c.State.Raw().Add(interval).UnixNano())
		log.LogAttrs(ctx, slog.LevelDebug, "synchronizing",
			slog.String("remote", c.RemoteAddr))
		r, err := c.SyncOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.LogAttrs(ctx, slog.LevelError, "sync failed",
					slog.String("remote", c.RemoteAddr),
					slog.Any("error", err))
			}
		} else {
			log.LogAttrs(ctx, slog.LevelInfo, "sync completed",
				slog.Float64("rtt [s]", timemath.Seconds(r.RoundTrip)),
				slog.Time("local time", r.Sample.ReceivedAt),
				slog.Time("estimated time", r.Estimated),
				slog.Float64("difference [s]", r.Difference),
				slog.Float64("adjustment [s]", r.Adjustment),
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
