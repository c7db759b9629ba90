package client

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"example.com/cristian-time/core/measurements"
	"example.com/cristian-time/core/server"
	"example.com/cristian-time/core/timebase"
	"example.com/cristian-time/driver/clocks"
	"example.com/cristian-time/net/tsp"
)

// startAuthority serves connections on a loopback listener, answering every
// request with the message returned by respond.
func startAuthority(t *testing.T, respond func(req []byte) []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
				req, err := tsp.ReadMessage(tsp.NewReader(conn))
				if err != nil {
					return
				}
				resp := respond(req)
				if resp != nil {
					_ = tsp.WriteMessage(conn, resp)
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func newTestClient(addr string, clk *clocks.ManualClock, offset float64) *Client {
	return &Client{
		Log:        slog.New(slog.DiscardHandler),
		ID:         "test",
		RemoteAddr: addr,
		State:      timebase.NewState(clk, offset),
		Timeout:    2 * time.Second,
	}
}

func TestSyncOnceAppliesDampedAdjustment(t *testing.T) {
	addr := startAuthority(t, func(req []byte) []byte {
		return tsp.EncodeResponse(req, time.Unix(1010, 0))
	})
	clk := clocks.NewManualClock(time.Unix(1000, 0))
	c := newTestClient(addr, clk, 0)

	r, err := c.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	if r.RoundTrip != 0 {
		t.Errorf("round trip: got %v, want 0", r.RoundTrip)
	}
	if !r.Estimated.Equal(time.Unix(1010, 0)) {
		t.Errorf("estimated time: got %v, want %v", r.Estimated, time.Unix(1010, 0))
	}
	if r.Difference != 10.0 {
		t.Errorf("difference: got %f, want 10.0", r.Difference)
	}
	if r.Offset != 0+10.0*0.1 || c.State.Offset() != r.Offset {
		t.Errorf("offset: got %f, want %f", c.State.Offset(), 0+10.0*0.1)
	}
}

func TestSyncOnceUsesHalfRoundTrip(t *testing.T) {
	clk := clocks.NewManualClock(time.Unix(100, 0))
	addr := startAuthority(t, func(req []byte) []byte {
		clk.Advance(4 * time.Second)
		return tsp.EncodeResponse(req, time.Unix(105, 0))
	})
	c := newTestClient(addr, clk, 0)
	c.AdjustmentRate = 0.5
	c.Histogram = hdrhistogram.New(1, 10_000_000, 3)

	r, err := c.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	if r.RoundTrip != 4*time.Second {
		t.Errorf("round trip: got %v, want 4s", r.RoundTrip)
	}
	if !r.Estimated.Equal(time.Unix(107, 0)) {
		t.Errorf("estimated time: got %v, want %v", r.Estimated, time.Unix(107, 0))
	}
	// Local corrected time at receipt is 104.
	if r.Difference != 3.0 || r.Adjustment != 1.5 || c.State.Offset() != 1.5 {
		t.Errorf("unexpected result: %+v", r)
	}
	if c.Histogram.TotalCount() != 1 {
		t.Errorf("round trip must be recorded in the histogram")
	}
}

func TestSyncOnceConvergesAgainstAuthority(t *testing.T) {
	authority := timebase.NewState(clocks.NewManualClock(time.Unix(5000, 0)), 0)
	ln, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := &server.Server{Log: slog.New(slog.DiscardHandler), State: authority}
	go func() { _ = srv.Serve(ctx, ln) }()

	clk := clocks.NewManualClock(time.Unix(5000, 0))
	c := newTestClient(ln.Addr().String(), clk, -8.0)

	prev := math.Inf(1)
	for i := range 30 {
		r, err := c.SyncOnce(ctx)
		if err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
		if math.Abs(r.Difference) > prev {
			t.Fatalf("cycle %d: difference grew from %g to %g", i, prev, math.Abs(r.Difference))
		}
		prev = math.Abs(r.Difference)
	}
	if math.Abs(c.State.Offset()) > 8.0*math.Pow(0.9, 29) {
		t.Errorf("offset did not converge: got %f", c.State.Offset())
	}
}

func TestSyncOnceConnectionFailureLeavesOffset(t *testing.T) {
	// Accept and immediately close every connection.
	addr := startAuthority(t, func([]byte) []byte { return nil })
	clk := clocks.NewManualClock(time.Unix(1000, 0))
	c := newTestClient(addr, clk, 2.5)

	failed := testutil.ToFloat64(clientMetrics.Load().syncsFailed)
	_, err := c.SyncOnce(context.Background())
	if err == nil {
		t.Fatalf("SyncOnce must fail if the connection is dropped")
	}
	if c.State.Offset() != 2.5 || !c.State.LastSync().IsZero() {
		t.Errorf("offset must be unchanged: got %f", c.State.Offset())
	}
	if d := testutil.ToFloat64(clientMetrics.Load().syncsFailed) - failed; d != 1 {
		t.Errorf("failure counter: got +%f, want +1", d)
	}
}

func TestSyncOnceUnreachableAuthority(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := newTestClient(addr, clocks.NewManualClock(time.Unix(1000, 0)), -1.0)
	_, err = c.SyncOnce(context.Background())
	if err == nil {
		t.Fatalf("SyncOnce must fail without authority")
	}
	if c.State.Offset() != -1.0 {
		t.Errorf("offset must be unchanged: got %f", c.State.Offset())
	}
}

func TestSyncOnceRejectsUnexpectedEcho(t *testing.T) {
	addr := startAuthority(t, func([]byte) []byte {
		return []byte("1.5:1010")
	})
	c := newTestClient(addr, clocks.NewManualClock(time.Unix(1000, 0)), 0)
	_, err := c.SyncOnce(context.Background())
	if !errors.Is(err, errUnexpectedEcho) {
		t.Errorf("SyncOnce: got %v, want errUnexpectedEcho", err)
	}
	if c.State.Offset() != 0 {
		t.Errorf("offset must be unchanged: got %f", c.State.Offset())
	}
}

func TestSyncOnceRejectsMalformedResponse(t *testing.T) {
	addr := startAuthority(t, func([]byte) []byte {
		return []byte("garbage")
	})
	c := newTestClient(addr, clocks.NewManualClock(time.Unix(1000, 0)), 0)
	_, err := c.SyncOnce(context.Background())
	if !errors.Is(err, tsp.ErrMalformedMessage) {
		t.Errorf("SyncOnce: got %v, want ErrMalformedMessage", err)
	}
	if c.State.Offset() != 0 {
		t.Errorf("offset must be unchanged: got %f", c.State.Offset())
	}
}

func TestSyncOnceRejectsOutOfRangeRemoteTime(t *testing.T) {
	for _, remote := range []string{"1e19", "-1e19"} {
		addr := startAuthority(t, func(req []byte) []byte {
			return []byte(string(req) + ":" + remote)
		})
		c := newTestClient(addr, clocks.NewManualClock(time.Unix(1000, 0)), 0.5)
		for range 3 {
			_, err := c.SyncOnce(context.Background())
			if !errors.Is(err, tsp.ErrMalformedMessage) {
				t.Errorf("remote time %s: got %v, want ErrMalformedMessage", remote, err)
			}
		}
		if c.State.Offset() != 0.5 {
			t.Errorf("remote time %s: offset must be unchanged: got %f", remote, c.State.Offset())
		}
	}
}

func TestSyncOnceFiltersSlowSamples(t *testing.T) {
	clk := clocks.NewManualClock(time.Unix(1000, 0))
	addr := startAuthority(t, func(req []byte) []byte {
		clk.Advance(2 * time.Second)
		return tsp.EncodeResponse(req, time.Unix(1100, 0))
	})
	c := newTestClient(addr, clk, 0)
	c.Filter = measurements.RoundTripFilter{Max: time.Second}
	r, err := c.SyncOnce(context.Background())
	if !errors.Is(err, errSampleFiltered) {
		t.Fatalf("SyncOnce: got %v, want errSampleFiltered", err)
	}
	if r.RoundTrip != 2*time.Second {
		t.Errorf("round trip: got %v, want 2s", r.RoundTrip)
	}
	if c.State.Offset() != 0 {
		t.Errorf("offset must be unchanged: got %f", c.State.Offset())
	}
}

func TestRunSurvivesFailedCycles(t *testing.T) {
	addr := startAuthority(t, func([]byte) []byte { return nil })
	c := newTestClient(addr, clocks.NewManualClock(time.Unix(1000, 0)), 4.0)

	attempted := testutil.ToFloat64(clientMetrics.Load().syncsAttempted)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, 20*time.Millisecond)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(clientMetrics.Load().syncsAttempted)-attempted < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sync actor stopped after failed cycles")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
	if c.State.Offset() != 4.0 {
		t.Errorf("offset must be unchanged: got %f", c.State.Offset())
	}
	if c.NextSync().IsZero() {
		t.Errorf("NextSync must be set once Run started")
	}
}
