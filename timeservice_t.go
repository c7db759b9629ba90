// Driver for quick experiments

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/cristian-time/base/logbase"
	"example.com/cristian-time/base/timemath"
	"example.com/cristian-time/core/client"
	"example.com/cristian-time/core/server"
	"example.com/cristian-time/core/sync"
	"example.com/cristian-time/core/timebase"
	"example.com/cristian-time/driver/clocks"
)

// manualReference serves the time of a manual clock shifted by a fixed
// offset.
type manualReference struct {
	clk    *clocks.ManualClock
	offset time.Duration
}

func (r *manualReference) QueryTime(ctx context.Context, endpoint string) (time.Time, error) {
	return r.clk.Now().Add(r.offset), ctx.Err()
}

func runT() {
	var (
		numClients     int
		numRounds      int
		adjustmentRate float64
		refOffset      float64
		offsetRange    float64
	)

	tFlags := flag.NewFlagSet("t", flag.ExitOnError)
	tFlags.IntVar(&numClients, "clients", 3, "Number of clients")
	tFlags.IntVar(&numRounds, "rounds", 30, "Number of sync rounds")
	tFlags.Float64Var(&adjustmentRate, "rate", 0.1, "Client adjustment rate")
	tFlags.Float64Var(&refOffset, "reference", 2.5, "Reference offset in seconds")
	tFlags.Float64Var(&offsetRange, "range", 10, "Range of initial client offsets in seconds")

	err := tFlags.Parse(os.Args[2:])
	if err != nil || tFlags.NArg() != 0 || numClients <= 0 {
		panic("failed to parse arguments")
	}

	initLogger(logLevelDefault)
	log := slog.Default()

	ctx, stop := signalContext()
	defer stop()

	clk := clocks.NewManualClock(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	authority := timebase.NewState(clk, 0)
	rs := &sync.ReferenceSync{
		Log:       log,
		State:     authority,
		Source:    &manualReference{clk: clk, offset: timemath.Duration(refOffset)},
		Endpoints: []string{"manual"},
	}
	_, err = rs.SyncOnce(ctx)
	if err != nil {
		logbase.Fatal(log, "failed to synchronize authority", slog.Any("error", err))
	}

	ln, err := server.Listen("127.0.0.1:0")
	if err != nil {
		logbase.Fatal(log, "failed to bind server address", slog.Any("error", err))
	}
	srv := &server.Server{Log: log, State: authority}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})

	clients := make([]*client.Client, numClients)
	header := []string{"round", "authority"}
	for i := range clients {
		clients[i] = &client.Client{
			Log:            log,
			ID:             strconv.Itoa(i + 1),
			RemoteAddr:     ln.Addr().String(),
			State:          timebase.NewState(clk, (rand.Float64()*2-1)*offsetRange),
			AdjustmentRate: adjustmentRate,
		}
		header = append(header, "client "+clients[i].ID)
	}

	fmt.Println(strings.Join(header, ","))
	for round := range numRounds + 1 {
		row := []string{strconv.Itoa(round), fmt.Sprintf("%+.6f", authority.Offset())}
		for _, c := range clients {
			row = append(row, fmt.Sprintf("%+.6f", c.State.Offset()))
		}
		fmt.Println(strings.Join(row, ","))
		if round == numRounds || gctx.Err() != nil {
			break
		}
		for _, c := range clients {
			_, err := c.SyncOnce(gctx)
			if err != nil {
				log.LogAttrs(gctx, slog.LevelError, "sync failed",
					slog.String("client", c.ID), slog.Any("error", err))
			}
		}
		clk.Advance(time.Second)
	}

	stop()
	err = g.Wait()
	if err != nil {
		logbase.Fatal(log, "server failed", slog.Any("error", err))
	}
}
