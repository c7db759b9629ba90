// Cristian time service

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/mmcloughlin/profile"
	"golang.org/x/sync/errgroup"

	"example.com/cristian-time/base/logbase"
	"example.com/cristian-time/base/timemath"

	"example.com/cristian-time/benchmark"

	"example.com/cristian-time/core/client"
	"example.com/cristian-time/core/config"
	"example.com/cristian-time/core/measurements"
	"example.com/cristian-time/core/report"
	"example.com/cristian-time/core/server"
	"example.com/cristian-time/core/sync"
	"example.com/cristian-time/core/timebase"

	"example.com/cristian-time/driver/clocks"
	"example.com/cristian-time/driver/ntpref"

	"example.com/cristian-time/service"
)

const (
	logLevelQuiet = iota
	logLevelDefault
	logLevelVerbose
)

const (
	benchmarkDefaultClients  = 100
	benchmarkDefaultRequests = 1_000

	maxRoundTripMicros = 10_000_000
)

func initLogger(logLevel int) {
	var h slog.Handler
	if logLevel == logLevelQuiet {
		h = slog.DiscardHandler
	} else {
		var (
			addSource   bool
			level       slog.Leveler
			replaceAttr func(groups []string, a slog.Attr) slog.Attr
		)
		if logLevel == logLevelVerbose {
			_, f, _, ok := runtime.Caller(0)
			var basepath string
			if ok {
				basepath = filepath.Dir(f)
			}
			addSource = true
			level = slog.LevelDebug
			replaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.SourceKey {
					source := a.Value.Any().(*slog.Source)
					if basepath == "" {
						source.File = filepath.Base(source.File)
					} else {
						relpath, err := filepath.Rel(basepath, source.File)
						if err != nil {
							source.File = filepath.Base(source.File)
						} else {
							source.File = relpath
						}
					}
				}
				return a
			}
		}
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			AddSource:   addSource,
			Level:       level,
			ReplaceAttr: replaceAttr,
		})
	}
	slog.SetDefault(slog.New(h))
}

func showInfo() {
	bi, ok := debug.ReadBuildInfo()
	if ok {
		fmt.Print(bi.String())
	}
}

func loadConfig(log *slog.Logger, configFile string) config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		logbase.Fatal(log, "failed to load configuration",
			slog.String("file", configFile), slog.Any("error", err))
	}
	return cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServer(configFile string) {
	log := slog.Default()
	cfg := loadConfig(log, configFile)

	ctx, stop := signalContext()
	defer stop()

	lclk := clocks.NewSystemClock()
	state := timebase.NewState(lclk, 0)

	ln, err := server.Listen(cfg.LocalAddress())
	if err != nil {
		logbase.Fatal(log, "failed to bind server address",
			slog.String("address", cfg.LocalAddress()), slog.Any("error", err))
	}

	rs := &sync.ReferenceSync{
		Log:       log,
		State:     state,
		Source:    ntpref.NewSource(log, lclk),
		Endpoints: cfg.References(),
		Timeout:   cfg.ReferenceTimeoutDuration(),
		Interval:  cfg.SyncIntervalDuration(),
	}
	srv := &server.Server{
		Log:         log,
		State:       state,
		IdleTimeout: cfg.IdleTimeoutDuration(),
	}
	rep := &report.Reporter{
		Log:      log.With(slog.String("name", "server")),
		State:    state,
		Interval: cfg.ServerReportInterval(),
		NextSync: rs.NextSync,
	}

	service.StartMonitor(ctx, log, cfg.LocalMetricsAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rs.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	g.Go(func() error {
		rep.Run(ctx)
		return nil
	})
	err = g.Wait()
	if err != nil {
		logbase.Fatal(log, "server failed", slog.Any("error", err))
	}
	log.LogAttrs(ctx, slog.LevelInfo, "server stopped")
}

func runClient(configFile, id, remoteAddr string) {
	log := slog.Default()
	cfg := loadConfig(log, configFile)
	if id != "" {
		cfg.ClientID = id
	}
	if remoteAddr != "" {
		cfg.RemoteAddr = remoteAddr
	}
	id = cfg.ID()

	ctx, stop := signalContext()
	defer stop()

	state := timebase.NewState(clocks.NewSystemClock(), cfg.StartOffset())
	log.LogAttrs(ctx, slog.LevelInfo, "client started",
		slog.String("client", id),
		slog.String("remote", cfg.RemoteAddress()),
		slog.Float64("initial offset [s]", state.Offset()),
	)

	c := &client.Client{
		Log:            log,
		ID:             id,
		RemoteAddr:     cfg.RemoteAddress(),
		State:          state,
		AdjustmentRate: cfg.Rate(),
		Timeout:        cfg.SyncTimeoutDuration(),
		Filter:         measurements.RoundTripFilter{Max: cfg.RoundTripLimit()},
		Histogram:      hdrhistogram.New(1, maxRoundTripMicros, 3),
	}
	rep := &report.Reporter{
		Log:      log.With(slog.String("client", id)),
		State:    state,
		Interval: cfg.ClientReportInterval(),
		NextSync: c.NextSync,
	}

	service.StartMonitor(ctx, log, cfg.LocalMetricsAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.Run(ctx, cfg.SyncIntervalDuration())
		return nil
	})
	g.Go(func() error {
		rep.Run(ctx)
		return nil
	})
	_ = g.Wait()

	if c.Histogram.TotalCount() != 0 {
		log.LogAttrs(ctx, slog.LevelInfo, "client stopped",
			slog.Int64("syncs", c.Histogram.TotalCount()),
			slog.Float64("median rtt [s]", float64(c.Histogram.ValueAtQuantile(50))/1e6),
		)
	}
}

func runTool(remoteAddr string, periodic bool) {
	log := slog.Default()

	ctx, stop := signalContext()
	defer stop()

	c := &client.Client{
		Log:        log,
		RemoteAddr: remoteAddr,
		State:      timebase.NewState(clocks.NewSystemClock(), 0),
	}
	for {
		s, err := c.Measure(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logbase.Fatal(log, "failed to measure clock offset",
				slog.String("remote", remoteAddr), slog.Any("error", err))
		}
		est, rtt := s.Estimate()
		off := est.Sub(s.ReceivedAt)
		fmt.Printf("%s,%+.9f,%.9f\n", s.ReceivedAt.UTC().Format(time.RFC3339Nano),
			timemath.Seconds(off), timemath.Seconds(rtt))
		if !periodic {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
	}
}

func runBenchmark(remoteAddr string, numClients, numRequests int) {
	ctx, stop := signalContext()
	defer stop()
	_ = benchmark.Run(ctx, slog.Default(), os.Stdout, remoteAddr, numClients, numRequests)
}

func exitWithUsage() {
	fmt.Println("<usage>")
	os.Exit(1)
}

func main() {
	var (
		quiet       bool
		verbose     bool
		configFile  string
		clientID    string
		remoteAddr  string
		periodic    bool
		numClients  int
		numRequests int
	)

	infoFlags := flag.NewFlagSet("info", flag.ExitOnError)
	serverFlags := flag.NewFlagSet("server", flag.ExitOnError)
	clientFlags := flag.NewFlagSet("client", flag.ExitOnError)
	toolFlags := flag.NewFlagSet("tool", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)

	serverFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	serverFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	serverFlags.StringVar(&configFile, "config", "", "Config file")

	clientFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	clientFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	clientFlags.StringVar(&configFile, "config", "", "Config file")
	clientFlags.StringVar(&clientID, "id", "", "Client identifier")
	clientFlags.StringVar(&remoteAddr, "remote", "", "Time authority address")

	toolFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	toolFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	toolFlags.StringVar(&remoteAddr, "remote", "", "Time authority address")
	toolFlags.BoolVar(&periodic, "periodic", false, "Perform periodic offset measurements")

	benchmarkFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.StringVar(&remoteAddr, "remote", "", "Time authority address")
	benchmarkFlags.IntVar(&numClients, "clients", benchmarkDefaultClients, "Number of concurrent clients")
	benchmarkFlags.IntVar(&numRequests, "requests", benchmarkDefaultRequests, "Number of requests per client")

	prof := profile.New(profile.CPUProfile, profile.MemProfile)
	prof.SetFlags(serverFlags)
	prof.SetFlags(clientFlags)
	prof.SetFlags(benchmarkFlags)

	logLevel := func() int {
		if quiet && verbose {
			exitWithUsage()
		}
		if quiet {
			return logLevelQuiet
		}
		if verbose {
			return logLevelVerbose
		}
		return logLevelDefault
	}

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case infoFlags.Name():
		err := infoFlags.Parse(os.Args[2:])
		if err != nil || infoFlags.NArg() != 0 {
			exitWithUsage()
		}
		showInfo()
	case serverFlags.Name():
		err := serverFlags.Parse(os.Args[2:])
		if err != nil || serverFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(logLevel())
		defer prof.Start().Stop()
		runServer(configFile)
	case clientFlags.Name():
		err := clientFlags.Parse(os.Args[2:])
		if err != nil || clientFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(logLevel())
		defer prof.Start().Stop()
		runClient(configFile, clientID, remoteAddr)
	case toolFlags.Name():
		err := toolFlags.Parse(os.Args[2:])
		if err != nil || toolFlags.NArg() != 0 {
			exitWithUsage()
		}
		if remoteAddr == "" {
			exitWithUsage()
		}
		initLogger(logLevel())
		runTool(remoteAddr, periodic)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		if remoteAddr == "" || numClients <= 0 || numRequests <= 0 {
			exitWithUsage()
		}
		initLogger(logLevel())
		defer prof.Start().Stop()
		runBenchmark(remoteAddr, numClients, numRequests)
	case "t":
		runT()
	default:
		exitWithUsage()
	}
}
