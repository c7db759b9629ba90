// Package service exposes process level endpoints shared by the authority
// and the clients.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/cristian-time/base/logbase"
)

const shutdownTimeout = 5 * time.Second

// StartMonitor serves the Prometheus metrics of the process on
// http://addr/metrics until ctx is done. An empty addr disables the
// endpoint.
func StartMonitor(ctx context.Context, log *slog.Logger, addr string) {
	if addr == "" {
		return
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logbase.FatalContext(ctx, log, "failed to serve metrics",
			slog.String("address", addr), slog.Any("error", err))
	}
	go func() {
		err := serveMonitor(ctx, log, ln)
		if err != nil {
			logbase.FatalContext(ctx, log, "failed to serve metrics",
				slog.String("address", addr), slog.Any("error", err))
		}
	}()
}

func serveMonitor(ctx context.Context, log *slog.Logger, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}
	stop := context.AfterFunc(ctx, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	defer stop()

	log.LogAttrs(ctx, slog.LevelInfo, "serving metrics",
		slog.String("address", ln.Addr().String()))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
