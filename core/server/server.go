package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/cristian-time/base/metrics"

	"example.com/cristian-time/core/timebase"

	"example.com/cristian-time/net/tsp"
)

const (
	DefaultIdleTimeout = 60 * time.Second

	writeTimeout = 5 * time.Second
)

var srvMetrics = newServerMetrics()

type serverMetrics struct {
	connsAccepted prometheus.Counter
	connsClosed   prometheus.Counter
	reqsMalformed prometheus.Counter
	reqsServed    prometheus.Counter
}

func newServerMetrics() *serverMetrics {
	return &serverMetrics{
		connsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ServerConnsAcceptedN,
			Help: metrics.ServerConnsAcceptedH,
		}),
		connsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ServerConnsClosedN,
			Help: metrics.ServerConnsClosedH,
		}),
		reqsMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ServerReqsMalformedN,
			Help: metrics.ServerReqsMalformedH,
		}),
		reqsServed: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ServerReqsServedN,
			Help: metrics.ServerReqsServedH,
		}),
	}
}

// Server answers time requests with the corrected time of State.
type Server struct {
	Log         *slog.Logger
	State       *timebase.State
	IdleTimeout time.Duration
}

// Listen binds a TCP listener to addr. The socket is opened with
// SO_REUSEPORT so that a restarted authority can rebind immediately.
func Listen(addr string) (net.Listener, error) {
	return reuseport.Listen("tcp", addr)
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return s.IdleTimeout
}

// Serve accepts connections on ln and handles each of them concurrently
// until ctx is done. It closes ln and returns once all connection handlers
// have finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.Log.LogAttrs(ctx, slog.LevelInfo, "server listening",
		slog.String("address", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(2*tempDelay, time.Second)
				}
				s.Log.LogAttrs(ctx, slog.LevelError, "failed to accept connection",
					slog.Any("error", err), slog.Duration("retry in", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			_ = ln.Close()
			return err
		}
		tempDelay = 0
		srvMetrics.connsAccepted.Inc()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	log := s.Log.With(slog.String("peer", peer))
	log.LogAttrs(ctx, slog.LevelDebug, "connection established")

	defer func() {
		_ = conn.Close()
		srvMetrics.connsClosed.Inc()
		log.LogAttrs(ctx, slog.LevelDebug, "connection closed")
	}()

	// Unblock a pending read on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	r := tsp.NewReader(conn)
	for {
		err := conn.SetReadDeadline(time.Now().Add(s.idleTimeout()))
		if err != nil || ctx.Err() != nil {
			return
		}
		req, err := tsp.ReadMessage(r)
		if err != nil {
			if errors.Is(err, tsp.ErrMalformedMessage) {
				srvMetrics.reqsMalformed.Inc()
				log.LogAttrs(ctx, slog.LevelInfo, "failed to read request", slog.Any("error", err))
			} else if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.LogAttrs(ctx, slog.LevelInfo, "failed to read request", slog.Any("error", err))
			}
			return
		}
		rxt := s.State.Now()

		sentAt, echo, err := tsp.DecodeRequest(req)
		if err != nil {
			srvMetrics.reqsMalformed.Inc()
			log.LogAttrs(ctx, slog.LevelInfo, "failed to decode request", slog.Any("error", err))
			return
		}
		log.LogAttrs(ctx, slog.LevelDebug, "received request",
			slog.Time("at", rxt),
			slog.Time("sent at", sentAt),
		)

		resp := tsp.EncodeResponse(echo, rxt)
		err = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err != nil {
			return
		}
		err = tsp.WriteMessage(conn, resp)
		if err != nil {
			log.LogAttrs(ctx, slog.LevelError, "failed to write response", slog.Any("error", err))
			return
		}
		srvMetrics.reqsServed.Inc()
	}
}
