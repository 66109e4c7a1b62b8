// Package server exposes the ops HTTP API: replay downloads, direct
// buffer queries, health and stats endpoints, Prometheus metrics, and a
// live diagnostics WebSocket feed.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jinwktk/reverb/internal/archive"
	"github.com/jinwktk/reverb/internal/buffer"
	"github.com/jinwktk/reverb/internal/observe"
	"github.com/jinwktk/reverb/internal/replay"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second

	// DefaultLiveInterval is the cadence of the /debug/live snapshot feed.
	DefaultLiveInterval = 2 * time.Second
)

// ReplaySource serves replay requests. *replay.Coordinator satisfies it.
type ReplaySource interface {
	GetReplayAudio(ctx context.Context, req replay.Request) (*replay.Result, error)
	Stats() replay.Stats
}

var _ ReplaySource = (*replay.Coordinator)(nil)

// RangeStore answers direct buffer queries. *buffer.ContinuousStore
// satisfies it.
type RangeStore interface {
	ExtractRange(guildID, userID uint64, duration time.Duration) map[uint64][]byte
	HealthSummary(guildID, userID uint64) []buffer.HealthEntry
	TotalBytes() int64
}

var _ RangeStore = (*buffer.ContinuousStore)(nil)

// Server is the ops HTTP API. Construct with [New], mount with
// [Server.Handler] or serve directly with [Server.Run].
type Server struct {
	replays ReplaySource
	store   RangeStore

	archive      archive.Store
	metrics      *observe.Metrics
	checkers     []Checker
	relayBytes   func() int64
	liveInterval time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithArchiveStore enables the /v1/archive endpoints.
func WithArchiveStore(st archive.Store) Option {
	return func(s *Server) { s.archive = st }
}

// WithServerMetrics wraps the API in the request metrics middleware.
func WithServerMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCheckers registers readiness checks evaluated by /readyz.
func WithCheckers(checkers ...Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// WithRelayBytes adds the relay buffer's footprint to stats and live
// snapshots.
func WithRelayBytes(fn func() int64) Option {
	return func(s *Server) { s.relayBytes = fn }
}

// WithLiveInterval sets the /debug/live snapshot cadence.
func WithLiveInterval(d time.Duration) Option {
	return func(s *Server) { s.liveInterval = d }
}

// New creates the ops API over a replay source and a buffer store.
func New(replays ReplaySource, store RangeStore, opts ...Option) *Server {
	s := &Server{
		replays:      replays,
		store:        store,
		liveInterval: DefaultLiveInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API, wrapped in the observability middleware
// when metrics are configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /v1/replay", s.handleReplay)
	mux.HandleFunc("GET /v1/range", s.handleRange)
	mux.HandleFunc("GET /v1/health-summary", s.handleHealthSummary)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	if s.archive != nil {
		mux.HandleFunc("GET /v1/archive", s.handleArchiveList)
		mux.HandleFunc("GET /v1/archive/{id}", s.handleArchiveGet)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /debug/live", s.handleLive)

	var h http.Handler = mux
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	return h
}

// Run serves the API on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
