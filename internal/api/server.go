// Package api serves the session, chunk and verification operations over
// HTTP with gin.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/chunkledger/internal/events"
	"github.com/roach88/chunkledger/internal/ingest"
	"github.com/roach88/chunkledger/internal/metrics"
	"github.com/roach88/chunkledger/internal/record"
	"github.com/roach88/chunkledger/internal/session"
)

// DefaultMaxChunkBytes caps request bodies carrying chunk or file bytes.
const DefaultMaxChunkBytes = 64 << 20

// maxWait caps the ?wait= long poll on a chunk.
const maxWait = 30 * time.Second

// Sessions is the session surface. *session.Manager satisfies it.
type Sessions interface {
	CreateSession(ctx context.Context, owner string) (record.Session, error)
	EndSession(ctx context.Context, id string) (record.Session, error)
	GetSession(ctx context.Context, id string) (record.Session, error)
	ListSessions(ctx context.Context, owner string) ([]session.Log, error)
	AppendChunk(ctx context.Context, req session.AppendRequest) (record.Chunk, error)
	ResubmitChunk(ctx context.Context, req session.ResubmitRequest) (record.Chunk, error)
	AbandonChunk(ctx context.Context, attemptID string) (record.Chunk, error)
	GetChunk(ctx context.Context, attemptID string) (record.Chunk, error)
	WaitChunk(ctx context.Context, attemptID string) (record.Chunk, error)
	Chunks(ctx context.Context, sessionID string) ([]record.Chunk, error)
	Canonical(ctx context.Context, sessionID string) ([]record.Chunk, error)
}

// Verifier is the verification surface. *verify.Service satisfies it.
type Verifier interface {
	VerifyByContentID(ctx context.Context, contentID string) (record.VerificationReport, error)
	VerifyByFile(ctx context.Context, data []byte) (record.VerificationReport, error)
}

// Media lists finalized chunks. *store.Store satisfies it.
type Media interface {
	ListMediaRecordsByOwner(ctx context.Context, owner string) ([]record.MediaRecord, error)
	Ping(ctx context.Context) error
}

// StatsSource reports pipeline counters. *ingest.Pipeline satisfies it.
type StatsSource interface {
	Stats() ingest.Stats
}

// Server wires handlers to their dependencies.
type Server struct {
	sessions Sessions
	verifier Verifier
	media    Media
	stats    StatsSource
	gatherer prometheus.Gatherer
	bus      *events.Broadcaster
	maxBody  int64
	gateway  string
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithEvents enables the chunk event stream.
func WithEvents(b *events.Broadcaster) Option {
	return func(s *Server) {
		s.bus = b
	}
}

// WithMaxChunkBytes overrides DefaultMaxChunkBytes.
func WithMaxChunkBytes(n int64) Option {
	return func(s *Server) {
		s.maxBody = n
	}
}

// WithGateway adds a retrieval url under base to every media record listed.
func WithGateway(base string) Option {
	return func(s *Server) {
		s.gateway = base
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a Server.
func New(sessions Sessions, verifier Verifier, media Media, stats StatsSource, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		verifier: verifier,
		media:    media,
		stats:    stats,
		maxBody:  DefaultMaxChunkBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine with all routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(s.gatherer)))
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/sessions", s.createSession)
		v1.GET("/sessions", s.listSessions)
		v1.GET("/sessions/:id", s.getSession)
		v1.POST("/sessions/:id/end", s.endSession)
		v1.POST("/sessions/:id/chunks", s.appendChunk)
		v1.GET("/sessions/:id/chunks", s.listChunks)
		v1.GET("/sessions/:id/canonical", s.canonical)
		v1.POST("/sessions/:id/chunks/:seq/resubmit", s.resubmitChunk)
		if s.bus != nil {
			v1.GET("/sessions/:id/events", s.streamEvents)
		}

		v1.GET("/chunks/:attempt", s.getChunk)
		v1.POST("/chunks/:attempt/abandon", s.abandonChunk)

		v1.GET("/verify/:cid", s.verifyContentID)
		v1.POST("/verify", s.verifyFile)

		v1.GET("/media", s.listMedia)
		v1.GET("/stats", s.getStats)
	}
	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
