package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roach88/chunkledger/internal/config"
	"github.com/roach88/chunkledger/internal/contentstore"
	"github.com/roach88/chunkledger/internal/events"
	"github.com/roach88/chunkledger/internal/ingest"
	"github.com/roach88/chunkledger/internal/ledger"
	"github.com/roach88/chunkledger/internal/metrics"
	"github.com/roach88/chunkledger/internal/session"
	"github.com/roach88/chunkledger/internal/store"
	"github.com/roach88/chunkledger/internal/verify"
)

// app is the fully wired service.
type app struct {
	cfg      config.Config
	store    *store.Store
	ledger   *ledger.SQL
	content  contentstore.Store
	bus      *events.Broadcaster
	registry *prometheus.Registry
	pipeline *ingest.Pipeline
	sessions *session.Manager
	verifier *verify.Service

	closers []func() error
}

// openApp builds every component from cfg. Call Close when done.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	var err error
	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	if a.ledger, err = openLedger(cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.ledger.Close)

	if a.content, err = a.openContent(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}

	a.bus = events.NewBroadcaster()
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })
	publishers := events.Multi{a.bus}
	if len(cfg.Events.KafkaBrokers) > 0 {
		k := events.NewKafka(cfg.Events.KafkaBrokers, cfg.Events.Topic, logger)
		a.closers = append(a.closers, k.Close)
		publishers = append(publishers, k)
		logger.Info("publishing chunk events to kafka", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.Topic)
	}

	a.pipeline = ingest.New(a.store, a.content, a.ledger, ingest.Config{
		Upload:      cfg.Ingest.Upload.Policy(),
		Commit:      cfg.Ingest.Commit.Policy(),
		MaxInFlight: cfg.Ingest.MaxInFlight,
	}, ingest.WithPublisher(publishers), ingest.WithMetrics(m), ingest.WithLogger(logger))

	a.sessions = session.NewManager(a.store, a.pipeline, a.content,
		session.WithMetrics(m), session.WithLogger(logger))

	a.verifier = verify.New(a.content, a.ledger, verify.Config{
		Store:         cfg.Verify.Store.Policy(),
		LedgerTimeout: cfg.Verify.LedgerTimeout.Std(),
	}, verify.WithMetrics(m), verify.WithLogger(logger))

	return a, nil
}

// Close shuts the pipeline down and releases resources in reverse order.
func (a *app) Close() error {
	var errs []error
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Shutdown(context.Background()))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func openStore(cfg config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func openLedger(cfg config.Config, logger *slog.Logger) (*ledger.SQL, error) {
	l, err := ledger.Open(cfg.Ledger.Driver, cfg.LedgerDSN(), ledger.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	return l, nil
}

func (a *app) openContent(ctx context.Context, cfg config.Config, logger *slog.Logger) (contentstore.Store, error) {
	var base contentstore.Store
	switch cfg.ContentStore.Kind {
	case "dir":
		d, err := contentstore.NewDir(cfg.ContentStore.Dir)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open content directory", err)
		}
		base = d
	case "s3":
		s3cfg := cfg.ContentStore.S3
		s, err := contentstore.NewS3(contentstore.S3Config{
			Endpoint:  s3cfg.Endpoint,
			Bucket:    s3cfg.Bucket,
			Prefix:    s3cfg.Prefix,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
			Region:    s3cfg.Region,
			UseSSL:    s3cfg.UseSSL,
		})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create s3 client", err)
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to prepare bucket", err)
		}
		base = s
	case "memory", "":
		base = contentstore.NewMemory(contentstore.WithPropagationLag(cfg.ContentStore.PropagationLag.Std()))
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown content store kind %q", cfg.ContentStore.Kind))
	}
	logger.Info("content store ready", "kind", cfg.ContentStore.Kind)

	if cfg.Cache.RedisAddr == "" {
		return base, nil
	}
	cache := contentstore.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.TTL.Std())
	a.closers = append(a.closers, cache.Close)
	if err := cache.Ping(ctx); err != nil {
		// The cache is an optimisation; run without it.
		logger.Warn("existence cache unavailable", "addr", cfg.Cache.RedisAddr, "error", err)
		return base, nil
	}
	return contentstore.NewCached(base, cache, logger), nil
}
