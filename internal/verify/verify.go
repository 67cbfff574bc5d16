// Package verify answers whether a piece of content is stored and owned.
//
// A verification asks two independent sources at once: the content store
// ("do these bytes exist?") and the ledger ("who owns them?"). The two
// answers are joined; one source failing degrades the report, both failing
// fails the call.
//
// The sources have different consistency models. Content propagates into
// the store with some lag, so a negative or failed existence check is
// retried with backoff before it is accepted. The ledger is strongly
// consistent: one attempt, and "not found" is final.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/chunkledger/internal/contentstore"
	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/ledger"
	"github.com/roach88/chunkledger/internal/metrics"
	"github.com/roach88/chunkledger/internal/record"
	"github.com/roach88/chunkledger/internal/retry"
)

// Config bounds the two source checks.
type Config struct {
	// Store is the retry policy for the existence check.
	Store retry.Policy

	// LedgerTimeout bounds the single ledger lookup. Zero means no timeout
	// beyond the caller's context.
	LedgerTimeout time.Duration
}

// DefaultConfig returns the default verification settings.
func DefaultConfig() Config {
	return Config{Store: retry.DefaultPolicy, LedgerTimeout: 5 * time.Second}
}

// errAbsent marks a negative existence answer so it is retried like a
// transient failure.
var errAbsent = errors.New("content not found in store")

// Service runs verifications.
type Service struct {
	content contentstore.Store
	ledger  ledger.Ledger
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNow overrides the clock used for CheckedAt.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates a Service.
func New(content contentstore.Store, l ledger.Ledger, cfg Config, opts ...Option) *Service {
	s := &Service{
		content: content,
		ledger:  l,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	return s
}

type storeResult struct {
	presence record.Presence
	attempts int
	err      error
}

type ledgerResult struct {
	ownership ledger.Ownership
	found     bool
	err       error
}

// VerifyByContentID checks both sources for contentID.
//
// A store failure yields exists_in_store "unknown" with StoreError set; a
// ledger failure yields exists_on_ledger false with LedgerError set. Only
// when neither source answered is a ServiceUnavailable fault returned.
func (s *Service) VerifyByContentID(ctx context.Context, contentID string) (record.VerificationReport, error) {
	if !record.ValidContentID(contentID) {
		return record.VerificationReport{}, fault.InvalidInput("verify", "malformed content id %q", contentID)
	}
	started := time.Now()

	var (
		wg sync.WaitGroup
		sr storeResult
		lr ledgerResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		sr = s.checkStore(ctx, contentID)
	}()
	go func() {
		defer wg.Done()
		lr = s.checkLedger(ctx, contentID)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return record.VerificationReport{}, err
	}

	s.metrics.StoreAttempts.Observe(float64(sr.attempts))
	s.metrics.VerifyDuration.Observe(time.Since(started).Seconds())

	if sr.err != nil && lr.err != nil {
		s.metrics.Verifications.WithLabelValues("unavailable").Inc()
		s.logger.Error("verification sources unavailable", "content_id", contentID,
			"store_error", sr.err, "ledger_error", lr.err)
		return record.VerificationReport{}, fault.ServiceUnavailable("verify", errors.Join(sr.err, lr.err))
	}

	report := record.VerificationReport{
		ContentID:      contentID,
		ExistsInStore:  sr.presence,
		ExistsOnLedger: lr.found,
		StoreAttempts:  sr.attempts,
		CheckedAt:      s.now().UTC(),
	}
	if sr.err != nil {
		report.StoreError = sr.err.Error()
	}
	if lr.err != nil {
		report.LedgerError = lr.err.Error()
	}
	if lr.found {
		owner := lr.ownership.Owner
		report.Owner = &owner
		report.TransactionHash = lr.ownership.TxHash
		report.TokenID = lr.ownership.Height
	}

	s.metrics.Verifications.WithLabelValues(outcome(report)).Inc()
	s.logger.Debug("content verified", "content_id", contentID, "exists_in_store", report.ExistsInStore,
		"exists_on_ledger", report.ExistsOnLedger, "store_attempts", report.StoreAttempts)
	return report, nil
}

// VerifyByFile hashes data locally and verifies the resulting content id.
func (s *Service) VerifyByFile(ctx context.Context, data []byte) (record.VerificationReport, error) {
	if len(data) == 0 {
		return record.VerificationReport{}, fault.InvalidInput("verify", "file is empty")
	}
	return s.VerifyByContentID(ctx, record.ContentID(data))
}

func (s *Service) checkStore(ctx context.Context, contentID string) storeResult {
	attempts, err := retry.Do(ctx, "verify.store", s.cfg.Store, func(ctx context.Context) error {
		ok, err := s.content.Exists(ctx, contentID)
		if err != nil {
			return err
		}
		if !ok {
			return errAbsent
		}
		return nil
	}, retry.RetryIf(func(err error) bool {
		return errors.Is(err, errAbsent) || retry.DefaultRetryable(err)
	}))

	switch {
	case err == nil:
		return storeResult{presence: record.PresencePresent, attempts: attempts}
	case errors.Is(err, errAbsent):
		return storeResult{presence: record.PresenceAbsent, attempts: attempts}
	default:
		return storeResult{presence: record.PresenceUnknown, attempts: attempts, err: err}
	}
}

func (s *Service) checkLedger(ctx context.Context, contentID string) ledgerResult {
	if s.cfg.LedgerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LedgerTimeout)
		defer cancel()
	}

	o, err := s.ledger.Query(ctx, contentID)
	switch {
	case err == nil:
		return ledgerResult{ownership: o, found: true}
	case fault.Is(err, fault.KindNotFound):
		return ledgerResult{}
	case errors.Is(err, context.DeadlineExceeded):
		return ledgerResult{err: fault.Transient("verify.ledger", err)}
	default:
		return ledgerResult{err: err}
	}
}

func outcome(r record.VerificationReport) string {
	switch {
	case r.StoreError != "" || r.LedgerError != "":
		return "degraded"
	case r.Verified():
		return "verified"
	default:
		return "unverified"
	}
}
