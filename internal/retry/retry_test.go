package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chunkledger/internal/fault"
)

var fast = Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, CallTimeout: 50 * time.Millisecond}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(4))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(40))
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	var retried []int
	attempts, err := Do(context.Background(), "op", fast, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	}, OnRetry(func(attempt int, _ time.Duration, _ error) {
		retried = append(retried, attempt)
	}))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ExhaustedReturnsPermanent(t *testing.T) {
	cause := errors.New("store down")
	attempts, err := Do(context.Background(), "store.put", fast, func(ctx context.Context) error {
		return cause
	})

	assert.Equal(t, 3, attempts)
	assert.True(t, fault.Is(err, fault.KindPermanent))
	assert.ErrorIs(t, err, cause)
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	var calls int
	attempts, err := Do(context.Background(), "op", fast, func(ctx context.Context) error {
		calls++
		return fault.InvalidInput("op", "bad bytes")
	})

	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.True(t, fault.Is(err, fault.KindInvalidInput))
}

func TestDo_CallTimeoutIsTransient(t *testing.T) {
	var calls atomic.Int32
	p := fast
	p.CallTimeout = 5 * time.Millisecond
	_, err := Do(context.Background(), "ledger.commit", p, func(ctx context.Context) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	assert.Equal(t, int32(3), calls.Load())
	require.True(t, fault.Is(err, fault.KindPermanent))

	var fe *fault.Error
	require.True(t, errors.As(errors.Unwrap(err), &fe))
	assert.Equal(t, fault.KindTransientIO, fe.Kind)
}

func TestDo_CancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	p := Policy{Attempts: 10, BaseDelay: time.Hour}
	_, err := Do(ctx, "op", p, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fails once")
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, fault.Is(err, fault.KindPermanent))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy.Validate())
	assert.Error(t, Policy{Attempts: 0}.Validate())
	assert.Error(t, Policy{Attempts: 1, BaseDelay: -1}.Validate())
}
