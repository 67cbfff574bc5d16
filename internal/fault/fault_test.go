package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", NotFound("session.get", "session %q", "s1"))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindInvalidInput))
}

func TestKindOf_Transient(t *testing.T) {
	assert.Equal(t, KindTransientIO, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindTransientIO, KindOf(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.True(t, Retryable(Transient("store.put", errors.New("reset"))))
	assert.False(t, Retryable(InvalidInput("x", "bad")))
	assert.True(t, Retryable(errors.New("boom")))
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(Permanent("x", 3, errors.New("reset"))))
}

func TestError_Message(t *testing.T) {
	cause := errors.New("connection reset")
	err := Permanent("ingest.upload", 4, Transient("store.put", cause))

	assert.Equal(t, "ingest.upload: PERMANENT: gave up after 4 attempts: store.put: TRANSIENT_IO: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindPermanent, KindOf(err))

	assert.Equal(t, "INVALID_INPUT: owner is empty", InvalidInput("", "owner is empty").Error())
}

func TestServiceUnavailable(t *testing.T) {
	err := ServiceUnavailable("verify", errors.Join(errors.New("a"), errors.New("b")))
	assert.True(t, Is(err, KindServiceUnavailable))
	assert.Contains(t, err.Error(), "all sources unreachable")
}
