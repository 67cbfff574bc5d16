package contentstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
)

func TestMemory_PutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id1, err := m.Put(ctx, []byte("chunk"))
	require.NoError(t, err)
	id2, err := m.Put(ctx, []byte("chunk"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, record.ContentID([]byte("chunk")), id1)
	assert.Equal(t, 1, m.Len())
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	data := []byte("abc")
	id, err := m.Put(ctx, data)
	require.NoError(t, err)
	data[0] = 'z'

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'z'
	again, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemory_PropagationLag(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(WithPropagationLag(time.Second), WithNow(func() time.Time { return now }))

	id, err := m.Put(ctx, []byte("slow"))
	require.NoError(t, err)

	exists, err := m.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.Get(ctx, id)
	assert.True(t, fault.Is(err, fault.KindNotFound))

	now = now.Add(time.Second)
	exists, err = m.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	// A second Put must not push visibility back out.
	_, err = m.Put(ctx, []byte("slow"))
	require.NoError(t, err)
	exists, err = m.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemory_MissingContent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id := record.ContentID([]byte("never stored"))

	exists, err := m.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.Get(ctx, id)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestMemory_MalformedID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, id := range []string{"", "sha256:xyz", "0xabc", "sha256:" + string(make([]byte, 64))} {
		_, err := m.Exists(ctx, id)
		assert.True(t, fault.Is(err, fault.KindInvalidInput), "id %q", id)
		_, err = m.Get(ctx, id)
		assert.True(t, fault.Is(err, fault.KindInvalidInput), "id %q", id)
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory().Put(ctx, []byte("x"))
	assert.True(t, fault.Is(err, fault.KindTransientIO))
}

func TestGatewayURL(t *testing.T) {
	id := record.ContentID([]byte("hello"))
	assert.Equal(t, "https://gw.example/content/"+id, GatewayURL("https://gw.example/", id))
}
