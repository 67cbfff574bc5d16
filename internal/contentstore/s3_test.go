package contentstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
)

// Runs against a live endpoint, e.g. a local MinIO:
//
//	CHUNKLEDGER_S3_ENDPOINT=localhost:9000 CHUNKLEDGER_S3_ACCESS_KEY=minioadmin \
//	CHUNKLEDGER_S3_SECRET_KEY=minioadmin go test ./internal/contentstore -run S3
func TestS3_Integration(t *testing.T) {
	endpoint := os.Getenv("CHUNKLEDGER_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("CHUNKLEDGER_S3_ENDPOINT not set")
	}
	ctx := context.Background()

	s, err := NewS3(S3Config{
		Endpoint:  endpoint,
		Bucket:    "chunkledger-test",
		Prefix:    "it/",
		AccessKey: os.Getenv("CHUNKLEDGER_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("CHUNKLEDGER_S3_SECRET_KEY"),
	})
	require.NoError(t, err)
	require.NoError(t, s.EnsureBucket(ctx))

	id, err := s.Put(ctx, []byte("integration"))
	require.NoError(t, err)
	assert.Equal(t, record.ContentID([]byte("integration")), id)

	exists, err := s.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("integration"), got)

	missing := record.ContentID([]byte("never uploaded to s3"))
	exists, err = s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(S3Config{Endpoint: "localhost:9000"})
	assert.True(t, fault.Is(err, fault.KindInvalidInput))
}
