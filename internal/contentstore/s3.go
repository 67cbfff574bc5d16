package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
)

// S3Config locates an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3 stores blobs as objects keyed by prefix + hex digest in any
// S3-compatible service (MinIO, AWS, R2).
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
	region string
}

// NewS3 builds a client. It does not contact the service; call EnsureBucket
// at startup to fail fast on bad credentials.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fault.InvalidInput("s3.new", "endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fault.Transient("s3.bucket", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3) key(id string) string {
	return s.prefix + record.ContentDigest(id)
}

// Put uploads data unless an object with the same content id already exists.
func (s *S3) Put(ctx context.Context, data []byte) (string, error) {
	id := record.ContentID(data)
	key := s.key(id)

	exists, err := s.stat(ctx, key)
	if err != nil {
		return "", fault.Transient("s3.put", err)
	}
	if exists {
		return id, nil
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"content-id": id},
	})
	if err != nil {
		return "", fault.Transient("s3.put", err)
	}
	return id, nil
}

// Get downloads the object and checks its digest.
func (s *S3) Get(ctx context.Context, id string) ([]byte, error) {
	if err := checkID("s3.get", id); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify("s3.get", id, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.classify("s3.get", id, err)
	}
	if got := record.ContentID(data); got != id {
		return nil, fmt.Errorf("s3.get: object for %s hashes to %s", id, got)
	}
	return data, nil
}

// Exists issues a HEAD request for the object.
func (s *S3) Exists(ctx context.Context, id string) (bool, error) {
	if err := checkID("s3.exists", id); err != nil {
		return false, err
	}
	exists, err := s.stat(ctx, s.key(id))
	if err != nil {
		return false, fault.Transient("s3.exists", err)
	}
	return exists, nil
}

func (s *S3) stat(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, err
}

func (s *S3) classify(op, id string, err error) error {
	if isNoSuchKey(err) {
		return fault.NotFound(op, "content %s not found", id)
	}
	return fault.Transient(op, err)
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
