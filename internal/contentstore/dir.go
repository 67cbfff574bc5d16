package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
)

// Dir stores blobs as files under a root directory, sharded by the first two
// bytes of the digest: root/ab/cd/abcd....
type Dir struct {
	root string
}

// NewDir creates the root directory if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(id string) string {
	digest := record.ContentDigest(id)
	return filepath.Join(d.root, digest[:2], digest[2:4], digest)
}

// Put writes data atomically via a temp file and rename. Existing content
// is left untouched.
func (d *Dir) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fault.Transient("dir.put", err)
	}
	id := record.ContentID(data)
	dst := d.path(id)

	if _, err := os.Stat(dst); err == nil {
		return id, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fault.Transient("dir.put", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", fault.Transient("dir.put", err)
	}
	defer os.Remove(tmp.Name()) // no-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fault.Transient("dir.put", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fault.Transient("dir.put", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fault.Transient("dir.put", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fault.Transient("dir.put", err)
	}
	return id, nil
}

// Get reads the blob and re-hashes it; a mismatch means on-disk corruption.
func (d *Dir) Get(ctx context.Context, id string) ([]byte, error) {
	if err := checkID("dir.get", id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.NotFound("dir.get", "content %s not found", id)
	}
	if err != nil {
		return nil, fault.Transient("dir.get", err)
	}
	if got := record.ContentID(data); got != id {
		return nil, fmt.Errorf("dir.get: content %s is corrupt (hashes to %s)", id, got)
	}
	return data, nil
}

// Exists stats the blob path.
func (d *Dir) Exists(ctx context.Context, id string) (bool, error) {
	if err := checkID("dir.exists", id); err != nil {
		return false, err
	}
	_, err := os.Stat(d.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fault.Transient("dir.exists", err)
	}
	return true, nil
}
