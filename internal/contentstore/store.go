// Package contentstore adapts content-addressed storage backends to the
// contract the ingest pipeline and verification service depend on.
//
// Every backend keys blobs by record.ContentID, so Put is idempotent: storing
// identical bytes twice yields the same id and no second copy. Exists may be
// eventually consistent.
package contentstore

import (
	"context"
	"net/url"
	"strings"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
)

// Store is the content-addressed store contract.
type Store interface {
	// Put stores data and returns its content id.
	Put(ctx context.Context, data []byte) (string, error)

	// Get returns the bytes for id, or a NotFound fault.
	Get(ctx context.Context, id string) ([]byte, error)

	// Exists reports whether id is retrievable right now.
	Exists(ctx context.Context, id string) (bool, error)
}

func checkID(op, id string) error {
	if !record.ValidContentID(id) {
		return fault.InvalidInput(op, "malformed content id %q", id)
	}
	return nil
}

// GatewayURL builds a public retrieval link for id under base.
func GatewayURL(base, id string) string {
	return strings.TrimRight(base, "/") + "/content/" + url.PathEscape(id)
}
