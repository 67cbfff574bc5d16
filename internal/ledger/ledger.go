// Package ledger records content ownership in an append-only, hash-chained
// log. A commit is strongly consistent once it returns: a subsequent Query
// for the same content id sees it, and a negative Query is authoritative.
package ledger

import (
	"context"
	"time"
)

// Entry is what a chunk commits: the content it stored, who owns it, and
// where in a session it came from.
type Entry struct {
	ContentID string
	Owner     string

	// Metadata is free-form provenance (session id, sequence number,
	// metadata document id). It is hashed into the chain.
	Metadata map[string]string
}

// Receipt is returned by a successful Commit.
type Receipt struct {
	TxHash      string    `json:"transaction_hash"`
	Height      int64     `json:"height"`
	CommittedAt time.Time `json:"committed_at"`
}

// Ownership is a committed entry as seen by Query.
type Ownership struct {
	ContentID   string            `json:"content_id"`
	Owner       string            `json:"owner"`
	TxHash      string            `json:"transaction_hash"`
	Height      int64             `json:"height"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CommittedAt time.Time         `json:"committed_at"`
}

// Ledger is the contract the ingest pipeline and verification service use.
type Ledger interface {
	// Commit records ownership of e.ContentID. Committing the same content
	// for the same owner again returns the original receipt.
	Commit(ctx context.Context, e Entry) (Receipt, error)

	// Query returns the ownership record, or a NotFound fault.
	Query(ctx context.Context, contentID string) (Ownership, error)
}
