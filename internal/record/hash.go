package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ContentIDPrefix names the digest algorithm embedded in every content id.
const ContentIDPrefix = "sha256:"

// Domain prefixes for hashes over structured data.
// The version suffix leaves room for algorithm migration.
const (
	DomainLedgerEntry = "chunkledger/ledger-entry/v1"
	DomainGenesis     = "chunkledger/genesis/v1"
)

// ContentID computes the content-addressed identifier of raw bytes.
// Identical bytes always produce the same id.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return ContentIDPrefix + hex.EncodeToString(sum[:])
}

// ValidContentID reports whether id is a well-formed content id.
func ValidContentID(id string) bool {
	digest, ok := strings.CutPrefix(id, ContentIDPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(digest); i++ {
		c := digest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ContentDigest returns the hex digest part of a content id.
func ContentDigest(id string) string {
	return strings.TrimPrefix(id, ContentIDPrefix)
}

// HashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
// The null separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ChunkMetadata is the document uploaded next to every chunk's bytes so the
// content store alone describes where a chunk belongs.
type ChunkMetadata struct {
	ContentID       string
	SessionID       string
	SequenceNumber  int64
	ClientTimestamp time.Time
	Owner           string
	Size            int64
}

// Canonical serializes the metadata document as canonical JSON.
func (m ChunkMetadata) Canonical() ([]byte, error) {
	data, err := MarshalCanonical(map[string]any{
		"content_id":       m.ContentID,
		"session_id":       m.SessionID,
		"sequence_number":  m.SequenceNumber,
		"client_timestamp": FormatTime(m.ClientTimestamp),
		"owner":            m.Owner,
		"size":             m.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("chunk metadata: %w", err)
	}
	return data, nil
}

// FormatTime renders timestamps the same way everywhere they are hashed or stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
