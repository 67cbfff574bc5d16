package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
)

// chainLink is the hashed form of one ledger entry.
type chainLink struct {
	Height      int64
	ContentID   string
	Owner       string
	Metadata    map[string]string
	CommittedAt time.Time
	PrevHash    string
}

func (c chainLink) hash() (string, error) {
	data, err := record.MarshalCanonical(map[string]any{
		"height":       c.Height,
		"content_id":   c.ContentID,
		"owner":        c.Owner,
		"metadata":     metadataValue(c.Metadata),
		"committed_at": record.FormatTime(c.CommittedAt),
		"prev_hash":    c.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("hash ledger entry: %w", err)
	}
	return record.HashWithDomain(record.DomainLedgerEntry, data), nil
}

func genesisHash() string {
	return record.HashWithDomain(record.DomainGenesis, nil)
}

// AuditReport summarizes a full walk of the chain.
type AuditReport struct {
	Entries int64  `json:"entries"`
	Head    string `json:"head"`

	// BrokenAt is the height of the first entry whose link or hash does
	// not verify; zero when the chain is intact.
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Intact reports whether every entry verified.
func (r AuditReport) Intact() bool {
	return r.BrokenAt == 0
}

// Audit recomputes every entry hash and checks each prev_hash link.
func (l *SQL) Audit(ctx context.Context) (AuditReport, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT height, content_id, owner, metadata, committed_at, prev_hash, entry_hash
		FROM ledger_entries
		ORDER BY height ASC
	`)
	if err != nil {
		return AuditReport{}, fault.Transient("ledger.audit", err)
	}
	defer rows.Close()

	report := AuditReport{Head: genesisHash()}
	for rows.Next() {
		var (
			link        chainLink
			metaJSON    string
			committedAt string
			entryHash   string
		)
		if err := rows.Scan(&link.Height, &link.ContentID, &link.Owner, &metaJSON, &committedAt, &link.PrevHash, &entryHash); err != nil {
			return AuditReport{}, fault.Transient("ledger.audit", err)
		}
		if report.BrokenAt != 0 {
			continue
		}

		broken := func(reason string, args ...any) {
			report.BrokenAt = link.Height
			report.Reason = fmt.Sprintf(reason, args...)
		}

		if link.Height != report.Entries+1 {
			broken("expected height %d", report.Entries+1)
			continue
		}
		if link.PrevHash != report.Head {
			broken("prev_hash does not match entry %d", report.Entries)
			continue
		}
		if link.Metadata, err = unmarshalMetadata(metaJSON); err != nil {
			broken("%v", err)
			continue
		}
		if link.CommittedAt, err = record.ParseTime(committedAt); err != nil {
			broken("%v", err)
			continue
		}
		want, err := link.hash()
		if err != nil {
			broken("%v", err)
			continue
		}
		if want != entryHash {
			broken("entry hash mismatch")
			continue
		}
		report.Entries++
		report.Head = entryHash
	}
	if err := rows.Err(); err != nil {
		return AuditReport{}, fault.Transient("ledger.audit", err)
	}

	if !report.Intact() {
		l.logger.Warn("ledger chain broken", "height", report.BrokenAt, "reason", report.Reason)
	}
	return report, nil
}
