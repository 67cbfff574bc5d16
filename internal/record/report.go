package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Presence is a three-valued existence flag. The content store can be
// unreachable, in which case existence is unknown rather than false.
type Presence int8

const (
	PresenceUnknown Presence = iota
	PresenceAbsent
	PresencePresent
)

// PresenceOf converts a definite answer into a Presence.
func PresenceOf(exists bool) Presence {
	if exists {
		return PresencePresent
	}
	return PresenceAbsent
}

func (p Presence) String() string {
	switch p {
	case PresencePresent:
		return "true"
	case PresenceAbsent:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes Presence as true, false or "unknown".
func (p Presence) MarshalJSON() ([]byte, error) {
	switch p {
	case PresencePresent:
		return []byte("true"), nil
	case PresenceAbsent:
		return []byte("false"), nil
	default:
		return []byte(`"unknown"`), nil
	}
}

// UnmarshalJSON accepts true, false, "unknown" and null.
func (p *Presence) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true":
		*p = PresencePresent
	case "false":
		*p = PresenceAbsent
	case `"unknown"`, "null":
		*p = PresenceUnknown
	default:
		return fmt.Errorf("invalid presence %s", data)
	}
	return nil
}

// VerificationReport is computed fresh for every verification call and never persisted.
//
// Owner is nil, rendered as null, unless the ledger holds a record.
// StoreError and LedgerError carry the per-source failure when a source could not
// give a definite answer.
type VerificationReport struct {
	ContentID       string    `json:"content_id"`
	ExistsInStore   Presence  `json:"exists_in_store"`
	ExistsOnLedger  bool      `json:"exists_on_ledger"`
	Owner           *string   `json:"owner"`
	TransactionHash string    `json:"transaction_hash,omitempty"`
	TokenID         int64     `json:"token_id,omitempty"`
	StoreAttempts   int       `json:"store_attempts"`
	StoreError      string    `json:"store_error,omitempty"`
	LedgerError     string    `json:"ledger_error,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Verified reports whether the content is both stored and owned on the ledger.
func (r VerificationReport) Verified() bool {
	return r.ExistsInStore == PresencePresent && r.ExistsOnLedger
}

// String renders a compact single-line summary for text output.
func (r VerificationReport) String() string {
	owner := "-"
	if r.Owner != nil {
		owner = *r.Owner
	}
	return fmt.Sprintf("content=%s store=%s ledger=%t owner=%s", r.ContentID, r.ExistsInStore, r.ExistsOnLedger, owner)
}

var _ json.Marshaler = Presence(0)
