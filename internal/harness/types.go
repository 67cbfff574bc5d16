package harness

import (
	"fmt"

	"github.com/roach88/chunkledger/internal/record"
)

// TraceEvent records how one step ended.
type TraceEvent struct {
	Step      int    `json:"step"`
	Action    string `json:"action"`
	Seq       *int64 `json:"seq,omitempty"`
	AttemptID string `json:"attempt_id,omitempty"`
	Status    string `json:"status,omitempty"`

	// Error is the fault kind a rejected step failed with.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	Session   record.Session `json:"session"`
	Log       []record.Chunk `json:"log"`
	Canonical []record.Chunk `json:"canonical"`
	Gaps      []int64        `json:"gaps"`

	// payloads maps content ids back to the scenario data that produced them.
	payloads map[string]string
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		payloads: make(map[string]string),
	}
}

// AddError records a failed expectation.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Payload returns the scenario data stored under contentID, or "".
func (r *Result) Payload(contentID string) string {
	return r.payloads[contentID]
}

func (r *Result) remember(data string) {
	r.payloads[record.ContentID([]byte(data))] = data
}
