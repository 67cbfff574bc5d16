package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one recording session, scripted.
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Owner       string      `yaml:"owner"`
	Steps       []Step      `yaml:"steps"`
	Assertions  []Assertion `yaml:"assertions,omitempty"`
}

// Step is one action against the session.
type Step struct {
	Action string `yaml:"action"`

	// Data is the chunk payload for append and resubmit. A resubmit
	// without data reuses the bytes stored for the failed attempt.
	Data string `yaml:"data,omitempty"`

	// At is the client timestamp as an offset from BaseTime.
	At string `yaml:"at,omitempty"`

	Seq   *int64 `yaml:"seq,omitempty"`
	Hint  *int64 `yaml:"hint,omitempty"`
	Count int    `yaml:"count,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`

	offset time.Duration
}

// Expect describes how a step must end. Status is the settled chunk
// status; Error is a fault kind the step must be rejected with.
type Expect struct {
	Status string `yaml:"status,omitempty"`
	Error  string `yaml:"error,omitempty"`
}

// Assertion checks the session after all steps ran.
type Assertion struct {
	Type string `yaml:"type"`

	Chunks []ExpectedChunk `yaml:"chunks,omitempty"`
	Gaps   []int64         `yaml:"gaps,omitempty"`
	Seq    int64           `yaml:"seq,omitempty"`
	Count  int             `yaml:"count,omitempty"`

	// verify
	Data     string `yaml:"data,omitempty"`
	InStore  string `yaml:"in_store,omitempty"`
	OnLedger *bool  `yaml:"on_ledger,omitempty"`
	Verified *bool  `yaml:"verified,omitempty"`

	// session_status
	Status string `yaml:"status,omitempty"`
}

// ExpectedChunk is one canonical entry. Empty fields are not compared.
type ExpectedChunk struct {
	Seq    int64  `yaml:"seq"`
	Data   string `yaml:"data,omitempty"`
	Status string `yaml:"status,omitempty"`
}

// Step actions.
const (
	ActionAppend      = "append"
	ActionResubmit    = "resubmit"
	ActionEnd         = "end"
	ActionFailPuts    = "fail_puts"
	ActionFailCommits = "fail_commits"
	ActionBreakLedger = "break_ledger"
	ActionHeal        = "heal"
)

// Assertion types.
const (
	AssertCanonical     = "canonical"
	AssertGaps          = "gaps"
	AssertAttempts      = "attempts"
	AssertVerify        = "verify"
	AssertSessionStatus = "session_status"
)

// LoadScenario reads a scenario file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i := range s.Steps {
		if err := validateStep(&s.Steps[i]); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d: %w", i, err)
		}
	}
	return nil
}

func validateStep(st *Step) error {
	switch st.Action {
	case ActionAppend:
	case ActionResubmit:
		if st.Seq == nil {
			return fmt.Errorf("resubmit requires seq")
		}
	case ActionFailPuts, ActionFailCommits:
		if st.Count <= 0 {
			return fmt.Errorf("%s requires a positive count", st.Action)
		}
	case ActionEnd, ActionBreakLedger, ActionHeal:
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}

	if st.At != "" {
		d, err := time.ParseDuration(st.At)
		if err != nil {
			return fmt.Errorf("at: %w", err)
		}
		st.offset = d
	}
	if st.Expect != nil && st.Expect.Status != "" && st.Expect.Error != "" {
		return fmt.Errorf("expect has both status and error")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertCanonical, AssertGaps:
	case AssertAttempts:
		if a.Count <= 0 {
			return fmt.Errorf("attempts requires a positive count")
		}
	case AssertVerify:
		if a.Data == "" {
			return fmt.Errorf("verify requires data")
		}
	case AssertSessionStatus:
		if a.Status == "" {
			return fmt.Errorf("session_status requires status")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
