// Package harness runs recording scenarios end to end.
//
// A scenario drives one session through the real store, ingest pipeline and
// session manager, with the content store and ledger replaced by
// fault-injecting fakes. Every step waits for the attempt it started to
// settle, so the trace and the reconciled log are deterministic and can be
// compared against golden snapshots.
//
// # Scenario Format
//
//	name: resubmit_after_commit_failure
//	description: "A chunk whose commit failed is resubmitted"
//	owner: "0xABC"
//	steps:
//	  - action: append
//	    data: "chunk zero"
//	    at: 0s
//	    expect: { status: ready }
//	  - action: break_ledger
//	  - action: append
//	    data: "chunk one"
//	    at: 1s
//	    expect: { status: error }
//	  - action: heal
//	  - action: resubmit
//	    seq: 1
//	    data: "chunk one again"
//	    at: 3s
//	    expect: { status: ready }
//	assertions:
//	  - type: canonical
//	    chunks:
//	      - { seq: 0, data: "chunk zero", status: ready }
//	      - { seq: 1, data: "chunk one again", status: ready }
//
// # Actions
//
//   - append: append data as the next chunk (hint optional)
//   - resubmit: resubmit seq, with data or reusing the stored bytes
//   - end: complete the session
//   - fail_puts: make the next count uploads fail transiently
//   - fail_commits: make the next count ledger commits fail transiently
//   - break_ledger: make every ledger commit fail permanently
//   - heal: clear injected ledger failures
//
// # Assertion Types
//
//   - canonical: the reconciled log, one entry per sequence number
//   - gaps: the missing sequence numbers
//   - attempts: how many attempt records exist for seq
//   - verify: the two-source verification outcome for data
//   - session_status: the session's final status
package harness
