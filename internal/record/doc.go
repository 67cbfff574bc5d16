// Package record defines the data model shared by every chunkledger component:
// sessions, chunk attempt records, minted media records and verification reports.
//
// record imports nothing internal. All other packages depend on it, which keeps
// it the foundational layer with no circular dependencies.
//
// Identity rules:
//   - Content ids are "sha256:" followed by the lowercase hex SHA-256 of the raw bytes,
//     so any party can recompute them without this module.
//   - Hashes over structured data use RFC 8785 canonical JSON (MarshalCanonical)
//     with domain separation (HashWithDomain).
//   - All JSON tags use snake_case.
package record
