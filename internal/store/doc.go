// Package store persists action records.
//
// Backends:
//   - file: jsonl journal + periodic snapshot, no external dependencies
//   - sqlite: single database file via modernc.org/sqlite
//
// Both enforce the same compare-and-swap contract; the dispatcher relies on
// it for at-most-once claiming, so a new backend must keep Update atomic.
package store
