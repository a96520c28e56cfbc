// Package journal provides a SQLite-backed diagnostic log of gate decisions.
//
// Every request the coordinator handles produces one Entry: which session,
// writer or reader, the sequence number or resource, and the outcome. The
// journal is write-mostly and append-only; nothing in the gate or replay
// cache ever reads it back, so losing it never affects ordering.
//
// # Ordering
//
// Entries are stamped with a per-file counter, never by wall-clock time.
// All queries use ORDER BY seq ASC, so the journal reads back in the order
// the coordinator observed decisions. On open the counter resumes from the
// highest stored seq.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
package journal
