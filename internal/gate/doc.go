// Package gate implements the sequenced reader/writer admission lock that
// guards a single browser session.
//
// Writers carry a client-assigned sequence number and are executed strictly
// in that order, even when the transport delivers them out of order.
// Readers carry a resource key; any number of readers for distinct keys may
// run together, but never while a writer is pending or active, and never two
// for the same key.
//
// ARCHITECTURE:
//
// One mutex guards all gate state. Waiters block on a broadcast channel that
// is closed and replaced whenever state changes (see wait.go), so every wait
// can also select on a deadline timer and on context cancellation.
//
// Writer admission (EnterWriter) passes three bounded waits:
//  1. reader drain: no reader may be active
//  2. reorder: the writer's seq must become lastAccepted+1
//  3. turn: the writer's seq must be the smallest pending seq
//
// Failure model:
//
// A request behind the gate (seq <= lastAccepted) is rejected with
// ErrCodeOutOfSequence and never poisons. A missing predecessor that does not
// arrive within ReorderTimeout is declared lost only by the timeout master
// (the smallest pending seq). The master poisons the gate, and every waiting
// and future writer fails with ErrCodeTimeout until Reset.
//
// Exceeding MaxWriters is a circuit breaker: the gate poisons itself and the
// caller gets ErrCodeTooManyRequests.
//
// Every failed wait removes the writer from the pending queue and decrements
// its count before returning, so no state leaks out of a failed admission.
package gate
