// Package ledger is the durable record of in-flight reconcilable operations.
//
// Every row is keyed by (request sequence, operation signature). Writers
// always go through Update, which re-reads the row inside the storage
// transaction and applies a mutator to it, so an agent-state update from a
// heartbeat and a state transition from the scheduler never drop each
// other's fields. Removing a row is the only success signal.
//
// Tracker is the dispatch-path side: Persist when a batch is sent,
// ProcessAnswers when it completes normally.
package ledger
