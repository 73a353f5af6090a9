// Package resolver turns an agent's ground truth into volume state.
//
// Resolve is side-effect free: it reads the current rows, compares them with
// the answer and returns a Decision carrying only the rows that must change.
// Apply writes those rows and drops stale copy tracking rows in one storage
// transaction. Re-running a decision against already converged state
// produces nothing to write.
//
// Completion of a copy is never inferred from a single answer. Unless the
// agent reports the destination Ready, the size must match the previous
// answer stored on the record and the agent must no longer report the copy
// in flight.
package resolver
