// Package bridge carries agent heartbeats into the reconcile ledger.
//
// Agents attach the state of every reconcilable operation they still track
// to each heartbeat. The bridge records that state on the matching ledger
// row and claims the row for this management server. When an agent reports
// a final state with a usable answer, the answer is stored on the row and
// its key returned so the scheduler can run an early pass; convergence
// itself is always left to the scheduler.
package bridge
