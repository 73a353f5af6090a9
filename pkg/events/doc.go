// Package events is an in-process publish/subscribe broker for
// control-plane events such as converged, abandoned or re-armed reconcile
// records and hosts going down. Delivery is best effort: a subscriber whose
// buffer is full misses the event.
package events
