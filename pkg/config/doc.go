// Package config holds the reconciliation settings: enable flag, pass
// period, worker count, retry bound, grace period and probe limits.
//
// Settings are loaded from YAML on top of Default. Components never cache a
// Config; they ask a Source for the current one each time they decide
// something, so a Watcher can swap in an edited file without a restart.
package config
