/*
Package log provides structured logging for burrow using zerolog.

A single global zerolog.Logger is configured once by Init and shared by every
package. Components derive child loggers that carry their identity so the
output of concurrent reconciliation tasks can be filtered after the fact:

	logger := log.WithComponent("scheduler")
	recLog := log.WithRecord(logger, rec.RequestSequence, rec.OperationSignature)
	recLog.Info().Str("verdict", "converged").Msg("record reconciled")

Console output is the default; JSONOutput switches to one JSON object per line
for log shipping:

	{"level":"info","component":"scheduler","seq":42,"signature":"migrate-volume:vol=7,src=1,dst=2","time":"...","message":"record reconciled"}

# Levels

	debug  pass boundaries, skipped records, lock not acquired
	info   convergence decisions, records removed
	warn   exhausted retries, abandoned records, invalid config reloads
	error  storage and transport failures
*/
package log
