/*
Package log provides structured logging for Burrow using zerolog.

The package keeps one global zerolog.Logger, configured once with Init, and
hands out child loggers that carry a component, workload or resource field.
Every engine component logs through a child logger so that scheduling,
monitoring, scaling and recovery output can be filtered independently.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("scheduler")
	logger.Info().
		Str("workload_id", id).
		Str("resource_id", rid).
		Msg("Workload scheduled")

JSON output:

	{"level":"info","component":"scheduler","workload_id":"w-1","resource_id":"node-1","time":"...","message":"Workload scheduled"}

Console output (default when JSONOutput is false) is meant for local runs of the
burrow CLI.

# Levels

debug, info, warn and error map onto the zerolog levels of the same name.
Unknown values fall back to info. The level is global: zerolog.SetGlobalLevel
is applied by Init.
*/
package log
