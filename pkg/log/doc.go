/*
Package log provides structured logging for the tracker and storage
daemons using zerolog.

The package wraps zerolog to give every component a consistent,
JSON-or-console logger with component and entity context
(group, storage_id, peer) attached via child loggers.

# Usage

Initializing the logger:

	import "github.com/happyfish100/fastdfs-sub012/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	regLog := log.WithComponent("registry")
	regLog.Info().Str("group", "group1").Msg("group created")

	syncLog := log.WithComponent("syncengine").
		With().Str("peer", "10.0.0.2:23000").Logger()
	syncLog.Warn().Err(err).Msg("active-test ping failed")

# Log levels

Debug is for development only; Info is the default production level;
Warn and Error cover conditions an operator should notice. Fatal logs
and calls os.Exit(1), reserved for startup failures the process cannot
recover from (e.g. a data directory it cannot open).

# Design

A single package-level zerolog.Logger is initialized once via Init and
never reassigned afterward; every other logger in the process is a
child of it via WithComponent, so log level and output format are
configured in exactly one place.
*/
package log
