/*
Package log provides structured logging for meshbridge using zerolog.

The log package wraps zerolog with a process-wide logger, configurable level
and output format, and component-scoped child loggers. Every long-running
part of the bridge (readers, maintenance, storage writer) logs through a
child logger so entries can be filtered by component and interface.

# Log Levels

Trace Level:
  - Source classifier decision branches
  - Per-packet extraction details

Debug Level:
  - Routine events that repeat under stable conditions
  - Example: "public key unchanged"

Info Level:
  - Default production level
  - Example: "new public key learned", "interface connected"

Warn Level:
  - Recoverable faults: reconnects, classifier fallbacks, malformed fields

Error Level:
  - Storage degradation, readers giving up after the retry ceiling

# Usage

Initializing the Logger:

	import "github.com/cuemby/meshbridge/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	readerLog := log.WithInterface("ingest", "meshtastic-0")
	readerLog.Info().Msg("Interface connected")

	keysLog := log.WithComponent("keysync")
	keysLog.Debug().Str("node_id", id.Hex()).Msg("Public key unchanged")

Structured Logging:

	log.Logger.Error().
		Err(err).
		Str("table", "packets").
		Msg("Store write failed, continuing memory-only")
*/
package log
