/*
Package log provides structured logging for rpasession using zerolog.

The log package wraps zerolog to give every component (KV client,
registry, queue, worker manager, reaper) a JSON-structured logger with
consistent context fields, without threading a logger through every
function signature.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	log.Logger.Info().Msg("host starting")

	queueLog := log.WithComponent("queue")
	queueLog.Info().Str("session_id", sessionID).Msg("job enqueued")

	sessionLog := log.WithSessionID(sessionID)
	sessionLog.Warn().Msg("recovery replay started")

Component loggers are zerolog.Logger values (cheap to copy, safe for
concurrent use); there is no allocation beyond the initial With() chain.

# Context loggers

WithComponent, WithSessionID, WithManagerID and WithJobID each return a
child of the global Logger with one extra field. They compose:

	log.WithComponent("worker").With().Str("session_id", id).Logger()

# Levels

Debug is for local development only. Info is the default production
level. Warn marks conditions that may need attention (lease loss,
subscription reconnects). Error marks a failed operation that the caller
is already handling (retry, STOP, etc.) — it is not itself an alert.
*/
package log
