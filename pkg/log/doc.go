/*
Package log provides structured logging for every daemon using zerolog.

The global logger is initialised once at process startup from the
daemon's LOG_LEVEL configuration:

	log.Init(log.Config{Level: log.InfoLevel})

Daemons and packages derive scoped child loggers rather than logging
through the global directly:

	logger := log.WithComponent("transfer")
	logger.Info().Str("request_id", req.ID).Msg("upload complete")

WithRequestID, WithMigrationID and WithBackendID attach the fields every
operator query starts from; prefer them over ad-hoc Str calls when a
whole call tree logs about the same entity.

Output is console-formatted by default and JSON when Config.JSONOutput
is set, for sites that ship logs to an indexer.
*/
package log
