/*
Package log provides structured logging for Courier built on zerolog.

Init configures a single global logger (JSON or console output); packages
derive child loggers with WithComponent, WithQueue, WithConsumer, and
WithMessageID so every line carries the fields needed to trace a message
through the broker.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("engine")
	logger.Info().Str("queue", "orders").Msg("queue created")
*/
package log
