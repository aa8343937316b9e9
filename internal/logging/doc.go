// Package logging provides structured, file-based logging with rotation for
// the engine. By default, info-level logs are written to
// ~/.kvdb/logs/engine.log and to stderr.
//
// When debug logging is enabled, the same destinations receive debug-level
// logs as well.
package logging
