// Package logging provides structured logging for NOC Core.
//
// It wraps log/slog with JSON or text output, level filtering and the
// default fields service=noccore and version on every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	engine.SetLogger(logger.Component("incident"))
//
// Attributes whose key contains password, secret or token are written
// as [REDACTED]. Timestamps are UTC.
package logging
