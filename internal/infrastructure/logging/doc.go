// Package logging provides structured logging for Bumper.
//
// This package wraps Go's standard log/slog package so every component logs
// through the same handler with the same default fields.
//
// # Features
//
//   - JSON output for production, text output for development
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
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
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("Starting Bumper")
//	logger.With("component", "xmppserver").Warn("auth failed", "userid", uid)
//
// # Security
//
// Never log tokens, authcodes or the admin JWT secret. Log the userid or
// resource instead.
package logging
