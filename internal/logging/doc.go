// Package logging provides structured logging with per-module log level configuration.
//
// # Overview
//
// The logging system uses Go's slog package with automatic output routing:
//   - Logs to systemd journal when available (Linux systems with journald)
//   - Logs to stdout when a terminal, pipe, or file is connected
//   - Logs to both when both are available
//
// # Usage
//
// Initialize the logging system once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",      // Global log level: debug, info, warn, error
//		Format: "text",      // Output format: text or json
//		Modules: map[string]string{
//			"streams": "debug",  // Per-module overrides
//			"api":     "warn",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger("mymodule")
//	logger.Info("Starting up", "port", 8080)
//	logger.Debug("Details", "config", cfg)
//	logger.Warn("Something unusual", "error", err)
//	logger.Error("Failed", "error", err)
//
// Add contextual attributes:
//
//	logger := logging.GetLogger("streams").With("stream_id", id)
//	logger.Info("Stream started")  // Includes stream_id in all logs
//
// # Log Levels
//
//	debug - Verbose debugging information
//	info  - General operational messages
//	warn  - Warning conditions
//	error - Error conditions
//
// # Output Destinations
//
// The system automatically detects available outputs. Every logger also
// writes to the in-memory ring buffer (see GetBuffer), so the handler is a
// MultiHandler combining the ring-buffer handler with:
//
//	Journal available + stdout available → JournalHandler and TextHandler/JSONHandler
//	Journal available only              → JournalHandler
//	Stdout available only               → TextHandler or JSONHandler
//
// Journal availability is checked via [github.com/coreos/go-systemd/v22/journal.Enabled].
//
// # Viewing Logs
//
// When running as a systemd service or on a system with journald:
//
//	journalctl -t evsmux              # All evsmux logs
//	journalctl -t evsmux -f           # Follow live
//	journalctl -t evsmux --since "5m" # Last 5 minutes
//	journalctl -t evsmux -p err       # Errors only
//
// Filter by structured fields:
//
//	journalctl -t evsmux MODULE=streams
//	journalctl -t evsmux STREAM_ID=test
//
// # Configuration
//
// Log levels can be set globally or per-module. Module-specific levels
// override the global level for that module only.
//
// Example TOML configuration (module levels are plain keys of the
// [logging] table, next to level and format):
//
//	[logging]
//	level = "info"
//	format = "text"
//	api = "warn"
//	broker = "debug"
package logging
