// Package logging provides structured logging with per-module log level configuration.
//
// # Overview
//
// The logging system uses Go's slog package with automatic output routing:
//   - Logs to systemd journal when available (Linux systems with journald)
//   - Logs to stdout when a terminal, pipe, or file is connected
//   - Logs to a ring buffer for the /api/logs endpoint and SSE streaming
//
// # Usage
//
// Initialize the logging system once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",      // Global log level: debug, info, warn, error
//		Format: "text",      // Output format: text or json
//		Modules: map[string]string{
//			"supervisor": "debug",  // Per-module overrides
//			"api":        "warn",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger("supervisor")
//	logger.Info("Backend started", "pid", pid)
//	logger.Warn("Health check failed", "error", err)
//
// Add contextual attributes:
//
//	logger := logging.GetLogger("launcher").With("pid", pid)
//	logger.Info("Streaming output")  // Includes pid in all logs
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
// The system automatically detects available outputs:
//
//	Journal available + stdout available → MultiHandler (both)
//	Journal available only              → JournalHandler
//	Stdout available only               → TextHandler or JSONHandler
//
// The ring buffer handler is always attached; it holds the most recent
// entries for the API and drops nothing else on the floor.
//
// Journal availability is checked via [github.com/coreos/go-systemd/v22/journal.Enabled].
//
// # Viewing Logs
//
// When running as a systemd service or on a system with journald:
//
//	journalctl -t simplecp-agent              # All agent logs
//	journalctl -t simplecp-agent -f           # Follow live
//	journalctl -t simplecp-agent --since "5m" # Last 5 minutes
//	journalctl -t simplecp-agent -p err       # Errors only
//
// Filter by structured fields:
//
//	journalctl -t simplecp-agent MODULE=supervisor
//	journalctl -t simplecp-agent MODULE=backend
//
// # Configuration
//
// Log levels can be set globally or per-module. Module-specific levels
// override the global level for that module only.
//
// Example TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[logging.modules]
//	supervisor = "debug"
//	api = "warn"
//	backend = "info"
package logging
