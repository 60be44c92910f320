package launcher

import "strings"

// ParseLogLevel extracts the log level from Python backend output.
//
// Recognizes two formats the backend emits:
//
//	uvicorn:        "INFO:     Uvicorn running on http://127.0.0.1:8000"
//	python logging: "2024-01-27 10:30:00,123 - simplecp - WARNING - message"
//
// Unrecognized lines default to info with the line unchanged.
func ParseLogLevel(line string) (level, msg string) {
	// uvicorn prefix: "LEVEL:" followed by padding.
	if colon := strings.Index(line, ":"); colon > 0 && colon <= 8 {
		if lvl, ok := pythonLevel(line[:colon]); ok {
			return lvl, strings.TrimLeft(line[colon+1:], " ")
		}
	}

	// python logging with " - LEVEL - " separator.
	parts := strings.SplitN(line, " - ", 4)
	if len(parts) == 4 {
		if lvl, ok := pythonLevel(parts[2]); ok {
			return lvl, parts[3]
		}
	}

	return "info", line
}

// pythonLevel maps a Python logging level name to the slog-style level
// strings the launcher switches on.
func pythonLevel(name string) (string, bool) {
	switch name {
	case "DEBUG":
		return "debug", true
	case "INFO":
		return "info", true
	case "WARNING":
		return "warning", true
	case "ERROR":
		return "error", true
	case "CRITICAL":
		return "critical", true
	}
	return "", false
}
