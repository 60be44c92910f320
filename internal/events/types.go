package events

// Event type constants for kelindar/event.
const (
	TypeBackendState uint32 = iota + 1
	TypeHealthCheck
	TypeRestartScheduled
	TypeBudgetExhausted
	TypeBackendLog
	TypeConfigReloaded
	TypeUpdateState
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// BackendStateEvent is published on every connection state transition.
type BackendStateEvent struct {
	State        string `json:"state" example:"connected" doc:"Connection state: disconnected, connecting, connected, error"`
	Reason       string `json:"reason,omitempty" example:"" doc:"Human-readable reason, set for error states"`
	Remedy       string `json:"remedy,omitempty" doc:"Suggested manual remedy, set for error states"`
	AttemptsUsed int    `json:"attempts_used" doc:"Restart attempts consumed from the budget"`
	RestartCount int    `json:"restart_count" doc:"Total restarts performed since agent start"`
	PID          int    `json:"pid,omitempty" doc:"Backend process id when running"`
	Timestamp    string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for BackendStateEvent.
func (e BackendStateEvent) Type() uint32 { return TypeBackendState }

// HealthCheckEvent reports the outcome of a single health probe.
type HealthCheckEvent struct {
	Result    string `json:"result" example:"healthy" doc:"Probe outcome: healthy, http_error, timeout, refused"`
	Code      int    `json:"code,omitempty" doc:"HTTP status code for http_error results"`
	Detail    string `json:"detail,omitempty" doc:"Underlying error message"`
	Failures  int    `json:"failures" doc:"Consecutive failure count after this result"`
	Timestamp string `json:"timestamp" doc:"Event timestamp"`
}

// Type returns the event type identifier for HealthCheckEvent.
func (e HealthCheckEvent) Type() uint32 { return TypeHealthCheck }

// RestartScheduledEvent is published when a restart has been decided.
type RestartScheduledEvent struct {
	Attempt   int    `json:"attempt" doc:"Restart attempt number (1-based)"`
	Delay     string `json:"delay" example:"4s" doc:"Backoff delay before the restart"`
	Timestamp string `json:"timestamp" doc:"Event timestamp"`
}

// Type returns the event type identifier for RestartScheduledEvent.
func (e RestartScheduledEvent) Type() uint32 { return TypeRestartScheduled }

// BudgetExhaustedEvent is published when the restart budget runs out.
// The GUI surfaces this as a persistent error with a manual retry action.
type BudgetExhaustedEvent struct {
	Attempts  int    `json:"attempts" doc:"Attempts consumed"`
	Timestamp string `json:"timestamp" doc:"Event timestamp"`
}

// Type returns the event type identifier for BudgetExhaustedEvent.
func (e BudgetExhaustedEvent) Type() uint32 { return TypeBudgetExhausted }

// BackendLogEvent carries one line of backend stdout/stderr.
type BackendLogEvent struct {
	Source    string `json:"source" example:"stderr" doc:"Output stream: stdout or stderr"`
	Line      string `json:"line" doc:"Raw output line"`
	Timestamp string `json:"timestamp" doc:"Event timestamp"`
}

// Type returns the event type identifier for BackendLogEvent.
func (e BackendLogEvent) Type() uint32 { return TypeBackendLog }

// ConfigReloadedEvent is published after the agent config file changes
// on disk and has been reloaded.
type ConfigReloadedEvent struct {
	Path      string `json:"path" doc:"Config file path"`
	Timestamp string `json:"timestamp" doc:"Event timestamp"`
}

// Type returns the event type identifier for ConfigReloadedEvent.
func (e ConfigReloadedEvent) Type() uint32 { return TypeConfigReloaded }

// UpdateStateEvent reports agent self-update progress.
type UpdateStateEvent struct {
	State     string `json:"state" example:"downloading" doc:"Updater state"`
	Version   string `json:"version,omitempty" doc:"Target version"`
	Error     string `json:"error,omitempty" doc:"Error message for error state"`
	Timestamp string `json:"timestamp" doc:"Event timestamp"`
}

// Type returns the event type identifier for UpdateStateEvent.
func (e UpdateStateEvent) Type() uint32 { return TypeUpdateState }

// LogEntryEvent carries one structured agent log entry, bridged from
// the logging ring buffer for live streaming.
type LogEntryEvent struct {
	Timestamp  string         `json:"timestamp" doc:"Entry timestamp, RFC 3339 with nanoseconds"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"supervisor" doc:"Originating module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
