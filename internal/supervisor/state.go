package supervisor

// State is the supervisor state machine position.
type State string

// Supervisor states.
const (
	StateStopped    State = "stopped"    // No backend, no monitoring
	StateStarting   State = "starting"   // Discovery and spawn in progress
	StateProbing    State = "probing"    // Spawned, waiting for first healthy probe
	StateRunning    State = "running"    // Healthy, steady-state checks scheduled
	StateDegraded   State = "degraded"   // Failures below threshold, still serving
	StateRestarting State = "restarting" // Restart decided, backoff or teardown in progress
	StateExhausted  State = "exhausted"  // Budget spent; terminal until ResetBudget
	StateFailed     State = "failed"     // Configuration/environment error; terminal until manual start
)

// ConnectionState is the coarse readiness value published to the GUI.
type ConnectionState string

// Connection states.
const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	ConnError    ConnectionState = "error"
)

// connection maps a machine state to the published connection state.
func (s State) connection() ConnectionState {
	switch s {
	case StateStopped:
		return Disconnected
	case StateStarting, StateProbing, StateRestarting:
		return Connecting
	case StateRunning, StateDegraded:
		return Connected
	case StateExhausted, StateFailed:
		return ConnError
	}
	return Disconnected
}

// monitoring reports whether the supervisor is actively watching a
// backend in this state.
func (s State) monitoring() bool {
	switch s {
	case StateStarting, StateProbing, StateRunning, StateDegraded, StateRestarting:
		return true
	}
	return false
}

// Status is a point-in-time snapshot of the supervisor, safe to read
// from any goroutine.
type Status struct {
	State               State           `json:"state"`
	Connection          ConnectionState `json:"connection"`
	Reason              string          `json:"reason,omitempty"`
	Remedy              string          `json:"remedy,omitempty"`
	AttemptsUsed        int             `json:"attempts_used"`
	MaxAttempts         int             `json:"max_attempts"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	RestartCount        int             `json:"restart_count"`
	RestartDelay        string          `json:"restart_delay,omitempty"`
	Monitoring          bool            `json:"monitoring"`
	Adopted             bool            `json:"adopted"`
	PID                 int             `json:"pid,omitempty"`
	Port                int             `json:"port"`
}
