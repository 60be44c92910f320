package supervisor

import "time"

// Policy is the immutable restart configuration. A new policy applies
// from the next start cycle; it never hot-swaps a live process.
type Policy struct {
	// MaxAttempts is the hard ceiling on restart attempts before the
	// supervisor gives up and requires a manual budget reset.
	MaxAttempts int

	// BaseDelay is the backoff delay for the first restart attempt.
	BaseDelay time.Duration

	// Multiplier grows the delay on each further attempt.
	Multiplier float64

	// DelayCap bounds the backoff delay.
	DelayCap time.Duration

	// FailureThreshold is the number of consecutive steady-state health
	// failures before a restart is considered.
	FailureThreshold int

	// MinRestartInterval is the flap-prevention floor: restarts never
	// happen closer together than this, independent of the backoff clock.
	MinRestartInterval time.Duration

	// ProbeInterval is the cadence of startup readiness probes.
	ProbeInterval time.Duration

	// ProbeAttempts is how many startup probes are issued per spawn
	// before the attempt is declared failed.
	ProbeAttempts int

	// CheckInterval is the steady-state health check cadence.
	CheckInterval time.Duration

	// ProbeTimeout bounds every individual health probe.
	ProbeTimeout time.Duration
}

// DefaultPolicy returns the production restart policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        5,
		BaseDelay:          2 * time.Second,
		Multiplier:         2.0,
		DelayCap:           30 * time.Second,
		FailureThreshold:   3,
		MinRestartInterval: 10 * time.Second,
		ProbeInterval:      time.Second,
		ProbeAttempts:      3,
		CheckInterval:      30 * time.Second,
		ProbeTimeout:       3 * time.Second,
	}
}

// budget tracks the mutable restart counters. Owned exclusively by the
// supervisor loop; reset only by an explicit ResetBudget command.
type budget struct {
	attemptsUsed        int
	consecutiveFailures int
	lastRestartAt       time.Time
	currentDelay        time.Duration
}
