package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/simplecp/agent/internal/events"
	"github.com/simplecp/agent/internal/health"
	"github.com/simplecp/agent/internal/launcher"
)

type fakeHandle struct {
	pid     int
	done    chan struct{}
	exitErr error
	once    sync.Once
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) ExitErr() error        { return h.exitErr }

func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.exitErr = err
		close(h.done)
	})
}

type fakeLauncher struct {
	mu          sync.Mutex
	discoverErr error
	spawnErr    error
	spawns      int
	terminates  int
	live        int
	maxLive     int
	last        *fakeHandle
}

func (f *fakeLauncher) Discover() (launcher.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoverErr != nil {
		return launcher.Target{}, f.discoverErr
	}
	return launcher.Target{Executable: "/usr/bin/simplecp-backend"}, nil
}

func (f *fakeLauncher) Spawn(target launcher.Target, env map[string]string) (ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns++
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	h := &fakeHandle{pid: 1000 + f.spawns, done: make(chan struct{})}
	f.last = h
	return h, nil
}

func (f *fakeLauncher) Terminate(handle ProcessHandle) {
	f.mu.Lock()
	f.terminates++
	f.live--
	f.mu.Unlock()
	handle.(*fakeHandle).exit(errors.New("terminated"))
}

// crashLast simulates the live process exiting on its own.
func (f *fakeLauncher) crashLast(exitErr error) {
	f.mu.Lock()
	h := f.last
	f.live--
	f.mu.Unlock()
	h.exit(exitErr)
}

func (f *fakeLauncher) counts() (spawns, terminates, maxLive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns, f.terminates, f.maxLive
}

type fakeProbe struct {
	mu       sync.Mutex
	queued   []health.Result
	fallback health.Result
}

func (p *fakeProbe) Check(ctx context.Context, url string, timeout time.Duration) health.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queued) > 0 {
		r := p.queued[0]
		p.queued = p.queued[1:]
		return r
	}
	return p.fallback
}

func (p *fakeProbe) queue(results ...health.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = append(p.queued, results...)
}

func (p *fakeProbe) setFallback(r health.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = r
}

type fakePorts struct {
	mu         sync.Mutex
	inUse      bool
	reclaims   int
	reclaimErr error
}

func (p *fakePorts) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

func (p *fakePorts) Occupants(ctx context.Context, port int) ([]int, error) {
	return nil, nil
}

func (p *fakePorts) Reclaim(ctx context.Context, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reclaims++
	if p.reclaimErr != nil {
		return p.reclaimErr
	}
	p.inUse = false
	return nil
}

func healthyResult() health.Result {
	return health.Result{Status: health.StatusHealthy, Duration: time.Millisecond}
}

func refusedResult() health.Result {
	return health.Result{Status: health.StatusRefused, Detail: "connection refused"}
}

// fastPolicy keeps all timers in the low-millisecond range so tests
// run the full state machine quickly.
func fastPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		BaseDelay:          2 * time.Millisecond,
		Multiplier:         2.0,
		DelayCap:           10 * time.Millisecond,
		FailureThreshold:   3,
		MinRestartInterval: 0,
		ProbeInterval:      2 * time.Millisecond,
		ProbeAttempts:      2,
		CheckInterval:      5 * time.Millisecond,
		ProbeTimeout:       50 * time.Millisecond,
	}
}

type harness struct {
	sup      *Supervisor
	launcher *fakeLauncher
	probe    *fakeProbe
	ports    *fakePorts
	bus      *events.Bus
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{
		launcher: &fakeLauncher{},
		probe:    &fakeProbe{fallback: healthyResult()},
		ports:    &fakePorts{},
		bus:      events.New(),
	}
	h.sup = New(&Options{
		Policy:   policy,
		Launcher: h.launcher,
		Probe:    h.probe,
		Ports:    h.ports,
		Bus:      h.bus,
		Logger:   slog.New(slog.DiscardHandler),
		Host:     "127.0.0.1",
		Port:     18000,
	})
	t.Cleanup(h.sup.Shutdown)
	return h
}

func waitForState(t *testing.T, sup *Supervisor, want State) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status := sup.Status()
		if status.State == want {
			return status
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, got %q", want, sup.Status().State)
	return Status{}
}

// waitFor polls until the status satisfies cond. Needed where the
// target state equals the current one and only a counter tells the
// transition actually happened.
func waitFor(t *testing.T, sup *Supervisor, desc string, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status := sup.Status()
		if cond(status) {
			return status
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, state %q", desc, sup.Status().State)
	return Status{}
}

func TestStartHealthyBackend(t *testing.T) {
	h := newHarness(t, fastPolicy())

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status := waitForState(t, h.sup, StateRunning)

	if status.Connection != Connected {
		t.Errorf("connection = %q, want %q", status.Connection, Connected)
	}
	if status.PID == 0 {
		t.Error("expected a backend PID in running state")
	}
	if status.AttemptsUsed != 0 {
		t.Errorf("clean start consumed %d attempts", status.AttemptsUsed)
	}
	spawns, _, _ := h.launcher.counts()
	if spawns != 1 {
		t.Errorf("spawns = %d, want 1", spawns)
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	h := newHarness(t, fastPolicy())

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h.sup, StateRunning)

	if err := h.sup.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopTerminatesBackend(t *testing.T) {
	h := newHarness(t, fastPolicy())

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h.sup, StateRunning)

	if err := h.sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	status := waitForState(t, h.sup, StateStopped)
	if status.Monitoring {
		t.Error("stopped supervisor still reports monitoring")
	}

	// A slow in-flight health result must not move the state afterwards.
	time.Sleep(20 * time.Millisecond)
	if got := h.sup.Status().State; got != StateStopped {
		t.Errorf("state after stop settled at %q, want stopped", got)
	}
	_, terminates, _ := h.launcher.counts()
	if terminates != 1 {
		t.Errorf("terminates = %d, want 1", terminates)
	}
}

func TestCrashTriggersRestartAndRecovery(t *testing.T) {
	h := newHarness(t, fastPolicy())

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h.sup, StateRunning)

	h.launcher.crashLast(errors.New("exit status 1"))
	status := waitFor(t, h.sup, "recovery after crash", func(s Status) bool {
		return s.State == StateRunning && s.RestartCount == 1
	})

	if status.AttemptsUsed != 1 {
		t.Errorf("attempts_used = %d, want 1", status.AttemptsUsed)
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("recovery did not reset consecutive failures: %d", status.ConsecutiveFailures)
	}
	spawns, _, _ := h.launcher.counts()
	if spawns != 2 {
		t.Errorf("spawns = %d, want 2", spawns)
	}
}

func TestAttemptCeilingEndsExhausted(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 2
	h := newHarness(t, policy)

	// Never becomes healthy: every probe refused.
	h.probe.setFallback(refusedResult())

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status := waitForState(t, h.sup, StateExhausted)

	if status.AttemptsUsed != policy.MaxAttempts {
		t.Errorf("attempts_used = %d, want %d", status.AttemptsUsed, policy.MaxAttempts)
	}
	if status.Connection != ConnError {
		t.Errorf("connection = %q, want %q", status.Connection, ConnError)
	}
	if status.Remedy == "" {
		t.Error("exhausted state carries no remedy")
	}

	// Initial spawn plus one per consumed attempt, never concurrent.
	spawns, _, maxLive := h.launcher.counts()
	if want := 1 + policy.MaxAttempts; spawns != want {
		t.Errorf("spawns = %d, want %d", spawns, want)
	}
	if maxLive > 1 {
		t.Errorf("observed %d live backends at once", maxLive)
	}

	// Terminal: Start is rejected until the budget is reset.
	if err := h.sup.Start(); !errors.Is(err, ErrBudgetExhausted) {
		t.Errorf("Start from exhausted = %v, want ErrBudgetExhausted", err)
	}
}

func TestResetBudgetFromExhausted(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 1
	h := newHarness(t, policy)
	h.probe.setFallback(refusedResult())

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h.sup, StateExhausted)

	if err := h.sup.ResetBudget(); err != nil {
		t.Fatalf("ResetBudget: %v", err)
	}
	status := waitForState(t, h.sup, StateStopped)
	if status.AttemptsUsed != 0 {
		t.Errorf("attempts_used after reset = %d", status.AttemptsUsed)
	}

	h.probe.setFallback(healthyResult())
	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start after reset: %v", err)
	}
	waitForState(t, h.sup, StateRunning)
}

func TestDegradedBelowThreshold(t *testing.T) {
	policy := fastPolicy()
	policy.FailureThreshold = 5
	h := newHarness(t, policy)

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h.sup, StateRunning)

	// Two failing checks, below the threshold of five, then recovery.
	h.probe.queue(refusedResult(), refusedResult())
	status := waitForState(t, h.sup, StateDegraded)
	if status.Connection != Connected {
		t.Errorf("degraded backend reported %q, want still connected", status.Connection)
	}

	status = waitForState(t, h.sup, StateRunning)
	if status.ConsecutiveFailures != 0 {
		t.Errorf("consecutive_failures after recovery = %d", status.ConsecutiveFailures)
	}
	if status.RestartCount != 0 {
		t.Errorf("transient failures triggered %d restarts", status.RestartCount)
	}
}

func TestFailureThresholdTriggersRestart(t *testing.T) {
	policy := fastPolicy()
	policy.FailureThreshold = 2
	h := newHarness(t, policy)

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h.sup, StateRunning)

	h.probe.queue(refusedResult(), refusedResult())
	waitFor(t, h.sup, "restart after threshold", func(s Status) bool {
		return s.State == StateRunning && s.RestartCount == 1
	})

	_, terminates, _ := h.launcher.counts()
	if terminates != 1 {
		t.Errorf("terminates = %d, want 1 (old process killed before relaunch)", terminates)
	}
}

func TestAdoptHealthyOccupant(t *testing.T) {
	h := newHarness(t, fastPolicy())
	h.ports.inUse = true

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status := waitForState(t, h.sup, StateRunning)

	if !status.Adopted {
		t.Error("expected adopted=true for a healthy occupant")
	}
	if status.PID != 0 {
		t.Errorf("adopted backend reports pid %d, want 0 (not our child)", status.PID)
	}
	spawns, terminates, _ := h.launcher.counts()
	if spawns != 0 || terminates != 0 {
		t.Errorf("adoption spawned=%d terminated=%d, want zero of both", spawns, terminates)
	}
	h.ports.mu.Lock()
	reclaims := h.ports.reclaims
	h.ports.mu.Unlock()
	if reclaims != 0 {
		t.Errorf("adoption reclaimed the port %d times, want 0", reclaims)
	}
}

func TestReclaimUnhealthyOccupantThenSpawn(t *testing.T) {
	h := newHarness(t, fastPolicy())
	h.ports.inUse = true
	h.probe.queue(refusedResult()) // occupant probe fails, later probes healthy

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status := waitForState(t, h.sup, StateRunning)

	if status.Adopted {
		t.Error("unhealthy occupant must not be adopted")
	}
	h.ports.mu.Lock()
	reclaims := h.ports.reclaims
	h.ports.mu.Unlock()
	if reclaims != 1 {
		t.Errorf("reclaims = %d, want 1", reclaims)
	}
	spawns, _, _ := h.launcher.counts()
	if spawns != 1 {
		t.Errorf("spawns = %d, want 1", spawns)
	}
}

func TestStuckPortFailsWithRemedy(t *testing.T) {
	h := newHarness(t, fastPolicy())
	h.ports.inUse = true
	h.ports.reclaimErr = errors.New("2 processes still bound after escalation")
	h.probe.setFallback(refusedResult())

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status := waitForState(t, h.sup, StateFailed)

	if status.Remedy == "" {
		t.Fatal("stuck port state carries no remedy")
	}
	spawns, _, _ := h.launcher.counts()
	if spawns != 0 {
		t.Errorf("spawned %d backends onto a stuck port", spawns)
	}
}

func TestDiscoveryFailureIsTerminalNotRetried(t *testing.T) {
	h := newHarness(t, fastPolicy())
	h.launcher.discoverErr = launcher.ErrExecutableNotFound

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status := waitForState(t, h.sup, StateFailed)

	if status.AttemptsUsed != 0 {
		t.Errorf("environment error consumed %d restart attempts", status.AttemptsUsed)
	}

	// Manual start retries after the operator fixes the install.
	h.launcher.mu.Lock()
	h.launcher.discoverErr = nil
	h.launcher.mu.Unlock()
	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start after fix: %v", err)
	}
	waitForState(t, h.sup, StateRunning)
}

func TestForceRestartConsumesOneAttempt(t *testing.T) {
	h := newHarness(t, fastPolicy())

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h.sup, StateRunning)

	if err := h.sup.ForceRestart(); err != nil {
		t.Fatalf("ForceRestart: %v", err)
	}
	// Running again with a fresh process.
	var spawns, terminates int
	deadline := time.Now().Add(2 * time.Second)
	for spawns != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		spawns, terminates, _ = h.launcher.counts()
	}
	if spawns != 2 {
		t.Fatalf("spawns = %d, want 2 after forced restart", spawns)
	}
	status := waitForState(t, h.sup, StateRunning)
	if status.AttemptsUsed != 1 {
		t.Errorf("attempts_used = %d, want 1", status.AttemptsUsed)
	}
	if terminates != 1 {
		t.Errorf("terminates = %d, want 1", terminates)
	}
}

func TestForceRestartWhenStoppedRejected(t *testing.T) {
	h := newHarness(t, fastPolicy())
	if err := h.sup.ForceRestart(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("ForceRestart while stopped = %v, want ErrNotRunning", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, fastPolicy())
	if err := h.sup.Stop(); err != nil {
		t.Fatalf("Stop while stopped: %v", err)
	}
	if err := h.sup.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestBackendStateEventsPublished(t *testing.T) {
	h := newHarness(t, fastPolicy())

	seen := make(chan events.BackendStateEvent, 32)
	unsubscribe := h.bus.Subscribe(func(e events.BackendStateEvent) {
		seen <- e
	})
	defer unsubscribe()

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h.sup, StateRunning)

	var states []string
	deadline := time.After(time.Second)
	for len(states) < 2 {
		select {
		case ev := <-seen:
			states = append(states, ev.State)
		case <-deadline:
			t.Fatalf("saw only %v before timeout", states)
		}
	}
	if states[0] != string(Connecting) {
		t.Errorf("first published state = %q, want connecting", states[0])
	}
}

func TestRestartingStatusReportsDelay(t *testing.T) {
	policy := fastPolicy()
	policy.BaseDelay = 100 * time.Millisecond
	policy.DelayCap = time.Second
	h := newHarness(t, policy)

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status := waitForState(t, h.sup, StateRunning)
	if status.RestartDelay != "" {
		t.Errorf("running status carries restart_delay %q", status.RestartDelay)
	}

	h.launcher.crashLast(errors.New("exit status 1"))
	status = waitForState(t, h.sup, StateRestarting)
	delay, err := time.ParseDuration(status.RestartDelay)
	if err != nil {
		t.Fatalf("restart_delay %q: %v", status.RestartDelay, err)
	}
	if delay < policy.BaseDelay {
		t.Errorf("restart_delay = %v, want at least %v", delay, policy.BaseDelay)
	}

	status = waitFor(t, h.sup, "recovery after crash", func(s Status) bool {
		return s.State == StateRunning && s.RestartCount == 1
	})
	if status.RestartDelay != "" {
		t.Errorf("recovered status still carries restart_delay %q", status.RestartDelay)
	}
}

func TestExhaustedStateClearsAdopted(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 0
	policy.FailureThreshold = 1
	h := newHarness(t, policy)
	h.ports.inUse = true

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if status := waitForState(t, h.sup, StateRunning); !status.Adopted {
		t.Fatal("expected adopted=true for a healthy occupant")
	}

	// Occupant turns unhealthy with no restart budget left.
	h.probe.setFallback(refusedResult())
	status := waitForState(t, h.sup, StateExhausted)

	if status.Adopted {
		t.Error("exhausted status still reports an adopted backend")
	}
	if status.Connection != ConnError {
		t.Errorf("connection = %q, want %q", status.Connection, ConnError)
	}
	_, terminates, _ := h.launcher.counts()
	if terminates != 0 {
		t.Errorf("terminated the adopted process %d times, want 0", terminates)
	}
}

func TestFailedStateClearsAdopted(t *testing.T) {
	policy := fastPolicy()
	policy.FailureThreshold = 1
	h := newHarness(t, policy)
	h.ports.inUse = true

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if status := waitForState(t, h.sup, StateRunning); !status.Adopted {
		t.Fatal("expected adopted=true for a healthy occupant")
	}

	// Occupant turns unhealthy and refuses to release the port.
	h.ports.mu.Lock()
	h.ports.reclaimErr = errors.New("1 process still bound after escalation")
	h.ports.mu.Unlock()
	h.probe.setFallback(refusedResult())

	status := waitForState(t, h.sup, StateFailed)
	if status.Adopted {
		t.Error("failed status still reports an adopted backend")
	}
}

func TestMinRestartIntervalFloorsBackoff(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 2
	policy.BaseDelay = time.Millisecond
	policy.Multiplier = 1.0
	policy.DelayCap = 2 * time.Millisecond
	policy.MinRestartInterval = 200 * time.Millisecond
	policy.ProbeAttempts = 1
	h := newHarness(t, policy)
	h.probe.setFallback(refusedResult())

	delays := make(chan time.Duration, 8)
	unsubscribe := h.bus.Subscribe(func(e events.RestartScheduledEvent) {
		if d, err := time.ParseDuration(e.Delay); err == nil {
			delays <- d
		}
	})
	defer unsubscribe()

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []time.Duration
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case d := <-delays:
			got = append(got, d)
		case <-deadline:
			t.Fatalf("saw %d scheduled restarts before timeout, want 2", len(got))
		}
	}

	// The first restart has no predecessor, so pure backoff applies.
	if got[0] > policy.DelayCap {
		t.Errorf("first delay = %v, want at most %v", got[0], policy.DelayCap)
	}
	// The second comes moments after the first executed; the interval
	// floor must stretch the tiny backoff delay to keep the restarts
	// apart.
	if got[1] < policy.MinRestartInterval/2 {
		t.Errorf("second delay = %v, want at least %v", got[1], policy.MinRestartInterval/2)
	}
}

func TestBackoffDelaysGrow(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 3
	policy.BaseDelay = 10 * time.Millisecond
	policy.DelayCap = time.Second
	h := newHarness(t, policy)
	h.probe.setFallback(refusedResult())

	delays := make(chan time.Duration, 8)
	unsubscribe := h.bus.Subscribe(func(e events.RestartScheduledEvent) {
		if d, err := time.ParseDuration(e.Delay); err == nil {
			delays <- d
		}
	})
	defer unsubscribe()

	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, h.sup, StateExhausted)

	var got []time.Duration
	deadline := time.After(time.Second)
	for len(got) < policy.MaxAttempts {
		select {
		case d := <-delays:
			got = append(got, d)
		case <-deadline:
			t.Fatalf("saw %d scheduled restarts before timeout, want %d", len(got), policy.MaxAttempts)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Errorf("delay %d (%v) shrank below delay %d (%v)", i, got[i], i-1, got[i-1])
		}
	}
}
