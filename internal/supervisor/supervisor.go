// Package supervisor owns the backend process lifecycle: spawn, health
// verification, crash recovery with exponential backoff, and port
// reclamation.
//
// A single goroutine serializes every state transition. Health probes,
// process termination and port reclamation run as asynchronous tasks,
// but their results are folded back into state only on that goroutine.
// Every async continuation carries the process generation it was issued
// for; results from a superseded generation are dropped, so a cancelled
// or restarted backend can never apply stale transitions.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/simplecp/agent/internal/backoff"
	"github.com/simplecp/agent/internal/events"
	"github.com/simplecp/agent/internal/health"
	"github.com/simplecp/agent/internal/launcher"
	"github.com/simplecp/agent/internal/metrics"
	"github.com/simplecp/agent/internal/portguard"
)

// Command errors surfaced to the API layer.
var (
	ErrAlreadyRunning  = errors.New("backend already running")
	ErrNotRunning      = errors.New("backend is not running")
	ErrBudgetExhausted = errors.New("restart budget exhausted, reset required")
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdForceRestart
	cmdResetBudget
	cmdUpdatePolicy
)

type command struct {
	kind   cmdKind
	policy Policy
	reply  chan error
}

type msgKind int

const (
	msgProbeDone msgKind = iota
	msgReclaimDone
	msgTerminateDone
	msgProcessExit
	msgTimer
)

type probePurpose int

const (
	purposeStartup probePurpose = iota
	purposeSteady
	purposeAdopt        // initial start: port occupied, maybe a healthy survivor
	purposeRestartAdopt // restart decision: check occupant before kill-and-relaunch
)

type timerKind int

const (
	timerProbe timerKind = iota
	timerCheck
	timerBackoff
)

// message is a stimulus folded into the loop. gen ties it to the
// process generation it was issued for.
type message struct {
	gen     uint64
	kind    msgKind
	purpose probePurpose
	result  health.Result
	timer   timerKind
	err     error
}

// Options configures a Supervisor. All collaborators are injected.
type Options struct {
	Policy   Policy
	Launcher ProcessLauncher
	Probe    HealthProbe
	Ports    portguard.PortGuard
	Bus      *events.Bus
	Logger   *slog.Logger
	Host     string
	Port     int
}

// Supervisor drives the backend lifecycle state machine.
type Supervisor struct {
	policy   Policy
	launcher ProcessLauncher
	probe    HealthProbe
	ports    portguard.PortGuard
	bus      *events.Bus
	logger   *slog.Logger
	host     string
	port     int

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	msgs   chan message
	done   chan struct{}

	// Loop-owned state. Never touched outside run().
	state         State
	reason        string
	remedy        string
	budget        budget
	restartCount  int
	gen           uint64
	handle        ProcessHandle
	adopted       bool
	probesSent    int
	pendingReason string
	pendingPolicy *Policy

	mu   sync.RWMutex
	snap Status
}

// New creates a Supervisor and starts its coordinator loop. The backend
// is not started until Start is called.
func New(opts *Options) *Supervisor {
	if opts.Launcher == nil || opts.Probe == nil || opts.Ports == nil {
		panic("supervisor requires Launcher, Probe and Ports")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		policy:   opts.Policy,
		launcher: opts.Launcher,
		probe:    opts.Probe,
		ports:    opts.Ports,
		bus:      opts.Bus,
		logger:   logger,
		host:     opts.Host,
		port:     opts.Port,
		ctx:      ctx,
		cancel:   cancel,
		cmds:     make(chan command),
		msgs:     make(chan message, 16),
		done:     make(chan struct{}),
		state:    StateStopped,
	}
	s.snap = s.buildStatus()
	metrics.SetBackendState(string(StateStopped))
	metrics.SetBudgetRemaining(s.policy.MaxAttempts)

	go s.run()
	return s
}

// Start requests a backend start. Valid from stopped or failed states.
func (s *Supervisor) Start() error { return s.send(command{kind: cmdStart}) }

// Stop terminates the backend and stops monitoring. The restart budget
// is left untouched.
func (s *Supervisor) Stop() error { return s.send(command{kind: cmdStop}) }

// ForceRestart performs one terminate-and-relaunch cycle regardless of
// the failure count. It consumes one restart attempt.
func (s *Supervisor) ForceRestart() error { return s.send(command{kind: cmdForceRestart}) }

// ResetBudget zeroes the restart counters. From the exhausted state the
// supervisor returns to stopped, ready for a manual Start.
func (s *Supervisor) ResetBudget() error { return s.send(command{kind: cmdResetBudget}) }

// UpdatePolicy installs a new restart policy. It applies from the next
// start cycle; a live backend is never hot-swapped.
func (s *Supervisor) UpdatePolicy(p Policy) error {
	return s.send(command{kind: cmdUpdatePolicy, policy: p})
}

// Status returns a point-in-time snapshot.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Shutdown stops the coordinator loop and terminates any live backend.
// Blocks until teardown completes.
func (s *Supervisor) Shutdown() {
	s.cancel()
	<-s.done
}

func (s *Supervisor) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// run is the coordinator loop. All state transitions happen here.
func (s *Supervisor) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return
		case cmd := <-s.cmds:
			cmd.reply <- s.handleCommand(cmd)
		case m := <-s.msgs:
			if m.gen != s.gen {
				// Result for a superseded process generation.
				s.logger.Debug("Dropping stale message", "msg_gen", m.gen, "gen", s.gen)
				continue
			}
			s.handleMessage(m)
		}
	}
}

func (s *Supervisor) teardown() {
	if s.handle != nil {
		s.logger.Info("Shutting down, terminating backend", "pid", s.handle.PID())
		s.launcher.Terminate(s.handle)
		s.handle = nil
	}
}

func (s *Supervisor) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdStart:
		switch s.state {
		case StateStopped, StateFailed:
			s.applyPendingPolicy()
			s.beginStart()
			return nil
		case StateExhausted:
			return ErrBudgetExhausted
		default:
			return ErrAlreadyRunning
		}

	case cmdStop:
		if s.state == StateStopped {
			return nil
		}
		s.gen++
		handle := s.handle
		s.handle = nil
		s.adopted = false
		if handle != nil {
			go s.launcher.Terminate(handle)
		}
		s.setState(StateStopped, "", "")
		return nil

	case cmdForceRestart:
		if !s.state.monitoring() {
			return ErrNotRunning
		}
		s.gen++
		s.budget.consecutiveFailures = 0
		if s.budget.attemptsUsed >= s.policy.MaxAttempts {
			s.enterExhausted()
			return ErrBudgetExhausted
		}
		s.consumeAttempt()
		s.setState(StateRestarting, "manual restart requested", "")
		s.executeRestart()
		return nil

	case cmdResetBudget:
		s.budget = budget{}
		metrics.SetBudgetRemaining(s.policy.MaxAttempts)
		if s.state == StateExhausted {
			s.gen++
			s.setState(StateStopped, "", "")
		} else {
			s.updateSnapshot()
		}
		s.logger.Info("Restart budget reset")
		return nil

	case cmdUpdatePolicy:
		p := cmd.policy
		s.pendingPolicy = &p
		s.logger.Info("New restart policy staged, applies on next start cycle")
		return nil
	}
	return nil
}

func (s *Supervisor) applyPendingPolicy() {
	if s.pendingPolicy != nil {
		s.policy = *s.pendingPolicy
		s.pendingPolicy = nil
		metrics.SetBudgetRemaining(s.policy.MaxAttempts - s.budget.attemptsUsed)
	}
}

// beginStart enters Starting and either adopts a healthy occupant or
// proceeds to spawn.
func (s *Supervisor) beginStart() {
	s.gen++
	s.setState(StateStarting, "", "")

	if s.ports.InUse(s.port) {
		// Maybe a healthy earlier instance survived; adopt instead of
		// killing it.
		s.logger.Info("Port occupied on start, probing occupant", "port", s.port)
		s.asyncProbe(purposeAdopt)
		return
	}

	s.spawnBackend()
}

// spawnBackend discovers and spawns the backend, then enters Probing.
func (s *Supervisor) spawnBackend() {
	target, err := s.launcher.Discover()
	if err != nil {
		// Configuration problem, not a runtime crash: no attempt consumed.
		s.logger.Error("Backend discovery failed", "error", err)
		s.enterFailed(
			fmt.Sprintf("backend not found: %v", err),
			"install the SimpleCP backend or place it next to the agent",
		)
		return
	}

	env := launcher.BuildEnv(target, s.host, s.port)
	handle, err := s.launcher.Spawn(target, env)
	if err != nil {
		s.logger.Error("Backend spawn failed", "error", err)
		s.enterFailed(
			fmt.Sprintf("failed to start backend: %v", err),
			"check the agent logs for spawn errors",
		)
		return
	}

	s.handle = handle
	s.adopted = false
	s.probesSent = 0
	s.watchExit(handle)
	s.setState(StateProbing, "", "")
	s.sendStartupProbe()
}

func (s *Supervisor) sendStartupProbe() {
	s.probesSent++
	s.asyncProbe(purposeStartup)
}

func (s *Supervisor) watchExit(handle ProcessHandle) {
	gen := s.gen
	go func() {
		select {
		case <-handle.Done():
		case <-s.ctx.Done():
			return
		}
		s.post(message{gen: gen, kind: msgProcessExit, err: handle.ExitErr()})
	}()
}

func (s *Supervisor) asyncProbe(purpose probePurpose) {
	gen := s.gen
	go func() {
		result := s.probe.Check(s.ctx, health.URL(s.host, s.port), s.policy.ProbeTimeout)
		s.post(message{gen: gen, kind: msgProbeDone, purpose: purpose, result: result})
	}()
}

func (s *Supervisor) asyncReclaim() {
	gen := s.gen
	go func() {
		err := s.ports.Reclaim(s.ctx, s.port)
		s.post(message{gen: gen, kind: msgReclaimDone, err: err})
	}()
}

func (s *Supervisor) asyncTerminate(handle ProcessHandle) {
	gen := s.gen
	go func() {
		s.launcher.Terminate(handle)
		s.post(message{gen: gen, kind: msgTerminateDone})
	}()
}

func (s *Supervisor) timer(kind timerKind, d time.Duration) {
	gen := s.gen
	time.AfterFunc(d, func() {
		s.post(message{gen: gen, kind: msgTimer, timer: kind})
	})
}

func (s *Supervisor) post(m message) {
	select {
	case s.msgs <- m:
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) handleMessage(m message) {
	switch m.kind {
	case msgProbeDone:
		s.handleProbeResult(m.purpose, m.result)
	case msgReclaimDone:
		s.handleReclaimDone(m.err)
	case msgTerminateDone:
		s.handle = nil
		// Reclaim the port before relaunch: the child may have leaked
		// workers that still hold it.
		s.asyncReclaim()
	case msgProcessExit:
		s.handleProcessExit(m.err)
	case msgTimer:
		s.handleTimer(m.timer)
	}
}

func (s *Supervisor) handleProbeResult(purpose probePurpose, result health.Result) {
	metrics.ObserveHealthCheck(string(result.Status), result.Duration)

	switch purpose {
	case purposeAdopt, purposeRestartAdopt:
		if result.Healthy() {
			// First-class adoption: a healthy instance already serves the
			// port, so connect to it instead of restarting.
			if s.handle == nil {
				s.adopted = true
			} else {
				// Our own process recovered; re-arm exit watching under
				// the current generation.
				s.watchExit(s.handle)
			}
			s.logger.Info("Adopted healthy backend on port", "port", s.port)
			s.enterRunning()
			return
		}
		if purpose == purposeAdopt {
			s.logger.Info("Port occupant unhealthy, reclaiming", "port", s.port, "detail", result.Detail)
			s.asyncReclaim()
			return
		}
		s.performRestartDecision()

	case purposeStartup:
		if result.Healthy() {
			s.enterRunning()
			return
		}
		s.budget.consecutiveFailures++
		s.publishHealthCheck(result)
		s.logger.Warn("Startup probe failed",
			"attempt", s.probesSent, "of", s.policy.ProbeAttempts,
			"result", result.Status, "detail", result.Detail)
		if s.probesSent < s.policy.ProbeAttempts {
			s.timer(timerProbe, s.policy.ProbeInterval)
			return
		}
		// Startup probing shares the restart budget with steady state.
		s.decideRestart("backend failed to become ready")

	case purposeSteady:
		if result.Healthy() {
			s.budget.consecutiveFailures = 0
			if s.state == StateDegraded {
				s.logger.Info("Backend recovered")
				s.setState(StateRunning, "", "")
			} else {
				s.updateSnapshot()
			}
			s.timer(timerCheck, s.policy.CheckInterval)
			return
		}
		s.budget.consecutiveFailures++
		s.publishHealthCheck(result)
		s.logger.Warn("Health check failed",
			"failures", s.budget.consecutiveFailures,
			"threshold", s.policy.FailureThreshold,
			"result", result.Status, "detail", result.Detail)
		if s.budget.consecutiveFailures >= s.policy.FailureThreshold {
			s.decideRestart("health check failure threshold reached")
			return
		}
		// Transient blip: logged and counted, still serving.
		if s.state == StateRunning {
			s.setState(StateDegraded, "", "")
		}
		s.timer(timerCheck, s.policy.CheckInterval)
	}
}

func (s *Supervisor) handleReclaimDone(err error) {
	if err != nil {
		s.logger.Error("Port reclamation failed", "port", s.port, "error", err)
		s.enterFailed(
			fmt.Sprintf("port %d stuck: %v", s.port, err),
			fmt.Sprintf("run `kill -9 $(lsof -t -i:%d)` and start again", s.port),
		)
		return
	}
	s.spawnBackend()
}

func (s *Supervisor) handleProcessExit(exitErr error) {
	code := launcher.ExitCode(exitErr)
	s.logger.Error("Backend exited unexpectedly", "exit_code", code)
	s.handle = nil

	switch s.state {
	case StateProbing, StateRunning, StateDegraded:
		s.decideRestart(fmt.Sprintf("backend exited unexpectedly (code %d)", code))
	default:
		// Teardown in some other path already owns the transition.
	}
}

func (s *Supervisor) handleTimer(kind timerKind) {
	switch kind {
	case timerProbe:
		if s.state == StateProbing {
			s.sendStartupProbe()
		}
	case timerCheck:
		if s.state == StateRunning || s.state == StateDegraded {
			s.asyncProbe(purposeSteady)
		}
	case timerBackoff:
		if s.state == StateRestarting {
			s.executeRestart()
		}
	}
}

// decideRestart is the Degraded -> Restarting transition: consult the
// port before killing, check the budget, then schedule the backoff wait.
func (s *Supervisor) decideRestart(reason string) {
	s.gen++ // in-flight results for the old process are now stale

	if s.ports.InUse(s.port) {
		s.logger.Info("Port occupied before restart, probing occupant", "port", s.port)
		s.asyncProbe(purposeRestartAdopt)
		s.pendingReason = reason
		return
	}

	s.pendingReason = reason
	s.performRestartDecision()
}

// performRestartDecision consumes an attempt and schedules the restart,
// or gives up when the budget is spent.
func (s *Supervisor) performRestartDecision() {
	if s.budget.attemptsUsed >= s.policy.MaxAttempts {
		s.enterExhausted()
		return
	}

	s.consumeAttempt()
	delay := backoff.Next(s.budget.attemptsUsed, s.policy.BaseDelay, s.policy.Multiplier, s.policy.DelayCap)

	// Flap prevention: never restart closer than MinRestartInterval to
	// the previous restart, regardless of the backoff clock.
	if !s.budget.lastRestartAt.IsZero() {
		if since := time.Since(s.budget.lastRestartAt); since < s.policy.MinRestartInterval {
			if remainder := s.policy.MinRestartInterval - since; delay < remainder {
				delay = remainder
			}
		}
	}
	s.budget.currentDelay = delay

	s.setState(StateRestarting, s.pendingReason, "")
	s.publishEvent(events.RestartScheduledEvent{
		Attempt:   s.budget.attemptsUsed,
		Delay:     delay.String(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
	s.logger.Info("Restart scheduled",
		"attempt", s.budget.attemptsUsed,
		"max_attempts", s.policy.MaxAttempts,
		"delay", delay)

	s.timer(timerBackoff, delay)
}

// executeRestart runs the teardown half of a restart: terminate the old
// handle, reclaim the port, then spawn. Each step continues from the
// loop via its completion message.
func (s *Supervisor) executeRestart() {
	s.budget.lastRestartAt = time.Now()
	s.restartCount++
	metrics.IncRestart()

	if s.handle != nil {
		s.asyncTerminate(s.handle)
		return
	}
	s.asyncReclaim()
}

func (s *Supervisor) consumeAttempt() {
	s.budget.attemptsUsed++
	metrics.SetBudgetRemaining(s.policy.MaxAttempts - s.budget.attemptsUsed)
}

func (s *Supervisor) enterRunning() {
	s.budget.consecutiveFailures = 0
	s.budget.currentDelay = 0
	s.setState(StateRunning, "", "")
	s.timer(timerCheck, s.policy.CheckInterval)
}

func (s *Supervisor) enterExhausted() {
	s.gen++
	handle := s.handle
	s.handle = nil
	if handle != nil {
		go s.launcher.Terminate(handle)
	}

	s.adopted = false
	s.setState(StateExhausted,
		fmt.Sprintf("restart budget exhausted after %d attempts", s.budget.attemptsUsed),
		"reset the restart budget and start the backend again")
	s.publishEvent(events.BudgetExhaustedEvent{
		Attempts:  s.budget.attemptsUsed,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	s.logger.Error("Restart budget exhausted, manual intervention required",
		"attempts", s.budget.attemptsUsed)
}

func (s *Supervisor) enterFailed(reason, remedy string) {
	s.gen++
	handle := s.handle
	s.handle = nil
	if handle != nil {
		go s.launcher.Terminate(handle)
	}
	s.adopted = false
	s.setState(StateFailed, reason, remedy)
}

// setState performs a state transition, refreshes the snapshot and
// publishes the new connection state.
func (s *Supervisor) setState(state State, reason, remedy string) {
	old := s.state
	s.state = state
	s.reason = reason
	s.remedy = remedy
	metrics.SetBackendState(string(state))
	s.updateSnapshot()

	if old != state {
		s.logger.Info("State transition", "from", old, "to", state)
	}

	s.publishEvent(events.BackendStateEvent{
		State:        string(state.connection()),
		Reason:       reason,
		Remedy:       remedy,
		AttemptsUsed: s.budget.attemptsUsed,
		RestartCount: s.restartCount,
		PID:          s.pid(),
		Timestamp:    time.Now().Format(time.RFC3339),
	})
}

func (s *Supervisor) publishHealthCheck(result health.Result) {
	s.publishEvent(events.HealthCheckEvent{
		Result:    string(result.Status),
		Code:      result.Code,
		Detail:    result.Detail,
		Failures:  s.budget.consecutiveFailures,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Supervisor) publishEvent(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func (s *Supervisor) updateSnapshot() {
	snap := s.buildStatus()
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Supervisor) buildStatus() Status {
	return Status{
		State:               s.state,
		Connection:          s.state.connection(),
		Reason:              s.reason,
		Remedy:              s.remedy,
		AttemptsUsed:        s.budget.attemptsUsed,
		MaxAttempts:         s.policy.MaxAttempts,
		ConsecutiveFailures: s.budget.consecutiveFailures,
		RestartCount:        s.restartCount,
		RestartDelay:        s.restartDelay(),
		Monitoring:          s.state.monitoring(),
		Adopted:             s.adopted,
		PID:                 s.pid(),
		Port:                s.port,
	}
}

// restartDelay reports the backoff delay of a pending restart, empty
// outside the restarting state.
func (s *Supervisor) restartDelay() string {
	if s.state != StateRestarting || s.budget.currentDelay == 0 {
		return ""
	}
	return s.budget.currentDelay.String()
}

func (s *Supervisor) pid() int {
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}
