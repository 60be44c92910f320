package supervisor

import (
	"context"
	"time"

	"github.com/simplecp/agent/internal/health"
	"github.com/simplecp/agent/internal/launcher"
)

// ProcessHandle is the supervisor's view of a live backend process.
// Done is closed on exit; ExitErr is valid once that happens.
type ProcessHandle interface {
	PID() int
	Done() <-chan struct{}
	ExitErr() error
}

// ProcessLauncher abstracts discovery, spawn and termination so tests
// can substitute fakes.
type ProcessLauncher interface {
	Discover() (launcher.Target, error)
	Spawn(target launcher.Target, env map[string]string) (ProcessHandle, error)
	Terminate(handle ProcessHandle)
}

// HealthProbe abstracts a single bounded health check.
type HealthProbe interface {
	Check(ctx context.Context, url string, timeout time.Duration) health.Result
}

// execLauncher adapts the real launcher and discovery to ProcessLauncher.
type execLauncher struct {
	discovery *launcher.Discovery
	launcher  *launcher.Launcher
}

// NewExecLauncher wraps a Discovery and Launcher for supervisor use.
func NewExecLauncher(discovery *launcher.Discovery, l *launcher.Launcher) ProcessLauncher {
	return &execLauncher{discovery: discovery, launcher: l}
}

func (e *execLauncher) Discover() (launcher.Target, error) {
	return e.discovery.Discover()
}

func (e *execLauncher) Spawn(target launcher.Target, env map[string]string) (ProcessHandle, error) {
	h, err := e.launcher.Spawn(target, env)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (e *execLauncher) Terminate(handle ProcessHandle) {
	if h, ok := handle.(*launcher.Handle); ok {
		e.launcher.Terminate(h)
	}
}
