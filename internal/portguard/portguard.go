// Package portguard detects and reclaims TCP ports occupied by stale
// backend processes.
package portguard

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"
)

// ErrPortStuck is returned when a port is still occupied after all kill
// rounds. The wrapping error carries the manual remedy for display.
var ErrPortStuck = fmt.Errorf("port still occupied")

// PortGuard is the surface the supervisor depends on.
type PortGuard interface {
	// InUse reports whether something is bound to the port. Side-effect-free.
	InUse(port int) bool

	// Occupants returns the pids currently bound to the port.
	Occupants(ctx context.Context, port int) ([]int, error)

	// Reclaim terminates whatever holds the port and verifies it is free.
	// Idempotent: a free port returns nil without signalling anything.
	Reclaim(ctx context.Context, port int) error
}

// Guard reclaims ports by signalling the occupying processes. The first
// round sends SIGTERM, later rounds escalate to SIGKILL, with a settle
// pause between rounds so the OS can release the socket.
type Guard struct {
	inspector   Inspector
	signal      func(pid int, sig syscall.Signal) error
	killRounds  int
	settleDelay time.Duration
	logger      *slog.Logger
}

// New creates a Guard using the platform inspector (lsof) and real signals.
func New(logger *slog.Logger) *Guard {
	return &Guard{
		inspector:   &lsofInspector{},
		signal:      syscall.Kill,
		killRounds:  3,
		settleDelay: 400 * time.Millisecond,
		logger:      logger,
	}
}

// InUse reports whether the port is bound on the loopback interface.
// A successful bind proves the port is free; the probe listener is
// closed immediately.
func (g *Guard) InUse(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

// Occupants returns the pids bound to the port.
func (g *Guard) Occupants(ctx context.Context, port int) ([]int, error) {
	return g.inspector.Occupants(ctx, port)
}

// Reclaim terminates the port's occupants and re-verifies. The kill exit
// status is never trusted on its own; only a bind probe confirming the
// port free counts as success.
func (g *Guard) Reclaim(ctx context.Context, port int) error {
	if !g.InUse(port) {
		return nil
	}

	for round := 0; round < g.killRounds; round++ {
		sig := syscall.SIGTERM
		if round > 0 {
			sig = syscall.SIGKILL
		}

		pids, err := g.inspector.Occupants(ctx, port)
		if err != nil {
			g.logger.Warn("Failed to list port occupants", "port", port, "error", err)
		}

		for _, pid := range pids {
			g.logger.Info("Signalling process holding port", "port", port, "pid", pid, "signal", sig.String())
			if killErr := g.signal(pid, sig); killErr != nil {
				// Process may have exited between listing and signalling.
				g.logger.Debug("Signal failed", "pid", pid, "error", killErr)
			}
		}

		select {
		case <-time.After(g.settleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}

		if !g.InUse(port) {
			return nil
		}
	}

	return fmt.Errorf("port %d stuck after %d kill rounds, run `kill -9 $(lsof -t -i:%d)` and retry: %w",
		port, g.killRounds, port, ErrPortStuck)
}
