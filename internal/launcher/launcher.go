// Package launcher spawns and terminates the SimpleCP Python backend.
//
// The launcher owns everything OS-process shaped: discovery of the
// interpreter and working directory, environment construction, output
// streaming with Python log-level parsing, and SIGINT-then-SIGKILL
// termination. Readiness is not its job; the supervisor health-probes
// the child separately.
package launcher

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// OutputHandler receives output lines from the backend process.
// Implementations forward them to the event bus for GUI display.
type OutputHandler interface {
	HandleLine(source, line string)
}

// LogParser extracts a log level and message from a child output line.
type LogParser func(line string) (level, msg string)

// Handle owns a running backend process. At most one live Handle exists
// at a time; the supervisor enforces that.
type Handle struct {
	cmd        *exec.Cmd
	pid        int
	startedAt  time.Time
	done       chan struct{} // closed after Wait returns and exitErr is set
	exitErr    error         // valid once done is closed
	outputDone chan struct{} // receives twice, once per output stream
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done returns a channel that is closed when the process has exited.
// Closing rather than sending lets Terminate and the supervisor's exit
// watcher both observe the exit.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr returns the Wait result. Only valid after Done is closed.
func (h *Handle) ExitErr() error { return h.exitErr }

// Launcher spawns backend processes. Safe for reuse across restarts;
// each Spawn returns an independent Handle.
type Launcher struct {
	logger          *slog.Logger
	backendLogger   *slog.Logger // logger for child output
	parser          LogParser
	output          OutputHandler
	gracefulTimeout time.Duration
	killTimeout     time.Duration
	pidFile         string
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithOutputHandler forwards each child output line to handler.
func WithOutputHandler(handler OutputHandler) Option {
	return func(l *Launcher) { l.output = handler }
}

// WithLogParser sets the logger and parser used for child output.
func WithLogParser(logger *slog.Logger, parser LogParser) Option {
	return func(l *Launcher) {
		l.backendLogger = logger
		l.parser = parser
	}
}

// WithPIDFile records the child pid at path while it runs.
func WithPIDFile(path string) Option {
	return func(l *Launcher) { l.pidFile = path }
}

// New creates a Launcher.
func New(logger *slog.Logger, opts ...Option) *Launcher {
	l := &Launcher{
		logger:          logger,
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BuildEnv constructs the explicit environment for the backend: the
// inherited environment plus the serving address and interpreter path
// variables, so the child never re-derives them.
func BuildEnv(target Target, host string, port int) map[string]string {
	env := map[string]string{
		"API_HOST":         host,
		"API_PORT":         strconv.Itoa(port),
		"PYTHONUNBUFFERED": "1",
	}
	if target.VirtualEnv != "" {
		env["VIRTUAL_ENV"] = target.VirtualEnv
		env["PATH"] = filepath.Join(target.VirtualEnv, "bin") + string(os.PathListSeparator) + os.Getenv("PATH")
	}
	return env
}

// Spawn launches the backend and begins streaming its output. It does
// not wait for readiness. The returned Handle's Done channel delivers
// the exit result.
func (l *Launcher) Spawn(target Target, env map[string]string) (*Handle, error) {
	cmd := exec.Command(target.Executable, target.Args...)
	cmd.Dir = target.Workdir
	cmd.Env = mergeEnv(os.Environ(), env)
	// Own process group so termination reaches uvicorn workers too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		l.logger.Error("Failed to start backend", "error", err, "target", target.String())
		return nil, fmt.Errorf("spawn backend: %w", err)
	}

	h := &Handle{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
		outputDone: make(chan struct{}, 2),
	}

	l.logger.Info("Backend started", "pid", h.pid, "target", target.String())
	l.writePIDFile(h.pid)

	go func() {
		l.streamOutput(stdout, "stdout")
		h.outputDone <- struct{}{}
	}()
	go func() {
		l.streamOutput(stderr, "stderr")
		h.outputDone <- struct{}{}
	}()

	go func() {
		err := cmd.Wait()
		<-h.outputDone
		<-h.outputDone
		l.removePIDFile()
		h.exitErr = err
		close(h.done)
	}()

	return h, nil
}

// Terminate sends SIGINT and waits for exit, escalating to SIGKILL after
// the grace timeout. It returns once the process has exited or the kill
// timeout elapses; there is no unbounded wait.
func (l *Launcher) Terminate(h *Handle) {
	if h == nil || h.cmd.Process == nil {
		return
	}

	l.logger.Info("Sending SIGINT to backend", "pid", h.pid)
	if err := h.cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.logger.Warn("Failed to send SIGINT", "pid", h.pid, "error", err)
	}

	select {
	case <-h.done:
		return
	case <-time.After(l.gracefulTimeout):
	}

	l.logger.Warn("Graceful shutdown timeout, forcing kill", "pid", h.pid, "timeout", l.gracefulTimeout)
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.logger.Error("Failed to kill backend", "pid", h.pid, "error", err)
	}

	select {
	case <-h.done:
	case <-time.After(l.killTimeout):
		l.logger.Error("Backend did not exit after kill signal", "pid", h.pid)
	}
}

// ExitCode extracts the exit code from an ExitErr result.
// Returns 0 for nil, the code for ExitError, or 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// streamOutput scans child output line by line, forwarding to the
// output handler and logging at the parsed level.
func (l *Launcher) streamOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)

	logger := l.backendLogger
	if logger == nil {
		logger = l.logger
	}

	for scanner.Scan() {
		line := scanner.Text()

		if l.output != nil {
			l.output.HandleLine(source, line)
		}

		level, msg := "info", line
		if l.parser != nil {
			level, msg = l.parser(line)
		}

		switch level {
		case "critical", "error":
			logger.Error(msg)
		case "warning":
			logger.Warn(msg)
		case "debug":
			logger.Debug(msg)
		default:
			logger.Info(msg)
		}
	}

	if err := scanner.Err(); err != nil {
		l.logger.Warn("Error reading backend output", "source", source, "error", err)
	}
}

func (l *Launcher) writePIDFile(pid int) {
	if l.pidFile == "" {
		return
	}
	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		l.logger.Warn("Failed to write pid file", "path", l.pidFile, "error", err)
	}
}

func (l *Launcher) removePIDFile() {
	if l.pidFile == "" {
		return
	}
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("Failed to remove pid file", "path", l.pidFile, "error", err)
	}
}

// mergeEnv overlays explicit entries on the inherited environment,
// replacing duplicates. Keys are applied in sorted order so the result
// is deterministic.
func mergeEnv(base []string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		if name, _, ok := strings.Cut(entry, "="); ok {
			if _, replaced := overrides[name]; replaced {
				continue
			}
		}
		result = append(result, entry)
	}
	for _, k := range keys {
		result = append(result, k+"="+overrides[k])
	}
	return result
}
