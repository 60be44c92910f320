package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrExecutableNotFound is returned when no backend installation can be
// located. A configuration problem, not a runtime crash: the supervisor
// surfaces it immediately without consuming a restart attempt.
var ErrExecutableNotFound = errors.New("backend executable not found")

// Target describes what to run and where.
type Target struct {
	Executable string   // interpreter or binary path
	Args       []string // arguments, e.g. the backend entry script
	Workdir    string   // working directory for the child
	VirtualEnv string   // venv root when launched through a venv, else ""
}

// String renders the target for logging.
func (t Target) String() string {
	return fmt.Sprintf("%s %v (workdir %s)", t.Executable, t.Args, t.Workdir)
}

// Discovery locates the backend installation. Deterministic given the
// same filesystem state; never touches the network.
type Discovery struct {
	// Root overrides the project directory searched first. Empty means
	// the agent's own directory.
	Root string

	// stat and lookPath are injectable for tests.
	stat     func(string) (os.FileInfo, error)
	lookPath func(string) (string, error)
}

// NewDiscovery creates a Discovery rooted at root.
func NewDiscovery(root string) *Discovery {
	return &Discovery{
		Root:     root,
		stat:     os.Stat,
		lookPath: exec.LookPath,
	}
}

// Discover searches, in priority order:
//  1. a project-local virtualenv (<root>/.venv) with the backend package,
//  2. well-known install locations (user config dir, /opt, /usr/local),
//  3. a simplecp-backend binary on PATH.
func (d *Discovery) Discover() (Target, error) {
	roots := d.candidateRoots()

	for _, root := range roots {
		if target, ok := d.venvTarget(root); ok {
			return target, nil
		}
	}

	if path, err := d.lookPath("simplecp-backend"); err == nil {
		return Target{
			Executable: path,
			Workdir:    filepath.Dir(path),
		}, nil
	}

	return Target{}, fmt.Errorf("searched %d locations and PATH: %w", len(roots), ErrExecutableNotFound)
}

// candidateRoots lists directories that may contain a backend checkout,
// in search order.
func (d *Discovery) candidateRoots() []string {
	var roots []string

	if d.Root != "" {
		roots = append(roots, d.Root)
	} else if exe, err := os.Executable(); err == nil {
		roots = append(roots, filepath.Dir(exe))
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		roots = append(roots, filepath.Join(configDir, "SimpleCP", "backend"))
	}

	roots = append(roots,
		"/opt/simplecp/backend",
		"/usr/local/simplecp/backend",
	)

	return roots
}

// venvTarget checks whether root holds a venv-based backend install.
func (d *Discovery) venvTarget(root string) (Target, bool) {
	venv := filepath.Join(root, ".venv")
	python := filepath.Join(venv, "bin", "python")
	entry := filepath.Join(root, "main.py")

	if !d.isFile(python) || !d.isFile(entry) {
		return Target{}, false
	}

	return Target{
		Executable: python,
		Args:       []string{"main.py"},
		Workdir:    root,
		VirtualEnv: venv,
	}, true
}

func (d *Discovery) isFile(path string) bool {
	info, err := d.stat(path)
	return err == nil && !info.IsDir()
}
