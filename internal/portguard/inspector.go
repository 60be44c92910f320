package portguard

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Inspector lists the pids bound to a TCP port. Isolated behind an
// interface so the rest of the supervisor stays platform-agnostic and
// testable.
type Inspector interface {
	Occupants(ctx context.Context, port int) ([]int, error)
}

// lsofInspector queries occupants via `lsof -t -i:PORT`. Works on both
// macOS and Linux, which is where the desktop app runs.
type lsofInspector struct{}

func (l *lsofInspector) Occupants(ctx context.Context, port int) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "lsof", "-t", "-i:"+strconv.Itoa(port)).Output()
	if err != nil {
		// lsof exits 1 when nothing matches; treat that as no occupants.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(out) == 0 {
			return nil, nil
		}
		return nil, err
	}

	self := os.Getpid()
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, convErr := strconv.Atoi(line)
		if convErr != nil || pid == self {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
