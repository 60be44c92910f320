// Package health performs bounded HTTP health checks against the backend.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Status classifies the outcome of a single health check.
type Status string

// Health check outcomes.
const (
	StatusHealthy   Status = "healthy"
	StatusHTTPError Status = "http_error"
	StatusTimeout   Status = "timeout"
	StatusRefused   Status = "refused"
)

// Result is the outcome of one probe. Code is set for StatusHTTPError,
// Detail carries the underlying error message for logging only.
type Result struct {
	Status   Status
	Code     int
	Detail   string
	Duration time.Duration
}

// Healthy reports whether the probe saw a 200 response.
func (r Result) Healthy() bool {
	return r.Status == StatusHealthy
}

// Probe issues single health checks. Stateless per call; safe for
// concurrent use.
type Probe struct {
	client *http.Client
}

// NewProbe creates a probe. The client timeout acts as an upper bound;
// per-call timeouts are applied via context in Check.
func NewProbe() *Probe {
	return &Probe{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// URL builds the health endpoint URL for a backend listening on port.
func URL(host string, port int) string {
	return fmt.Sprintf("http://%s:%d/health", host, port)
}

// Check issues a single GET against url with the given timeout and maps
// the outcome into a Result. It never panics and never returns an error:
// unknown failures are normalized to StatusRefused with the message kept
// in Detail.
func (p *Probe) Check(ctx context.Context, url string, timeout time.Duration) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Status: StatusRefused, Detail: err.Error(), Duration: time.Since(start)}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Status: classifyError(err), Detail: err.Error(), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused; the body is otherwise ignored.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return Result{
			Status:   StatusHTTPError,
			Code:     resp.StatusCode,
			Detail:   fmt.Sprintf("health endpoint returned status %d", resp.StatusCode),
			Duration: time.Since(start),
		}
	}

	return Result{Status: StatusHealthy, Duration: time.Since(start)}
}

// classifyError maps transport errors into the result taxonomy.
func classifyError(err error) Status {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimeout
	}
	return StatusRefused
}
