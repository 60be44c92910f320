package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/simplecp/agent/internal/supervisor"
)

// BackendConfig is the [backend] section of the agent config file.
type BackendConfig struct {
	Host    string `toml:"host" json:"host"`
	Port    int    `toml:"port" json:"port"`
	Root    string `toml:"root,omitempty" json:"root,omitempty"`
	PIDFile string `toml:"pid_file,omitempty" json:"pid_file,omitempty"`
}

// RestartConfig is the [restart] section. Durations are TOML strings
// in Go duration syntax ("2s", "1m30s").
type RestartConfig struct {
	MaxAttempts        int     `toml:"max_attempts" json:"max_attempts"`
	BaseDelay          string  `toml:"base_delay" json:"base_delay"`
	Multiplier         float64 `toml:"multiplier" json:"multiplier"`
	DelayCap           string  `toml:"delay_cap" json:"delay_cap"`
	FailureThreshold   int     `toml:"failure_threshold" json:"failure_threshold"`
	MinRestartInterval string  `toml:"min_restart_interval" json:"min_restart_interval"`
	ProbeInterval      string  `toml:"probe_interval" json:"probe_interval"`
	ProbeAttempts      int     `toml:"probe_attempts" json:"probe_attempts"`
	CheckInterval      string  `toml:"check_interval" json:"check_interval"`
	ProbeTimeout       string  `toml:"probe_timeout" json:"probe_timeout"`
}

// UpdateConfig is the [update] section for agent self-updates.
type UpdateConfig struct {
	Repository string `toml:"repository,omitempty" json:"repository,omitempty"`
	Prerelease bool   `toml:"prerelease" json:"prerelease"`
}

// AgentConfig is the typed view of the agent's TOML config file.
// Zero values mean "use the default"; Policy and normalization handle
// the fill-in.
type AgentConfig struct {
	Backend BackendConfig `toml:"backend" json:"backend"`
	Restart RestartConfig `toml:"restart" json:"restart"`
	Update  UpdateConfig  `toml:"update" json:"update"`
}

// DefaultAgentConfig returns the built-in defaults, matching what the
// backend itself assumes when run by hand.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Backend: BackendConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
	}
}

// LoadAgentConfig reads and parses the agent config file. A missing
// file is not an error: the defaults apply. Suited as the loader for
// Watcher[AgentConfig].
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *AgentConfig) normalize() {
	if c.Backend.Host == "" {
		c.Backend.Host = "127.0.0.1"
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = 8000
	}
}

// Policy converts the [restart] section to a supervisor policy.
// Unset or malformed values fall back to the defaults field by field.
func (r RestartConfig) Policy() supervisor.Policy {
	p := supervisor.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.Multiplier > 1 {
		p.Multiplier = r.Multiplier
	}
	if r.FailureThreshold > 0 {
		p.FailureThreshold = r.FailureThreshold
	}
	if r.ProbeAttempts > 0 {
		p.ProbeAttempts = r.ProbeAttempts
	}
	applyDuration(&p.BaseDelay, r.BaseDelay)
	applyDuration(&p.DelayCap, r.DelayCap)
	applyDuration(&p.MinRestartInterval, r.MinRestartInterval)
	applyDuration(&p.ProbeInterval, r.ProbeInterval)
	applyDuration(&p.CheckInterval, r.CheckInterval)
	applyDuration(&p.ProbeTimeout, r.ProbeTimeout)
	return p
}

func applyDuration(dst *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		*dst = d
	}
}
