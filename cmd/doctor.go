package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/simplecp/agent/internal/config"
	"github.com/simplecp/agent/internal/health"
	"github.com/simplecp/agent/internal/launcher"
	"github.com/simplecp/agent/internal/logging"
	"github.com/simplecp/agent/internal/portguard"
)

// CreateDoctorCmd creates the doctor command: one-shot environment
// validation before running the agent. Checks config, backend
// discovery and port occupancy, probing any occupant for health.
func CreateDoctorCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate the agent's environment",
		Long: `Checks that the agent can do its job on this machine: the config file ` +
			`parses, a backend installation can be found, and the backend port is either ` +
			`free or held by a healthy instance.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			failed := false
			report := func(ok bool, name, detail string) {
				mark := "ok"
				if !ok {
					mark = "FAIL"
					failed = true
				}
				fmt.Printf("%-4s %-12s %s\n", mark, name, detail)
			}

			cfg, err := config.LoadAgentConfig(configFile)
			if err != nil {
				report(false, "config", err.Error())
				cfg = config.DefaultAgentConfig()
			} else {
				report(true, "config", fmt.Sprintf("%s (backend %s:%d)", configFile, cfg.Backend.Host, cfg.Backend.Port))
			}

			discovery := launcher.NewDiscovery(cfg.Backend.Root)
			target, err := discovery.Discover()
			if err != nil {
				report(false, "discovery", err.Error())
			} else {
				report(true, "discovery", target.String())
			}

			if cfg.Backend.PIDFile != "" {
				if data, err := os.ReadFile(cfg.Backend.PIDFile); err == nil {
					report(true, "pid-file", fmt.Sprintf("%s (pid %s from an earlier run)", cfg.Backend.PIDFile, strings.TrimSpace(string(data))))
				} else {
					report(true, "pid-file", cfg.Backend.PIDFile+" absent, no earlier backend")
				}
			}

			guard := portguard.New(logging.GetLogger("portguard"))
			if !guard.InUse(cfg.Backend.Port) {
				report(true, "port", fmt.Sprintf("%d free", cfg.Backend.Port))
			} else {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				detail := fmt.Sprintf("%d in use", cfg.Backend.Port)
				if pids, err := guard.Occupants(ctx, cfg.Backend.Port); err == nil && len(pids) > 0 {
					detail = fmt.Sprintf("%d in use by pids %v", cfg.Backend.Port, pids)
				}

				probe := health.NewProbe()
				result := probe.Check(ctx, health.URL(cfg.Backend.Host, cfg.Backend.Port), 3*time.Second)
				if result.Healthy() {
					report(true, "port", detail+", occupant is a healthy backend (will be adopted)")
				} else {
					report(false, "port", fmt.Sprintf("%s, occupant unhealthy (%s); the supervisor will reclaim it", detail, result.Status))
				}
			}

			if failed {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "config.toml", "Path to configuration file")

	return cmd
}
