// Package cmd holds the agent's cobra subcommands.
package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/simplecp/agent/internal/launcher"
	"github.com/simplecp/agent/internal/logging"
)

// CreateBackendCmd creates the backend command: run the clipboard
// backend in the foreground without supervision. Debugging aid; the
// process is spawned once, signals are forwarded, and the backend's
// exit code becomes ours.
func CreateBackendCmd() *cobra.Command {
	var root string
	var pidFile string
	var host string
	var port int
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run the clipboard backend in the foreground",
		Long: `Discovers the backend installation and runs it directly, without health ` +
			`monitoring or restarts. Output is parsed and re-logged; Ctrl-C terminates ` +
			`the backend gracefully.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			loggingConfig := logging.Config{
				Level:  "info",
				Format: "text",
			}
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)
			logger := logging.GetLogger("launcher")

			discovery := launcher.NewDiscovery(root)
			target, err := discovery.Discover()
			if err != nil {
				logger.Error("Backend discovery failed", "error", err)
				os.Exit(1)
			}
			logger.Info("Discovered backend", "target", target.String())

			opts := []launcher.Option{
				launcher.WithLogParser(logging.GetLogger("backend"), launcher.ParseLogLevel),
			}
			if pidFile != "" {
				opts = append(opts, launcher.WithPIDFile(pidFile))
			}
			l := launcher.New(logger, opts...)

			handle, err := l.Spawn(target, launcher.BuildEnv(target, host, port))
			if err != nil {
				logger.Error("Failed to spawn backend", "error", err)
				os.Exit(1)
			}
			logger.Info("Backend running", "pid", handle.PID(), "host", host, "port", port)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("Signal received, terminating backend", "signal", sig.String())
				l.Terminate(handle)
				<-handle.Done()
			case <-handle.Done():
			}

			exitCode := launcher.ExitCode(handle.ExitErr())
			logger.Info("Backend exited", "exit_code", exitCode)
			os.Exit(exitCode)
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Backend project directory (default: agent's own directory)")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "Write the backend PID to this file")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host the backend binds to")
	cmd.Flags().IntVar(&port, "port", 8000, "Port the backend binds to")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Use JSON log format")

	return cmd
}
