package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/simplecp/agent/cmd"
	"github.com/simplecp/agent/internal/api"
	"github.com/simplecp/agent/internal/config"
	"github.com/simplecp/agent/internal/events"
	"github.com/simplecp/agent/internal/health"
	"github.com/simplecp/agent/internal/launcher"
	"github.com/simplecp/agent/internal/logging"
	"github.com/simplecp/agent/internal/metrics"
	"github.com/simplecp/agent/internal/portguard"
	"github.com/simplecp/agent/internal/supervisor"
	"github.com/simplecp/agent/internal/updater"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Agent API listen address" short:"p" default:":8070" toml:"server.port" env:"SERVER_PORT"`

	// Backend settings
	BackendAutostart bool `help:"Start the backend when the agent starts" default:"true" toml:"backend.autostart" env:"BACKEND_AUTOSTART"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingSupervisor string `help:"Supervisor logging level" default:"info" toml:"logging.supervisor" env:"LOGGING_SUPERVISOR"`
	LoggingLauncher   string `help:"Launcher logging level" default:"info" toml:"logging.launcher" env:"LOGGING_LAUNCHER"`
	LoggingPortguard  string `help:"Port guard logging level" default:"info" toml:"logging.portguard" env:"LOGGING_PORTGUARD"`
	LoggingBackend    string `help:"Backend output logging level" default:"info" toml:"logging.backend" env:"LOGGING_BACKEND"`
	LoggingAPI        string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingUpdater    string `help:"Updater logging level" default:"info" toml:"logging.updater" env:"LOGGING_UPDATER"`
}

// busOutputHandler forwards backend output lines to the event bus so
// connected GUIs see them live.
type busOutputHandler struct {
	bus *events.Bus
}

func (h *busOutputHandler) HandleLine(source, line string) {
	h.bus.Publish(events.BackendLogEvent{
		Source:    source,
		Line:      line,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func main() {
	// Create Huma CLI
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, nil); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		loggingConfig := logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"supervisor": opts.LoggingSupervisor,
				"launcher":   opts.LoggingLauncher,
				"portguard":  opts.LoggingPortguard,
				"backend":    opts.LoggingBackend,
				"api":        opts.LoggingAPI,
				"updater":    opts.LoggingUpdater,
			},
		}
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")

		// Load the typed backend/restart/update sections from the same
		// config file.
		agentCfg, cfgErr := config.LoadAgentConfig(opts.Config)
		if cfgErr != nil {
			logger.Warn("Failed to load agent config, using defaults", "error", cfgErr)
			agentCfg = config.DefaultAgentConfig()
		}

		// Create event bus for in-process event handling
		eventBus := events.New()

		// Feed the agent's own log entries to SSE subscribers.
		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(events.LogEntryEvent{
				Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
				Level:      entry.Level,
				Module:     entry.Module,
				Message:    entry.Message,
				Attributes: entry.Attributes,
			})
		})

		// Assemble the backend launcher
		launcherOpts := []launcher.Option{
			launcher.WithOutputHandler(&busOutputHandler{bus: eventBus}),
			launcher.WithLogParser(logging.GetLogger("backend"), launcher.ParseLogLevel),
		}
		if agentCfg.Backend.PIDFile != "" {
			launcherOpts = append(launcherOpts, launcher.WithPIDFile(agentCfg.Backend.PIDFile))
		}
		backendLauncher := launcher.New(logging.GetLogger("launcher"), launcherOpts...)
		discovery := launcher.NewDiscovery(agentCfg.Backend.Root)

		sup := supervisor.New(&supervisor.Options{
			Policy:   agentCfg.Restart.Policy(),
			Launcher: supervisor.NewExecLauncher(discovery, backendLauncher),
			Probe:    health.NewProbe(),
			Ports:    portguard.New(logging.GetLogger("portguard")),
			Bus:      eventBus,
			Logger:   logging.GetLogger("supervisor"),
			Host:     agentCfg.Backend.Host,
			Port:     agentCfg.Backend.Port,
		})

		// Self-update service, only when a release repository is configured
		var updateService updater.Service
		if agentCfg.Update.Repository != "" {
			svc, updErr := updater.NewService(&updater.Options{
				Repository: agentCfg.Update.Repository,
				Prerelease: agentCfg.Update.Prerelease,
			}, eventBus)
			if updErr != nil {
				logger.Warn("Failed to initialize update service", "error", updErr)
			} else {
				updateService = svc
			}
		}

		// Watch the config file; restart policy changes apply on the
		// next restart cycle, backend host/port changes need an agent
		// restart.
		watcher := config.NewConfigWatcher(
			opts.Config,
			config.LoadAgentConfig,
			logger,
		)
		watcher.OnReload(func(fresh config.AgentConfig) {
			logger.Info("Config reloaded", "path", opts.Config)
			if err := sup.UpdatePolicy(fresh.Restart.Policy()); err != nil {
				logger.Warn("Failed to stage new restart policy", "error", err)
			}
			eventBus.Publish(events.ConfigReloadedEvent{
				Path:      opts.Config,
				Timestamp: time.Now().Format(time.RFC3339),
			})
		})

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			Supervisor:        sup,
			EventBus:          eventBus,
			UpdateService:     updateService,
			PrometheusHandler: metrics.Handler(),
		})

		hooks.OnStart(func() {
			if watchErr := watcher.Start(); watchErr != nil {
				logger.Warn("Failed to start config watcher, hot-reload disabled", "error", watchErr)
			}

			if opts.BackendAutostart {
				if startErr := sup.Start(); startErr != nil {
					logger.Warn("Failed to start backend", "error", startErr)
				}
			}

			logger.Info("Starting HTTP server", "addr", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down agent")
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			if stopErr := watcher.Stop(); stopErr != nil {
				logger.Error("Error stopping config watcher", "error", stopErr)
			}

			// Terminates the backend unless it was adopted.
			sup.Shutdown()
		})
	})

	// Add foreground backend command
	backendCmd := cmd.CreateBackendCmd()
	cli.Root().AddCommand(backendCmd)

	// Add doctor command
	doctorCmd := cmd.CreateDoctorCmd()
	cli.Root().AddCommand(doctorCmd)

	// Run the CLI
	cli.Run()
}
