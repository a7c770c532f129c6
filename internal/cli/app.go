package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/andywolf/autopilot/internal/agent"
	"github.com/andywolf/autopilot/internal/audit"
	"github.com/andywolf/autopilot/internal/builtin"
	"github.com/andywolf/autopilot/internal/config"
	"github.com/andywolf/autopilot/internal/events"
	"github.com/andywolf/autopilot/internal/executor"
	"github.com/andywolf/autopilot/internal/scheduler"
	"github.com/andywolf/autopilot/internal/version"
)

// shutdownTimeout bounds how long in-flight agent runs may take on exit.
const shutdownTimeout = 30 * time.Second

// app is the fully wired core: one bus, one executor, one registry and
// one scheduler per process, passed explicitly to each other.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	bus       *events.Bus
	recorder  *audit.Recorder
	executor  *executor.Executor
	registry  *agent.Registry
	scheduler *scheduler.Scheduler
}

func newLogger(component string) *log.Logger {
	return log.New(os.Stderr, fmt.Sprintf("[%s] ", component), log.LstdFlags)
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newRecorder opens the audit file and, when configured, the Cloud
// Logging mirror.
func newRecorder(ctx context.Context, cfg *config.Config, logger *log.Logger) (*audit.Recorder, error) {
	fileLog, err := audit.NewFileLog(cfg.Audit.Path, cfg.Audit.MaxRecords)
	if err != nil {
		return nil, err
	}

	opts := []audit.RecorderOption{audit.WithRecorderLogger(logger)}
	if cfg.Audit.Cloud.Project != "" {
		cloud, err := audit.NewCloudSink(ctx, cfg.Audit.Cloud.Project, cfg.Audit.Cloud.LogID, version.Labels())
		if err != nil {
			logger.Printf("Warning: Cloud Logging mirror disabled: %v", err)
		} else {
			opts = append(opts, audit.WithMirror(cloud))
		}
	}
	return audit.NewRecorder(fileLog, opts...), nil
}

func newExecutor(cfg *config.Config, recorder executor.Recorder, ops *executor.Operations) (*executor.Executor, error) {
	mode, err := executor.ParseSandboxMode(cfg.Executor.Sandbox)
	if err != nil {
		return nil, err
	}
	return executor.New(
		executor.WithElevationHelper(cfg.Executor.ElevationHelper, cfg.Executor.ElevationArgs...),
		executor.WithHostBridge(cfg.Executor.HostBridge...),
		executor.WithSandbox(mode),
		executor.WithDefaultTimeout(cfg.Executor.DefaultTimeout),
		executor.WithDryRun(cfg.Executor.DryRun),
		executor.WithRecorder(recorder),
		executor.WithOperations(ops),
		executor.WithLogger(newLogger("executor")),
	), nil
}

// newApp wires every component. Agents are not loaded yet.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := newLogger("autopilot")

	// The process-wide bus is built here once and handed to every consumer.
	bus := events.Init(events.WithWorkers(cfg.Bus.Workers), events.WithLogger(newLogger("events")))

	recorder, err := newRecorder(ctx, cfg, newLogger("audit"))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	ops := executor.NewOperations()
	if err := builtin.Register(ops, bus, newLogger("builtin")); err != nil {
		return nil, err
	}

	exec, err := newExecutor(cfg, recorder, ops)
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry(agent.WithLogger(newLogger("agent")))
	sched := scheduler.New(registry, bus, exec,
		scheduler.WithLogger(newLogger("scheduler")),
		scheduler.WithConfirmationTTL(cfg.Scheduler.ConfirmationTTL),
		scheduler.WithActionTimeout(cfg.Scheduler.DefaultActionTimeout),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		recorder:  recorder,
		executor:  exec,
		registry:  registry,
		scheduler: sched,
	}, nil
}

// loadAgents loads the agents directory. Load errors are logged by the
// registry and do not fail the caller.
func (a *app) loadAgents() int {
	n, loadErrs := a.registry.LoadFromDirectory(a.cfg.Agents.Dir)
	a.logger.Printf("Loaded %d agents from %s (%d skipped)", n, a.cfg.Agents.Dir, len(loadErrs))
	return n
}

// close stops the scheduler, drains the bus and flushes audit sinks.
func (a *app) close() error {
	a.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	busErr := a.bus.Close(ctx)
	if busErr != nil {
		busErr = fmt.Errorf("event bus did not drain: %w", busErr)
	}
	return errors.Join(busErr, a.recorder.Close())
}
