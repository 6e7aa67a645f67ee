package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strataga/ghostpirates/internal/config"
	"github.com/strataga/ghostpirates/internal/events"
	"github.com/strataga/ghostpirates/internal/executor"
	"github.com/strataga/ghostpirates/internal/logging"
	"github.com/strataga/ghostpirates/internal/metrics"
	"github.com/strataga/ghostpirates/internal/orchestrator"
	"github.com/strataga/ghostpirates/internal/persistence"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

// app holds what every command needs. It is opened before a command runs
// and closed after.
type app struct {
	configPath string
	dbPath     string

	cfg     *config.Config
	logger  *zap.Logger
	store   *persistence.SQLiteStore
	bus     *events.EventBus
	pm      *executor.ProcessManager
	metrics *metrics.Collector
	orch    *orchestrator.Orchestrator
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "ghostpirates",
		Short: "Autonomous multi-agent work orchestrator",
		Long: `ghostpirates drives teams of AI workers through a dependency graph of tasks.

Each team gets a supervisor that assigns ready tasks to the best available
worker, checkpoints every step, retries transient failures and escalates the
rest to a human.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "project config file (default .ghostpirates/config.yaml)")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (overrides store.path)")

	root.AddCommand(
		newTeamCmd(a),
		newTaskCmd(a),
		newDepsCmd(a),
		newWorkersCmd(a),
		newImportCmd(a),
		newRunCmd(a),
		newStatusCmd(a),
		newGraphCmd(a),
		newEscalationsCmd(a),
	)
	return root
}

func (a *app) open(ctx context.Context) error {
	global, project, err := config.DefaultPaths()
	if err != nil {
		return err
	}
	if a.configPath != "" {
		project = a.configPath
	}
	cfg, err := config.Load(global, project)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.dbPath != "" {
		cfg.Store.Path = a.dbPath
	}
	a.cfg = cfg

	if a.logger, err = logging.New(cfg.Log); err != nil {
		return err
	}
	if a.store, err = persistence.NewSQLiteStore(ctx, cfg.Store.Path); err != nil {
		return err
	}

	a.bus = events.NewEventBus()
	a.metrics = metrics.NewCollector(cfg.Metrics.Namespace, a.bus.Dropped, a.logger)
	a.pm = executor.NewProcessManager()
	router := executor.NewRouter(nil)
	for name, ec := range cfg.Executors {
		spec, err := scheduler.ParseSpecialization(name)
		if err != nil {
			return fmt.Errorf("executor %q: %w", name, err)
		}
		if ec.Agent == "" {
			router.Handle(spec, executor.NewProcessExecutor(ec.Command, ec.Args, ec.WorkDir, a.pm, a.logger))
			continue
		}
		agent, err := executor.NewAgentExecutor(executor.AgentConfig{
			Kind:         ec.Agent,
			Command:      ec.Command,
			WorkDir:      ec.WorkDir,
			Model:        ec.Model,
			Provider:     ec.Provider,
			SystemPrompt: ec.SystemPrompt,
		}, a.pm, a.logger)
		if err != nil {
			return fmt.Errorf("executor %q: %w", name, err)
		}
		router.Handle(spec, agent)
	}

	a.orch, err = orchestrator.New(a.store, orchestrator.Options{
		Config:   orchestrator.ConfigFrom(cfg),
		Executor: router,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
	return err
}

func (a *app) close() error {
	if a.bus != nil {
		a.bus.Close()
	}
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
	return err
}
