// Package orchestrator runs one supervisor per active team and reacts to the
// completion, failure and review signals of the tasks they dispatch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strataga/ghostpirates/internal/checkpoint"
	"github.com/strataga/ghostpirates/internal/config"
	"github.com/strataga/ghostpirates/internal/escalation"
	"github.com/strataga/ghostpirates/internal/events"
	"github.com/strataga/ghostpirates/internal/executor"
	"github.com/strataga/ghostpirates/internal/metrics"
	"github.com/strataga/ghostpirates/internal/plan"
	"github.com/strataga/ghostpirates/internal/resilience"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

// Store is everything the orchestrator persists.
type Store interface {
	scheduler.DependencyStore
	checkpoint.Store
	escalation.Store
	resilience.FailureRecorder

	CreateTeam(ctx context.Context, team *scheduler.Team) error
	GetTeam(ctx context.Context, teamID string) (*scheduler.Team, error)
	ListTeams(ctx context.Context, statuses ...scheduler.TeamStatus) ([]*scheduler.Team, error)
	UpdateTeamStatus(ctx context.Context, teamID string, to scheduler.TeamStatus) (*scheduler.Team, error)

	CreateTask(ctx context.Context, task *scheduler.Task) error
	CreatePlan(ctx context.Context, tasks []*scheduler.Task, edges []scheduler.Edge, workers []*scheduler.Worker) error
	ListTasksByStatus(ctx context.Context, teamID string, statuses ...scheduler.TaskStatus) ([]*scheduler.Task, error)
	ListReadyTasks(ctx context.Context, teamID string, limit int) ([]*scheduler.Task, error)
	CountTasksByStatus(ctx context.Context, teamID string) (map[scheduler.TaskStatus]int, error)
	AssignTask(ctx context.Context, taskID, workerID string) (*scheduler.Task, *scheduler.Worker, error)
	SetRetryCount(ctx context.Context, taskID string, count int) error

	CreateWorker(ctx context.Context, w *scheduler.Worker) error
	GetWorker(ctx context.Context, workerID string) (*scheduler.Worker, error)
	ListWorkers(ctx context.Context, teamID string) ([]*scheduler.Worker, error)
	ListAvailableWorkers(ctx context.Context, teamID string) ([]*scheduler.Worker, error)
}

// Config tunes supervisors, execution units and failure handling.
type Config struct {
	IdleInterval          time.Duration // Rescan period without a wake signal (default 30s)
	MaxParallelExecutions int           // Concurrent executions per team (default 4)
	MaxSteps              int           // Steps per attempt before the attempt times out (default 50)
	MaxRevisions          int           // Revision limit for imported tasks that set none
	StepTimeout           time.Duration // Per-step deadline, zero disables

	Retry               resilience.RetryConfig
	Breaker             resilience.BreakerConfig
	CheckpointRetention int
	StoreRetry          StoreRetryConfig
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		IdleInterval:          30 * time.Second,
		MaxParallelExecutions: 4,
		MaxSteps:              50,
		MaxRevisions:          scheduler.DefaultMaxRevisions,
		Retry:                 resilience.DefaultRetryConfig(),
		Breaker:               resilience.DefaultBreakerConfig(),
		CheckpointRetention:   checkpoint.DefaultRetention,
		StoreRetry:            DefaultStoreRetryConfig(),
	}
}

// ConfigFrom converts the loaded application configuration.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.IdleInterval = cfg.Supervisor.IdleInterval
	c.MaxParallelExecutions = cfg.Supervisor.MaxParallelExecutions
	c.MaxSteps = cfg.Supervisor.MaxSteps
	c.MaxRevisions = cfg.Supervisor.MaxRevisions
	c.StepTimeout = cfg.Supervisor.StepTimeout
	c.Retry = resilience.RetryConfig{
		MaxRetries:       cfg.Retry.MaxRetries,
		FixedDelay:       cfg.Retry.FixedDelay,
		BackoffBase:      cfg.Retry.BackoffBase,
		BackoffMax:       cfg.Retry.BackoffMax,
		RateLimitDefault: cfg.Retry.RateLimitDefault,
		EscalateTerminal: cfg.Retry.EscalateTerminal,
	}
	c.Breaker = resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
	}
	c.CheckpointRetention = cfg.Checkpoint.Retention
	return c
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleInterval <= 0 {
		c.IdleInterval = d.IdleInterval
	}
	if c.MaxParallelExecutions <= 0 {
		c.MaxParallelExecutions = d.MaxParallelExecutions
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.MaxRevisions <= 0 {
		c.MaxRevisions = d.MaxRevisions
	}
	if c.Retry == (resilience.RetryConfig{}) {
		c.Retry = d.Retry
	}
	if c.StoreRetry == (StoreRetryConfig{}) {
		c.StoreRetry = d.StoreRetry
	}
	return c
}

// Options carries the collaborators of an Orchestrator.
type Options struct {
	Config   Config
	Executor executor.StepExecutor // Required
	Reviewer executor.Reviewer     // Defaults to executor.AutoApprove
	Bus      *events.EventBus      // Defaults to a private bus
	Metrics  *metrics.Collector    // Optional
	Logger   *zap.Logger
}

// Orchestrator composes the dependency tracker, scorer, checkpoints, failure
// handling and escalations around a persisted store.
type Orchestrator struct {
	cfg         Config
	store       Store
	exec        executor.StepExecutor
	reviewer    executor.Reviewer
	bus         *events.EventBus
	metrics     *metrics.Collector
	tracker     *scheduler.Tracker
	checkpoints *checkpoint.Manager
	escalations *escalation.Manager
	breakers    *resilience.BreakerRegistry
	failures    *resilience.Handler
	locks       *scheduler.TaskLocks
	registry    *Registry
	logger      *zap.Logger
	now         func() time.Time
}

// New creates an orchestrator. No supervisor runs until StartTeam or RecoverActive.
func New(store Store, opts Options) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("step executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reviewer := opts.Reviewer
	if reviewer == nil {
		reviewer = executor.AutoApprove
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewEventBus()
	}
	cfg := opts.Config.withDefaults()

	breakers := resilience.NewBreakerRegistry(cfg.Breaker, logger, events.BreakerListener(bus))
	checkpoints := checkpoint.NewManager(store, cfg.CheckpointRetention, logger)
	escalations := escalation.NewManager(store, events.EscalationNotifier{Bus: bus}, logger)

	o := &Orchestrator{
		cfg:         cfg,
		store:       store,
		exec:        opts.Executor,
		reviewer:    reviewer,
		bus:         bus,
		metrics:     opts.Metrics,
		tracker:     scheduler.NewTracker(store, logger),
		checkpoints: checkpoints,
		escalations: escalations,
		breakers:    breakers,
		failures:    resilience.NewHandler(cfg.Retry, store, checkpoints, escalations, breakers, logger),
		locks:       scheduler.NewTaskLocks(),
		logger:      logger.Named("orchestrator"),
		now:         time.Now,
	}
	o.registry = newRegistry(o, logger)
	return o, nil
}

// Bus returns the event bus notifications are published on.
func (o *Orchestrator) Bus() *events.EventBus { return o.bus }

// Registry returns the registry of running supervisors.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Breakers returns the circuit breaker registry.
func (o *Orchestrator) Breakers() *resilience.BreakerRegistry { return o.breakers }

// Checkpoints returns the checkpoint manager.
func (o *Orchestrator) Checkpoints() *checkpoint.Manager { return o.checkpoints }

// CreateTeam persists a new pending team for goal.
func (o *Orchestrator) CreateTeam(ctx context.Context, goal string) (*scheduler.Team, error) {
	team := &scheduler.Team{ID: uuid.NewString(), Goal: goal, Status: scheduler.TeamPending}
	if err := o.store.CreateTeam(ctx, team); err != nil {
		return nil, fmt.Errorf("failed to create team: %w", err)
	}
	o.logger.Info("team created", zap.String("team_id", team.ID), zap.String("goal", goal))
	return team, nil
}

// StartTeam activates the team if needed and starts its supervisor.
// Starting a team whose supervisor already runs is a no-op.
func (o *Orchestrator) StartTeam(ctx context.Context, teamID string) error {
	team, err := o.store.GetTeam(ctx, teamID)
	if err != nil {
		return fmt.Errorf("failed to load team %s: %w", teamID, err)
	}

	for _, next := range []scheduler.TeamStatus{scheduler.TeamPlanning, scheduler.TeamActive} {
		if !team.Status.CanTransitionTo(next) {
			continue
		}
		if team, err = o.store.UpdateTeamStatus(ctx, teamID, next); err != nil {
			return fmt.Errorf("failed to move team %s to %s: %w", teamID, next, err)
		}
		o.bus.Publish(events.TeamStatusEvent{Team: teamID, Status: string(next), Timestamp: o.now()})
	}
	if team.Status != scheduler.TeamActive {
		return fmt.Errorf("team %s is %s", teamID, team.Status)
	}

	o.registry.Start(ctx, teamID)
	return nil
}

// StopTeam stops the team's supervisor and waits for its executions to wind down.
func (o *Orchestrator) StopTeam(teamID string) bool {
	return o.registry.Stop(teamID)
}

// PauseTeam stops new assignments for the team; running executions continue.
func (o *Orchestrator) PauseTeam(teamID string) bool {
	return o.registry.Pause(teamID)
}

// ResumeTeam lifts a pause.
func (o *Orchestrator) ResumeTeam(teamID string) bool {
	return o.registry.Resume(teamID)
}

// IsRunning reports whether the team has a supervisor.
func (o *Orchestrator) IsRunning(teamID string) bool {
	return o.registry.IsRunning(teamID)
}

// SubmitReady tells the team's supervisor that new work may be ready. Tasks
// written to the store by other processes are picked up on the next scan anyway.
func (o *Orchestrator) SubmitReady(teamID string) {
	o.registry.Wake(teamID)
}

// RecoverActive starts a supervisor for every persisted active team.
func (o *Orchestrator) RecoverActive(ctx context.Context) (int, error) {
	return o.registry.RecoverActive(ctx)
}

// Shutdown stops every supervisor, waiting until ctx is done at most.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.registry.ShutdownAll(ctx)
}

// SubmitTask persists a single task and wakes its team's supervisor.
func (o *Orchestrator) SubmitTask(ctx context.Context, task *scheduler.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxRevisions == 0 {
		task.MaxRevisions = o.cfg.MaxRevisions
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to submit task: %w", err)
	}
	o.registry.Wake(task.TeamID)
	return nil
}

// ImportPlan persists a decomposed plan for teamID: tasks, parent links,
// dependency edges and workers. Tasks with unmet dependencies start blocked.
func (o *Orchestrator) ImportPlan(ctx context.Context, teamID string, p *plan.Plan) ([]*scheduler.Task, error) {
	if _, err := o.store.GetTeam(ctx, teamID); err != nil {
		return nil, fmt.Errorf("failed to load team %s: %w", teamID, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	tasks, edges := p.Build(teamID, uuid.NewString, o.now(), o.cfg.MaxRevisions)
	workers := p.BuildWorkers(teamID, uuid.NewString)
	if err := o.store.CreatePlan(ctx, tasks, edges, workers); err != nil {
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	o.logger.Info("plan imported",
		zap.String("team_id", teamID),
		zap.Int("tasks", len(tasks)),
		zap.Int("dependencies", len(edges)),
		zap.Int("workers", len(p.Workers)))
	o.registry.Wake(teamID)
	return tasks, nil
}

// RegisterWorker adds a worker to its team and wakes the team's supervisor.
func (o *Orchestrator) RegisterWorker(ctx context.Context, w *scheduler.Worker) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if err := o.store.CreateWorker(ctx, w); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	o.registry.Wake(w.TeamID)
	return nil
}

// AddDependency records that taskID waits for dependsOnID.
func (o *Orchestrator) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	return o.tracker.AddDependency(ctx, taskID, dependsOnID)
}

// GetDependencyGraph returns the team's tasks and edges in topological order.
func (o *Orchestrator) GetDependencyGraph(ctx context.Context, teamID string) (*scheduler.DependencyGraph, error) {
	return o.tracker.GetDependencyGraph(ctx, teamID)
}

// TeamStatus summarizes a team's progress.
type TeamStatus struct {
	Team       *scheduler.Team
	Counts     map[scheduler.TaskStatus]int
	Running    bool
	State      SupervisorState
	Workers    []*scheduler.Worker
	Breakers   map[string]resilience.BreakerState
	OpenIssues int // Escalations waiting on a human
}

// Status reports the progress of teamID.
func (o *Orchestrator) Status(ctx context.Context, teamID string) (*TeamStatus, error) {
	team, err := o.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load team %s: %w", teamID, err)
	}
	counts, err := o.store.CountTasksByStatus(ctx, teamID)
	if err != nil {
		return nil, err
	}
	workers, err := o.store.ListWorkers(ctx, teamID)
	if err != nil {
		return nil, err
	}
	open, err := o.escalations.List(ctx, escalation.Filter{TeamID: teamID, OpenOnly: true})
	if err != nil {
		return nil, err
	}

	st := &TeamStatus{
		Team:       team,
		Counts:     counts,
		State:      StateStopped,
		Workers:    workers,
		Breakers:   o.breakers.Snapshot(),
		OpenIssues: len(open),
	}
	if s := o.registry.Get(teamID); s != nil {
		st.Running = true
		st.State = s.State()
	}
	return st, nil
}

// ListEscalations returns escalations matching filter.
func (o *Orchestrator) ListEscalations(ctx context.Context, filter escalation.Filter) ([]*escalation.Escalation, error) {
	return o.escalations.List(ctx, filter)
}

// AcknowledgeEscalation records that human has picked up an escalation.
func (o *Orchestrator) AcknowledgeEscalation(ctx context.Context, id, human string) (*escalation.Escalation, error) {
	return o.escalations.Acknowledge(ctx, id, human)
}

// ResolveEscalation closes an escalation. With retry the task returns to
// pending and the team's supervisor is woken to reassign it.
func (o *Orchestrator) ResolveEscalation(ctx context.Context, id, notes string, retry bool) (*escalation.Escalation, error) {
	e, err := o.escalations.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load escalation %s: %w", id, err)
	}
	o.locks.Lock(e.TaskID)
	defer o.locks.Unlock(e.TaskID)

	if e, err = o.escalations.Resolve(ctx, id, notes, retry); err != nil {
		return nil, err
	}
	o.registry.Wake(e.TeamID)
	return e, nil
}

// CancelEscalation closes an escalation and fails its task.
func (o *Orchestrator) CancelEscalation(ctx context.Context, id, notes string) (*escalation.Escalation, error) {
	e, err := o.escalations.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load escalation %s: %w", id, err)
	}
	o.locks.Lock(e.TaskID)
	defer o.locks.Unlock(e.TaskID)

	if e, err = o.escalations.Cancel(ctx, id, notes); err != nil {
		return nil, err
	}
	o.registry.Wake(e.TeamID)
	return e, nil
}
