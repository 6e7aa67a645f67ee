package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/strataga/ghostpirates/internal/events"
	"github.com/strataga/ghostpirates/internal/persistence"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

// SupervisorState is the phase of a supervisor's scan loop.
type SupervisorState int32

const (
	StateStopped SupervisorState = iota
	StateScanning
	StateAssigning
	StateIdleWait
)

func (s SupervisorState) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateAssigning:
		return "assigning"
	case StateIdleWait:
		return "idle_wait"
	default:
		return "stopped"
	}
}

// recoverable are the statuses whose execution was cut short when the
// previous supervisor of the team went away.
var recoverable = []scheduler.TaskStatus{
	scheduler.TaskAssigned,
	scheduler.TaskInProgress,
	scheduler.TaskReview,
	scheduler.TaskRevisionRequested,
}

// Supervisor runs the scan loop of one team: it assigns ready tasks to the
// best available workers and dispatches their executions.
type Supervisor struct {
	teamID string
	o      *Orchestrator
	onExit func(*Supervisor)

	wake   chan struct{}
	paused atomic.Bool
	state  atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	running map[string]bool // Task IDs with a live execution

	logger *zap.Logger
}

func newSupervisor(ctx context.Context, o *Orchestrator, teamID string, onExit func(*Supervisor)) *Supervisor {
	ctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		teamID:  teamID,
		o:       o,
		onExit:  onExit,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		running: make(map[string]bool),
		logger:  o.logger.Named("supervisor").With(zap.String("team_id", teamID)),
	}
}

func (s *Supervisor) start() {
	go s.run(s.ctx)
}

func (s *Supervisor) stop() {
	s.cancel()
	s.wait()
}

func (s *Supervisor) wait() {
	<-s.done
}

// TeamID returns the supervised team.
func (s *Supervisor) TeamID() string { return s.teamID }

// State returns the current loop phase.
func (s *Supervisor) State() SupervisorState {
	return SupervisorState(s.state.Load())
}

// Wake makes an idle supervisor rescan. Signals coalesce.
func (s *Supervisor) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pause stops new assignments after the current one completes.
func (s *Supervisor) Pause() {
	if !s.paused.Swap(true) {
		s.logger.Info("supervisor paused")
	}
}

// Resume lifts a pause and rescans.
func (s *Supervisor) Resume() {
	if s.paused.Swap(false) {
		s.logger.Info("supervisor resumed")
	}
	s.Wake()
}

// Paused reports whether assignments are paused.
func (s *Supervisor) Paused() bool { return s.paused.Load() }

// InFlight returns the number of running executions.
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Supervisor) setState(st SupervisorState) {
	s.state.Store(int32(st))
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.onExit(s)
	defer s.setState(StateStopped)

	g := new(errgroup.Group)
	g.SetLimit(s.o.cfg.MaxParallelExecutions)
	defer g.Wait()

	s.recover(ctx, g)

	timer := time.NewTimer(s.o.cfg.IdleInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		if !s.paused.Load() {
			assigned, finished := s.scan(ctx, g)
			if finished {
				s.cancel()
				return
			}
			if assigned > 0 {
				continue
			}
		}

		s.setState(StateIdleWait)
		timer.Reset(s.o.cfg.IdleInterval)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// recover re-dispatches tasks a previous supervisor left mid-execution.
func (s *Supervisor) recover(ctx context.Context, g *errgroup.Group) {
	var tasks []*scheduler.Task
	err := s.o.readStore(ctx, func(ctx context.Context) error {
		var err error
		tasks, err = s.o.store.ListTasksByStatus(ctx, s.teamID, recoverable...)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to list tasks to recover", zap.Error(err))
		}
		return
	}

	for _, task := range tasks {
		s.logger.Info("recovering task",
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)))
		// An attempt killed before Release leaves its checkpoint consumed
		if _, err := s.o.checkpoints.Rearm(ctx, task.ID); err != nil {
			s.logger.Warn("failed to rearm checkpoint", zap.String("task_id", task.ID), zap.Error(err))
		}
		s.dispatch(ctx, g, task.ID)
	}
}

// scan assigns ready tasks in priority order and reports how many were
// assigned and whether the team has nothing left to do.
func (s *Supervisor) scan(ctx context.Context, g *errgroup.Group) (assigned int, finished bool) {
	s.setState(StateScanning)
	start := time.Now()
	defer func() {
		if s.o.metrics != nil {
			s.o.metrics.ObserveScan(time.Since(start))
		}
	}()

	var ready []*scheduler.Task
	err := s.o.readStore(ctx, func(ctx context.Context) error {
		var err error
		ready, err = s.o.store.ListReadyTasks(ctx, s.teamID, 0)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to list ready tasks", zap.Error(err))
		}
		return 0, false
	}
	if len(ready) == 0 {
		return 0, s.finishIfDone(ctx)
	}

	var workers []*scheduler.Worker
	err = s.o.readStore(ctx, func(ctx context.Context) error {
		var err error
		workers, err = s.o.store.ListAvailableWorkers(ctx, s.teamID)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to list available workers", zap.Error(err))
		}
		return 0, false
	}

	s.setState(StateAssigning)
	unassignable := 0
	for _, task := range ready {
		if ctx.Err() != nil || s.paused.Load() {
			break
		}

		for {
			best, score, ok := scheduler.SelectWorker(task, workers)
			if !ok {
				unassignable++
				break
			}

			// The mutation is atomic; don't let a stop signal abandon it midway
			t, w, err := s.o.store.AssignTask(context.WithoutCancel(ctx), task.ID, best.ID)
			if errors.Is(err, persistence.ErrWorkerUnavailable) {
				workers = withoutWorker(workers, best.ID)
				continue
			}
			if errors.Is(err, persistence.ErrConflict) {
				// Someone else moved the task since the scan
				break
			}
			if err != nil {
				s.logger.Error("failed to assign task", zap.String("task_id", task.ID), zap.Error(err))
				return assigned, false
			}

			workers = replaceWorker(workers, w)
			s.o.bus.Publish(events.TaskAssignedEvent{
				Team:      s.teamID,
				ID:        t.ID,
				WorkerID:  w.ID,
				Score:     score,
				Timestamp: s.o.now(),
			})
			s.logger.Info("task assigned",
				zap.String("task_id", t.ID),
				zap.String("worker_id", w.ID),
				zap.Float64("score", score))

			s.dispatch(ctx, g, t.ID)
			assigned++
			break
		}
	}

	if unassignable > 0 {
		s.logger.Debug("no worker available", zap.Int("tasks", unassignable))
		if s.o.metrics != nil {
			s.o.metrics.ObserveUnassignable(unassignable)
		}
	}
	return assigned, false
}

// dispatch starts the execution of taskID unless one is already running.
// It blocks while the team is at its parallel execution limit.
func (s *Supervisor) dispatch(ctx context.Context, g *errgroup.Group, taskID string) {
	s.mu.Lock()
	if s.running[taskID] {
		s.mu.Unlock()
		return
	}
	s.running[taskID] = true
	s.mu.Unlock()

	g.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.running, taskID)
			s.mu.Unlock()
			// The worker slot may be free now
			s.Wake()
		}()
		s.o.execute(ctx, taskID)
		return nil
	})
}

// finishIfDone marks the team completed or failed once no task can make
// progress any more.
func (s *Supervisor) finishIfDone(ctx context.Context) bool {
	if s.InFlight() > 0 {
		return false
	}

	var counts map[scheduler.TaskStatus]int
	err := s.o.readStore(ctx, func(ctx context.Context) error {
		var err error
		counts, err = s.o.store.CountTasksByStatus(ctx, s.teamID)
		return err
	})
	if err != nil {
		return false
	}

	total, live := 0, 0
	for status, n := range counts {
		total += n
		if !status.IsTerminal() && status != scheduler.TaskBlocked {
			live += n
		}
	}
	if total == 0 || live > 0 {
		return false
	}

	// A blocked task whose dependencies just completed is about to be unblocked
	if counts[scheduler.TaskBlocked] > 0 {
		blocked, err := s.o.store.ListTasksByStatus(ctx, s.teamID, scheduler.TaskBlocked)
		if err != nil {
			return false
		}
		for _, task := range blocked {
			ready, err := s.o.tracker.CanStartTask(ctx, task.ID)
			if err != nil || ready {
				return false
			}
		}
	}

	status := scheduler.TeamCompleted
	if counts[scheduler.TaskCompleted] != total {
		status = scheduler.TeamFailed
	}
	if _, err := s.o.store.UpdateTeamStatus(ctx, s.teamID, status); err != nil {
		team, getErr := s.o.store.GetTeam(ctx, s.teamID)
		if getErr == nil && team.Status != scheduler.TeamActive {
			// Finished elsewhere
			return true
		}
		s.logger.Error("failed to finish team", zap.Error(err))
		return false
	}

	progress := make(map[string]int, len(counts))
	for st, n := range counts {
		progress[string(st)] = n
	}
	s.o.bus.Publish(events.TeamStatusEvent{
		Team:      s.teamID,
		Status:    string(status),
		Progress:  progress,
		Timestamp: s.o.now(),
	})
	s.logger.Info("team finished",
		zap.String("status", string(status)),
		zap.Int("completed", counts[scheduler.TaskCompleted]),
		zap.Int("total", total))
	return true
}

func withoutWorker(workers []*scheduler.Worker, id string) []*scheduler.Worker {
	out := workers[:0:0]
	for _, w := range workers {
		if w.ID != id {
			out = append(out, w)
		}
	}
	return out
}

// replaceWorker swaps in the post-assignment view of w, dropping it when full.
func replaceWorker(workers []*scheduler.Worker, w *scheduler.Worker) []*scheduler.Worker {
	out := make([]*scheduler.Worker, 0, len(workers))
	for _, cur := range workers {
		if cur.ID != w.ID {
			out = append(out, cur)
			continue
		}
		if w.Available() {
			out = append(out, w)
		}
	}
	return out
}
