package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/strataga/ghostpirates/internal/scheduler"
)

// Registry tracks the running supervisor of every team. At most one
// supervisor runs per team.
type Registry struct {
	mu          sync.Mutex
	o           *Orchestrator
	supervisors map[string]*Supervisor
	logger      *zap.Logger
}

func newRegistry(o *Orchestrator, logger *zap.Logger) *Registry {
	return &Registry{
		o:           o,
		supervisors: make(map[string]*Supervisor),
		logger:      logger.Named("registry"),
	}
}

// Start launches a supervisor for teamID. It reports false when one is
// already running, in which case nothing changes.
func (r *Registry) Start(ctx context.Context, teamID string) bool {
	r.mu.Lock()
	if _, ok := r.supervisors[teamID]; ok {
		r.mu.Unlock()
		return false
	}
	s := newSupervisor(ctx, r.o, teamID, r.remove)
	r.supervisors[teamID] = s
	n := len(r.supervisors)
	r.mu.Unlock()

	s.start()
	r.logger.Info("supervisor started", zap.String("team_id", teamID))
	r.report(n)
	return true
}

// Stop cancels the supervisor of teamID and waits for it and its executions
// to exit. It reports false when no supervisor was running.
func (r *Registry) Stop(teamID string) bool {
	r.mu.Lock()
	s, ok := r.supervisors[teamID]
	if ok {
		delete(r.supervisors, teamID)
	}
	n := len(r.supervisors)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.stop()
	r.logger.Info("supervisor stopped", zap.String("team_id", teamID))
	r.report(n)
	return true
}

// remove drops s after it exited on its own.
func (r *Registry) remove(s *Supervisor) {
	r.mu.Lock()
	if cur, ok := r.supervisors[s.teamID]; !ok || cur != s {
		r.mu.Unlock()
		return
	}
	delete(r.supervisors, s.teamID)
	n := len(r.supervisors)
	r.mu.Unlock()
	r.report(n)
}

// IsRunning reports whether teamID has a supervisor.
func (r *Registry) IsRunning(teamID string) bool {
	return r.Get(teamID) != nil
}

// Get returns the supervisor of teamID, or nil.
func (r *Registry) Get(teamID string) *Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.supervisors[teamID]
}

// Running returns the IDs of teams with a supervisor, sorted.
func (r *Registry) Running() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.supervisors))
	for id := range r.supervisors {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Wake signals the supervisor of teamID to rescan. Unknown teams are ignored.
func (r *Registry) Wake(teamID string) {
	if s := r.Get(teamID); s != nil {
		s.Wake()
	}
}

// Pause stops new assignments for teamID.
func (r *Registry) Pause(teamID string) bool {
	s := r.Get(teamID)
	if s == nil {
		return false
	}
	s.Pause()
	return true
}

// Resume lifts a pause on teamID.
func (r *Registry) Resume(teamID string) bool {
	s := r.Get(teamID)
	if s == nil {
		return false
	}
	s.Resume()
	return true
}

// RecoverActive starts a supervisor for every persisted active team and
// returns how many were started.
func (r *Registry) RecoverActive(ctx context.Context) (int, error) {
	teams, err := r.o.store.ListTeams(ctx, scheduler.TeamActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active teams: %w", err)
	}

	started := 0
	for _, team := range teams {
		if r.Start(ctx, team.ID) {
			started++
		}
	}
	return started, nil
}

// ShutdownAll stops every supervisor concurrently. It returns ctx's error if
// the supervisors have not exited by the time ctx is done; they keep winding
// down in the background.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Supervisor, 0, len(r.supervisors))
	for _, s := range r.supervisors {
		all = append(all, s)
	}
	r.supervisors = make(map[string]*Supervisor)
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range all {
		s.cancel()
		g.Go(func() error {
			s.wait()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("supervisors still running: %w", ctx.Err())
	}

	r.logger.Info("all supervisors stopped", zap.Int("count", len(all)))
	r.report(0)
	return nil
}

func (r *Registry) report(n int) {
	if r.o.metrics != nil {
		r.o.metrics.SetSupervisors(n)
	}
}
