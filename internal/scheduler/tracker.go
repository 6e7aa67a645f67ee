package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// DependencyStore is the persistence the tracker needs.
// AddDependency must run the cycle check and the insert atomically.
type DependencyStore interface {
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, teamID string) ([]*Task, error)
	AddDependency(ctx context.Context, taskID, dependsOnID string) error
	ListDependencies(ctx context.Context, taskID string) ([]*Task, error)
	ListDependents(ctx context.Context, taskID string) ([]*Task, error)
	ListEdges(ctx context.Context, teamID string) ([]Edge, error)
	TransitionTask(ctx context.Context, taskID string, to TaskStatus, opts TransitionOptions) (*Task, error)
}

// GraphNode is a task as shown in a dependency graph.
type GraphNode struct {
	ID       string
	ParentID string
	Title    string
	Status   TaskStatus
	Priority int
}

// DependencyGraph is a read-only snapshot of a team's tasks and precedence edges.
type DependencyGraph struct {
	TeamID string
	Nodes  []GraphNode
	Edges  []Edge
	Order  []string // Topological order, dependencies first
}

// Tracker maintains hard precedence constraints between tasks.
type Tracker struct {
	store  DependencyStore
	logger *zap.Logger
}

// NewTracker creates a dependency tracker backed by store.
func NewTracker(store DependencyStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		logger: logger.Named("dependencies"),
	}
}

// AddDependency records that taskID cannot start before dependsOnID completes.
// Edges that would close a cycle are rejected and nothing is persisted.
// A pending task gaining an unfinished dependency is moved to blocked.
func (t *Tracker) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	if err := t.store.AddDependency(ctx, taskID, dependsOnID); err != nil {
		t.logger.Debug("dependency rejected",
			zap.String("task_id", taskID),
			zap.String("depends_on", dependsOnID),
			zap.Error(err))
		return err
	}

	canStart, err := t.CanStartTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !canStart {
		_, err := t.store.TransitionTask(ctx, taskID, TaskBlocked, TransitionOptions{From: []TaskStatus{TaskPending}})
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			return fmt.Errorf("failed to block task %s: %w", taskID, err)
		}
	}

	t.logger.Info("dependency added",
		zap.String("task_id", taskID),
		zap.String("depends_on", dependsOnID),
		zap.Bool("blocked", !canStart))
	return nil
}

// CanStartTask reports whether every dependency of taskID is completed.
func (t *Tracker) CanStartTask(ctx context.Context, taskID string) (bool, error) {
	deps, err := t.store.ListDependencies(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to list dependencies of %s: %w", taskID, err)
	}
	for _, dep := range deps {
		if dep.Status != TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// UnblockTasks moves every blocked dependent of completedTaskID whose
// dependencies are now all complete back to pending. Calling it more than once
// for the same completion is harmless: tasks that already left blocked are skipped.
// Returns the IDs that were transitioned by this call.
func (t *Tracker) UnblockTasks(ctx context.Context, completedTaskID string) ([]string, error) {
	dependents, err := t.store.ListDependents(ctx, completedTaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents of %s: %w", completedTaskID, err)
	}

	var unblocked []string
	for _, dep := range dependents {
		if dep.Status != TaskBlocked {
			continue
		}

		ready, err := t.CanStartTask(ctx, dep.ID)
		if err != nil {
			return unblocked, err
		}
		if !ready {
			continue
		}

		_, err = t.store.TransitionTask(ctx, dep.ID, TaskPending, TransitionOptions{From: []TaskStatus{TaskBlocked}})
		if errors.Is(err, ErrIllegalTransition) {
			// Someone else moved it first
			continue
		}
		if err != nil {
			return unblocked, fmt.Errorf("failed to unblock task %s: %w", dep.ID, err)
		}

		unblocked = append(unblocked, dep.ID)
		t.logger.Info("task unblocked",
			zap.String("task_id", dep.ID),
			zap.String("completed_dependency", completedTaskID))
	}

	return unblocked, nil
}

// GetDependencyGraph returns the nodes and edges of a team for visualization.
// It has no side effects.
func (t *Tracker) GetDependencyGraph(ctx context.Context, teamID string) (*DependencyGraph, error) {
	tasks, err := t.store.ListTasks(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for team %s: %w", teamID, err)
	}
	edges, err := t.store.ListEdges(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges for team %s: %w", teamID, err)
	}

	g := NewGraph(edges)
	nodes := make([]GraphNode, 0, len(tasks))
	for _, task := range tasks {
		g.AddNode(task.ID)
		nodes = append(nodes, GraphNode{
			ID:       task.ID,
			ParentID: task.ParentID,
			Title:    task.Title,
			Status:   task.Status,
			Priority: task.Priority,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	order, err := g.Order()
	if err != nil {
		return nil, fmt.Errorf("team %s has an invalid dependency graph: %w", teamID, err)
	}

	return &DependencyGraph{
		TeamID: teamID,
		Nodes:  nodes,
		Edges:  g.Edges(),
		Order:  order,
	}, nil
}
