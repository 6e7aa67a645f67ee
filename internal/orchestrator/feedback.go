package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/strataga/ghostpirates/internal/events"
	"github.com/strataga/ghostpirates/internal/resilience"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

// OnTaskCompleted unblocks the dependents of a completed task and wakes the
// team's supervisor. Repeated calls are harmless. Returns the unblocked IDs.
func (o *Orchestrator) OnTaskCompleted(ctx context.Context, taskID string) ([]string, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if task.Status != scheduler.TaskCompleted {
		return nil, fmt.Errorf("%w: task %s is %s, not completed", scheduler.ErrIllegalTransition, taskID, task.Status)
	}
	return o.unblock(ctx, task)
}

func (o *Orchestrator) unblock(ctx context.Context, task *scheduler.Task) ([]string, error) {
	unblocked, err := o.tracker.UnblockTasks(ctx, task.ID)
	for _, id := range unblocked {
		o.bus.Publish(events.TaskUnblockedEvent{
			Team:       task.TeamID,
			ID:         id,
			Dependency: task.ID,
			Timestamp:  o.now(),
		})
	}
	o.registry.Wake(task.TeamID)
	return unblocked, err
}

// OnTaskFailed classifies cause, records it and applies the recovery decision
// to the task: a retry bumps the persisted retry count, an escalation parks the
// task until a human decides, a terminal failure fails it. The caller owns the
// retry wait.
func (o *Orchestrator) OnTaskFailed(ctx context.Context, taskID string, cause error) (resilience.RecoveryAction, error) {
	o.locks.Lock(taskID)
	defer o.locks.Unlock(taskID)

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return resilience.RecoveryAction{}, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if !task.Status.HoldsWorker() {
		return resilience.RecoveryAction{}, fmt.Errorf("%w: task %s is %s", scheduler.ErrIllegalTransition, taskID, task.Status)
	}
	return o.handleFailure(ctx, task, resilience.Classify(cause))
}

// handleFailure must be called with the task lock held.
func (o *Orchestrator) handleFailure(ctx context.Context, task *scheduler.Task, f *resilience.Failure) (resilience.RecoveryAction, error) {
	action, err := o.failures.HandleFailure(ctx, task, f)
	if err != nil {
		return action, err
	}

	reason := action.Reason
	switch action.Kind {
	case resilience.ActionRetry:
		if err := o.store.SetRetryCount(ctx, task.ID, action.RetryCount); err != nil {
			return action, fmt.Errorf("failed to record retry of task %s: %w", task.ID, err)
		}
		o.bus.Publish(events.TaskRetryingEvent{
			Team:           task.TeamID,
			ID:             task.ID,
			Attempt:        action.RetryCount,
			Strategy:       string(action.Strategy.Kind),
			Delay:          action.Strategy.Duration(),
			FromCheckpoint: action.FromCheckpoint,
			Timestamp:      o.now(),
		})
	case resilience.ActionEscalate:
		if _, err := o.store.TransitionTask(ctx, task.ID, scheduler.TaskEscalated, scheduler.TransitionOptions{
			FailureReason: &reason,
		}); err != nil {
			return action, fmt.Errorf("failed to park escalated task %s: %w", task.ID, err)
		}
	case resilience.ActionFail:
		if _, err := o.store.TransitionTask(ctx, task.ID, scheduler.TaskFailed, scheduler.TransitionOptions{
			FailureReason: &reason,
		}); err != nil {
			return action, fmt.Errorf("failed to fail task %s: %w", task.ID, err)
		}
	}

	o.bus.Publish(events.TaskFailedEvent{
		Team:        task.TeamID,
		ID:          task.ID,
		FailureType: string(f.Type),
		Severity:    string(f.Severity()),
		Action:      string(action.Kind),
		Reason:      reason,
		Timestamp:   o.now(),
	})
	if action.Kind != resilience.ActionRetry {
		// The worker slot was released
		o.registry.Wake(task.TeamID)
	}
	return action, nil
}

// OnTaskReviewed applies a review decision to a task in review. Approval
// completes the task and unblocks its dependents. A revision request sends it
// back for another pass, or is handled as a MaxRevisionsReached failure once
// the revision limit is used up. Rejection fails the task with reason.
func (o *Orchestrator) OnTaskReviewed(ctx context.Context, taskID string, decision scheduler.ReviewDecision, reason string) error {
	o.locks.Lock(taskID)
	defer o.locks.Unlock(taskID)

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	if task.Status != scheduler.TaskReview {
		return fmt.Errorf("%w: task %s is %s, not in review", scheduler.ErrIllegalTransition, taskID, task.Status)
	}

	log := o.logger.With(zap.String("task_id", taskID), zap.String("decision", string(decision)))
	review := func() {
		o.bus.Publish(events.TaskReviewedEvent{
			Team:      task.TeamID,
			ID:        task.ID,
			Decision:  string(decision),
			Revision:  task.RevisionCount,
			Timestamp: o.now(),
		})
	}

	switch decision {
	case scheduler.ReviewApproved:
		done, err := o.store.TransitionTask(ctx, taskID, scheduler.TaskCompleted, scheduler.TransitionOptions{
			From: []scheduler.TaskStatus{scheduler.TaskReview},
		})
		if err != nil {
			return fmt.Errorf("failed to complete task %s: %w", taskID, err)
		}
		review()
		o.bus.Publish(events.TaskCompletedEvent{
			Team:      done.TeamID,
			ID:        done.ID,
			WorkerID:  task.AssignedTo,
			Duration:  done.UpdatedAt.Sub(done.CreatedAt),
			Timestamp: o.now(),
		})
		log.Info("task completed")
		_, err = o.unblock(ctx, done)
		return err

	case scheduler.ReviewRevisionRequested:
		if !task.CanRevise() {
			f := resilience.NewFailure(resilience.MaxRevisionsReached,
				"task %s used all %d revisions", taskID, task.MaxRevisions)
			if reason != "" {
				f = f.WithContext("review", reason)
			}
			review()
			_, err := o.handleFailure(ctx, task, f)
			return err
		}
		_, err := o.store.TransitionTask(ctx, taskID, scheduler.TaskRevisionRequested, scheduler.TransitionOptions{
			From:              []scheduler.TaskStatus{scheduler.TaskReview},
			IncrementRevision: true,
		})
		if err != nil {
			return fmt.Errorf("failed to request revision of task %s: %w", taskID, err)
		}
		review()
		log.Info("revision requested", zap.Int("revision", task.RevisionCount+1), zap.String("reason", reason))
		return nil

	case scheduler.ReviewRejected:
		if reason == "" {
			reason = "rejected in review"
		}
		_, err := o.store.TransitionTask(ctx, taskID, scheduler.TaskFailed, scheduler.TransitionOptions{
			From:          []scheduler.TaskStatus{scheduler.TaskReview},
			FailureReason: &reason,
		})
		if err != nil {
			return fmt.Errorf("failed to reject task %s: %w", taskID, err)
		}
		review()
		log.Info("task rejected", zap.String("reason", reason))
		o.registry.Wake(task.TeamID)
		return nil
	}
	return fmt.Errorf("unknown review decision %q", decision)
}
