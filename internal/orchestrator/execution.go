package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/strataga/ghostpirates/internal/checkpoint"
	"github.com/strataga/ghostpirates/internal/events"
	"github.com/strataga/ghostpirates/internal/executor"
	"github.com/strataga/ghostpirates/internal/resilience"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

// execute drives taskID until it leaves the statuses that hold its worker.
// Failures go through OnTaskFailed; retries wait here and loop. When ctx is
// cancelled the task keeps its persisted status so the next supervisor of the
// team picks it up again.
func (o *Orchestrator) execute(ctx context.Context, taskID string) {
	log := o.logger.With(zap.String("task_id", taskID))

	for ctx.Err() == nil {
		task, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("failed to load task", zap.Error(err))
			}
			return
		}

		switch task.Status {
		case scheduler.TaskAssigned, scheduler.TaskInProgress, scheduler.TaskRevisionRequested:
			err = o.runSteps(ctx, task)
		case scheduler.TaskReview:
			err = o.runReview(ctx, task)
		default:
			return
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			log.Info("execution interrupted", zap.Error(err))
			return
		}

		action, err := o.OnTaskFailed(ctx, taskID, err)
		if err != nil {
			log.Error("failed to handle task failure", zap.Error(err))
			return
		}
		if action.Kind != resilience.ActionRetry {
			return
		}
		if err := action.Strategy.Wait(ctx); err != nil {
			return
		}
	}
}

// runSteps executes the task step by step from its resume point, writing a
// checkpoint after every step, and moves it to review once a step reports
// completion.
func (o *Orchestrator) runSteps(ctx context.Context, task *scheduler.Task) error {
	worker, err := o.store.GetWorker(ctx, task.AssignedTo)
	if err != nil {
		return fmt.Errorf("failed to load worker of task %s: %w", task.ID, err)
	}

	if task.Status != scheduler.TaskInProgress {
		task, err = o.store.TransitionTask(ctx, task.ID, scheduler.TaskInProgress, scheduler.TransitionOptions{
			From: []scheduler.TaskStatus{task.Status},
		})
		if err != nil {
			return fmt.Errorf("failed to start task: %w", err)
		}
	}

	rp, err := o.checkpoints.Resume(ctx, task.ID)
	if err != nil {
		return err
	}
	produced := false
	defer func() {
		if produced {
			return
		}
		// Nothing newer was written, so the next attempt resumes from the same step
		if err := o.checkpoints.Release(context.WithoutCancel(ctx), rp); err != nil {
			o.logger.Warn("failed to release checkpoint", zap.String("task_id", task.ID), zap.Error(err))
		}
	}()

	o.bus.Publish(events.TaskStartedEvent{
		Team:        task.TeamID,
		ID:          task.ID,
		WorkerID:    worker.ID,
		ResumedFrom: rp.FromStep,
		Attempt:     task.RetryCount,
		Timestamp:   o.now(),
	})

	breaker := o.breakers.Get(worker.Specialization.String())
	resources := o.breakers.Get(resilience.BreakerResources)
	acc := rp.Context
	for i := 0; ; i++ {
		if i >= o.cfg.MaxSteps {
			return resilience.NewFailure(resilience.ExecutionTimeout,
				"task %s did not complete within %d steps", task.ID, o.cfg.MaxSteps)
		}
		step := rp.NextStep + i

		var res executor.StepResult
		start := time.Now()
		err := guardResources(ctx, resources, func(ctx context.Context) error {
			return breaker.Execute(ctx, func(ctx context.Context) error {
				if o.cfg.StepTimeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, o.cfg.StepTimeout)
					defer cancel()
				}
				var err error
				res, err = o.exec.ExecuteStep(ctx, executor.StepRequest{
					Task:               task,
					Worker:             worker,
					Step:               step,
					AccumulatedContext: acc,
					Attempt:            task.RetryCount,
				})
				return err
			})
		})
		if o.metrics != nil {
			o.metrics.ObserveStep(time.Since(start))
		}
		if err != nil {
			return err
		}

		acc = checkpoint.Accumulate(acc, res.Output)
		typ := checkpoint.TypeStep
		if res.IsComplete {
			typ = checkpoint.TypeFinal
		}
		if _, err := o.checkpoints.Create(ctx, task.ID, step, res.Output, acc, typ); err != nil {
			return err
		}
		produced = true
		o.bus.Publish(events.TaskCheckpointedEvent{
			Team:      task.TeamID,
			ID:        task.ID,
			Step:      step,
			Final:     res.IsComplete,
			Timestamp: o.now(),
		})

		if res.IsComplete {
			break
		}
	}

	_, err = o.store.TransitionTask(ctx, task.ID, scheduler.TaskReview, scheduler.TransitionOptions{
		From: []scheduler.TaskStatus{scheduler.TaskInProgress},
	})
	if err != nil {
		return fmt.Errorf("failed to submit task for review: %w", err)
	}
	return nil
}

// runReview asks the reviewer about the task's final output.
func (o *Orchestrator) runReview(ctx context.Context, task *scheduler.Task) error {
	var output string
	cp, err := o.checkpoints.LatestResumable(ctx, task.ID)
	if err != nil {
		return err
	}
	if cp != nil {
		output = cp.AccumulatedContext
	}

	res, err := o.reviewer.Review(ctx, executor.ReviewRequest{Task: task, Output: output})
	if err != nil {
		return fmt.Errorf("review of task %s failed: %w", task.ID, err)
	}
	err = o.OnTaskReviewed(ctx, task.ID, res.Decision, res.Reason)
	if errors.Is(err, scheduler.ErrIllegalTransition) {
		// Decided elsewhere in the meantime
		return nil
	}
	return err
}
