// Package executor runs individual execution steps of a task on behalf of a worker.
package executor

import (
	"context"
	"fmt"

	"github.com/strataga/ghostpirates/internal/scheduler"
)

// StepRequest describes one step of work.
type StepRequest struct {
	Task               *scheduler.Task
	Worker             *scheduler.Worker
	Step               int    // 1-based step number being produced
	AccumulatedContext string // Everything produced by earlier steps
	Attempt            int    // 0 for the first attempt, RetryCount afterwards
}

// StepResult is what a step produced.
type StepResult struct {
	Output     string
	IsComplete bool
}

// StepExecutor executes a single step. Returning a *resilience.Failure lets
// the executor pick the failure type; any other error is classified by the caller.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, req StepRequest) (StepResult, error)
}

// Func adapts a function to StepExecutor.
type Func func(ctx context.Context, req StepRequest) (StepResult, error)

func (f Func) ExecuteStep(ctx context.Context, req StepRequest) (StepResult, error) {
	return f(ctx, req)
}

// Router dispatches steps by the worker's specialization.
type Router struct {
	routes   map[scheduler.Specialization]StepExecutor
	fallback StepExecutor
}

// NewRouter creates a router. fallback serves specializations without a route and may be nil.
func NewRouter(fallback StepExecutor) *Router {
	return &Router{
		routes:   make(map[scheduler.Specialization]StepExecutor),
		fallback: fallback,
	}
}

// Handle registers exec for spec.
func (r *Router) Handle(spec scheduler.Specialization, exec StepExecutor) {
	r.routes[spec] = exec
}

func (r *Router) ExecuteStep(ctx context.Context, req StepRequest) (StepResult, error) {
	if req.Worker == nil {
		return StepResult{}, fmt.Errorf("step for task %s has no worker", req.Task.ID)
	}
	if exec, ok := r.routes[req.Worker.Specialization]; ok {
		return exec.ExecuteStep(ctx, req)
	}
	if r.fallback != nil {
		return r.fallback.ExecuteStep(ctx, req)
	}
	return StepResult{}, fmt.Errorf("no executor for specialization %s", req.Worker.Specialization)
}

// ReviewRequest carries the finished output of a task.
type ReviewRequest struct {
	Task   *scheduler.Task
	Output string
}

// ReviewResult is a reviewer's verdict. Reason explains a revision or rejection.
type ReviewResult struct {
	Decision scheduler.ReviewDecision
	Reason   string
}

// Reviewer judges finished task output.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (ReviewResult, error)
}

// ReviewFunc adapts a function to Reviewer.
type ReviewFunc func(ctx context.Context, req ReviewRequest) (ReviewResult, error)

func (f ReviewFunc) Review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	return f(ctx, req)
}

// AutoApprove approves everything.
var AutoApprove Reviewer = ReviewFunc(func(context.Context, ReviewRequest) (ReviewResult, error) {
	return ReviewResult{Decision: scheduler.ReviewApproved}, nil
})
