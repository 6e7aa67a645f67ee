package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/strataga/ghostpirates/internal/escalation"
	"github.com/strataga/ghostpirates/internal/events"
	"github.com/strataga/ghostpirates/internal/executor"
	"github.com/strataga/ghostpirates/internal/resilience"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

type call struct {
	step    int
	attempt int
	context string
}

// scripted records every step request and delegates to fn.
type scripted struct {
	mu    sync.Mutex
	calls []call
	fn    func(req executor.StepRequest) (executor.StepResult, error)
}

func (s *scripted) ExecuteStep(_ context.Context, req executor.StepRequest) (executor.StepResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{step: req.Step, attempt: req.Attempt, context: req.AccumulatedContext})
	s.mu.Unlock()
	return s.fn(req)
}

func (s *scripted) recorded() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func reviewWith(decision scheduler.ReviewDecision, reason string) func(*Options) {
	return func(opts *Options) {
		opts.Reviewer = executor.ReviewFunc(func(context.Context, executor.ReviewRequest) (executor.ReviewResult, error) {
			return executor.ReviewResult{Decision: decision, Reason: reason}, nil
		})
	}
}

func (h *harness) waitEscalation(taskID string) *escalation.Escalation {
	h.t.Helper()
	h.waitTask(taskID, scheduler.TaskEscalated)
	open, err := h.o.ListEscalations(h.ctx, escalation.Filter{TaskID: taskID, OpenOnly: true})
	if err != nil {
		h.t.Fatalf("ListEscalations failed: %v", err)
	}
	if len(open) != 1 {
		h.t.Fatalf("expected one open escalation for %s, got %d", taskID, len(open))
	}
	return open[0]
}

func TestRetryResumesFromCheckpoint(t *testing.T) {
	var failed atomic.Bool
	exec := &scripted{fn: func(req executor.StepRequest) (executor.StepResult, error) {
		if req.Step == 2 && !failed.Swap(true) {
			return executor.StepResult{}, resilience.NewFailure(resilience.NetworkTimeout, "connection reset")
		}
		return executor.StepResult{Output: fmt.Sprintf("out%d", req.Step), IsComplete: req.Step == 3}, nil
	}}
	h := newHarness(t, exec)
	h.addWorker("alice", scheduler.Coder, 1)
	h.addTask("t1", 5, "coding")
	h.start()

	task := h.waitTask("t1", scheduler.TaskCompleted)
	if task.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", task.RetryCount)
	}

	calls := exec.recorded()
	wantSteps := []int{1, 2, 2, 3}
	if len(calls) != len(wantSteps) {
		t.Fatalf("expected %d step calls, got %+v", len(wantSteps), calls)
	}
	for i, c := range calls {
		if c.step != wantSteps[i] {
			t.Errorf("call %d: expected step %d, got %d", i, wantSteps[i], c.step)
		}
	}
	if calls[2].attempt != 1 {
		t.Errorf("retried step should carry attempt 1, got %d", calls[2].attempt)
	}
	if calls[2].context != "out1" {
		t.Errorf("retried step should resume with step 1 context, got %q", calls[2].context)
	}

	failures, err := h.store.ListFailures(h.ctx, "t1")
	if err != nil {
		t.Fatalf("ListFailures failed: %v", err)
	}
	if len(failures) != 1 || failures[0].Type != resilience.NetworkTimeout {
		t.Errorf("expected one network timeout on record, got %+v", failures)
	}
	h.waitEvents(events.EventTypeTaskRetrying, 1)
}

func TestExhaustedRetriesEscalateThenResolve(t *testing.T) {
	var healthy atomic.Bool
	h := newHarness(t, executor.Func(func(_ context.Context, req executor.StepRequest) (executor.StepResult, error) {
		if !healthy.Load() {
			return executor.StepResult{}, resilience.NewFailure(resilience.NetworkTimeout, "upstream timed out")
		}
		return executor.StepResult{Output: "done", IsComplete: true}, nil
	}))
	h.addWorker("alice", scheduler.Coder, 1)
	h.addTask("t1", 5)
	h.start()

	e := h.waitEscalation("t1")
	if e.FailureType != resilience.NetworkTimeout || e.Status != escalation.StatusPending {
		t.Errorf("unexpected escalation: %+v", e)
	}
	task := h.task("t1")
	if task.RetryCount != 3 {
		t.Errorf("escalated task should have used 3 retries, got %d", task.RetryCount)
	}
	w, err := h.store.GetWorker(h.ctx, "w-alice")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if w.CurrentWorkload != 0 || w.TasksFailed != 1 {
		t.Errorf("escalation should release the worker: %+v", w)
	}
	failures, err := h.store.ListFailures(h.ctx, "t1")
	if err != nil {
		t.Fatalf("ListFailures failed: %v", err)
	}
	if len(failures) != 4 {
		t.Errorf("expected 4 recorded failures, got %d", len(failures))
	}

	st, err := h.o.Status(h.ctx, h.team.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.OpenIssues != 1 {
		t.Errorf("expected one open issue, got %d", st.OpenIssues)
	}

	if _, err := h.o.AcknowledgeEscalation(h.ctx, e.ID, "dana"); err != nil {
		t.Fatalf("AcknowledgeEscalation failed: %v", err)
	}
	healthy.Store(true)
	resolved, err := h.o.ResolveEscalation(h.ctx, e.ID, "upstream fixed", true)
	if err != nil {
		t.Fatalf("ResolveEscalation failed: %v", err)
	}
	if resolved.Status != escalation.StatusResolved || !resolved.RetryRequested {
		t.Errorf("unexpected resolution: %+v", resolved)
	}

	task = h.waitTask("t1", scheduler.TaskCompleted)
	if task.RetryCount != 0 {
		t.Errorf("resolution should reset retries, got %d", task.RetryCount)
	}
	h.waitTeam(scheduler.TeamCompleted)
}

func TestCancelEscalationFailsTask(t *testing.T) {
	h := newHarness(t, executor.Func(func(context.Context, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{}, resilience.NewFailure(resilience.ContentPolicyViolation, "refused")
	}))
	h.addWorker("alice", scheduler.Coder, 1)
	h.addTask("t1", 5)
	h.start()

	e := h.waitEscalation("t1")
	if e.FailureType != resilience.ContentPolicyViolation {
		t.Errorf("non-retryable failure should escalate at once, got %s", e.FailureType)
	}
	if _, err := h.o.CancelEscalation(h.ctx, e.ID, "won't fix"); err != nil {
		t.Fatalf("CancelEscalation failed: %v", err)
	}
	h.waitTask("t1", scheduler.TaskFailed)
	h.waitTeam(scheduler.TeamFailed)

	if _, err := h.o.ResolveEscalation(h.ctx, e.ID, "again", true); !errors.Is(err, escalation.ErrInvalidState) {
		t.Errorf("expected closed escalation to be rejected, got %v", err)
	}
}

func TestTerminalFailureFailsTeam(t *testing.T) {
	h := newHarness(t, executor.Func(func(_ context.Context, req executor.StepRequest) (executor.StepResult, error) {
		if req.Task.ID == "a" {
			return executor.StepResult{}, resilience.NewFailure(resilience.BudgetExceeded, "spent %d", 100)
		}
		return executor.StepResult{Output: "ok", IsComplete: true}, nil
	}))
	h.addWorker("alice", scheduler.Coder, 2)
	h.addTask("a", 5)
	h.addTask("b", 5)
	if err := h.o.AddDependency(h.ctx, "b", "a"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	h.start()

	a := h.waitTask("a", scheduler.TaskFailed)
	if !strings.Contains(a.FailureReason, "spent 100") {
		t.Errorf("failure reason should carry the message, got %q", a.FailureReason)
	}
	h.waitTeam(scheduler.TeamFailed)
	if got := h.task("b").Status; got != scheduler.TaskBlocked {
		t.Errorf("dependent of a failed task must stay blocked, got %s", got)
	}

	w, err := h.store.GetWorker(h.ctx, "w-alice")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if w.TasksFailed != 1 || w.CurrentWorkload != 0 {
		t.Errorf("unexpected worker counters: %+v", w)
	}
	escalations, err := h.o.ListEscalations(h.ctx, escalation.Filter{TeamID: h.team.ID})
	if err != nil {
		t.Fatalf("ListEscalations failed: %v", err)
	}
	if len(escalations) != 0 {
		t.Errorf("terminal failure should not escalate, got %d", len(escalations))
	}
}

func TestRevisionLimit(t *testing.T) {
	exec := &scripted{fn: func(req executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "draft", IsComplete: true}, nil
	}}
	h := newHarness(t, exec, reviewWith(scheduler.ReviewRevisionRequested, "needs tests"))
	h.addWorker("alice", scheduler.Coder, 1)
	task := &scheduler.Task{ID: "t1", TeamID: h.team.ID, Title: "t1", MaxRevisions: 1}
	if err := h.o.SubmitTask(h.ctx, task); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	h.start()

	got := h.waitTask("t1", scheduler.TaskFailed)
	if got.RevisionCount != 1 {
		t.Errorf("expected one revision, got %d", got.RevisionCount)
	}

	calls := exec.recorded()
	if len(calls) != 2 {
		t.Fatalf("expected the original pass and one revision, got %+v", calls)
	}
	if calls[1].step != 2 || calls[1].context != "draft" {
		t.Errorf("revision should continue after the final checkpoint, got %+v", calls[1])
	}

	failures, err := h.store.ListFailures(h.ctx, "t1")
	if err != nil {
		t.Fatalf("ListFailures failed: %v", err)
	}
	if len(failures) != 1 || failures[0].Type != resilience.MaxRevisionsReached {
		t.Errorf("expected a max revisions failure, got %+v", failures)
	}
	h.waitEvents(events.EventTypeTaskReviewed, 2)
}

func TestRejectedReview(t *testing.T) {
	h := newHarness(t, completeAfter(1), reviewWith(scheduler.ReviewRejected, "off topic"))
	h.addWorker("alice", scheduler.Coder, 1)
	h.addTask("t1", 5)
	h.start()

	task := h.waitTask("t1", scheduler.TaskFailed)
	if task.FailureReason != "off topic" {
		t.Errorf("expected rejection reason, got %q", task.FailureReason)
	}
	h.waitTeam(scheduler.TeamFailed)
}

func TestOnTaskReviewedRequiresReview(t *testing.T) {
	h := newHarness(t, completeAfter(1))
	h.addTask("t1", 5)

	err := h.o.OnTaskReviewed(h.ctx, "t1", scheduler.ReviewApproved, "")
	if !errors.Is(err, scheduler.ErrIllegalTransition) {
		t.Errorf("expected illegal transition, got %v", err)
	}
	if _, err := h.o.OnTaskFailed(h.ctx, "t1", errors.New("boom")); !errors.Is(err, scheduler.ErrIllegalTransition) {
		t.Errorf("expected illegal transition for a task without a worker, got %v", err)
	}
	if got := h.task("t1").Status; got != scheduler.TaskPending {
		t.Errorf("task should be untouched, got %s", got)
	}
}

func TestStepLimitEscalates(t *testing.T) {
	h := newHarness(t, executor.Func(func(context.Context, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "."}, nil
	}))
	h.addWorker("alice", scheduler.Coder, 1)
	h.addTask("t1", 5)
	h.start()

	e := h.waitEscalation("t1")
	if e.FailureType != resilience.ExecutionTimeout {
		t.Errorf("expected execution timeout, got %s", e.FailureType)
	}
	if e.CheckpointStep != 40 {
		t.Errorf("expected escalation to point at step 40, got %d", e.CheckpointStep)
	}
}

func TestBreakerOpensPerSpecialization(t *testing.T) {
	var coderCalls atomic.Int32
	h := newHarness(t, executor.Func(func(_ context.Context, req executor.StepRequest) (executor.StepResult, error) {
		if req.Worker.Specialization == scheduler.Coder {
			coderCalls.Add(1)
			return executor.StepResult{}, errors.New("tool crashed")
		}
		return executor.StepResult{Output: "ok", IsComplete: true}, nil
	}), func(opts *Options) {
		opts.Config.Breaker.FailureThreshold = 2
	})
	h.addWorker("alice", scheduler.Coder, 1)
	h.addWorker("wes", scheduler.Writer, 1)
	h.addTask("code", 5, "coding")
	h.addTask("docs", 5, "writing")
	h.start()

	e := h.waitEscalation("code")
	if e.FailureType != resilience.UpstreamUnavailable {
		t.Errorf("expected upstream unavailable once the breaker opened, got %s", e.FailureType)
	}
	if n := coderCalls.Load(); n != 2 {
		t.Errorf("open breaker should stop calls after 2, got %d", n)
	}
	if got := h.o.Breakers().Get("coder").State(); got != resilience.StateOpen {
		t.Errorf("expected coder breaker open, got %s", got)
	}
	h.waitTask("docs", scheduler.TaskCompleted)
	if got := h.o.Breakers().Get("writer").State(); got != resilience.StateClosed {
		t.Errorf("writer breaker should stay closed, got %s", got)
	}

	failures, err := h.store.ListFailures(h.ctx, "code")
	if err != nil {
		t.Fatalf("ListFailures failed: %v", err)
	}
	if len(failures) != 4 || failures[0].Type != resilience.ToolFailure {
		t.Errorf("unexpected failure history: %+v", failures)
	}
}
