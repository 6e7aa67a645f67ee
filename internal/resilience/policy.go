package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strataga/ghostpirates/internal/scheduler"
)

// ActionKind is the decision taken for a failure.
type ActionKind string

const (
	ActionRetry    ActionKind = "retry"
	ActionEscalate ActionKind = "escalate"
	ActionFail     ActionKind = "fail"
)

// RecoveryAction is the outcome of HandleFailure.
type RecoveryAction struct {
	Kind ActionKind

	// Retry
	Strategy       RetryStrategy
	FromCheckpoint int // Step to resume from; zero means from scratch
	RetryCount     int // Retry count the next attempt runs with

	// Escalate
	EscalationID string

	Reason string
}

// RetryConfig bounds automatic retries and their delays.
type RetryConfig struct {
	MaxRetries       int           // Retries before escalation (default 3)
	FixedDelay       time.Duration // Delay for task-level failures (default 5s)
	BackoffBase      time.Duration // First exponential delay (default 1s)
	BackoffMax       time.Duration // Exponential delay cap (default 60s)
	RateLimitDefault time.Duration // Wait when the upstream gave no retry-after (default 60s)
	// EscalateTerminal sends terminal business failures to a human instead of failing the task.
	EscalateTerminal bool
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:       3,
		FixedDelay:       5 * time.Second,
		BackoffBase:      time.Second,
		BackoffMax:       60 * time.Second,
		RateLimitDefault: 60 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.FixedDelay <= 0 {
		c.FixedDelay = d.FixedDelay
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.RateLimitDefault <= 0 {
		c.RateLimitDefault = d.RateLimitDefault
	}
	return c
}

// FailureRecorder persists the failure audit trail.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, rec *FailureRecord) error
}

// ResumePoints looks up the latest resumable checkpoint of a task.
type ResumePoints interface {
	LatestResumableStep(ctx context.Context, taskID string) (step int, ok bool, err error)
}

// EscalationRequest carries everything a human needs to pick up a failed task.
type EscalationRequest struct {
	TaskID         string
	TeamID         string
	Severity       Severity
	FailureType    FailureType
	Reason         string
	CheckpointStep int // Zero when the task has no resumable checkpoint
}

// Escalator hands a task to a human and returns the escalation ID.
type Escalator interface {
	Escalate(ctx context.Context, req EscalationRequest) (string, error)
}

// Handler classifies failures and decides between retry, escalation and failure.
type Handler struct {
	cfg       RetryConfig
	recorder  FailureRecorder
	resume    ResumePoints
	escalator Escalator
	breakers  *BreakerRegistry
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a failure handler. breakers may be nil.
func NewHandler(cfg RetryConfig, recorder FailureRecorder, resume ResumePoints, escalator Escalator, breakers *BreakerRegistry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:       cfg.withDefaults(),
		recorder:  recorder,
		resume:    resume,
		escalator: escalator,
		breakers:  breakers,
		logger:    logger.Named("failures"),
		now:       time.Now,
	}
}

// Config returns the effective retry configuration.
func (h *Handler) Config() RetryConfig { return h.cfg }

// StrategyFor returns the retry strategy for a failure on the given attempt.
func (h *Handler) StrategyFor(f *Failure, attempt int) RetryStrategy {
	switch {
	case f.Type == RateLimited:
		wait := f.RetryAfter
		if wait <= 0 {
			wait = h.cfg.RateLimitDefault
		}
		return RetryStrategy{Kind: RateLimitBackoff, Delay: wait}
	case f.Type == TemporaryServiceError && attempt == 0:
		// A blip on the first attempt is retried at once, then backs off
		return RetryStrategy{Kind: Immediate}
	case f.Type.Family() == FamilyTransient, f.Type == ExecutionTimeout:
		return RetryStrategy{Kind: ExponentialBackoff, Base: h.cfg.BackoffBase, Max: h.cfg.BackoffMax, Attempt: attempt}
	default:
		return RetryStrategy{Kind: FixedDelay, Delay: h.cfg.FixedDelay}
	}
}

// HandleFailure records f for task and decides what happens next.
// The audit record is written before any decision; if that write fails
// nothing else happens.
func (h *Handler) HandleFailure(ctx context.Context, task *scheduler.Task, f *Failure) (RecoveryAction, error) {
	f.RetryCount = task.RetryCount

	rec := &FailureRecord{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		Type:       f.Type,
		Severity:   f.Severity(),
		Message:    f.Message,
		Context:    f.Context,
		RetryCount: task.RetryCount,
		CreatedAt:  h.now(),
	}
	if err := h.recorder.RecordFailure(ctx, rec); err != nil {
		return RecoveryAction{}, fmt.Errorf("failed to record failure for task %s: %w", task.ID, err)
	}

	log := h.logger.With(
		zap.String("task_id", task.ID),
		zap.String("failure_type", string(f.Type)),
		zap.String("severity", string(f.Severity())),
		zap.Int("retry_count", task.RetryCount))

	if name := f.Type.Breaker(); name != "" && h.breakers != nil {
		h.breakers.Get(name).Trip()
		log.Warn("dependency breaker tripped", zap.String("breaker", name))
	}

	if !f.IsRetryable() {
		if f.Type.IsTerminal() && !h.cfg.EscalateTerminal {
			log.Warn("terminal failure, failing task", zap.String("message", f.Message))
			return RecoveryAction{Kind: ActionFail, Reason: f.Error()}, nil
		}
		return h.escalate(ctx, task, f, f.Error(), log)
	}

	if task.RetryCount >= h.cfg.MaxRetries {
		reason := fmt.Sprintf("retries exhausted after %d attempts: %s", task.RetryCount, f.Error())
		return h.escalate(ctx, task, f, reason, log)
	}

	step, _, err := h.resume.LatestResumableStep(ctx, task.ID)
	if err != nil {
		return RecoveryAction{}, fmt.Errorf("failed to find resume point for task %s: %w", task.ID, err)
	}

	action := RecoveryAction{
		Kind:           ActionRetry,
		Strategy:       h.StrategyFor(f, task.RetryCount),
		FromCheckpoint: step,
		RetryCount:     task.RetryCount + 1,
		Reason:         f.Error(),
	}
	log.Info("scheduling retry",
		zap.String("strategy", action.Strategy.String()),
		zap.Duration("delay", action.Strategy.Duration()),
		zap.Int("from_checkpoint", step))
	return action, nil
}

func (h *Handler) escalate(ctx context.Context, task *scheduler.Task, f *Failure, reason string, log *zap.Logger) (RecoveryAction, error) {
	step, _, err := h.resume.LatestResumableStep(ctx, task.ID)
	if err != nil {
		return RecoveryAction{}, fmt.Errorf("failed to find resume point for task %s: %w", task.ID, err)
	}

	id, err := h.escalator.Escalate(ctx, EscalationRequest{
		TaskID:         task.ID,
		TeamID:         task.TeamID,
		Severity:       f.Severity(),
		FailureType:    f.Type,
		Reason:         reason,
		CheckpointStep: step,
	})
	if err != nil {
		return RecoveryAction{}, fmt.Errorf("failed to escalate task %s: %w", task.ID, err)
	}

	log.Warn("task escalated",
		zap.String("escalation_id", id),
		zap.String("reason", reason),
		zap.Int("checkpoint_step", step))
	return RecoveryAction{
		Kind:           ActionEscalate,
		EscalationID:   id,
		FromCheckpoint: step,
		Reason:         reason,
	}, nil
}
