package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// FailureType identifies what went wrong during task execution.
type FailureType string

const (
	// Transient failures: always retryable.
	NetworkTimeout        FailureType = "network_timeout"
	RateLimited           FailureType = "rate_limited"
	UpstreamUnavailable   FailureType = "upstream_unavailable"
	TemporaryServiceError FailureType = "temporary_service_error"

	// Task-level failures: retryable with a fixed delay.
	ValidationError FailureType = "validation_error"
	ToolFailure     FailureType = "tool_failure"
	InvalidInput    FailureType = "invalid_input"

	// Execution timeouts and limits.
	ExecutionTimeout       FailureType = "execution_timeout"
	ContextLengthExceeded  FailureType = "context_length_exceeded"
	ContentPolicyViolation FailureType = "content_policy_violation"

	// Business and system failures.
	BudgetExceeded         FailureType = "budget_exceeded"
	MaxRevisionsReached    FailureType = "max_revisions_reached"
	DatabaseConnectionLost FailureType = "database_connection_lost"
	OutOfMemory            FailureType = "out_of_memory"
)

// Family groups failure types with the same handling.
type Family string

const (
	FamilyTransient Family = "transient"
	FamilyTask      Family = "task"
	FamilyExecution Family = "execution"
	FamilySystem    Family = "system"
)

// Severity is derived from the failure type and never set per instance.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsHigh reports whether the severity requires human attention.
func (s Severity) IsHigh() bool {
	return s == SeverityHigh || s == SeverityCritical
}

type failureTraits struct {
	family    Family
	severity  Severity
	retryable bool
	terminal  bool   // fails the task outright unless escalation of terminal failures is enabled
	breaker   string // breaker tripped when this failure is seen, if any
}

var traits = map[FailureType]failureTraits{
	NetworkTimeout:        {family: FamilyTransient, severity: SeverityLow, retryable: true},
	RateLimited:           {family: FamilyTransient, severity: SeverityLow, retryable: true},
	UpstreamUnavailable:   {family: FamilyTransient, severity: SeverityMedium, retryable: true},
	TemporaryServiceError: {family: FamilyTransient, severity: SeverityLow, retryable: true},

	ValidationError: {family: FamilyTask, severity: SeverityMedium, retryable: true},
	ToolFailure:     {family: FamilyTask, severity: SeverityMedium, retryable: true},
	InvalidInput:    {family: FamilyTask, severity: SeverityMedium, retryable: true},

	ExecutionTimeout:       {family: FamilyExecution, severity: SeverityMedium, retryable: true},
	ContextLengthExceeded:  {family: FamilyExecution, severity: SeverityHigh},
	ContentPolicyViolation: {family: FamilyExecution, severity: SeverityHigh},

	BudgetExceeded:         {family: FamilySystem, severity: SeverityHigh, terminal: true},
	MaxRevisionsReached:    {family: FamilySystem, severity: SeverityHigh, terminal: true},
	DatabaseConnectionLost: {family: FamilySystem, severity: SeverityCritical, breaker: BreakerDatabase},
	OutOfMemory:            {family: FamilySystem, severity: SeverityCritical, breaker: BreakerResources},
}

// Breaker names for system dependencies.
const (
	BreakerDatabase  = "database"
	BreakerResources = "resources"
)

// FailureTypes returns every known failure type.
func FailureTypes() []FailureType {
	return []FailureType{
		NetworkTimeout, RateLimited, UpstreamUnavailable, TemporaryServiceError,
		ValidationError, ToolFailure, InvalidInput,
		ExecutionTimeout, ContextLengthExceeded, ContentPolicyViolation,
		BudgetExceeded, MaxRevisionsReached, DatabaseConnectionLost, OutOfMemory,
	}
}

// Valid reports whether t is a known failure type.
func (t FailureType) Valid() bool {
	_, ok := traits[t]
	return ok
}

// Family returns the handling family of t. Unknown types are task-level.
func (t FailureType) Family() Family {
	if tr, ok := traits[t]; ok {
		return tr.family
	}
	return FamilyTask
}

// Severity returns the fixed severity of t. Unknown types are medium.
func (t FailureType) Severity() Severity {
	if tr, ok := traits[t]; ok {
		return tr.severity
	}
	return SeverityMedium
}

// IsRetryable reports whether t can be retried automatically.
func (t FailureType) IsRetryable() bool {
	if tr, ok := traits[t]; ok {
		return tr.retryable
	}
	return true
}

// IsTerminal reports whether t fails the task without escalation by default.
func (t FailureType) IsTerminal() bool {
	return traits[t].terminal
}

// Breaker returns the name of the breaker t trips, or "".
func (t FailureType) Breaker() string {
	return traits[t].breaker
}

// Failure is a transient value describing one failed execution attempt.
// It implements error so step executors can return it directly.
type Failure struct {
	Type       FailureType
	Message    string
	Context    map[string]string
	RetryCount int
	// RetryAfter is the wait requested by the upstream for rate limits.
	RetryAfter time.Duration
	// Dependency names the breaker of the dependency that failed, if known.
	Dependency string
	Err        error
}

// NewFailure creates a failure of type t.
func NewFailure(t FailureType, format string, args ...any) *Failure {
	return &Failure{Type: t, Message: fmt.Sprintf(format, args...)}
}

func (f *Failure) Error() string {
	if f.Err != nil && f.Message == "" {
		return fmt.Sprintf("%s: %v", f.Type, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Severity returns the severity derived from the failure type.
func (f *Failure) Severity() Severity { return f.Type.Severity() }

// IsRetryable reports whether the failure type allows automatic retries.
func (f *Failure) IsRetryable() bool { return f.Type.IsRetryable() }

// WithContext returns f with key=value added to its context.
func (f *Failure) WithContext(key, value string) *Failure {
	if f.Context == nil {
		f.Context = make(map[string]string)
	}
	f.Context[key] = value
	return f
}

// Classify converts an arbitrary execution error into a Failure.
// Typed failures pass through unchanged.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		cp := *f
		return &cp
	}

	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Type: ExecutionTimeout, Message: err.Error(), Err: err}
	case errors.Is(err, ErrCircuitOpen):
		return &Failure{Type: UpstreamUnavailable, Message: err.Error(), Err: err}
	case errors.As(err, &ne) && ne.Timeout():
		return &Failure{Type: NetworkTimeout, Message: err.Error(), Err: err}
	default:
		return &Failure{Type: ToolFailure, Message: err.Error(), Err: err}
	}
}

// FailureRecord is the audit entry written for every failure before any decision.
type FailureRecord struct {
	ID         string
	TaskID     string
	Type       FailureType
	Severity   Severity
	Message    string
	Context    map[string]string
	RetryCount int
	CreatedAt  time.Time
}
