package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/strataga/ghostpirates/internal/resilience"
)

// newCommand creates an exec.Cmd in its own process group. Cancelling ctx
// kills the whole group, not just the immediate child.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// executeCommand writes stdin to the command and returns its stdout and stderr.
// Both pipes are drained concurrently before cmd.Wait so large outputs cannot
// fill a pipe buffer and deadlock the child. pm may be nil.
func executeCommand(cmd *exec.Cmd, stdin []byte, pm *ProcessManager) (stdout []byte, stderr []byte, err error) {
	cmd.Stdin = bytes.NewReader(stdin)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, bytes.TrimSpace(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}

	return stdout, stderr, nil
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Negative PID addresses the group
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	return nil
}

// ProcessManager tracks running step processes so shutdown can terminate them all.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after it exited.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

// processTask is the task view sent to a step process.
type processTask struct {
	ID                 string   `json:"id"`
	TeamID             string   `json:"team_id"`
	ParentID           string   `json:"parent_id,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	RequiredSkills     []string `json:"required_skills,omitempty"`
	Priority           int      `json:"priority"`
	RevisionCount      int      `json:"revision_count"`
}

// processRequest is written to the step process on stdin.
type processRequest struct {
	Task               processTask `json:"task"`
	WorkerID           string      `json:"worker_id"`
	Specialization     string      `json:"specialization"`
	Step               int         `json:"step"`
	Attempt            int         `json:"attempt"`
	AccumulatedContext string      `json:"accumulated_context"`
}

// processFailure lets a step process report a typed failure.
type processFailure struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	RetryAfter string `json:"retry_after,omitempty"`
}

// processResponse is read from the step process's stdout.
type processResponse struct {
	Output     string          `json:"output"`
	IsComplete bool            `json:"is_complete"`
	Failure    *processFailure `json:"failure,omitempty"`
}

// ProcessExecutor runs an external command for every step, exchanging JSON over stdin/stdout.
type ProcessExecutor struct {
	Command string
	Args    []string
	WorkDir string

	pm     *ProcessManager
	logger *zap.Logger
}

// NewProcessExecutor creates a process executor. pm may be shared between executors.
func NewProcessExecutor(command string, args []string, workDir string, pm *ProcessManager, logger *zap.Logger) *ProcessExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessExecutor{
		Command: command,
		Args:    args,
		WorkDir: workDir,
		pm:      pm,
		logger:  logger.Named("process-executor"),
	}
}

func (p *ProcessExecutor) ExecuteStep(ctx context.Context, req StepRequest) (StepResult, error) {
	payload := processRequest{
		Task: processTask{
			ID:                 req.Task.ID,
			TeamID:             req.Task.TeamID,
			ParentID:           req.Task.ParentID,
			Title:              req.Task.Title,
			Description:        req.Task.Description,
			AcceptanceCriteria: req.Task.AcceptanceCriteria,
			RequiredSkills:     req.Task.RequiredSkills,
			Priority:           req.Task.Priority,
			RevisionCount:      req.Task.RevisionCount,
		},
		Step:               req.Step,
		Attempt:            req.Attempt,
		AccumulatedContext: req.AccumulatedContext,
	}
	if req.Worker != nil {
		payload.WorkerID = req.Worker.ID
		payload.Specialization = req.Worker.Specialization.String()
	}

	stdin, err := json.Marshal(payload)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to marshal step request: %w", err)
	}

	cmd := newCommand(ctx, p.Command, p.Args...)
	if p.WorkDir != "" {
		cmd.Dir = p.WorkDir
	}

	start := time.Now()
	stdout, _, err := executeCommand(cmd, stdin, p.pm)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return StepResult{}, fmt.Errorf("step %d of task %s aborted: %w", req.Step, req.Task.ID, ctxErr)
	}
	if err != nil {
		return StepResult{}, resilience.NewFailure(resilience.ToolFailure, "step %d of task %s: %v", req.Step, req.Task.ID, err)
	}

	var resp processResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &resp); err != nil {
		return StepResult{}, resilience.NewFailure(resilience.InvalidInput, "step %d of task %s returned malformed output: %v", req.Step, req.Task.ID, err)
	}
	if resp.Failure != nil {
		return StepResult{}, resp.Failure.toFailure()
	}

	p.logger.Debug("step finished",
		zap.String("task_id", req.Task.ID),
		zap.Int("step", req.Step),
		zap.Bool("complete", resp.IsComplete),
		zap.Duration("elapsed", time.Since(start)))

	return StepResult{Output: resp.Output, IsComplete: resp.IsComplete}, nil
}

func (pf *processFailure) toFailure() *resilience.Failure {
	t := resilience.FailureType(pf.Type)
	if !t.Valid() {
		t = resilience.ToolFailure
	}
	f := &resilience.Failure{Type: t, Message: pf.Message}
	if pf.RetryAfter != "" {
		if d, err := time.ParseDuration(pf.RetryAfter); err == nil {
			f.RetryAfter = d
		}
	}
	return f
}
