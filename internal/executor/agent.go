package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strataga/ghostpirates/internal/resilience"
)

// Agent CLIs an AgentExecutor can drive.
const (
	AgentClaude = "claude"
	AgentCodex  = "codex"
	AgentGoose  = "goose"
)

// CompletionMarker is the line an agent ends its reply with once the task's
// acceptance criteria are met.
const CompletionMarker = "TASK COMPLETE"

// AgentConfig configures an agent CLI executor.
type AgentConfig struct {
	Kind         string // claude, codex or goose
	Command      string // Binary to run; defaults to Kind
	WorkDir      string
	Model        string
	Provider     string // goose only, e.g. "ollama"
	SystemPrompt string
}

// AgentExecutor runs every step as a one-shot agent CLI invocation. The
// accumulated context travels in the prompt, so no CLI session is kept
// between steps and a retried step needs nothing but its checkpoint.
type AgentExecutor struct {
	cfg    AgentConfig
	pm     *ProcessManager
	logger *zap.Logger
}

// NewAgentExecutor creates an agent executor. pm may be nil.
func NewAgentExecutor(cfg AgentConfig, pm *ProcessManager, logger *zap.Logger) (*AgentExecutor, error) {
	switch cfg.Kind {
	case AgentClaude, AgentCodex, AgentGoose:
	default:
		return nil, fmt.Errorf("unknown agent %q", cfg.Kind)
	}
	if cfg.Command == "" {
		cfg.Command = cfg.Kind
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentExecutor{
		cfg:    cfg,
		pm:     pm,
		logger: logger.Named("agent-executor").With(zap.String("agent", cfg.Kind)),
	}, nil
}

func (a *AgentExecutor) ExecuteStep(ctx context.Context, req StepRequest) (StepResult, error) {
	prompt := BuildPrompt(req)

	cmd := newCommand(ctx, a.cfg.Command, a.buildArgs(prompt, req)...)
	if a.cfg.WorkDir != "" {
		cmd.Dir = a.cfg.WorkDir
	}

	start := time.Now()
	stdout, stderr, err := executeCommand(cmd, nil, a.pm)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return StepResult{}, fmt.Errorf("step %d of task %s aborted: %w", req.Step, req.Task.ID, ctxErr)
	}
	if err != nil {
		return StepResult{}, classifyAgentError(req, err, stderr)
	}

	content, err := a.parse(stdout)
	if err != nil {
		return StepResult{}, resilience.NewFailure(resilience.InvalidInput,
			"step %d of task %s: %s returned unreadable output: %v", req.Step, req.Task.ID, a.cfg.Kind, err)
	}

	output, complete := splitCompletion(content)
	a.logger.Debug("step finished",
		zap.String("task_id", req.Task.ID),
		zap.Int("step", req.Step),
		zap.Bool("complete", complete),
		zap.Duration("elapsed", time.Since(start)))

	return StepResult{Output: output, IsComplete: complete}, nil
}

// buildArgs returns the CLI arguments for one non-interactive invocation.
func (a *AgentExecutor) buildArgs(prompt string, req StepRequest) []string {
	var args []string
	switch a.cfg.Kind {
	case AgentClaude:
		args = []string{"-p", prompt, "--output-format", "json"}
		if a.cfg.SystemPrompt != "" {
			args = append(args, "--system-prompt", a.cfg.SystemPrompt)
		}
	case AgentCodex:
		args = []string{"exec", prompt, "--json"}
	case AgentGoose:
		name := fmt.Sprintf("ghostpirates-%s-%d", req.Task.ID, req.Step)
		args = []string{"run", "--text", prompt, "--output-format", "json", "--name", name}
		if a.cfg.Provider != "" {
			args = append(args, "--provider", a.cfg.Provider)
		}
		if a.cfg.SystemPrompt != "" {
			args = append(args, "--system", a.cfg.SystemPrompt)
		}
	}
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	return args
}

func (a *AgentExecutor) parse(stdout []byte) (string, error) {
	switch a.cfg.Kind {
	case AgentClaude:
		return parseClaudeOutput(stdout)
	case AgentCodex:
		return parseCodexEvents(stdout)
	default:
		return parseGooseOutput(stdout)
	}
}

// BuildPrompt renders the step request as an agent prompt.
func BuildPrompt(req StepRequest) string {
	var b strings.Builder
	if req.Worker != nil {
		fmt.Fprintf(&b, "You are the %s on a team of AI workers.\n\n", req.Worker.Specialization)
	}
	fmt.Fprintf(&b, "Task: %s\n", req.Task.Title)
	if req.Task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", req.Task.Description)
	}
	if req.Task.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "\nAcceptance criteria:\n%s\n", req.Task.AcceptanceCriteria)
	}
	if len(req.Task.RequiredSkills) > 0 {
		fmt.Fprintf(&b, "\nSkills: %s\n", strings.Join(req.Task.RequiredSkills, ", "))
	}
	if req.Task.RevisionCount > 0 {
		fmt.Fprintf(&b, "\nThis is revision %d. A reviewer asked for changes to the earlier result.\n", req.Task.RevisionCount)
	}

	fmt.Fprintf(&b, "\nThis is step %d.", req.Step)
	if req.AccumulatedContext != "" {
		fmt.Fprintf(&b, " Work so far:\n\n%s\n", req.AccumulatedContext)
	} else {
		b.WriteString(" Nothing has been produced yet.\n")
	}
	fmt.Fprintf(&b, "\nProduce the next step only. When the acceptance criteria are met, end your reply with a line containing only %s.\n", CompletionMarker)
	return b.String()
}

// splitCompletion strips a trailing completion marker from an agent reply.
func splitCompletion(content string) (string, bool) {
	trimmed := strings.TrimRight(content, " \t\r\n")
	idx := strings.LastIndex(trimmed, "\n")
	last := strings.TrimSpace(trimmed[idx+1:])
	if last != CompletionMarker {
		return trimmed, false
	}
	if idx < 0 {
		return "", true
	}
	return strings.TrimRight(trimmed[:idx], " \t\r\n"), true
}

// classifyAgentError maps a failed CLI run to a failure type from its stderr.
func classifyAgentError(req StepRequest, err error, stderr []byte) *resilience.Failure {
	msg := strings.ToLower(string(stderr))
	typ := resilience.ToolFailure
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		typ = resilience.RateLimited
	case strings.Contains(msg, "context length"), strings.Contains(msg, "prompt is too long"):
		typ = resilience.ContextLengthExceeded
	case strings.Contains(msg, "overloaded"), strings.Contains(msg, "503"):
		typ = resilience.UpstreamUnavailable
	}
	f := resilience.NewFailure(typ, "step %d of task %s: %v", req.Step, req.Task.ID, err)
	f.Err = err
	return f
}

// claudeOutput is the JSON printed by `claude -p --output-format json`.
// Older releases nest the reply in a content array.
type claudeOutput struct {
	IsError bool            `json:"is_error"`
	Result  json.RawMessage `json:"result"`
}

func parseClaudeOutput(data []byte) (string, error) {
	var out claudeOutput
	if err := json.Unmarshal(bytes.TrimSpace(data), &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var text string
	if err := json.Unmarshal(out.Result, &text); err != nil {
		var nested struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(out.Result, &nested); err != nil {
			return "", fmt.Errorf("unexpected result shape: %w", err)
		}
		for _, item := range nested.Content {
			if item.Type == "text" {
				text += item.Text
			}
		}
	}
	if out.IsError {
		return "", fmt.Errorf("agent reported an error: %s", text)
	}
	return text, nil
}

// parseCodexEvents reads the newline-delimited event stream of `codex exec --json`
// and returns the content of the last completed turn.
func parseCodexEvents(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var content string
	seen := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var evt struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(line, &evt); err != nil {
			return "", fmt.Errorf("failed to parse event: %w", err)
		}
		if evt.Type == "TurnCompleted" {
			content = evt.Content
			seen = true
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading events: %w", err)
	}
	if !seen {
		return "", fmt.Errorf("no completed turn in output")
	}
	return content, nil
}

// parseGooseOutput accepts a single JSON object or JSON lines, each with a content field.
func parseGooseOutput(data []byte) (string, error) {
	var single struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &single); err == nil {
		return single.Content, nil
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var part struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &part); err == nil && part.Content != "" {
			contents = append(contents, part.Content)
		}
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("no content in output")
	}
	return strings.Join(contents, "\n"), nil
}
