package config

import "time"

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // ":memory:" keeps everything in process
}

// SupervisorConfig tunes the per-team scan loop and the execution units it dispatches.
type SupervisorConfig struct {
	IdleInterval          time.Duration `mapstructure:"idle_interval" yaml:"idle_interval"`                     // Rescan period when nothing signals a wake
	MaxParallelExecutions int           `mapstructure:"max_parallel_executions" yaml:"max_parallel_executions"` // Concurrent executions per team
	MaxSteps              int           `mapstructure:"max_steps" yaml:"max_steps"`                             // Runaway guard per attempt
	MaxRevisions          int           `mapstructure:"max_revisions" yaml:"max_revisions"`
	StepTimeout           time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"` // Zero disables the per-step deadline
}

// RetryConfig mirrors resilience.RetryConfig.
type RetryConfig struct {
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	FixedDelay       time.Duration `mapstructure:"fixed_delay" yaml:"fixed_delay"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	RateLimitDefault time.Duration `mapstructure:"rate_limit_default" yaml:"rate_limit_default"`
	EscalateTerminal bool          `mapstructure:"escalate_terminal" yaml:"escalate_terminal"` // Escalate budget/revision limits instead of failing
}

// BreakerConfig mirrors resilience.BreakerConfig.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold" yaml:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CheckpointConfig controls checkpoint retention.
type CheckpointConfig struct {
	Retention int `mapstructure:"retention" yaml:"retention"`
}

// EventsConfig configures the optional Redis forwarding of bus events.
type EventsConfig struct {
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"` // Empty disables forwarding
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password,omitempty"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
	RedisChannel  string `mapstructure:"redis_channel" yaml:"redis_channel,omitempty"`
	HistorySize   int64  `mapstructure:"history_size" yaml:"history_size"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr,omitempty"` // Empty disables the endpoint
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string   `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format      string   `mapstructure:"format" yaml:"format"` // json or console
	OutputPaths []string `mapstructure:"output_paths" yaml:"output_paths,omitempty"`
}

// ExecutorConfig binds a worker specialization to an external step command
// or, when Agent is set, to an agent CLI (claude, codex or goose).
type ExecutorConfig struct {
	Command      string   `mapstructure:"command" yaml:"command,omitempty"`
	Args         []string `mapstructure:"args" yaml:"args,omitempty"`
	WorkDir      string   `mapstructure:"work_dir" yaml:"work_dir,omitempty"`
	Agent        string   `mapstructure:"agent" yaml:"agent,omitempty"`
	Model        string   `mapstructure:"model" yaml:"model,omitempty"`
	Provider     string   `mapstructure:"provider" yaml:"provider,omitempty"` // goose only
	SystemPrompt string   `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Store      StoreConfig               `mapstructure:"store" yaml:"store"`
	Supervisor SupervisorConfig          `mapstructure:"supervisor" yaml:"supervisor"`
	Retry      RetryConfig               `mapstructure:"retry" yaml:"retry"`
	Breaker    BreakerConfig             `mapstructure:"breaker" yaml:"breaker"`
	Checkpoint CheckpointConfig          `mapstructure:"checkpoint" yaml:"checkpoint"`
	Events     EventsConfig              `mapstructure:"events" yaml:"events"`
	Metrics    MetricsConfig             `mapstructure:"metrics" yaml:"metrics"`
	Log        LogConfig                 `mapstructure:"log" yaml:"log"`
	Executors  map[string]ExecutorConfig `mapstructure:"executors" yaml:"executors,omitempty"` // Keyed by specialization name
}
