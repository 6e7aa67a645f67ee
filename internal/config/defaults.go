package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: ".ghostpirates/ghostpirates.db",
		},
		Supervisor: SupervisorConfig{
			IdleInterval:          30 * time.Second,
			MaxParallelExecutions: 4,
			MaxSteps:              50,
			MaxRevisions:          3,
		},
		Retry: RetryConfig{
			MaxRetries:       3,
			FixedDelay:       5 * time.Second,
			BackoffBase:      time.Second,
			BackoffMax:       60 * time.Second,
			RateLimitDefault: 60 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Retention: 20,
		},
		Events: EventsConfig{
			RedisPrefix: "ghostpirates:",
			HistorySize: 1000,
		},
		Metrics: MetricsConfig{
			Namespace: "ghostpirates",
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stderr"},
		},
		Executors: map[string]ExecutorConfig{},
	}
}

// setDefaults registers every default with v so environment overrides can
// find the keys.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("supervisor.idle_interval", d.Supervisor.IdleInterval)
	v.SetDefault("supervisor.max_parallel_executions", d.Supervisor.MaxParallelExecutions)
	v.SetDefault("supervisor.max_steps", d.Supervisor.MaxSteps)
	v.SetDefault("supervisor.max_revisions", d.Supervisor.MaxRevisions)
	v.SetDefault("supervisor.step_timeout", d.Supervisor.StepTimeout)

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.fixed_delay", d.Retry.FixedDelay)
	v.SetDefault("retry.backoff_base", d.Retry.BackoffBase)
	v.SetDefault("retry.backoff_max", d.Retry.BackoffMax)
	v.SetDefault("retry.rate_limit_default", d.Retry.RateLimitDefault)
	v.SetDefault("retry.escalate_terminal", d.Retry.EscalateTerminal)

	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.success_threshold", d.Breaker.SuccessThreshold)
	v.SetDefault("breaker.timeout", d.Breaker.Timeout)

	v.SetDefault("checkpoint.retention", d.Checkpoint.Retention)

	v.SetDefault("events.redis_addr", d.Events.RedisAddr)
	v.SetDefault("events.redis_password", d.Events.RedisPassword)
	v.SetDefault("events.redis_db", d.Events.RedisDB)
	v.SetDefault("events.redis_prefix", d.Events.RedisPrefix)
	v.SetDefault("events.redis_channel", d.Events.RedisChannel)
	v.SetDefault("events.history_size", d.Events.HistorySize)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output_paths", d.Log.OutputPaths)
}
