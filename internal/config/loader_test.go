package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		globalConfig  string
		projectConfig string
		check         func(t *testing.T, cfg *Config)
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Retry.MaxRetries != 3 {
					t.Errorf("Expected default max_retries 3, got %d", cfg.Retry.MaxRetries)
				}
				if cfg.Checkpoint.Retention != 20 {
					t.Errorf("Expected default retention 20, got %d", cfg.Checkpoint.Retention)
				}
				if cfg.Supervisor.IdleInterval != 30*time.Second {
					t.Errorf("Expected default idle interval 30s, got %s", cfg.Supervisor.IdleInterval)
				}
				if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.SuccessThreshold != 2 {
					t.Errorf("Unexpected breaker defaults: %+v", cfg.Breaker)
				}
				if cfg.Executors == nil {
					t.Error("Executors map should never be nil")
				}
			},
		},
		{
			name: "Global only - overrides retry ceiling",
			globalConfig: `
retry:
  max_retries: 5
  fixed_delay: 2s
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Retry.MaxRetries != 5 {
					t.Errorf("Expected max_retries 5, got %d", cfg.Retry.MaxRetries)
				}
				if cfg.Retry.FixedDelay != 2*time.Second {
					t.Errorf("Expected fixed_delay 2s, got %s", cfg.Retry.FixedDelay)
				}
				if cfg.Retry.BackoffMax != 60*time.Second {
					t.Errorf("Unset keys must keep defaults, got backoff_max %s", cfg.Retry.BackoffMax)
				}
			},
		},
		{
			name: "Project only - adds executor",
			projectConfig: `
executors:
  coder:
    command: ./bin/coder-step
    args: ["--json"]
`,
			check: func(t *testing.T, cfg *Config) {
				exec, ok := cfg.Executors["coder"]
				if !ok {
					t.Fatalf("Expected coder executor, got %v", cfg.Executors)
				}
				if exec.Command != "./bin/coder-step" || len(exec.Args) != 1 {
					t.Errorf("Unexpected executor: %+v", exec)
				}
			},
		},
		{
			name: "Project only - agent executor",
			projectConfig: `
executors:
  writer:
    agent: goose
    provider: ollama
    model: qwen3
`,
			check: func(t *testing.T, cfg *Config) {
				exec := cfg.Executors["writer"]
				if exec.Agent != "goose" || exec.Provider != "ollama" || exec.Model != "qwen3" {
					t.Errorf("Unexpected executor: %+v", exec)
				}
				if exec.Command != "" {
					t.Errorf("Agent executors need no command, got %q", exec.Command)
				}
			},
		},
		{
			name: "Project overrides global - project wins",
			globalConfig: `
checkpoint:
  retention: 10
log:
  level: debug
`,
			projectConfig: `
checkpoint:
  retention: 50
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Checkpoint.Retention != 50 {
					t.Errorf("Expected retention 50, got %d", cfg.Checkpoint.Retention)
				}
				if cfg.Log.Level != "debug" {
					t.Errorf("Expected global log level to survive, got %s", cfg.Log.Level)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			globalPath := filepath.Join(tmpDir, "global", "config.yaml")
			projectPath := filepath.Join(tmpDir, "project", "config.yaml")

			if tt.globalConfig != "" {
				writeFile(t, globalPath, tt.globalConfig)
			}
			if tt.projectConfig != "" {
				writeFile(t, projectPath, tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, path, "retry: [unclosed\n")

	if _, err := Load(path, ""); err == nil {
		t.Fatal("Expected error for malformed YAML")
	}
	if _, err := Load("", path); err == nil {
		t.Fatal("Expected error for malformed project YAML")
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, path, "retry:\n  max_retries: 5\n")

	t.Setenv("GHOSTPIRATES_RETRY_MAX_RETRIES", "7")
	t.Setenv("GHOSTPIRATES_STORE_PATH", ":memory:")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Retry.MaxRetries != 7 {
		t.Errorf("Expected env to win with 7, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Store.Path != ":memory:" {
		t.Errorf("Expected store path from env, got %s", cfg.Store.Path)
	}
}

func TestDefaultConfigMatchesLoad(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	d := DefaultConfig()
	if cfg.Supervisor != d.Supervisor || cfg.Retry != d.Retry || cfg.Breaker != d.Breaker {
		t.Errorf("Load without files diverges from DefaultConfig:\n%+v\n%+v", cfg, d)
	}
}
