package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/valter-silva-au/ralph/pkg/models"
)

// --- Helper ---

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// --- LoadGlobalConfig tests ---

func TestLoadGlobalConfig_Defaults_WhenNoFile(t *testing.T) {
	dir := t.TempDir()
	cm := NewConfigurationManager(dir)

	cfg, err := cm.LoadGlobalConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Agent.Command != "cursor-agent" {
		t.Errorf("Agent.Command = %q, want %q", cfg.Agent.Command, "cursor-agent")
	}
	if cfg.Agent.Timeout != 10*time.Minute {
		t.Errorf("Agent.Timeout = %s, want 10m", cfg.Agent.Timeout)
	}
	if cfg.Session.ExecutionModel != "opus-4.5-thinking" {
		t.Errorf("ExecutionModel = %q, want %q", cfg.Session.ExecutionModel, "opus-4.5-thinking")
	}
	if cfg.Session.PrdModel != "sonnet-4.5-thinking" {
		t.Errorf("PrdModel = %q, want %q", cfg.Session.PrdModel, "sonnet-4.5-thinking")
	}
	if cfg.Session.MaxIterations != 20 {
		t.Errorf("MaxIterations = %d, want 20", cfg.Session.MaxIterations)
	}
	if cfg.Session.WarnThreshold != 70000 || cfg.Session.RotateThreshold != 80000 {
		t.Errorf("thresholds = %d/%d, want 70000/80000", cfg.Session.WarnThreshold, cfg.Session.RotateThreshold)
	}
	if cfg.Gutter.FailCount != 3 || cfg.Gutter.ThrashCount != 5 || cfg.Gutter.ThrashWindow != 10*time.Minute {
		t.Errorf("Gutter = %+v, want 3/5/10m", cfg.Gutter)
	}
	if cfg.ServerAddr != "127.0.0.1:8420" {
		t.Errorf("ServerAddr = %q", cfg.ServerAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadGlobalConfig_ReadsRalphconfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".ralphconfig.yaml", `
agent:
  command: /usr/local/bin/agent
  timeout: 2m
  spawn_retries: 1
models:
  execution: sonnet-4.5
loop:
  max_iterations: 7
  warn_threshold: 1000
  rotate_threshold: 2000
gutter:
  fail_count: 4
  thrash_window: 30s
server:
  addr: ":9000"
notifications:
  slack:
    webhook_url: https://hooks.example.com/x
`)

	cm := NewConfigurationManager(dir)
	cfg, err := cm.LoadGlobalConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Agent.Command != "/usr/local/bin/agent" {
		t.Errorf("Agent.Command = %q", cfg.Agent.Command)
	}
	if cfg.Agent.Timeout != 2*time.Minute {
		t.Errorf("Agent.Timeout = %s, want 2m", cfg.Agent.Timeout)
	}
	if cfg.Agent.SpawnRetries != 1 {
		t.Errorf("SpawnRetries = %d, want 1", cfg.Agent.SpawnRetries)
	}
	if cfg.Session.ExecutionModel != "sonnet-4.5" {
		t.Errorf("ExecutionModel = %q", cfg.Session.ExecutionModel)
	}
	// Unset keys keep their defaults.
	if cfg.Session.PrdModel != "sonnet-4.5-thinking" {
		t.Errorf("PrdModel = %q, want default", cfg.Session.PrdModel)
	}
	if cfg.Session.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d, want 7", cfg.Session.MaxIterations)
	}
	if cfg.Session.WarnThreshold != 1000 || cfg.Session.RotateThreshold != 2000 {
		t.Errorf("thresholds = %d/%d", cfg.Session.WarnThreshold, cfg.Session.RotateThreshold)
	}
	if cfg.Gutter.FailCount != 4 || cfg.Gutter.ThrashCount != 5 || cfg.Gutter.ThrashWindow != 30*time.Second {
		t.Errorf("Gutter = %+v", cfg.Gutter)
	}
	if cfg.ServerAddr != ":9000" {
		t.Errorf("ServerAddr = %q", cfg.ServerAddr)
	}
	if cfg.SlackWebhookURL != "https://hooks.example.com/x" {
		t.Errorf("SlackWebhookURL = %q", cfg.SlackWebhookURL)
	}
}

func TestLoadGlobalConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RALPH_LOG_LEVEL", "debug")

	cfg, err := NewConfigurationManager(dir).LoadGlobalConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadGlobalConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".ralphconfig.yaml", "agent: [unclosed\n")

	_, err := NewConfigurationManager(dir).LoadGlobalConfig()
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

// --- LoadProjectConfig tests ---

func TestLoadProjectConfig_MissingFile(t *testing.T) {
	cfg, err := NewConfigurationManager(t.TempDir()).LoadProjectConfig(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil config, got %+v", cfg)
	}
}

func TestLoadProjectConfig_ReadsRalphrc(t *testing.T) {
	repo := t.TempDir()
	writeFile(t, repo, ".ralphrc.yaml", `
execution_model: gpt-5
max_iterations: 3
branch_name: ralph/feature
open_pr: true
`)

	cfg, err := NewConfigurationManager(t.TempDir()).LoadProjectConfig(repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config")
	}
	if cfg.ExecutionModel != "gpt-5" || cfg.MaxIterations != 3 || cfg.BranchName != "ralph/feature" || !cfg.OpenPR {
		t.Errorf("unexpected project config: %+v", cfg)
	}
}

// --- GetMergedConfig tests ---

func TestGetMergedConfig_ProjectOverridesGlobal(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, ".ralphconfig.yaml", "loop:\n  max_iterations: 9\n")
	repo := t.TempDir()
	writeFile(t, repo, ".ralphrc.yaml", "max_iterations: 4\nprd_model: haiku\n")

	merged, err := NewConfigurationManager(base).GetMergedConfig(repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.Session.MaxIterations != 9 {
		t.Errorf("global MaxIterations = %d, want 9", merged.Session.MaxIterations)
	}
	defaults := merged.SessionDefaults()
	if defaults.MaxIterations != 4 {
		t.Errorf("merged MaxIterations = %d, want 4", defaults.MaxIterations)
	}
	if defaults.PrdModel != "haiku" {
		t.Errorf("merged PrdModel = %q, want haiku", defaults.PrdModel)
	}
	if defaults.ExecutionModel != "opus-4.5-thinking" {
		t.Errorf("merged ExecutionModel = %q, want default", defaults.ExecutionModel)
	}
}

func TestGetMergedConfig_NoProjectPath(t *testing.T) {
	merged, err := NewConfigurationManager(t.TempDir()).GetMergedConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.Project != nil {
		t.Errorf("expected no project config, got %+v", merged.Project)
	}
}

// --- ValidateConfig tests ---

func TestValidateConfig_DefaultsAreValid(t *testing.T) {
	cm := NewConfigurationManager(t.TempDir())
	if err := cm.ValidateConfig(DefaultGlobalConfig()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateConfig_GlobalErrors(t *testing.T) {
	cm := NewConfigurationManager(t.TempDir())
	cfg := DefaultGlobalConfig()
	cfg.Agent.Command = " "
	cfg.Session.WarnThreshold = 90000
	cfg.Gutter.FailCount = 0
	cfg.LogLevel = "verbose"

	err := cm.ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"agent.command", "loop.warn_threshold (90000)", "gutter.fail_count", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
}

func TestValidateConfig_ProjectErrors(t *testing.T) {
	cm := NewConfigurationManager(t.TempDir())
	tests := []struct {
		name string
		cfg  *models.ProjectConfig
		want string
	}{
		{"negative iterations", &models.ProjectConfig{MaxIterations: -1}, "max_iterations"},
		{"inverted thresholds", &models.ProjectConfig{WarnThreshold: 10, RotateThreshold: 5}, "warn_threshold (10)"},
		{"bad branch", &models.ProjectConfig{BranchName: "ralph/my feature"}, "branch_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cm.ValidateConfig(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ValidateConfig() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestValidateConfig_MergedOverrideBreaksOrdering(t *testing.T) {
	cm := NewConfigurationManager(t.TempDir())
	merged := &models.MergedConfig{
		GlobalConfig: *DefaultGlobalConfig(),
		Project:      &models.ProjectConfig{WarnThreshold: 85000},
	}
	if err := cm.ValidateConfig(merged); err == nil {
		t.Fatal("expected merged validation error")
	}
}

func TestValidateConfig_NilAndUnsupported(t *testing.T) {
	cm := NewConfigurationManager(t.TempDir())
	if err := cm.ValidateConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if err := cm.ValidateConfig("nope"); err == nil {
		t.Error("expected error for unsupported type")
	}
}

// --- WriteDefaultGlobalConfig tests ---

func TestWriteDefaultGlobalConfig_RoundTripsThroughLoader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "home")
	cm := NewConfigurationManager(dir)

	path, created, err := cm.WriteDefaultGlobalConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected file to be created")
	}
	if filepath.Base(path) != GlobalConfigName {
		t.Errorf("path = %q", path)
	}

	cfg, err := cm.LoadGlobalConfig()
	if err != nil {
		t.Fatalf("loading written config: %v", err)
	}
	want := DefaultGlobalConfig()
	if cfg.Agent != want.Agent || cfg.Session != want.Session || cfg.Gutter != want.Gutter {
		t.Errorf("loaded config %+v differs from defaults %+v", cfg, want)
	}

	_, created, err = cm.WriteDefaultGlobalConfig()
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if created {
		t.Error("existing config must not be overwritten")
	}
}
