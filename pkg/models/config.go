package models

import "time"

// AgentConfig describes how the coding-agent CLI is invoked.
type AgentConfig struct {
	Command      string        `yaml:"command" mapstructure:"command"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	SpawnRetries int           `yaml:"spawn_retries" mapstructure:"spawn_retries"`
	SpawnBackoff time.Duration `yaml:"spawn_backoff" mapstructure:"spawn_backoff"`
}

// GutterConfig holds the stuck-state detection thresholds.
type GutterConfig struct {
	FailCount    int           `yaml:"fail_count" mapstructure:"fail_count"`
	ThrashCount  int           `yaml:"thrash_count" mapstructure:"thrash_count"`
	ThrashWindow time.Duration `yaml:"thrash_window" mapstructure:"thrash_window"`
}

// GlobalConfig holds system-wide settings read from .ralphconfig via Viper.
type GlobalConfig struct {
	Agent           AgentConfig   `yaml:"agent" mapstructure:"agent"`
	Session         SessionConfig `yaml:"session" mapstructure:"session"`
	Gutter          GutterConfig  `yaml:"gutter" mapstructure:"gutter"`
	ServerAddr      string        `yaml:"server_addr" mapstructure:"server_addr"`
	LogLevel        string        `yaml:"log_level" mapstructure:"log_level"`
	SlackWebhookURL string        `yaml:"slack_webhook_url,omitempty" mapstructure:"slack_webhook_url"`
}

// ProjectConfig holds per-repository overrides read from .ralphrc.
type ProjectConfig struct {
	ExecutionModel  string `yaml:"execution_model,omitempty" mapstructure:"execution_model"`
	PrdModel        string `yaml:"prd_model,omitempty" mapstructure:"prd_model"`
	MaxIterations   int    `yaml:"max_iterations,omitempty" mapstructure:"max_iterations"`
	WarnThreshold   int    `yaml:"warn_threshold,omitempty" mapstructure:"warn_threshold"`
	RotateThreshold int    `yaml:"rotate_threshold,omitempty" mapstructure:"rotate_threshold"`
	BranchName      string `yaml:"branch_name,omitempty" mapstructure:"branch_name"`
	OpenPR          bool   `yaml:"open_pr,omitempty" mapstructure:"open_pr"`
}

// MergedConfig combines global and project configuration, with project
// settings taking precedence.
type MergedConfig struct {
	GlobalConfig `yaml:",inline" mapstructure:",squash"`
	Project      *ProjectConfig `yaml:"project,omitempty" mapstructure:"project"`
}

// SessionDefaults returns the SessionConfig a new session in this project
// starts from.
func (m MergedConfig) SessionDefaults() SessionConfig {
	cfg := m.Session
	if m.Project == nil {
		return cfg
	}
	p := m.Project
	if p.ExecutionModel != "" {
		cfg.ExecutionModel = p.ExecutionModel
	}
	if p.PrdModel != "" {
		cfg.PrdModel = p.PrdModel
	}
	if p.MaxIterations > 0 {
		cfg.MaxIterations = p.MaxIterations
	}
	if p.WarnThreshold > 0 {
		cfg.WarnThreshold = p.WarnThreshold
	}
	if p.RotateThreshold > 0 {
		cfg.RotateThreshold = p.RotateThreshold
	}
	if p.BranchName != "" {
		cfg.BranchName = p.BranchName
	}
	if p.OpenPR {
		cfg.OpenPR = true
	}
	return cfg
}
