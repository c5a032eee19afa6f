// Package core contains the business logic of Ralph: the activity
// classifier, the health engine, the session registry and run-loop, prompt
// building, PRD conversion and configuration.
package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/valter-silva-au/ralph/pkg/models"
	"gopkg.in/yaml.v3"
)

// Configuration file names.
const (
	GlobalConfigName  = ".ralphconfig"
	ProjectConfigName = ".ralphrc"
)

// ConfigurationManager defines the interface for loading, merging, and
// validating configuration from global (.ralphconfig) and per-project
// (.ralphrc) files.
type ConfigurationManager interface {
	LoadGlobalConfig() (*models.GlobalConfig, error)
	LoadProjectConfig(projectPath string) (*models.ProjectConfig, error)
	GetMergedConfig(projectPath string) (*models.MergedConfig, error)
	ValidateConfig(config interface{}) error
	// WriteDefaultGlobalConfig writes a .ralphconfig holding the defaults
	// unless one already exists. It returns the path and whether it wrote.
	WriteDefaultGlobalConfig() (string, bool, error)
}

// viperConfigManager implements ConfigurationManager using Viper for
// reading YAML configuration files.
type viperConfigManager struct {
	// basePath is the directory where .ralphconfig resides.
	basePath string
}

// NewConfigurationManager creates a new ConfigurationManager that reads
// configuration files relative to basePath.
func NewConfigurationManager(basePath string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath}
}

// DefaultGlobalConfig returns a GlobalConfig populated with the stock values.
func DefaultGlobalConfig() *models.GlobalConfig {
	gutter := DefaultGutterThresholds()
	return &models.GlobalConfig{
		Agent: models.AgentConfig{
			Command:      "cursor-agent",
			Timeout:      10 * time.Minute,
			SpawnRetries: 3,
			SpawnBackoff: 100 * time.Millisecond,
		},
		Session: models.DefaultSessionConfig(),
		Gutter: models.GutterConfig{
			FailCount:    gutter.FailCount,
			ThrashCount:  gutter.ThrashCount,
			ThrashWindow: gutter.ThrashWindow,
		},
		ServerAddr: "127.0.0.1:8420",
		LogLevel:   "info",
	}
}

func setGlobalDefaults(v *viper.Viper, cfg *models.GlobalConfig) {
	v.SetDefault("agent.command", cfg.Agent.Command)
	v.SetDefault("agent.timeout", cfg.Agent.Timeout)
	v.SetDefault("agent.spawn_retries", cfg.Agent.SpawnRetries)
	v.SetDefault("agent.spawn_backoff", cfg.Agent.SpawnBackoff)
	v.SetDefault("models.prd", cfg.Session.PrdModel)
	v.SetDefault("models.execution", cfg.Session.ExecutionModel)
	v.SetDefault("loop.max_iterations", cfg.Session.MaxIterations)
	v.SetDefault("loop.warn_threshold", cfg.Session.WarnThreshold)
	v.SetDefault("loop.rotate_threshold", cfg.Session.RotateThreshold)
	v.SetDefault("gutter.fail_count", cfg.Gutter.FailCount)
	v.SetDefault("gutter.thrash_count", cfg.Gutter.ThrashCount)
	v.SetDefault("gutter.thrash_window", cfg.Gutter.ThrashWindow)
	v.SetDefault("server.addr", cfg.ServerAddr)
	v.SetDefault("log.level", cfg.LogLevel)
	v.SetDefault("notifications.slack.webhook_url", "")
}

// LoadGlobalConfig reads the .ralphconfig file from the base path using
// Viper. RALPH_* environment variables override file values, e.g.
// RALPH_LOG_LEVEL for log.level. If the file does not exist, defaults (plus
// environment overrides) are returned.
func (cm *viperConfigManager) LoadGlobalConfig() (*models.GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	v := viper.New()
	v.SetConfigName(GlobalConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setGlobalDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading %s: %w", GlobalConfigName, err)
		}
	}

	cfg.Agent.Command = v.GetString("agent.command")
	cfg.Agent.Timeout = v.GetDuration("agent.timeout")
	cfg.Agent.SpawnRetries = v.GetInt("agent.spawn_retries")
	cfg.Agent.SpawnBackoff = v.GetDuration("agent.spawn_backoff")
	cfg.Session.PrdModel = v.GetString("models.prd")
	cfg.Session.ExecutionModel = v.GetString("models.execution")
	cfg.Session.MaxIterations = v.GetInt("loop.max_iterations")
	cfg.Session.WarnThreshold = v.GetInt("loop.warn_threshold")
	cfg.Session.RotateThreshold = v.GetInt("loop.rotate_threshold")
	cfg.Gutter.FailCount = v.GetInt("gutter.fail_count")
	cfg.Gutter.ThrashCount = v.GetInt("gutter.thrash_count")
	cfg.Gutter.ThrashWindow = v.GetDuration("gutter.thrash_window")
	cfg.ServerAddr = v.GetString("server.addr")
	cfg.LogLevel = v.GetString("log.level")
	cfg.SlackWebhookURL = v.GetString("notifications.slack.webhook_url")

	return cfg, nil
}

// LoadProjectConfig reads a .ralphrc file from the given project path.
// If the file does not exist, nil is returned (no project-specific config).
func (cm *viperConfigManager) LoadProjectConfig(projectPath string) (*models.ProjectConfig, error) {
	v := viper.New()
	v.SetConfigName(ProjectConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(projectPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s in %s: %w", ProjectConfigName, projectPath, err)
	}

	var pc models.ProjectConfig
	if err := v.Unmarshal(&pc); err != nil {
		return nil, fmt.Errorf("decoding %s in %s: %w", ProjectConfigName, projectPath, err)
	}
	return &pc, nil
}

// GetMergedConfig loads the global config and overlays any project-specific
// settings from .ralphrc. Precedence: .ralphrc > .ralphconfig > defaults.
func (cm *viperConfigManager) GetMergedConfig(projectPath string) (*models.MergedConfig, error) {
	globalCfg, err := cm.LoadGlobalConfig()
	if err != nil {
		return nil, fmt.Errorf("loading global config for merge: %w", err)
	}

	merged := &models.MergedConfig{
		GlobalConfig: *globalCfg,
	}

	if projectPath == "" {
		return merged, nil
	}

	projectCfg, err := cm.LoadProjectConfig(projectPath)
	if err != nil {
		return nil, fmt.Errorf("loading project config for merge: %w", err)
	}
	merged.Project = projectCfg

	return merged, nil
}

// ValidateConfig checks the provided configuration for invalid values and
// returns a clear error message identifying the problem.
// It accepts *GlobalConfig, *ProjectConfig, or *MergedConfig.
func (cm *viperConfigManager) ValidateConfig(config interface{}) error {
	if config == nil {
		return fmt.Errorf("configuration is nil")
	}

	switch cfg := config.(type) {
	case *models.GlobalConfig:
		return validateGlobalConfig(cfg)
	case *models.ProjectConfig:
		return validateProjectConfig(cfg)
	case *models.MergedConfig:
		if err := validateGlobalConfig(&cfg.GlobalConfig); err != nil {
			return err
		}
		if cfg.Project != nil {
			if err := validateProjectConfig(cfg.Project); err != nil {
				return err
			}
		}
		if err := cfg.SessionDefaults().Validate(); err != nil {
			return fmt.Errorf("merged config validation failed:\n  - %v", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported configuration type: %T", config)
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validateGlobalConfig checks a GlobalConfig for invalid field values.
func validateGlobalConfig(cfg *models.GlobalConfig) error {
	if cfg == nil {
		return fmt.Errorf("global configuration is nil")
	}

	var errs []string

	if strings.TrimSpace(cfg.Agent.Command) == "" {
		errs = append(errs, "agent.command must not be empty")
	}
	if cfg.Agent.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("agent.timeout must be positive, got %s", cfg.Agent.Timeout))
	}
	if cfg.Agent.SpawnRetries < 0 {
		errs = append(errs, fmt.Sprintf("agent.spawn_retries must be non-negative, got %d", cfg.Agent.SpawnRetries))
	}
	if cfg.Session.ExecutionModel == "" {
		errs = append(errs, "models.execution must not be empty")
	}
	if cfg.Session.MaxIterations <= 0 {
		errs = append(errs, fmt.Sprintf("loop.max_iterations must be positive, got %d", cfg.Session.MaxIterations))
	}
	if cfg.Session.WarnThreshold <= 0 {
		errs = append(errs, fmt.Sprintf("loop.warn_threshold must be positive, got %d", cfg.Session.WarnThreshold))
	}
	if cfg.Session.WarnThreshold >= cfg.Session.RotateThreshold {
		errs = append(errs, fmt.Sprintf(
			"loop.warn_threshold (%d) must be less than loop.rotate_threshold (%d)",
			cfg.Session.WarnThreshold, cfg.Session.RotateThreshold,
		))
	}
	if cfg.Gutter.FailCount <= 0 {
		errs = append(errs, fmt.Sprintf("gutter.fail_count must be positive, got %d", cfg.Gutter.FailCount))
	}
	if cfg.Gutter.ThrashCount <= 0 {
		errs = append(errs, fmt.Sprintf("gutter.thrash_count must be positive, got %d", cfg.Gutter.ThrashCount))
	}
	if cfg.Gutter.ThrashWindow <= 0 {
		errs = append(errs, fmt.Sprintf("gutter.thrash_window must be positive, got %s", cfg.Gutter.ThrashWindow))
	}
	if cfg.LogLevel != "" && !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, fmt.Sprintf("log.level %q is invalid, must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("global config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateProjectConfig checks a ProjectConfig for invalid field values.
// Zero values mean "not overridden" and are accepted.
func validateProjectConfig(cfg *models.ProjectConfig) error {
	if cfg == nil {
		return fmt.Errorf("project configuration is nil")
	}

	var errs []string

	if cfg.MaxIterations < 0 {
		errs = append(errs, fmt.Sprintf("max_iterations must be non-negative, got %d", cfg.MaxIterations))
	}
	if cfg.WarnThreshold < 0 {
		errs = append(errs, fmt.Sprintf("warn_threshold must be non-negative, got %d", cfg.WarnThreshold))
	}
	if cfg.RotateThreshold < 0 {
		errs = append(errs, fmt.Sprintf("rotate_threshold must be non-negative, got %d", cfg.RotateThreshold))
	}
	if cfg.WarnThreshold > 0 && cfg.RotateThreshold > 0 && cfg.WarnThreshold >= cfg.RotateThreshold {
		errs = append(errs, fmt.Sprintf(
			"warn_threshold (%d) must be less than rotate_threshold (%d)",
			cfg.WarnThreshold, cfg.RotateThreshold,
		))
	}
	if strings.ContainsAny(cfg.BranchName, " ~^:?*[\\") {
		errs = append(errs, fmt.Sprintf("branch_name %q is not a valid git branch name", cfg.BranchName))
	}

	if len(errs) > 0 {
		return fmt.Errorf("project config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// configFile is the on-disk layout of .ralphconfig.
type configFile struct {
	Agent struct {
		Command      string `yaml:"command"`
		Timeout      string `yaml:"timeout"`
		SpawnRetries int    `yaml:"spawn_retries"`
		SpawnBackoff string `yaml:"spawn_backoff"`
	} `yaml:"agent"`
	Models struct {
		Prd       string `yaml:"prd"`
		Execution string `yaml:"execution"`
	} `yaml:"models"`
	Loop struct {
		MaxIterations   int `yaml:"max_iterations"`
		WarnThreshold   int `yaml:"warn_threshold"`
		RotateThreshold int `yaml:"rotate_threshold"`
	} `yaml:"loop"`
	Gutter struct {
		FailCount    int    `yaml:"fail_count"`
		ThrashCount  int    `yaml:"thrash_count"`
		ThrashWindow string `yaml:"thrash_window"`
	} `yaml:"gutter"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Notifications struct {
		Slack struct {
			WebhookURL string `yaml:"webhook_url"`
		} `yaml:"slack"`
	} `yaml:"notifications"`
}

func toConfigFile(cfg *models.GlobalConfig) configFile {
	var f configFile
	f.Agent.Command = cfg.Agent.Command
	f.Agent.Timeout = cfg.Agent.Timeout.String()
	f.Agent.SpawnRetries = cfg.Agent.SpawnRetries
	f.Agent.SpawnBackoff = cfg.Agent.SpawnBackoff.String()
	f.Models.Prd = cfg.Session.PrdModel
	f.Models.Execution = cfg.Session.ExecutionModel
	f.Loop.MaxIterations = cfg.Session.MaxIterations
	f.Loop.WarnThreshold = cfg.Session.WarnThreshold
	f.Loop.RotateThreshold = cfg.Session.RotateThreshold
	f.Gutter.FailCount = cfg.Gutter.FailCount
	f.Gutter.ThrashCount = cfg.Gutter.ThrashCount
	f.Gutter.ThrashWindow = cfg.Gutter.ThrashWindow.String()
	f.Server.Addr = cfg.ServerAddr
	f.Log.Level = cfg.LogLevel
	f.Notifications.Slack.WebhookURL = cfg.SlackWebhookURL
	return f
}

func (cm *viperConfigManager) WriteDefaultGlobalConfig() (string, bool, error) {
	path := filepath.Join(cm.basePath, GlobalConfigName)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}

	data, err := yaml.Marshal(toConfigFile(DefaultGlobalConfig()))
	if err != nil {
		return "", false, fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.MkdirAll(cm.basePath, 0o755); err != nil {
		return "", false, fmt.Errorf("creating %s: %w", cm.basePath, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", false, fmt.Errorf("writing %s: %w", path, err)
	}
	return path, true, nil
}
