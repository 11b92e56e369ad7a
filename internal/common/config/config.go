// Package config provides configuration management for the studio orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds SQLite database configuration.
type DatabaseConfig struct {
	// Path to the SQLite database file. Empty means
	// <project>/.opencode-studio/studio.db.
	Path string `mapstructure:"path"`
}

// AgentConfig holds agent runtime connection configuration.
type AgentConfig struct {
	// BaseURL is the HTTP endpoint of the local agent runtime.
	BaseURL string `mapstructure:"baseUrl"`

	// Model is the model identifier passed with every prompt.
	Model string `mapstructure:"model"`

	// McpTimeout is the timeout for MCP add/connect/disconnect calls, in seconds.
	McpTimeout int `mapstructure:"mcpTimeout"`

	// FindingsPort is the port the embedded findings MCP server listens on.
	FindingsPort int `mapstructure:"findingsPort"`
}

// ExecutorConfig holds phase execution configuration.
type ExecutorConfig struct {
	// MaxReviewIterations bounds the review/fix loop before escalating to
	// human review.
	MaxReviewIterations int `mapstructure:"maxReviewIterations"`

	// RequirePlanApproval gates planning_review -> in_progress on a manual
	// transition when true.
	RequirePlanApproval bool `mapstructure:"requirePlanApproval"`

	// ImplementationPhases splits implementation into N sequential sub-phases.
	// 1 means single-shot implementation.
	ImplementationPhases int `mapstructure:"implementationPhases"`
}

// WorkspaceConfig holds per-task workspace configuration.
type WorkspaceConfig struct {
	// BaseDir is the directory where task workspaces are created.
	// Empty means <repo>/../.workspaces.
	BaseDir string `mapstructure:"baseDir"`

	// VCS selects the backend: git or jj.
	VCS string `mapstructure:"vcs"`

	// CopyFiles are project-relative files copied into each new workspace
	// (e.g. .env files the VCS does not track).
	CopyFiles []string `mapstructure:"copyFiles"`

	// SymlinkDirs are project-relative directories symlinked into each new
	// workspace instead of being rebuilt (e.g. node_modules, target).
	SymlinkDirs []string `mapstructure:"symlinkDirs"`

	// InitHook is a shell command run inside a freshly created workspace.
	InitHook string `mapstructure:"initHook"`

	// CleanupHook is a shell command run before a workspace is removed.
	CleanupHook string `mapstructure:"cleanupHook"`
}

// NATSConfig holds the optional NATS event mirror configuration.
// An empty URL disables the mirror.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// McpTimeoutDuration returns the MCP operation timeout as a time.Duration.
func (a *AgentConfig) McpTimeoutDuration() time.Duration {
	return time.Duration(a.McpTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("STUDIO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty path means project-local studio.db
	v.SetDefault("database.path", "")

	// Agent runtime defaults
	v.SetDefault("agent.baseUrl", "http://localhost:4096")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.mcpTimeout", 10)
	v.SetDefault("agent.findingsPort", 9460)

	// Executor defaults
	v.SetDefault("executor.maxReviewIterations", 3)
	v.SetDefault("executor.requirePlanApproval", true)
	v.SetDefault("executor.implementationPhases", 1)

	// Workspace defaults
	v.SetDefault("workspace.baseDir", "")
	v.SetDefault("workspace.vcs", "git")
	v.SetDefault("workspace.copyFiles", []string{})
	v.SetDefault("workspace.symlinkDirs", []string{})
	v.SetDefault("workspace.initHook", "")
	v.SetDefault("workspace.cleanupHook", "")

	// NATS defaults - empty URL means no mirror
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "studio")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix STUDIO_ with snake_case naming.
// The config file is config.yaml in <project>/.opencode-studio/ or the cwd.
func Load(projectDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("STUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if projectDir != "" {
		v.AddConfigPath(filepath.Join(projectDir, ".opencode-studio"))
	}
	v.AddConfigPath(".")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.BaseURL == "" {
		errs = append(errs, "agent.baseUrl is required")
	}
	if cfg.Agent.McpTimeout <= 0 {
		errs = append(errs, "agent.mcpTimeout must be positive")
	}

	if cfg.Executor.MaxReviewIterations <= 0 {
		errs = append(errs, "executor.maxReviewIterations must be positive")
	}
	if cfg.Executor.ImplementationPhases <= 0 {
		errs = append(errs, "executor.implementationPhases must be positive")
	}

	switch cfg.Workspace.VCS {
	case "git", "jj":
	default:
		errs = append(errs, "workspace.vcs must be one of: git, jj")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
