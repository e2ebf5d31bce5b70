// Package config provides configuration management for ccswarm.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

// Config holds all configuration sections for ccswarm.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Sessions SessionsConfig       `mapstructure:"sessions"`
	NATS     NATSConfig           `mapstructure:"nats"`
	Docker   DockerConfig         `mapstructure:"docker"`
	Master   MasterConfig         `mapstructure:"master"`
	Approval ApprovalConfig       `mapstructure:"approval"`
	Tracing  TracingConfig        `mapstructure:"tracing"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// SessionsConfig holds session manager configuration.
type SessionsConfig struct {
	// StateDir is where the session registry and trace archives are persisted as JSON.
	StateDir string `mapstructure:"stateDir"`

	// OutputBufferSize caps each session's output ring buffer, in bytes.
	OutputBufferSize int `mapstructure:"outputBufferSize"`

	// CommandWaitMs is how long execute_command waits before reading output.
	CommandWaitMs int `mapstructure:"commandWaitMs"`

	// AllowHeadlessFallback retries session spawn in headless mode when
	// PTY allocation fails.
	AllowHeadlessFallback bool `mapstructure:"allowHeadlessFallback"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory coordination bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for container-isolated sessions.
type DockerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	APIVersion   string `mapstructure:"apiVersion"`
	DefaultImage string `mapstructure:"defaultImage"`
}

// MasterConfig holds the proactive master's configuration.
type MasterConfig struct {
	// ProactiveFrequency is the analysis cadence in seconds.
	ProactiveFrequency int `mapstructure:"proactiveFrequency"`

	// HighFrequency is the cadence used while the system is under stress.
	HighFrequency int `mapstructure:"highFrequency"`

	MaxRetries    int `mapstructure:"maxRetries"`
	RetryDelayMs  int `mapstructure:"retryDelayMs"`
	MaxConcurrent int `mapstructure:"maxConcurrent"`
	QueueSize     int `mapstructure:"queueSize"`
}

// ApprovalConfig holds HITL approval configuration.
type ApprovalConfig struct {
	DefaultTimeoutSecs    int  `mapstructure:"defaultTimeoutSecs"`
	HistoryRetentionHours int  `mapstructure:"historyRetentionHours"`
	AutoApproveLowRisk    bool `mapstructure:"autoApproveLowRisk"`
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	// OTLPEndpoint mirrors collector spans to an OpenTelemetry endpoint when set.
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CommandWait returns the post-command wait as a time.Duration.
func (s *SessionsConfig) CommandWait() time.Duration {
	return time.Duration(s.CommandWaitMs) * time.Millisecond
}

// ProactiveInterval returns the proactive cadence as a time.Duration.
func (m *MasterConfig) ProactiveInterval() time.Duration {
	return time.Duration(m.ProactiveFrequency) * time.Second
}

// HighFrequencyInterval returns the stressed cadence as a time.Duration.
func (m *MasterConfig) HighFrequencyInterval() time.Duration {
	return time.Duration(m.HighFrequency) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("sessions.stateDir", defaultStateDir())
	v.SetDefault("sessions.outputBufferSize", 256*1024)
	v.SetDefault("sessions.commandWaitMs", 500)
	v.SetDefault("sessions.allowHeadlessFallback", true)

	// NATS defaults - empty URL means use the in-memory coordination bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ccswarm")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultImage", "ubuntu:24.04")

	v.SetDefault("master.proactiveFrequency", 30)
	v.SetDefault("master.highFrequency", 15)
	v.SetDefault("master.maxRetries", 3)
	v.SetDefault("master.retryDelayMs", 1000)
	v.SetDefault("master.maxConcurrent", 5)
	v.SetDefault("master.queueSize", 1000)

	v.SetDefault("approval.defaultTimeoutSecs", 300)
	v.SetDefault("approval.historyRetentionHours", 24)
	v.SetDefault("approval.autoApproveLowRisk", false)

	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "ccswarm")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stderr")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST as an override, then probes the rootless per-user
// socket before falling back to the system socket.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	if uid := os.Getenv("UID"); uid != "" {
		rootless := fmt.Sprintf("/run/user/%s/docker.sock", uid)
		if _, err := os.Stat(rootless); err == nil {
			return "unix://" + rootless
		}
	}
	return "unix:///var/run/docker.sock"
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ccswarm"
	}
	return filepath.Join(home, ".ccswarm")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CCSWARM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or in the state dir.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CCSWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("logging.level", "CCSWARM_LOG")
	_ = v.BindEnv("sessions.stateDir", "CCSWARM_STATE_DIR")
	_ = v.BindEnv("docker.host", "DOCKER_HOST", "CCSWARM_DOCKER_HOST")
	_ = v.BindEnv("tracing.otlpEndpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultStateDir())

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

	if cfg.Sessions.OutputBufferSize <= 0 {
		errs = append(errs, "sessions.outputBufferSize must be positive")
	}
	if cfg.Sessions.CommandWaitMs < 0 {
		errs = append(errs, "sessions.commandWaitMs must not be negative")
	}

	if cfg.Master.ProactiveFrequency <= 0 {
		errs = append(errs, "master.proactiveFrequency must be positive")
	}
	if cfg.Master.HighFrequency <= 0 || cfg.Master.HighFrequency > cfg.Master.ProactiveFrequency {
		errs = append(errs, "master.highFrequency must be positive and not exceed master.proactiveFrequency")
	}
	if cfg.Master.MaxConcurrent <= 0 {
		errs = append(errs, "master.maxConcurrent must be positive")
	}

	if cfg.Approval.DefaultTimeoutSecs <= 0 {
		errs = append(errs, "approval.defaultTimeoutSecs must be positive")
	}
	if cfg.Approval.HistoryRetentionHours <= 0 {
		errs = append(errs, "approval.historyRetentionHours must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
