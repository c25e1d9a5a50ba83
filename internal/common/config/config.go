// Package config provides configuration management for the agentdeck daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentdeckd.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Session SessionConfig `mapstructure:"session"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// DockerConfig holds Docker client and worker-launch configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	WorkerImage    string `mapstructure:"workerImage"`
	StateDir       string `mapstructure:"stateDir"`
	WorkerPort     string `mapstructure:"workerPort"` // container-side port, e.g. "3000/tcp"
}

// SessionConfig holds session idle-eviction configuration.
type SessionConfig struct {
	IdleMinutes  int `mapstructure:"idleMinutes"`
	SweepSeconds int `mapstructure:"sweepSeconds"`
}

// NATSConfig holds NATS messaging configuration. Empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuditConfig holds the sqlite-backed lifecycle audit trail configuration.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
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

// IdleTimeout returns the session idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	minutes := s.IdleMinutes
	if minutes < 0 {
		minutes = 0
	}
	return time.Duration(minutes) * time.Minute
}

// SweepInterval returns the idle-sweeper tick interval, floored at 10s.
func (s *SessionConfig) SweepInterval() time.Duration {
	seconds := s.SweepSeconds
	if seconds < 10 {
		seconds = 10
	}
	return time.Duration(seconds) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.workerImage", "agent-deck-worker:latest")
	v.SetDefault("docker.stateDir", defaultStateDir())
	v.SetDefault("docker.workerPort", "3000/tcp")

	v.SetDefault("session.idleMinutes", 60)
	v.SetDefault("session.sweepSeconds", 60)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdeck-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.path", defaultAuditPath())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path,
// honoring the DOCKER_HOST env var override.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

func defaultStateDir() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "agentdeck", "runtime_state")
	}
	return "/var/lib/agentdeck/runtime_state"
}

func defaultAuditPath() string {
	return filepath.Join(defaultStateDir(), "audit.db")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDECK_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified search path or defaults.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not translate camelCase keys to SNAKE_CASE env vars,
	// so the knobs named explicitly in the external contract get explicit binds.
	_ = v.BindEnv("session.idleMinutes", "AGENTDECK_SESSION_IDLE_MINUTES")
	_ = v.BindEnv("session.sweepSeconds", "AGENTDECK_SESSION_SWEEP_SECONDS")
	_ = v.BindEnv("docker.workerImage", "AGENTDECK_WORKER_IMAGE")
	_ = v.BindEnv("docker.stateDir", "AGENTDECK_STATE_DIR")
	_ = v.BindEnv("logging.level", "AGENTDECK_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentdeck/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Docker.WorkerImage == "" {
		errs = append(errs, "docker.workerImage must not be empty")
	}
	if cfg.Docker.StateDir == "" {
		errs = append(errs, "docker.stateDir must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
