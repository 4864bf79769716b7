// Package config loads agentbridge.jsonc.
//
// loader.go - Configuration schema, lookup, defaults and validation
//
// The file is JSON with comments. Every field is optional except
// backend.url; durations are written as integer seconds or milliseconds so
// the file stays readable.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/agentbridge/internal/validation"
)

// FileName is the configuration file looked up in each candidate directory
const FileName = "agentbridge.jsonc"

// Transport names accepted in backend.transport
const (
	TransportAuto     = "auto"
	TransportSocketIO = "socketio"
	TransportHTTP     = "http"
)

// Config is the parsed agentbridge.jsonc
type Config struct {
	Server    ServerSection    `json:"server"`
	Backend   BackendSection   `json:"backend"`
	Tasks     TasksSection     `json:"tasks"`
	History   HistorySection   `json:"history"`
	Logging   LoggingSection   `json:"logging"`
	Retention RetentionSection `json:"retention"`
	Backup    BackupSection    `json:"backup"`
	Schedules []ScheduleConfig `json:"schedules"`

	// ConfigDir is the directory the file was loaded from
	ConfigDir string `json:"-"`
}

// ServerSection configures the HTTP gateway
type ServerSection struct {
	Address     string          `json:"address"`
	AuthEnabled bool            `json:"auth_enabled"`
	DataDir     string          `json:"data_dir"`
	RateLimit   RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig is a per-token token bucket
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// BackendSection describes the agent backend
type BackendSection struct {
	URL               string `json:"url"`
	Transport         string `json:"transport"` // auto, socketio, http
	UserID            string `json:"user_id"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	ReconnectDelayMs  int    `json:"reconnect_delay_ms"`
	HealthPollSeconds int    `json:"health_poll_seconds"`
}

// TasksSection holds task client tuning
type TasksSection struct {
	DefaultTimeoutSeconds int  `json:"default_timeout_seconds"`
	TimeoutGraceMs        int  `json:"timeout_grace_ms"`
	CursorGraceMs         int  `json:"cursor_grace_ms"`
	UseEnhanced           bool `json:"use_enhanced"`
	EventBufferSize       int  `json:"event_buffer_size"`
	TerminalMarks         int  `json:"terminal_marks"`
}

// HistorySection configures the task history database
type HistorySection struct {
	Enabled *bool  `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingSection configures log output
type LoggingSection struct {
	Dir  string `json:"dir"`
	JSON bool   `json:"json"`
}

// RetentionSection configures pruning of history and schedule executions
type RetentionSection struct {
	Days             int     `json:"days"`
	IntervalMinutes  int     `json:"interval_minutes"`
	DiskWarnPercent  float64 `json:"disk_warn_percent"`
	DiskErrorPercent float64 `json:"disk_error_percent"`
}

// BackupSection configures periodic database archives
type BackupSection struct {
	Enabled       bool   `json:"enabled"`
	Directory     string `json:"directory"`
	IntervalHours int    `json:"interval_hours"`
	Retention     int    `json:"retention"` // archives kept
}

// ScheduleConfig is one recurring task
type ScheduleConfig struct {
	Name           string `json:"name"`
	Cron           string `json:"cron"`
	Prompt         string `json:"prompt"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Enabled        *bool  `json:"enabled"`
}

// IsEnabled reports whether the schedule should run; schedules are enabled
// unless switched off explicitly
func (s ScheduleConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Timeout returns the schedule's task timeout, zero meaning the default
func (s ScheduleConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// IsEnabled reports whether task history is recorded; on by default
func (h HistorySection) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// ReconnectDelay returns the fixed delay between reconnect attempts
func (b BackendSection) ReconnectDelay() time.Duration {
	return time.Duration(b.ReconnectDelayMs) * time.Millisecond
}

// HealthPollInterval returns the HTTP transport's probe period
func (b BackendSection) HealthPollInterval() time.Duration {
	return time.Duration(b.HealthPollSeconds) * time.Second
}

// MaxAge returns how long records are kept
func (r RetentionSection) MaxAge() time.Duration {
	return time.Duration(r.Days) * 24 * time.Hour
}

// Interval returns the pruning period
func (r RetentionSection) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// Interval returns the archive period
func (b BackupSection) Interval() time.Duration {
	return time.Duration(b.IntervalHours) * time.Hour
}

// DefaultTimeout returns the nominal task timeout
func (t TasksSection) DefaultTimeout() time.Duration {
	return time.Duration(t.DefaultTimeoutSeconds) * time.Second
}

// TimeoutGrace returns the grace added to every task timeout
func (t TasksSection) TimeoutGrace() time.Duration {
	return time.Duration(t.TimeoutGraceMs) * time.Millisecond
}

// CursorGrace returns how long the success cursor lingers
func (t TasksSection) CursorGrace() time.Duration {
	return time.Duration(t.CursorGraceMs) * time.Millisecond
}

// Default returns a configuration with every default applied and no backend
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// FindConfigPath returns the path to agentbridge.jsonc using precedence:
// 1. configDir + /agentbridge.jsonc (if configDir specified)
// 2. ./config/agentbridge.jsonc (project-local)
// 3. ~/.agentbridge/config/agentbridge.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, FileName)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%s not found in %s", FileName, configDir)
		}
		return absPath(path), nil
	}

	candidates := []string{filepath.Join("config", FileName)}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".agentbridge", "config", FileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return absPath(path), nil
		}
	}
	return "", fmt.Errorf("%s not found; tried: %v", FileName, candidates)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Load parses the file at configPath and applies defaults and environment
// overrides. It does not validate.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	cfg.ConfigDir = filepath.Dir(configPath)

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadAll finds, loads and validates the configuration
func LoadAll(configDir string) (*Config, error) {
	configPath, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", configPath, err)
	}
	return cfg, nil
}

// applyEnv lets deployments point an existing file at another backend
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTBRIDGE_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("AGENTBRIDGE_USER_ID"); v != "" {
		cfg.Backend.UserID = v
	}
	if v := os.Getenv("AGENTBRIDGE_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "data"
	}
	if cfg.Server.RateLimit.RequestsPerSecond == 0 {
		cfg.Server.RateLimit.RequestsPerSecond = 10
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 20
	}

	cfg.Backend.Transport = strings.ToLower(strings.TrimSpace(cfg.Backend.Transport))
	if cfg.Backend.Transport == "" {
		cfg.Backend.Transport = TransportAuto
	}
	if cfg.Backend.ReconnectAttempts == 0 {
		cfg.Backend.ReconnectAttempts = 5
	}
	if cfg.Backend.ReconnectDelayMs == 0 {
		cfg.Backend.ReconnectDelayMs = 1000
	}
	if cfg.Backend.HealthPollSeconds == 0 {
		cfg.Backend.HealthPollSeconds = 5
	}

	if cfg.Tasks.DefaultTimeoutSeconds == 0 {
		cfg.Tasks.DefaultTimeoutSeconds = 300
	}
	if cfg.Tasks.TimeoutGraceMs == 0 {
		cfg.Tasks.TimeoutGraceMs = 5000
	}
	if cfg.Tasks.CursorGraceMs == 0 {
		cfg.Tasks.CursorGraceMs = 2000
	}
	if cfg.Tasks.EventBufferSize == 0 {
		cfg.Tasks.EventBufferSize = 1000
	}
	if cfg.Tasks.TerminalMarks == 0 {
		cfg.Tasks.TerminalMarks = 1024
	}

	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.Server.DataDir, "history.db")
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}

	if cfg.Retention.Days == 0 {
		cfg.Retention.Days = 30
	}
	if cfg.Retention.IntervalMinutes == 0 {
		cfg.Retention.IntervalMinutes = 60
	}
	if cfg.Retention.DiskWarnPercent == 0 {
		cfg.Retention.DiskWarnPercent = 80
	}
	if cfg.Retention.DiskErrorPercent == 0 {
		cfg.Retention.DiskErrorPercent = 90
	}

	if cfg.Backup.Directory == "" {
		cfg.Backup.Directory = filepath.Join(cfg.Server.DataDir, "backups")
	}
	if cfg.Backup.IntervalHours == 0 {
		cfg.Backup.IntervalHours = 24
	}
	if cfg.Backup.Retention == 0 {
		cfg.Backup.Retention = 7
	}
}

// Validate checks the values defaults cannot fix
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Backend.URL) == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	switch c.Backend.Transport {
	case TransportAuto, TransportSocketIO, TransportHTTP:
	default:
		errs = append(errs, fmt.Errorf("backend.transport %q must be auto, socketio or http", c.Backend.Transport))
	}
	if c.Backend.ReconnectAttempts < 0 || c.Backend.ReconnectDelayMs < 0 {
		errs = append(errs, errors.New("backend reconnect settings must not be negative"))
	}
	if c.Tasks.DefaultTimeoutSeconds < 0 || c.Tasks.TimeoutGraceMs < 0 || c.Tasks.CursorGraceMs < 0 {
		errs = append(errs, errors.New("task timeouts must not be negative"))
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}

	if c.Retention.Days < 0 || c.Retention.IntervalMinutes < 0 {
		errs = append(errs, errors.New("retention settings must not be negative"))
	}
	if c.Backup.IntervalHours < 0 || c.Backup.Retention < 0 {
		errs = append(errs, errors.New("backup settings must not be negative"))
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedules {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Errorf("schedule %s: name is required", label))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("schedule %s: duplicate name", label))
		} else if err := validation.ValidateScheduleName(s.Name); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", label, err))
		}
		seen[s.Name] = true

		if strings.TrimSpace(s.Prompt) == "" {
			errs = append(errs, fmt.Errorf("schedule %s: prompt is required", label))
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: invalid cron expression %q: %w", label, s.Cron, err))
		}
		if s.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("schedule %s: timeout_seconds must not be negative", label))
		}
	}

	return errors.Join(errs...)
}
