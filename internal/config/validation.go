package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/samber/lo"

	"github.com/FlowingSPDG/obs-sync/pkg/protocol"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateOBSConfig(&cfg.OBS)
	v.validateMasterConfig(&cfg.Master)
	v.validateSlaveConfig(&cfg.Slave)
	v.validateLoggingConfig(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateOBSConfig(cfg *OBSConfig) {
	if !isWebSocketURL(cfg.URL) {
		v.addError("obs.url", "expected a ws:// or wss:// URL")
	}
	if cfg.RequestTimeout <= 0 {
		v.addError("obs.request_timeout", "request timeout must be positive")
	}
	if cfg.ReconnectInterval <= 0 {
		v.addError("obs.reconnect_interval", "reconnect interval must be positive")
	}
}

func (v *Validator) validateMasterConfig(cfg *MasterConfig) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.addError("master.port", fmt.Sprintf("port %d out of range 1-65535", cfg.Port))
	}
	if _, err := ParseTargets(cfg.Targets); err != nil {
		v.addError("master.targets", err.Error())
	}
	if cfg.HeartbeatInterval <= 0 {
		v.addError("master.heartbeat_interval", "heartbeat interval must be positive")
	}
	if cfg.ClientBuffer <= 0 {
		v.addError("master.client_buffer", "client buffer must be positive")
	}
	if cfg.ReadTimeout < 0 {
		v.addError("master.read_timeout", "read timeout must be non-negative")
	}
}

func (v *Validator) validateSlaveConfig(cfg *SlaveConfig) {
	if !isWebSocketURL(cfg.MasterURL) {
		v.addError("slave.master_url", "expected a ws:// or wss:// URL")
	}
	if strings.TrimSpace(cfg.ScratchDir) == "" {
		v.addError("slave.scratch_dir", "scratch directory is required")
	}
	if cfg.ReconnectInitial <= 0 {
		v.addError("slave.reconnect_initial", "initial reconnect delay must be positive")
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		v.addError("slave.reconnect_max", "max reconnect delay must not be below the initial delay")
	}
	if cfg.PingInterval <= 0 {
		v.addError("slave.ping_interval", "ping interval must be positive")
	}
	if cfg.AlertBuffer <= 0 {
		v.addError("slave.alert_buffer", "alert buffer must be positive")
	}
	if cfg.StatusAddress != "" {
		if _, _, err := net.SplitHostPort(cfg.StatusAddress); err != nil {
			v.addError("slave.status_address", "invalid address format, expected host:port or :port")
		}
	}
}

func (v *Validator) validateLoggingConfig(cfg *LoggingConfig) {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !lo.Contains(validLevels, strings.ToLower(cfg.Level)) {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: %s", cfg.Level, strings.Join(validLevels, ", ")))
	}

	validFormats := []string{"json", "console"}
	if !lo.Contains(validFormats, strings.ToLower(cfg.Format)) {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", cfg.Format))
	}

	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
	case "file", "both":
		if strings.TrimSpace(cfg.FilePath) == "" {
			v.addError("logging.file_path", "file path is required when logging to a file")
		}
	default:
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: stdout, file, both", cfg.Output))
	}
}

// ParseTargets parses and validates a sync target list. Duplicates are rejected.
func ParseTargets(names []string) ([]protocol.TargetType, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	normalized := lo.Map(names, func(s string, _ int) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
	if len(lo.Uniq(normalized)) != len(normalized) {
		return nil, fmt.Errorf("duplicate targets in %v", names)
	}
	targets := make([]protocol.TargetType, 0, len(normalized))
	for _, n := range normalized {
		t, err := protocol.ParseTarget(n)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func isWebSocketURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// LoadAndValidate loads configuration from a file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
