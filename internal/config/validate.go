package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid. Issues
// are fatal at startup; nothing else in the error taxonomy is.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "server.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Server.Port),
		})
	}

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validStores := []string{"memory", "sqlite"}
	if cfg.Session.Store != "" && !slices.Contains(validStores, cfg.Session.Store) {
		issues = append(issues, ValidationIssue{
			Path:    "session.store",
			Message: fmt.Sprintf("must be one of %v, got %q", validStores, cfg.Session.Store),
		})
	}
	if cfg.Session.MaxHistory < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "session.maxHistory",
			Message: fmt.Sprintf("must be >= 0, got %d", cfg.Session.MaxHistory),
		})
	}

	if cfg.Stream.UpdateIntervalMs < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "stream.updateIntervalMs",
			Message: fmt.Sprintf("must be >= 0, got %d", cfg.Stream.UpdateIntervalMs),
		})
	}
	if cfg.Stream.PlaceholderAfterMs < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "stream.placeholderAfterMs",
			Message: fmt.Sprintf("must be >= 0, got %d", cfg.Stream.PlaceholderAfterMs),
		})
	}

	if cfg.Approval.TimeoutSeconds < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "approval.timeoutSeconds",
			Message: fmt.Sprintf("must be >= 0, got %d", cfg.Approval.TimeoutSeconds),
		})
	}

	if cfg.Engine.TimeoutSeconds < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "engine.timeoutSeconds",
			Message: fmt.Sprintf("must be >= 0, got %d", cfg.Engine.TimeoutSeconds),
		})
	}
	if cfg.Sandbox.CommandTimeoutSeconds < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "sandbox.commandTimeoutSeconds",
			Message: fmt.Sprintf("must be >= 0, got %d", cfg.Sandbox.CommandTimeoutSeconds),
		})
	}

	// Feishu validation (only if configured). The channel cannot run
	// without app credentials, so refusing to start beats failing on
	// the first webhook.
	if cfg.Feishu != nil {
		if cfg.Feishu.AppID == "" {
			issues = append(issues, ValidationIssue{
				Path:    "feishu.appId",
				Message: "appId is required",
			})
		}
		if cfg.Feishu.AppSecret == "" {
			issues = append(issues, ValidationIssue{
				Path:    "feishu.appSecret",
				Message: "appSecret is required",
			})
		}
	}

	return issues
}
