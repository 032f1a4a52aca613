package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied. Sandbox
// defaults are deliberately tight: writes confined to /tmp and the
// historically dangerous command shapes blocked.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Engine: EngineConfig{
			TimeoutSeconds: 300,
		},
		Sandbox: SandboxConfig{
			AllowedDirs:           []string{"/tmp"},
			BlockedCommands:       []string{"rm -rf /", "sudo rm", "mkfs", "dd if="},
			CommandTimeoutSeconds: 60,
		},
		Session: SessionConfig{
			MaxHistory: 20,
			Store:      "memory",
		},
		Stream: StreamConfig{
			UpdateIntervalMs:   800,
			PlaceholderAfterMs: 300,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: 120,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
