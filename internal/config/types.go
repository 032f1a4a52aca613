package config

// Config is the root configuration for chat-work.
type Config struct {
	Server   ServerConfig   `yaml:"server,omitempty"`
	Feishu   *FeishuConfig  `yaml:"feishu,omitempty"`
	Engine   EngineConfig   `yaml:"engine,omitempty"`
	Sandbox  SandboxConfig  `yaml:"sandbox,omitempty"`
	Session  SessionConfig  `yaml:"session,omitempty"`
	Stream   StreamConfig   `yaml:"stream,omitempty"`
	Approval ApprovalConfig `yaml:"approval,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
}

// ServerConfig controls the HTTP/WebSocket server.
type ServerConfig struct {
	Host           string   `yaml:"host,omitempty"`
	Port           int      `yaml:"port,omitempty"`
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`

	// AuthToken, when set, requires a matching bearer token on the
	// /api and /ws surfaces. The webhook carries its own signature
	// and stays open; so does /health.
	AuthToken string `yaml:"authToken,omitempty"`
}

// FeishuConfig defines the Feishu webhook channel. The channel is
// enabled only when this block is present.
type FeishuConfig struct {
	AppID             string `yaml:"appId"`
	AppSecret         string `yaml:"appSecret"`
	VerificationToken string `yaml:"verificationToken,omitempty"`
	EncryptKey        string `yaml:"encryptKey,omitempty"`

	// BaseURL overrides the platform API endpoint, mainly for tests.
	BaseURL string `yaml:"baseUrl,omitempty"`
}

// EngineConfig selects and tunes the reasoning engine subprocess.
type EngineConfig struct {
	// Command is the engine binary. Empty means probe well-known
	// install locations for the claude CLI.
	Command        string `yaml:"command,omitempty"`
	Model          string `yaml:"model,omitempty"`
	SystemPrompt   string `yaml:"systemPrompt,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`

	// APIKey enables the direct Anthropic API engine, used as a
	// fallback when no CLI binary is installed.
	APIKey string `yaml:"apiKey,omitempty"`
}

// SandboxConfig defines the command/path policy for proposed actions.
type SandboxConfig struct {
	AllowedDirs           []string `yaml:"allowedDirs,omitempty"`
	BlockedCommands       []string `yaml:"blockedCommands,omitempty"`
	CaseInsensitive       bool     `yaml:"caseInsensitive,omitempty"`
	CommandTimeoutSeconds int      `yaml:"commandTimeoutSeconds,omitempty"`
}

// SessionConfig defines conversation session behavior.
type SessionConfig struct {
	MaxHistory  int    `yaml:"maxHistory,omitempty"`
	Store       string `yaml:"store,omitempty"` // "memory" | "sqlite"
	AutoExecute bool   `yaml:"autoExecute,omitempty"`
}

// StreamConfig tunes pseudo-streaming of replies to channels that
// receive edits rather than a live stream.
type StreamConfig struct {
	UpdateIntervalMs   int `yaml:"updateIntervalMs,omitempty"`
	PlaceholderAfterMs int `yaml:"placeholderAfterMs,omitempty"`
}

// ApprovalConfig tunes manual action confirmation.
type ApprovalConfig struct {
	TimeoutSeconds int `yaml:"timeoutSeconds,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File  string `yaml:"file,omitempty"`
}
