package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so secrets can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Engine.APIKey = expandEnvVars(cfg.Engine.APIKey)
	cfg.Server.AuthToken = expandEnvVars(cfg.Server.AuthToken)
	if cfg.Feishu != nil {
		cfg.Feishu.AppID = expandEnvVars(cfg.Feishu.AppID)
		cfg.Feishu.AppSecret = expandEnvVars(cfg.Feishu.AppSecret)
		cfg.Feishu.VerificationToken = expandEnvVars(cfg.Feishu.VerificationToken)
		cfg.Feishu.EncryptKey = expandEnvVars(cfg.Feishu.EncryptKey)
	}
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults. Slice
// fields are only defaulted when absent (nil): an explicitly empty
// allowedDirs list means "deny all file actions" and stays empty.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Engine.TimeoutSeconds == 0 {
		cfg.Engine.TimeoutSeconds = 300
	}
	if cfg.Sandbox.AllowedDirs == nil {
		cfg.Sandbox.AllowedDirs = []string{"/tmp"}
	}
	if cfg.Sandbox.BlockedCommands == nil {
		cfg.Sandbox.BlockedCommands = []string{"rm -rf /", "sudo rm", "mkfs", "dd if="}
	}
	if cfg.Sandbox.CommandTimeoutSeconds == 0 {
		cfg.Sandbox.CommandTimeoutSeconds = 60
	}
	if cfg.Session.MaxHistory == 0 {
		cfg.Session.MaxHistory = 20
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = "memory"
	}
	if cfg.Stream.UpdateIntervalMs == 0 {
		cfg.Stream.UpdateIntervalMs = 800
	}
	if cfg.Stream.PlaceholderAfterMs == 0 {
		cfg.Stream.PlaceholderAfterMs = 300
	}
	if cfg.Approval.TimeoutSeconds == 0 {
		cfg.Approval.TimeoutSeconds = 120
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Names match the ones the service has always honored, so a
// deployment driven purely by environment needs no config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ALLOWED_DIRS"); v != "" {
		cfg.Sandbox.AllowedDirs = splitList(v)
	}
	if v := os.Getenv("BLOCKED_COMMANDS"); v != "" {
		cfg.Sandbox.BlockedCommands = splitList(v)
	}
	if v := os.Getenv("CHATWORK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("CHATWORK_API_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("CHATWORK_ENGINE_COMMAND"); v != "" {
		cfg.Engine.Command = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Engine.APIKey = v
	}

	feishuEnv := FeishuConfig{
		AppID:             os.Getenv("FEISHU_APP_ID"),
		AppSecret:         os.Getenv("FEISHU_APP_SECRET"),
		VerificationToken: os.Getenv("FEISHU_VERIFICATION_TOKEN"),
		EncryptKey:        os.Getenv("FEISHU_ENCRYPT_KEY"),
	}
	if feishuEnv.AppID != "" {
		if cfg.Feishu == nil {
			cfg.Feishu = &FeishuConfig{}
		}
		cfg.Feishu.AppID = feishuEnv.AppID
	}
	if cfg.Feishu != nil {
		if feishuEnv.AppSecret != "" {
			cfg.Feishu.AppSecret = feishuEnv.AppSecret
		}
		if feishuEnv.VerificationToken != "" {
			cfg.Feishu.VerificationToken = feishuEnv.VerificationToken
		}
		if feishuEnv.EncryptKey != "" {
			cfg.Feishu.EncryptKey = feishuEnv.EncryptKey
		}
	}
}

// splitList parses a comma-separated environment value, trimming
// whitespace and dropping empty entries.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
