package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, []string{"/tmp"}, cfg.Sandbox.AllowedDirs)
	assert.Equal(t, []string{"rm -rf /", "sudo rm", "mkfs", "dd if="}, cfg.Sandbox.BlockedCommands)
	assert.Equal(t, 60, cfg.Sandbox.CommandTimeoutSeconds)
	assert.Equal(t, 20, cfg.Session.MaxHistory)
	assert.Equal(t, "memory", cfg.Session.Store)
	assert.Equal(t, 800, cfg.Stream.UpdateIntervalMs)
	assert.Equal(t, 300, cfg.Stream.PlaceholderAfterMs)
	assert.Equal(t, 120, cfg.Approval.TimeoutSeconds)
	assert.Equal(t, 300, cfg.Engine.TimeoutSeconds)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Nil(t, cfg.Feishu)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	// Should return defaults
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  host: 127.0.0.1
  port: 9999
feishu:
  appId: cli_test123
  appSecret: sekrit
  encryptKey: ek_456
engine:
  command: /usr/local/bin/claude
  model: sonnet
sandbox:
  allowedDirs:
    - /tmp
    - /var/tmp
  blockedCommands:
    - "rm -rf /"
    - shutdown
  caseInsensitive: true
session:
  maxHistory: 40
  store: sqlite
  autoExecute: true
stream:
  updateIntervalMs: 500
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "/usr/local/bin/claude", cfg.Engine.Command)
	assert.Equal(t, "sonnet", cfg.Engine.Model)
	assert.Equal(t, []string{"/tmp", "/var/tmp"}, cfg.Sandbox.AllowedDirs)
	assert.Equal(t, []string{"rm -rf /", "shutdown"}, cfg.Sandbox.BlockedCommands)
	assert.True(t, cfg.Sandbox.CaseInsensitive)
	assert.Equal(t, 40, cfg.Session.MaxHistory)
	assert.Equal(t, "sqlite", cfg.Session.Store)
	assert.True(t, cfg.Session.AutoExecute)
	assert.Equal(t, 500, cfg.Stream.UpdateIntervalMs)
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.NotNil(t, cfg.Feishu)
	assert.Equal(t, "cli_test123", cfg.Feishu.AppID)
	assert.Equal(t, "sekrit", cfg.Feishu.AppSecret)
	assert.Equal(t, "ek_456", cfg.Feishu.EncryptKey)

	// Untouched fields fall back to defaults.
	assert.Equal(t, 120, cfg.Approval.TimeoutSeconds)
	assert.Equal(t, 300, cfg.Stream.PlaceholderAfterMs)
}

func TestLoadEmptyAllowedDirsStaysEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
sandbox:
  allowedDirs: []
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Explicitly empty means deny-all, not "use the default".
	require.NotNil(t, cfg.Sandbox.AllowedDirs)
	assert.Empty(t, cfg.Sandbox.AllowedDirs)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{invalid yaml"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOST", "10.0.0.5")
	t.Setenv("PORT", "12345")
	t.Setenv("ALLOWED_DIRS", "/srv/data, /tmp ,")
	t.Setenv("BLOCKED_COMMANDS", "halt,reboot")
	t.Setenv("CHATWORK_LOG_LEVEL", "TRACE")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, 12345, cfg.Server.Port)
	assert.Equal(t, []string{"/srv/data", "/tmp"}, cfg.Sandbox.AllowedDirs)
	assert.Equal(t, []string{"halt", "reboot"}, cfg.Sandbox.BlockedCommands)
	assert.Equal(t, "trace", cfg.Logging.Level)
}

func TestLoadFeishuFromEnv(t *testing.T) {
	t.Setenv("FEISHU_APP_ID", "cli_env")
	t.Setenv("FEISHU_APP_SECRET", "env_secret")
	t.Setenv("FEISHU_ENCRYPT_KEY", "env_ek")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)

	require.NotNil(t, cfg.Feishu)
	assert.Equal(t, "cli_env", cfg.Feishu.AppID)
	assert.Equal(t, "env_secret", cfg.Feishu.AppSecret)
	assert.Equal(t, "env_ek", cfg.Feishu.EncryptKey)
}

func TestExpandSensitiveFields(t *testing.T) {
	t.Setenv("TEST_FEISHU_SECRET", "real_secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
feishu:
  appId: cli_test
  appSecret: ${TEST_FEISHU_SECRET}
  encryptKey: ${UNSET_VAR_XYZ}
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.Feishu)
	assert.Equal(t, "real_secret", cfg.Feishu.AppSecret)
	// Unset variables are left as-is.
	assert.Equal(t, "${UNSET_VAR_XYZ}", cfg.Feishu.EncryptKey)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"/tmp"}, splitList("/tmp"))
	assert.Equal(t, []string{"/a", "/b"}, splitList("/a,/b"))
	assert.Equal(t, []string{"/a", "/b"}, splitList(" /a , /b ,, "))
	assert.Empty(t, splitList(",,"))
}

func TestLoadRawAndSaveRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	raw := map[string]any{
		"server": map[string]any{
			"port": 9999,
		},
	}

	require.NoError(t, SaveRaw(path, raw))

	loaded, err := LoadRaw(path)
	require.NoError(t, err)

	val, ok := GetValueAtPath(loaded, []string{"server", "port"})
	assert.True(t, ok)
	assert.Equal(t, 9999, val)
}
