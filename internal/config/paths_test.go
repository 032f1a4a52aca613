package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"single segment", "server", []string{"server"}, false},
		{"two segments", "server.port", []string{"server", "port"}, false},
		{"three segments", "feishu.appId", []string{"feishu", "appId"}, false},
		{"empty", "", nil, true},
		{"empty segment", "server..port", nil, true},
		{"leading dot", ".server", nil, true},
		{"trailing dot", "server.", nil, true},
		{"blocked __proto__", "foo.__proto__.bar", nil, true},
		{"blocked prototype", "prototype.x", nil, true},
		{"blocked constructor", "constructor", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigPath(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				var ce *ConfigError
				assert.ErrorAs(t, err, &ce)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestGetSetValueAtPath(t *testing.T) {
	root := map[string]any{
		"server": map[string]any{
			"port": 8000,
		},
	}

	// Get existing
	val, ok := GetValueAtPath(root, []string{"server", "port"})
	assert.True(t, ok)
	assert.Equal(t, 8000, val)

	// Get missing
	_, ok = GetValueAtPath(root, []string{"server", "missing"})
	assert.False(t, ok)

	// Traversing through a non-map fails
	_, ok = GetValueAtPath(root, []string{"server", "port", "nested"})
	assert.False(t, ok)

	// Set existing
	SetValueAtPath(root, []string{"server", "port"}, 9999)
	val, ok = GetValueAtPath(root, []string{"server", "port"})
	assert.True(t, ok)
	assert.Equal(t, 9999, val)

	// Set new nested
	SetValueAtPath(root, []string{"feishu", "appId"}, "cli_abc")
	val, ok = GetValueAtPath(root, []string{"feishu", "appId"})
	assert.True(t, ok)
	assert.Equal(t, "cli_abc", val)
}

func TestUnsetValueAtPath(t *testing.T) {
	root := map[string]any{
		"server": map[string]any{
			"port": 8000,
			"host": "0.0.0.0",
		},
	}

	ok := UnsetValueAtPath(root, []string{"server", "port"})
	assert.True(t, ok)

	_, exists := GetValueAtPath(root, []string{"server", "port"})
	assert.False(t, exists)

	// Host should still be there
	val, exists := GetValueAtPath(root, []string{"server", "host"})
	assert.True(t, exists)
	assert.Equal(t, "0.0.0.0", val)

	// Unset missing key
	ok = UnsetValueAtPath(root, []string{"server", "nonexistent"})
	assert.False(t, ok)
}

func TestResolvePaths(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("CHATWORK_HOME", tmp)

	paths, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, tmp, paths.Base)
	assert.Equal(t, filepath.Join(tmp, "config.yaml"), paths.Config)
	assert.Equal(t, filepath.Join(tmp, "logs"), paths.Logs)
	assert.Equal(t, filepath.Join(tmp, "data"), paths.Data)
}

func TestResolvePathsDefaultHome(t *testing.T) {
	t.Setenv("CHATWORK_HOME", "")

	paths, err := ResolvePaths()
	require.NoError(t, err)
	assert.Contains(t, paths.Base, ".chatwork")
}

func TestEnsureDirs(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("CHATWORK_HOME", tmp)

	paths, err := ResolvePaths()
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirs())

	for _, d := range []string{paths.Base, paths.Logs, paths.Data} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
