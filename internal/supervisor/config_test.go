package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeServerConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileEmptyPath(t *testing.T) {
	f, err := LoadFile("")
	require.NoError(t, err)
	assert.Empty(t, f.Servers)
	assert.Equal(t, 10*time.Second, f.Config.StartupTimeout())
	assert.Equal(t, 30*time.Second, f.Config.HeartbeatInterval())
	assert.Equal(t, time.Second, f.Config.RestartDelay())
	assert.Equal(t, 5, f.Config.MaxRestartAttempts)
}

func TestLoadFileParsesServers(t *testing.T) {
	path := writeServerConfig(t, `{
		"servers": {
			"docs": {
				"type": "stdio",
				"command": "npx",
				"args": ["-y", "@docs/mcp-server"],
				"env": {"DOCS_TOKEN": "x"},
				"auto_restart": true
			}
		},
		"config": {"startup_timeout_ms": 5000}
	}`)

	f, err := LoadFile(path)
	require.NoError(t, err)
	require.Contains(t, f.Servers, "docs")
	spec := f.Servers["docs"]
	assert.Equal(t, "npx", spec.Command)
	assert.Equal(t, []string{"-y", "@docs/mcp-server"}, spec.Args)
	assert.True(t, spec.AutoRestart)
	assert.Equal(t, 5*time.Second, f.Config.StartupTimeout())
	// Unset knobs fall back to defaults.
	assert.Equal(t, 5, f.Config.MaxRestartAttempts)
}

func TestLoadFileRejectsUnsupportedType(t *testing.T) {
	path := writeServerConfig(t, `{"servers": {"sse": {"type": "sse", "command": "x"}}}`)

	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "unsupported type")
}

func TestLoadFileRequiresCommand(t *testing.T) {
	path := writeServerConfig(t, `{"servers": {"bad": {"type": "stdio"}}}`)

	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "command is required")
}

func TestLoadFileMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadFileBadJSON(t *testing.T) {
	path := writeServerConfig(t, `{not json`)

	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "failed to parse")
}
