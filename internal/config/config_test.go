package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps a developer's plocosync.yaml or .env out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	t.Setenv("PLOCOSYNC_CONFIG", "")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":5000", c.HTTP.Addr)
	assert.Equal(t, "file", c.State.Backend)
	assert.Equal(t, "StateStorage", c.State.Dir)
	assert.Zero(t, c.Heartbeat.Timeout, "reaper is off by default")
	assert.Equal(t, 64, c.Hub.OutboxSize)
	assert.Equal(t, 3*time.Second, c.Hub.WriteTimeout)
	assert.Equal(t, int64(16<<20), c.WS.ReadLimit)
	assert.Equal(t, []string{"*"}, c.WS.OriginPatterns)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("PLOCOSYNC_CONFIG", "")
	t.Setenv("PLOCOSYNC_HTTP_ADDR", ":6000")
	t.Setenv("PLOCOSYNC_HEARTBEAT_TIMEOUT", "45s")
	t.Setenv("PLOCOSYNC_HUB_OUTBOX_SIZE", "8")
	t.Setenv("PLOCOSYNC_LOG_DEVELOPMENT", "true")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":6000", c.HTTP.Addr)
	assert.Equal(t, 45*time.Second, c.Heartbeat.Timeout)
	assert.Equal(t, 8, c.Hub.OutboxSize)
	assert.True(t, c.Log.Development)
}

func TestLoad_DotEnv(t *testing.T) {
	isolate(t)
	t.Setenv("PLOCOSYNC_CONFIG", "")
	require.NoError(t, os.WriteFile(".env", []byte("PLOCOSYNC_STATE_DIR=/var/lib/plocosync\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PLOCOSYNC_STATE_DIR") })

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/plocosync", c.State.Dir)
}

func TestLoad_ConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
state:
  backend: postgres
database:
  url: postgres://ploco@localhost/ploco
log:
  level: debug
`), 0o600))
	t.Setenv("PLOCOSYNC_CONFIG", path)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", c.State.Backend)
	assert.Equal(t, "postgres://ploco@localhost/ploco", c.Database.URL)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, ":5000", c.HTTP.Addr, "unset keys keep their defaults")
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown backend":       {"PLOCOSYNC_STATE_BACKEND": "s3"},
		"postgres without url":  {"PLOCOSYNC_STATE_BACKEND": "postgres"},
		"negative timeout":      {"PLOCOSYNC_HEARTBEAT_TIMEOUT": "-1s"},
		"missing explicit file": {"PLOCOSYNC_CONFIG": "/does/not/exist.yaml"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			t.Setenv("PLOCOSYNC_CONFIG", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadAgent(t *testing.T) {
	isolate(t)
	t.Setenv("PLOCOSYNC_CONFIG", "")
	t.Setenv("PLOCOSYNC_SYNC_SERVER_URL", "https://sync.example.com")
	t.Setenv("PLOCOSYNC_SYNC_USER_ID", "dispatcher-1")
	t.Setenv("PLOCOSYNC_SYNC_FORCE_CONSULTANT_MODE", "true")
	t.Setenv("PLOCOSYNC_SYNC_HEARTBEAT_INTERVAL", "3s")

	c, err := LoadAgent()
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com", c.ServerURL)
	assert.Equal(t, "dispatcher-1", c.UserID)
	assert.True(t, c.ForceConsultantMode)
	assert.Equal(t, 3*time.Second, c.HeartbeatInterval)

	assert.True(t, c.Enabled)
	assert.True(t, c.AutoReconnect)
	assert.Equal(t, 10*time.Second, c.RequestTimeout)
	assert.Equal(t, []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}, c.ReconnectDelays)
}
