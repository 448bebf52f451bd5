package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_HubURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"http://localhost:5000", "ws://localhost:5000/syncHub"},
		{"http://localhost:5000/", "ws://localhost:5000/syncHub"},
		{"https://sync.example.com", "wss://sync.example.com/syncHub"},
		{"ws://10.0.0.2:5000/syncHub", "ws://10.0.0.2:5000/syncHub"},
		{"https://example.com/ploco/", "wss://example.com/ploco/syncHub"},
	}
	for _, tc := range cases {
		got, err := Config{ServerURL: tc.in}.HubURL()
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	for _, bad := range []string{"ftp://host", "localhost:5000", "http://"} {
		_, err := Config{ServerURL: bad}.HubURL()
		assert.Error(t, err, bad)
	}
}

func TestConfig_ReconnectDelays(t *testing.T) {
	c := DefaultConfig()
	want := []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, d := range want {
		assert.Equal(t, d, c.delay(i), "attempt %d", i)
	}

	c.ReconnectDelay = 30 * time.Second
	assert.Equal(t, 10*time.Second, c.delay(3))
	assert.Equal(t, 30*time.Second, c.delay(4))
	assert.Equal(t, 30*time.Second, c.delay(20))

	c.ReconnectDelay = 0
	assert.Equal(t, 10*time.Second, c.delay(20), "last staged delay repeats without a configured delay")

	c.ReconnectDelays = nil
	c.ReconnectDelay = 3 * time.Second
	assert.Equal(t, 3*time.Second, c.delay(0))
	assert.Equal(t, 3*time.Second, c.delay(7))
}

func TestConfig_Defaults(t *testing.T) {
	c := DefaultConfig()
	assert.True(t, c.Enabled)
	assert.True(t, c.AutoReconnect)
	assert.Equal(t, "http://localhost:5000", c.ServerURL)
	assert.Equal(t, 10*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 500*time.Millisecond, c.MasterRequestDelay)

	filled := Config{}.withDefaults()
	assert.Equal(t, 10*time.Second, filled.RequestTimeout)
	assert.Equal(t, 5*time.Second, filled.ReconnectDelay)
}
