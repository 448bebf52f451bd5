package agent

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

const hubPath = "/syncHub"

var (
	ErrBadServerURL  = errors.New("server url must be http, https, ws or wss")
	ErrMissingUserID = errors.New("user id is required")
)

// Config is the client side sync configuration.
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	ServerURL string `mapstructure:"server_url"`
	UserID    string `mapstructure:"user_id"`
	UserName  string `mapstructure:"user_name"`

	AutoReconnect  bool          `mapstructure:"auto_reconnect"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`

	// ReconnectDelays is tried in order; ReconnectDelay then repeats, or the
	// last staged entry when ReconnectDelay is unset.
	ReconnectDelays []time.Duration `mapstructure:"reconnect_delays"`

	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MasterRequestDelay time.Duration `mapstructure:"master_request_delay"`

	// ForceConsultantMode renounces Master whenever the server assigns it.
	ForceConsultantMode    bool `mapstructure:"force_consultant_mode"`
	RequestMasterOnConnect bool `mapstructure:"request_master_on_connect"`

	// MaxFrameBytes must not exceed the server's ws.read_limit; SaveState
	// refuses blobs that would not fit.
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		ServerURL:          "http://localhost:5000",
		AutoReconnect:      true,
		ReconnectDelay:     5 * time.Second,
		ReconnectDelays:    []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second},
		HeartbeatInterval:  10 * time.Second,
		RequestTimeout:     10 * time.Second,
		MasterRequestDelay: 500 * time.Millisecond,
		MaxFrameBytes:      types.MaxFrameBytes,
	}
}

// withDefaults fills zero timings that would otherwise spin or panic.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.ReconnectDelay <= 0 && len(c.ReconnectDelays) == 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	return c
}

// HubURL is the websocket address of the sync hub behind ServerURL.
func (c Config) HubURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: %q", ErrBadServerURL, c.ServerURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrBadServerURL, c.ServerURL)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, hubPath) {
		path += hubPath
	}
	u.Path = path
	return u.String(), nil
}

// delay returns how long to wait before reconnect attempt n (0-based).
func (c Config) delay(n int) time.Duration {
	if len(c.ReconnectDelays) == 0 {
		return c.ReconnectDelay
	}
	if n < len(c.ReconnectDelays) {
		return c.ReconnectDelays[n]
	}
	if c.ReconnectDelay > 0 {
		return c.ReconnectDelay
	}
	return c.ReconnectDelays[len(c.ReconnectDelays)-1]
}

func (c Config) validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return ErrMissingUserID
	}
	_, err := c.HubURL()
	return err
}
