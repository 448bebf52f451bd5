package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/DoyleJ11/ploco-sync/pkg/agent"
	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

const envPrefix = "PLOCOSYNC"

// Config holds server configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	State     StateConfig     `mapstructure:"state"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Hub       HubConfig       `mapstructure:"hub"`
	WS        WSConfig        `mapstructure:"ws"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// StateConfig selects the snapshot backend: "file" or "postgres".
type StateConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// HeartbeatConfig.Timeout of zero disables eviction of silent sessions.
type HeartbeatConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type HubConfig struct {
	OutboxSize   int           `mapstructure:"outbox_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type WSConfig struct {
	ReadLimit      int64    `mapstructure:"read_limit"`
	OriginPatterns []string `mapstructure:"origin_patterns"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads .env, an optional config file and the environment. Env var
// overrides use prefix PLOCOSYNC_, e.g. PLOCOSYNC_HTTP_ADDR.
func Load() (Config, error) {
	v, err := newViper(func(v *viper.Viper) {
		v.SetDefault("http.addr", ":5000")
		v.SetDefault("http.read_header_timeout", 10*time.Second)
		v.SetDefault("http.shutdown_timeout", 10*time.Second)
		v.SetDefault("state.backend", "file")
		v.SetDefault("state.dir", "StateStorage")
		v.SetDefault("database.url", "")
		v.SetDefault("heartbeat.timeout", time.Duration(0))
		v.SetDefault("hub.outbox_size", 64)
		v.SetDefault("hub.write_timeout", 3*time.Second)
		v.SetDefault("ws.read_limit", types.MaxFrameBytes)
		v.SetDefault("ws.origin_patterns", []string{"*"})
		v.SetDefault("log.level", "info")
		v.SetDefault("log.development", false)
	})
	if err != nil {
		return Config{}, err
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.State.Backend {
	case "file":
		if c.State.Dir == "" {
			return errors.New("state.dir is required for the file backend")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown state.backend %q", c.State.Backend)
	}
	if c.Heartbeat.Timeout < 0 {
		return errors.New("heartbeat.timeout must not be negative")
	}
	return nil
}

// LoadAgent reads the client sync configuration from the sync.* keys, e.g.
// PLOCOSYNC_SYNC_SERVER_URL.
func LoadAgent() (agent.Config, error) {
	d := agent.DefaultConfig()
	delays := make([]string, len(d.ReconnectDelays))
	for i, dl := range d.ReconnectDelays {
		delays[i] = dl.String()
	}

	v, err := newViper(func(v *viper.Viper) {
		v.SetDefault("sync.enabled", d.Enabled)
		v.SetDefault("sync.server_url", d.ServerURL)
		v.SetDefault("sync.user_id", "")
		v.SetDefault("sync.user_name", "")
		v.SetDefault("sync.auto_reconnect", d.AutoReconnect)
		v.SetDefault("sync.reconnect_delay", d.ReconnectDelay)
		v.SetDefault("sync.reconnect_delays", delays)
		v.SetDefault("sync.heartbeat_interval", d.HeartbeatInterval)
		v.SetDefault("sync.request_timeout", d.RequestTimeout)
		v.SetDefault("sync.master_request_delay", d.MasterRequestDelay)
		v.SetDefault("sync.force_consultant_mode", false)
		v.SetDefault("sync.request_master_on_connect", false)
		v.SetDefault("sync.max_frame_bytes", d.MaxFrameBytes)
	})
	if err != nil {
		return agent.Config{}, err
	}

	var wrapper struct {
		Sync agent.Config `mapstructure:"sync"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return agent.Config{}, fmt.Errorf("unmarshal sync config: %w", err)
	}
	return wrapper.Sync, nil
}

func newViper(defaults func(*viper.Viper)) (*viper.Viper, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	defaults(v)

	cfgPath := os.Getenv(envPrefix + "_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("plocosync")
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}
