// Package config loads relay and client settings from defaults, an optional
// YAML file and POCKET_TUNNEL_* environment variables, in increasing order of
// precedence. Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Carrier names a transport for client tunnels.
type Carrier string

const (
	CarrierWebSocket Carrier = "websocket"
	CarrierWebRTC    Carrier = "webrtc"
)

// EnvPrefix is prepended to every environment variable, e.g.
// POCKET_TUNNEL_RELAY_LISTEN.
const EnvPrefix = "POCKET_TUNNEL"

// Config is the full set of settings for both roles.
type Config struct {
	Debug  bool         `mapstructure:"debug"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Client ClientConfig `mapstructure:"client"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	Listen       string        `mapstructure:"listen"`        // HTTP listen address for /tunnel and /signal
	Store        string        `mapstructure:"store"`         // SQLite file for association tokens, "" for in-memory; ~ expands to $HOME
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`  // tunnels silent for longer are closed
	ReapInterval time.Duration `mapstructure:"reap_interval"` // how often idle tunnels are looked for
	StatsEvery   time.Duration `mapstructure:"stats_every"`   // traffic report period
}

// ClientConfig configures a client tunnel.
type ClientConfig struct {
	RelayURL          string        `mapstructure:"relay_url"` // ws(s)://host:port of the relay
	Token             string        `mapstructure:"token"`     // association token
	Carrier           Carrier       `mapstructure:"carrier"`
	Slots             int           `mapstructure:"slots"`     // local endpoints, one UDP socket each
	BasePort          int           `mapstructure:"base_port"` // slot i listens on BasePort+i, 0 for ephemeral
	GameAddr          string        `mapstructure:"game_addr"` // where forwarded payloads are delivered, "" to learn it
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	InitiateTimeout   time.Duration `mapstructure:"initiate_timeout"`
	StatsEvery        time.Duration `mapstructure:"stats_every"` // traffic report period
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Listen:       ":9032",
			IdleTimeout:  60 * time.Second,
			ReapInterval: 10 * time.Second,
			StatsEvery:   10 * time.Second,
		},
		Client: ClientConfig{
			Carrier:           CarrierWebSocket,
			Slots:             4,
			KeepAliveInterval: 15 * time.Second,
			InitiateTimeout:   10 * time.Second,
			StatsEvery:        10 * time.Second,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (or
// pocket-tunnel.yaml in the working directory or $HOME/.pocket-tunnel when
// path is empty) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pocket-tunnel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pocket-tunnel")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	store, err := homedir.Expand(cfg.Relay.Store)
	if err != nil {
		return nil, fmt.Errorf("invalid relay store path: %w", err)
	}
	cfg.Relay.Store = store
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("debug", d.Debug)

	v.SetDefault("relay.listen", d.Relay.Listen)
	v.SetDefault("relay.store", d.Relay.Store)
	v.SetDefault("relay.idle_timeout", d.Relay.IdleTimeout)
	v.SetDefault("relay.reap_interval", d.Relay.ReapInterval)
	v.SetDefault("relay.stats_every", d.Relay.StatsEvery)

	v.SetDefault("client.relay_url", d.Client.RelayURL)
	v.SetDefault("client.token", d.Client.Token)
	v.SetDefault("client.carrier", string(d.Client.Carrier))
	v.SetDefault("client.slots", d.Client.Slots)
	v.SetDefault("client.base_port", d.Client.BasePort)
	v.SetDefault("client.game_addr", d.Client.GameAddr)
	v.SetDefault("client.keepalive_interval", d.Client.KeepAliveInterval)
	v.SetDefault("client.initiate_timeout", d.Client.InitiateTimeout)
	v.SetDefault("client.stats_every", d.Client.StatsEvery)
}

// Validate checks the relay settings.
func (c *RelayConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("relay listen address is required")
	}
	if c.IdleTimeout <= 0 || c.ReapInterval <= 0 || c.StatsEvery <= 0 {
		return errors.New("relay idle_timeout, reap_interval and stats_every must be positive")
	}
	return nil
}

// Validate checks the client settings.
func (c *ClientConfig) Validate() error {
	switch {
	case c.RelayURL == "":
		return errors.New("client relay_url is required")
	case c.Token == "":
		return errors.New("client token is required")
	case c.Carrier != CarrierWebSocket && c.Carrier != CarrierWebRTC:
		return fmt.Errorf("unknown carrier %q (want %q or %q)", c.Carrier, CarrierWebSocket, CarrierWebRTC)
	case c.Slots < 1 || c.Slots > 256:
		return fmt.Errorf("client slots must be 1~256, got %d", c.Slots)
	case c.BasePort < 0 || c.BasePort+c.Slots-1 > 65535:
		return fmt.Errorf("client base_port %d leaves no room for %d slots", c.BasePort, c.Slots)
	case c.KeepAliveInterval <= 0 || c.InitiateTimeout <= 0 || c.StatsEvery <= 0:
		return errors.New("client keepalive_interval, initiate_timeout and stats_every must be positive")
	}
	return nil
}
