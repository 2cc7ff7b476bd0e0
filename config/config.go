// Package config loads the harness binary's configuration: the transport
// address, AMQP relay target, and inspection server bind address. The core
// engine in internal/vmbus/client takes none of this directly (per its
// "instantiable multiple times, no CLI, no files" design) — config only
// feeds the cmd/ wiring that constructs a Client's dependencies.
package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the harness's full runtime configuration.
type Config struct {
	Transport struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"transport"`

	Relay struct {
		Enabled  bool   `mapstructure:"enabled"`
		AMQPURL  string `mapstructure:"amqp_url"`
		Exchange string `mapstructure:"exchange"`
	} `mapstructure:"relay"`

	Inspect struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"inspect"`

	LogLevel string `mapstructure:"log_level"`
}

// BindFlags registers the harness's command-line flags onto fs and returns
// a viper instance with them bound, following the same flag/env/file
// layering pattern as viper.BindPFlags.
func BindFlags(fs *pflag.FlagSet) *viper.Viper {
	fs.String("config", "", "path to a config file (yaml/json/toml)")
	fs.String("transport-addr", "127.0.0.1:9900", "address of the synic transport proxy")
	fs.Bool("relay-enabled", false, "publish channel offers to AMQP")
	fs.String("relay-amqp-url", "", "AMQP connection URL for the relay sink")
	fs.String("relay-exchange", "vmbus.offers", "AMQP topic exchange for the relay sink")
	fs.Bool("inspect-enabled", true, "serve the HTTP/WS inspection endpoint")
	fs.String("inspect-addr", "127.0.0.1:9901", "bind address for the inspection server")
	fs.String("log-level", "info", "log level: debug, info, warn, error")

	v := viper.New()
	v.SetEnvPrefix("VMBUSGO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)

	v.BindPFlag("transport.addr", fs.Lookup("transport-addr"))
	v.BindPFlag("relay.enabled", fs.Lookup("relay-enabled"))
	v.BindPFlag("relay.amqp_url", fs.Lookup("relay-amqp-url"))
	v.BindPFlag("relay.exchange", fs.Lookup("relay-exchange"))
	v.BindPFlag("inspect.enabled", fs.Lookup("inspect-enabled"))
	v.BindPFlag("inspect.addr", fs.Lookup("inspect-addr"))
	v.BindPFlag("log_level", fs.Lookup("log-level"))

	return v
}

// Load reads configuration from (in increasing priority) defaults, an
// optional config file, environment variables, and flags already bound by
// BindFlags, then unmarshals it into a Config. If onChange is non-nil, the
// config file (when one was given) is watched with fsnotify and onChange
// is invoked with the reloaded Config on every write.
func Load(v *viper.Viper, onChange func(Config)) (Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if onChange != nil && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(in fsnotify.Event) {
			var reloaded Config
			if err := v.Unmarshal(&reloaded); err != nil {
				return
			}
			onChange(reloaded)
		})
		v.WatchConfig()
	}

	return cfg, nil
}
