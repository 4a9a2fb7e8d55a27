package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "LOBBYD"

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

type Config struct {
	Addr           string      `mapstructure:"addr"`
	AllowedOrigins []string    `mapstructure:"allowed_origins"`
	Log            LogConfig   `mapstructure:"log"`
	Store          StoreConfig `mapstructure:"store"`
	Room           RoomConfig  `mapstructure:"room"`
	Host           HostConfig  `mapstructure:"host"`
	WS             WSConfig    `mapstructure:"ws"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver    string        `mapstructure:"driver"`
	RedisURL  string        `mapstructure:"redis_url"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

type RoomConfig struct {
	Retention    time.Duration `mapstructure:"retention"`
	ClaimTTL     time.Duration `mapstructure:"claim_ttl"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

// HostConfig times the scripted host messages sent after a game starts.
type HostConfig struct {
	StartDelay time.Duration `mapstructure:"start_delay"`
	Interval   time.Duration `mapstructure:"interval"`
}

type WSConfig struct {
	ReadLimit int64         `mapstructure:"read_limit"`
	PongWait  time.Duration `mapstructure:"pong_wait"`
	WriteWait time.Duration `mapstructure:"write_wait"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "localhost:8000")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("store.driver", DriverRedis)
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.op_timeout", 5*time.Second)
	v.SetDefault("room.retention", 24*time.Hour)
	v.SetDefault("room.claim_ttl", time.Minute)
	v.SetDefault("room.idle_timeout", 30*time.Second)
	v.SetDefault("room.history_limit", 50)
	v.SetDefault("host.start_delay", time.Second)
	v.SetDefault("host.interval", 2*time.Second)
	v.SetDefault("ws.read_limit", 4096)
	v.SetDefault("ws.pong_wait", 60*time.Second)
	v.SetDefault("ws.write_wait", 10*time.Second)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("lobbyd", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("addr", "localhost:8000", "server address")
	fs.StringSlice("allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.String("log-format", "console", "log format (console or json)")
	fs.String("store-driver", DriverRedis, "room store driver (redis or memory)")
	fs.String("redis-url", "redis://localhost:6379/0", "redis connection URL")
	fs.Duration("room-retention", 24*time.Hour, "how long an inactive room is kept")
	return fs
}

var flagKeys = map[string]string{
	"addr":            "addr",
	"allowed-origins": "allowed_origins",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"store-driver":    "store.driver",
	"redis-url":       "store.redis_url",
	"room-retention":  "room.retention",
}

// Load reads the configuration from args, LOBBYD_* environment variables
// and an optional config file, in that order of precedence.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}

	switch c.Store.Driver {
	case DriverRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("redis URL cannot be empty")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	for name, d := range map[string]time.Duration{
		"store.op_timeout":  c.Store.OpTimeout,
		"room.retention":    c.Room.Retention,
		"room.claim_ttl":    c.Room.ClaimTTL,
		"room.idle_timeout": c.Room.IdleTimeout,
		"host.start_delay":  c.Host.StartDelay,
		"host.interval":     c.Host.Interval,
		"ws.pong_wait":      c.WS.PongWait,
		"ws.write_wait":     c.WS.WriteWait,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Room.HistoryLimit <= 0 {
		return fmt.Errorf("room.history_limit must be positive")
	}
	if c.WS.ReadLimit <= 0 {
		return fmt.Errorf("ws.read_limit must be positive")
	}

	return nil
}
