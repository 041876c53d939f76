package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/TheSmallBoat/muxstream/lib"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// File is the runtime configuration of a muxstream peer.
type File struct {
	Listen    string
	Addr      string
	Timeout   time.Duration
	BodyLimit uint32
	Secure    bool
	ServerKey string // hex encoded public key the client expects, optional
	Reconnect Reconnect
	LogLevel  zerolog.Level
}

type Reconnect struct {
	Enabled  bool
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   bool
	Attempts int // 0 never gives up
}

func Default() File {
	def := lib.DefaultConfig()
	return File{
		Listen:    ":4444",
		Addr:      "127.0.0.1:4444",
		Timeout:   def.Timeout,
		BodyLimit: def.BodyLimit,
		Reconnect: Reconnect{
			Enabled: true,
			Min:     100 * time.Millisecond,
			Max:     10 * time.Second,
			Factor:  2,
			Jitter:  true,
		},
		LogLevel: zerolog.InfoLevel,
	}
}

// config.toml key mapping.
type fileConfig struct {
	Listen    string          `toml:"listen"`
	Addr      string          `toml:"addr"`
	Timeout   duration        `toml:"timeout"`
	BodyLimit uint32          `toml:"body_limit"`
	Secure    bool            `toml:"secure"`
	ServerKey string          `toml:"server_key"`
	Reconnect reconnectConfig `toml:"reconnect"`
	Log       logConfig       `toml:"log"`
}

type reconnectConfig struct {
	Enabled  bool     `toml:"enabled"`
	Min      duration `toml:"min"`
	Max      duration `toml:"max"`
	Factor   float64  `toml:"factor"`
	Jitter   bool     `toml:"jitter"`
	Attempts int      `toml:"attempts"`
}

type logConfig struct {
	Level string `toml:"level"`
}

// duration accepts Go duration strings such as "250ms" or "10s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads a TOML file and overlays it on Default.
func Load(path string) (File, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return File{}, fmt.Errorf("load config: %w", err)
	}
	return overlay(raw, meta)
}

// Parse is Load for TOML held in memory.
func Parse(data string) (File, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	return overlay(raw, meta)
}

func overlay(raw fileConfig, meta toml.MetaData) (File, error) {
	cfg := Default()

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("timeout") {
		cfg.Timeout = raw.Timeout.Duration
	}
	if meta.IsDefined("body_limit") {
		cfg.BodyLimit = raw.BodyLimit
	}
	if meta.IsDefined("secure") {
		cfg.Secure = raw.Secure
	}
	if meta.IsDefined("server_key") {
		cfg.ServerKey = strings.TrimSpace(raw.ServerKey)
	}
	if meta.IsDefined("reconnect", "enabled") {
		cfg.Reconnect.Enabled = raw.Reconnect.Enabled
	}
	if meta.IsDefined("reconnect", "min") {
		cfg.Reconnect.Min = raw.Reconnect.Min.Duration
	}
	if meta.IsDefined("reconnect", "max") {
		cfg.Reconnect.Max = raw.Reconnect.Max.Duration
	}
	if meta.IsDefined("reconnect", "factor") {
		cfg.Reconnect.Factor = raw.Reconnect.Factor
	}
	if meta.IsDefined("reconnect", "jitter") {
		cfg.Reconnect.Jitter = raw.Reconnect.Jitter
	}
	if meta.IsDefined("reconnect", "attempts") {
		cfg.Reconnect.Attempts = raw.Reconnect.Attempts
	}
	if meta.IsDefined("log", "level") {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw.Log.Level)))
		if err != nil {
			return File{}, fmt.Errorf("load config: invalid log level %q: %w", raw.Log.Level, err)
		}
		cfg.LogLevel = level
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return File{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if err := cfg.Validate(); err != nil {
		return File{}, err
	}

	return cfg, nil
}

func (f File) Validate() error {
	if f.Timeout < 0 {
		return fmt.Errorf("load config: timeout must not be negative")
	}
	if f.BodyLimit == 0 {
		return fmt.Errorf("load config: body_limit must be positive")
	}
	if f.Reconnect.Enabled {
		if f.Reconnect.Min <= 0 || f.Reconnect.Max < f.Reconnect.Min {
			return fmt.Errorf("load config: reconnect needs 0 < min <= max, got min=%s max=%s",
				f.Reconnect.Min, f.Reconnect.Max)
		}
		if f.Reconnect.Factor < 1 {
			return fmt.Errorf("load config: reconnect factor must be at least 1")
		}
		if f.Reconnect.Attempts < 0 {
			return fmt.Errorf("load config: reconnect attempts must not be negative")
		}
	}
	return nil
}

func (f File) Lib() lib.Config {
	return lib.Config{Timeout: f.Timeout, BodyLimit: f.BodyLimit}
}

// Backoff returns nil if reconnection is disabled.
func (f File) Backoff() *backoff.Backoff {
	if !f.Reconnect.Enabled {
		return nil
	}
	return &backoff.Backoff{
		Min:    f.Reconnect.Min,
		Max:    f.Reconnect.Max,
		Factor: f.Reconnect.Factor,
		Jitter: f.Reconnect.Jitter,
	}
}
