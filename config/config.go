// Package config loads the muxrpcd TOML configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-hclog"

	"muxrpc/codec"
	"muxrpc/frame"
	"muxrpc/registry"
)

// Config is the resolved server configuration.
type Config struct {
	ListenAddr      string
	AdvertiseAddr   string // defaults to ListenAddr
	Codec           codec.CodecType
	MaxPayloadSize  uint64
	LogLevel        hclog.Level
	EtcdEndpoints   []string // empty disables registration
	EtcdPrefix      string
	RateLimit       float64 // requests per second; 0 disables limiting
	RateBurst       int
	RequestTimeout  time.Duration // 0 disables the timeout middleware
	ShutdownTimeout time.Duration
}

func Default() Config {
	return Config{
		ListenAddr:      "127.0.0.1:9090",
		Codec:           codec.CodecTypeJSON,
		MaxPayloadSize:  frame.DefaultMaxPayloadSize,
		LogLevel:        hclog.Info,
		EtcdPrefix:      registry.DefaultKeyPrefix,
		RequestTimeout:  5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

type fileConfig struct {
	Listen          string   `toml:"listen"`
	Advertise       string   `toml:"advertise"`
	Codec           string   `toml:"codec"`
	MaxPayloadSize  uint64   `toml:"max_payload_size"`
	LogLevel        string   `toml:"log_level"`
	EtcdEndpoints   []string `toml:"etcd_endpoints"`
	EtcdPrefix      string   `toml:"etcd_prefix"`
	RateLimit       float64  `toml:"rate_limit"`
	RateBurst       int      `toml:"rate_burst"`
	RequestTimeout  string   `toml:"request_timeout"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`
}

// Load reads path on top of Default. Keys absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return resolve(raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return resolve(raw, meta)
}

func resolve(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	cfg := Default()

	if meta.IsDefined("listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("advertise") {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.Advertise)
	}
	if meta.IsDefined("codec") {
		ct, err := codec.ParseCodecType(strings.TrimSpace(raw.Codec))
		if err != nil {
			return Config{}, err
		}
		cfg.Codec = ct
	}
	if meta.IsDefined("max_payload_size") {
		cfg.MaxPayloadSize = raw.MaxPayloadSize
	}
	if meta.IsDefined("log_level") {
		level := hclog.LevelFromString(strings.TrimSpace(raw.LogLevel))
		if level == hclog.NoLevel {
			return Config{}, fmt.Errorf("unknown log_level %q", raw.LogLevel)
		}
		cfg.LogLevel = level
	}
	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = normalize(raw.EtcdEndpoints)
	}
	if meta.IsDefined("etcd_prefix") {
		cfg.EtcdPrefix = strings.TrimRight(strings.TrimSpace(raw.EtcdPrefix), "/")
	}
	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RequestTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.ListenAddr
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return cfg, cfg.Validate()
}

// Validate reports the first setting muxrpcd cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("listen address is required")
	case c.MaxPayloadSize == 0:
		return errors.New("max_payload_size must be positive")
	case c.RateLimit < 0:
		return errors.New("rate_limit must not be negative")
	case c.RequestTimeout < 0:
		return errors.New("request_timeout must not be negative")
	case c.ShutdownTimeout <= 0:
		return errors.New("shutdown_timeout must be positive")
	case c.EtcdPrefix == "" && len(c.EtcdEndpoints) > 0:
		return errors.New("etcd_prefix must not be empty")
	}
	return nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
