// ABOUTME: Dashboard server configuration from an optional YAML file layered under RTDASH_* env vars.
// ABOUTME: Enforces the security posture: non-loopback binds require an explicit remote opt-in.
package dash

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neurolive/rtdash/hub"
)

// Configuration validation errors.
var (
	ErrNoToken = errors.New(
		"no access token configured; set RTDASH_TOKEN or token: in rtdash.yaml",
	)
	ErrNoWatchDir = errors.New(
		"no watch directory configured; set RTDASH_DIR or dir: in rtdash.yaml",
	)
	ErrNonLoopbackBind = errors.New(
		"bind address is non-loopback but allow_remote is not set; refusing to expose the dashboard",
	)
)

// Config holds every tunable of the dashboard server. All intervals are
// bounded during validation: none may be zero or unbounded.
type Config struct {
	Bind        string  `yaml:"bind"`          // listen address, default 127.0.0.1:8765
	Token       string  `yaml:"token"`         // shared secret for /api/* access
	Dir         string  `yaml:"dir"`           // acquisition output directory to watch
	AssetDir    string  `yaml:"asset_dir"`     // optional static asset directory
	AllowRemote bool    `yaml:"allow_remote"`  // permit non-loopback binds
	SendHz      float64 `yaml:"send_hz"`       // max per-connection delivery rate
	Keepalive   float64 `yaml:"keepalive_sec"` // SSE comment interval while idle
	MetaEvery   float64 `yaml:"meta_interval_sec"`
	LongPollMax float64 `yaml:"long_poll_max_sec"`
	MaxReplay   int     `yaml:"max_replay"`     // rows replayed per tailer start
	MaxStateBody int64  `yaml:"max_state_body"` // byte cap on state patch bodies
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() Config {
	return Config{
		Bind:         "127.0.0.1:8765",
		SendHz:       20,
		Keepalive:    2,
		MetaEvery:    1,
		LongPollMax:  10,
		MaxReplay:    600,
		MaxStateBody: 16 * 1024,
	}
}

// LoadConfig builds the effective configuration: defaults, then the YAML
// file at path (skipped when path is empty or missing), then RTDASH_* env
// vars, then validation.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setString("RTDASH_BIND", &cfg.Bind)
	setString("RTDASH_TOKEN", &cfg.Token)
	setString("RTDASH_DIR", &cfg.Dir)
	setString("RTDASH_ASSET_DIR", &cfg.AssetDir)
	setFloat("RTDASH_SEND_HZ", &cfg.SendHz)
	setFloat("RTDASH_KEEPALIVE_SEC", &cfg.Keepalive)
	setFloat("RTDASH_META_INTERVAL_SEC", &cfg.MetaEvery)
	setFloat("RTDASH_LONG_POLL_MAX_SEC", &cfg.LongPollMax)

	if v := os.Getenv("RTDASH_ALLOW_REMOTE"); v == "true" || v == "1" || v == "yes" {
		cfg.AllowRemote = true
	}
	if v := os.Getenv("RTDASH_MAX_REPLAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReplay = n
		}
	}
}

// Validate checks required fields, clamps every interval into its bounded
// range, and applies the loopback posture.
func (c *Config) Validate() error {
	if c.Token == "" {
		return ErrNoToken
	}
	if c.Dir == "" {
		return ErrNoWatchDir
	}

	c.SendHz = clampFloat(c.SendHz, 0.1, 200)
	c.Keepalive = clampFloat(c.Keepalive, 0.25, 10)
	c.MetaEvery = clampFloat(c.MetaEvery, 0.05, 60)
	c.LongPollMax = clampFloat(c.LongPollMax, 0.1, 10)
	if c.MaxReplay < 0 {
		c.MaxReplay = 0
	}
	if c.MaxStateBody <= 0 {
		c.MaxStateBody = 16 * 1024
	}

	if !c.AllowRemote {
		if host, _, err := net.SplitHostPort(c.Bind); err == nil && host != "" {
			ip := net.ParseIP(host)
			loopback := (ip != nil && ip.IsLoopback()) || (ip == nil && host == "localhost")
			if !loopback {
				return fmt.Errorf("%w: bind=%s", ErrNonLoopbackBind, c.Bind)
			}
		}
	}
	return nil
}

// HubMaxReplay maps the configured replay window onto hub semantics. The
// default is pre-filled before file and env parsing, so a zero here is an
// explicit "replay nothing", not an unset field.
func (c *Config) HubMaxReplay() int {
	if c.MaxReplay == 0 {
		return hub.ReplayNone
	}
	return c.MaxReplay
}

// KeepaliveInterval returns the keepalive setting as a duration.
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.Keepalive * float64(time.Second))
}

// MetaInterval returns the metadata recompute setting as a duration.
func (c *Config) MetaInterval() time.Duration {
	return time.Duration(c.MetaEvery * float64(time.Second))
}

// SendInterval returns the minimum gap between SSE batches at the configured
// server-wide rate.
func (c *Config) SendInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.SendHz)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
