// ABOUTME: Tests for configuration layering and validation.
// ABOUTME: Covers the loopback posture, env overrides, and interval clamping.
package dash

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/neurolive/rtdash/hub"
)

func validTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Token = "secret"
	cfg.Dir = "/tmp/out"
	return cfg
}

func TestValidateRequiresTokenAndDir(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}

	cfg.Token = "secret"
	if err := cfg.Validate(); !errors.Is(err, ErrNoWatchDir) {
		t.Errorf("err = %v, want ErrNoWatchDir", err)
	}

	cfg.Dir = "/tmp/out"
	if err := cfg.Validate(); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestValidateRefusesNonLoopbackBind(t *testing.T) {
	cfg := validTestConfig()
	cfg.Bind = "0.0.0.0:8765"
	if err := cfg.Validate(); !errors.Is(err, ErrNonLoopbackBind) {
		t.Errorf("err = %v, want ErrNonLoopbackBind", err)
	}

	cfg.AllowRemote = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("allow_remote should permit the bind, got %v", err)
	}

	cfg = validTestConfig()
	cfg.Bind = "localhost:9000"
	if err := cfg.Validate(); err != nil {
		t.Errorf("localhost bind should pass, got %v", err)
	}
}

func TestValidateClampsIntervals(t *testing.T) {
	cfg := validTestConfig()
	cfg.SendHz = 100000
	cfg.Keepalive = 0
	cfg.MetaEvery = -3
	cfg.LongPollMax = 999
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.SendHz != 200 {
		t.Errorf("SendHz = %v, want 200", cfg.SendHz)
	}
	if cfg.Keepalive != 0.25 {
		t.Errorf("Keepalive = %v, want 0.25", cfg.Keepalive)
	}
	if cfg.MetaEvery != 0.05 {
		t.Errorf("MetaEvery = %v, want 0.05", cfg.MetaEvery)
	}
	if cfg.LongPollMax != 10 {
		t.Errorf("LongPollMax = %v, want 10", cfg.LongPollMax)
	}
}

func TestLoadConfigLayersYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rtdash.yaml")
	yaml := "token: from-yaml\ndir: " + dir + "\nsend_hz: 5\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RTDASH_TOKEN", "from-env")
	t.Setenv("RTDASH_SEND_HZ", "12")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Token != "from-env" {
		t.Errorf("Token = %q, env should win over YAML", cfg.Token)
	}
	if cfg.SendHz != 12 {
		t.Errorf("SendHz = %v, env should win over YAML", cfg.SendHz)
	}
	if cfg.Dir != dir {
		t.Errorf("Dir = %q, want YAML value", cfg.Dir)
	}
}

func TestMaxReplayExplicitZeroMeansNoReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rtdash.yaml")
	yaml := "token: secret\ndir: " + dir + "\nmax_replay: 0\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxReplay != 0 {
		t.Errorf("MaxReplay = %d, explicit zero must survive loading", cfg.MaxReplay)
	}
	if got := cfg.HubMaxReplay(); got != hub.ReplayNone {
		t.Errorf("HubMaxReplay() = %d, want ReplayNone", got)
	}

	// An absent key keeps the default, which maps through unchanged.
	def := validTestConfig()
	if def.MaxReplay != 600 || def.HubMaxReplay() != 600 {
		t.Errorf("default replay = %d -> %d, want 600 -> 600", def.MaxReplay, def.HubMaxReplay())
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("RTDASH_TOKEN", "secret")
	t.Setenv("RTDASH_DIR", "/tmp/out")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Bind != "127.0.0.1:8765" {
		t.Errorf("Bind = %q, want default", cfg.Bind)
	}
}
