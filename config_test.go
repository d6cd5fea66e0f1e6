package distlock

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.ListenProto != "tcp" {
		t.Fatalf("expected listen proto default tcp, got %s", cfg.ListenProto)
	}
	if cfg.LockTTL != DefaultLockTTL {
		t.Fatalf("expected lock ttl %v, got %v", DefaultLockTTL, cfg.LockTTL)
	}
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("expected sweep interval %v, got %v", DefaultSweepInterval, cfg.SweepInterval)
	}
	if cfg.IDFormat != DefaultIDFormat {
		t.Fatalf("expected id format %q, got %q", DefaultIDFormat, cfg.IDFormat)
	}
	if cfg.JSONMaxBytes != DefaultJSONMaxBytes {
		t.Fatalf("expected json max %d, got %d", DefaultJSONMaxBytes, cfg.JSONMaxBytes)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("expected shutdown timeout %v, got %v", DefaultShutdownTimeout, cfg.ShutdownTimeout)
	}
	if cfg.RateBurst != 0 {
		t.Fatalf("expected no burst without rate limit, got %d", cfg.RateBurst)
	}
}

func TestConfigValidateNormalizes(t *testing.T) {
	cfg := Config{ListenProto: " UNIX ", IDFormat: "XID", RateLimit: 50}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenProto != "unix" {
		t.Fatalf("expected unix, got %q", cfg.ListenProto)
	}
	if cfg.IDFormat != "xid" {
		t.Fatalf("expected xid, got %q", cfg.IDFormat)
	}
	if cfg.RateBurst != DefaultRateBurst {
		t.Fatalf("expected default burst, got %d", cfg.RateBurst)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"listen proto", Config{ListenProto: "udp"}, "listen protocol"},
		{"negative ttl", Config{LockTTL: -time.Second}, "lock ttl"},
		{"negative sweep", Config{SweepInterval: -time.Second}, "sweep interval"},
		{"id format", Config{IDFormat: "snowflake"}, "id format"},
		{"rate limit", Config{RateLimit: -1}, "rate limit"},
		{"profiling", Config{EnableProfilingMetrics: true}, "metrics-listen"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.HasPrefix(err.Error(), "config:") || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("unexpected error %q", err)
			}
		})
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DISTLOCK_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath: %v", err)
	}
	if path != filepath.Join(dir, DefaultConfigFileName) {
		t.Fatalf("unexpected config path %q", path)
	}
}
