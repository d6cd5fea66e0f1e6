package distlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/distlock/internal/lockid"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9342"
	// DefaultListenProto controls the network used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultLockTTL is how long a granted lock is held before it expires.
	DefaultLockTTL = 30 * time.Second
	// DefaultSweepInterval sets the pause between expired-lock sweeps.
	DefaultSweepInterval = 2 * time.Second
	// DefaultIDFormat selects random UUIDs for lock tokens.
	DefaultIDFormat = lockid.FormatUUID
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = 64 * 1024
	// DefaultRateBurst is the burst allowance used when a rate limit is set
	// without an explicit burst.
	DefaultRateBurst = 100
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a distlock server.
type Config struct {
	// Listen is the address to bind. For unix sockets it is the socket path.
	Listen string
	// ListenProto is one of tcp, tcp4, tcp6 or unix.
	ListenProto string
	// LockTTL is the lifetime of every granted lock.
	LockTTL time.Duration
	// SweepInterval is the pause between expired-lock sweeps.
	SweepInterval time.Duration
	// IDFormat selects the lock token generator (uuid, uuidv7 or xid).
	IDFormat string
	// JSONMaxBytes caps request bodies.
	JSONMaxBytes int64
	// RateLimit caps lock operations per second. Zero disables limiting.
	RateLimit float64
	// RateBurst is the burst allowance above RateLimit.
	RateBurst int

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export when set. Bare host:port means gRPC;
	// grpc://, grpcs://, http:// and https:// select the transport explicitly.
	OTLPEndpoint string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen protocol %q (options: tcp, tcp4, tcp6, unix)", c.ListenProto)
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	} else if c.LockTTL < 0 {
		return fmt.Errorf("config: lock ttl must be > 0")
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	} else if c.SweepInterval < 0 {
		return fmt.Errorf("config: sweep interval must be > 0")
	}
	c.IDFormat = strings.ToLower(strings.TrimSpace(c.IDFormat))
	if c.IDFormat == "" {
		c.IDFormat = DefaultIDFormat
	}
	if _, err := lockid.New(c.IDFormat); err != nil {
		return fmt.Errorf("config: unknown id format %q (options: %s)", c.IDFormat, strings.Join(lockid.Formats(), ", "))
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("config: rate limit must be >= 0")
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = DefaultRateBurst
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.distlock).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DISTLOCK_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".distlock"), nil
}

// DefaultConfigPath returns the config file read when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
