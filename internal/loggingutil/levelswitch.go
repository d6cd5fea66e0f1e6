package loggingutil

import (
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
)

// LevelSwitch hands out loggers whose minimum level can be changed after
// they were created. Loggers derived through With keep following the switch.
type LevelSwitch struct {
	base pslog.Logger

	mu    sync.RWMutex
	level pslog.Level
	gen   uint64
	cur   pslog.Logger
}

// NewLevelSwitch wraps base and applies level to it.
func NewLevelSwitch(base pslog.Logger, level pslog.Level) *LevelSwitch {
	base = EnsureLogger(base)
	return &LevelSwitch{
		base:  base,
		level: level,
		cur:   base.LogLevel(level),
	}
}

// Set changes the level for every logger obtained from the switch. It
// reports whether the level differed from the previous one.
func (s *LevelSwitch) Set(level pslog.Level) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level == s.level {
		return false
	}
	s.level = level
	s.gen++
	s.cur = s.base.LogLevel(level)
	return true
}

// Level returns the active level.
func (s *LevelSwitch) Level() pslog.Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// Logger returns a logger bound to the switch.
func (s *LevelSwitch) Logger() pslog.Logger {
	return &switchLogger{sw: s}
}

func (s *LevelSwitch) snapshot() (uint64, pslog.Logger) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen, s.cur
}

type resolvedLogger struct {
	gen    uint64
	logger pslog.Logger
}

type switchLogger struct {
	sw      *LevelSwitch
	keyvals []any
	cache   atomic.Pointer[resolvedLogger]
}

func (l *switchLogger) resolve() pslog.Logger {
	gen, cur := l.sw.snapshot()
	if cached := l.cache.Load(); cached != nil && cached.gen == gen {
		return cached.logger
	}
	if len(l.keyvals) > 0 {
		cur = cur.With(l.keyvals...)
	}
	l.cache.Store(&resolvedLogger{gen: gen, logger: cur})
	return cur
}

func (l *switchLogger) Trace(msg string, keyvals ...any) { l.resolve().Trace(msg, keyvals...) }
func (l *switchLogger) Debug(msg string, keyvals ...any) { l.resolve().Debug(msg, keyvals...) }
func (l *switchLogger) Info(msg string, keyvals ...any)  { l.resolve().Info(msg, keyvals...) }
func (l *switchLogger) Warn(msg string, keyvals ...any)  { l.resolve().Warn(msg, keyvals...) }
func (l *switchLogger) Error(msg string, keyvals ...any) { l.resolve().Error(msg, keyvals...) }
func (l *switchLogger) Fatal(msg string, keyvals ...any) { l.resolve().Fatal(msg, keyvals...) }
func (l *switchLogger) Panic(msg string, keyvals ...any) { l.resolve().Panic(msg, keyvals...) }

func (l *switchLogger) Log(level pslog.Level, msg string, keyvals ...any) {
	l.resolve().Log(level, msg, keyvals...)
}

func (l *switchLogger) With(keyvals ...any) pslog.Logger {
	merged := make([]any, 0, len(l.keyvals)+len(keyvals))
	merged = append(merged, l.keyvals...)
	merged = append(merged, keyvals...)
	return &switchLogger{sw: l.sw, keyvals: merged}
}

// The remaining methods pin a level, so the result no longer follows the switch.

func (l *switchLogger) WithLogLevel() pslog.Logger {
	return l.resolve().WithLogLevel()
}

func (l *switchLogger) LogLevel(level pslog.Level) pslog.Logger {
	return l.detached().LogLevel(level)
}

func (l *switchLogger) LogLevelFromEnv(key string) pslog.Logger {
	return l.detached().LogLevelFromEnv(key)
}

func (l *switchLogger) detached() pslog.Logger {
	if len(l.keyvals) == 0 {
		return l.sw.base
	}
	return l.sw.base.With(l.keyvals...)
}
