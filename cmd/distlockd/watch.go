package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"pkt.systems/distlock/internal/loggingutil"
	"pkt.systems/pslog"
)

// watchLogLevel applies the log-level found in the config file at path every
// time the file changes. It returns when ctx is done. The parent directory is
// watched so editors that replace the file by rename are still observed.
func watchLogLevel(ctx context.Context, path string, levels *loggingutil.LevelSwitch, logger pslog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config.watch.unavailable", "error", err)
		return
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	dir := filepath.Dir(target)
	if err := watcher.Add(dir); err != nil {
		logger.Warn("config.watch.unavailable", "dir", dir, "error", err)
		return
	}
	logger.Debug("config.watch.start", "path", target)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			applyLogLevel(target, levels, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config.watch.error", "error", err)
		}
	}
}

func applyLogLevel(path string, levels *loggingutil.LevelSwitch, logger pslog.Logger) {
	level, found, err := readLogLevel(path)
	if err != nil {
		logger.Warn("config.reload.failed", "path", path, "error", err)
		return
	}
	if !found {
		return
	}
	if levels.Set(level) {
		logger.Info("config.reload.log_level", "path", path, "level", level)
	}
}

// readLogLevel loads path on its own so partially written files never touch
// the running configuration.
func readLogLevel(path string) (pslog.Level, bool, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return pslog.InfoLevel, false, err
	}
	raw := strings.TrimSpace(v.GetString("log-level"))
	if raw == "" {
		return pslog.InfoLevel, false, nil
	}
	level, ok := pslog.ParseLevel(raw)
	if !ok {
		return pslog.InfoLevel, false, fmt.Errorf("invalid log-level %q", raw)
	}
	return level, true, nil
}
