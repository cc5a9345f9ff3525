package logging

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch re-applies logging configuration whenever the config file changes,
// until the context is canceled. The reload callback reads the current
// file and returns the logging section; editors that replace the file
// (rename-over) are handled by watching the parent directory.
func Watch(ctx context.Context, path string, m *Manager, reload func() (Config, error), logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	logger = logger.With(slog.String("component", "config-watcher"))

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close() //nolint:errcheck
		return err
	}

	go func() {
		defer watcher.Close() //nolint:errcheck
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := reload()
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				m.Reconfigure(cfg)
				logger.Info("logging reconfigured",
					slog.String("level", cfg.Level),
					slog.String("format", cfg.Format))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
