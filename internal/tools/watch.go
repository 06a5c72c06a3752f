package tools

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of write events from editors and atomic
// renames into one reload.
const watchDebounce = 250 * time.Millisecond

// WatchProvidersFile reloads the registry whenever the provider file changes.
// The parent directory is watched so atomic replace (write temp, rename) is
// seen. Blocks until ctx is done.
func WatchProvidersFile(ctx context.Context, path string, registry *Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	if err := reloadProvidersFile(path, registry, logger); err != nil {
		logger.Warn("initial provider file load failed", "path", path, "error", err)
	}

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			if err := reloadProvidersFile(path, registry, logger); err != nil {
				logger.Warn("provider file reload failed", "path", path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("provider file watch error", "error", err)
		}
	}
}

func reloadProvidersFile(path string, registry *Registry, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	providers, err := ParseProviders(string(data))
	if err != nil {
		return err
	}
	registry.Reload(providers)
	logger.Info("tool providers reloaded", "path", path, "providers", len(providers))
	return nil
}
