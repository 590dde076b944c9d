package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads taskmaster.yml whenever it changes and hands valid configs to
// onChange. Invalid edits are logged and ignored. It blocks until ctx is done.
func Watch(ctx context.Context, workspace string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors and deploy tools replace the file by rename, so watch the directory.
	path := Path(workspace)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	name := filepath.Base(path)

	var debounce *time.Timer
	reload := func() {
		cfg, err := FromFile(path)
		if err != nil {
			logger.Warn("config reload rejected", "path", path, "error", err)
			return
		}
		logger.Info("config reloaded", "path", path)
		onChange(cfg)
	}
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(evt.Name) != name {
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
