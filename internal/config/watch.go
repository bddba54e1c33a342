package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/your-org/box-spread-bot/pkg/logger"
)

// Watch reloads the config file whenever it is written, recreated or renamed
// into place. Bursts of events within debounce reload once. onChange, if set,
// receives the previous and the new config. A file that fails to parse keeps
// the current config in place. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, configPath string, debounce time.Duration, onChange func(prev, next *Config)) error {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()

	// editors replace the file, so watch the directory and filter by name
	target := filepath.Clean(configPath)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config watch: add %s: %w", filepath.Dir(target), err)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("config watch: %v", err)
		case <-timer.C:
			prev := GetConfig()
			next, err := ReloadConfig(configPath)
			if err != nil {
				logger.Errorf("config watch: keeping previous config: %v", err)
				continue
			}
			logger.Infof("config reloaded from %s (run_state=%s)", configPath, next.RunState)
			if onChange != nil {
				onChange(prev, next)
			}
		}
	}
}
