package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/filament-data/flow.watch/internal/monitoring"
)

// Watch monitors the config file and calls onChange with the newly loaded
// Config each time it changes. The parent directory is watched rather than
// the file itself so atomic saves (write a temp file, rename it over) are
// still seen. Runs until ctx is cancelled.
//
// When a reload fails the previous config remains active and onChange is
// not called.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	name := filepath.Base(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	monitoring.Logf("config: watching %s for changes", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				monitoring.Logf("config: reload failed, keeping previous config: %v", err)
				continue
			}

			monitoring.Logf("config: reloaded %s", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			monitoring.Logf("config: watcher error: %v", err)
		}
	}
}
