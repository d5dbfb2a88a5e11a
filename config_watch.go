package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchConfig reloads the config file on change and hands the result to
// onChange. A file that no longer parses is logged and the old tables stay.
func watchConfig(path string, onChange func(*Config)) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", path, err)
	}
	target := filepath.Clean(path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := readConfig(path)
				if err != nil {
					slog.Warn("config reload skipped", "path", path, "err", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
