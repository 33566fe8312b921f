// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FileCatalog loads the catalog from a YAML file and hot-reloads it when the
// file changes on disk.
type FileCatalog struct {
	*Memory
	path   string
	logger zerolog.Logger
}

// LoadFile reads and parses the catalog file at path.
func LoadFile(path string, logger zerolog.Logger) (*FileCatalog, error) {
	fc := &FileCatalog{
		Memory: NewMemory(),
		path:   path,
		logger: logger,
	}
	if err := fc.Reload(); err != nil {
		return nil, err
	}
	return fc, nil
}

// Reload re-reads the catalog file and atomically swaps the dataset.
func (fc *FileCatalog) Reload() error {
	raw, err := os.ReadFile(fc.path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", fc.path, err)
	}

	var data Data
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse catalog %s: %w", fc.path, err)
	}

	fc.Replace(data)
	fc.logger.Info().
		Str("path", fc.path).
		Int("movies", len(data.Movies)).
		Int("series", len(data.Series)).
		Int("accounts", len(data.Accounts)).
		Int("profiles", len(data.Profiles)).
		Msg("catalog loaded")
	return nil
}

// Watch blocks until ctx is cancelled, reloading the catalog whenever the
// file is written or replaced. Editors and config management tools often
// rename over the target, so the parent directory is watched, not the file.
func (fc *FileCatalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(fc.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Debounce bursts of write events into one reload.
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(fc.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := fc.Reload(); err != nil {
				fc.logger.Warn().Err(err).Msg("catalog reload failed, keeping previous dataset")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fc.logger.Warn().Err(err).Msg("catalog watcher error")
		}
	}
}
