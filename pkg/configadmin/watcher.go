/*
Copyright 2024 The Depmgr Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package configadmin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/interfaces"
)

const recordExt = ".yaml"

// DefaultDebounce is the quiet period before a changed file is read
const DefaultDebounce = 100 * time.Millisecond

// DirectoryWatcher feeds configuration records from a directory of YAML
// files. <pid>.yaml holds a singleton record and <factoryPid>~<name>.yaml an
// instance of a factory configuration.
type DirectoryWatcher struct {
	dir      string
	admin    interfaces.ConfigurationAdmin
	log      logr.Logger
	debounce time.Duration

	mu      sync.Mutex
	known   map[string]string // file -> pid
	pending map[string]*time.Timer
}

// WatcherOption configures a DirectoryWatcher
type WatcherOption func(*DirectoryWatcher)

// WithWatcherLogger sets the watcher logger
func WithWatcherLogger(log logr.Logger) WatcherOption {
	return func(w *DirectoryWatcher) {
		w.log = log
	}
}

// WithDebounce sets the quiet period before a changed file is read
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *DirectoryWatcher) {
		w.debounce = d
	}
}

// NewDirectoryWatcher creates a watcher feeding admin from dir
func NewDirectoryWatcher(dir string, admin interfaces.ConfigurationAdmin, opts ...WatcherOption) *DirectoryWatcher {
	w := &DirectoryWatcher{
		dir:      dir,
		admin:    admin,
		log:      logr.Discard(),
		debounce: DefaultDebounce,
		known:    make(map[string]string),
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Sync loads every record file and deletes the records whose file is gone.
// Files that fail to load are logged and skipped.
func (w *DirectoryWatcher) Sync() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read configuration directory %s: %w", w.dir, err)
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		seen[path] = true
		if err := w.load(path); err != nil {
			w.log.Error(err, "Failed to load configuration file", "file", path)
		}
	}

	w.mu.Lock()
	var gone []string
	for path := range w.known {
		if !seen[path] {
			gone = append(gone, path)
		}
	}
	w.mu.Unlock()

	for _, path := range gone {
		w.remove(path)
	}
	return nil
}

// Start syncs the directory and then follows its changes until ctx is done
func (w *DirectoryWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = watcher.Close()
		w.stopTimers()
	}()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	if err := w.Sync(); err != nil {
		return err
	}

	w.log.Info("Started configuration directory watcher", "dir", w.dir)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, recordExt) {
				continue
			}

			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.schedule(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.cancel(event.Name)
				w.remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error(err, "Configuration directory watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}

// schedule reads path once it stopped changing for the debounce period
func (w *DirectoryWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		if err := w.load(path); err != nil {
			w.log.Error(err, "Failed to load configuration file", "file", path)
		}
	})
}

func (w *DirectoryWatcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *DirectoryWatcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

// load reads one record file and hands it to the admin
func (w *DirectoryWatcher) load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		w.remove(path)
		return nil
	}
	if err != nil {
		return err
	}

	settings := apis.Properties{}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	factoryPID, name := SplitPID(strings.TrimSuffix(filepath.Base(path), recordExt))
	pid := name
	if factoryPID != "" {
		pid, err = w.admin.UpdateFactory(factoryPID, name, settings)
	} else {
		err = w.admin.Update(pid, settings)
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.known[path] = pid
	w.mu.Unlock()

	w.log.V(1).Info("Loaded configuration file", "file", path, "pid", pid)
	return nil
}

func (w *DirectoryWatcher) remove(path string) {
	w.mu.Lock()
	pid, ok := w.known[path]
	delete(w.known, path)
	w.mu.Unlock()

	if !ok {
		return
	}
	if err := w.admin.Delete(pid); err != nil && !errors.Is(err, ErrNotFound) {
		w.log.Error(err, "Failed to delete configuration", "pid", pid)
		return
	}
	w.log.V(1).Info("Removed configuration file", "file", path, "pid", pid)
}
