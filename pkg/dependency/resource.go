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

package dependency

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/ahoma/depmgr/pkg/apis"
)

// Properties describing a resource candidate
const (
	ResourcePath = "resource.path"
	ResourceName = "resource.name"
	ResourceSize = "resource.size"
)

// ResourceDependency tracks the files of a directory whose base name matches
// a glob pattern. Each matching file is a candidate whose value is its path.
type ResourceDependency struct {
	base
	dir     string
	pattern string

	order atomic.Int64

	trackMu sync.Mutex
	owner   Owner
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ Dependency = &ResourceDependency{}

// Resource declares a dependency on files in dir matching pattern
func Resource(dir, pattern string, opts ...Option) *ResourceDependency {
	return &ResourceDependency{
		base:    newBase(KindResource, newShape(filepath.Join(dir, pattern), false, opts)),
		dir:     dir,
		pattern: pattern,
	}
}

// Matches reports whether the candidate path is in the directory and matches the pattern
func (d *ResourceDependency) Matches(ev Event) bool {
	path, ok := ev.Value.(string)
	if !ok {
		return false
	}
	return d.matchesPath(path)
}

func (d *ResourceDependency) matchesPath(path string) bool {
	if filepath.Clean(filepath.Dir(path)) != filepath.Clean(d.dir) {
		return false
	}
	ok, err := filepath.Match(d.pattern, filepath.Base(path))
	return err == nil && ok
}

// Start watches the directory and seeds the files already present
func (d *ResourceDependency) Start(owner Owner) error {
	if _, err := filepath.Match(d.pattern, ""); err != nil {
		return fmt.Errorf("resource dependency %q: %w", d.name, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("resource dependency %q: %w", d.name, err)
	}
	if err := watcher.Add(d.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("resource dependency %q: watch %s: %w", d.name, d.dir, err)
	}

	d.begin()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		_ = watcher.Close()
		d.end()
		return fmt.Errorf("resource dependency %q: %w", d.name, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		if ev, ok := d.eventFor(path); ok {
			d.seed(ev)
		}
	}

	done := make(chan struct{})
	d.trackMu.Lock()
	d.owner = owner
	d.watcher = watcher
	d.done = done
	d.trackMu.Unlock()

	d.wg.Add(1)
	go d.watch(owner, watcher, done)

	owner.Logger().V(1).Info("Started resource watcher", "dir", d.dir, "pattern", d.pattern)
	return nil
}

func (d *ResourceDependency) watch(owner Owner, watcher *fsnotify.Watcher, done <-chan struct{}) {
	defer d.wg.Done()
	log := owner.Logger().WithName("resource-watcher")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !d.matchesPath(event.Name) {
				continue
			}

			var (
				action Action
				ev     = Event{Key: event.Name, Value: event.Name}
			)
			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				action = Remove
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				found, ok := d.eventFor(event.Name)
				if !ok {
					continue
				}
				action, ev = Change, found
			default:
				continue
			}

			owner.Post(d, action, ev)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error(err, "Resource watcher error")

		case <-done:
			return
		}
	}
}

func (d *ResourceDependency) eventFor(path string) (Event, bool) {
	if !d.matchesPath(path) {
		return Event{}, false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Event{}, false
	}
	return Event{
		Key:   path,
		Value: path,
		Properties: apis.Properties{
			ResourcePath: path,
			ResourceName: info.Name(),
			ResourceSize: info.Size(),
		},
		Order: d.order.Add(1),
	}, true
}

// Stop closes the watcher and waits for the watch loop to exit
func (d *ResourceDependency) Stop() {
	d.trackMu.Lock()
	watcher, done := d.watcher, d.done
	d.watcher, d.done, d.owner = nil, nil, nil
	d.trackMu.Unlock()

	if done != nil {
		close(done)
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	d.wg.Wait()
	d.end()
}

// Copy returns an unstarted dependency with the same declaration
func (d *ResourceDependency) Copy() Dependency {
	return Resource(d.dir, d.pattern, d.shape.options()...)
}
