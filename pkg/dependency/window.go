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
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ahoma/depmgr/pkg/apis"
)

// Properties describing an open window
const (
	WindowSchedule = "window.schedule"
	WindowDuration = "window.duration"
	WindowOpened   = "window.opened"
)

// DefaultWindowInterval is how often a WindowDependency re-evaluates its window
const DefaultWindowInterval = 30 * time.Second

// Window is a recurring time window
type Window struct {
	// Schedule is the parsed cron schedule
	Schedule cron.Schedule
	// Duration is how long the window lasts
	Duration time.Duration
}

// ParseWindow parses a 5-field cron schedule (minute hour day month weekday)
// and a duration
func ParseWindow(schedule, duration string) (*Window, error) {
	if schedule == "" || duration == "" {
		return nil, fmt.Errorf("both schedule and duration must be specified")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	d, err := time.ParseDuration(duration)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", duration, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("invalid duration %q: must be positive", duration)
	}

	return &Window{Schedule: s, Duration: d}, nil
}

// Opened returns the start of the window containing t
func (w *Window) Opened(t time.Time) (time.Time, bool) {
	t = t.UTC()

	// The next occurrence after t-duration is the latest one that can still cover t.
	last := w.Schedule.Next(t.Add(-w.Duration))
	end := last.Add(w.Duration)

	if !t.Before(last) && t.Before(end) {
		return last, true
	}
	return time.Time{}, false
}

// Contains reports whether t falls inside the window
func (w *Window) Contains(t time.Time) bool {
	_, ok := w.Opened(t)
	return ok
}

// WindowDependency is available only while the current time is inside a
// recurring window. Its single candidate is keyed by the window start.
type WindowDependency struct {
	base
	schedule string
	duration string
	interval time.Duration
	now      func() time.Time

	trackMu sync.Mutex
	owner   Owner
	window  *Window
	current string
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ Dependency = &WindowDependency{}

// TimeWindow declares a dependency on the window described by a cron
// schedule and a duration
func TimeWindow(name, schedule, duration string, opts ...Option) *WindowDependency {
	return &WindowDependency{
		base:     newBase(KindCustom, newShape(name, false, opts)),
		schedule: schedule,
		duration: duration,
		interval: DefaultWindowInterval,
		now:      time.Now,
	}
}

// WithInterval sets how often the window is re-evaluated
func (d *WindowDependency) WithInterval(interval time.Duration) *WindowDependency {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// WithClock replaces the time source
func (d *WindowDependency) WithClock(now func() time.Time) *WindowDependency {
	if now != nil {
		d.now = now
	}
	return d
}

// Start parses the window, seeds it when open and begins periodic evaluation
func (d *WindowDependency) Start(owner Owner) error {
	w, err := ParseWindow(d.schedule, d.duration)
	if err != nil {
		return fmt.Errorf("window dependency %q: %w", d.name, err)
	}

	d.begin()

	done := make(chan struct{})
	d.trackMu.Lock()
	d.owner = owner
	d.window = w
	d.done = done
	d.current = ""
	d.trackMu.Unlock()

	if ev, ok := d.evaluate(); ok {
		d.trackMu.Lock()
		d.current = ev.Key
		d.trackMu.Unlock()
		d.seed(ev)
	}

	d.wg.Add(1)
	go d.loop(done)
	return nil
}

func (d *WindowDependency) loop(done <-chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.transition(true)
		case <-done:
			return
		}
	}
}

// Evaluate checks the window now and reports a transition to the owner. It
// must not be called from the owner's callbacks.
func (d *WindowDependency) Evaluate() {
	d.transition(false)
}

// transition reports a change of the open window. The evaluation loop posts
// instead of handling so that it never runs the owner's callbacks itself.
func (d *WindowDependency) transition(post bool) {
	ev, open := d.evaluate()

	d.trackMu.Lock()
	owner := d.owner
	prev := d.current
	if open {
		d.current = ev.Key
	} else {
		d.current = ""
	}
	d.trackMu.Unlock()

	if owner == nil || prev == ev.Key {
		return
	}

	report := func(action Action, ev Event, msg string) {
		if post {
			owner.Post(d, action, ev)
			return
		}
		if err := owner.Handle(d, action, ev); err != nil {
			owner.Logger().Error(err, msg, "dependency", d.name)
		}
	}
	if prev != "" {
		report(Remove, Event{Key: prev}, "Window close handling failed")
	}
	if open {
		report(Add, ev, "Window open handling failed")
	}
}

func (d *WindowDependency) evaluate() (Event, bool) {
	d.trackMu.Lock()
	w := d.window
	d.trackMu.Unlock()
	if w == nil {
		return Event{}, false
	}

	opened, ok := w.Opened(d.now())
	if !ok {
		return Event{}, false
	}
	return Event{
		Key:   "window/" + opened.Format(time.RFC3339),
		Value: opened,
		Properties: apis.Properties{
			WindowSchedule: d.schedule,
			WindowDuration: d.duration,
			WindowOpened:   opened.Format(time.RFC3339),
		},
		Order: opened.Unix(),
	}, true
}

// Stop ends periodic evaluation
func (d *WindowDependency) Stop() {
	d.trackMu.Lock()
	done := d.done
	d.done, d.owner, d.window, d.current = nil, nil, nil, ""
	d.trackMu.Unlock()

	if done != nil {
		close(done)
	}
	d.wg.Wait()
	d.end()
}

// Copy returns an unstarted dependency with the same declaration
func (d *WindowDependency) Copy() Dependency {
	c := TimeWindow(d.name, d.schedule, d.duration, d.shape.options()...)
	c.interval = d.interval
	c.now = d.now
	return c
}
