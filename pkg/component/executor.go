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

package component

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// serialExecutor runs the tasks of one component strictly one at a time in
// submission order. There is no dedicated goroutine: the first caller that
// finds the executor idle drains the queue, including tasks submitted by
// other goroutines meanwhile. Tasks submitted from inside a running task are
// queued and run after it, so callbacks may call back into their component.
// Goroutines owned by a dependency use post so they never drain.
type serialExecutor struct {
	log logr.Logger

	mu      sync.Mutex
	tasks   []func()
	running bool
}

func newSerialExecutor(log logr.Logger) *serialExecutor {
	return &serialExecutor{log: log}
}

// execute queues task and drains the queue if no other goroutine is doing so
func (e *serialExecutor) execute(task func()) {
	if e.enqueue(task) {
		e.drain()
	}
}

// post queues task without running it on the calling goroutine. An idle
// queue is drained on a new goroutine.
func (e *serialExecutor) post(task func()) {
	if e.enqueue(task) {
		go e.drain()
	}
}

// enqueue adds task and reports whether the caller must drain
func (e *serialExecutor) enqueue(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	if e.running {
		return false
	}
	e.running = true
	return true
}

// executeAndWait queues task and returns once it ran. It must not be called
// from a task of the same executor.
func (e *serialExecutor) executeAndWait(task func()) {
	done := make(chan struct{})
	e.execute(func() {
		defer close(done)
		task()
	})
	<-done
}

func (e *serialExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		task := e.tasks[0]
		e.tasks[0] = nil
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		e.run(task)
	}
}

func (e *serialExecutor) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error(fmt.Errorf("panic: %v", r), "Component task panicked")
		}
	}()
	task()
}
