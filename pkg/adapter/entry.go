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

package adapter

import (
	"sync"

	"github.com/ahoma/depmgr/pkg/component"
)

// entry serializes the operations on one configuration identity. Tickets
// are handed out under the adapter lock, so operations run strictly in the
// order they reached the adapter.
type entry struct {
	mu      sync.Mutex
	turn    *sync.Cond
	serving uint64

	// guarded by Adapter.mu
	next    uint64
	waiters int

	// owned by the ticket holder
	child    *component.Component
	instance any
}

func newEntry() *entry {
	e := &entry{}
	e.turn = sync.NewCond(&e.mu)
	return e
}

// acquire waits for the turn of a new operation on id
func (a *Adapter) acquire(id string) *entry {
	a.mu.Lock()
	e, ok := a.entries[id]
	if !ok {
		e = newEntry()
		a.entries[id] = e
	}
	ticket := e.next
	e.next++
	e.waiters++
	a.mu.Unlock()

	e.mu.Lock()
	for e.serving != ticket {
		e.turn.Wait()
	}
	e.mu.Unlock()
	return e
}

// release hands the turn to the next operation and drops idle entries
func (a *Adapter) release(id string, e *entry) {
	e.mu.Lock()
	e.serving++
	e.turn.Broadcast()
	e.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	e.waiters--
	if e.waiters == 0 && e.child == nil {
		delete(a.entries, id)
	}
}
