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

// State represents the lifecycle state of a component
type State int

const (
	// Inactive means the component is not tracking its dependencies
	Inactive State = iota
	// WaitingForRequired means dependencies are tracked but a required one is missing
	WaitingForRequired
	// InstantiatedAndWaitingForStart means the instance exists and Init ran,
	// but a required instance-bound dependency is missing
	InstantiatedAndWaitingForStart
	// TrackingOptional means the component is started, published and every
	// optional dependency is available
	TrackingOptional
	// Instantiated means the component is started and published but an
	// optional dependency is missing
	Instantiated
	// Destroyed means the component was removed from its manager
	Destroyed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case WaitingForRequired:
		return "waiting-for-required"
	case InstantiatedAndWaitingForStart:
		return "instantiated-and-waiting-for-start"
	case TrackingOptional:
		return "tracking-optional"
	case Instantiated:
		return "instantiated"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// IsActive reports whether the component is started and published
func (s State) IsActive() bool {
	return s == TrackingOptional || s == Instantiated
}

// level orders states along the activation path. Both active states share a
// level: moving between them needs no lifecycle callback.
func (s State) level() int {
	switch s {
	case WaitingForRequired:
		return 1
	case InstantiatedAndWaitingForStart:
		return 2
	case TrackingOptional, Instantiated:
		return 3
	default:
		return 0
	}
}

// StateListener is notified after every state change of a component. It is
// called from the component's serial section and must not block.
type StateListener interface {
	ChangedState(c *Component, state State)
}
