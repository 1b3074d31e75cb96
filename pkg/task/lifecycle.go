/*
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

package task

// State is a stop on the task lifecycle
// created → queued|pending → claimed → running → completed|failed.
// Queued exists only client-side while wave scheduling holds tasks back;
// pending and claimed exist only in detached sessions. Transitions may
// only move forward.
type State string

const (
	StateCreated   State = "created"
	StateQueued    State = "queued"
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// stateRank totally orders the lifecycle. Queued and pending share a rank
// (client-side vs detached spelling of "waiting"); completed and failed
// share the terminal rank.
var stateRank = map[State]int{
	StateCreated:   0,
	StateQueued:    1,
	StatePending:   1,
	StateClaimed:   2,
	StateRunning:   3,
	StateCompleted: 4,
	StateFailed:    4,
}

// Known reports whether s is one of the lifecycle states.
func (s State) Known() bool {
	_, ok := stateRank[s]
	return ok
}

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransitionTo reports whether moving from s to "to" respects the
// forward-only lifecycle order.
func (s State) CanTransitionTo(to State) bool {
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	next, ok := stateRank[to]
	if !ok {
		return false
	}
	return next > from
}
