/*
Copyright 2026 The Sandboxd Authors

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

package registry

// State is a deployment lifecycle state.
type State string

const (
	Pending   State = "pending"
	Pulling   State = "pulling"
	Starting  State = "starting"
	Running   State = "running"
	Unhealthy State = "unhealthy"
	Stopping  State = "stopping"
	Removed   State = "removed"
	Failed    State = "failed"
)

// transitions is the full lifecycle table. Failed is reachable from any
// non-terminal state; Removed and Failed are terminal.
var transitions = map[State][]State{
	Pending:   {Pulling, Failed},
	Pulling:   {Starting, Failed},
	Starting:  {Running, Failed},
	Running:   {Stopping, Unhealthy, Failed},
	Unhealthy: {Running, Stopping, Failed},
	Stopping:  {Removed, Failed},
	Removed:   {},
	Failed:    {},
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether the lifecycle table allows s -> to.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
