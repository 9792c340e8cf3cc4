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

// Package registry is the authoritative in-memory map of deployments and
// their lifecycle state.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrAlreadyExists is returned by Reserve when the id is live.
	ErrAlreadyExists = errors.New("deployment already exists")

	// ErrNotFound is returned when the deployment id is not in the registry.
	ErrNotFound = errors.New("deployment not found")
)

// InvalidTransitionError reports a lifecycle move the transition table
// forbids.
type InvalidTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("deployment %q: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// Deployment is the registry's record of one sandbox deployment. The id
// doubles as the URL path prefix under the sandbox domain.
type Deployment struct {
	ID          string            `json:"id"`
	Image       string            `json:"image"`
	Port        int               `json:"port"`
	Env         map[string]string `json:"env,omitempty"`
	TTLMinutes  int               `json:"ttl_minutes"`
	CreatedAt   time.Time         `json:"created_at"`
	State       State             `json:"status"`
	ContainerID string            `json:"container_id,omitempty"`
	URL         string            `json:"url"`
	Error       string            `json:"error,omitempty"`
}

// Field mutates a deployment during Advance.
type Field func(*Deployment)

// WithContainerID records the container backing the deployment.
func WithContainerID(id string) Field {
	return func(d *Deployment) { d.ContainerID = id }
}

// WithError records why a deployment failed.
func WithError(msg string) Field {
	return func(d *Deployment) { d.Error = msg }
}

// Notifier observes committed state changes. It runs in mutation order and
// must not block: anything slow belongs on the receiving side of a queue.
type Notifier func(d Deployment, from, to State)

// Registry serializes all deployment mutations under one mutex. No I/O
// happens while it is held.
type Registry struct {
	mu          sync.Mutex
	deployments map[string]*Deployment
	notify      Notifier
}

// New returns an empty registry. notify may be nil.
func New(notify Notifier) *Registry {
	if notify == nil {
		notify = func(Deployment, State, State) {}
	}
	return &Registry{
		deployments: map[string]*Deployment{},
		notify:      notify,
	}
}

// Reserve inserts d in state Pending. The id must be absent, otherwise
// ErrAlreadyExists. A zero CreatedAt is stamped with the current UTC time.
func (r *Registry) Reserve(d Deployment) (Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deployments[d.ID]; ok {
		return Deployment{}, fmt.Errorf("reserving %q: %w", d.ID, ErrAlreadyExists)
	}

	d.State = Pending
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	r.deployments[d.ID] = &d
	return d, nil
}

// Advance moves a deployment to a new state, applying fields first. The move
// must be allowed by the lifecycle table. The notifier fires after the
// mutation commits.
func (r *Registry) Advance(id string, to State, fields ...Field) (Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deployments[id]
	if !ok {
		return Deployment{}, fmt.Errorf("advancing %q: %w", id, ErrNotFound)
	}

	from := d.State
	if !from.CanTransition(to) {
		return Deployment{}, &InvalidTransitionError{ID: id, From: from, To: to}
	}

	for _, apply := range fields {
		apply(d)
	}
	d.State = to

	committed := *d
	r.notify(committed, from, to)
	return committed, nil
}

// Drop removes the record, reporting whether it existed.
func (r *Registry) Drop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.deployments[id]
	delete(r.deployments, id)
	return ok
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (Deployment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deployments[id]
	if !ok {
		return Deployment{}, false
	}
	return *d, true
}

// List returns copies of every record, oldest first, ties broken by id.
func (r *Registry) List() []Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Deployment, 0, len(r.deployments))
	for _, d := range r.deployments {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
