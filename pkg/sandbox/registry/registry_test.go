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

import (
	"errors"
	"testing"

	"github.com/sandboxops/sandboxd/testutil"
)

func TestReserve(t *testing.T) {
	r := New(nil)

	first, err := r.Reserve(Deployment{ID: "abc123", Image: "ex/app:1", Port: 3000})

	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, Pending, first.State)
	if first.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}

	_, err = r.Reserve(Deployment{ID: "abc123", Image: "ex/app:2"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestAdvance(t *testing.T) {
	tests := []struct {
		description string
		path        []State
		to          State
		shouldErr   bool
	}{
		{description: "pending to pulling", path: nil, to: Pulling},
		{description: "full happy path", path: []State{Pulling, Starting}, to: Running},
		{description: "running to unhealthy", path: []State{Pulling, Starting, Running}, to: Unhealthy},
		{description: "unhealthy back to running", path: []State{Pulling, Starting, Running, Unhealthy}, to: Running},
		{description: "stopping to removed", path: []State{Pulling, Starting, Running, Stopping}, to: Removed},
		{description: "pending cannot run", path: nil, to: Running, shouldErr: true},
		{description: "removed is terminal", path: []State{Pulling, Starting, Running, Stopping, Removed}, to: Running, shouldErr: true},
		{description: "failed is terminal", path: []State{Failed}, to: Pulling, shouldErr: true},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			r := New(nil)
			if _, err := r.Reserve(Deployment{ID: "d1"}); err != nil {
				t.Fatal(err)
			}
			for _, s := range test.path {
				if _, err := r.Advance("d1", s); err != nil {
					t.Fatalf("advancing to %s: %v", s, err)
				}
			}

			d, err := r.Advance("d1", test.to)

			testutil.CheckError(t, test.shouldErr, err)
			if !test.shouldErr {
				testutil.CheckDeepEqual(t, test.to, d.State)
			}
		})
	}
}

func TestAdvanceFailedFromAnyNonTerminal(t *testing.T) {
	for _, from := range []State{Pending, Pulling, Starting, Running, Unhealthy, Stopping} {
		if !from.CanTransition(Failed) {
			t.Errorf("expected %s -> failed to be allowed", from)
		}
	}
	for _, terminal := range []State{Removed, Failed} {
		if terminal.CanTransition(Failed) {
			t.Errorf("expected %s to be terminal", terminal)
		}
		if !terminal.Terminal() {
			t.Errorf("expected %s.Terminal()", terminal)
		}
	}
}

func TestAdvanceInvalidTransitionError(t *testing.T) {
	r := New(nil)
	if _, err := r.Reserve(Deployment{ID: "d1"}); err != nil {
		t.Fatal(err)
	}

	_, err := r.Advance("d1", Stopping)

	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	testutil.CheckDeepEqual(t, Pending, invalid.From)
	testutil.CheckDeepEqual(t, Stopping, invalid.To)
}

func TestAdvanceNotFound(t *testing.T) {
	r := New(nil)

	_, err := r.Advance("ghost", Pulling)

	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceAppliesFields(t *testing.T) {
	r := New(nil)
	if _, err := r.Reserve(Deployment{ID: "d1"}); err != nil {
		t.Fatal(err)
	}
	for _, s := range []State{Pulling, Starting} {
		if _, err := r.Advance("d1", s); err != nil {
			t.Fatal(err)
		}
	}

	d, err := r.Advance("d1", Running, WithContainerID("cafe12"))

	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, "cafe12", d.ContainerID)

	got, ok := r.Get("d1")
	if !ok {
		t.Fatal("expected d1 to exist")
	}
	testutil.CheckDeepEqual(t, "cafe12", got.ContainerID)
}

func TestNotifierOrder(t *testing.T) {
	var got []State
	r := New(func(d Deployment, from, to State) {
		got = append(got, to)
	})

	if _, err := r.Reserve(Deployment{ID: "d1"}); err != nil {
		t.Fatal(err)
	}
	for _, s := range []State{Pulling, Starting, Running, Stopping, Removed} {
		if _, err := r.Advance("d1", s); err != nil {
			t.Fatal(err)
		}
	}

	testutil.CheckDeepEqual(t, []State{Pulling, Starting, Running, Stopping, Removed}, got)
}

func TestDrop(t *testing.T) {
	r := New(nil)
	if _, err := r.Reserve(Deployment{ID: "d1"}); err != nil {
		t.Fatal(err)
	}

	testutil.CheckDeepEqual(t, true, r.Drop("d1"))
	testutil.CheckDeepEqual(t, false, r.Drop("d1"))

	if _, ok := r.Get("d1"); ok {
		t.Error("expected d1 to be gone")
	}
}

func TestListOrdering(t *testing.T) {
	r := New(nil)
	for _, id := range []string{"b", "a", "c"} {
		if _, err := r.Reserve(Deployment{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	var ids []string
	for _, d := range r.List() {
		ids = append(ids, d.ID)
	}

	// reservation order, since each record gets a later timestamp
	testutil.CheckDeepEqual(t, []string{"b", "a", "c"}, ids)
}
