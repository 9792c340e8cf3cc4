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

package reaper

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/sandboxops/sandboxd/pkg/sandbox/docker"
	"github.com/sandboxops/sandboxd/pkg/sandbox/registry"
	"github.com/sandboxops/sandboxd/testutil"
)

type fakeEngine struct {
	containers []docker.Container
	failNames  map[string]bool
	listErr    error
	removed    []string
}

func (f *fakeEngine) Teardown(_ context.Context, name string) error {
	if f.failNames[name] {
		return errors.New("engine unavailable")
	}
	f.removed = append(f.removed, name)
	for i, c := range f.containers {
		if c.Name == name {
			f.containers = append(f.containers[:i], f.containers[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeEngine) ListSandboxContainers(context.Context) ([]docker.Container, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]docker.Container{}, f.containers...), nil
}

func newTestReaper(engine *fakeEngine) (*Reaper, *registry.Registry) {
	reg := registry.New(nil)
	r := New(engine, reg, Config{ContainerPrefix: "sandbox"})
	return r, reg
}

func TestExpirePastTTL(t *testing.T) {
	engine := &fakeEngine{containers: []docker.Container{
		{Name: "sandbox-old", PathPrefix: "old"},
		{Name: "sandbox-new", PathPrefix: "new"},
	}}
	r, reg := newTestReaper(engine)

	created := time.Now().Add(-2 * time.Minute)
	reg.Reserve(registry.Deployment{ID: "old", CreatedAt: created})
	reg.Reserve(registry.Deployment{ID: "new"})
	r.Register("old", created, 1)
	r.Register("new", time.Now(), 60)

	result := r.RunOnce(context.Background())

	testutil.CheckDeepEqual(t, 1, result.ExpiredCount)
	testutil.CheckDeepEqual(t, 0, result.OrphanCount)
	testutil.CheckDeepEqual(t, 0, result.FailedCount)
	testutil.CheckDeepEqual(t, []string{"sandbox-old"}, result.ContainersRemoved)

	if r.Tracked("old") {
		t.Error("expired deployment should be untracked")
	}
	if _, ok := reg.Get("old"); ok {
		t.Error("expired deployment should be dropped from the registry")
	}
	if _, ok := reg.Get("new"); !ok {
		t.Error("fresh deployment should survive the cycle")
	}
}

func TestTTLZeroNeverExpires(t *testing.T) {
	engine := &fakeEngine{containers: []docker.Container{
		{Name: "sandbox-pinned", PathPrefix: "pinned"},
	}}
	r, _ := newTestReaper(engine)

	r.Register("pinned", time.Now().Add(-24*time.Hour), 0)

	result := r.RunOnce(context.Background())

	testutil.CheckDeepEqual(t, 0, result.ExpiredCount)
	testutil.CheckDeepEqual(t, 0, result.OrphanCount)
	if !r.Tracked("pinned") {
		t.Error("TTL 0 deployment must stay tracked")
	}
}

func TestOrphanSweep(t *testing.T) {
	engine := &fakeEngine{containers: []docker.Container{
		{Name: "sandbox-known", PathPrefix: "known"},
		{Name: "sandbox-ghost", PathPrefix: "ghost"},
		{Name: "sandbox-unlabeled", PathPrefix: ""},
	}}
	r, _ := newTestReaper(engine)
	r.Register("known", time.Now(), 60)

	result := r.RunOnce(context.Background())

	testutil.CheckDeepEqual(t, 2, result.OrphanCount)
	removed := append([]string{}, result.ContainersRemoved...)
	sort.Strings(removed)
	testutil.CheckDeepEqual(t, []string{"sandbox-ghost", "sandbox-unlabeled"}, removed)
}

func TestFailedTeardownStaysTracked(t *testing.T) {
	engine := &fakeEngine{
		containers: []docker.Container{{Name: "sandbox-stuck", PathPrefix: "stuck"}},
		failNames:  map[string]bool{"sandbox-stuck": true},
	}
	r, reg := newTestReaper(engine)

	created := time.Now().Add(-2 * time.Hour)
	reg.Reserve(registry.Deployment{ID: "stuck", CreatedAt: created})
	r.Register("stuck", created, 1)

	result := r.RunOnce(context.Background())

	testutil.CheckDeepEqual(t, 0, result.ExpiredCount)
	testutil.CheckDeepEqual(t, 1, result.FailedCount)
	if len(result.Errors) != 1 {
		t.Fatalf("want 1 error, got %v", result.Errors)
	}
	if !r.Tracked("stuck") {
		t.Error("failed teardown must keep the id tracked for retry")
	}
	if _, ok := reg.Get("stuck"); !ok {
		t.Error("registry record must survive a failed teardown")
	}

	// Engine recovers; the next cycle retries and succeeds.
	engine.failNames = nil
	result = r.RunOnce(context.Background())
	testutil.CheckDeepEqual(t, 1, result.ExpiredCount)
	if r.Tracked("stuck") {
		t.Error("retried expiry should untrack the id")
	}
}

func TestListFailureRecorded(t *testing.T) {
	engine := &fakeEngine{listErr: errors.New("daemon down")}
	r, _ := newTestReaper(engine)

	result := r.RunOnce(context.Background())

	testutil.CheckDeepEqual(t, 1, result.FailedCount)
	if len(result.Errors) != 1 {
		t.Fatalf("want 1 error, got %v", result.Errors)
	}
}

func TestCanceledContextStopsCycle(t *testing.T) {
	engine := &fakeEngine{containers: []docker.Container{
		{Name: "sandbox-a", PathPrefix: "a"},
	}}
	r, _ := newTestReaper(engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.RunOnce(ctx)
	testutil.CheckDeepEqual(t, 0, result.OrphanCount)
	testutil.CheckDeepEqual(t, 0, result.ExpiredCount)
}
