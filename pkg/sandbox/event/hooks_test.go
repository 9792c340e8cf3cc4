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

package event

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sandboxops/sandboxd/testutil"
)

type hookRecorder struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []map[string]any
	statuses []int
}

// respond returns the next scripted status for each request, sticking with
// the last one once the script runs out.
func (h *hookRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("hook body: %v", err)
		}
		h.requests = append(h.requests, r)
		h.bodies = append(h.bodies, body)

		status := http.StatusOK
		if len(h.statuses) > 0 {
			status = h.statuses[0]
			h.statuses = h.statuses[1:]
		}
		w.WriteHeader(status)
	}
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func TestHookDelivery(t *testing.T) {
	rec := &hookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d := NewDispatcher(nil)
	d.Register("abc123", NewRegistration(srv.URL))

	d.Dispatch(New(Started, "abc123", StartedPayload{Image: "ex/app:1", URL: "https://x/abc123/"}))
	d.Wait()

	testutil.CheckDeepEqual(t, 1, rec.count())
	req := rec.requests[0]
	testutil.CheckDeepEqual(t, "application/json", req.Header.Get("Content-Type"))
	testutil.CheckDeepEqual(t, "started", req.Header.Get("X-Sandbox-Event"))
	testutil.CheckDeepEqual(t, "abc123", req.Header.Get("X-Sandbox-Deployment"))
	testutil.CheckDeepEqual(t, "started", rec.bodies[0]["event"])
	testutil.CheckDeepEqual(t, "abc123", rec.bodies[0]["deployment_id"])

	history := d.History("abc123", 0)
	if len(history) != 1 {
		t.Fatalf("want 1 invocation, got %d", len(history))
	}
	testutil.CheckDeepEqual(t, true, history[0].Success)
	testutil.CheckDeepEqual(t, 200, history[0].StatusCode)
}

// An endpoint that fails twice then succeeds yields one successful invocation
// record and three observable HTTP attempts.
func TestHookRetryUntilSuccess(t *testing.T) {
	rec := &hookRecorder{statuses: []int{500, 500, 200}}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d := NewDispatcher(nil)
	reg := NewRegistration(srv.URL)
	reg.RetryCount = 3
	reg.RetryDelay = time.Millisecond
	d.Register("abc123", reg)

	d.Dispatch(New(Failed, "abc123", FailedPayload{Error: "boom"}))
	d.Wait()

	testutil.CheckDeepEqual(t, 3, rec.count())
	history := d.History("abc123", 0)
	if len(history) != 1 {
		t.Fatalf("want 1 invocation record, got %d", len(history))
	}
	testutil.CheckDeepEqual(t, true, history[0].Success)
	testutil.CheckDeepEqual(t, 200, history[0].StatusCode)
}

func TestHookRetriesExhausted(t *testing.T) {
	rec := &hookRecorder{statuses: []int{500, 500, 500}}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d := NewDispatcher(nil)
	reg := NewRegistration(srv.URL)
	reg.RetryCount = 3
	reg.RetryDelay = time.Millisecond
	d.Register("abc123", reg)

	d.Dispatch(New(Started, "abc123", nil))
	d.Wait()

	testutil.CheckDeepEqual(t, 3, rec.count())
	history := d.History("abc123", 0)
	testutil.CheckDeepEqual(t, false, history[0].Success)
	testutil.CheckDeepEqual(t, "HTTP 500", history[0].Error)
}

func TestRegisterAppliesDefaults(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("abc123", Registration{URL: "https://hooks.example/x"})

	hooks := d.Hooks("abc123")
	testutil.CheckDeepEqual(t, 1, len(hooks))
	testutil.CheckDeepEqual(t, defaultHookTimeout, hooks[0].Timeout)
	testutil.CheckDeepEqual(t, defaultHookRetryCount, hooks[0].RetryCount)
	testutil.CheckDeepEqual(t, defaultHookRetryDelay, hooks[0].RetryDelay)
}

// Publishing must stay fast when every worker slot is held by a slow
// endpoint.
func TestDispatchDoesNotBlockWhenSlotsSaturated(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := NewDispatcher(nil)
	reg := NewRegistration(srv.URL)
	reg.Timeout = time.Second
	reg.RetryCount = 1
	for i := 0; i < maxConcurrentHooks+4; i++ {
		d.Register("abc123", reg)
	}
	d.Dispatch(New(Started, "abc123", nil))

	done := make(chan struct{})
	go func() {
		d.Register("other", reg)
		d.Dispatch(New(Stopped, "other", nil))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked behind saturated delivery slots")
	}
}

func TestHookEventFilter(t *testing.T) {
	rec := &hookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d := NewDispatcher(nil)
	reg := NewRegistration(srv.URL)
	reg.Events = []Kind{Failed}
	d.Register("abc123", reg)

	d.Dispatch(New(Started, "abc123", nil))
	d.Dispatch(New(Failed, "abc123", FailedPayload{Error: "x"}))
	d.Wait()

	testutil.CheckDeepEqual(t, 1, rec.count())
	testutil.CheckDeepEqual(t, "failed", rec.requests[0].Header.Get("X-Sandbox-Event"))
}

func TestUnregisterDropsHooksAndHistory(t *testing.T) {
	rec := &hookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d := NewDispatcher(nil)
	d.Register("abc123", NewRegistration(srv.URL))
	d.Dispatch(New(Started, "abc123", nil))
	d.Wait()

	testutil.CheckDeepEqual(t, 1, d.Unregister("abc123"))
	if len(d.Hooks("abc123")) != 0 || len(d.History("abc123", 0)) != 0 {
		t.Error("unregister must clear hooks and history")
	}

	d.Dispatch(New(Healthy, "abc123", nil))
	d.Wait()
	testutil.CheckDeepEqual(t, 1, rec.count())
}

func TestHistoryMostRecentFirstAndCapped(t *testing.T) {
	d := NewDispatcher(nil)

	for i := 0; i < historyLimit+20; i++ {
		d.record("abc123", Invocation{Event: Started, StatusCode: i})
	}

	history := d.History("abc123", 0)
	testutil.CheckDeepEqual(t, historyLimit, len(history))
	// Most recent first.
	testutil.CheckDeepEqual(t, historyLimit+19, history[0].StatusCode)

	limited := d.History("abc123", 5)
	testutil.CheckDeepEqual(t, 5, len(limited))
	testutil.CheckDeepEqual(t, historyLimit+19, limited[0].StatusCode)
}
