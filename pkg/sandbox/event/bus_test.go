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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandboxops/sandboxd/testutil"
)

type chanSink struct {
	events  chan Event
	sendErr error
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan Event, 128)}
}

func (c *chanSink) Send(ev Event) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events <- ev
	return nil
}

func (c *chanSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func TestSubscribeSendsConnected(t *testing.T) {
	bus := NewBus(nil)

	a := newChanSink()
	bus.Subscribe("abc123", a)
	ev := a.next(t)
	testutil.CheckDeepEqual(t, Connected, ev.Kind)
	testutil.CheckDeepEqual(t, ConnectedPayload{Subscribers: 1}, ev.Data)

	b := newChanSink()
	bus.Subscribe("abc123", b)
	ev = b.next(t)
	testutil.CheckDeepEqual(t, ConnectedPayload{Subscribers: 2}, ev.Data)
	testutil.CheckDeepEqual(t, 2, bus.SubscriberCount("abc123"))
}

// Two subscribers receive a broadcast in publish order; after one leaves,
// only the other keeps receiving.
func TestFanOutAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	a := newChanSink()
	b := newChanSink()
	bus.Subscribe("abc123", a)
	bus.Subscribe("abc123", b)
	a.next(t)
	b.next(t)

	bus.Publish(New(Started, "abc123", StartedPayload{Image: "ex/app:1"}))

	evA := a.next(t)
	evB := b.next(t)
	testutil.CheckDeepEqual(t, Started, evA.Kind)
	testutil.CheckDeepEqual(t, Started, evB.Kind)

	bus.Unsubscribe("abc123", a)
	bus.Publish(New(Healthy, "abc123", HealthyPayload{URL: "https://x/abc123/"}))

	// B sees the departure, then the event.
	testutil.CheckDeepEqual(t, Disconnected, b.next(t).Kind)
	testutil.CheckDeepEqual(t, Healthy, b.next(t).Kind)
	testutil.CheckDeepEqual(t, 1, bus.SubscriberCount("abc123"))
}

func TestPublishOrderPreserved(t *testing.T) {
	bus := NewBus(nil)
	sink := newChanSink()
	bus.Subscribe("abc123", sink)
	sink.next(t)

	kinds := []Kind{Pulling, Started, LogLine, Healthy, Stopped}
	for _, k := range kinds {
		bus.Publish(New(k, "abc123", nil))
	}
	for _, want := range kinds {
		testutil.CheckDeepEqual(t, want, sink.next(t).Kind)
	}
}

func TestFailingSinkEvicted(t *testing.T) {
	bus := NewBus(nil)
	bad := newChanSink()
	bad.sendErr = errors.New("gone")
	good := newChanSink()

	bus.Subscribe("abc123", bad)
	bus.Subscribe("abc123", good)
	good.next(t)

	bus.Publish(New(Started, "abc123", nil))
	testutil.CheckDeepEqual(t, Started, good.next(t).Kind)

	// The failing sink drops out once its drain goroutine hits the error.
	deadline := time.After(2 * time.Second)
	for bus.SubscriberCount("abc123") != 1 {
		select {
		case <-deadline:
			t.Fatal("failing sink was not evicted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSlowSinkDropped(t *testing.T) {
	bus := NewBus(nil)
	stuck := &chanSink{events: make(chan Event)} // unbuffered, never read

	bus.Subscribe("abc123", stuck)

	// Overflow the per-sink queue; the publisher must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize+8; i++ {
			bus.Publish(New(LogLine, "abc123", LogLinePayload{Line: "x"}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow sink")
	}
	testutil.CheckDeepEqual(t, 0, bus.SubscriberCount("abc123"))
}

type closableSink struct {
	*chanSink
	mu     sync.Mutex
	closed bool
}

func (c *closableSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Shutdown flushes queued events and closes sinks that own connections, so
// clients see a clean close instead of a dropped connection.
func TestCloseFlushesAndClosesSinks(t *testing.T) {
	bus := NewBus(nil)
	sink := &closableSink{chanSink: newChanSink()}
	bus.Subscribe("abc123", sink)
	sink.next(t)

	bus.Publish(New(Started, "abc123", nil))
	bus.Publish(New(Stopped, "abc123", nil))
	bus.Close()

	testutil.CheckDeepEqual(t, Started, sink.next(t).Kind)
	testutil.CheckDeepEqual(t, Stopped, sink.next(t).Kind)
	testutil.CheckDeepEqual(t, 0, bus.SubscriberCount("abc123"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	testutil.CheckDeepEqual(t, true, sink.closed)
}

func TestWireFormat(t *testing.T) {
	ev := Event{
		Kind:         Started,
		DeploymentID: "abc123",
		Timestamp:    time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		Data:         StartedPayload{Image: "ex/app:1", URL: "https://x/abc123/"},
	}

	raw, err := json.Marshal(ev)
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t,
		`{"event":"started","deployment_id":"abc123","timestamp":"2026-03-01T12:30:00Z","data":{"image":"ex/app:1","url":"https://x/abc123/"}}`,
		string(raw))
}

func TestNilPayloadMarshalsAsEmptyObject(t *testing.T) {
	raw, err := json.Marshal(Event{Kind: Completed, DeploymentID: "abc123", Timestamp: time.Unix(0, 0)})
	testutil.CheckError(t, false, err)
	if want := `"data":{}`; !strings.Contains(string(raw), want) {
		t.Errorf("want %s in %s", want, raw)
	}
}
