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
	"context"
	"io"
	"sync"

	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
)

// subscriberQueueSize bounds the per-sink backlog. A sink that falls this far
// behind is dropped rather than allowed to stall the publisher.
const subscriberQueueSize = 64

// Sink receives serialized-ready events for one deployment. Send must apply
// its own write deadline; returning an error evicts the sink.
type Sink interface {
	Send(Event) error
}

type subscriber struct {
	sink   Sink
	events chan Event
	done   chan struct{}
}

// Bus fans deployment events out to interactive subscribers and, when a
// dispatcher is attached, to outbound webhooks. Events published by a single
// goroutine reach every sink in publish order; events from different
// publishers may interleave.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]*subscriber
	hooks       *Dispatcher
}

// NewBus returns a bus. hooks may be nil when webhook delivery is not wanted.
func NewBus(hooks *Dispatcher) *Bus {
	return &Bus{
		subscribers: map[string][]*subscriber{},
		hooks:       hooks,
	}
}

// Subscribe attaches a sink to a deployment's event stream and sends it a
// connected event carrying the subscriber count.
func (b *Bus) Subscribe(deploymentID string, sink Sink) {
	sub := &subscriber{
		sink:   sink,
		events: make(chan Event, subscriberQueueSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[deploymentID] = append(b.subscribers[deploymentID], sub)
	count := len(b.subscribers[deploymentID])
	sub.events <- New(Connected, deploymentID, ConnectedPayload{Subscribers: count})
	b.mu.Unlock()

	go b.drain(deploymentID, sub)
}

// Unsubscribe detaches the sink. It is a no-op when the sink is not
// subscribed. Remaining subscribers are told about the departure.
func (b *Bus) Unsubscribe(deploymentID string, sink Sink) {
	b.mu.Lock()
	removed := b.removeLocked(deploymentID, sink)
	remaining := len(b.subscribers[deploymentID])
	if removed {
		b.enqueueLocked(deploymentID, New(Disconnected, deploymentID, DisconnectedPayload{Subscribers: remaining}))
	}
	b.mu.Unlock()
}

// SubscriberCount reports the live sinks for one deployment.
func (b *Bus) SubscriberCount(deploymentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[deploymentID])
}

// Publish delivers the event to every subscriber of its deployment and hands
// it to the webhook dispatcher. It never blocks on a slow sink: a sink whose
// queue is full is evicted after the broadcast.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.enqueueLocked(ev.DeploymentID, ev)
	b.mu.Unlock()

	if b.hooks != nil {
		b.hooks.Dispatch(ev)
	}
}

// Close detaches every subscriber, lets each drain goroutine flush its queue,
// and closes sinks that own connections so clients see a clean shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	var closing []*subscriber
	for id, subs := range b.subscribers {
		closing = append(closing, subs...)
		for _, sub := range subs {
			close(sub.events)
		}
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	for _, sub := range closing {
		<-sub.done
		if closer, ok := sub.sink.(io.Closer); ok {
			closer.Close()
		}
	}
}

func (b *Bus) enqueueLocked(deploymentID string, ev Event) {
	var evicted []*subscriber
	for _, sub := range b.subscribers[deploymentID] {
		select {
		case sub.events <- ev:
		default:
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		log.Entry(context.TODO()).Debugf("dropping slow event subscriber for %q", deploymentID)
		b.removeLocked(deploymentID, sub.sink)
		if closer, ok := sub.sink.(io.Closer); ok {
			closer.Close()
		}
	}
}

func (b *Bus) removeLocked(deploymentID string, sink Sink) bool {
	subs := b.subscribers[deploymentID]
	for i, sub := range subs {
		if sub.sink != sink {
			continue
		}
		close(sub.events)
		b.subscribers[deploymentID] = append(subs[:i], subs[i+1:]...)
		if len(b.subscribers[deploymentID]) == 0 {
			delete(b.subscribers, deploymentID)
		}
		return true
	}
	return false
}

// drain writes queued events to the sink until the queue closes or a send
// fails. A failed sink is evicted and closed when it owns resources.
func (b *Bus) drain(deploymentID string, sub *subscriber) {
	defer close(sub.done)
	for ev := range sub.events {
		if err := sub.sink.Send(ev); err != nil {
			b.mu.Lock()
			b.removeLocked(deploymentID, sub.sink)
			b.mu.Unlock()
			if closer, ok := sub.sink.(io.Closer); ok {
				closer.Close()
			}
			return
		}
	}
}
