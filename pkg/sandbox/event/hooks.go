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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fatih/semgroup"

	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
)

const (
	defaultHookTimeout    = 10 * time.Second
	defaultHookRetryCount = 3
	defaultHookRetryDelay = time.Second

	// historyLimit caps the per-deployment invocation ring buffer.
	historyLimit = 100

	// maxConcurrentHooks bounds parallel webhook deliveries across all
	// deployments.
	maxConcurrentHooks = 16

	// deliveryQueueSize bounds deliveries waiting for a worker slot. A
	// delivery that finds the queue full is dropped and recorded as failed.
	deliveryQueueSize = 256
)

// Registration subscribes one webhook URL to a deployment's events. An empty
// Events list means every kind. Zero Timeout, RetryCount and RetryDelay
// fields take the defaults at registration.
type Registration struct {
	URL        string            `json:"url"`
	Events     []Kind            `json:"events,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timeout    time.Duration     `json:"-"`
	RetryCount int               `json:"retry_count"`
	RetryDelay time.Duration     `json:"-"`
}

// NewRegistration returns a registration for url with the default timeout and
// retry settings (10s, 3 attempts, 1s apart).
func NewRegistration(url string) Registration {
	return Registration{
		URL:        url,
		Timeout:    defaultHookTimeout,
		RetryCount: defaultHookRetryCount,
		RetryDelay: defaultHookRetryDelay,
	}
}

func (r *Registration) applyDefaults() {
	if r.Timeout <= 0 {
		r.Timeout = defaultHookTimeout
	}
	if r.RetryCount <= 0 {
		r.RetryCount = defaultHookRetryCount
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = defaultHookRetryDelay
	}
}

func (r Registration) matches(kind Kind) bool {
	if len(r.Events) == 0 {
		return true
	}
	for _, k := range r.Events {
		if k == kind {
			return true
		}
	}
	return false
}

// Invocation records the outcome of delivering one event to one webhook,
// retries included.
type Invocation struct {
	Event      Kind      `json:"event"`
	URL        string    `json:"webhook_url"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	ElapsedMS  int64     `json:"response_time_ms"`
}

// Dispatcher POSTs events to registered webhooks. Dispatch only enqueues;
// a bounded worker pool drains the queue, so publishers never wait on webhook
// I/O. Deliveries run in parallel across registrations and serially across
// the retries of one registration. A delivery failure never propagates to the
// publisher; it is recorded in the per-deployment invocation history.
type Dispatcher struct {
	mu      sync.Mutex
	hooks   map[string][]Registration
	history map[string][]Invocation

	client  *http.Client
	queue   chan delivery
	pending sync.WaitGroup
	group   *semgroup.Group
}

// delivery is one event bound for one registration.
type delivery struct {
	ev      Event
	hook    Registration
	payload []byte
}

// NewDispatcher returns a dispatcher delivering through the given client.
// A nil client gets a plain http.Client; per-attempt timeouts come from each
// registration.
func NewDispatcher(client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	d := &Dispatcher{
		hooks:   map[string][]Registration{},
		history: map[string][]Invocation{},
		client:  client,
		queue:   make(chan delivery, deliveryQueueSize),
		group:   semgroup.NewGroup(context.Background(), maxConcurrentHooks),
	}
	go d.deliver()
	return d
}

// Register adds a webhook for a deployment, filling in default timeout and
// retry settings.
func (d *Dispatcher) Register(deploymentID string, reg Registration) {
	reg.applyDefaults()

	d.mu.Lock()
	d.hooks[deploymentID] = append(d.hooks[deploymentID], reg)
	d.mu.Unlock()

	log.Entry(context.TODO()).Infof("registered lifecycle hook %s for %q", reg.URL, deploymentID)
}

// Unregister removes every hook and the invocation history of a deployment,
// returning how many hooks were removed.
func (d *Dispatcher) Unregister(deploymentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	count := len(d.hooks[deploymentID])
	delete(d.hooks, deploymentID)
	delete(d.history, deploymentID)
	return count
}

// Hooks lists the registrations of a deployment.
func (d *Dispatcher) Hooks(deploymentID string) []Registration {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Registration(nil), d.hooks[deploymentID]...)
}

// History returns up to limit invocation records, most recent first.
func (d *Dispatcher) History(deploymentID string, limit int) []Invocation {
	d.mu.Lock()
	defer d.mu.Unlock()

	records := d.history[deploymentID]
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}

	out := make([]Invocation, 0, limit)
	for i := len(records) - 1; i >= len(records)-limit; i-- {
		out = append(out, records[i])
	}
	return out
}

// Dispatch queues the event for every matching registration. It never blocks
// on delivery: a dispatch that finds the queue full is recorded as a failed
// invocation and dropped.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	var relevant []Registration
	for _, hook := range d.hooks[ev.DeploymentID] {
		if hook.matches(ev.Kind) {
			relevant = append(relevant, hook)
		}
	}
	d.mu.Unlock()

	if len(relevant) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Entry(context.TODO()).Warnf("marshaling %s event for %q: %v", ev.Kind, ev.DeploymentID, err)
		return
	}

	for _, hook := range relevant {
		d.pending.Add(1)
		select {
		case d.queue <- delivery{ev: ev, hook: hook, payload: payload}:
		default:
			d.pending.Done()
			d.record(ev.DeploymentID, Invocation{
				Event:     ev.Kind,
				URL:       hook.URL,
				Timestamp: time.Now().UTC(),
				Error:     "delivery queue full",
			})
			log.Entry(context.TODO()).Warnf("dropping %s delivery to %s for %q, delivery queue is full", ev.Kind, hook.URL, ev.DeploymentID)
		}
	}
}

// deliver drains the queue into the bounded worker group. Acquiring a worker
// slot may block here, never in Dispatch.
func (d *Dispatcher) deliver() {
	for del := range d.queue {
		del := del
		d.group.Go(func() error {
			defer d.pending.Done()
			d.record(del.ev.DeploymentID, d.invoke(del.ev, del.hook, del.payload))
			return nil
		})
	}
}

// Wait blocks until every queued and in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

func (d *Dispatcher) record(deploymentID string, inv Invocation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	records := append(d.history[deploymentID], inv)
	if len(records) > historyLimit {
		records = records[len(records)-historyLimit:]
	}
	d.history[deploymentID] = records
}

// invoke POSTs the payload, retrying per the registration. Any 2xx status is
// success; every other status, timeout or connection error is retried.
func (d *Dispatcher) invoke(ev Event, hook Registration, payload []byte) Invocation {
	start := time.Now().UTC()

	var statusCode int
	var lastErr string

	attempt := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hook.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
		if err != nil {
			lastErr = err.Error()
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Sandbox-Event", string(ev.Kind))
		req.Header.Set("X-Sandbox-Deployment", ev.DeploymentID)
		for k, v := range hook.Headers {
			req.Header.Set(k, v)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err.Error()
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		statusCode = resp.StatusCode
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Sprintf("HTTP %d", resp.StatusCode)
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(hook.RetryDelay), uint64(hook.RetryCount-1))
	err := backoff.Retry(attempt, policy)

	inv := Invocation{
		Event:      ev.Kind,
		URL:        hook.URL,
		Timestamp:  start,
		Success:    err == nil,
		StatusCode: statusCode,
		ElapsedMS:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		inv.Error = lastErr
		log.Entry(context.TODO()).Warnf("lifecycle hook %s failed for %q after %d attempts: %s",
			hook.URL, ev.DeploymentID, hook.RetryCount, lastErr)
	}
	return inv
}
