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

// Package event carries deployment lifecycle events from their publishers to
// WebSocket subscribers and outbound webhooks.
package event

import (
	"encoding/json"
	"time"
)

// Kind names a lifecycle event.
type Kind string

const (
	Connected        Kind = "connected"
	Started          Kind = "started"
	Pulling          Kind = "pulling"
	Healthy          Kind = "healthy"
	Unhealthy        Kind = "unhealthy"
	LogLine          Kind = "log_line"
	ArtifactUploaded Kind = "artifact_uploaded"
	Completed        Kind = "completed"
	Failed           Kind = "failed"
	Stopped          Kind = "stopped"
	Error            Kind = "error"
	Disconnected     Kind = "disconnected"
	Keepalive        Kind = "keepalive"
)

// Kinds lists every event kind, in the order clients document them.
func Kinds() []Kind {
	return []Kind{
		Connected, Started, Pulling, Healthy, Unhealthy, LogLine,
		ArtifactUploaded, Completed, Failed, Stopped, Error,
		Disconnected, Keepalive,
	}
}

// Event is a single lifecycle occurrence for one deployment. Data holds the
// kind-specific payload and must marshal to a JSON object.
type Event struct {
	Kind         Kind
	DeploymentID string
	Timestamp    time.Time
	Data         any
}

// New stamps an event with the current UTC time.
func New(kind Kind, deploymentID string, data any) Event {
	return Event{
		Kind:         kind,
		DeploymentID: deploymentID,
		Timestamp:    time.Now().UTC(),
		Data:         data,
	}
}

type wireEvent struct {
	Event        Kind   `json:"event"`
	DeploymentID string `json:"deployment_id"`
	Timestamp    string `json:"timestamp"`
	Data         any    `json:"data"`
}

// MarshalJSON renders the wire envelope {event, deployment_id, timestamp, data}.
// The timestamp is ISO-8601 in UTC. A nil payload marshals as an empty object
// so clients never see "data": null.
func (e Event) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = struct{}{}
	}
	return json.Marshal(wireEvent{
		Event:        e.Kind,
		DeploymentID: e.DeploymentID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:         data,
	})
}

// Payloads, one per kind. They serialize into the "data" object of the wire
// envelope.

type StartedPayload struct {
	Image string `json:"image"`
	URL   string `json:"url"`
}

type PullingPayload struct {
	Image string `json:"image"`
}

type HealthyPayload struct {
	URL string `json:"url"`
}

type UnhealthyPayload struct {
	Reason string `json:"reason"`
}

type LogLinePayload struct {
	Line string `json:"line"`
}

type ArtifactUploadedPayload struct {
	ArtifactID string `json:"artifact_id"`
	Filename   string `json:"filename"`
}

type CompletedPayload struct{}

type FailedPayload struct {
	Error string `json:"error"`
}

type StoppedPayload struct{}

type ConnectedPayload struct {
	Subscribers int `json:"subscribers"`
}

type DisconnectedPayload struct {
	Subscribers int `json:"subscribers"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type KeepalivePayload struct{}
