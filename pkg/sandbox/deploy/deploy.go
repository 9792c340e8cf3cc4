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

// Package deploy drives a deployment through its lifecycle: it reserves the
// id in the registry, runs the container through the engine driver, tracks
// the deployment for TTL expiry, and tears everything down again.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandboxops/sandboxd/pkg/sandbox/constants"
	"github.com/sandboxops/sandboxd/pkg/sandbox/docker"
	"github.com/sandboxops/sandboxd/pkg/sandbox/event"
	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
	"github.com/sandboxops/sandboxd/pkg/sandbox/registry"
)

// Engine is the slice of the container driver the service needs.
type Engine interface {
	Deploy(ctx context.Context, opts docker.DeployOptions) (string, error)
	Teardown(ctx context.Context, name string) error
}

// Tracker registers deployments for TTL expiry.
type Tracker interface {
	Register(id string, createdAt time.Time, ttlMinutes int)
	Unregister(id string)
}

// Recorder observes finished deployments for instrumentation. Implementations
// must not block.
type Recorder interface {
	DeploymentFinished(status string, elapsed time.Duration)
}

// Request describes one incoming deployment. A nil TTLMinutes takes the
// configured default; an explicit zero never expires. A nil HealthCheck gets
// the default probe on the container port; pass a disabled one to opt out.
type Request struct {
	ID          string
	Image       string
	Port        int
	Env         map[string]string
	TTLMinutes  *int
	Limits      docker.ResourceLimits
	HealthCheck *docker.HealthCheck
}

// Config carries the service settings.
type Config struct {
	Domain            string
	ContainerPrefix   string
	DefaultTTLMinutes int
}

// Service orchestrates deployments across the registry, the engine driver,
// the reaper and the event bus.
type Service struct {
	engine   Engine
	registry *registry.Registry
	bus      *event.Bus
	tracker  Tracker
	hooks    *event.Dispatcher
	recorder Recorder
	cfg      Config
}

// New wires a deploy service. hooks and recorder may be nil.
func New(engine Engine, reg *registry.Registry, bus *event.Bus, tracker Tracker, hooks *event.Dispatcher, recorder Recorder, cfg Config) *Service {
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = constants.DefaultContainerPrefix
	}
	if cfg.Domain == "" {
		cfg.Domain = constants.DefaultSandboxDomain
	}
	if cfg.DefaultTTLMinutes == 0 {
		cfg.DefaultTTLMinutes = constants.DefaultTTLMinutes
	}
	return &Service{
		engine:   engine,
		registry: reg,
		bus:      bus,
		tracker:  tracker,
		hooks:    hooks,
		recorder: recorder,
		cfg:      cfg,
	}
}

// ContainerName derives the engine-side name of a deployment.
func (s *Service) ContainerName(id string) string {
	return s.cfg.ContainerPrefix + "-" + id
}

// URL is the public address a deployment is routed at.
func (s *Service) URL(id string) string {
	return fmt.Sprintf("https://%s/%s/", s.cfg.Domain, id)
}

// Deploy runs the full create path. Deploying an id that already exists
// replaces its container: the old record is dropped and the engine
// force-removes the old container during create. On failure the returned
// record still carries the deployment's URL, with the state set to failed.
func (s *Service) Deploy(ctx context.Context, req Request) (registry.Deployment, error) {
	start := time.Now()

	if req.Port == 0 {
		req.Port = constants.DefaultContainerPort
	}
	ttl := s.cfg.DefaultTTLMinutes
	if req.TTLMinutes != nil {
		ttl = *req.TTLMinutes
	}

	d := registry.Deployment{
		ID:         req.ID,
		Image:      req.Image,
		Port:       req.Port,
		Env:        req.Env,
		TTLMinutes: ttl,
		URL:        s.URL(req.ID),
	}

	reserved, err := s.registry.Reserve(d)
	if errors.Is(err, registry.ErrAlreadyExists) {
		log.Entry(ctx).Infof("redeploying %q, replacing the existing record", req.ID)
		s.tracker.Unregister(req.ID)
		s.registry.Drop(req.ID)
		reserved, err = s.registry.Reserve(d)
	}
	if err != nil {
		return registry.Deployment{}, err
	}

	if _, err := s.registry.Advance(req.ID, registry.Pulling); err != nil {
		return s.fail(ctx, reserved, start, err)
	}
	if _, err := s.registry.Advance(req.ID, registry.Starting); err != nil {
		return s.fail(ctx, reserved, start, err)
	}

	opts := docker.DeployOptions{
		Image:      req.Image,
		Name:       s.ContainerName(req.ID),
		PathPrefix: req.ID,
		Port:       req.Port,
		Env:        req.Env,
		Limits:     req.Limits,
	}
	if req.HealthCheck != nil {
		opts.HealthCheck = *req.HealthCheck
	} else {
		opts.HealthCheck = docker.DefaultHealthCheck()
	}

	containerID, err := s.engine.Deploy(ctx, opts)
	if err != nil {
		return s.fail(ctx, reserved, start, err)
	}

	running, err := s.registry.Advance(req.ID, registry.Running, registry.WithContainerID(containerID))
	if err != nil {
		return s.fail(ctx, reserved, start, err)
	}

	s.tracker.Register(req.ID, running.CreatedAt, running.TTLMinutes)
	s.bus.Publish(event.New(event.Healthy, req.ID, event.HealthyPayload{URL: running.URL}))
	s.observe("success", start)

	log.Entry(ctx).Infof("deployed %q as %s at %s", req.ID, containerID, running.URL)
	return running, nil
}

// Teardown removes the deployment's container and record. It is idempotent:
// tearing down an unknown id still force-removes any matching container and
// succeeds.
func (s *Service) Teardown(ctx context.Context, id string) error {
	name := s.ContainerName(id)

	_, known := s.registry.Get(id)
	if known {
		// Stopping may be rejected for records that never reached running;
		// teardown proceeds regardless.
		if _, err := s.registry.Advance(id, registry.Stopping); err != nil {
			log.Entry(ctx).Debugf("teardown of %q from a non-running state: %v", id, err)
		}
	}

	if err := s.engine.Teardown(ctx, name); err != nil {
		return fmt.Errorf("tearing down %q: %w", id, err)
	}

	if known {
		if _, err := s.registry.Advance(id, registry.Removed); err != nil {
			log.Entry(ctx).Debugf("finalizing teardown of %q: %v", id, err)
		}
		s.registry.Drop(id)
	}
	s.tracker.Unregister(id)
	if s.hooks != nil {
		s.hooks.Unregister(id)
	}

	log.Entry(ctx).Infof("tore down deployment %q", id)
	return nil
}

func (s *Service) fail(ctx context.Context, d registry.Deployment, start time.Time, cause error) (registry.Deployment, error) {
	log.Entry(ctx).Errorf("deploying %q: %v", d.ID, cause)

	failed, err := s.registry.Advance(d.ID, registry.Failed, registry.WithError(cause.Error()))
	if err != nil {
		// The record is gone or already terminal; report the original cause.
		failed = d
		failed.State = registry.Failed
		failed.Error = cause.Error()
	}
	s.observe("failed", start)
	return failed, cause
}

func (s *Service) observe(status string, start time.Time) {
	if s.recorder != nil {
		s.recorder.DeploymentFinished(status, time.Since(start))
	}
}

// Notifier maps committed registry transitions onto bus events. Wire it into
// registry.New so every state change is published after its mutation commits.
func Notifier(bus *event.Bus) registry.Notifier {
	return func(d registry.Deployment, from, to registry.State) {
		switch to {
		case registry.Pulling:
			bus.Publish(event.New(event.Pulling, d.ID, event.PullingPayload{Image: d.Image}))
		case registry.Running:
			if from == registry.Unhealthy {
				bus.Publish(event.New(event.Healthy, d.ID, event.HealthyPayload{URL: d.URL}))
				return
			}
			bus.Publish(event.New(event.Started, d.ID, event.StartedPayload{Image: d.Image, URL: d.URL}))
		case registry.Unhealthy:
			bus.Publish(event.New(event.Unhealthy, d.ID, event.UnhealthyPayload{Reason: d.Error}))
		case registry.Removed:
			bus.Publish(event.New(event.Stopped, d.ID, event.StoppedPayload{}))
		case registry.Failed:
			bus.Publish(event.New(event.Failed, d.ID, event.FailedPayload{Error: d.Error}))
		}
	}
}
