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

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sandboxops/sandboxd/pkg/sandbox/deploy"
	"github.com/sandboxops/sandboxd/pkg/sandbox/docker"
	"github.com/sandboxops/sandboxd/pkg/sandbox/event"
	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
	"github.com/sandboxops/sandboxd/pkg/sandbox/registry"
)

// deployRequest is the body of POST /webhook/deploy. PathPrefix doubles as
// the deployment id.
type deployRequest struct {
	Image         string            `json:"image"`
	PathPrefix    string            `json:"path_prefix"`
	Port          int               `json:"port"`
	Env           map[string]string `json:"env,omitempty"`
	TTLMinutes    *int              `json:"ttl_minutes,omitempty"`
	MemoryLimitMB int64             `json:"memory_limit_mb,omitempty"`
	CPULimit      float64           `json:"cpu_limit,omitempty"`
	PidsLimit     int64             `json:"pids_limit,omitempty"`
	HealthCheck   *healthCheckSpec  `json:"healthcheck,omitempty"`
	Webhooks      []webhookSpec     `json:"webhooks,omitempty"`
}

type healthCheckSpec struct {
	Enabled            bool   `json:"enabled"`
	Path               string `json:"path,omitempty"`
	Port               int    `json:"port,omitempty"`
	IntervalSeconds    int    `json:"interval_seconds,omitempty"`
	TimeoutSeconds     int    `json:"timeout_seconds,omitempty"`
	Retries            int    `json:"retries,omitempty"`
	StartPeriodSeconds int    `json:"start_period_seconds,omitempty"`
}

type webhookSpec struct {
	URL               string            `json:"url"`
	Events            []event.Kind      `json:"events,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty"`
	RetryCount        int               `json:"retry_count,omitempty"`
	RetryDelaySeconds int               `json:"retry_delay_seconds,omitempty"`
}

type deployResponse struct {
	Status       string `json:"status"`
	DeploymentID string `json:"deployment_id"`
	URL          string `json:"url"`
	ContainerID  string `json:"container_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Image == "" || req.PathPrefix == "" {
		writeError(w, http.StatusBadRequest, "image and path_prefix are required")
		return
	}

	// Hooks register before the deploy so they see the lifecycle from the
	// first pulling event.
	for _, hook := range req.Webhooks {
		s.hooks.Register(req.PathPrefix, event.Registration{
			URL:        hook.URL,
			Events:     hook.Events,
			Headers:    hook.Headers,
			Timeout:    time.Duration(hook.TimeoutSeconds) * time.Second,
			RetryCount: hook.RetryCount,
			RetryDelay: time.Duration(hook.RetryDelaySeconds) * time.Second,
		})
	}

	d, err := s.deployer.Deploy(r.Context(), deploy.Request{
		ID:          req.PathPrefix,
		Image:       req.Image,
		Port:        req.Port,
		Env:         req.Env,
		TTLMinutes:  req.TTLMinutes,
		Limits:      limitsFromRequest(req),
		HealthCheck: healthCheckFromRequest(req.HealthCheck),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, deployResponse{
			Status:       "failed",
			DeploymentID: req.PathPrefix,
			URL:          d.URL,
			Error:        d.Error,
		})
		return
	}

	writeJSON(w, http.StatusOK, deployResponse{
		Status:       "deployed",
		DeploymentID: d.ID,
		URL:          d.URL,
		ContainerID:  d.ContainerID,
	})
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.deployer.Teardown(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "removed",
		"deployment_id": id,
	})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	containers, err := s.engine.ListSandboxContainers(r.Context())
	if err != nil {
		log.Entry(r.Context()).Warnf("listing containers: %v", err)
		containers = []docker.Container{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployments": s.registry.List(),
		"containers":  containers,
	})
}

// deploymentDetail is the registry record enriched with live engine state.
type deploymentDetail struct {
	registry.Deployment
	Stats  *docker.Stats  `json:"stats,omitempty"`
	Health *docker.Health `json:"health,omitempty"`
}

func (s *Server) handleDeploymentDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	d, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}

	detail := deploymentDetail{Deployment: d}
	name := s.deployer.ContainerName(id)
	if stats, err := s.engine.Stats(r.Context(), name); err == nil {
		detail.Stats = stats
	} else {
		log.Entry(r.Context()).Debugf("stats of %q: %v", name, err)
	}
	if health, err := s.engine.Health(r.Context(), name); err == nil {
		detail.Health = health
	} else {
		log.Entry(r.Context()).Debugf("health of %q: %v", name, err)
	}

	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleHooks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": id,
		"hooks":         s.hooks.Hooks(id),
		"history":       s.hooks.History(id, 0),
	})
}

func limitsFromRequest(req deployRequest) docker.ResourceLimits {
	limits := docker.DefaultResourceLimits()
	if req.MemoryLimitMB > 0 {
		limits.MemoryMB = req.MemoryLimitMB
	}
	if req.CPULimit > 0 {
		limits.CPUs = req.CPULimit
	}
	if req.PidsLimit > 0 {
		limits.PidsLimit = req.PidsLimit
	}
	return limits
}

// healthCheckFromRequest maps the wire healthcheck onto the driver's. An
// absent field stays nil so the deployer applies its default probe; an
// explicit enabled=false comes through as a disabled check.
func healthCheckFromRequest(spec *healthCheckSpec) *docker.HealthCheck {
	if spec == nil {
		return nil
	}
	if !spec.Enabled {
		return &docker.HealthCheck{}
	}
	hc := docker.DefaultHealthCheck()
	if spec.Path != "" {
		hc.Path = spec.Path
	}
	hc.Port = spec.Port
	if spec.IntervalSeconds > 0 {
		hc.Interval = time.Duration(spec.IntervalSeconds) * time.Second
	}
	if spec.TimeoutSeconds > 0 {
		hc.Timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	if spec.Retries > 0 {
		hc.Retries = spec.Retries
	}
	if spec.StartPeriodSeconds > 0 {
		hc.StartPeriod = time.Duration(spec.StartPeriodSeconds) * time.Second
	}
	return &hc
}
