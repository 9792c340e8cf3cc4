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

// Package docker adapts the local container engine for the controller:
// deploying sandbox containers with edge-proxy routing labels, tearing them
// down, and reading their logs, stats and health.
package docker

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/client"
	"golang.org/x/sync/semaphore"

	"github.com/sandboxops/sandboxd/pkg/sandbox/constants"
)

// ResourceLimits caps a deployed container.
type ResourceLimits struct {
	MemoryMB  int64
	CPUs      float64
	PidsLimit int64
}

// DefaultResourceLimits are applied when a deploy request carries none.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryMB:  constants.DefaultMemoryLimitMB,
		CPUs:      constants.DefaultCPULimit,
		PidsLimit: constants.DefaultPidsLimit,
	}
}

// HealthCheck configures the engine-side healthcheck of a deployed container.
// Port zero means the container port of the deployment.
type HealthCheck struct {
	Enabled     bool
	Path        string
	Port        int
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// DefaultHealthCheck probes HTTP GET /health on the container port.
func DefaultHealthCheck() HealthCheck {
	return HealthCheck{
		Enabled:     true,
		Path:        "/health",
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Retries:     3,
		StartPeriod: 10 * time.Second,
	}
}

// DeployOptions describes one container deployment.
type DeployOptions struct {
	Image       string
	Name        string
	PathPrefix  string
	Port        int
	Env         map[string]string
	Limits      ResourceLimits
	HealthCheck HealthCheck
}

// Container is one entry of the sandbox container listing.
type Container struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Image      string `json:"image"`
	PathPrefix string `json:"path_prefix"`
}

// Stats is a point-in-time resource snapshot of one container.
type Stats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryBytes      uint64  `json:"memory_bytes"`
	MemoryLimitBytes uint64  `json:"memory_limit_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`
	NetworkRxBytes   uint64  `json:"network_rx_bytes"`
	NetworkTxBytes   uint64  `json:"network_tx_bytes"`
	PidsCurrent      uint64  `json:"pids_current"`
}

// HealthLogEntry is one healthcheck probe result. Output is truncated to 500
// characters.
type HealthLogEntry struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	ExitCode int       `json:"exit_code"`
	Output   string    `json:"output"`
}

// Health is the engine's view of a container's healthcheck plus its run state.
type Health struct {
	Status          string           `json:"status"`
	FailingStreak   int              `json:"failing_streak"`
	Log             []HealthLogEntry `json:"log"`
	ContainerStatus string           `json:"container_status"`
	Running         bool             `json:"running"`
	StartedAt       string           `json:"started_at,omitempty"`
	FinishedAt      string           `json:"finished_at,omitempty"`
}

// LocalDaemon talks to the local container engine. Every call passes through
// a bounded worker pool so callers never queue on the raw SDK.
type LocalDaemon interface {
	Deploy(ctx context.Context, opts DeployOptions) (string, error)
	Teardown(ctx context.Context, name string) error
	ListSandboxContainers(ctx context.Context) ([]Container, error)
	Logs(ctx context.Context, name string, tail int, timestamps bool) (string, error)
	StreamLogs(ctx context.Context, name string, tail int) (io.ReadCloser, error)
	Stats(ctx context.Context, name string) (*Stats, error)
	Health(ctx context.Context, name string) (*Health, error)
	RawClient() client.CommonAPIClient
	Close() error
}

// Config carries the engine-facing controller settings.
type Config struct {
	// Network is the engine network containers attach to.
	Network string

	// Domain is the public host used in the proxy routing rule.
	Domain string

	// Workers bounds concurrent engine API calls. Zero means the default.
	Workers int64
}

type localDaemon struct {
	cfg       Config
	apiClient client.CommonAPIClient
	workers   *semaphore.Weighted
}

// NewLocalDaemon wraps an engine API client.
func NewLocalDaemon(apiClient client.CommonAPIClient, cfg Config) LocalDaemon {
	workers := cfg.Workers
	if workers <= 0 {
		workers = constants.DefaultDockerWorkers
	}
	return &localDaemon{
		cfg:       cfg,
		apiClient: apiClient,
		workers:   semaphore.NewWeighted(workers),
	}
}

func (l *localDaemon) RawClient() client.CommonAPIClient {
	return l.apiClient
}

// Close closes the connection with the local daemon.
func (l *localDaemon) Close() error {
	return l.apiClient.Close()
}

// acquireWorker blocks until a pool slot is free. The returned func releases
// the slot and must be called exactly once.
func (l *localDaemon) acquireWorker(ctx context.Context) (func(), error) {
	if err := l.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.workers.Release(1) }, nil
}
