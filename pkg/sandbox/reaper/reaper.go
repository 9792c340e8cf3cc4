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

// Package reaper reconciles tracked deployments against live containers:
// expired deployments are torn down, and sandbox-labeled containers nobody
// tracks are removed as orphans.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandboxops/sandboxd/pkg/sandbox/constants"
	"github.com/sandboxops/sandboxd/pkg/sandbox/docker"
	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
	"github.com/sandboxops/sandboxd/pkg/sandbox/registry"
)

// Engine is the slice of the container driver the reaper needs.
type Engine interface {
	Teardown(ctx context.Context, name string) error
	ListSandboxContainers(ctx context.Context) ([]docker.Container, error)
}

// CleanupResult aggregates one reconciliation cycle. The reaper never
// propagates teardown errors; they accumulate here.
type CleanupResult struct {
	ExpiredCount      int       `json:"expired_count"`
	OrphanCount       int       `json:"orphan_count"`
	FailedCount       int       `json:"failed_count"`
	ContainersRemoved []string  `json:"containers_removed"`
	Errors            []string  `json:"errors"`
	Timestamp         time.Time `json:"timestamp"`
}

type tracked struct {
	createdAt  time.Time
	ttlMinutes int
}

// Config tunes the reaper loop.
type Config struct {
	// Interval is the pause between cycles. Zero means the default 300s.
	Interval time.Duration

	// ContainerPrefix derives container names from deployment ids.
	ContainerPrefix string
}

// Reaper expires tracked deployments past their TTL and sweeps orphan
// containers. Only one cycle runs at a time.
type Reaper struct {
	engine   Engine
	registry *registry.Registry
	cfg      Config

	mu      sync.Mutex
	entries map[string]tracked

	cycleMu sync.Mutex

	now func() time.Time
}

// New returns a reaper over the given engine and registry.
func New(engine Engine, reg *registry.Registry, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultCleanupIntervalSeconds * time.Second
	}
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = constants.DefaultContainerPrefix
	}
	return &Reaper{
		engine:   engine,
		registry: reg,
		cfg:      cfg,
		entries:  map[string]tracked{},
		now:      time.Now,
	}
}

// Register tracks a deployment for TTL expiry. A ttl of zero never expires
// but still marks the container as owned, keeping it out of the orphan sweep.
func (r *Reaper) Register(id string, createdAt time.Time, ttlMinutes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = tracked{createdAt: createdAt, ttlMinutes: ttlMinutes}
}

// Unregister stops tracking a deployment.
func (r *Reaper) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Tracked reports whether the deployment id is currently tracked.
func (r *Reaper) Tracked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Run loops RunOnce every interval until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	log.Entry(ctx).Infof("reaper running every %s", r.cfg.Interval)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Entry(ctx).Debug("reaper stopped")
			return
		case <-ticker.C:
			result := r.RunOnce(ctx)
			if result.ExpiredCount > 0 || result.OrphanCount > 0 || result.FailedCount > 0 {
				log.Entry(ctx).Infof("cleanup cycle: %d expired, %d orphans, %d failed",
					result.ExpiredCount, result.OrphanCount, result.FailedCount)
			}
		}
	}
}

// RunOnce runs a single cycle: the expire phase, then the orphan phase.
// A deployment whose teardown fails stays tracked so the next cycle retries.
func (r *Reaper) RunOnce(ctx context.Context) CleanupResult {
	// Cycles never overlap; a cycle still in flight wins.
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	result := CleanupResult{
		ContainersRemoved: []string{},
		Errors:            []string{},
		Timestamp:         r.now().UTC(),
	}

	r.expire(ctx, &result)
	if ctx.Err() != nil {
		return result
	}
	r.sweepOrphans(ctx, &result)
	return result
}

func (r *Reaper) expire(ctx context.Context, result *CleanupResult) {
	now := r.now()

	r.mu.Lock()
	var expired []string
	for id, t := range r.entries {
		if t.ttlMinutes <= 0 {
			continue
		}
		if now.Sub(t.createdAt) >= time.Duration(t.ttlMinutes)*time.Minute {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		if ctx.Err() != nil {
			return
		}
		name := r.cfg.ContainerPrefix + "-" + id
		log.Entry(ctx).Infof("deployment %q exceeded its TTL, removing %q", id, name)

		if err := r.engine.Teardown(ctx, name); err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("expiring %s: %v", id, err))
			continue
		}

		r.Unregister(id)
		r.registry.Drop(id)
		result.ExpiredCount++
		result.ContainersRemoved = append(result.ContainersRemoved, name)
	}
}

func (r *Reaper) sweepOrphans(ctx context.Context, result *CleanupResult) {
	containers, err := r.engine.ListSandboxContainers(ctx)
	if err != nil {
		result.FailedCount++
		result.Errors = append(result.Errors, fmt.Sprintf("listing containers: %v", err))
		return
	}

	for _, c := range containers {
		if ctx.Err() != nil {
			return
		}
		if c.PathPrefix != "" && r.Tracked(c.PathPrefix) {
			continue
		}

		log.Entry(ctx).Infof("removing orphan container %q (prefix %q)", c.Name, c.PathPrefix)
		if err := r.engine.Teardown(ctx, c.Name); err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("removing orphan %s: %v", c.Name, err))
			continue
		}
		result.OrphanCount++
		result.ContainersRemoved = append(result.ContainersRemoved, c.Name)
	}
}
