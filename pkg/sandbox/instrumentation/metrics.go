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

// Package instrumentation owns the controller's Prometheus metrics. A custom
// registry keeps the exposition limited to the sandbox_* families; the
// gauges read live state on every scrape.
package instrumentation

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/sandboxops/sandboxd/pkg/sandbox/docker"
	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
	"github.com/sandboxops/sandboxd/pkg/sandbox/registry"
)

// scrapeTimeout bounds the engine listing a gauge scrape triggers.
const scrapeTimeout = 5 * time.Second

// ContainerLister is the slice of the container driver the gauges need.
type ContainerLister interface {
	ListSandboxContainers(ctx context.Context) ([]docker.Container, error)
}

// StorageSizer reports the artifact store's total stored bytes.
type StorageSizer interface {
	TotalSize(ctx context.Context) (int64, error)
}

// Metrics is the controller's metric set. The zero value is unusable; build
// one with New.
type Metrics struct {
	registry *prometheus.Registry

	deploymentsTotal    *prometheus.CounterVec
	artifactsTotal      prometheus.Counter
	artifactCommits     *prometheus.CounterVec
	deploymentDuration  prometheus.Histogram
	artifactUploadBytes prometheus.Histogram
}

// New builds the metric set. lister and sizer may be nil, in which case the
// corresponding gauges read zero.
func New(reg *registry.Registry, lister ContainerLister, sizer StorageSizer) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_deployments_total",
			Help: "Deployments processed, by final status.",
		}, []string{"status"}),
		artifactsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_artifacts_total",
			Help: "Artifacts stored.",
		}),
		artifactCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_artifact_commits_total",
			Help: "Artifact commit pushes to the external VCS, by status.",
		}, []string{"status"}),
		deploymentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sandbox_deployment_duration_seconds",
			Help:    "Wall time of the deploy operation.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		artifactUploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sandbox_artifact_upload_bytes",
			Help:    "Size of uploaded artifacts.",
			Buckets: []float64{1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024, 100 * 1024 * 1024},
		}),
	}

	deploymentsActive := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sandbox_deployments_active",
		Help: "Deployments currently in the registry.",
	}, func() float64 {
		if reg == nil {
			return 0
		}
		return float64(len(reg.List()))
	})

	containersRunning := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sandbox_containers_running",
		Help: "Live sandbox-labeled containers.",
	}, func() float64 {
		if lister == nil {
			return 0
		}
		ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
		defer cancel()
		containers, err := lister.ListSandboxContainers(ctx)
		if err != nil {
			log.Entry(ctx).Debugf("listing containers for scrape: %v", err)
			return 0
		}
		return float64(len(containers))
	})

	storageBytes := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sandbox_artifacts_storage_bytes",
		Help: "Total bytes held by the artifact store.",
	}, func() float64 {
		if sizer == nil {
			return 0
		}
		ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
		defer cancel()
		total, err := sizer.TotalSize(ctx)
		if err != nil {
			log.Entry(ctx).Debugf("sizing artifact store for scrape: %v", err)
			return 0
		}
		return float64(total)
	})

	m.registry.MustRegister(
		m.deploymentsTotal,
		m.artifactsTotal,
		m.artifactCommits,
		m.deploymentDuration,
		m.artifactUploadBytes,
		deploymentsActive,
		containersRunning,
		storageBytes,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// DeploymentFinished counts a deploy by status and observes its duration.
func (m *Metrics) DeploymentFinished(status string, elapsed time.Duration) {
	m.deploymentsTotal.WithLabelValues(status).Inc()
	m.deploymentDuration.Observe(elapsed.Seconds())
}

// ArtifactSaved counts one stored artifact and observes its size.
func (m *Metrics) ArtifactSaved(sizeBytes int64) {
	m.artifactsTotal.Inc()
	m.artifactUploadBytes.Observe(float64(sizeBytes))
}

// CommitFinished counts one VCS push by status.
func (m *Metrics) CommitFinished(status string) {
	m.artifactCommits.WithLabelValues(status).Inc()
}

// Snapshot renders the current metric values as plain JSON-encodable data:
// family name to value, with labeled families nested by label signature.
func (m *Metrics) Snapshot() (map[string]any, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	out := map[string]any{}
	for _, mf := range families {
		metrics := mf.GetMetric()
		if len(metrics) == 1 && len(metrics[0].GetLabel()) == 0 {
			out[mf.GetName()] = value(metrics[0])
			continue
		}
		byLabel := map[string]any{}
		for _, metric := range metrics {
			key := ""
			for i, lp := range metric.GetLabel() {
				if i > 0 {
					key += ","
				}
				key += lp.GetName() + "=" + lp.GetValue()
			}
			byLabel[key] = value(metric)
		}
		out[mf.GetName()] = byLabel
	}
	return out, nil
}

func value(m *dto.Metric) any {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetHistogram() != nil:
		h := m.GetHistogram()
		return map[string]any{
			"count": h.GetSampleCount(),
			"sum":   h.GetSampleSum(),
		}
	default:
		return nil
	}
}
