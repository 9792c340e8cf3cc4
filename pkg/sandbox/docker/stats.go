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

package docker

import (
	"context"
	"encoding/json"
	"math"

	"github.com/docker/docker/api/types/container"
	"github.com/pkg/errors"
)

const (
	healthLogEntries  = 10
	healthOutputLimit = 500
)

// Stats returns a point-in-time resource snapshot. CPU percent is computed
// from the deltas between the sample's cpu and system-cpu counters and their
// predecessors, the same way the engine CLI does.
func (l *localDaemon) Stats(ctx context.Context, name string) (*Stats, error) {
	release, err := l.acquireWorker(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := l.apiClient.ContainerStats(ctx, name, false)
	if err != nil {
		return nil, errors.Wrapf(err, "reading stats of %q", name)
	}
	defer resp.Body.Close()

	var sample container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return nil, errors.Wrapf(err, "decoding stats of %q", name)
	}

	return statsFromSample(&sample), nil
}

func statsFromSample(s *container.StatsResponse) *Stats {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)

	var cpuPercent float64
	if systemDelta > 0 {
		cpuPercent = cpuDelta / systemDelta * 100.0
	}

	var memPercent float64
	if s.MemoryStats.Limit > 0 {
		memPercent = float64(s.MemoryStats.Usage) / float64(s.MemoryStats.Limit) * 100.0
	}

	var rx, tx uint64
	for _, iface := range s.Networks {
		rx += iface.RxBytes
		tx += iface.TxBytes
	}

	return &Stats{
		CPUPercent:       round2(cpuPercent),
		MemoryBytes:      s.MemoryStats.Usage,
		MemoryLimitBytes: s.MemoryStats.Limit,
		MemoryPercent:    round2(memPercent),
		NetworkRxBytes:   rx,
		NetworkTxBytes:   tx,
		PidsCurrent:      s.PidsStats.Current,
	}
}

// Health reports the container's healthcheck status and the last ten probe
// results, probe output truncated to 500 characters.
func (l *localDaemon) Health(ctx context.Context, name string) (*Health, error) {
	release, err := l.acquireWorker(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	info, err := l.apiClient.ContainerInspect(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "inspecting %q", name)
	}

	h := &Health{
		Status:          "none",
		ContainerStatus: "unknown",
	}
	if info.State != nil {
		h.ContainerStatus = info.State.Status
		h.Running = info.State.Running
		h.StartedAt = info.State.StartedAt
		h.FinishedAt = info.State.FinishedAt

		if hs := info.State.Health; hs != nil {
			h.Status = hs.Status
			h.FailingStreak = hs.FailingStreak

			entries := hs.Log
			if len(entries) > healthLogEntries {
				entries = entries[len(entries)-healthLogEntries:]
			}
			for _, entry := range entries {
				output := entry.Output
				if len(output) > healthOutputLimit {
					output = output[:healthOutputLimit]
				}
				h.Log = append(h.Log, HealthLogEntry{
					Start:    entry.Start,
					End:      entry.End,
					ExitCode: entry.ExitCode,
					Output:   output,
				})
			}
		}
	}
	return h, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
