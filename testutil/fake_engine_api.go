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

package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/docker/registry"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// FakeContainer is one container known to the FakeAPIClient.
type FakeContainer struct {
	ID       string
	Name     string
	State    string
	Image    string
	Labels   map[string]string
	LogLines []string
	Inspect  types.ContainerJSON

	// StatsJSON, when set, is returned verbatim by ContainerStats.
	StatsJSON string
}

// FakeAPIClient fakes the engine API for driver tests. Containers are keyed
// by name; Err* flags script failures.
type FakeAPIClient struct {
	client.CommonAPIClient

	ErrImagePull       bool
	ErrContainerCreate bool
	ErrContainerStart  bool
	ErrContainerList   bool

	mu              sync.Mutex
	nextContainerID int
	containers      map[string]*FakeContainer

	Pulled  []string
	Removed []string
}

// Add seeds a container. Missing ids are assigned.
func (f *FakeAPIClient) Add(c FakeContainer) *FakeAPIClient {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.containers == nil {
		f.containers = map[string]*FakeContainer{}
	}
	if c.ID == "" {
		f.nextContainerID++
		c.ID = fmt.Sprintf("%012d%052d", f.nextContainerID, 0)
	}
	if c.State == "" {
		c.State = "running"
	}
	f.containers[c.Name] = &c
	return f
}

// Container returns the seeded or created container with the given name.
func (f *FakeAPIClient) Container(name string) (FakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[name]
	if !ok {
		return FakeContainer{}, false
	}
	return *c, true
}

func (f *FakeAPIClient) ImagePull(_ context.Context, ref string, _ imagetypes.PullOptions) (io.ReadCloser, error) {
	if f.ErrImagePull {
		return nil, fmt.Errorf("pull failed")
	}

	f.mu.Lock()
	f.Pulled = append(f.Pulled, ref)
	f.mu.Unlock()

	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *FakeAPIClient) ContainerCreate(_ context.Context, config *containertypes.Config, _ *containertypes.HostConfig, _ *networktypes.NetworkingConfig, _ *ocispec.Platform, containerName string) (containertypes.CreateResponse, error) {
	if f.ErrContainerCreate {
		return containertypes.CreateResponse{}, fmt.Errorf("create failed")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.containers == nil {
		f.containers = map[string]*FakeContainer{}
	}
	f.nextContainerID++
	c := &FakeContainer{
		ID:     fmt.Sprintf("%012d%052d", f.nextContainerID, 0),
		Name:   containerName,
		State:  "created",
		Image:  config.Image,
		Labels: config.Labels,
	}
	f.containers[containerName] = c

	return containertypes.CreateResponse{ID: c.ID}, nil
}

func (f *FakeAPIClient) ContainerStart(_ context.Context, id string, _ containertypes.StartOptions) error {
	if f.ErrContainerStart {
		return fmt.Errorf("start failed")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.lookupLocked(id)
	if c == nil {
		return errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}
	c.State = "running"
	return nil
}

func (f *FakeAPIClient) ContainerRemove(_ context.Context, id string, _ containertypes.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.lookupLocked(id)
	if c == nil {
		return errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}
	delete(f.containers, c.Name)
	f.Removed = append(f.Removed, c.Name)
	return nil
}

func (f *FakeAPIClient) ContainerList(_ context.Context, options containertypes.ListOptions) ([]types.Container, error) {
	if f.ErrContainerList {
		return nil, fmt.Errorf("list failed")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	wanted := options.Filters.Get("label")

	var out []types.Container
	for _, c := range f.containers {
		if !matchesLabels(c.Labels, wanted) {
			continue
		}
		out = append(out, types.Container{
			ID:     c.ID,
			Names:  []string{"/" + c.Name},
			Image:  c.Image,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return out, nil
}

func (f *FakeAPIClient) ContainerLogs(_ context.Context, id string, _ containertypes.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.lookupLocked(id)
	if c == nil {
		return nil, errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}

	// The engine multiplexes stdout/stderr; frame the lines the same way.
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	for _, line := range c.LogLines {
		fmt.Fprintln(w, line)
	}
	return io.NopCloser(&buf), nil
}

func (f *FakeAPIClient) ContainerStats(_ context.Context, id string, _ bool) (containertypes.StatsResponseReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.lookupLocked(id)
	if c == nil {
		return containertypes.StatsResponseReader{}, errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}

	body := c.StatsJSON
	if body == "" {
		body = "{}"
	}
	return containertypes.StatsResponseReader{
		Body: io.NopCloser(strings.NewReader(body)),
	}, nil
}

func (f *FakeAPIClient) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.lookupLocked(id)
	if c == nil {
		return types.ContainerJSON{}, errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}

	inspect := c.Inspect
	if inspect.ContainerJSONBase == nil {
		// A real daemon always populates the base; synthesize a minimal one
		// for containers seeded without an explicit Inspect.
		inspect.ContainerJSONBase = &types.ContainerJSONBase{
			ID:   c.ID,
			Name: "/" + c.Name,
			State: &types.ContainerState{
				Status:  c.State,
				Running: c.State == "running",
			},
		}
	}
	return inspect, nil
}

func (f *FakeAPIClient) Info(context.Context) (system.Info, error) {
	return system.Info{
		IndexServerAddress: registry.IndexServer,
	}, nil
}

func (f *FakeAPIClient) Close() error { return nil }

func (f *FakeAPIClient) lookupLocked(ref string) *FakeContainer {
	if c, ok := f.containers[ref]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.ID == ref {
			return c
		}
	}
	return nil
}

func matchesLabels(labels map[string]string, wanted []string) bool {
	for _, w := range wanted {
		k, v, hasValue := strings.Cut(w, "=")
		got, ok := labels[k]
		if !ok || (hasValue && got != v) {
			return false
		}
	}
	return true
}
