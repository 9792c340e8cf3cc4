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
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"

	"github.com/sandboxops/sandboxd/pkg/sandbox/constants"
	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
)

// Deploy pulls the image and runs a container with routing labels, resource
// caps and an optional healthcheck, returning the short container id. A pull
// failure is logged and deployment continues: the image may already be
// present locally, in which case the create step succeeds anyway. A container
// holding the requested name is force-removed first, making redeploys of the
// same deployment id idempotent.
func (l *localDaemon) Deploy(ctx context.Context, opts DeployOptions) (string, error) {
	release, err := l.acquireWorker(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if opts.Limits == (ResourceLimits{}) {
		opts.Limits = DefaultResourceLimits()
	}

	if err := l.pull(ctx, opts.Image); err != nil {
		log.Entry(ctx).Warnf("pulling %s: %v; continuing with local image", opts.Image, err)
	}

	if err := l.removeContainer(ctx, opts.Name); err != nil && !errdefs.IsNotFound(err) {
		return "", errors.Wrapf(err, "removing existing container %q", opts.Name)
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	exposed, err := nat.NewPort("tcp", strconv.Itoa(opts.Port))
	if err != nil {
		return "", errors.Wrapf(err, "invalid container port %d", opts.Port)
	}

	config := &container.Config{
		Image:        opts.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{exposed: struct{}{}},
		Labels:       routingLabels(opts.Name, opts.PathPrefix, l.cfg.Domain, opts.Port, opts.Limits),
	}
	if hc := healthConfig(opts.HealthCheck, opts.Port); hc != nil {
		config.Healthcheck = hc
	}

	pids := opts.Limits.PidsLimit
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(l.cfg.Network),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		Resources: container.Resources{
			Memory:    opts.Limits.MemoryMB * 1024 * 1024,
			NanoCPUs:  int64(opts.Limits.CPUs * 1e9),
			PidsLimit: &pids,
		},
	}

	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			l.cfg.Network: {},
		},
	}

	log.Entry(ctx).Infof("creating container %q on network %q (mem %dMB, cpu %g)",
		opts.Name, l.cfg.Network, opts.Limits.MemoryMB, opts.Limits.CPUs)

	created, err := l.apiClient.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, opts.Name)
	if err != nil {
		return "", errors.Wrap(err, "creating container in local docker")
	}
	if err := l.apiClient.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", errors.Wrapf(err, "starting container %q", opts.Name)
	}

	return shortID(created.ID), nil
}

// Teardown force-removes the named container. A missing container is not an
// error: teardown is idempotent.
func (l *localDaemon) Teardown(ctx context.Context, name string) error {
	release, err := l.acquireWorker(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := l.removeContainer(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			log.Entry(ctx).Debugf("container %q already gone", name)
			return nil
		}
		return errors.Wrapf(err, "removing container %q", name)
	}
	return nil
}

// ListSandboxContainers returns the containers carrying the sandbox
// deployment label.
func (l *localDaemon) ListSandboxContainers(ctx context.Context) ([]Container, error) {
	release, err := l.acquireWorker(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	list, err := l.apiClient.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", constants.DeploymentLabel+"=true")),
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing sandbox containers")
	}

	out := make([]Container, 0, len(list))
	for _, c := range list {
		img := c.Image
		if img == "" {
			img = "unknown"
		}
		out = append(out, Container{
			ID:         shortID(c.ID),
			Name:       containerName(c.Names),
			Status:     c.State,
			Image:      img,
			PathPrefix: c.Labels[constants.PathPrefixLabel],
		})
	}
	return out, nil
}

func (l *localDaemon) pull(ctx context.Context, ref string) error {
	registryAuth, err := l.encodedRegistryAuth(ctx, DefaultAuthHelper, ref)
	if err != nil {
		log.Entry(ctx).Debugf("no registry auth for %s: %v", ref, err)
		registryAuth = ""
	}

	log.Entry(ctx).Infof("pulling image %s", ref)
	rc, err := l.apiClient.ImagePull(ctx, ref, image.PullOptions{
		RegistryAuth: registryAuth,
	})
	if err != nil {
		return err
	}
	defer rc.Close()

	// Drain the progress stream; a pull error surfaces as a read error.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (l *localDaemon) removeContainer(ctx context.Context, name string) error {
	return l.apiClient.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
}

func healthConfig(hc HealthCheck, containerPort int) *container.HealthConfig {
	if !hc.Enabled {
		return nil
	}
	port := hc.Port
	if port == 0 {
		port = containerPort
	}
	return &container.HealthConfig{
		Test:        []string{"CMD", "curl", "-f", fmt.Sprintf("http://localhost:%d%s", port, hc.Path)},
		Interval:    hc.Interval,
		Timeout:     hc.Timeout,
		Retries:     hc.Retries,
		StartPeriod: hc.StartPeriod,
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
