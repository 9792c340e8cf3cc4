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
	"testing"

	"github.com/sandboxops/sandboxd/testutil"
)

func testConfig() Config {
	return Config{
		Network: "sandbox-network",
		Domain:  "sandbox.example.com",
		Workers: 2,
	}
}

func TestDeploy(t *testing.T) {
	api := &testutil.FakeAPIClient{}
	daemon := NewLocalDaemon(api, testConfig())

	id, err := daemon.Deploy(context.Background(), DeployOptions{
		Image:      "ex/app:1",
		Name:       "sandbox-abc123",
		PathPrefix: "abc123",
		Port:       3000,
		Env:        map[string]string{"MODE": "sandbox"},
	})
	testutil.CheckError(t, false, err)
	if len(id) != 12 {
		t.Errorf("want short container id, got %q", id)
	}

	c, ok := api.Container("sandbox-abc123")
	if !ok {
		t.Fatal("container was not created")
	}
	testutil.CheckDeepEqual(t, "running", c.State)
	testutil.CheckDeepEqual(t, "ex/app:1", c.Image)
	testutil.CheckDeepEqual(t, []string{"ex/app:1"}, api.Pulled)
}

func TestDeployLabels(t *testing.T) {
	api := &testutil.FakeAPIClient{}
	daemon := NewLocalDaemon(api, testConfig())

	_, err := daemon.Deploy(context.Background(), DeployOptions{
		Image:      "ex/app:1",
		Name:       "sandbox-abc123",
		PathPrefix: "abc123",
		Port:       3000,
	})
	testutil.CheckError(t, false, err)

	c, _ := api.Container("sandbox-abc123")
	expected := map[string]string{
		"traefik.enable": "true",
		"traefik.http.routers.sandbox-abc123.rule":                             "Host(`sandbox.example.com`) && PathPrefix(`/abc123`)",
		"traefik.http.routers.sandbox-abc123.entrypoints":                      "websecure",
		"traefik.http.routers.sandbox-abc123.tls.certresolver":                 "letsencrypt",
		"traefik.http.services.sandbox-abc123.loadbalancer.server.port":        "3000",
		"traefik.http.middlewares.sandbox-abc123-strip.stripprefix.prefixes":   "/abc123",
		"traefik.http.routers.sandbox-abc123.middlewares":                      "sandbox-abc123-strip",
		"sandbox.deployment":                                                   "true",
		"sandbox.path_prefix":                                                  "abc123",
		"sandbox.memory_limit_mb":                                              "512",
		"sandbox.cpu_limit":                                                    "0.5",
	}
	testutil.CheckDeepEqual(t, expected, c.Labels)
}

// A second deploy under the same name replaces the first container.
func TestDeployIdempotentRedeploy(t *testing.T) {
	api := &testutil.FakeAPIClient{}
	daemon := NewLocalDaemon(api, testConfig())

	opts := DeployOptions{Image: "ex/app:1", Name: "sandbox-k", PathPrefix: "k", Port: 3000}

	first, err := daemon.Deploy(context.Background(), opts)
	testutil.CheckError(t, false, err)
	second, err := daemon.Deploy(context.Background(), opts)
	testutil.CheckError(t, false, err)

	if first == second {
		t.Errorf("redeploy should create a fresh container, got %q twice", first)
	}
	testutil.CheckDeepEqual(t, []string{"sandbox-k"}, api.Removed)
}

// A pull failure is logged and deployment proceeds against the local image.
func TestDeployPullFailureContinues(t *testing.T) {
	api := &testutil.FakeAPIClient{ErrImagePull: true}
	daemon := NewLocalDaemon(api, testConfig())

	_, err := daemon.Deploy(context.Background(), DeployOptions{
		Image: "ex/app:1", Name: "sandbox-p", PathPrefix: "p", Port: 3000,
	})
	testutil.CheckError(t, false, err)

	if _, ok := api.Container("sandbox-p"); !ok {
		t.Error("container should be created from the local image")
	}
}

func TestDeployCreateFailure(t *testing.T) {
	api := &testutil.FakeAPIClient{ErrContainerCreate: true}
	daemon := NewLocalDaemon(api, testConfig())

	_, err := daemon.Deploy(context.Background(), DeployOptions{
		Image: "missing/app:1", Name: "sandbox-m", PathPrefix: "m", Port: 3000,
	})
	testutil.CheckError(t, true, err)
}

func TestTeardownIdempotent(t *testing.T) {
	api := &testutil.FakeAPIClient{}
	api.Add(testutil.FakeContainer{Name: "sandbox-x"})
	daemon := NewLocalDaemon(api, testConfig())

	testutil.CheckError(t, false, daemon.Teardown(context.Background(), "sandbox-x"))
	// Second teardown hits NotFound, which is success.
	testutil.CheckError(t, false, daemon.Teardown(context.Background(), "sandbox-x"))
}

func TestListSandboxContainers(t *testing.T) {
	api := &testutil.FakeAPIClient{}
	api.Add(testutil.FakeContainer{
		Name:  "sandbox-abc",
		Image: "ex/app:1",
		Labels: map[string]string{
			"sandbox.deployment":  "true",
			"sandbox.path_prefix": "abc",
		},
	})
	api.Add(testutil.FakeContainer{
		Name:   "unrelated",
		Image:  "other:1",
		Labels: map[string]string{},
	})
	daemon := NewLocalDaemon(api, testConfig())

	list, err := daemon.ListSandboxContainers(context.Background())
	testutil.CheckError(t, false, err)

	if len(list) != 1 {
		t.Fatalf("want only labeled containers, got %d", len(list))
	}
	testutil.CheckDeepEqual(t, "sandbox-abc", list[0].Name)
	testutil.CheckDeepEqual(t, "abc", list[0].PathPrefix)
	testutil.CheckDeepEqual(t, "running", list[0].Status)
}
