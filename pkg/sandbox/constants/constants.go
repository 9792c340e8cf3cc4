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

package constants

import (
	"github.com/sirupsen/logrus"
)

const (
	// DefaultLogLevel is the default global verbosity
	DefaultLogLevel = logrus.InfoLevel

	// DefaultContainerPrefix prefixes every container name managed by the
	// controller: "<prefix>-<deployment id>".
	DefaultContainerPrefix = "sandbox"

	// DefaultDockerNetwork is the network deployed containers attach to.
	DefaultDockerNetwork = "sandbox-network"

	// DefaultSandboxDomain is the host used in the edge proxy routing rule.
	DefaultSandboxDomain = "sandbox.example.com"

	// DefaultServeAddress is the listen address of the HTTP/WebSocket API.
	DefaultServeAddress = ":8080"

	// DefaultContainerPort is the port exposed when a deploy request names none.
	DefaultContainerPort = 3000

	// DefaultCleanupIntervalSeconds is the pause between reaper cycles.
	DefaultCleanupIntervalSeconds = 300

	// DefaultTTLMinutes is applied to deployments that request no TTL.
	// A TTL of zero means the deployment never expires.
	DefaultTTLMinutes = 60

	// DefaultDockerWorkers bounds concurrent engine API calls.
	DefaultDockerWorkers = 8

	// DefaultMemoryLimitMB, DefaultCPULimit and DefaultPidsLimit cap every
	// deployed container unless the request overrides them.
	DefaultMemoryLimitMB = 512
	DefaultCPULimit      = 0.5
	DefaultPidsLimit     = 100
)

const (
	// DeploymentLabel marks every container managed by the controller.
	DeploymentLabel = "sandbox.deployment"

	// PathPrefixLabel carries the deployment id a container was created for.
	PathPrefixLabel = "sandbox.path_prefix"

	// MemoryLimitLabel and CPULimitLabel record the applied resource caps.
	MemoryLimitLabel = "sandbox.memory_limit_mb"
	CPULimitLabel    = "sandbox.cpu_limit"
)

// Phase designates a top-level task of the controller for log attribution.
type Phase string

const (
	Serve    Phase = "Serve"
	Deploy   Phase = "Deploy"
	Teardown Phase = "Teardown"
	Cleanup  Phase = "Cleanup"
	Artifact Phase = "Artifact"
	Stream   Phase = "Stream"
	GitPush  Phase = "GitPush"
	Scaffold Phase = "Scaffold"

	SubtaskIDNone = "-1"
)
