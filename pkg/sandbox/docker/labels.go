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
	"fmt"
	"strconv"

	"github.com/sandboxops/sandboxd/pkg/sandbox/constants"
)

// routingLabels builds the labels applied to every deployed container: the
// edge proxy routing rules plus the sandbox metadata the reaper and the
// listing endpoints key on. The proxy strips the path prefix before
// forwarding, so containers serve from /.
func routingLabels(name, pathPrefix, domain string, port int, limits ResourceLimits) map[string]string {
	return map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", name): fmt.Sprintf(
			"Host(`%s`) && PathPrefix(`/%s`)", domain, pathPrefix),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", name):                      "websecure",
		fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", name):                 "letsencrypt",
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", name):        strconv.Itoa(port),
		fmt.Sprintf("traefik.http.middlewares.%s-strip.stripprefix.prefixes", name):   "/" + pathPrefix,
		fmt.Sprintf("traefik.http.routers.%s.middlewares", name):                      name + "-strip",
		constants.DeploymentLabel:  "true",
		constants.PathPrefixLabel:  pathPrefix,
		constants.MemoryLimitLabel: strconv.FormatInt(limits.MemoryMB, 10),
		constants.CPULimitLabel:    strconv.FormatFloat(limits.CPUs, 'g', -1, 64),
	}
}
