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
	"net/http"
	"os"
	"sync"

	"github.com/docker/cli/cli/connhelper"
	"github.com/docker/docker/client"

	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
	"github.com/sandboxops/sandboxd/pkg/sandbox/version"
)

// For testing
var (
	NewAPIClient = NewAPIClientImpl
)

var (
	apiClientOnce sync.Once
	apiClient     LocalDaemon
	apiClientErr  error
)

// NewAPIClientImpl builds the process-wide engine client from the
// environment. The first caller wins; later calls return the same daemon.
func NewAPIClientImpl(ctx context.Context, cfg Config) (LocalDaemon, error) {
	apiClientOnce.Do(func() {
		cli, err := newEnvAPIClient(ctx)
		apiClient = NewLocalDaemon(cli, cfg)
		apiClientErr = err
	})

	return apiClient, apiClientErr
}

// newEnvAPIClient returns a docker client based on the environment variables
// set. It will "negotiate" the highest possible API version supported by both
// the client and the server if there is a mismatch.
func newEnvAPIClient(ctx context.Context) (client.CommonAPIClient, error) {
	opts := []client.Opt{client.WithHTTPHeaders(getUserAgentHeader())}
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		helper, err := connhelper.GetConnectionHelper(host)
		if err == nil && helper != nil {
			httpClient := &http.Client{
				Transport: &http.Transport{
					DialContext: helper.Dialer,
				},
			}
			opts = append(opts, client.WithHTTPClient(httpClient), client.WithHost(helper.Host))
		} else {
			opts = append(opts, client.FromEnv)
		}
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("error getting docker client: %w", err)
	}
	cli.NegotiateAPIVersion(ctx)

	return cli, nil
}

func getUserAgentHeader() map[string]string {
	userAgent := fmt.Sprintf("sandboxd-%s", version.Get().Version)
	log.Entry(context.TODO()).Debugf("setting Docker user agent to %s", userAgent)
	return map[string]string{
		"User-Agent": userAgent,
	}
}
