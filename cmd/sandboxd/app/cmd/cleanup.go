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

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/segmentio/textio"
	"github.com/spf13/cobra"

	"github.com/sandboxops/sandboxd/pkg/sandbox/config"
	"github.com/sandboxops/sandboxd/pkg/sandbox/docker"
	"github.com/sandboxops/sandboxd/pkg/sandbox/reaper"
	"github.com/sandboxops/sandboxd/pkg/sandbox/registry"
)

// NewCmdCleanup describes the cleanup command.
func NewCmdCleanup(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one reaper cycle: remove orphaned sandbox containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runCleanup(ctx, out)
		},
	}
}

// runCleanup sweeps with an empty TTL table, so every sandbox container on
// the engine counts as an orphan. Deployments tracked by a running serve
// process are that process's to reap.
func runCleanup(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}

	daemon, err := docker.NewAPIClient(ctx, docker.Config{
		Network: cfg.DockerNetwork,
		Domain:  cfg.SandboxDomain,
		Workers: int64(cfg.DockerWorkers),
	})
	if err != nil {
		return errors.Wrap(err, "connecting to the container engine")
	}
	defer daemon.Close()

	reap := reaper.New(daemon, registry.New(nil), reaper.Config{
		ContainerPrefix: cfg.ContainerPrefix,
	})
	result := reap.RunOnce(ctx)

	fmt.Fprintf(out, "removed %d orphaned container(s), %d failure(s)\n",
		result.OrphanCount, result.FailedCount)
	if len(result.ContainersRemoved) > 0 {
		w := textio.NewPrefixWriter(out, "  - ")
		for _, name := range result.ContainersRemoved {
			fmt.Fprintln(w, name)
		}
		w.Flush()
	}
	if len(result.Errors) > 0 {
		fmt.Fprintln(out, "errors:")
		w := textio.NewPrefixWriter(out, "  ")
		for _, msg := range result.Errors {
			fmt.Fprintln(w, msg)
		}
		w.Flush()
	}

	if result.FailedCount > 0 {
		return fmt.Errorf("%d container(s) could not be removed", result.FailedCount)
	}
	return nil
}
