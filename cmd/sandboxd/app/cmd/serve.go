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
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sandboxops/sandboxd/pkg/sandbox/artifact"
	"github.com/sandboxops/sandboxd/pkg/sandbox/config"
	"github.com/sandboxops/sandboxd/pkg/sandbox/deploy"
	"github.com/sandboxops/sandboxd/pkg/sandbox/docker"
	"github.com/sandboxops/sandboxd/pkg/sandbox/event"
	"github.com/sandboxops/sandboxd/pkg/sandbox/gitpush"
	"github.com/sandboxops/sandboxd/pkg/sandbox/instrumentation"
	"github.com/sandboxops/sandboxd/pkg/sandbox/logstream"
	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
	"github.com/sandboxops/sandboxd/pkg/sandbox/reaper"
	"github.com/sandboxops/sandboxd/pkg/sandbox/registry"
	"github.com/sandboxops/sandboxd/pkg/sandbox/scaffold"
	"github.com/sandboxops/sandboxd/pkg/sandbox/server"
)

// NewCmdServe describes the serve command.
func NewCmdServe(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the controller: the deploy API, the progress feed and the TTL reaper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
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

	store, err := artifact.New(cfg.ArtifactsDB, cfg.ArtifactsDir)
	if err != nil {
		return errors.Wrap(err, "opening artifact store")
	}
	defer store.Close()

	hooks := event.NewDispatcher(nil)
	bus := event.NewBus(hooks)
	reg := registry.New(deploy.Notifier(bus))

	reap := reaper.New(daemon, reg, reaper.Config{
		Interval:        cfg.CleanupInterval(),
		ContainerPrefix: cfg.ContainerPrefix,
	})
	metrics := instrumentation.New(reg, daemon, store)
	deployer := deploy.New(daemon, reg, bus, reap, hooks, metrics, deploy.Config{
		Domain:            cfg.SandboxDomain,
		ContainerPrefix:   cfg.ContainerPrefix,
		DefaultTTLMinutes: cfg.DefaultTTLMinutes,
	})

	var pusher *gitpush.Pusher
	if cfg.GitHubToken != "" {
		pusher = gitpush.New(store, gitpush.Config{
			Token:       cfg.GitHubToken,
			Repo:        cfg.GitHubRepo,
			RemoteURL:   cfg.GitRemoteURL,
			AuthorName:  cfg.GitUserName,
			AuthorEmail: cfg.GitUserEmail,
		})
	} else {
		log.Entry(ctx).Info("no GITHUB_TOKEN set, artifact commits are disabled")
	}

	srv := server.New(server.Config{
		Addr:        cfg.Addr,
		Secret:      cfg.WebhookSecret,
		CORSOrigins: cfg.CORSOrigins,
	}, server.Options{
		Engine:     daemon,
		Registry:   reg,
		Bus:        bus,
		Hooks:      hooks,
		Deployer:   deployer,
		Store:      store,
		Streamer:   logstream.New(daemon, cfg.ContainerPrefix),
		Pusher:     pusher,
		Scaffolder: scaffold.New(cfg.TemplatesDir, "."),
		Metrics:    metrics,
	})

	go reap.Run(ctx)
	return srv.Run(ctx)
}
