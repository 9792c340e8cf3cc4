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

// Package server is the controller's HTTP and WebSocket surface: the deploy
// webhook, the read API, artifact upload/download, log streaming and the live
// progress socket.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sandboxops/sandboxd/pkg/sandbox/artifact"
	"github.com/sandboxops/sandboxd/pkg/sandbox/deploy"
	"github.com/sandboxops/sandboxd/pkg/sandbox/docker"
	"github.com/sandboxops/sandboxd/pkg/sandbox/event"
	"github.com/sandboxops/sandboxd/pkg/sandbox/gitpush"
	"github.com/sandboxops/sandboxd/pkg/sandbox/instrumentation"
	"github.com/sandboxops/sandboxd/pkg/sandbox/logstream"
	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
	"github.com/sandboxops/sandboxd/pkg/sandbox/registry"
	"github.com/sandboxops/sandboxd/pkg/sandbox/scaffold"
)

// Config carries the HTTP-facing settings.
type Config struct {
	// Addr is the listen address.
	Addr string

	// Secret guards the deploy endpoints via X-Sandbox-Secret. Empty
	// disables the check.
	Secret string

	// CORSOrigins lists permitted origins. Empty means same-origin only.
	CORSOrigins []string
}

// Server wires the controller's subsystems behind one router.
type Server struct {
	cfg        Config
	engine     docker.LocalDaemon
	registry   *registry.Registry
	bus        *event.Bus
	hooks      *event.Dispatcher
	deployer   *deploy.Service
	store      *artifact.Store
	streamer   *logstream.Streamer
	pusher     *gitpush.Pusher
	scaffolder *scaffold.Scaffolder
	metrics    *instrumentation.Metrics

	httpServer *http.Server
}

// Options bundles the subsystems the server serves. pusher, scaffolder and
// metrics may be nil; the matching endpoints then report their absence.
type Options struct {
	Engine     docker.LocalDaemon
	Registry   *registry.Registry
	Bus        *event.Bus
	Hooks      *event.Dispatcher
	Deployer   *deploy.Service
	Store      *artifact.Store
	Streamer   *logstream.Streamer
	Pusher     *gitpush.Pusher
	Scaffolder *scaffold.Scaffolder
	Metrics    *instrumentation.Metrics
}

// New assembles the server. Call Router to mount it or Run to serve.
func New(cfg Config, opts Options) *Server {
	return &Server{
		cfg:        cfg,
		engine:     opts.Engine,
		registry:   opts.Registry,
		bus:        opts.Bus,
		hooks:      opts.Hooks,
		deployer:   opts.Deployer,
		store:      opts.Store,
		streamer:   opts.Streamer,
		pusher:     opts.Pusher,
		scaffolder: opts.Scaffolder,
		metrics:    opts.Metrics,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests, s.cors)

	// Deploy webhook, shared-secret guarded.
	r.HandleFunc("/webhook/deploy", s.requireSecret(s.handleDeploy)).Methods(http.MethodPost)
	r.HandleFunc("/webhook/deploy/{id}", s.requireSecret(s.handleTeardown)).Methods(http.MethodDelete)

	// Deployments.
	r.HandleFunc("/api/deployments", s.handleListDeployments).Methods(http.MethodGet)
	r.HandleFunc("/api/deployments/{id}", s.handleDeploymentDetail).Methods(http.MethodGet)
	r.HandleFunc("/api/deployments/{id}/logs", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/deployments/{id}/logs/download", s.handleLogsDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/deployments/{id}/hooks", s.handleHooks).Methods(http.MethodGet)
	r.HandleFunc("/api/deployments/{id}/artifacts", s.handleDeleteDeploymentArtifacts).Methods(http.MethodDelete)

	// Artifacts.
	r.HandleFunc("/api/artifacts/upload", s.handleUploadArtifact).Methods(http.MethodPost)
	r.HandleFunc("/api/artifacts/commit", s.handleCommitArtifacts).Methods(http.MethodPost)
	r.HandleFunc("/api/artifacts/{id}/metadata", s.handleArtifactMetadata).Methods(http.MethodGet)
	r.HandleFunc("/api/artifacts/{id}", s.handleDownloadArtifact).Methods(http.MethodGet)
	r.HandleFunc("/api/artifacts/{id}", s.handleDeleteArtifact).Methods(http.MethodDelete)
	r.HandleFunc("/api/artifacts", s.handleListArtifacts).Methods(http.MethodGet)

	// Templates.
	r.HandleFunc("/api/templates", s.handleListTemplates).Methods(http.MethodGet)
	r.HandleFunc("/api/templates/{name}", s.handleTemplateDetail).Methods(http.MethodGet)
	r.HandleFunc("/api/templates/{name}/instantiate", s.handleInstantiateTemplate).Methods(http.MethodPost)

	// Metrics.
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics/json", s.handleMetricsJSON).Methods(http.MethodGet)

	// Live progress.
	r.HandleFunc("/ws/progress/{id}", s.handleProgressSocket).Methods(http.MethodGet)

	return r
}

// Run serves until the context is canceled, then shuts down gracefully:
// in-flight requests drain and every WebSocket gets a close frame.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		log.Entry(ctx).Infof("listening on %s", s.cfg.Addr)
		errc <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.bus.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Entry(ctx).Info("server stopped")
	return nil
}

// requireSecret enforces the shared deploy secret with a constant-time
// compare. The secret value itself is never logged.
func (s *Server) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Secret != "" {
			got := r.Header.Get("X-Sandbox-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) != 1 {
				log.Entry(r.Context()).Warnf("rejected %s %s: bad deploy secret", r.Method, r.URL.Path)
				writeError(w, http.StatusUnauthorized, "invalid secret")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Entry(r.Context()).Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Sandbox-Secret")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Entry(context.TODO()).Debugf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
