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

// Package config resolves the controller configuration from defaults, an
// optional YAML file and the environment, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/imdario/mergo"
	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/sandboxops/sandboxd/pkg/sandbox/constants"
)

// Config carries every tunable of the controller. Zero values are filled in
// from defaults by Load.
type Config struct {
	// Addr is the HTTP/WebSocket listen address.
	Addr string `yaml:"addr"`

	// WebhookSecret guards the deploy endpoints. Empty disables the check.
	WebhookSecret string `yaml:"webhookSecret"`

	DockerNetwork   string `yaml:"dockerNetwork"`
	ContainerPrefix string `yaml:"containerPrefix"`
	SandboxDomain   string `yaml:"sandboxDomain"`

	CORSOrigins []string `yaml:"corsOrigins"`

	ArtifactsDir string `yaml:"artifactsDir"`
	ArtifactsDB  string `yaml:"artifactsDB"`
	TemplatesDir string `yaml:"templatesDir"`

	CleanupIntervalSeconds int `yaml:"cleanupIntervalSeconds"`
	DefaultTTLMinutes      int `yaml:"defaultTTLMinutes"`
	DockerWorkers          int `yaml:"dockerWorkers"`

	GitHubToken string `yaml:"-"`
	GitHubRepo  string `yaml:"githubRepo"`

	// GitRemoteURL, when set, overrides the https URL derived from GitHubRepo.
	GitRemoteURL string `yaml:"gitRemoteURL"`
	GitUserName  string `yaml:"gitUserName"`
	GitUserEmail string `yaml:"gitUserEmail"`
}

// CleanupInterval returns the reaper pause as a duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

func defaults() (Config, error) {
	home, err := homedir.Dir()
	if err != nil {
		return Config{}, fmt.Errorf("resolving home directory: %w", err)
	}

	return Config{
		Addr:                   constants.DefaultServeAddress,
		DockerNetwork:          constants.DefaultDockerNetwork,
		ContainerPrefix:        constants.DefaultContainerPrefix,
		SandboxDomain:          constants.DefaultSandboxDomain,
		CORSOrigins:            []string{"http://localhost:3000", "http://localhost:5173"},
		ArtifactsDir:           filepath.Join(home, ".sandboxd", "artifacts"),
		ArtifactsDB:            filepath.Join(home, ".sandboxd", "artifacts.db"),
		TemplatesDir:           "templates",
		CleanupIntervalSeconds: constants.DefaultCleanupIntervalSeconds,
		DefaultTTLMinutes:      constants.DefaultTTLMinutes,
		DockerWorkers:          constants.DefaultDockerWorkers,
		GitUserName:            "sandboxd",
		GitUserEmail:           "sandboxd@localhost",
	}, nil
}

// Load builds the effective configuration. When path is non-empty the YAML
// file there overrides the defaults; environment variables override both.
func Load(path string) (Config, error) {
	cfg, err := defaults()
	if err != nil {
		return Config{}, err
	}

	if path != "" {
		fromFile, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := mergo.Merge(&cfg, fromFile, mergo.WithOverride); err != nil {
			return Config{}, fmt.Errorf("merging config file %q: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.ArtifactsDir, err = homedir.Expand(cfg.ArtifactsDir); err != nil {
		return Config{}, fmt.Errorf("expanding artifacts dir: %w", err)
	}
	if cfg.ArtifactsDB, err = homedir.Expand(cfg.ArtifactsDB); err != nil {
		return Config{}, fmt.Errorf("expanding artifacts db: %w", err)
	}

	return cfg, nil
}

func readFile(path string) (Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return Config{}, fmt.Errorf("expanding config path: %w", err)
	}

	buf, err := os.ReadFile(expanded)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Addr, "SANDBOXD_ADDR")
	setString(&cfg.WebhookSecret, "WEBHOOK_SECRET")
	setString(&cfg.DockerNetwork, "DOCKER_NETWORK")
	setString(&cfg.ContainerPrefix, "CONTAINER_PREFIX")
	setString(&cfg.SandboxDomain, "SANDBOX_DOMAIN")
	setString(&cfg.ArtifactsDir, "ARTIFACTS_DIR")
	setString(&cfg.ArtifactsDB, "ARTIFACTS_DB")
	setString(&cfg.TemplatesDir, "TEMPLATES_DIR")
	setString(&cfg.GitHubToken, "GITHUB_TOKEN")
	setString(&cfg.GitHubRepo, "GITHUB_REPO")
	setString(&cfg.GitRemoteURL, "GIT_REMOTE_URL")
	setString(&cfg.GitUserName, "GIT_USER_NAME")
	setString(&cfg.GitUserEmail, "GIT_USER_EMAIL")

	setInt(&cfg.CleanupIntervalSeconds, "CLEANUP_INTERVAL_SECONDS")
	setInt(&cfg.DefaultTTLMinutes, "DEFAULT_TTL_MINUTES")
	setInt(&cfg.DockerWorkers, "DOCKER_WORKERS")

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORSOrigins = origins
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
