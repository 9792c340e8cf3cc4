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

// Package gitpush publishes a deployment's artifacts to an external git
// repository on a branch named agent/<deployment id>, then opens a pull
// request. The branch is force-pushed: a previous run's branch for the same
// deployment is overwritten.
package gitpush

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/github"
	"golang.org/x/oauth2"

	"github.com/sandboxops/sandboxd/pkg/sandbox/artifact"
	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
)

// ErrNoToken is returned when no GitHub token is configured.
var ErrNoToken = errors.New("no github token configured")

// ErrNoRepo is returned when neither the request nor the configuration names
// a repository.
var ErrNoRepo = errors.New("no repository configured")

const defaultBaseBranch = "main"

// ArtifactSource supplies the artifacts to commit.
type ArtifactSource interface {
	List(ctx context.Context, deploymentID string, limit, offset int) ([]artifact.Metadata, error)
	Get(ctx context.Context, id string) (artifact.Metadata, []byte, error)
}

// Config carries the VCS settings.
type Config struct {
	// Token authenticates both the clone/push and the PR creation.
	Token string

	// Repo is "owner/name" on github.com. A request may override it.
	Repo string

	// RemoteURL overrides the clone URL derived from Repo.
	RemoteURL string

	AuthorName  string
	AuthorEmail string
}

// Request describes one commit-and-push run.
type Request struct {
	DeploymentID string `json:"deployment_id"`
	Repo         string `json:"repo,omitempty"`
	Branch       string `json:"branch,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Result reports the outcome. PRURL is empty when the pull request already
// existed from an earlier run.
type Result struct {
	Status string `json:"status"`
	SHA    string `json:"sha,omitempty"`
	Branch string `json:"branch,omitempty"`
	PRURL  string `json:"pr_url,omitempty"`
}

// Pusher clones, commits and pushes artifact sets.
type Pusher struct {
	artifacts ArtifactSource
	cfg       Config

	// newGithubClient is a test seam.
	newGithubClient func(ctx context.Context, token string) *github.Client
}

// New returns a pusher over the artifact source.
func New(artifacts ArtifactSource, cfg Config) *Pusher {
	return &Pusher{
		artifacts: artifacts,
		cfg:       cfg,
		newGithubClient: func(ctx context.Context, token string) *github.Client {
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
			return github.NewClient(oauth2.NewClient(ctx, ts))
		},
	}
}

// Push clones the repository at depth 1, copies the deployment's artifacts
// into artifacts/, commits them as the configured author, force-pushes the
// agent/<id> branch and opens a pull request against the default branch.
func (p *Pusher) Push(ctx context.Context, req Request) (Result, error) {
	if p.cfg.Token == "" {
		return Result{}, ErrNoToken
	}
	repo := req.Repo
	if repo == "" {
		repo = p.cfg.Repo
	}
	if repo == "" && p.cfg.RemoteURL == "" {
		return Result{}, ErrNoRepo
	}

	branch := req.Branch
	if branch == "" {
		branch = "agent/" + req.DeploymentID
	}
	message := req.Message
	if message == "" {
		message = fmt.Sprintf("Add artifacts from deployment %s", req.DeploymentID)
	}

	workDir, err := os.MkdirTemp("", "sandboxd-gitpush-")
	if err != nil {
		return Result{}, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	auth := &githttp.BasicAuth{Username: "x-access-token", Password: p.cfg.Token}
	cloneURL := p.cfg.RemoteURL
	if cloneURL == "" {
		cloneURL = "https://github.com/" + repo + ".git"
	}

	log.Entry(ctx).Infof("cloning %s for deployment %q", repo, req.DeploymentID)
	r, err := git.PlainCloneContext(ctx, workDir, false, &git.CloneOptions{
		URL:   cloneURL,
		Depth: 1,
		Auth:  auth,
	})
	if err != nil {
		return Result{}, fmt.Errorf("cloning %s: %w", repo, err)
	}

	wt, err := r.Worktree()
	if err != nil {
		return Result{}, fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}); err != nil {
		return Result{}, fmt.Errorf("creating branch %q: %w", branch, err)
	}

	count, err := p.copyArtifacts(ctx, req.DeploymentID, workDir)
	if err != nil {
		return Result{}, err
	}
	if count == 0 {
		return Result{Status: "no_artifacts", Branch: branch}, nil
	}

	if _, err := wt.Add("artifacts"); err != nil {
		return Result{}, fmt.Errorf("staging artifacts: %w", err)
	}
	commit, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  p.cfg.AuthorName,
			Email: p.cfg.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("committing artifacts: %w", err)
	}

	// The leading + overwrites whatever the remote branch points at.
	ref := plumbing.NewBranchReferenceName(branch)
	if err := r.PushContext(ctx, &git.PushOptions{
		RefSpecs: []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+%s:%s", ref, ref))},
		Auth:     auth,
		Force:    true,
	}); err != nil {
		return Result{}, fmt.Errorf("pushing %q: %w", branch, err)
	}

	result := Result{
		Status: "pushed",
		SHA:    commit.String(),
		Branch: branch,
	}
	result.PRURL = p.openPullRequest(ctx, repo, branch, message, req.DeploymentID)

	log.Entry(ctx).Infof("pushed %d artifacts of %q to %s@%s", count, req.DeploymentID, repo, branch)
	return result, nil
}

func (p *Pusher) copyArtifacts(ctx context.Context, deploymentID, workDir string) (int, error) {
	metas, err := p.artifacts.List(ctx, deploymentID, 1000, 0)
	if err != nil {
		return 0, fmt.Errorf("listing artifacts of %q: %w", deploymentID, err)
	}

	dir := filepath.Join(workDir, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating artifacts dir: %w", err)
	}

	for _, md := range metas {
		_, content, err := p.artifacts.Get(ctx, md.ID)
		if err != nil {
			return 0, fmt.Errorf("reading artifact %s: %w", md.ID, err)
		}
		name := filepath.Base(strings.ReplaceAll(md.Filename, "\\", "/"))
		if name == "" || name == "." || name == ".." {
			name = md.ID
		}
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return 0, fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return len(metas), nil
}

// openPullRequest is best-effort: a 422 means a PR for the branch already
// exists and the push has updated it, so the run still counts as success.
func (p *Pusher) openPullRequest(ctx context.Context, repo, branch, title, deploymentID string) string {
	owner, name, ok := splitRepo(repo)
	if !ok {
		log.Entry(ctx).Debugf("skipping PR creation, repo %q is not owner/name", repo)
		return ""
	}

	client := p.newGithubClient(ctx, p.cfg.Token)
	body := fmt.Sprintf("Artifacts produced by sandbox deployment `%s`.", deploymentID)
	base := defaultBaseBranch
	pr, resp, err := client.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: &title,
		Head:  &branch,
		Base:  &base,
		Body:  &body,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == 422 {
			log.Entry(ctx).Infof("pull request for %q already exists", branch)
			return ""
		}
		log.Entry(ctx).Warnf("creating pull request for %q: %v", branch, err)
		return ""
	}
	return pr.GetHTMLURL()
}

func splitRepo(repo string) (owner, name string, ok bool) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
