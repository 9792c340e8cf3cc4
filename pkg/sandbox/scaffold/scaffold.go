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

// Package scaffold instantiates sandbox project templates: a plain directory
// copy with {{VAR}} substitution in text files.
package scaffold

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"
	"github.com/karrick/godirwalk"
	"github.com/otiai10/copy"
	"gopkg.in/yaml.v3"

	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
)

var (
	// ErrUnknownTemplate is returned when no template directory has the name.
	ErrUnknownTemplate = errors.New("unknown template")

	// ErrBadTarget is returned for a target outside the instances root.
	ErrBadTarget = errors.New("invalid target directory")
)

// manifestName is the optional per-template metadata file. It is never copied
// into an instance.
const manifestName = "template.yaml"

type manifest struct {
	Description string   `yaml:"description"`
	Exclude     []string `yaml:"exclude"`
}

// Info summarizes one template for listings.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	FileCount   int    `json:"file_count"`
}

// Template is the full view of one template.
type Template struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Files       []string `json:"files"`
}

// Scaffolder reads templates from one root directory and writes instances
// under another.
type Scaffolder struct {
	templatesRoot string
	instancesRoot string
}

// New returns a scaffolder over the given roots.
func New(templatesRoot, instancesRoot string) *Scaffolder {
	return &Scaffolder{templatesRoot: templatesRoot, instancesRoot: instancesRoot}
}

// List returns every template, sorted by name. A missing templates root is an
// empty list, not an error.
func (s *Scaffolder) List() ([]Info, error) {
	entries, err := os.ReadDir(s.templatesRoot)
	if os.IsNotExist(err) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading templates root: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tmpl, err := s.Detail(e.Name())
		if err != nil {
			return nil, err
		}
		infos = append(infos, Info{
			Name:        tmpl.Name,
			Description: tmpl.Description,
			FileCount:   len(tmpl.Files),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Detail returns the template's metadata and relative file listing.
func (s *Scaffolder) Detail(name string) (Template, error) {
	dir, err := s.templateDir(name)
	if err != nil {
		return Template{}, err
	}

	m := s.readManifest(dir)
	tmpl := Template{Name: name, Description: m.Description, Files: []string{}}

	err = godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if rel == manifestName {
				return nil
			}
			tmpl.Files = append(tmpl.Files, filepath.ToSlash(rel))
			return nil
		},
	})
	if err != nil {
		return Template{}, fmt.Errorf("walking template %q: %w", name, err)
	}
	return tmpl, nil
}

// Instantiate copies the template into <instances root>/<target> and replaces
// {{VAR}} markers in text files with the given values. The target must be a
// single clean path element under the instances root.
func (s *Scaffolder) Instantiate(ctx context.Context, name, target string, vars map[string]string) (string, error) {
	dir, err := s.templateDir(name)
	if err != nil {
		return "", err
	}
	dst, err := s.targetDir(target)
	if err != nil {
		return "", err
	}

	m := s.readManifest(dir)
	excludes := append([]string{manifestName}, m.Exclude...)

	opts := copy.Options{
		Skip: func(_ os.FileInfo, src, _ string) (bool, error) {
			rel, err := filepath.Rel(dir, src)
			if err != nil {
				return false, err
			}
			return excluded(filepath.ToSlash(rel), excludes), nil
		},
	}
	if err := copy.Copy(dir, dst, opts); err != nil {
		return "", fmt.Errorf("copying template %q: %w", name, err)
	}

	if err := substituteAll(dst, vars); err != nil {
		return "", err
	}

	log.Entry(ctx).Infof("instantiated template %q at %s", name, dst)
	return dst, nil
}

func (s *Scaffolder) templateDir(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("template %q: %w", name, ErrUnknownTemplate)
	}
	dir := filepath.Join(s.templatesRoot, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("template %q: %w", name, ErrUnknownTemplate)
	}
	return dir, nil
}

func (s *Scaffolder) targetDir(target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("empty target: %w", ErrBadTarget)
	}
	cleaned := filepath.Clean(target)
	if filepath.IsAbs(cleaned) || cleaned != filepath.Base(cleaned) || strings.HasPrefix(cleaned, ".") {
		return "", fmt.Errorf("target %q: %w", target, ErrBadTarget)
	}
	return filepath.Join(s.instancesRoot, cleaned), nil
}

func (s *Scaffolder) readManifest(dir string) manifest {
	var m manifest
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return m
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		log.Entry(context.TODO()).Warnf("ignoring malformed %s in %s: %v", manifestName, dir, err)
	}
	return m
}

func excluded(rel string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// substituteAll rewrites {{KEY}} markers in every text file under root.
// Binary files are left untouched.
func substituteAll(root string, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}
	return godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() || !de.IsRegular() {
				return nil
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if !isText(raw) {
				return nil
			}
			replaced := raw
			for k, v := range vars {
				replaced = bytes.ReplaceAll(replaced, []byte("{{"+k+"}}"), []byte(v))
			}
			if bytes.Equal(replaced, raw) {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			return os.WriteFile(path, replaced, info.Mode().Perm())
		},
	})
}

func isText(raw []byte) bool {
	const sniffLen = 8000
	if len(raw) > sniffLen {
		raw = raw[:sniffLen]
	}
	return !bytes.ContainsRune(raw, 0)
}
