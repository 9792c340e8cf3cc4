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

package scaffold

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandboxops/sandboxd/testutil"
)

func writeTemplate(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, name, filepath.FromSlash(rel))
		testutil.CheckError(t, false, os.MkdirAll(filepath.Dir(path), 0o755))
		testutil.CheckError(t, false, os.WriteFile(path, []byte(content), 0o644))
	}
}

func newTestScaffolder(t *testing.T) (*Scaffolder, string, string) {
	t.Helper()
	templates := t.TempDir()
	instances := t.TempDir()
	return New(templates, instances), templates, instances
}

func TestListAndDetail(t *testing.T) {
	s, templates, _ := newTestScaffolder(t)

	writeTemplate(t, templates, "web", map[string]string{
		"template.yaml": "description: a web app\n",
		"index.html":    "<h1>{{TITLE}}</h1>",
		"css/site.css":  "body {}",
	})
	writeTemplate(t, templates, "api", map[string]string{
		"main.py": "print('hi')",
	})

	infos, err := s.List()
	testutil.CheckError(t, false, err)
	if len(infos) != 2 {
		t.Fatalf("want 2 templates, got %v", infos)
	}
	testutil.CheckDeepEqual(t, "api", infos[0].Name)
	testutil.CheckDeepEqual(t, "web", infos[1].Name)
	testutil.CheckDeepEqual(t, "a web app", infos[1].Description)
	testutil.CheckDeepEqual(t, 2, infos[1].FileCount)

	tmpl, err := s.Detail("web")
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, []string{"css/site.css", "index.html"}, tmpl.Files)
}

func TestDetailUnknownTemplate(t *testing.T) {
	s, _, _ := newTestScaffolder(t)

	_, err := s.Detail("missing")
	if !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("want ErrUnknownTemplate, got %v", err)
	}
}

func TestInstantiateSubstitutesVars(t *testing.T) {
	s, templates, _ := newTestScaffolder(t)
	writeTemplate(t, templates, "web", map[string]string{
		"template.yaml": "description: a web app\n",
		"index.html":    "<title>{{TITLE}}</title><p>{{TITLE}} by {{AUTHOR}}</p>",
	})

	dst, err := s.Instantiate(context.Background(), "web", "mysite", map[string]string{
		"TITLE":  "Hello",
		"AUTHOR": "Ada",
	})
	testutil.CheckError(t, false, err)

	got, err := os.ReadFile(filepath.Join(dst, "index.html"))
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, "<title>Hello</title><p>Hello by Ada</p>", string(got))

	// The manifest never lands in an instance.
	if _, err := os.Stat(filepath.Join(dst, "template.yaml")); !os.IsNotExist(err) {
		t.Error("template.yaml should not be copied")
	}
}

func TestInstantiateExcludeGlobs(t *testing.T) {
	s, templates, _ := newTestScaffolder(t)
	writeTemplate(t, templates, "web", map[string]string{
		"template.yaml":    "exclude: ['**/*.log', 'tmp/**']\n",
		"app.txt":          "keep",
		"debug.log":        "drop",
		"tmp/scratch.txt":  "drop",
		"nested/trace.log": "drop",
	})

	dst, err := s.Instantiate(context.Background(), "web", "out", nil)
	testutil.CheckError(t, false, err)

	if _, err := os.Stat(filepath.Join(dst, "app.txt")); err != nil {
		t.Error("app.txt should be copied")
	}
	for _, rel := range []string{"debug.log", "tmp/scratch.txt", "nested/trace.log"} {
		if _, err := os.Stat(filepath.Join(dst, filepath.FromSlash(rel))); !os.IsNotExist(err) {
			t.Errorf("%s should be excluded", rel)
		}
	}
}

func TestInstantiateBadTarget(t *testing.T) {
	s, templates, _ := newTestScaffolder(t)
	writeTemplate(t, templates, "web", map[string]string{"a.txt": "x"})

	for _, target := range []string{"", "..", "../escape", "/abs", "a/b"} {
		_, err := s.Instantiate(context.Background(), "web", target, nil)
		if !errors.Is(err, ErrBadTarget) {
			t.Errorf("target %q: want ErrBadTarget, got %v", target, err)
		}
	}
}

func TestInstantiateLeavesBinariesAlone(t *testing.T) {
	s, templates, _ := newTestScaffolder(t)
	binary := string([]byte{0x89, 'P', 'N', 'G', 0x00, '{', '{', 'X', '}', '}'})
	writeTemplate(t, templates, "web", map[string]string{"logo.png": binary})

	dst, err := s.Instantiate(context.Background(), "web", "out", map[string]string{"X": "nope"})
	testutil.CheckError(t, false, err)

	got, err := os.ReadFile(filepath.Join(dst, "logo.png"))
	testutil.CheckError(t, false, err)
	testutil.CheckDeepEqual(t, binary, string(got))
}
