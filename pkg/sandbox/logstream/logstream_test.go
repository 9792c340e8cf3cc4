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

package logstream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/errdefs"

	"github.com/sandboxops/sandboxd/testutil"
)

type fakeEngine struct {
	logs     string
	notFound bool
	attached []string
}

func (f *fakeEngine) StreamLogs(_ context.Context, name string, _ int) (io.ReadCloser, error) {
	f.attached = append(f.attached, name)
	if f.notFound {
		return nil, errdefs.NotFound(fmt.Errorf("no such container: %s", name))
	}
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func collect(t *testing.T, ch <-chan Line) []Line {
	t.Helper()
	var lines []Line
	for l := range ch {
		lines = append(lines, l)
	}
	return lines
}

func TestStreamLines(t *testing.T) {
	engine := &fakeEngine{logs: "first\n\nsecond\nthird\n"}
	s := New(engine, "sandbox")

	lines := collect(t, s.Stream(context.Background(), "abc123"))

	testutil.CheckDeepEqual(t, []string{"sandbox-abc123"}, engine.attached)
	if len(lines) != 4 {
		t.Fatalf("want 3 lines + close, got %v", lines)
	}
	testutil.CheckDeepEqual(t, "first", lines[0].Text)
	testutil.CheckDeepEqual(t, "second", lines[1].Text)
	testutil.CheckDeepEqual(t, "third", lines[2].Text)
	testutil.CheckDeepEqual(t, true, lines[3].Close)
}

func TestStreamStripsANSI(t *testing.T) {
	engine := &fakeEngine{logs: "\x1b[31mred alert\x1b[0m\n"}
	s := New(engine, "sandbox")

	lines := collect(t, s.Stream(context.Background(), "abc123"))

	testutil.CheckDeepEqual(t, "red alert", lines[0].Text)
}

func TestStreamContainerNotFound(t *testing.T) {
	engine := &fakeEngine{notFound: true}
	s := New(engine, "sandbox")

	lines := collect(t, s.Stream(context.Background(), "ghost"))

	if len(lines) != 2 {
		t.Fatalf("want error + close, got %v", lines)
	}
	if lines[0].Err == nil || !strings.Contains(lines[0].Err.Error(), "sandbox-ghost not found") {
		t.Errorf("want not-found reason, got %v", lines[0].Err)
	}
	testutil.CheckDeepEqual(t, true, lines[1].Close)
}

func TestConcurrentStreamsAreIndependent(t *testing.T) {
	engine := &fakeEngine{logs: "only line\n"}
	s := New(engine, "sandbox")

	a := s.Stream(context.Background(), "abc123")
	b := s.Stream(context.Background(), "abc123")

	la := collect(t, a)
	lb := collect(t, b)

	testutil.CheckDeepEqual(t, "only line", la[0].Text)
	testutil.CheckDeepEqual(t, "only line", lb[0].Text)
}
