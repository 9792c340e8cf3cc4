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

// Package logstream tails container logs line by line for interactive
// consumers. Streams on the same deployment are independent of each other.
package logstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/docker/docker/errdefs"

	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
)

const (
	// tailLines is where a new stream picks up in the container's history.
	tailLines = 50

	// maxLineBytes bounds a single log line.
	maxLineBytes = 1024 * 1024

	streamBuffer = 64
)

// Line is one element of a log stream. Exactly one of the three fields is
// meaningful: a text line, a terminal error, or the close sentinel.
type Line struct {
	Text  string
	Err   error
	Close bool
}

// Engine is the slice of the container driver the streamer needs.
type Engine interface {
	StreamLogs(ctx context.Context, name string, tail int) (io.ReadCloser, error)
}

// Streamer attaches to container logs and fans lines out as channels.
type Streamer struct {
	engine Engine
	prefix string
}

// New returns a streamer resolving deployment ids to <prefix>-<id> names.
func New(engine Engine, prefix string) *Streamer {
	return &Streamer{engine: engine, prefix: prefix}
}

// Stream follows the deployment's container logs starting tailLines back.
// Empty lines are skipped and ANSI escapes stripped. On failure a single
// error line is emitted; the close sentinel always ends the stream. The
// channel closes once the stream ends or the context is canceled.
func (s *Streamer) Stream(ctx context.Context, deploymentID string) <-chan Line {
	out := make(chan Line, streamBuffer)
	name := s.prefix + "-" + deploymentID

	go func() {
		defer close(out)

		rc, err := s.engine.StreamLogs(ctx, name, tailLines)
		if err != nil {
			if errdefs.IsNotFound(err) {
				err = fmt.Errorf("container %s not found", name)
			}
			push(ctx, out, Line{Err: err})
			push(ctx, out, Line{Close: true})
			return
		}
		defer rc.Close()

		// Unblock the reader when the consumer goes away.
		go func() {
			<-ctx.Done()
			rc.Close()
		}()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := strings.TrimRight(stripansi.Strip(scanner.Text()), " \r")
			if line == "" {
				continue
			}
			if !push(ctx, out, Line{Text: line}) {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Entry(ctx).Debugf("log stream for %q ended: %v", name, err)
			push(ctx, out, Line{Err: err})
		}
		push(ctx, out, Line{Close: true})
	}()

	return out
}

func push(ctx context.Context, out chan<- Line, l Line) bool {
	select {
	case out <- l:
		return true
	case <-ctx.Done():
		return false
	}
}
