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
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
)

// Logs returns the last tail lines of the container's output, stdout and
// stderr interleaved, as UTF-8 text.
func (l *localDaemon) Logs(ctx context.Context, name string, tail int, timestamps bool) (string, error) {
	release, err := l.acquireWorker(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	rc, err := l.apiClient.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: timestamps,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", errors.Wrapf(err, "reading logs of %q", name)
	}
	defer rc.Close()

	var buf strings.Builder
	// The engine multiplexes stdout and stderr on one stream; demux into a
	// single text buffer.
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", errors.Wrapf(err, "demuxing logs of %q", name)
	}
	return buf.String(), nil
}

// StreamLogs follows the container's output starting tail lines back. The
// returned reader yields demuxed UTF-8 text and stays open until the
// container exits, the context is canceled, or the reader is closed.
func (l *localDaemon) StreamLogs(ctx context.Context, name string, tail int) (io.ReadCloser, error) {
	release, err := l.acquireWorker(ctx)
	if err != nil {
		return nil, err
	}

	rc, err := l.apiClient.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       strconv.Itoa(tail),
	})
	// The slot only covers the attach; a follow stream can outlive any
	// reasonable pool occupancy.
	release()
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()

	return &streamCloser{Reader: pr, pipe: pr, src: rc}, nil
}

// streamCloser tears down both ends of the demux pipe so a consumer closing
// the stream also detaches from the engine.
type streamCloser struct {
	io.Reader
	pipe *io.PipeReader
	src  io.Closer
}

func (s *streamCloser) Close() error {
	s.src.Close()
	return s.pipe.Close()
}
