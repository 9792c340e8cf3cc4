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

package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
)

const (
	defaultLogTail      = 100
	maxLogTail          = 10000
	defaultDownloadTail = 10000
	maxDownloadTail     = 100000
)

// handleLogs serves a one-shot tail as JSON, or a live SSE stream when
// follow=true.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if r.URL.Query().Get("follow") == "true" {
		s.streamLogsSSE(w, r, id)
		return
	}

	tail, err := tailParam(r, "tail", defaultLogTail, maxLogTail)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timestamps := r.URL.Query().Get("timestamps") == "true"

	name := s.deployer.ContainerName(id)
	logs, err := s.engine.Logs(r.Context(), name, tail, timestamps)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	lines := 0
	if logs != "" {
		lines = strings.Count(strings.TrimRight(logs, "\n"), "\n") + 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": id,
		"container":     name,
		"lines":         lines,
		"logs":          logs,
	})
}

// streamLogsSSE frames the live log stream as server-sent events: plain data
// frames per line, an error frame on failure, and a close frame at the end.
func (s *Server) streamLogsSSE(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for line := range s.streamer.Stream(r.Context(), id) {
		switch {
		case line.Close:
			fmt.Fprint(w, "event: close\ndata: Stream ended\n\n")
		case line.Err != nil:
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", line.Err)
		default:
			fmt.Fprintf(w, "data: %s\n\n", line.Text)
		}
		flusher.Flush()
	}
	log.Entry(r.Context()).Debugf("log stream for %q ended", id)
}

// handleLogsDownload serves the tail as a text attachment.
func (s *Server) handleLogsDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tail, err := tailParam(r, "tail", defaultDownloadTail, maxDownloadTail)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := s.deployer.ContainerName(id)
	logs, err := s.engine.Logs(r.Context(), name, tail, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"-logs.txt"))
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, logs)
}

func tailParam(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	tail, err := strconv.Atoi(raw)
	if err != nil || tail < 1 || tail > max {
		return 0, fmt.Errorf("%s must be an integer in [1,%d]", name, max)
	}
	return tail, nil
}
