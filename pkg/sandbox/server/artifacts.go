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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sandboxops/sandboxd/pkg/sandbox/artifact"
	"github.com/sandboxops/sandboxd/pkg/sandbox/event"
	"github.com/sandboxops/sandboxd/pkg/sandbox/gitpush"
	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
)

// maxUploadBytes caps one multipart upload.
const maxUploadBytes = 100 * 1024 * 1024

func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	deploymentID := r.FormValue("deployment_id")
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading upload: "+err.Error())
		return
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	md, err := s.store.Save(r.Context(), deploymentID, header.Filename, content, contentType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.ArtifactSaved(md.Size)
	}
	s.bus.Publish(event.New(event.ArtifactUploaded, deploymentID, event.ArtifactUploadedPayload{
		ArtifactID: md.ID,
		Filename:   md.Filename,
	}))

	writeJSON(w, http.StatusOK, md)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	md, content, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeArtifactError(w, r, id, err)
		return
	}

	w.Header().Set("Content-Type", md.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", md.Filename))
	w.Header().Set("X-Artifact-ID", md.ID)
	w.Header().Set("X-Artifact-SHA256", md.SHA256)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (s *Server) handleArtifactMetadata(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	md, err := s.store.Metadata(r.Context(), id)
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	offset := 0
	var err error
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "offset must be an integer")
			return
		}
	}

	artifacts, err := s.store.List(r.Context(), q.Get("deployment_id"), limit, offset)
	if errors.Is(err, artifact.ErrInvalidRange) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if artifacts == nil {
		artifacts = []artifact.Metadata{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	deleted, err := s.store.Delete(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "deleted",
		"artifact_id": id,
	})
}

func (s *Server) handleDeleteDeploymentArtifacts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	count, err := s.store.DeleteDeployment(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": id,
		"deleted_count": count,
	})
}

func (s *Server) handleCommitArtifacts(w http.ResponseWriter, r *http.Request) {
	if s.pusher == nil {
		writeError(w, http.StatusBadRequest, "no github token configured")
		return
	}

	var req gitpush.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.DeploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id is required")
		return
	}

	result, err := s.pusher.Push(r.Context(), req)
	if errors.Is(err, gitpush.ErrNoToken) || errors.Is(err, gitpush.ErrNoRepo) {
		s.recordCommit("rejected")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.recordCommit("failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.recordCommit(result.Status)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) recordCommit(status string) {
	if s.metrics != nil {
		s.metrics.CommitFinished(status)
	}
}

// writeArtifactError maps store failures: a corrupt row reads as not found to
// the caller, an integrity failure names the artifact.
func (s *Server) writeArtifactError(w http.ResponseWriter, r *http.Request, id string, err error) {
	var integrity *artifact.IntegrityError
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		writeError(w, http.StatusNotFound, "artifact not found")
	case errors.Is(err, artifact.ErrCorruptStore):
		log.Entry(r.Context()).Errorf("artifact %s: %v", id, err)
		writeError(w, http.StatusNotFound, "artifact not found")
	case errors.As(err, &integrity):
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("artifact %s failed integrity check", integrity.ID))
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
