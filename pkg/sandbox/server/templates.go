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
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sandboxops/sandboxd/pkg/sandbox/scaffold"
)

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if s.scaffolder == nil {
		writeJSON(w, http.StatusOK, map[string]any{"templates": []scaffold.Info{}})
		return
	}
	infos, err := s.scaffolder.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": infos})
}

func (s *Server) handleTemplateDetail(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if s.scaffolder == nil {
		writeError(w, http.StatusNotFound, "unknown template")
		return
	}
	tmpl, err := s.scaffolder.Detail(name)
	if errors.Is(err, scaffold.ErrUnknownTemplate) {
		writeError(w, http.StatusNotFound, "unknown template")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

type instantiateRequest struct {
	Target string            `json:"target"`
	Vars   map[string]string `json:"vars,omitempty"`
}

func (s *Server) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if s.scaffolder == nil {
		writeError(w, http.StatusNotFound, "unknown template")
		return
	}

	var req instantiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	path, err := s.scaffolder.Instantiate(r.Context(), name, req.Target, req.Vars)
	switch {
	case errors.Is(err, scaffold.ErrUnknownTemplate):
		writeError(w, http.StatusNotFound, "unknown template")
	case errors.Is(err, scaffold.ErrBadTarget):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "created",
			"template": name,
			"path":     path,
		})
	}
}
