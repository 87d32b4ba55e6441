/*
Copyright 2024 The MCI Authors.

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

package api

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/mcihq/mci/config"
	"github.com/mcihq/mci/store"
)

type pipelineRequest struct {
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	RepoURL       string `json:"repo_url"`
	DefaultBranch string `json:"default_branch"`
	WebhookSecret string `json:"webhook_secret"`
	Active        *bool  `json:"active"`
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	var req pipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" || req.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "name and repo_url are required")
		return
	}
	if req.Slug == "" {
		req.Slug = slugify(req.Name)
	}
	if req.DefaultBranch == "" {
		req.DefaultBranch = "main"
	}
	pl := &store.Pipeline{
		TenantID:      tn.ID,
		Name:          req.Name,
		Slug:          req.Slug,
		RepoURL:       req.RepoURL,
		DefaultBranch: req.DefaultBranch,
		WebhookSecret: req.WebhookSecret,
		Active:        true,
	}
	if err := s.Store.CreatePipeline(pl); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPipelineResp(pl))
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	pipelines, err := s.Store.ListPipelines(tn.ID)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	resp := make([]pipelineResp, 0, len(pipelines))
	for _, pl := range pipelines {
		resp = append(resp, toPipelineResp(pl))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.pipelineFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toPipelineResp(pl))
}

func (s *Server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.pipelineFromPath(w, r)
	if !ok {
		return
	}
	var req pipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name != "" {
		pl.Name = req.Name
	}
	if req.DefaultBranch != "" {
		pl.DefaultBranch = req.DefaultBranch
	}
	if req.RepoURL != "" {
		pl.RepoURL = req.RepoURL
	}
	if req.WebhookSecret != "" {
		pl.WebhookSecret = req.WebhookSecret
	}
	if req.Active != nil {
		pl.Active = *req.Active
	}
	if err := s.Store.UpdatePipeline(pl); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPipelineResp(pl))
}

func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	id, ok := pathID(r, "pipeline_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pipeline id")
		return
	}
	if err := s.Store.DeletePipeline(tn.ID, id); err != nil {
		notFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadConfig stores a new config revision. Invalid YAML is
// stored too, marked invalid with its errors, and never triggers.
func (s *Server) handleUploadConfig(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.pipelineFromPath(w, r)
	if !ok {
		return
	}
	raw, err := ioutil.ReadAll(r.Body)
	if err != nil || len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "request body must be the pipeline YAML")
		return
	}

	cfg, parseErrs := config.Parse(raw)
	cv := &store.ConfigVersion{
		PipelineID: pl.ID,
		RawYAML:    string(raw),
		IsValid:    len(parseErrs) == 0,
		Errors:     parseErrs,
	}
	if cv.IsValid {
		// The normalized form has defaults applied and keys in their
		// canonical spelling.
		if normalized, err := yaml.Marshal(cfg); err == nil {
			cv.Normalized = normalized
		}
	}
	if err := s.Store.SaveConfig(cv); err != nil {
		notFoundOr500(w, err)
		return
	}
	status := http.StatusCreated
	if !cv.IsValid {
		// The revision is stored for display but rejected for use.
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, toConfigVersionResp(cv, false))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.pipelineFromPath(w, r)
	if !ok {
		return
	}
	cv, err := s.Store.LatestConfig(pl.ID)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigVersionResp(cv, true))
}

func (s *Server) handleConfigVersions(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.pipelineFromPath(w, r)
	if !ok {
		return
	}
	versions, err := s.Store.ConfigVersions(pl.ID)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	resp := make([]configVersionResp, 0, len(versions))
	for _, cv := range versions {
		resp = append(resp, toConfigVersionResp(cv, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

// pipelineFromPath loads the pipeline named in the path, scoped to the
// request tenant. It writes the error response on failure.
func (s *Server) pipelineFromPath(w http.ResponseWriter, r *http.Request) (*store.Pipeline, bool) {
	tn := tenantFrom(r)
	id, ok := pathID(r, "pipeline_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pipeline id")
		return nil, false
	}
	pl, err := s.Store.Pipeline(tn.ID, id)
	if err != nil {
		notFoundOr500(w, err)
		return nil, false
	}
	return pl, true
}

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '-' || r == '_':
			return '-'
		}
		return -1
	}, slug)
	return strings.Trim(slug, "-")
}
