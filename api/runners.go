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
	"net/http"

	"github.com/mcihq/mci/auth"
	"github.com/mcihq/mci/store"
)

type registerRunnerRequest struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Labels   []string `json:"labels"`
	Capacity int      `json:"capacity"`
	Version  string   `json:"version"`
	OS       string   `json:"os"`
	Arch     string   `json:"arch"`
}

type registerRunnerResponse struct {
	Runner runnerResp `json:"runner"`
	// Token is shown once; only its hash is stored.
	Token string `json:"token"`
}

// handleRegisterRunner creates a runner and mints its connect token.
func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	var req registerRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Capacity <= 0 {
		req.Capacity = 1
	}
	// Shared runners have no tenant; this endpoint registers
	// tenant-scoped ones.
	switch store.RunnerType(req.Type) {
	case "":
		req.Type = string(store.RunnerDedicated)
	case store.RunnerDedicated, store.RunnerSelfHosted:
	default:
		writeError(w, http.StatusBadRequest, "type must be dedicated or self_hosted")
		return
	}
	token, _, hash, err := auth.GenerateRunnerToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint runner token")
		return
	}
	tenantID := tn.ID
	runner := &store.Runner{
		TenantID:  &tenantID,
		Name:      req.Name,
		Type:      store.RunnerType(req.Type),
		Labels:    req.Labels,
		Status:    store.RunnerOffline,
		TokenHash: hash,
		Capacity:  req.Capacity,
		Version:   req.Version,
		OS:        req.OS,
		Arch:      req.Arch,
	}
	if err := s.Store.CreateRunner(runner); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerRunnerResponse{
		Runner: toRunnerResp(runner),
		Token:  token,
	})
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	runners, err := s.Store.ListRunners(tn.ID)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	resp := make([]runnerResp, 0, len(runners))
	for _, runner := range runners {
		resp = append(resp, toRunnerResp(runner))
	}
	writeJSON(w, http.StatusOK, resp)
}

type updateRunnerRequest struct {
	Status string `json:"status"`
}

// handleUpdateRunner toggles a runner in and out of maintenance.
// Presence states (online, offline, busy) belong to the heartbeat
// machinery and cannot be set here.
func (s *Server) handleUpdateRunner(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	id, ok := pathID(r, "runner_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid runner id")
		return
	}
	runner, err := s.Store.Runner(id)
	if err != nil || runner.TenantID == nil || *runner.TenantID != tn.ID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var req updateRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	switch store.RunnerStatus(req.Status) {
	case store.RunnerMaintenance:
		runner.Status = store.RunnerMaintenance
	case store.RunnerOnline:
		// Leaving maintenance; the next heartbeat settles the real
		// presence state.
		runner.Status = store.RunnerOnline
	default:
		writeError(w, http.StatusBadRequest, "status must be online or maintenance")
		return
	}
	if err := s.Store.UpdateRunner(runner); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunnerResp(runner))
}

func (s *Server) handleDeleteRunner(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	id, ok := pathID(r, "runner_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid runner id")
		return
	}
	runner, err := s.Store.Runner(id)
	if err != nil || runner.TenantID == nil || *runner.TenantID != tn.ID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := s.Store.DeleteRunner(id); err != nil {
		notFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
