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
	"regexp"

	"github.com/google/uuid"

	"github.com/mcihq/mci/auth"
	"github.com/mcihq/mci/store"
)

var secretNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type upsertSecretRequest struct {
	Name       string     `json:"name"`
	Value      string     `json:"value"`
	PipelineID *uuid.UUID `json:"pipeline_id,omitempty"`
}

// handleUpsertSecret encrypts and stores a secret. Values are sealed
// with the tenant key and never returned by any endpoint.
func (s *Server) handleUpsertSecret(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	var req upsertSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !secretNameRegex.MatchString(req.Name) {
		writeError(w, http.StatusBadRequest, "secret name must match "+secretNameRegex.String())
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	if req.PipelineID != nil {
		if _, err := s.Store.Pipeline(tn.ID, *req.PipelineID); err != nil {
			writeError(w, http.StatusNotFound, "pipeline not found")
			return
		}
	}
	sealed, err := s.Keyring.Seal(tn.ID, []byte(req.Value))
	if err != nil {
		s.logger.WithError(err).Error("Failed to seal secret.")
		writeError(w, http.StatusInternalServerError, "failed to encrypt secret")
		return
	}
	secret := &store.Secret{
		TenantID:   tn.ID,
		PipelineID: req.PipelineID,
		Name:       req.Name,
		Value:      sealed,
	}
	if err := s.Store.UpsertSecret(secret); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSecretResp(secret))
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	list, err := s.Store.ListSecrets(tn.ID)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	resp := make([]secretResp, 0, len(list))
	for _, secret := range list {
		resp = append(resp, toSecretResp(secret))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	id, ok := pathID(r, "secret_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid secret id")
		return
	}
	if err := s.Store.DeleteSecret(tn.ID, id); err != nil {
		notFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createAPIKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// handleCreateAPIKey mints an API key. The full key appears only in
// this response.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{"*"}
	}
	key, prefix, hash, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint API key")
		return
	}
	record := &store.APIKey{
		TenantID: tn.ID,
		Name:     req.Name,
		Prefix:   prefix,
		Hash:     hash,
		Scopes:   req.Scopes,
	}
	if err := s.Store.CreateAPIKey(record); err != nil {
		notFoundOr500(w, err)
		return
	}
	resp := toAPIKeyResp(record)
	resp.Key = key
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	keys, err := s.Store.ListAPIKeys(tn.ID)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	resp := make([]apiKeyResp, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, toAPIKeyResp(k))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	id, ok := pathID(r, "key_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid key id")
		return
	}
	if err := s.Store.DeleteAPIKey(tn.ID, id); err != nil {
		notFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
