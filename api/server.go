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

// Package api is the REST surface of the control plane. All routes
// under /api/v1 require a resolved tenant; auth routes do not.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mcihq/mci/artifacts"
	"github.com/mcihq/mci/auth"
	"github.com/mcihq/mci/plan"
	"github.com/mcihq/mci/secrets"
	"github.com/mcihq/mci/store"
	"github.com/mcihq/mci/tenant"
)

// Server holds the handlers of the REST API.
type Server struct {
	Store     store.Store
	Planner   *plan.Planner
	Issuer    *auth.JWTIssuer
	Keyring   *secrets.Keyring
	Artifacts *artifacts.Manager
	Resolver  *tenant.Resolver

	logger *logrus.Entry
}

// NewServer wires the API over its collaborators.
func NewServer(s store.Store, planner *plan.Planner, issuer *auth.JWTIssuer, keyring *secrets.Keyring, mgr *artifacts.Manager, resolver *tenant.Resolver) *Server {
	return &Server{
		Store:     s,
		Planner:   planner,
		Issuer:    issuer,
		Keyring:   keyring,
		Artifacts: mgr,
		Resolver:  resolver,
		logger:    logrus.WithField("component", "api"),
	}
}

// Register mounts every route on the router.
func (s *Server) Register(r *mux.Router) {
	// Token exchange happens before a tenant context exists.
	r.HandleFunc("/api/v1/auth/token", s.handleAuthToken).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/auth/refresh", s.handleAuthRefresh).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.Resolver.Middleware, tenant.RequireTenant)

	v1.HandleFunc("/auth/me", s.handleAuthMe).Methods(http.MethodGet)

	v1.HandleFunc("/pipelines", s.handleCreatePipeline).Methods(http.MethodPost)
	v1.HandleFunc("/pipelines", s.handleListPipelines).Methods(http.MethodGet)
	v1.HandleFunc("/pipelines/{pipeline_id}", s.handleGetPipeline).Methods(http.MethodGet)
	v1.HandleFunc("/pipelines/{pipeline_id}", s.handleUpdatePipeline).Methods(http.MethodPatch)
	v1.HandleFunc("/pipelines/{pipeline_id}", s.handleDeletePipeline).Methods(http.MethodDelete)
	v1.HandleFunc("/pipelines/{pipeline_id}/config", s.handleUploadConfig).Methods(http.MethodPut)
	v1.HandleFunc("/pipelines/{pipeline_id}/config", s.handleGetConfig).Methods(http.MethodGet)
	v1.HandleFunc("/pipelines/{pipeline_id}/config/versions", s.handleConfigVersions).Methods(http.MethodGet)
	v1.HandleFunc("/pipelines/{pipeline_id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	v1.HandleFunc("/pipelines/{pipeline_id}/executions", s.handleListExecutions).Methods(http.MethodGet)

	v1.HandleFunc("/executions/{execution_id}", s.handleGetExecution).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{execution_id}/cancel", s.handleCancelExecution).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{execution_id}/artifacts", s.handleListArtifacts).Methods(http.MethodGet)

	v1.HandleFunc("/runners", s.handleRegisterRunner).Methods(http.MethodPost)
	v1.HandleFunc("/runners", s.handleListRunners).Methods(http.MethodGet)
	v1.HandleFunc("/runners/{runner_id}", s.handleUpdateRunner).Methods(http.MethodPatch)
	v1.HandleFunc("/runners/{runner_id}", s.handleDeleteRunner).Methods(http.MethodDelete)

	v1.HandleFunc("/secrets", s.handleUpsertSecret).Methods(http.MethodPut)
	v1.HandleFunc("/secrets", s.handleListSecrets).Methods(http.MethodGet)
	v1.HandleFunc("/secrets/{secret_id}", s.handleDeleteSecret).Methods(http.MethodDelete)

	v1.HandleFunc("/apikeys", s.handleCreateAPIKey).Methods(http.MethodPost)
	v1.HandleFunc("/apikeys", s.handleListAPIKeys).Methods(http.MethodGet)
	v1.HandleFunc("/apikeys/{key_id}", s.handleDeleteAPIKey).Methods(http.MethodDelete)

	v1.HandleFunc("/artifacts/{artifact_id}/download", s.handleDownloadArtifact).Methods(http.MethodGet)
	v1.HandleFunc("/artifacts/{artifact_id}", s.handleDeleteArtifact).Methods(http.MethodDelete)
}

// handleAuthToken exchanges an API key for a JWT pair.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		writeError(w, http.StatusUnauthorized, "missing X-API-Key header")
		return
	}
	record, err := s.Store.APIKeyByHash(auth.HashToken(key))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}
	tn, err := s.Store.Tenant(record.TenantID)
	if err != nil || !tn.Active {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}
	pair, err := s.Issuer.IssuePair("apikey:"+record.ID.String(), tn.ID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to issue token pair.")
		writeError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleAuthMe describes the tenant behind the request credentials.
func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":   tn.ID,
		"tenant_slug": tn.Slug,
		"tenant_name": tn.Name,
	})
}

// handleAuthRefresh rotates an access/refresh pair.
func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	pair, err := s.Issuer.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func tenantFrom(r *http.Request) *store.Tenant {
	t, _ := tenant.FromContext(r.Context())
	return t
}

func pathID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	return id, err == nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode API response.")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// notFoundOr500 maps storage errors onto API statuses.
func notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Cause(err) == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
