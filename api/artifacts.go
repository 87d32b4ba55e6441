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
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mcihq/mci/artifacts"
)

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	e, ok := s.executionFromPath(w, r)
	if !ok {
		return
	}
	list, err := s.Store.ArtifactsByExecution(e.ID)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	now := time.Now()
	resp := make([]artifactResp, 0, len(list))
	for _, a := range list {
		resp = append(resp, toArtifactResp(a, now))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDownloadArtifact streams artifact content. Expired artifacts
// return 410 Gone.
func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	id, ok := pathID(r, "artifact_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid artifact id")
		return
	}
	a, reader, err := s.Artifacts.Open(r.Context(), tn.ID, id)
	if err == artifacts.ErrExpired {
		writeError(w, http.StatusGone, "artifact expired")
		return
	}
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	defer reader.Close()

	if a.ContentType != "" {
		w.Header().Set("Content-Type", a.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name))
	if a.SizeBytes > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", a.SizeBytes))
	}
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.WithError(err).Warn("Failed to stream artifact.")
	}
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	tn := tenantFrom(r)
	id, ok := pathID(r, "artifact_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid artifact id")
		return
	}
	if err := s.Artifacts.Delete(r.Context(), tn.ID, id); err != nil {
		notFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
