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

package hook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mcihq/mci/github"
	"github.com/mcihq/mci/plan"
	"github.com/mcihq/mci/store"
)

const ciYAML = `
name: CI
on:
  push:
    branches: [main]
jobs:
  build:
    runs-on: [linux]
    steps:
      - run: make build
`

func newServer(t *testing.T) (*Server, *store.Memory, *store.Pipeline) {
	t.Helper()
	m := store.NewMemory()
	tn := &store.Tenant{Slug: "acme", Name: "Acme", Active: true}
	if err := m.CreateTenant(tn); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	pl := &store.Pipeline{
		TenantID:      tn.ID,
		Name:          "CI",
		Slug:          "ci",
		RepoURL:       "https://github.com/acme/app",
		DefaultBranch: "main",
		WebhookSecret: "s3cret",
		Active:        true,
	}
	if err := m.CreatePipeline(pl); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	cv := &store.ConfigVersion{PipelineID: pl.ID, RawYAML: ciYAML, IsValid: true}
	if err := m.SaveConfig(cv); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	return &Server{Store: m, Planner: plan.NewPlanner(m), Metrics: NewMetrics()}, m, pl
}

func pushPayload(ref string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"ref":   ref,
		"after": "1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b",
		"repository": map[string]interface{}{
			"full_name": "acme/app",
			"clone_url": "https://github.com/acme/app.git",
			"html_url":  "https://github.com/acme/app",
			"ssh_url":   "git@github.com:acme/app.git",
		},
		"sender": map[string]interface{}{"login": "dev"},
		"head_commit": map[string]interface{}{
			"id":      "1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b",
			"message": "Fix the build",
		},
	})
	return payload
}

func deliver(s *Server, eventType string, payload []byte, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "http://mci.example.com/hook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", "guid-1")
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", github.PayloadSignature(payload, []byte(secret)))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestPushTriggersExecution(t *testing.T) {
	s, m, pl := newServer(t)
	rec := deliver(s, "push", pushPayload("refs/heads/main"), "s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	if resp.ExecutionsTriggered != 1 || len(resp.ExecutionIDs) != 1 {
		t.Fatalf("response = %+v, want one execution", resp)
	}
	execs, err := m.ListExecutions(pl.ID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("ListExecutions = %v, %v", execs, err)
	}
	trig := execs[0].Trigger
	if trig.Event != "push" || trig.Branch != "main" || trig.Actor != "dev" || trig.Message != "Fix the build" {
		t.Errorf("trigger = %+v", trig)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	s, m, pl := newServer(t)
	rec := deliver(s, "push", pushPayload("refs/heads/main"), "wrong-secret")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if execs, _ := m.ListExecutions(pl.ID); len(execs) != 0 {
		t.Error("execution created despite bad signature")
	}
}

func TestUnknownRepoStaysOK(t *testing.T) {
	s, _, _ := newServer(t)
	payload, _ := json.Marshal(map[string]interface{}{
		"ref":        "refs/heads/main",
		"repository": map[string]interface{}{"full_name": "acme/other", "html_url": "https://github.com/acme/other"},
		"sender":     map[string]interface{}{"login": "dev"},
	})
	rec := deliver(s, "push", payload, "wrong-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when no pipeline matches the repo", rec.Code)
	}
	if resp := decode(t, rec); resp.ExecutionsTriggered != 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestNonMatchingBranchIgnored(t *testing.T) {
	s, m, pl := newServer(t)
	rec := deliver(s, "push", pushPayload("refs/heads/feature"), "s3cret")
	if resp := decode(t, rec); resp.ExecutionsTriggered != 0 {
		t.Errorf("response = %+v, want no executions", resp)
	}
	if execs, _ := m.ListExecutions(pl.ID); len(execs) != 0 {
		t.Error("execution created for non-matching branch")
	}
}

func TestPingPong(t *testing.T) {
	s, _, _ := newServer(t)
	payload, _ := json.Marshal(map[string]interface{}{"zen": "Keep it simple.", "hook_id": 1})
	rec := deliver(s, "ping", payload, "s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decode(t, rec); resp.Message != "pong" {
		t.Errorf("response = %+v, want pong", resp)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	s, _, _ := newServer(t)
	rec := deliver(s, "star", []byte(`{}`), "s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decode(t, rec); resp.ExecutionsTriggered != 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestHeaderValidation(t *testing.T) {
	s, _, _ := newServer(t)

	var testcases = []struct {
		name     string
		mangle   func(*http.Request)
		expected int
	}{
		{
			name:     "missing event type",
			mangle:   func(r *http.Request) { r.Header.Del("X-GitHub-Event") },
			expected: http.StatusBadRequest,
		},
		{
			name:     "missing delivery guid",
			mangle:   func(r *http.Request) { r.Header.Del("X-GitHub-Delivery") },
			expected: http.StatusBadRequest,
		},
		{
			name:     "wrong content type",
			mangle:   func(r *http.Request) { r.Header.Set("Content-Type", "text/plain") },
			expected: http.StatusBadRequest,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			payload := pushPayload("refs/heads/main")
			req := httptest.NewRequest(http.MethodPost, "http://mci.example.com/hook", bytes.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-GitHub-Event", "push")
			req.Header.Set("X-GitHub-Delivery", "guid-1")
			req.Header.Set("X-Hub-Signature-256", github.PayloadSignature(payload, []byte("s3cret")))
			tc.mangle(req)
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)
			if rec.Code != tc.expected {
				t.Errorf("status = %d, want %d", rec.Code, tc.expected)
			}
		})
	}
}

func TestHealthCheckGet(t *testing.T) {
	s, _, _ := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "http://mci.example.com/hook", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestBrokenPipelineDoesNotBlockOthers(t *testing.T) {
	s, m, pl := newServer(t)
	// A second pipeline on the same repo whose latest config is invalid.
	broken := &store.Pipeline{
		TenantID:      pl.TenantID,
		Name:          "Broken",
		Slug:          "broken",
		RepoURL:       "https://github.com/acme/app.git",
		DefaultBranch: "main",
		WebhookSecret: "s3cret",
		Active:        true,
	}
	if err := m.CreatePipeline(broken); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	cv := &store.ConfigVersion{PipelineID: broken.ID, RawYAML: "on: [", IsValid: false, Errors: []string{"yaml syntax error"}}
	if err := m.SaveConfig(cv); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	rec := deliver(s, "push", pushPayload("refs/heads/main"), "s3cret")
	resp := decode(t, rec)
	if resp.ExecutionsTriggered != 1 {
		t.Errorf("response = %+v, want the healthy pipeline to trigger", resp)
	}
	if execs, _ := m.ListExecutions(pl.ID); len(execs) != 1 {
		t.Error("healthy pipeline did not trigger")
	}
	if execs, _ := m.ListExecutions(broken.ID); len(execs) != 0 {
		t.Error("broken pipeline should not trigger")
	}
}

func TestCanonicalRepoURL(t *testing.T) {
	var testcases = []struct {
		raw      string
		expected string
	}{
		{"https://github.com/Acme/App", "github.com/acme/app"},
		{"https://github.com/acme/app.git", "github.com/acme/app"},
		{"https://github.com/acme/app/", "github.com/acme/app"},
		{"git@github.com:acme/app.git", "github.com/acme/app"},
		{"ssh://git@github.com/acme/app.git", "github.com/acme/app"},
		{"http://git.internal/acme/app", "git.internal/acme/app"},
	}
	for _, tc := range testcases {
		if got := CanonicalRepoURL(tc.raw); got != tc.expected {
			t.Errorf("CanonicalRepoURL(%q) = %q, want %q", tc.raw, got, tc.expected)
		}
	}
}

func TestRepoURLVariants(t *testing.T) {
	repo := github.Repo{
		FullName: "acme/app",
		CloneURL: "https://github.com/acme/app.git",
		HTMLURL:  "https://github.com/acme/app",
		SSHURL:   "git@github.com:acme/app.git",
	}
	variants := repoURLVariants(repo)
	want := map[string]bool{
		"https://github.com/acme/app":     false,
		"https://github.com/acme/app.git": false,
		"git@github.com:acme/app.git":     false,
		"github.com/acme/app":             false,
	}
	for _, v := range variants {
		if _, ok := want[v]; ok {
			want[v] = true
		}
	}
	for v, found := range want {
		if !found {
			t.Errorf("variant %q missing from %v", v, variants)
		}
	}
}
