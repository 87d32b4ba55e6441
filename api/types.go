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
	"time"

	"github.com/google/uuid"

	"github.com/mcihq/mci/store"
)

// Wire views of stored records. Secrets and token hashes never leave
// the server, so the store types are not marshalled directly.

type pipelineResp struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Slug          string    `json:"slug"`
	RepoURL       string    `json:"repo_url"`
	DefaultBranch string    `json:"default_branch"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastExecution *time.Time `json:"last_execution_at,omitempty"`
}

func toPipelineResp(p *store.Pipeline) pipelineResp {
	return pipelineResp{
		ID:            p.ID,
		Name:          p.Name,
		Slug:          p.Slug,
		RepoURL:       p.RepoURL,
		DefaultBranch: p.DefaultBranch,
		Active:        p.Active,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
		LastExecution: p.LastExecutionAt,
	}
}

type configVersionResp struct {
	ID        uuid.UUID `json:"id"`
	Version   int       `json:"version"`
	IsValid   bool      `json:"is_valid"`
	Errors    []string  `json:"errors,omitempty"`
	RawYAML   string    `json:"raw_yaml,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toConfigVersionResp(cv *store.ConfigVersion, includeYAML bool) configVersionResp {
	resp := configVersionResp{
		ID:        cv.ID,
		Version:   cv.Version,
		IsValid:   cv.IsValid,
		Errors:    cv.Errors,
		CreatedAt: cv.CreatedAt,
	}
	if includeYAML {
		resp.RawYAML = cv.RawYAML
	}
	return resp
}

type triggerResp struct {
	Event   string                 `json:"event"`
	Ref     string                 `json:"ref,omitempty"`
	Branch  string                 `json:"branch,omitempty"`
	Tag     string                 `json:"tag,omitempty"`
	SHA     string                 `json:"sha,omitempty"`
	Actor   string                 `json:"actor,omitempty"`
	Message string                 `json:"message,omitempty"`
	Inputs  map[string]interface{} `json:"inputs,omitempty"`
}

type executionResp struct {
	ID               uuid.UUID    `json:"id"`
	PipelineID       uuid.UUID    `json:"pipeline_id"`
	Number           int          `json:"number"`
	Status           store.Status `json:"status"`
	Trigger          triggerResp  `json:"trigger"`
	ConcurrencyGroup string       `json:"concurrency_group,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
	Jobs             []jobResp    `json:"jobs,omitempty"`
}

func toExecutionResp(e *store.Execution) executionResp {
	return executionResp{
		ID:         e.ID,
		PipelineID: e.PipelineID,
		Number:     e.Number,
		Status:     e.Status,
		Trigger: triggerResp{
			Event:   e.Trigger.Event,
			Ref:     e.Trigger.Ref,
			Branch:  e.Trigger.Branch,
			Tag:     e.Trigger.Tag,
			SHA:     e.Trigger.SHA,
			Actor:   e.Trigger.Actor,
			Message: e.Trigger.Message,
			Inputs:  e.Trigger.Inputs,
		},
		ConcurrencyGroup: e.ConcurrencyGroup,
		CreatedAt:        e.CreatedAt,
		StartedAt:        e.StartedAt,
		FinishedAt:       e.FinishedAt,
	}
}

type jobResp struct {
	ID          uuid.UUID              `json:"id"`
	Key         string                 `json:"key"`
	Name        string                 `json:"name"`
	Status      store.Status           `json:"status"`
	RunsOn      []string               `json:"runs_on,omitempty"`
	Needs       []string               `json:"needs,omitempty"`
	Matrix      map[string]interface{} `json:"matrix,omitempty"`
	RunnerID    *uuid.UUID             `json:"runner_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	Steps       []stepResp             `json:"steps,omitempty"`
}

func toJobResp(j *store.Job) jobResp {
	return jobResp{
		ID:         j.ID,
		Key:        j.Key,
		Name:       j.Name,
		Status:     j.Status,
		RunsOn:     j.RunsOn,
		Needs:      j.Needs,
		Matrix:     j.MatrixCombo,
		RunnerID:   j.RunnerID,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

type stepResp struct {
	Order      int          `json:"order"`
	Name       string       `json:"name"`
	Status     store.Status `json:"status"`
	ExitCode   *int         `json:"exit_code,omitempty"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

func toStepResp(s *store.Step) stepResp {
	return stepResp{
		Order:      s.Order,
		Name:       s.Name,
		Status:     s.Status,
		ExitCode:   s.ExitCode,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
}

type runnerResp struct {
	ID            uuid.UUID          `json:"id"`
	Name          string             `json:"name"`
	Type          store.RunnerType   `json:"type"`
	Labels        []string           `json:"labels,omitempty"`
	Status        store.RunnerStatus `json:"status"`
	Capacity      int                `json:"capacity"`
	CurrentJobs   int                `json:"current_jobs"`
	Version       string             `json:"version,omitempty"`
	OS            string             `json:"os,omitempty"`
	Arch          string             `json:"arch,omitempty"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	CreatedAt     time.Time          `json:"created_at"`
}

func toRunnerResp(r *store.Runner) runnerResp {
	return runnerResp{
		ID:            r.ID,
		Name:          r.Name,
		Type:          r.Type,
		Labels:        r.Labels,
		Status:        r.Status,
		Capacity:      r.Capacity,
		CurrentJobs:   r.CurrentJobs,
		Version:       r.Version,
		OS:            r.OS,
		Arch:          r.Arch,
		LastHeartbeat: r.LastHeartbeat,
		CreatedAt:     r.CreatedAt,
	}
}

type secretResp struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	PipelineID *uuid.UUID `json:"pipeline_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func toSecretResp(s *store.Secret) secretResp {
	return secretResp{
		ID:         s.ID,
		Name:       s.Name,
		PipelineID: s.PipelineID,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

type apiKeyResp struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Scopes     []string   `json:"scopes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	// Key is only present in the creation response.
	Key string `json:"key,omitempty"`
}

func toAPIKeyResp(k *store.APIKey) apiKeyResp {
	return apiKeyResp{
		ID:         k.ID,
		Name:       k.Name,
		Prefix:     k.Prefix,
		Scopes:     k.Scopes,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
	}
}

type artifactResp struct {
	ID          uuid.UUID `json:"id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	JobID       uuid.UUID `json:"job_id"`
	Name        string    `json:"name"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Expired     bool      `json:"expired"`
}

func toArtifactResp(a *store.Artifact, now time.Time) artifactResp {
	return artifactResp{
		ID:          a.ID,
		ExecutionID: a.ExecutionID,
		JobID:       a.JobID,
		Name:        a.Name,
		SizeBytes:   a.SizeBytes,
		ContentType: a.ContentType,
		CreatedAt:   a.CreatedAt,
		ExpiresAt:   a.ExpiresAt,
		Expired:     a.Expired(now),
	}
}
