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

// Package store defines the control plane's persistent records and the
// storage interfaces the rest of the system programs against.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by executions, jobs and steps.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusSkipped, StatusTimeout:
		return true
	}
	return false
}

// RunnerStatus is the presence state of a runner. Maintenance is set
// through the API and sticks across heartbeats; the scheduler never
// assigns to a runner in maintenance.
type RunnerStatus string

const (
	RunnerOnline      RunnerStatus = "online"
	RunnerOffline     RunnerStatus = "offline"
	RunnerBusy        RunnerStatus = "busy"
	RunnerMaintenance RunnerStatus = "maintenance"
)

// RunnerType records how a runner is provisioned. Shared runners have
// no tenant and serve everyone.
type RunnerType string

const (
	RunnerShared     RunnerType = "shared"
	RunnerDedicated  RunnerType = "dedicated"
	RunnerSelfHosted RunnerType = "self_hosted"
)

// Tenant is one isolated customer of the control plane.
type Tenant struct {
	ID        uuid.UUID
	Slug      string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// Pipeline binds a repository to its pipeline definition within a
// tenant.
type Pipeline struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Name          string
	Slug          string
	RepoURL       string
	DefaultBranch string
	WebhookSecret string
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// LastExecutionAt tracks the most recent execution, nil until the
	// pipeline first runs.
	LastExecutionAt *time.Time
}

// ConfigVersion is one stored revision of a pipeline's YAML. Invalid
// revisions are kept for display but never trigger executions.
type ConfigVersion struct {
	ID         uuid.UUID
	PipelineID uuid.UUID
	Version    int
	RawYAML    string
	Normalized []byte
	IsValid    bool
	Errors     []string
	CreatedAt  time.Time
}

// TriggerInfo records what caused an execution.
type TriggerInfo struct {
	Event   string
	Ref     string
	Branch  string
	Tag     string
	SHA     string
	Actor   string
	Message string
	Inputs  map[string]interface{}
}

// Execution is one run of a pipeline.
type Execution struct {
	ID               uuid.UUID
	PipelineID       uuid.UUID
	TenantID         uuid.UUID
	ConfigVersionID  uuid.UUID
	Number           int
	Status           Status
	Trigger          TriggerInfo
	ConcurrencyGroup string
	CreatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// Job is one schedulable unit of an execution, a single matrix
// combination of a config job.
type Job struct {
	ID          uuid.UUID
	ExecutionID uuid.UUID
	TenantID    uuid.UUID
	Key         string
	Name        string
	RunsOn      []string
	Needs       []string
	MatrixCombo map[string]interface{}
	Env         map[string]string
	Container   *ContainerSpec
	Services    map[string]ContainerSpec
	Status      Status
	RunnerID    *uuid.UUID
	FailFast    bool
	Timeout     time.Duration
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// ContainerSpec is the container a job runs in, or one of its service
// containers.
type ContainerSpec struct {
	Image       string
	Credentials map[string]string
	Env         map[string]string
	Ports       []string
	Volumes     []string
	Options     string
}

// Step is one sequential command inside a job.
type Step struct {
	ID               uuid.UUID
	JobID            uuid.UUID
	Order            int
	Name             string
	Run              string
	Uses             string
	With             map[string]interface{}
	Env              map[string]string
	Shell            string
	WorkingDirectory string
	Condition        string
	ContinueOnError  bool
	Timeout          time.Duration
	Status           Status
	ExitCode         *int
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// LogChunk is one batch of output lines for a step. Chunks are
// numbered per step starting at 1. Level is one of debug, info,
// warning, error.
type LogChunk struct {
	ID          uuid.UUID
	JobID       uuid.UUID
	StepOrder   int
	ChunkNumber int
	Content     string
	Level       string
	CreatedAt   time.Time
}

// Runner is a registered execution agent.
type Runner struct {
	ID            uuid.UUID
	TenantID      *uuid.UUID // nil for shared runners
	Name          string
	Type          RunnerType
	Labels        []string
	Status        RunnerStatus
	TokenHash     string
	Capacity      int
	CurrentJobs   int
	Version       string
	OS            string
	Arch          string
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// HasLabels reports whether the runner carries every requested label.
func (r *Runner) HasLabels(want []string) bool {
	have := make(map[string]bool, len(r.Labels))
	for _, l := range r.Labels {
		have[l] = true
	}
	for _, l := range want {
		if !have[l] {
			return false
		}
	}
	return true
}

// HasCapacity reports whether the runner can take another job.
func (r *Runner) HasCapacity() bool {
	return r.CurrentJobs < r.Capacity
}

// Schedulable reports whether the runner may receive work at all.
// Offline runners have no session; maintenance is an operator hold.
func (r *Runner) Schedulable() bool {
	return r.Status == RunnerOnline || r.Status == RunnerBusy
}

// APIKey is a hashed tenant credential for the REST API. Only the
// display prefix and the SHA-256 hash are stored; the full key is
// shown once at creation.
type APIKey struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Name       string
	Prefix     string
	Hash       string
	Scopes     []string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Secret is an encrypted tenant secret, optionally scoped to one
// pipeline. Value holds the ciphertext.
type Secret struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	PipelineID *uuid.UUID
	Name       string
	Value      []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Artifact is a file a job uploaded, stored in the blob backend.
type Artifact struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	ExecutionID uuid.UUID
	JobID       uuid.UUID
	Name        string
	Path        string
	SizeBytes   int64
	ContentType string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the artifact is past its retention window.
func (a *Artifact) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}
