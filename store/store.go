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

package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a record does not exist or belongs to
// another tenant.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a uniqueness constraint is violated.
var ErrConflict = errors.New("conflict")

// TenantStore manages tenants.
type TenantStore interface {
	CreateTenant(t *Tenant) error
	Tenant(id uuid.UUID) (*Tenant, error)
	TenantBySlug(slug string) (*Tenant, error)
	ListTenants() ([]*Tenant, error)
}

// PipelineStore manages pipelines and their config revisions. Every
// read is tenant scoped except PipelinesByRepo, which the webhook
// entrypoint uses before a tenant is known.
type PipelineStore interface {
	CreatePipeline(p *Pipeline) error
	Pipeline(tenantID, id uuid.UUID) (*Pipeline, error)
	ListPipelines(tenantID uuid.UUID) ([]*Pipeline, error)
	PipelinesByRepo(urls []string) ([]*Pipeline, error)
	UpdatePipeline(p *Pipeline) error
	DeletePipeline(tenantID, id uuid.UUID) error

	// SaveConfig stores a new revision, assigning the next version
	// number for the pipeline.
	SaveConfig(cv *ConfigVersion) error
	LatestConfig(pipelineID uuid.UUID) (*ConfigVersion, error)
	ConfigVersions(pipelineID uuid.UUID) ([]*ConfigVersion, error)
}

// ExecutionStore manages executions, their jobs and steps.
type ExecutionStore interface {
	// CreateExecution persists an execution with its jobs and steps
	// and assigns the next per-pipeline execution number.
	CreateExecution(e *Execution, jobs []*Job, steps map[uuid.UUID][]*Step) error
	Execution(id uuid.UUID) (*Execution, error)
	ListExecutions(pipelineID uuid.UUID) ([]*Execution, error)
	UpdateExecution(e *Execution) error

	// ActiveInGroup returns non-terminal executions of the pipeline
	// that share the concurrency group.
	ActiveInGroup(pipelineID uuid.UUID, group string) ([]*Execution, error)

	Job(id uuid.UUID) (*Job, error)
	JobsByExecution(executionID uuid.UUID) ([]*Job, error)
	UpdateJob(j *Job) error
	QueuedJobs() ([]*Job, error)
	RunningJobs() ([]*Job, error)
	JobsByRunner(runnerID uuid.UUID) ([]*Job, error)

	// TryAssignJob atomically moves a queued unassigned job onto a
	// runner and bumps the runner's job count. It reports false when
	// the job was already taken or is no longer queued.
	TryAssignJob(jobID, runnerID uuid.UUID) (bool, error)
	// ReleaseJob detaches a job from its runner and puts it back in
	// the queue; it rolls back an assignment that never reached the
	// runner.
	ReleaseJob(jobID uuid.UUID) error
	// RequeueJob detaches a job from its runner and returns it to
	// pending, where the planner requeues it once its dependencies
	// still hold. Used when a runner goes offline mid-job.
	RequeueJob(jobID uuid.UUID) error

	Steps(jobID uuid.UUID) ([]*Step, error)
	UpdateStep(s *Step) error
}

// LogStore manages step output chunks.
type LogStore interface {
	// AppendChunk stores a chunk, assigning the next chunk number for
	// its (job, step) pair.
	AppendChunk(c *LogChunk) error
	// ChunksByExecution returns every chunk of the execution ordered
	// by job, step order, then chunk number.
	ChunksByExecution(executionID uuid.UUID) ([]*LogChunk, error)
	ChunksByJob(jobID uuid.UUID) ([]*LogChunk, error)
}

// RunnerStore manages the runner registry.
type RunnerStore interface {
	CreateRunner(r *Runner) error
	Runner(id uuid.UUID) (*Runner, error)
	RunnerByTokenHash(hash string) (*Runner, error)
	ListRunners(tenantID uuid.UUID) ([]*Runner, error)
	UpdateRunner(r *Runner) error
	DeleteRunner(id uuid.UUID) error

	// Candidates returns schedulable runners visible to the tenant:
	// its own plus shared runners with no tenant. Offline and
	// maintenance runners are excluded.
	Candidates(tenantID uuid.UUID) ([]*Runner, error)
	// Heartbeat applies a heartbeat report: liveness timestamp, the
	// runner's own job count and its system info. A runner in
	// maintenance stays in maintenance.
	Heartbeat(id uuid.UUID, hb HeartbeatUpdate) error
	// ReleaseRunnerSlot decrements the runner's in-flight job count.
	ReleaseRunnerSlot(id uuid.UUID) error
	// StaleRunners returns schedulable runners whose last heartbeat
	// is older than the cutoff.
	StaleRunners(cutoff time.Time) ([]*Runner, error)
}

// HeartbeatUpdate is what one heartbeat reports. A negative
// CurrentJobs and empty system fields leave the stored values
// unchanged.
type HeartbeatUpdate struct {
	At          time.Time
	CurrentJobs int
	Version     string
	OS          string
	Arch        string
}

// APIKeyStore manages hashed API keys.
type APIKeyStore interface {
	CreateAPIKey(k *APIKey) error
	APIKeyByHash(hash string) (*APIKey, error)
	ListAPIKeys(tenantID uuid.UUID) ([]*APIKey, error)
	DeleteAPIKey(tenantID, id uuid.UUID) error
	// TouchAPIKey records a successful use.
	TouchAPIKey(id uuid.UUID, at time.Time) error
}

// SecretStore manages encrypted tenant secrets.
type SecretStore interface {
	UpsertSecret(s *Secret) error
	SecretsForPipeline(tenantID uuid.UUID, pipelineID uuid.UUID) ([]*Secret, error)
	ListSecrets(tenantID uuid.UUID) ([]*Secret, error)
	DeleteSecret(tenantID, id uuid.UUID) error
}

// ArtifactStore manages artifact metadata.
type ArtifactStore interface {
	CreateArtifact(a *Artifact) error
	Artifact(tenantID, id uuid.UUID) (*Artifact, error)
	ArtifactsByExecution(executionID uuid.UUID) ([]*Artifact, error)
	DeleteArtifact(tenantID, id uuid.UUID) error
	ExpiredArtifacts(now time.Time) ([]*Artifact, error)
}

// Store aggregates every storage concern behind one handle.
type Store interface {
	TenantStore
	PipelineStore
	ExecutionStore
	LogStore
	RunnerStore
	APIKeyStore
	SecretStore
	ArtifactStore
}
