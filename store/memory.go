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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Memory is the in-process Store implementation. All methods are safe
// for concurrent use; a single mutex guards every table, which also
// makes the cross-table operations (assignment, execution creation)
// atomic.
type Memory struct {
	mu sync.RWMutex

	tenants   map[uuid.UUID]*Tenant
	pipelines map[uuid.UUID]*Pipeline
	configs   map[uuid.UUID][]*ConfigVersion // by pipeline, ascending version
	execs     map[uuid.UUID]*Execution
	jobs      map[uuid.UUID]*Job
	steps     map[uuid.UUID][]*Step // by job, ascending order
	chunks    map[uuid.UUID][]*LogChunk
	runners   map[uuid.UUID]*Runner
	apiKeys   map[uuid.UUID]*APIKey
	secrets   map[uuid.UUID]*Secret
	artifacts map[uuid.UUID]*Artifact
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		tenants:   map[uuid.UUID]*Tenant{},
		pipelines: map[uuid.UUID]*Pipeline{},
		configs:   map[uuid.UUID][]*ConfigVersion{},
		execs:     map[uuid.UUID]*Execution{},
		jobs:      map[uuid.UUID]*Job{},
		steps:     map[uuid.UUID][]*Step{},
		chunks:    map[uuid.UUID][]*LogChunk{},
		runners:   map[uuid.UUID]*Runner{},
		apiKeys:   map[uuid.UUID]*APIKey{},
		secrets:   map[uuid.UUID]*Secret{},
		artifacts: map[uuid.UUID]*Artifact{},
	}
}

var _ Store = &Memory{}

func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

// Tenants

func (m *Memory) CreateTenant(t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tenants {
		if existing.Slug == t.Slug {
			return errors.Wrapf(ErrConflict, "tenant slug %q", t.Slug)
		}
	}
	ensureID(&t.ID)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *Memory) Tenant(id uuid.UUID) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "tenant %s", id)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) TenantBySlug(slug string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "tenant slug %q", slug)
}

func (m *Memory) ListTenants() ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// Pipelines

func (m *Memory) CreatePipeline(p *Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.pipelines {
		if existing.TenantID == p.TenantID && existing.Slug == p.Slug {
			return errors.Wrapf(ErrConflict, "pipeline slug %q", p.Slug)
		}
	}
	ensureID(&p.ID)
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	m.pipelines[p.ID] = &cp
	return nil
}

func (m *Memory) Pipeline(tenantID, id uuid.UUID) (*Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	if !ok || p.TenantID != tenantID {
		return nil, errors.Wrapf(ErrNotFound, "pipeline %s", id)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListPipelines(tenantID uuid.UUID) ([]*Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Pipeline
	for _, p := range m.pipelines {
		if p.TenantID == tenantID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) PipelinesByRepo(urls []string) ([]*Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(urls))
	for _, u := range urls {
		want[u] = true
	}
	var out []*Pipeline
	for _, p := range m.pipelines {
		if p.Active && want[p.RepoURL] {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdatePipeline(p *Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[p.ID]; !ok {
		return errors.Wrapf(ErrNotFound, "pipeline %s", p.ID)
	}
	p.UpdatedAt = time.Now()
	cp := *p
	m.pipelines[p.ID] = &cp
	return nil
}

func (m *Memory) DeletePipeline(tenantID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok || p.TenantID != tenantID {
		return errors.Wrapf(ErrNotFound, "pipeline %s", id)
	}
	delete(m.pipelines, id)
	delete(m.configs, id)
	return nil
}

// Config versions

func (m *Memory) SaveConfig(cv *ConfigVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[cv.PipelineID]; !ok {
		return errors.Wrapf(ErrNotFound, "pipeline %s", cv.PipelineID)
	}
	ensureID(&cv.ID)
	if cv.CreatedAt.IsZero() {
		cv.CreatedAt = time.Now()
	}
	versions := m.configs[cv.PipelineID]
	max := 0
	for _, v := range versions {
		if v.Version > max {
			max = v.Version
		}
	}
	cv.Version = max + 1
	cp := *cv
	m.configs[cv.PipelineID] = append(versions, &cp)
	return nil
}

func (m *Memory) LatestConfig(pipelineID uuid.UUID) (*ConfigVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.configs[pipelineID]
	if len(versions) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "no config for pipeline %s", pipelineID)
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

func (m *Memory) ConfigVersions(pipelineID uuid.UUID) ([]*ConfigVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.configs[pipelineID]
	out := make([]*ConfigVersion, 0, len(versions))
	for _, v := range versions {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

// Executions

func (m *Memory) CreateExecution(e *Execution, jobs []*Job, steps map[uuid.UUID][]*Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[e.PipelineID]; !ok {
		return errors.Wrapf(ErrNotFound, "pipeline %s", e.PipelineID)
	}
	ensureID(&e.ID)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	// Execution numbers are per pipeline, highest existing plus one.
	max := 0
	for _, other := range m.execs {
		if other.PipelineID == e.PipelineID && other.Number > max {
			max = other.Number
		}
	}
	e.Number = max + 1

	cp := *e
	m.execs[e.ID] = &cp
	for _, j := range jobs {
		jc := *j
		m.jobs[j.ID] = &jc
		for _, s := range steps[j.ID] {
			sc := *s
			m.steps[j.ID] = append(m.steps[j.ID], &sc)
		}
	}
	return nil
}

func (m *Memory) Execution(id uuid.UUID) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListExecutions(pipelineID uuid.UUID) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, e := range m.execs {
		if e.PipelineID == pipelineID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

func (m *Memory) UpdateExecution(e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.execs[e.ID]; !ok {
		return errors.Wrapf(ErrNotFound, "execution %s", e.ID)
	}
	cp := *e
	m.execs[e.ID] = &cp
	return nil
}

func (m *Memory) ActiveInGroup(pipelineID uuid.UUID, group string) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, e := range m.execs {
		if e.PipelineID == pipelineID && e.ConcurrencyGroup == group && !e.Status.Terminal() {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Jobs

func (m *Memory) Job(id uuid.UUID) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) JobsByExecution(executionID uuid.UUID) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.ExecutionID == executionID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateJob(j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return errors.Wrapf(ErrNotFound, "job %s", j.ID)
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) QueuedJobs() ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.Status == StatusQueued && j.RunnerID == nil {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RunningJobs() ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.Status == StatusRunning {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) JobsByRunner(runnerID uuid.UUID) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.RunnerID != nil && *j.RunnerID == runnerID && !j.Status.Terminal() {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) TryAssignJob(jobID, runnerID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	r, ok := m.runners[runnerID]
	if !ok {
		return false, errors.Wrapf(ErrNotFound, "runner %s", runnerID)
	}
	if j.Status != StatusQueued || j.RunnerID != nil {
		return false, nil
	}
	if !r.Schedulable() || r.CurrentJobs >= r.Capacity {
		return false, nil
	}
	id := runnerID
	j.RunnerID = &id
	r.CurrentJobs++
	return true, nil
}

func (m *Memory) ReleaseJob(jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if j.RunnerID != nil {
		if r, ok := m.runners[*j.RunnerID]; ok && r.CurrentJobs > 0 {
			r.CurrentJobs--
		}
		j.RunnerID = nil
	}
	if !j.Status.Terminal() {
		j.Status = StatusQueued
		j.StartedAt = nil
	}
	return nil
}

func (m *Memory) RequeueJob(jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if j.RunnerID != nil {
		if r, ok := m.runners[*j.RunnerID]; ok && r.CurrentJobs > 0 {
			r.CurrentJobs--
		}
		j.RunnerID = nil
	}
	if !j.Status.Terminal() {
		j.Status = StatusPending
		j.StartedAt = nil
	}
	return nil
}

// Steps

func (m *Memory) Steps(jobID uuid.UUID) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := m.steps[jobID]
	out := make([]*Step, 0, len(steps))
	for _, s := range steps {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *Memory) UpdateStep(s *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.steps[s.JobID] {
		if existing.ID == s.ID {
			cp := *s
			m.steps[s.JobID][i] = &cp
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "step %s", s.ID)
}

// Log chunks

func (m *Memory) AppendChunk(c *LogChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[c.JobID]; !ok {
		return errors.Wrapf(ErrNotFound, "job %s", c.JobID)
	}
	ensureID(&c.ID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Level == "" {
		c.Level = "info"
	}
	// Chunk numbers are per (job, step), highest existing plus one.
	max := 0
	for _, other := range m.chunks[c.JobID] {
		if other.StepOrder == c.StepOrder && other.ChunkNumber > max {
			max = other.ChunkNumber
		}
	}
	c.ChunkNumber = max + 1
	cp := *c
	m.chunks[c.JobID] = append(m.chunks[c.JobID], &cp)
	return nil
}

func (m *Memory) ChunksByJob(jobID uuid.UUID) ([]*LogChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunks := m.chunks[jobID]
	out := make([]*LogChunk, 0, len(chunks))
	for _, c := range chunks {
		cp := *c
		out = append(out, &cp)
	}
	sortChunks(out)
	return out, nil
}

func (m *Memory) ChunksByExecution(executionID uuid.UUID) ([]*LogChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*LogChunk
	for jobID, j := range m.jobs {
		if j.ExecutionID != executionID {
			continue
		}
		for _, c := range m.chunks[jobID] {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortChunks(out)
	return out, nil
}

// sortChunks orders chunks by job, then step order, then chunk number,
// which is the replay order the log stream serves.
func sortChunks(chunks []*LogChunk) {
	sort.Slice(chunks, func(i, j int) bool {
		a, b := chunks[i], chunks[j]
		if a.JobID != b.JobID {
			return a.JobID.String() < b.JobID.String()
		}
		if a.StepOrder != b.StepOrder {
			return a.StepOrder < b.StepOrder
		}
		return a.ChunkNumber < b.ChunkNumber
	})
}

// Runners

func (m *Memory) CreateRunner(r *Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ensureID(&r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Capacity <= 0 {
		r.Capacity = 1
	}
	if r.Type == "" {
		if r.TenantID == nil {
			r.Type = RunnerShared
		} else {
			r.Type = RunnerDedicated
		}
	}
	cp := *r
	m.runners[r.ID] = &cp
	return nil
}

func (m *Memory) Runner(id uuid.UUID) (*Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runners[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "runner %s", id)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) RunnerByTokenHash(hash string) (*Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runners {
		if r.TokenHash == hash {
			cp := *r
			return &cp, nil
		}
	}
	return nil, errors.Wrap(ErrNotFound, "runner token")
}

func (m *Memory) ListRunners(tenantID uuid.UUID) ([]*Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Runner
	for _, r := range m.runners {
		if r.TenantID != nil && *r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateRunner(r *Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[r.ID]; !ok {
		return errors.Wrapf(ErrNotFound, "runner %s", r.ID)
	}
	cp := *r
	m.runners[r.ID] = &cp
	return nil
}

func (m *Memory) DeleteRunner(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[id]; !ok {
		return errors.Wrapf(ErrNotFound, "runner %s", id)
	}
	delete(m.runners, id)
	return nil
}

func (m *Memory) Candidates(tenantID uuid.UUID) ([]*Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Runner
	for _, r := range m.runners {
		if !r.Schedulable() {
			continue
		}
		if r.TenantID == nil || *r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Heartbeat(id uuid.UUID, hb HeartbeatUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "runner %s", id)
	}
	r.LastHeartbeat = hb.At
	if hb.CurrentJobs >= 0 {
		r.CurrentJobs = hb.CurrentJobs
	}
	if hb.Version != "" {
		r.Version = hb.Version
	}
	if hb.OS != "" {
		r.OS = hb.OS
	}
	if hb.Arch != "" {
		r.Arch = hb.Arch
	}
	if r.Status != RunnerMaintenance {
		if r.CurrentJobs >= r.Capacity {
			r.Status = RunnerBusy
		} else {
			r.Status = RunnerOnline
		}
	}
	return nil
}

func (m *Memory) ReleaseRunnerSlot(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "runner %s", id)
	}
	if r.CurrentJobs > 0 {
		r.CurrentJobs--
	}
	if r.Status == RunnerBusy && r.CurrentJobs < r.Capacity {
		r.Status = RunnerOnline
	}
	return nil
}

func (m *Memory) StaleRunners(cutoff time.Time) ([]*Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Runner
	for _, r := range m.runners {
		if r.Schedulable() && r.LastHeartbeat.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// API keys

func (m *Memory) CreateAPIKey(k *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ensureID(&k.ID)
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	cp := *k
	m.apiKeys[k.ID] = &cp
	return nil
}

func (m *Memory) APIKeyByHash(hash string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.apiKeys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, errors.Wrap(ErrNotFound, "api key")
}

func (m *Memory) ListAPIKeys(tenantID uuid.UUID) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*APIKey
	for _, k := range m.apiKeys {
		if k.TenantID == tenantID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteAPIKey(tenantID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok || k.TenantID != tenantID {
		return errors.Wrapf(ErrNotFound, "api key %s", id)
	}
	delete(m.apiKeys, id)
	return nil
}

func (m *Memory) TouchAPIKey(id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "api key %s", id)
	}
	k.LastUsedAt = &at
	return nil
}

// Secrets

func (m *Memory) UpsertSecret(s *Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, existing := range m.secrets {
		if existing.TenantID == s.TenantID && existing.Name == s.Name && samePipelineScope(existing.PipelineID, s.PipelineID) {
			existing.Value = s.Value
			existing.UpdatedAt = now
			*s = *existing
			return nil
		}
	}
	ensureID(&s.ID)
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	m.secrets[s.ID] = &cp
	return nil
}

func samePipelineScope(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *Memory) SecretsForPipeline(tenantID, pipelineID uuid.UUID) ([]*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Pipeline-scoped secrets shadow tenant-wide secrets of the same
	// name.
	byName := map[string]*Secret{}
	for _, s := range m.secrets {
		if s.TenantID != tenantID {
			continue
		}
		if s.PipelineID == nil {
			if _, ok := byName[s.Name]; !ok {
				cp := *s
				byName[s.Name] = &cp
			}
		}
	}
	for _, s := range m.secrets {
		if s.TenantID == tenantID && s.PipelineID != nil && *s.PipelineID == pipelineID {
			cp := *s
			byName[s.Name] = &cp
		}
	}
	out := make([]*Secret, 0, len(byName))
	for _, s := range byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListSecrets(tenantID uuid.UUID) ([]*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Secret
	for _, s := range m.secrets {
		if s.TenantID == tenantID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteSecret(tenantID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok || s.TenantID != tenantID {
		return errors.Wrapf(ErrNotFound, "secret %s", id)
	}
	delete(m.secrets, id)
	return nil
}

// Artifacts

func (m *Memory) CreateArtifact(a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ensureID(&a.ID)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *Memory) Artifact(tenantID, id uuid.UUID) (*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[id]
	if !ok || a.TenantID != tenantID {
		return nil, errors.Wrapf(ErrNotFound, "artifact %s", id)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ArtifactsByExecution(executionID uuid.UUID) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Artifact
	for _, a := range m.artifacts {
		if a.ExecutionID == executionID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteArtifact(tenantID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok || a.TenantID != tenantID {
		return errors.Wrapf(ErrNotFound, "artifact %s", id)
	}
	delete(m.artifacts, id)
	return nil
}

func (m *Memory) ExpiredArtifacts(now time.Time) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Artifact
	for _, a := range m.artifacts {
		if a.Expired(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}
