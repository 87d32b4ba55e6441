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

package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mcihq/mci/store"
)

// fakeDispatcher records dispatches and can simulate dead connections.
type fakeDispatcher struct {
	dispatched map[uuid.UUID]uuid.UUID // job -> runner
	dead       map[uuid.UUID]bool
	cancelled  []uuid.UUID
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		dispatched: map[uuid.UUID]uuid.UUID{},
		dead:       map[uuid.UUID]bool{},
	}
}

func (f *fakeDispatcher) DispatchJob(runnerID uuid.UUID, job *store.Job) error {
	if f.dead[runnerID] {
		return errors.New("no session")
	}
	f.dispatched[job.ID] = runnerID
	return nil
}

func (f *fakeDispatcher) CancelJob(runnerID, jobID uuid.UUID) error {
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

// fakeLifecycle records job completions and execution resumes.
type fakeLifecycle struct {
	finished map[uuid.UUID]store.Status
	resumed  []uuid.UUID
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{finished: map[uuid.UUID]store.Status{}}
}

func (f *fakeLifecycle) OnJobFinished(jobID uuid.UUID, status store.Status) error {
	f.finished[jobID] = status
	return nil
}

func (f *fakeLifecycle) ResumeExecution(executionID uuid.UUID) error {
	f.resumed = append(f.resumed, executionID)
	return nil
}

func seed(t *testing.T) (*store.Memory, *store.Tenant, *store.Job) {
	t.Helper()
	m := store.NewMemory()
	tenant := &store.Tenant{Slug: "acme", Name: "Acme", Active: true}
	if err := m.CreateTenant(tenant); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	pl := &store.Pipeline{TenantID: tenant.ID, Name: "CI", Slug: "ci", RepoURL: "https://github.com/acme/app", Active: true}
	if err := m.CreatePipeline(pl); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	job := &store.Job{
		ID:       uuid.New(),
		TenantID: tenant.ID,
		Key:      "build",
		RunsOn:   []string{"linux"},
		Status:   store.StatusQueued,
	}
	e := &store.Execution{ID: uuid.New(), PipelineID: pl.ID, TenantID: tenant.ID, Status: store.StatusQueued}
	job.ExecutionID = e.ID
	if err := m.CreateExecution(e, []*store.Job{job}, nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return m, tenant, job
}

func addRunner(t *testing.T, m *store.Memory, tenantID *uuid.UUID, name string, labels []string, capacity, current int, hb time.Time) *store.Runner {
	t.Helper()
	r := &store.Runner{
		TenantID:      tenantID,
		Name:          name,
		Labels:        labels,
		Status:        store.RunnerOnline,
		Capacity:      capacity,
		CurrentJobs:   current,
		LastHeartbeat: hb,
	}
	if err := m.CreateRunner(r); err != nil {
		t.Fatalf("CreateRunner: %v", err)
	}
	return r
}

func TestTickDispatchesToLeastLoaded(t *testing.T) {
	m, tenant, job := seed(t)
	tid := tenant.ID
	now := time.Now()
	busy := addRunner(t, m, &tid, "busy", []string{"linux"}, 4, 3, now)
	idle := addRunner(t, m, &tid, "idle", []string{"linux"}, 4, 0, now)

	d := newFakeDispatcher()
	s := New(m, d, newFakeLifecycle())
	if got := s.Tick(); got != 1 {
		t.Fatalf("Tick() = %d, want 1", got)
	}
	if d.dispatched[job.ID] != idle.ID {
		t.Errorf("job went to %s, want idle runner", d.dispatched[job.ID])
	}
	_ = busy

	got, _ := m.Job(job.ID)
	if got.RunnerID == nil || *got.RunnerID != idle.ID {
		t.Errorf("job not recorded as assigned: %+v", got)
	}
}

func TestTickRespectsLabels(t *testing.T) {
	m, tenant, job := seed(t)
	tid := tenant.ID
	addRunner(t, m, &tid, "wrong-labels", []string{"windows"}, 4, 0, time.Now())

	d := newFakeDispatcher()
	s := New(m, d, newFakeLifecycle())
	if got := s.Tick(); got != 0 {
		t.Fatalf("Tick() = %d, want 0", got)
	}
	if _, ok := d.dispatched[job.ID]; ok {
		t.Error("job should not be dispatched to a runner missing labels")
	}
}

func TestTickSupersetLabelsMatch(t *testing.T) {
	m, tenant, job := seed(t)
	tid := tenant.ID
	addRunner(t, m, &tid, "super", []string{"linux", "x64", "gpu"}, 4, 0, time.Now())

	s := New(m, newFakeDispatcher(), newFakeLifecycle())
	if got := s.Tick(); got != 1 {
		t.Fatalf("Tick() = %d, want 1", got)
	}
	_ = job
}

func TestSharedRunnerUsedWhenTenantHasNone(t *testing.T) {
	m, _, job := seed(t)
	shared := addRunner(t, m, nil, "shared", []string{"linux"}, 2, 0, time.Now())

	d := newFakeDispatcher()
	s := New(m, d, newFakeLifecycle())
	if got := s.Tick(); got != 1 {
		t.Fatalf("Tick() = %d, want 1", got)
	}
	if d.dispatched[job.ID] != shared.ID {
		t.Error("job should land on the shared runner")
	}
}

func TestDeadSessionRollsBack(t *testing.T) {
	m, tenant, job := seed(t)
	tid := tenant.ID
	r := addRunner(t, m, &tid, "ghost", []string{"linux"}, 2, 0, time.Now())

	d := newFakeDispatcher()
	d.dead[r.ID] = true
	s := New(m, d, newFakeLifecycle())
	if got := s.Tick(); got != 0 {
		t.Fatalf("Tick() = %d, want 0", got)
	}

	got, _ := m.Job(job.ID)
	if got.RunnerID != nil || got.Status != store.StatusQueued {
		t.Errorf("assignment not rolled back: %+v", got)
	}
	rr, _ := m.Runner(r.ID)
	if rr.CurrentJobs != 0 {
		t.Errorf("runner slot not released: %d", rr.CurrentJobs)
	}
}

func TestHeartbeatTiebreak(t *testing.T) {
	m, tenant, job := seed(t)
	tid := tenant.ID
	now := time.Now()
	addRunner(t, m, &tid, "old", []string{"linux"}, 2, 1, now.Add(-time.Minute))
	fresh := addRunner(t, m, &tid, "fresh", []string{"linux"}, 2, 1, now)

	d := newFakeDispatcher()
	s := New(m, d, newFakeLifecycle())
	if got := s.Tick(); got != 1 {
		t.Fatalf("Tick() = %d, want 1", got)
	}
	if d.dispatched[job.ID] != fresh.ID {
		t.Error("tie should break toward the freshest heartbeat")
	}
}

func TestSweepOfflineRequeuesJobs(t *testing.T) {
	m, tenant, job := seed(t)
	tid := tenant.ID
	now := time.Now()
	r := addRunner(t, m, &tid, "fading", []string{"linux"}, 2, 0, now)

	if ok, err := m.TryAssignJob(job.ID, r.ID); err != nil || !ok {
		t.Fatalf("TryAssignJob: ok=%v err=%v", ok, err)
	}
	j, _ := m.Job(job.ID)
	j.Status = store.StatusRunning
	if err := m.UpdateJob(j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	l := newFakeLifecycle()
	s := New(m, newFakeDispatcher(), l)
	// Heartbeat is fresh; nothing happens.
	s.SweepOffline(now)
	if got, _ := m.Runner(r.ID); got.Status != store.RunnerOnline {
		t.Fatal("fresh runner must stay online")
	}

	// 2 minutes later the runner is stale.
	s.SweepOffline(now.Add(2 * time.Minute))
	got, _ := m.Runner(r.ID)
	if got.Status != store.RunnerOffline {
		t.Errorf("runner status: got %s, want offline", got.Status)
	}
	// The job goes back to pending, not queued: the planner decides
	// whether its dependencies still allow it to run.
	j, _ = m.Job(job.ID)
	if j.Status != store.StatusPending || j.RunnerID != nil {
		t.Errorf("job not requeued: %+v", j)
	}
	if len(l.resumed) != 1 || l.resumed[0] != job.ExecutionID {
		t.Errorf("execution not resumed: %v", l.resumed)
	}
}

func TestSweepTimeoutsCancelsAndFinishes(t *testing.T) {
	m, tenant, job := seed(t)
	tid := tenant.ID
	now := time.Now()
	r := addRunner(t, m, &tid, "worker", []string{"linux"}, 2, 0, now)

	if ok, err := m.TryAssignJob(job.ID, r.ID); err != nil || !ok {
		t.Fatalf("TryAssignJob: ok=%v err=%v", ok, err)
	}
	started := now.Add(-10 * time.Minute)
	j, _ := m.Job(job.ID)
	j.Status = store.StatusRunning
	j.StartedAt = &started
	j.Timeout = 5 * time.Minute
	if err := m.UpdateJob(j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	d := newFakeDispatcher()
	l := newFakeLifecycle()
	s := New(m, d, l)

	// Inside the deadline nothing fires.
	s.SweepTimeouts(started.Add(4 * time.Minute))
	if len(l.finished) != 0 {
		t.Fatalf("job finished too early: %v", l.finished)
	}

	s.SweepTimeouts(now)
	if len(d.cancelled) != 1 || d.cancelled[0] != job.ID {
		t.Errorf("runner not told to abort: %v", d.cancelled)
	}
	if l.finished[job.ID] != store.StatusTimeout {
		t.Errorf("job finished as %q, want timeout", l.finished[job.ID])
	}
}

func TestSweepTimeoutsStepDeadline(t *testing.T) {
	m, tenant, _ := seed(t)
	tid := tenant.ID
	now := time.Now()
	r := addRunner(t, m, &tid, "worker", []string{"linux"}, 2, 0, now)

	started := now.Add(-3 * time.Minute)
	pl := &store.Pipeline{TenantID: tid, Name: "Deploy", Slug: "deploy", RepoURL: "https://github.com/acme/deploy", Active: true}
	if err := m.CreatePipeline(pl); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	e := &store.Execution{ID: uuid.New(), PipelineID: pl.ID, TenantID: tid, Status: store.StatusRunning}
	job := &store.Job{
		ID:          uuid.New(),
		ExecutionID: e.ID,
		TenantID:    tid,
		Key:         "deploy",
		RunsOn:      []string{"linux"},
		Status:      store.StatusRunning,
		RunnerID:    &r.ID,
		StartedAt:   &started,
	}
	steps := map[uuid.UUID][]*store.Step{job.ID: {
		{ID: uuid.New(), JobID: job.ID, Order: 0, Name: "slow", Status: store.StatusRunning, StartedAt: &started, Timeout: time.Minute},
	}}
	if err := m.CreateExecution(e, []*store.Job{job}, steps); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	l := newFakeLifecycle()
	s := New(m, newFakeDispatcher(), l)
	s.SweepTimeouts(now)
	if l.finished[job.ID] != store.StatusTimeout {
		t.Errorf("step overrun should time the job out, got %q", l.finished[job.ID])
	}
}
