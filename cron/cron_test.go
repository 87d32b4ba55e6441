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

package cron

import (
	"testing"

	"github.com/google/uuid"

	"github.com/mcihq/mci/plan"
	"github.com/mcihq/mci/store"
)

func TestSyncSchedules(t *testing.T) {
	c := New()
	first := uuid.New()
	second := uuid.New()

	if err := c.SyncSchedules(map[uuid.UUID][]string{
		first:  {"0 2 * * *", "30 14 * * 5"},
		second: {"@hourly"},
	}); err != nil {
		t.Fatalf("SyncSchedules: %v", err)
	}
	for _, expr := range []string{"0 2 * * *", "30 14 * * 5"} {
		if !c.HasEntry(first, expr) {
			t.Errorf("missing entry %q for first pipeline", expr)
		}
	}
	if !c.HasEntry(second, "@hourly") {
		t.Error("missing entry for second pipeline")
	}

	// Dropping a pipeline and changing an expression removes the old
	// entries.
	if err := c.SyncSchedules(map[uuid.UUID][]string{
		first: {"0 3 * * *"},
	}); err != nil {
		t.Fatalf("SyncSchedules: %v", err)
	}
	if c.HasEntry(first, "0 2 * * *") {
		t.Error("stale entry survived resync")
	}
	if !c.HasEntry(first, "0 3 * * *") {
		t.Error("new entry missing after resync")
	}
	if c.HasEntry(second, "@hourly") {
		t.Error("removed pipeline still has an entry")
	}
}

func TestSyncSchedulesBadExpression(t *testing.T) {
	c := New()
	pipelineID := uuid.New()
	if err := c.SyncSchedules(map[uuid.UUID][]string{
		pipelineID: {"not a cron"},
	}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
	if c.HasEntry(pipelineID, "not a cron") {
		t.Error("invalid expression should not be scheduled")
	}
}

func TestQueuedPipelinesDeduplicatesAndResets(t *testing.T) {
	c := New()
	pipelineID := uuid.New()
	if err := c.SyncSchedules(map[uuid.UUID][]string{
		pipelineID: {"0 2 * * *", "0 14 * * *"},
	}); err != nil {
		t.Fatalf("SyncSchedules: %v", err)
	}

	c.lock.Lock()
	for _, e := range c.entries {
		e.triggered = true
	}
	c.lock.Unlock()

	queued := c.QueuedPipelines()
	if len(queued) != 1 || queued[0] != pipelineID {
		t.Errorf("QueuedPipelines() = %v, want exactly [%s]", queued, pipelineID)
	}
	if got := c.QueuedPipelines(); len(got) != 0 {
		t.Errorf("second QueuedPipelines() = %v, want empty", got)
	}
}

const nightlyYAML = `
name: Nightly
on:
  schedule:
    - cron: "0 2 * * *"
jobs:
  build:
    runs-on: [linux]
    steps:
      - run: make nightly
`

func seedScheduledPipeline(t *testing.T, m *store.Memory) *store.Pipeline {
	t.Helper()
	tn := &store.Tenant{Slug: "acme", Name: "Acme", Active: true}
	if err := m.CreateTenant(tn); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	pl := &store.Pipeline{
		TenantID:      tn.ID,
		Name:          "Nightly",
		Slug:          "nightly",
		RepoURL:       "https://github.com/acme/app",
		DefaultBranch: "main",
		Active:        true,
	}
	if err := m.CreatePipeline(pl); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	cv := &store.ConfigVersion{PipelineID: pl.ID, RawYAML: nightlyYAML, IsValid: true}
	if err := m.SaveConfig(cv); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	return pl
}

func TestAgentSync(t *testing.T) {
	m := store.NewMemory()
	pl := seedScheduledPipeline(t, m)
	a := NewAgent(m, plan.NewPlanner(m))

	if err := a.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !a.cron.HasEntry(pl.ID, "0 2 * * *") {
		t.Error("schedule from stored config was not registered")
	}

	// Deactivating the pipeline drops its entries on the next sync.
	pl.Active = false
	if err := m.UpdatePipeline(pl); err != nil {
		t.Fatalf("UpdatePipeline: %v", err)
	}
	if err := a.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if a.cron.HasEntry(pl.ID, "0 2 * * *") {
		t.Error("inactive pipeline should have no entries")
	}
}

func TestAgentFire(t *testing.T) {
	m := store.NewMemory()
	pl := seedScheduledPipeline(t, m)
	a := NewAgent(m, plan.NewPlanner(m))
	if err := a.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	a.cron.lock.Lock()
	for _, e := range a.cron.entries {
		e.triggered = true
	}
	a.cron.lock.Unlock()
	a.Fire()

	execs, err := m.ListExecutions(pl.ID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	trig := execs[0].Trigger
	if trig.Event != "schedule" || trig.Branch != "main" || trig.Actor != "cron" {
		t.Errorf("trigger = %+v", trig)
	}
}
