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

package session

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mcihq/mci/bus"
	"github.com/mcihq/mci/plan"
	"github.com/mcihq/mci/secrets"
	"github.com/mcihq/mci/store"
)

// fakeConn is an in-memory Conn for driving a session.
type fakeConn struct {
	in chan []byte

	mu     sync.Mutex
	out    [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.in
	if !ok {
		return 0, nil, io.EOF
	}
	return textMessage, msg, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.out = append(c.out, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

// frames decodes everything written so far.
func (c *fakeConn) frames(t *testing.T) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, raw := range c.out {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("bad frame %q: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

// waitFor polls until a frame of the given type shows up.
func (c *fakeConn) waitFor(t *testing.T, typ string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range c.frames(t) {
			if f["type"] == typ {
				return f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q frame; got %v", typ, c.frames(t))
	return nil
}

type fixture struct {
	memory   *store.Memory
	planner  *plan.Planner
	bus      *bus.InProcess
	registry *Registry
	runner   *store.Runner
	job      *store.Job
	exec     *store.Execution
}

func newFixture(t *testing.T) *fixture {
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

	exec := &store.Execution{ID: uuid.New(), PipelineID: pl.ID, TenantID: tenant.ID, Status: store.StatusQueued}
	job := &store.Job{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		TenantID:    tenant.ID,
		Key:         "build",
		Name:        "build",
		RunsOn:      []string{"linux"},
		Status:      store.StatusQueued,
	}
	steps := map[uuid.UUID][]*store.Step{
		job.ID: {{ID: uuid.New(), JobID: job.ID, Order: 1, Name: "Build", Run: "make", Status: store.StatusPending}},
	}
	if err := m.CreateExecution(exec, []*store.Job{job}, steps); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	tid := tenant.ID
	runner := &store.Runner{TenantID: &tid, Name: "r1", Labels: []string{"linux"}, Status: store.RunnerOnline, Capacity: 2, TokenHash: "hash"}
	if err := m.CreateRunner(runner); err != nil {
		t.Fatalf("CreateRunner: %v", err)
	}
	if ok, err := m.TryAssignJob(job.ID, runner.ID); err != nil || !ok {
		t.Fatalf("TryAssignJob: ok=%v err=%v", ok, err)
	}

	kr, err := secrets.NewKeyring([]byte("test-master-key"))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	sealed, err := kr.Seal(tenant.ID, []byte("s3cr3t-value"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := m.UpsertSecret(&store.Secret{TenantID: tenant.ID, Name: "DEPLOY_TOKEN", Value: sealed}); err != nil {
		t.Fatalf("UpsertSecret: %v", err)
	}

	b := bus.NewInProcess()
	t.Cleanup(func() { b.Close() })
	p := plan.NewPlanner(m)
	return &fixture{
		memory:   m,
		planner:  p,
		bus:      b,
		registry: NewRegistry(m, p, b, kr),
		runner:   runner,
		job:      job,
		exec:     exec,
	}
}

// start runs the session until the test ends.
func (f *fixture) start(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.registry.serve(f.runner, conn)
	}()
	t.Cleanup(func() {
		conn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	conn.waitFor(t, TypeConnected)
	return conn
}

func TestConnectedFrame(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	frame := conn.waitFor(t, TypeConnected)
	if frame["runner_id"] != f.runner.ID.String() {
		t.Errorf("connected frame: %v", frame)
	}
	if frame["heartbeat_interval_seconds"] != float64(30) {
		t.Errorf("heartbeat interval = %v, want 30", frame["heartbeat_interval_seconds"])
	}
	if !f.registry.Connected(f.runner.ID) {
		t.Error("registry should report the runner connected")
	}
}

func TestHeartbeatAck(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	conn.in <- []byte(`{"type":"heartbeat","current_jobs":1,"system_info":{"version":"1.4.2","os":"linux","arch":"arm64"}}`)
	conn.waitFor(t, TypeHeartbeatAck)

	r, err := f.memory.Runner(f.runner.ID)
	if err != nil {
		t.Fatalf("Runner: %v", err)
	}
	if r.Status != store.RunnerOnline || r.LastHeartbeat.IsZero() {
		t.Errorf("heartbeat not recorded: %+v", r)
	}
	if r.CurrentJobs != 1 {
		t.Errorf("current_jobs not recorded: %d", r.CurrentJobs)
	}
	if r.Version != "1.4.2" || r.OS != "linux" || r.Arch != "arm64" {
		t.Errorf("system info not recorded: %+v", r)
	}
}

func TestHeartbeatAtCapacityMarksBusy(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	conn.in <- []byte(`{"type":"heartbeat","current_jobs":2}`)
	conn.waitFor(t, TypeHeartbeatAck)

	r, _ := f.memory.Runner(f.runner.ID)
	if r.Status != store.RunnerBusy {
		t.Errorf("runner at capacity should be busy, got %s", r.Status)
	}
}

func TestLogChunkStoredAndPublished(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(bus.LogTopic(f.exec.ID))
	defer sub.Close()
	conn := f.start(t)

	conn.in <- []byte(fmt.Sprintf(`{"type":"log","job_id":%q,"step_order":1,"content":"hello\n","level":"error"}`, f.job.ID))

	select {
	case raw := <-sub.C:
		var frame map[string]interface{}
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("bad published frame: %v", err)
		}
		if frame["chunk_number"] != float64(1) || frame["content"] != "hello\n" {
			t.Errorf("published frame: %v", frame)
		}
		if frame["level"] != "error" {
			t.Errorf("level not forwarded: %v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no live log frame published")
	}

	chunks, err := f.memory.ChunksByJob(f.job.ID)
	if err != nil {
		t.Fatalf("ChunksByJob: %v", err)
	}
	if len(chunks) != 1 || chunks[0].ChunkNumber != 1 {
		t.Errorf("chunks: %+v", chunks)
	}
	if chunks[0].Level != "error" {
		t.Errorf("chunk level: %q, want error", chunks[0].Level)
	}
}

func TestLogChunkDefaultsToInfoLevel(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	conn.in <- []byte(fmt.Sprintf(`{"type":"log","job_id":%q,"step_order":1,"content":"plain\n"}`, f.job.ID))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if chunks, _ := f.memory.ChunksByJob(f.job.ID); len(chunks) == 1 {
			if chunks[0].Level != "info" {
				t.Errorf("chunk level: %q, want info", chunks[0].Level)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("chunk never stored")
}

func TestLogChunkReachesJobTopic(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(bus.JobLogTopic(f.job.ID))
	defer sub.Close()
	conn := f.start(t)

	conn.in <- []byte(fmt.Sprintf(`{"type":"log","job_id":%q,"step_order":1,"content":"scoped\n"}`, f.job.ID))

	select {
	case raw := <-sub.C:
		var frame map[string]interface{}
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("bad published frame: %v", err)
		}
		if frame["content"] != "scoped\n" {
			t.Errorf("published frame: %v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame on the per-job topic")
	}
}

func TestJobCompleteFinishesJob(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	conn.in <- []byte(fmt.Sprintf(`{"type":"job_complete","job_id":%q,"status":"success"}`, f.job.ID))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j, _ := f.memory.Job(f.job.ID); j.Status == store.StatusSuccess {
			e, _ := f.memory.Execution(f.exec.ID)
			if e.Status != store.StatusSuccess {
				t.Errorf("execution status: %s", e.Status)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never finished")
}

func TestJobCompleteTimeoutIsTerminal(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	conn.in <- []byte(fmt.Sprintf(`{"type":"job_complete","job_id":%q,"status":"timeout"}`, f.job.ID))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j, _ := f.memory.Job(f.job.ID); j.Status == store.StatusTimeout {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout completion was not accepted")
}

func TestUnknownTypeGetsErrorFrame(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	conn.in <- []byte(`{"type":"teleport"}`)
	frame := conn.waitFor(t, TypeError)
	if frame["message"] == "" {
		t.Errorf("error frame without message: %v", frame)
	}
}

func TestMalformedJSONGetsErrorFrame(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	conn.in <- []byte(`{not json`)
	conn.waitFor(t, TypeError)
}

func TestForeignJobReportRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	// A job that exists but belongs to no runner.
	stray := &store.Job{ID: uuid.New(), ExecutionID: f.exec.ID, TenantID: f.job.TenantID, Key: "stray", Status: store.StatusQueued}
	e2 := &store.Execution{ID: uuid.New(), PipelineID: f.exec.PipelineID, TenantID: f.job.TenantID, Status: store.StatusQueued}
	stray.ExecutionID = e2.ID
	if err := f.memory.CreateExecution(e2, []*store.Job{stray}, nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	conn.in <- []byte(fmt.Sprintf(`{"type":"log","job_id":%q,"step_order":1,"content":"x"}`, stray.ID))
	conn.waitFor(t, TypeError)
	if chunks, _ := f.memory.ChunksByJob(stray.ID); len(chunks) != 0 {
		t.Error("chunk for unowned job must not be stored")
	}
}

func TestDispatchAndCancelThroughRegistry(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	if err := f.registry.DispatchJob(f.runner.ID, f.job); err != nil {
		t.Fatalf("DispatchJob: %v", err)
	}
	frame := conn.waitFor(t, TypeJobAssignment)
	jobPayload, ok := frame["job"].(map[string]interface{})
	if !ok || jobPayload["id"] != f.job.ID.String() {
		t.Errorf("assignment frame: %v", frame)
	}
	steps, ok := jobPayload["steps"].([]interface{})
	if !ok || len(steps) != 1 {
		t.Errorf("assignment steps: %v", jobPayload["steps"])
	}
	mat, ok := jobPayload["secrets_materialized"].(map[string]interface{})
	if !ok || mat["DEPLOY_TOKEN"] != "s3cr3t-value" {
		t.Errorf("secrets not materialized in assignment: %v", jobPayload["secrets_materialized"])
	}

	if err := f.registry.CancelJob(f.runner.ID, f.job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	cancel := conn.waitFor(t, TypeJobCancel)
	if cancel["job_id"] != f.job.ID.String() {
		t.Errorf("cancel frame: %v", cancel)
	}
}

func TestDispatchWithoutSessionFails(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.DispatchJob(f.runner.ID, f.job); err == nil {
		t.Error("dispatch without a session should fail")
	}
}

func TestStatusUpdateMarksStep(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	conn.in <- []byte(fmt.Sprintf(`{"type":"status_update","job_id":%q,"step_order":1,"status":"running"}`, f.job.ID))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		steps, _ := f.memory.Steps(f.job.ID)
		if len(steps) == 1 && steps[0].Status == store.StatusRunning {
			j, _ := f.memory.Job(f.job.ID)
			if j.Status != store.StatusRunning {
				t.Errorf("job should be running, got %s", j.Status)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("step never marked running")
}
