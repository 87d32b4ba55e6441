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

package logstream

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mcihq/mci/auth"
	"github.com/mcihq/mci/bus"
	"github.com/mcihq/mci/store"
)

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
	memory  *store.Memory
	bus     *bus.InProcess
	handler *Handler
	exec    *store.Execution
	job     *store.Job
	tenant  *store.Tenant
	issuer  *auth.JWTIssuer
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
	exec := &store.Execution{ID: uuid.New(), PipelineID: pl.ID, TenantID: tenant.ID, Status: store.StatusRunning}
	job := &store.Job{ID: uuid.New(), ExecutionID: exec.ID, TenantID: tenant.ID, Key: "build", Status: store.StatusRunning}
	if err := m.CreateExecution(exec, []*store.Job{job}, nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	b := bus.NewInProcess()
	t.Cleanup(func() { b.Close() })
	issuer, err := auth.NewJWTIssuer([]byte("signing-key"))
	if err != nil {
		t.Fatalf("NewJWTIssuer: %v", err)
	}
	return &fixture{
		memory:  m,
		bus:     b,
		handler: NewHandler(m, b, issuer),
		exec:    exec,
		job:     job,
		tenant:  tenant,
		issuer:  issuer,
	}
}

func (f *fixture) appendChunks(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		c := &store.LogChunk{JobID: f.job.ID, StepOrder: 1, Content: fmt.Sprintf("line %d\n", i)}
		if err := f.memory.AppendChunk(c); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}
}

func (f *fixture) stream(t *testing.T) *fakeConn {
	return f.streamJob(t, nil)
}

// streamJob opens a connection scoped to one job, or the whole
// execution when jobID is nil.
func (f *fixture) streamJob(t *testing.T, jobID *uuid.UUID) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.stream(conn, f.exec.ID, jobID)
	}()
	t.Cleanup(func() {
		conn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("stream did not stop")
		}
	})
	return conn
}

func TestHistoryThenMarker(t *testing.T) {
	f := newFixture(t)
	f.appendChunks(t, 3)
	conn := f.stream(t)

	marker := conn.waitFor(t, "history_complete")
	if marker["count"] != float64(3) {
		t.Errorf("history_complete count: %v", marker["count"])
	}

	frames := conn.frames(t)
	var history []map[string]interface{}
	for _, fr := range frames {
		if fr["type"] == "history" {
			history = append(history, fr)
		}
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history frames, got %d", len(history))
	}
	for i, fr := range history {
		if fr["chunk_number"] != float64(i+1) {
			t.Errorf("history frame %d out of order: %v", i, fr)
		}
	}
	// The marker comes after the last history frame.
	lastHistory := -1
	markerIdx := -1
	for i, fr := range frames {
		switch fr["type"] {
		case "history":
			lastHistory = i
		case "history_complete":
			markerIdx = i
		}
	}
	if markerIdx < lastHistory {
		t.Error("history_complete arrived before the backlog finished")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFixture(t)
	f.appendChunks(t, HistoryLimit+50)
	conn := f.stream(t)

	marker := conn.waitFor(t, "history_complete")
	if marker["count"] != float64(HistoryLimit) {
		t.Errorf("history_complete count: %v, want %d", marker["count"], HistoryLimit)
	}
	// The newest window survives: the first replayed chunk is number 51.
	for _, fr := range conn.frames(t) {
		if fr["type"] == "history" {
			if fr["chunk_number"] != float64(51) {
				t.Errorf("first history chunk: %v, want 51", fr["chunk_number"])
			}
			break
		}
	}
}

func TestLiveFramesAfterHistory(t *testing.T) {
	f := newFixture(t)
	conn := f.stream(t)
	conn.waitFor(t, "history_complete")

	live, _ := json.Marshal(map[string]interface{}{
		"type":         "log",
		"job_id":       f.job.ID.String(),
		"step_order":   1,
		"chunk_number": 1,
		"content":      "live line\n",
	})
	if err := f.bus.Publish(bus.LogTopic(f.exec.ID), live); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	frame := conn.waitFor(t, "log")
	if frame["content"] != "live line\n" {
		t.Errorf("live frame: %v", frame)
	}
}

func TestJobScopedStreamFiltersHistory(t *testing.T) {
	f := newFixture(t)
	e2 := &store.Execution{ID: uuid.New(), PipelineID: f.exec.PipelineID, TenantID: f.tenant.ID, Status: store.StatusRunning}
	build := &store.Job{ID: uuid.New(), ExecutionID: e2.ID, TenantID: f.tenant.ID, Key: "build", Status: store.StatusRunning}
	test := &store.Job{ID: uuid.New(), ExecutionID: e2.ID, TenantID: f.tenant.ID, Key: "test", Status: store.StatusRunning}
	if err := f.memory.CreateExecution(e2, []*store.Job{build, test}, nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	for _, j := range []*store.Job{build, test} {
		c := &store.LogChunk{JobID: j.ID, StepOrder: 1, Content: j.Key + " output\n"}
		if err := f.memory.AppendChunk(c); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}

	f.exec = e2
	conn := f.streamJob(t, &build.ID)
	marker := conn.waitFor(t, "history_complete")
	if marker["count"] != float64(1) {
		t.Errorf("history_complete count: %v, want 1", marker["count"])
	}
	for _, fr := range conn.frames(t) {
		if fr["type"] == "history" && fr["job_id"] != build.ID.String() {
			t.Errorf("history leaked another job's chunk: %v", fr)
		}
	}

	// Live chunks arrive on the per-job topic.
	live, _ := json.Marshal(map[string]interface{}{
		"type":         "log",
		"job_id":       build.ID.String(),
		"step_order":   1,
		"chunk_number": 2,
		"content":      "more\n",
	})
	if err := f.bus.Publish(bus.JobLogTopic(build.ID), live); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	frame := conn.waitFor(t, "log")
	if frame["content"] != "more\n" {
		t.Errorf("live frame: %v", frame)
	}
}

func TestStatusEventsRideTheStream(t *testing.T) {
	f := newFixture(t)
	conn := f.stream(t)
	conn.waitFor(t, "history_complete")

	event, _ := json.Marshal(map[string]interface{}{
		"type":   "job_complete",
		"job_id": f.job.ID.String(),
		"status": "success",
	})
	if err := f.bus.Publish(bus.EventTopic(f.exec.ID), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	frame := conn.waitFor(t, "job_complete")
	if frame["status"] != "success" {
		t.Errorf("event frame: %v", frame)
	}
}

func TestPingPong(t *testing.T) {
	f := newFixture(t)
	conn := f.stream(t)
	conn.waitFor(t, "history_complete")

	conn.in <- []byte(`{"type":"ping"}`)
	conn.waitFor(t, "pong")
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	pair, err := f.issuer.IssuePair("user-1", f.tenant.ID)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if _, err := f.handler.authorize(f.exec.ID, pair.AccessToken); err != nil {
		t.Errorf("owner should be authorized: %v", err)
	}

	// A token for another tenant is rejected.
	foreign, err := f.issuer.IssuePair("user-2", uuid.New())
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if _, err := f.handler.authorize(f.exec.ID, foreign.AccessToken); err == nil {
		t.Error("foreign tenant should be rejected")
	}

	if _, err := f.handler.authorize(f.exec.ID, "garbage"); err == nil {
		t.Error("invalid token should be rejected")
	}
}
