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

// Package session speaks the runner WebSocket protocol: one session
// per connected runner, carrying heartbeats, job dispatch, log chunks
// and completion reports.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mcihq/mci/artifacts"
	"github.com/mcihq/mci/bus"
	"github.com/mcihq/mci/plan"
	"github.com/mcihq/mci/store"
)

// Conn is the subset of *websocket.Conn a session needs; tests plug in
// a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// textMessage mirrors websocket.TextMessage without importing the
// package here; the registry asserts the value matches at upgrade.
const textMessage = 1

// Session is one connected runner.
type Session struct {
	runnerID uuid.UUID
	tenantID *uuid.UUID

	conn    Conn
	writeMu sync.Mutex

	heartbeatInterval time.Duration

	store   store.Store
	planner *plan.Planner
	bus     bus.Bus
	logger  *logrus.Entry
}

// newSession wires a session for a verified runner.
func newSession(r *store.Runner, conn Conn, s store.Store, p *plan.Planner, b bus.Bus) *Session {
	return &Session{
		runnerID: r.ID,
		tenantID: r.TenantID,
		conn:     conn,
		store:    s,
		planner:  p,
		bus:      b,
		logger:   logrus.WithFields(logrus.Fields{"component": "session", "runner": r.ID}),
	}
}

// send marshals and writes one frame. Sessions serialize writes; the
// scheduler and the read loop both send.
func (s *Session) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding frame")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(textMessage, data)
}

func (s *Session) sendError(msg string) {
	if err := s.send(ErrorMessage{Type: TypeError, Message: msg}); err != nil {
		s.logger.WithError(err).Debug("Failed to send error frame.")
	}
}

// run reads frames until the connection drops.
func (s *Session) run() {
	connected := ConnectedMessage{
		Type:              TypeConnected,
		RunnerID:          s.runnerID.String(),
		HeartbeatInterval: int(s.heartbeatInterval / time.Second),
	}
	if err := s.send(connected); err != nil {
		s.logger.WithError(err).Warning("Failed to send connected frame.")
		return
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.WithError(err).Debug("Connection closed.")
			return
		}
		s.handle(data)
	}
}

// handle processes one inbound frame. Malformed JSON and unknown types
// get an error frame back; the session stays open.
func (s *Session) handle(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError("invalid JSON")
		return
	}
	switch env.Type {
	case TypeHeartbeat:
		s.handleHeartbeat(data)
	case TypeLog:
		s.handleLog(data)
	case TypeStatusUpdate:
		s.handleStatusUpdate(data)
	case TypeJobComplete:
		s.handleJobComplete(data)
	case TypeArtifactReady:
		s.handleArtifactReady(data)
	default:
		s.sendError("unknown message type: " + env.Type)
	}
}

func (s *Session) handleHeartbeat(data []byte) {
	var msg HeartbeatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("invalid heartbeat")
		return
	}
	hb := store.HeartbeatUpdate{At: time.Now(), CurrentJobs: -1}
	if msg.CurrentJobs != nil {
		hb.CurrentJobs = *msg.CurrentJobs
	}
	if msg.SystemInfo != nil {
		hb.Version = msg.SystemInfo.Version
		hb.OS = msg.SystemInfo.OS
		hb.Arch = msg.SystemInfo.Arch
	}
	if err := s.store.Heartbeat(s.runnerID, hb); err != nil {
		s.logger.WithError(err).Error("Failed to record heartbeat.")
		return
	}
	if err := s.send(HeartbeatAckMessage{Type: TypeHeartbeatAck}); err != nil {
		s.logger.WithError(err).Debug("Failed to ack heartbeat.")
	}
}

func (s *Session) handleLog(data []byte) {
	var msg LogMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("invalid log message")
		return
	}
	jobID, job, ok := s.ownedJob(msg.JobID)
	if !ok {
		return
	}
	level := msg.Level
	if level == "" {
		level = "info"
	}
	chunk := &store.LogChunk{
		JobID:     jobID,
		StepOrder: msg.StepOrder,
		Content:   msg.Content,
		Level:     level,
	}
	if err := s.store.AppendChunk(chunk); err != nil {
		s.logger.WithError(err).Error("Failed to store log chunk.")
		return
	}
	// Live subscribers get the chunk with its assigned number so they
	// can splice it after the history backlog.
	frame, err := json.Marshal(map[string]interface{}{
		"type":         "log",
		"job_id":       msg.JobID,
		"step_order":   chunk.StepOrder,
		"chunk_number": chunk.ChunkNumber,
		"content":      chunk.Content,
		"level":        chunk.Level,
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode log frame.")
		return
	}
	// Execution-wide and per-job subscribers each get the chunk.
	if err := s.bus.Publish(bus.LogTopic(job.ExecutionID), frame); err != nil {
		s.logger.WithError(err).Debug("Failed to publish log chunk.")
	}
	if err := s.bus.Publish(bus.JobLogTopic(jobID), frame); err != nil {
		s.logger.WithError(err).Debug("Failed to publish log chunk.")
	}
}

func (s *Session) handleStatusUpdate(data []byte) {
	var msg StatusUpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("invalid status update")
		return
	}
	jobID, job, ok := s.ownedJob(msg.JobID)
	if !ok {
		return
	}
	if msg.Status == string(store.StatusRunning) && msg.StepOrder <= 1 {
		if err := s.planner.OnJobStarted(jobID); err != nil {
			s.logger.WithError(err).Warning("Failed to mark job running.")
		}
	}
	steps, err := s.store.Steps(jobID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load steps.")
		return
	}
	now := time.Now()
	for _, step := range steps {
		if step.Order != msg.StepOrder {
			continue
		}
		step.Status = store.Status(msg.Status)
		step.ExitCode = msg.ExitCode
		switch {
		case step.Status == store.StatusRunning:
			step.StartedAt = &now
		case step.Status.Terminal():
			step.FinishedAt = &now
		}
		if err := s.store.UpdateStep(step); err != nil {
			s.logger.WithError(err).Error("Failed to update step.")
		}
		break
	}
	s.publishEvent(job.ExecutionID, map[string]interface{}{
		"type":       "status_update",
		"job_id":     msg.JobID,
		"step_order": msg.StepOrder,
		"status":     msg.Status,
	})
}

func (s *Session) handleJobComplete(data []byte) {
	var msg JobCompleteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("invalid job completion")
		return
	}
	jobID, job, ok := s.ownedJob(msg.JobID)
	if !ok {
		return
	}
	status := store.Status(msg.Status)
	if !status.Terminal() {
		s.sendError("job_complete status must be terminal")
		return
	}
	if err := s.planner.OnJobFinished(jobID, status); err != nil {
		s.logger.WithError(err).Error("Failed to finish job.")
		return
	}
	s.publishEvent(job.ExecutionID, map[string]interface{}{
		"type":   "job_complete",
		"job_id": msg.JobID,
		"status": msg.Status,
	})
}

func (s *Session) handleArtifactReady(data []byte) {
	var msg ArtifactReadyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("invalid artifact message")
		return
	}
	jobID, job, ok := s.ownedJob(msg.JobID)
	if !ok {
		return
	}
	artifact := &store.Artifact{
		TenantID:    job.TenantID,
		ExecutionID: job.ExecutionID,
		JobID:       jobID,
		Name:        msg.Name,
		Path:        msg.Path,
		SizeBytes:   msg.SizeBytes,
		ContentType: msg.ContentType,
		ExpiresAt:   time.Now().Add(artifacts.DefaultRetention),
	}
	if err := s.store.CreateArtifact(artifact); err != nil {
		s.logger.WithError(err).Error("Failed to record artifact.")
	}
}

// ownedJob parses a job id and checks the job is assigned to this
// runner. Reports from runners that do not own the job are dropped
// with an error frame.
func (s *Session) ownedJob(raw string) (uuid.UUID, *store.Job, bool) {
	jobID, err := uuid.Parse(raw)
	if err != nil {
		s.sendError("invalid job id")
		return uuid.Nil, nil, false
	}
	job, err := s.store.Job(jobID)
	if err != nil {
		s.sendError("unknown job")
		return uuid.Nil, nil, false
	}
	if job.RunnerID == nil || *job.RunnerID != s.runnerID {
		s.sendError("job is not assigned to this runner")
		return uuid.Nil, nil, false
	}
	return jobID, job, true
}

func (s *Session) publishEvent(executionID uuid.UUID, payload map[string]interface{}) {
	frame, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode event.")
		return
	}
	if err := s.bus.Publish(bus.EventTopic(executionID), frame); err != nil {
		s.logger.WithError(err).Debug("Failed to publish event.")
	}
}

// assignmentFor renders the dispatch payload for a job, including the
// decrypted secrets the job's steps may reference.
func assignmentFor(job *store.Job, steps []*store.Step, secrets map[string]string) JobAssignmentMessage {
	out := JobAssignmentMessage{
		Type: TypeJobAssignment,
		Job: AssignedJob{
			ID:             job.ID.String(),
			ExecutionID:    job.ExecutionID.String(),
			Name:           job.Name,
			RunsOn:         job.RunsOn,
			Env:            job.Env,
			Matrix:         job.MatrixCombo,
			Container:      assignedContainer(job.Container),
			Secrets:        secrets,
			TimeoutSeconds: int(job.Timeout / time.Second),
		},
	}
	if len(job.Services) > 0 {
		out.Job.Services = make(map[string]AssignedContainer, len(job.Services))
		for name, svc := range job.Services {
			sc := svc
			out.Job.Services[name] = *assignedContainer(&sc)
		}
	}
	for _, st := range steps {
		out.Job.Steps = append(out.Job.Steps, AssignedStep{
			Order:            st.Order,
			Name:             st.Name,
			Run:              st.Run,
			Uses:             st.Uses,
			With:             st.With,
			Env:              st.Env,
			Shell:            st.Shell,
			WorkingDirectory: st.WorkingDirectory,
			If:               st.Condition,
			ContinueOnError:  st.ContinueOnError,
			TimeoutSeconds:   int(st.Timeout / time.Second),
		})
	}
	return out
}

func assignedContainer(c *store.ContainerSpec) *AssignedContainer {
	if c == nil {
		return nil
	}
	return &AssignedContainer{
		Image:       c.Image,
		Credentials: c.Credentials,
		Env:         c.Env,
		Ports:       c.Ports,
		Volumes:     c.Volumes,
		Options:     c.Options,
	}
}
