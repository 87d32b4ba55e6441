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

// Package logstream serves live execution logs over WebSocket: a
// bounded history backlog, a completion marker, then the live feed.
package logstream

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mcihq/mci/auth"
	"github.com/mcihq/mci/bus"
	"github.com/mcihq/mci/store"
)

// HistoryLimit caps how many stored chunks are replayed to a new
// subscriber. Older output stays in the store and the REST API.
const HistoryLimit = 1000

const textMessage = 1

// Conn is the subset of *websocket.Conn the stream needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Handler upgrades authenticated clients onto an execution's log feed.
type Handler struct {
	store    store.Store
	bus      bus.Bus
	issuer   *auth.JWTIssuer
	logger   *logrus.Entry
	upgrader websocket.Upgrader
}

// NewHandler returns a log stream handler.
func NewHandler(s store.Store, b bus.Bus, issuer *auth.JWTIssuer) *Handler {
	return &Handler{
		store:  s,
		bus:    b,
		issuer: issuer,
		logger: logrus.WithField("component", "logstream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws/executions/{execution_id}/logs?token=...
// and the job-scoped GET /ws/executions/{execution_id}/logs/{job_id}.
// The token must belong to the execution's tenant.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	executionID, err := uuid.Parse(vars["execution_id"])
	if err != nil {
		http.Error(w, "invalid execution id", http.StatusBadRequest)
		return
	}
	var jobID *uuid.UUID
	if raw, ok := vars["job_id"]; ok {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)
			return
		}
		job, err := h.store.Job(id)
		if err != nil || job.ExecutionID != executionID {
			http.Error(w, "unknown job", http.StatusNotFound)
			return
		}
		jobID = &id
	}
	exec, err := h.authorize(executionID, r.URL.Query().Get("token"))
	if err != nil {
		h.logger.WithError(err).WithField("execution", executionID).Warning("Rejected log stream client.")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warning("WebSocket upgrade failed.")
		return
	}
	h.stream(conn, exec.ID, jobID)
}

// authorize validates the token and checks tenant ownership of the
// execution.
func (h *Handler) authorize(executionID uuid.UUID, token string) (*store.Execution, error) {
	claims, err := h.issuer.VerifyAccess(token)
	if err != nil {
		return nil, err
	}
	exec, err := h.store.Execution(executionID)
	if err != nil {
		return nil, err
	}
	if claims.TenantID != exec.TenantID.String() {
		return nil, store.ErrNotFound
	}
	return exec, nil
}

// stream replays history and then forwards the live feed until the
// client goes away. A nil jobID streams the whole execution; a job ID
// narrows the log feed to that job. Status events of the execution
// ride the same connection. The live subscriptions open before the
// backlog is read so chunks appended during replay are not lost; the
// client dedupes on (job, step, chunk_number).
func (h *Handler) stream(conn Conn, executionID uuid.UUID, jobID *uuid.UUID) {
	defer conn.Close()
	log := h.logger.WithField("execution", executionID)

	logTopic := bus.LogTopic(executionID)
	if jobID != nil {
		logTopic = bus.JobLogTopic(*jobID)
	}
	sub := h.bus.Subscribe(logTopic)
	defer sub.Close()
	events := h.bus.Subscribe(bus.EventTopic(executionID))
	defer events.Close()

	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(textMessage, data)
	}

	if err := h.sendHistory(executionID, jobID, write); err != nil {
		log.WithError(err).Debug("Client gone during history replay.")
		return
	}

	// Reader goroutine: answers pings and detects disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.Type == "ping" {
				if err := write([]byte(`{"type":"pong"}`)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case frame, ok := <-sub.C:
			if !ok {
				return
			}
			if err := write(frame); err != nil {
				log.WithError(err).Debug("Client gone.")
				return
			}
		case frame, ok := <-events.C:
			if !ok {
				return
			}
			if err := write(frame); err != nil {
				log.WithError(err).Debug("Client gone.")
				return
			}
		}
	}
}

// sendHistory replays up to HistoryLimit stored chunks in (job, step,
// chunk) order, newest window, then marks the replay complete.
func (h *Handler) sendHistory(executionID uuid.UUID, jobID *uuid.UUID, write func([]byte) error) error {
	var chunks []*store.LogChunk
	var err error
	if jobID != nil {
		chunks, err = h.store.ChunksByJob(*jobID)
	} else {
		chunks, err = h.store.ChunksByExecution(executionID)
	}
	if err != nil {
		return err
	}
	if len(chunks) > HistoryLimit {
		chunks = chunks[len(chunks)-HistoryLimit:]
	}
	for _, c := range chunks {
		frame, err := json.Marshal(map[string]interface{}{
			"type":         "history",
			"job_id":       c.JobID.String(),
			"step_order":   c.StepOrder,
			"chunk_number": c.ChunkNumber,
			"content":      c.Content,
			"level":        c.Level,
		})
		if err != nil {
			return err
		}
		if err := write(frame); err != nil {
			return err
		}
	}
	complete, err := json.Marshal(map[string]interface{}{
		"type":  "history_complete",
		"count": len(chunks),
	})
	if err != nil {
		return err
	}
	return write(complete)
}
