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
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mcihq/mci/auth"
	"github.com/mcihq/mci/bus"
	"github.com/mcihq/mci/plan"
	"github.com/mcihq/mci/secrets"
	"github.com/mcihq/mci/store"
)

// Registry tracks live runner sessions and implements the scheduler's
// dispatcher: a job can only be delivered to a runner with an open
// session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	store   store.Store
	planner *plan.Planner
	bus     bus.Bus
	keyring *secrets.Keyring
	logger  *logrus.Entry

	upgrader websocket.Upgrader

	// HeartbeatInterval is advertised to runners in the connected frame.
	HeartbeatInterval time.Duration
}

// NewRegistry returns an empty session registry. The keyring decrypts
// pipeline secrets into job assignments.
func NewRegistry(s store.Store, p *plan.Planner, b bus.Bus, k *secrets.Keyring) *Registry {
	return &Registry{
		sessions:          map[uuid.UUID]*Session{},
		store:             s,
		planner:           p,
		bus:               b,
		keyring:           k,
		HeartbeatInterval: 30 * time.Second,
		logger:            logrus.WithField("component", "session-registry"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Runners authenticate with their token; origin checks are
			// a browser concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades GET /ws/runner/{runner_id}?token=... into a
// runner session. The token's hash must match the registered runner.
func (reg *Registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runnerID, err := uuid.Parse(mux.Vars(r)["runner_id"])
	if err != nil {
		http.Error(w, "invalid runner id", http.StatusBadRequest)
		return
	}
	runner, err := reg.authenticate(runnerID, r.URL.Query().Get("token"))
	if err != nil {
		reg.logger.WithError(err).WithField("runner", runnerID).Warning("Rejected runner connection.")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := reg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		reg.logger.WithError(err).Warning("WebSocket upgrade failed.")
		return
	}
	reg.serve(runner, conn)
}

// authenticate verifies the presented token against the stored hash.
func (reg *Registry) authenticate(runnerID uuid.UUID, token string) (*store.Runner, error) {
	if token == "" {
		return nil, errors.New("missing token")
	}
	runner, err := reg.store.Runner(runnerID)
	if err != nil {
		return nil, err
	}
	if !auth.VerifyToken(token, runner.TokenHash) {
		return nil, errors.New("token mismatch")
	}
	return runner, nil
}

// serve runs a verified connection to completion. Exported through
// ServeHTTP; tests drive it with a fake Conn.
func (reg *Registry) serve(runner *store.Runner, conn Conn) {
	sess := newSession(runner, conn, reg.store, reg.planner, reg.bus)
	sess.heartbeatInterval = reg.HeartbeatInterval
	reg.register(sess)
	defer reg.unregister(sess)

	if err := reg.store.Heartbeat(runner.ID, store.HeartbeatUpdate{At: time.Now(), CurrentJobs: -1}); err != nil {
		reg.logger.WithError(err).Warning("Failed to mark runner online.")
	}
	sess.run()
}

func (reg *Registry) register(s *Session) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if old, ok := reg.sessions[s.runnerID]; ok {
		// A reconnect replaces the previous session.
		if err := old.conn.Close(); err != nil {
			reg.logger.WithError(err).Debug("Failed to close replaced session.")
		}
	}
	reg.sessions[s.runnerID] = s
	reg.logger.WithField("runner", s.runnerID).Info("Runner connected.")
}

func (reg *Registry) unregister(s *Session) {
	reg.mu.Lock()
	if reg.sessions[s.runnerID] == s {
		delete(reg.sessions, s.runnerID)
	}
	reg.mu.Unlock()

	// The scheduler's offline sweep requeues the runner's jobs if it
	// does not come back before the heartbeat window closes.
	runner, err := reg.store.Runner(s.runnerID)
	if err == nil {
		runner.Status = store.RunnerOffline
		if err := reg.store.UpdateRunner(runner); err != nil {
			reg.logger.WithError(err).Warning("Failed to mark runner offline.")
		}
	}
	reg.logger.WithField("runner", s.runnerID).Info("Runner disconnected.")
}

// session returns the live session for a runner.
func (reg *Registry) session(runnerID uuid.UUID) (*Session, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	s, ok := reg.sessions[runnerID]
	return s, ok
}

// Connected reports whether the runner has a live session.
func (reg *Registry) Connected(runnerID uuid.UUID) bool {
	_, ok := reg.session(runnerID)
	return ok
}

// DispatchJob sends a job_assignment frame to the runner's session,
// with the pipeline's secrets decrypted into the payload.
func (reg *Registry) DispatchJob(runnerID uuid.UUID, job *store.Job) error {
	sess, ok := reg.session(runnerID)
	if !ok {
		return errors.Errorf("runner %s has no live session", runnerID)
	}
	steps, err := reg.store.Steps(job.ID)
	if err != nil {
		return errors.Wrap(err, "loading steps")
	}
	materialized, err := reg.materializeSecrets(job)
	if err != nil {
		return errors.Wrap(err, "materializing secrets")
	}
	return sess.send(assignmentFor(job, steps, materialized))
}

// materializeSecrets decrypts the secrets of the job's pipeline. The
// plaintext lives only in the assignment frame.
func (reg *Registry) materializeSecrets(job *store.Job) (map[string]string, error) {
	if reg.keyring == nil {
		return nil, nil
	}
	exec, err := reg.store.Execution(job.ExecutionID)
	if err != nil {
		return nil, errors.Wrap(err, "loading execution")
	}
	stored, err := reg.store.SecretsForPipeline(exec.TenantID, exec.PipelineID)
	if err != nil {
		return nil, errors.Wrap(err, "loading secrets")
	}
	if len(stored) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(stored))
	for _, sec := range stored {
		plain, err := reg.keyring.Open(exec.TenantID, sec.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "decrypting secret %q", sec.Name)
		}
		out[sec.Name] = string(plain)
	}
	return out, nil
}

// CancelJob sends a job_cancel frame to the runner's session.
func (reg *Registry) CancelJob(runnerID, jobID uuid.UUID) error {
	sess, ok := reg.session(runnerID)
	if !ok {
		return errors.Errorf("runner %s has no live session", runnerID)
	}
	return sess.send(JobCancelMessage{Type: TypeJobCancel, JobID: jobID.String()})
}
