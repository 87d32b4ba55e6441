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

// Package hook receives repository webhooks and turns matching events
// into pipeline executions.
package hook

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mcihq/mci/config"
	"github.com/mcihq/mci/github"
	"github.com/mcihq/mci/plan"
	"github.com/mcihq/mci/store"
	"github.com/mcihq/mci/trigger"
)

// Server implements http.Handler. It validates incoming webhooks and
// creates executions for every registered pipeline whose triggers
// match. Signature validation is per pipeline, each one carries its
// own webhook secret.
type Server struct {
	Store   store.Store
	Planner *plan.Planner
	Metrics *Metrics

	// FallbackSecret validates webhooks for pipelines that have no
	// secret of their own.
	FallbackSecret string
}

// Response is the body returned for an accepted webhook.
type Response struct {
	Message             string      `json:"message,omitempty"`
	ExecutionsTriggered int         `json:"executions_triggered"`
	ExecutionIDs        []uuid.UUID `json:"execution_ids,omitempty"`
}

// ServeHTTP validates an incoming webhook and triggers executions.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType, eventGUID, payload, ok := validateRequest(w, r)
	if !ok {
		return
	}

	l := logrus.WithFields(logrus.Fields{
		"event-type":     eventType,
		github.EventGUID: eventGUID,
	})
	// We don't want to fail the webhook due to a metrics error.
	if counter, err := s.Metrics.WebhookCounter.GetMetricWithLabelValues(eventType); err != nil {
		l.WithError(err).Warn("Failed to get metric for eventType " + eventType)
	} else {
		counter.Inc()
	}

	event, err := github.ParseEvent(eventType, eventGUID, payload)
	if err != nil {
		http.Error(w, "400 Bad Request: Malformed payload", http.StatusBadRequest)
		return
	}
	if _, isPing := event.(*github.PingEvent); isPing {
		writeResponse(w, Response{Message: "pong"})
		return
	}
	if event == nil {
		writeResponse(w, Response{Message: fmt.Sprintf("ignoring event type %q", eventType)})
		return
	}

	var repo github.Repo
	switch e := event.(type) {
	case *github.PushEvent:
		repo = e.Repo
	case *github.PullRequestEvent:
		repo = e.Repo
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	ids, unverified := s.trigger(l, eventType, sig, payload, repo, event)
	if unverified {
		http.Error(w, "401 Unauthorized: Invalid signature", http.StatusUnauthorized)
		return
	}
	writeResponse(w, Response{ExecutionsTriggered: len(ids), ExecutionIDs: ids})
}

// validateRequest ensures the request conforms to the webhook format.
// It returns the event type, the event guid, the payload and whether
// the request is valid. GET is a health check and returns 200.
func validateRequest(w http.ResponseWriter, r *http.Request) (string, string, []byte, bool) {
	defer r.Body.Close()

	if r.Method == http.MethodGet {
		fmt.Fprint(w, "ok")
		return "", "", nil, false
	}
	if r.Method != http.MethodPost {
		http.Error(w, "405 Method not allowed", http.StatusMethodNotAllowed)
		return "", "", nil, false
	}
	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		http.Error(w, "400 Bad Request: Missing X-GitHub-Event Header", http.StatusBadRequest)
		return "", "", nil, false
	}
	eventGUID := r.Header.Get("X-GitHub-Delivery")
	if eventGUID == "" {
		http.Error(w, "400 Bad Request: Missing X-GitHub-Delivery Header", http.StatusBadRequest)
		return "", "", nil, false
	}
	if contentType := r.Header.Get("content-type"); contentType != "application/json" {
		http.Error(w, "400 Bad Request: Hook only accepts content-type: application/json", http.StatusBadRequest)
		return "", "", nil, false
	}
	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "500 Internal Server Error: Failed to read request body", http.StatusInternalServerError)
		return "", "", nil, false
	}
	return eventType, eventGUID, payload, true
}

// trigger creates an execution for every matching pipeline. A failure
// in one pipeline never blocks the others. The second return is true
// when pipelines are registered for the repository but the signature
// verified against none of them.
func (s *Server) trigger(l *logrus.Entry, eventType, sig string, payload []byte, repo github.Repo, event interface{}) ([]uuid.UUID, bool) {
	pipelines, err := s.Store.PipelinesByRepo(repoURLVariants(repo))
	if err != nil {
		l.WithError(err).Error("Failed to look up pipelines for repository.")
		return nil, false
	}

	verified := false
	var ids []uuid.UUID
	for _, pl := range pipelines {
		log := l.WithField("pipeline", pl.Slug)
		secret := pl.WebhookSecret
		if secret == "" {
			secret = s.FallbackSecret
		}
		if !github.ValidatePayload(payload, sig, []byte(secret)) {
			log.Warn("Webhook signature does not match the pipeline secret.")
			continue
		}
		verified = true
		cv, err := s.Store.LatestConfig(pl.ID)
		if err != nil {
			log.WithError(err).Debug("Pipeline has no config.")
			continue
		}
		if !cv.IsValid {
			log.Debug("Latest config is invalid, skipping.")
			continue
		}
		cfg, parseErrs := config.Parse([]byte(cv.RawYAML))
		if len(parseErrs) > 0 {
			log.WithField("errors", parseErrs).Warn("Stored config no longer parses.")
			continue
		}
		if !trigger.Matches(cfg.On, event) {
			continue
		}
		exec, err := s.Planner.CreateExecution(pl, cv, triggerInfo(eventType, event))
		if err != nil {
			log.WithError(err).Error("Failed to create execution.")
			continue
		}
		log.WithField("execution", exec.Number).Info("Created execution from webhook.")
		ids = append(ids, exec.ID)
		if counter, err := s.Metrics.ExecutionCounter.GetMetricWithLabelValues(eventType); err == nil {
			counter.Inc()
		}
	}
	return ids, len(pipelines) > 0 && !verified
}

// triggerInfo records what caused the execution.
func triggerInfo(eventType string, event interface{}) store.TriggerInfo {
	trig := store.TriggerInfo{Event: eventType}
	switch e := event.(type) {
	case *github.PushEvent:
		trig.Ref = e.Ref
		trig.Branch = e.Branch()
		trig.Tag = e.Tag()
		trig.SHA = e.SHA()
		trig.Actor = e.Sender.Login
		if e.HeadCommit != nil {
			trig.Message = e.HeadCommit.Message
		}
		if e.IsTag() {
			trig.Branch = ""
		}
	case *github.PullRequestEvent:
		trig.Ref = fmt.Sprintf("refs/pull/%d/head", e.Number)
		trig.Branch = e.HeadBranch()
		trig.SHA = e.HeadSHA()
		trig.Actor = e.Sender.Login
		trig.Message = e.PullRequest.Title
	}
	return trig
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logrus.WithError(err).Error("Failed to encode webhook response.")
	}
}
