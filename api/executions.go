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

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mcihq/mci/config"
	"github.com/mcihq/mci/store"
)

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.pipelineFromPath(w, r)
	if !ok {
		return
	}
	execs, err := s.Store.ListExecutions(pl.ID)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	resp := make([]executionResp, 0, len(execs))
	for _, e := range execs {
		resp = append(resp, toExecutionResp(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetExecution returns the execution with its jobs and steps.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, ok := s.executionFromPath(w, r)
	if !ok {
		return
	}
	resp := toExecutionResp(e)
	jobs, err := s.Store.JobsByExecution(e.ID)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	for _, j := range jobs {
		jr := toJobResp(j)
		steps, err := s.Store.Steps(j.ID)
		if err == nil {
			for _, st := range steps {
				jr.Steps = append(jr.Steps, toStepResp(st))
			}
		}
		resp.Jobs = append(resp.Jobs, jr)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	e, ok := s.executionFromPath(w, r)
	if !ok {
		return
	}
	if e.Status.Terminal() {
		writeError(w, http.StatusConflict, "execution already finished")
		return
	}
	if err := s.Planner.CancelExecution(e.ID); err != nil {
		notFoundOr500(w, err)
		return
	}
	updated, err := s.Store.Execution(e.ID)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResp(updated))
}

// handleDispatch triggers a manual workflow_dispatch execution.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.pipelineFromPath(w, r)
	if !ok {
		return
	}
	var req struct {
		Inputs map[string]interface{} `json:"inputs"`
	}
	if r.Body != nil {
		// An empty body means no inputs.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	cv, err := s.Store.LatestConfig(pl.ID)
	if err != nil {
		writeError(w, http.StatusConflict, "pipeline has no configuration")
		return
	}
	if !cv.IsValid {
		writeError(w, http.StatusConflict, "latest configuration is invalid")
		return
	}
	cfg, parseErrs := config.Parse([]byte(cv.RawYAML))
	if len(parseErrs) > 0 {
		writeError(w, http.StatusConflict, "latest configuration is invalid")
		return
	}
	if cfg.On.WorkflowDispatch == nil {
		writeError(w, http.StatusBadRequest, "pipeline has no workflow_dispatch trigger")
		return
	}
	inputs, err := resolveDispatchInputs(cfg.On.WorkflowDispatch, req.Inputs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trig := store.TriggerInfo{
		Event:  "workflow_dispatch",
		Branch: pl.DefaultBranch,
		Ref:    "refs/heads/" + pl.DefaultBranch,
		Actor:  "api",
		Inputs: inputs,
	}
	exec, err := s.Planner.CreateExecution(pl, cv, trig)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExecutionResp(exec))
}

// resolveDispatchInputs validates provided inputs against the config
// declaration and applies defaults.
func resolveDispatchInputs(wd *config.WorkflowDispatch, provided map[string]interface{}) (map[string]interface{}, error) {
	resolved := map[string]interface{}{}
	for name, value := range provided {
		decl, ok := wd.Inputs[name]
		if !ok {
			return nil, fmt.Errorf("unknown input %q", name)
		}
		if decl.Type == "choice" {
			str, isStr := value.(string)
			if !isStr {
				return nil, fmt.Errorf("input %q must be one of its options", name)
			}
			found := false
			for _, opt := range decl.Options {
				if opt == str {
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("input %q must be one of %v", name, decl.Options)
			}
		}
		resolved[name] = value
	}
	for name, decl := range wd.Inputs {
		if _, ok := resolved[name]; ok {
			continue
		}
		if decl.Default != nil {
			resolved[name] = decl.Default
			continue
		}
		if decl.Required {
			return nil, fmt.Errorf("input %q is required", name)
		}
	}
	return resolved, nil
}

// executionFromPath loads the execution named in the path and checks
// it belongs to the request tenant.
func (s *Server) executionFromPath(w http.ResponseWriter, r *http.Request) (*store.Execution, bool) {
	tn := tenantFrom(r)
	id, ok := pathID(r, "execution_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return nil, false
	}
	e, err := s.Store.Execution(id)
	if err != nil || e.TenantID != tn.ID {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return e, true
}
