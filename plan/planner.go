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

// Package plan turns a validated pipeline config plus a trigger into a
// stored execution with its job DAG, and drives the lifecycle of that
// DAG as jobs finish.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mcihq/mci/config"
	"github.com/mcihq/mci/matrix"
	"github.com/mcihq/mci/store"
)

// Canceller delivers job_cancel frames to runners. The session
// registry implements it.
type Canceller interface {
	CancelJob(runnerID, jobID uuid.UUID) error
}

// Planner creates executions and advances their job DAGs.
type Planner struct {
	store  store.Store
	logger *logrus.Entry

	// Canceller, when set, is told about every cancelled job that is
	// sitting on a runner. Delivery is best effort: a runner with no
	// live session learns about the cancel when it reconnects.
	Canceller Canceller
}

// NewPlanner returns a planner backed by the given store.
func NewPlanner(s store.Store) *Planner {
	return &Planner{
		store:  s,
		logger: logrus.WithField("component", "planner"),
	}
}

// CreateExecution materializes an execution for the pipeline from its
// latest valid config. Jobs are expanded per matrix combination in
// declaration order; jobs without dependencies start queued, the rest
// pending. Concurrency groups with cancel-in-progress cancel older
// active executions in the group; without it the new execution waits
// its turn.
func (p *Planner) CreateExecution(pl *store.Pipeline, cv *store.ConfigVersion, trig store.TriggerInfo) (*store.Execution, error) {
	if !cv.IsValid {
		return nil, errors.Errorf("config version %d of pipeline %s is not valid", cv.Version, pl.ID)
	}
	cfg, parseErrs := config.Parse([]byte(cv.RawYAML))
	if len(parseErrs) > 0 {
		return nil, errors.Errorf("config version %d failed to parse: %v", cv.Version, parseErrs)
	}

	exec := &store.Execution{
		ID:               uuid.New(),
		PipelineID:       pl.ID,
		TenantID:         pl.TenantID,
		ConfigVersionID:  cv.ID,
		Status:           store.StatusQueued,
		Trigger:          trig,
		ConcurrencyGroup: cfg.Concurrency.Group,
		CreatedAt:        time.Now(),
	}

	holdForGroup := false
	if cfg.Concurrency.Group != "" {
		active, err := p.store.ActiveInGroup(pl.ID, cfg.Concurrency.Group)
		if err != nil {
			return nil, errors.Wrap(err, "listing concurrency group")
		}
		if cfg.Concurrency.CancelInProgress {
			for _, old := range active {
				if err := p.CancelExecution(old.ID); err != nil {
					p.logger.WithError(err).WithField("execution", old.ID).Warning("Failed to cancel superseded execution.")
				}
			}
		} else if len(active) > 0 {
			holdForGroup = true
			exec.Status = store.StatusPending
		}
	}

	jobs, steps, err := p.expandJobs(exec, cfg, holdForGroup)
	if err != nil {
		return nil, err
	}
	if err := p.store.CreateExecution(exec, jobs, steps); err != nil {
		return nil, errors.Wrap(err, "storing execution")
	}
	now := exec.CreatedAt
	pl.LastExecutionAt = &now
	if err := p.store.UpdatePipeline(pl); err != nil {
		p.logger.WithError(err).WithField("pipeline", pl.ID).Warning("Failed to record last execution time.")
	}
	p.logger.WithFields(logrus.Fields{
		"pipeline":  pl.ID,
		"execution": exec.ID,
		"number":    exec.Number,
		"jobs":      len(jobs),
	}).Info("Created execution.")
	return exec, nil
}

// expandJobs builds the stored jobs and steps for every config job and
// matrix combination. When held for a concurrency group everything
// stays pending.
func (p *Planner) expandJobs(exec *store.Execution, cfg *config.Config, hold bool) ([]*store.Job, map[uuid.UUID][]*store.Step, error) {
	var jobs []*store.Job
	steps := map[uuid.UUID][]*store.Step{}
	created := time.Now()

	for _, key := range cfg.JobOrder {
		cj := cfg.Jobs[key]
		var m config.Matrix
		failFast := false
		if cj.Strategy != nil {
			m = cj.Strategy.Matrix
			failFast = cj.Strategy.FailFast
		}
		combos := matrix.Expand(m)
		if len(combos) > matrix.MaxCombinations {
			return nil, nil, errors.Errorf("job %q expands to %d combinations, limit is %d", key, len(combos), matrix.MaxCombinations)
		}
		var services map[string]store.ContainerSpec
		if len(cj.Services) > 0 {
			services = make(map[string]store.ContainerSpec, len(cj.Services))
			for name, svc := range cj.Services {
				sc := svc
				services[name] = *containerSpec(&sc)
			}
		}
		for _, combo := range combos {
			status := store.StatusQueued
			if hold || len(cj.Needs) > 0 {
				status = store.StatusPending
			}
			job := &store.Job{
				ID:          uuid.New(),
				ExecutionID: exec.ID,
				TenantID:    exec.TenantID,
				Key:         key,
				Name:        matrix.DisplayName(cj.Name, m, combo),
				RunsOn:      cj.RunsOn,
				Needs:       cj.Needs,
				MatrixCombo: combo,
				Env:         mergeEnv(cfg.Env, cj.Env),
				Container:   containerSpec(cj.Container),
				Services:    services,
				Status:      status,
				FailFast:    failFast,
				Timeout:     time.Duration(cj.TimeoutMinutes) * time.Minute,
				CreatedAt:   created,
			}
			// Nudge CreatedAt so per-execution ordering is stable.
			created = created.Add(time.Microsecond)

			for i, cs := range cj.Steps {
				wd := cs.WorkingDirectory
				if wd == "" {
					wd = cfg.Defaults.Run.WorkingDirectory
				}
				steps[job.ID] = append(steps[job.ID], &store.Step{
					ID:               uuid.New(),
					JobID:            job.ID,
					Order:            i + 1,
					Name:             cs.Name,
					Run:              cs.Run,
					Uses:             cs.Uses,
					With:             cs.With,
					Env:              cs.Env,
					Shell:            cs.Shell,
					WorkingDirectory: wd,
					Condition:        cs.Condition,
					ContinueOnError:  cs.ContinueOnError,
					Timeout:          time.Duration(cs.TimeoutMinutes) * time.Minute,
					Status:           store.StatusPending,
				})
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, steps, nil
}

func containerSpec(c *config.Container) *store.ContainerSpec {
	if c == nil {
		return nil
	}
	return &store.ContainerSpec{
		Image:       c.Image,
		Credentials: c.Credentials,
		Env:         c.Env,
		Ports:       c.Ports,
		Volumes:     c.Volumes,
		Options:     c.Options,
	}
}

func mergeEnv(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// OnJobFinished records a job's terminal status and advances the DAG:
// fail-fast cancels matrix siblings, downstream jobs are skipped or
// promoted, and the execution is finalized once every job is terminal.
func (p *Planner) OnJobFinished(jobID uuid.UUID, status store.Status) error {
	if !status.Terminal() {
		return errors.Errorf("status %q is not terminal", status)
	}
	job, err := p.store.Job(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		// Duplicate completion reports are ignored.
		return nil
	}
	now := time.Now()
	job.Status = status
	job.FinishedAt = &now
	if err := p.store.UpdateJob(job); err != nil {
		return err
	}
	if job.RunnerID != nil {
		if err := p.freeRunnerSlot(*job.RunnerID); err != nil {
			p.logger.WithError(err).Warning("Failed to release runner slot.")
		}
	}

	siblings, err := p.store.JobsByExecution(job.ExecutionID)
	if err != nil {
		return err
	}

	if status == store.StatusFailed && job.FailFast {
		p.cancelMatrixSiblings(job, siblings)
		// Re-read after cancellation.
		if siblings, err = p.store.JobsByExecution(job.ExecutionID); err != nil {
			return err
		}
	}

	if err := p.advance(siblings); err != nil {
		return err
	}
	return p.finalize(job.ExecutionID)
}

// OnJobStarted marks a job running.
func (p *Planner) OnJobStarted(jobID uuid.UUID) error {
	job, err := p.store.Job(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == store.StatusRunning {
		return nil
	}
	now := time.Now()
	job.Status = store.StatusRunning
	job.StartedAt = &now
	if err := p.store.UpdateJob(job); err != nil {
		return err
	}

	exec, err := p.store.Execution(job.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status == store.StatusQueued || exec.Status == store.StatusPending {
		exec.Status = store.StatusRunning
		exec.StartedAt = &now
		return p.store.UpdateExecution(exec)
	}
	return nil
}

// cancelMatrixSiblings cancels non-terminal matrix combinations of the
// same job key when fail-fast is on.
func (p *Planner) cancelMatrixSiblings(failed *store.Job, siblings []*store.Job) {
	now := time.Now()
	for _, s := range siblings {
		if s.ID == failed.ID || s.Key != failed.Key || s.Status.Terminal() {
			continue
		}
		s.Status = store.StatusCancelled
		s.FinishedAt = &now
		if err := p.store.UpdateJob(s); err != nil {
			p.logger.WithError(err).WithField("job", s.ID).Warning("Failed to cancel matrix sibling.")
			continue
		}
		if s.RunnerID != nil {
			if err := p.freeRunnerSlot(*s.RunnerID); err != nil {
				p.logger.WithError(err).Warning("Failed to release runner slot.")
			}
			p.notifyCancel(*s.RunnerID, s.ID)
		}
		p.logger.WithFields(logrus.Fields{"job": s.ID, "failed": failed.ID}).Info("Cancelled matrix sibling (fail-fast).")
	}
}

// advance promotes pending jobs whose dependencies all succeeded and
// skips those with a failed, cancelled or skipped dependency.
func (p *Planner) advance(jobs []*store.Job) error {
	// Terminal status per job key; a key succeeded only if every
	// matrix combination of it succeeded.
	keyDone := map[string]bool{}
	keyFailed := map[string]bool{}
	byKey := map[string][]*store.Job{}
	for _, j := range jobs {
		byKey[j.Key] = append(byKey[j.Key], j)
	}
	for key, group := range byKey {
		done, failed := true, false
		for _, j := range group {
			if !j.Status.Terminal() {
				done = false
			}
			switch j.Status {
			case store.StatusFailed, store.StatusCancelled, store.StatusSkipped, store.StatusTimeout:
				failed = true
			}
		}
		keyDone[key] = done
		keyFailed[key] = failed
	}

	now := time.Now()
	for _, j := range jobs {
		if j.Status != store.StatusPending {
			continue
		}
		ready, blocked := true, false
		for _, need := range j.Needs {
			if !keyDone[need] {
				ready = false
			}
			if keyFailed[need] {
				blocked = true
			}
		}
		switch {
		case blocked:
			j.Status = store.StatusSkipped
			j.FinishedAt = &now
			if err := p.store.UpdateJob(j); err != nil {
				return err
			}
			keyFailed[j.Key] = true
		case ready:
			j.Status = store.StatusQueued
			if err := p.store.UpdateJob(j); err != nil {
				return err
			}
		}
	}
	return nil
}

// finalize closes the execution once every job is terminal and then
// promotes the next execution waiting on its concurrency group.
func (p *Planner) finalize(executionID uuid.UUID) error {
	jobs, err := p.store.JobsByExecution(executionID)
	if err != nil {
		return err
	}
	final := store.StatusSuccess
	for _, j := range jobs {
		if !j.Status.Terminal() {
			return nil
		}
		switch j.Status {
		case store.StatusFailed, store.StatusTimeout:
			final = store.StatusFailed
		case store.StatusCancelled:
			if final == store.StatusSuccess {
				final = store.StatusCancelled
			}
		}
	}

	exec, err := p.store.Execution(executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	now := time.Now()
	exec.Status = final
	exec.FinishedAt = &now
	if exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	if err := p.store.UpdateExecution(exec); err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{"execution": exec.ID, "status": final}).Info("Execution finished.")

	if exec.ConcurrencyGroup != "" {
		return p.promoteGroup(exec.PipelineID, exec.ConcurrencyGroup)
	}
	return nil
}

// promoteGroup releases the oldest held execution of a concurrency
// group once nothing in the group is running anymore.
func (p *Planner) promoteGroup(pipelineID uuid.UUID, group string) error {
	active, err := p.store.ActiveInGroup(pipelineID, group)
	if err != nil {
		return err
	}
	var oldest *store.Execution
	for _, e := range active {
		if e.Status != store.StatusPending {
			// Something is still running; the group stays closed.
			return nil
		}
		if oldest == nil || e.Number < oldest.Number {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	oldest.Status = store.StatusQueued
	if err := p.store.UpdateExecution(oldest); err != nil {
		return err
	}
	jobs, err := p.store.JobsByExecution(oldest.ID)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Status == store.StatusPending && len(j.Needs) == 0 {
			j.Status = store.StatusQueued
			if err := p.store.UpdateJob(j); err != nil {
				return err
			}
		}
	}
	p.logger.WithField("execution", oldest.ID).Info("Promoted held execution from concurrency group.")
	return nil
}

// CancelExecution cancels every non-terminal job of the execution and
// the execution itself. Jobs already on a runner keep their assignment
// until the runner acknowledges the cancel; each assigned runner gets
// a job_cancel frame through the Canceller.
func (p *Planner) CancelExecution(executionID uuid.UUID) error {
	exec, err := p.store.Execution(executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	jobs, err := p.store.JobsByExecution(executionID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		j.Status = store.StatusCancelled
		j.FinishedAt = &now
		if err := p.store.UpdateJob(j); err != nil {
			return err
		}
		if j.RunnerID != nil {
			if err := p.freeRunnerSlot(*j.RunnerID); err != nil {
				p.logger.WithError(err).Warning("Failed to release runner slot.")
			}
			p.notifyCancel(*j.RunnerID, j.ID)
		}
	}
	exec.Status = store.StatusCancelled
	exec.FinishedAt = &now
	if err := p.store.UpdateExecution(exec); err != nil {
		return err
	}
	p.logger.WithField("execution", executionID).Info("Cancelled execution.")
	if exec.ConcurrencyGroup != "" {
		return p.promoteGroup(exec.PipelineID, exec.ConcurrencyGroup)
	}
	return nil
}

func (p *Planner) freeRunnerSlot(runnerID uuid.UUID) error {
	return p.store.ReleaseRunnerSlot(runnerID)
}

func (p *Planner) notifyCancel(runnerID, jobID uuid.UUID) {
	if p.Canceller == nil {
		return
	}
	if err := p.Canceller.CancelJob(runnerID, jobID); err != nil {
		p.logger.WithError(err).WithField("job", jobID).Debug("Could not deliver job_cancel.")
	}
}

// ResumeExecution re-runs DAG advancement for a live execution,
// requeueing pending jobs whose dependencies are already satisfied.
// The scheduler calls it after an offline runner's jobs fall back to
// pending. Held executions wait for their concurrency group instead.
func (p *Planner) ResumeExecution(executionID uuid.UUID) error {
	exec, err := p.store.Execution(executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() || exec.Status == store.StatusPending {
		return nil
	}
	jobs, err := p.store.JobsByExecution(executionID)
	if err != nil {
		return err
	}
	return p.advance(jobs)
}

// Describe renders the one-line summary used in logs and API
// responses, e.g. "CI #42 (push main @ 1a2b3c4)".
func Describe(pl *store.Pipeline, e *store.Execution) string {
	ref := e.Trigger.Branch
	if ref == "" {
		ref = e.Trigger.Tag
	}
	sha := e.Trigger.SHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return fmt.Sprintf("%s #%d (%s %s @ %s)", pl.Name, e.Number, e.Trigger.Event, ref, sha)
}
