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

// Package scheduler assigns queued jobs to eligible runners and keeps
// the runner registry honest about liveness.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mcihq/mci/store"
)

const (
	// DefaultTickInterval is how often the scheduler scans the queue.
	DefaultTickInterval = 2 * time.Second
	// DefaultOfflineAfter is how long a runner may miss heartbeats
	// before it is marked offline and its jobs requeued.
	DefaultOfflineAfter = 90 * time.Second
)

// Dispatcher delivers an assignment to a connected runner. The session
// registry implements it; failure means the runner has no live
// connection and the assignment must be rolled back.
type Dispatcher interface {
	DispatchJob(runnerID uuid.UUID, job *store.Job) error
	CancelJob(runnerID, jobID uuid.UUID) error
}

// Lifecycle is the slice of the planner the scheduler drives: closing
// out jobs that exceed their timeout and re-advancing executions whose
// jobs fell off an offline runner.
type Lifecycle interface {
	OnJobFinished(jobID uuid.UUID, status store.Status) error
	ResumeExecution(executionID uuid.UUID) error
}

// Scheduler matches queued jobs to runners.
type Scheduler struct {
	store      store.Store
	dispatcher Dispatcher
	lifecycle  Lifecycle
	logger     *logrus.Entry

	TickInterval time.Duration
	OfflineAfter time.Duration
}

// New returns a scheduler with default intervals.
func New(s store.Store, d Dispatcher, l Lifecycle) *Scheduler {
	return &Scheduler{
		store:        s,
		dispatcher:   d,
		lifecycle:    l,
		logger:       logrus.WithField("component", "scheduler"),
		TickInterval: DefaultTickInterval,
		OfflineAfter: DefaultOfflineAfter,
	}
}

// Run ticks until the context is done. Each tick sweeps stale runners
// and expired jobs first so freed capacity can be reassigned in the
// same pass.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler shutting down.")
			return
		case <-ticker.C:
			now := time.Now()
			s.SweepOffline(now)
			s.SweepTimeouts(now)
			s.Tick()
		}
	}
}

// Tick assigns as many queued jobs as possible. Returns the number of
// jobs dispatched.
func (s *Scheduler) Tick() int {
	jobs, err := s.store.QueuedJobs()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list queued jobs.")
		return 0
	}
	dispatched := 0
	for _, job := range jobs {
		if s.assign(job) {
			dispatched++
		}
	}
	return dispatched
}

// assign picks the best runner for a job and dispatches it. The
// store's TryAssignJob makes the claim atomic; a failed delivery rolls
// the claim back so another tick can retry.
func (s *Scheduler) assign(job *store.Job) bool {
	runner := s.pick(job)
	if runner == nil {
		return false
	}
	log := s.logger.WithFields(logrus.Fields{"job": job.ID, "runner": runner.ID})

	ok, err := s.store.TryAssignJob(job.ID, runner.ID)
	if err != nil {
		log.WithError(err).Error("Failed to claim job.")
		return false
	}
	if !ok {
		return false
	}
	if err := s.dispatcher.DispatchJob(runner.ID, job); err != nil {
		log.WithError(err).Warning("Runner unreachable, rolling back assignment.")
		if rerr := s.store.ReleaseJob(job.ID); rerr != nil {
			log.WithError(rerr).Error("Failed to roll back assignment.")
		}
		return false
	}
	log.Info("Dispatched job.")
	return true
}

// pick returns the eligible runner with the fewest jobs in flight,
// breaking ties by the freshest heartbeat. Eligibility is: online,
// spare capacity, visible to the job's tenant, and carrying every
// requested label.
func (s *Scheduler) pick(job *store.Job) *store.Runner {
	candidates, err := s.store.Candidates(job.TenantID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list candidate runners.")
		return nil
	}
	var eligible []*store.Runner
	for _, r := range candidates {
		if r.HasCapacity() && r.HasLabels(job.RunsOn) {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CurrentJobs != eligible[j].CurrentJobs {
			return eligible[i].CurrentJobs < eligible[j].CurrentJobs
		}
		return eligible[i].LastHeartbeat.After(eligible[j].LastHeartbeat)
	})
	return eligible[0]
}

// SweepOffline marks runners with no heartbeat inside OfflineAfter as
// offline. Their unfinished jobs drop back to pending and the planner
// requeues the ones whose dependencies still hold.
func (s *Scheduler) SweepOffline(now time.Time) {
	stale, err := s.store.StaleRunners(now.Add(-s.OfflineAfter))
	if err != nil {
		s.logger.WithError(err).Error("Failed to list stale runners.")
		return
	}
	for _, r := range stale {
		log := s.logger.WithField("runner", r.ID)
		r.Status = store.RunnerOffline
		if err := s.store.UpdateRunner(r); err != nil {
			log.WithError(err).Error("Failed to mark runner offline.")
			continue
		}
		jobs, err := s.store.JobsByRunner(r.ID)
		if err != nil {
			log.WithError(err).Error("Failed to list runner's jobs.")
			continue
		}
		resumed := map[uuid.UUID]bool{}
		for _, job := range jobs {
			if err := s.store.RequeueJob(job.ID); err != nil {
				log.WithError(err).WithField("job", job.ID).Error("Failed to requeue job.")
				continue
			}
			resumed[job.ExecutionID] = true
			log.WithField("job", job.ID).Info("Requeued job from offline runner.")
		}
		for executionID := range resumed {
			if err := s.lifecycle.ResumeExecution(executionID); err != nil {
				log.WithError(err).WithField("execution", executionID).Error("Failed to resume execution.")
			}
		}
		log.Info("Marked runner offline.")
	}
}

// SweepTimeouts finishes running jobs that exceeded their own timeout
// or a running step's timeout with a terminal timeout status, telling
// the assigned runner to abort first.
func (s *Scheduler) SweepTimeouts(now time.Time) {
	jobs, err := s.store.RunningJobs()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list running jobs.")
		return
	}
	for _, job := range jobs {
		steps, err := s.store.Steps(job.ID)
		if err != nil {
			s.logger.WithError(err).WithField("job", job.ID).Error("Failed to load steps.")
			continue
		}
		if !expired(job, steps, now) {
			continue
		}
		log := s.logger.WithField("job", job.ID)
		if job.RunnerID != nil {
			if err := s.dispatcher.CancelJob(*job.RunnerID, job.ID); err != nil {
				log.WithError(err).Debug("Could not deliver job_cancel.")
			}
		}
		if err := s.lifecycle.OnJobFinished(job.ID, store.StatusTimeout); err != nil {
			log.WithError(err).Error("Failed to time out job.")
			continue
		}
		log.Info("Job exceeded its timeout.")
	}
}

// expired reports whether the job ran past its own deadline or any
// running step ran past its step deadline.
func expired(job *store.Job, steps []*store.Step, now time.Time) bool {
	if job.Timeout > 0 && job.StartedAt != nil && now.After(job.StartedAt.Add(job.Timeout)) {
		return true
	}
	for _, st := range steps {
		if st.Status == store.StatusRunning && st.Timeout > 0 && st.StartedAt != nil && now.After(st.StartedAt.Add(st.Timeout)) {
			return true
		}
	}
	return false
}
