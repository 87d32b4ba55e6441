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
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mcihq/mci/config"
	"github.com/mcihq/mci/plan"
	"github.com/mcihq/mci/store"
)

// Agent keeps the cron scheduler in sync with stored pipeline configs
// and turns fired schedules into executions.
type Agent struct {
	store   store.Store
	planner *plan.Planner
	cron    *Cron
	logger  *logrus.Entry

	// SyncInterval is how often schedules are reconciled and fired
	// entries drained. Defaults to one minute.
	SyncInterval time.Duration
}

// NewAgent returns an agent over the store and planner.
func NewAgent(s store.Store, planner *plan.Planner) *Agent {
	return &Agent{
		store:        s,
		planner:      planner,
		cron:         New(),
		logger:       logrus.WithField("component", "cron"),
		SyncInterval: time.Minute,
	}
}

// Run starts the scheduler and loops until the context is cancelled.
func (a *Agent) Run(ctx context.Context) {
	a.cron.Start()
	defer a.cron.Stop()

	ticker := time.NewTicker(a.SyncInterval)
	defer ticker.Stop()
	for {
		if err := a.Sync(); err != nil {
			a.logger.WithError(err).Error("Failed to sync cron schedules.")
		}
		a.Fire()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sync reconciles cron entries with the schedule triggers of every
// active pipeline's latest valid config.
func (a *Agent) Sync() error {
	tenants, err := a.store.ListTenants()
	if err != nil {
		return errors.Wrap(err, "list tenants")
	}

	desired := map[uuid.UUID][]string{}
	for _, t := range tenants {
		if !t.Active {
			continue
		}
		pipelines, err := a.store.ListPipelines(t.ID)
		if err != nil {
			return errors.Wrapf(err, "list pipelines for tenant %s", t.Slug)
		}
		for _, pl := range pipelines {
			if !pl.Active {
				continue
			}
			exprs := a.schedulesOf(pl)
			if len(exprs) > 0 {
				desired[pl.ID] = exprs
			}
		}
	}
	return a.cron.SyncSchedules(desired)
}

// schedulesOf returns the cron expressions of the pipeline's latest
// valid config, if any.
func (a *Agent) schedulesOf(pl *store.Pipeline) []string {
	cv, err := a.store.LatestConfig(pl.ID)
	if err != nil || !cv.IsValid {
		return nil
	}
	cfg, parseErrs := config.Parse([]byte(cv.RawYAML))
	if len(parseErrs) > 0 || cfg.On.Schedule == nil {
		return nil
	}
	var exprs []string
	for _, s := range cfg.On.Schedule {
		exprs = append(exprs, s.Cron)
	}
	return exprs
}

// Fire creates an execution for every pipeline whose schedule came due.
func (a *Agent) Fire() {
	for _, pipelineID := range a.cron.QueuedPipelines() {
		if err := a.firePipeline(pipelineID); err != nil {
			a.logger.WithError(err).WithField("pipeline", pipelineID).Error("Failed to fire scheduled execution.")
		}
	}
}

func (a *Agent) firePipeline(pipelineID uuid.UUID) error {
	pl, err := a.pipeline(pipelineID)
	if err != nil {
		return err
	}
	cv, err := a.store.LatestConfig(pl.ID)
	if err != nil {
		return errors.Wrap(err, "load latest config")
	}
	trig := store.TriggerInfo{
		Event:  "schedule",
		Branch: pl.DefaultBranch,
		Ref:    "refs/heads/" + pl.DefaultBranch,
		Actor:  "cron",
	}
	exec, err := a.planner.CreateExecution(pl, cv, trig)
	if err != nil {
		return errors.Wrap(err, "create execution")
	}
	a.logger.WithFields(logrus.Fields{
		"pipeline":  pl.Slug,
		"execution": exec.Number,
	}).Info("Created scheduled execution.")
	return nil
}

// pipeline finds the pipeline across tenants. The cron agent runs
// outside any tenant scope.
func (a *Agent) pipeline(id uuid.UUID) (*store.Pipeline, error) {
	tenants, err := a.store.ListTenants()
	if err != nil {
		return nil, errors.Wrap(err, "list tenants")
	}
	for _, t := range tenants {
		if pl, err := a.store.Pipeline(t.ID, id); err == nil {
			return pl, nil
		}
	}
	return nil, store.ErrNotFound
}
