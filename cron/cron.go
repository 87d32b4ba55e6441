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

// Package cron fires schedule triggers of pipeline configs.
package cron

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
)

// entryStatus tracks one scheduled cron entry.
type entryStatus struct {
	entryID    cron.EntryID
	pipelineID uuid.UUID
	triggered  bool
}

// Cron wraps robfig/cron and tracks which pipelines are due. Entries
// are keyed by pipeline and cron expression, so a changed expression
// reconciles as a remove plus an add.
type Cron struct {
	cronAgent *cron.Cron
	entries   map[string]*entryStatus
	logger    *logrus.Entry
	lock      sync.Mutex
}

// New makes a new Cron object.
func New() *Cron {
	return &Cron{
		cronAgent: cron.New(),
		entries:   map[string]*entryStatus{},
		logger:    logrus.WithField("client", "cron"),
	}
}

// Start kicks off the cron scheduler.
func (c *Cron) Start() {
	c.cronAgent.Start()
}

// Stop pauses the cron scheduler.
func (c *Cron) Stop() {
	c.cronAgent.Stop()
}

func entryKey(pipelineID uuid.UUID, cronStr string) string {
	return pipelineID.String() + "#" + cronStr
}

// SyncSchedules reconciles the scheduler with the desired cron
// expressions per pipeline, adding and removing entries accordingly.
func (c *Cron) SyncSchedules(desired map[uuid.UUID][]string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	want := sets.NewString()
	var errs []error
	for pipelineID, exprs := range desired {
		for _, expr := range exprs {
			key := entryKey(pipelineID, expr)
			want.Insert(key)
			if _, ok := c.entries[key]; ok {
				continue
			}
			if err := c.addEntry(pipelineID, expr); err != nil {
				errs = append(errs, err)
			}
		}
	}

	existing := sets.NewString()
	for k := range c.entries {
		existing.Insert(k)
	}
	for _, key := range existing.Difference(want).List() {
		c.removeEntry(key)
	}

	return utilerrors.NewAggregate(errs)
}

// QueuedPipelines returns pipelines whose schedule fired since the
// last call and resets the triggered marks. Each pipeline appears at
// most once even when several of its entries fired.
func (c *Cron) QueuedPipelines() []uuid.UUID {
	c.lock.Lock()
	defer c.lock.Unlock()

	seen := map[uuid.UUID]bool{}
	var res []uuid.UUID
	for _, e := range c.entries {
		if e.triggered && !seen[e.pipelineID] {
			seen[e.pipelineID] = true
			res = append(res, e.pipelineID)
		}
		e.triggered = false
	}
	return res
}

// HasEntry reports whether the pipeline has the given cron expression
// scheduled.
func (c *Cron) HasEntry(pipelineID uuid.UUID, expr string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	_, ok := c.entries[entryKey(pipelineID, expr)]
	return ok
}

func (c *Cron) addEntry(pipelineID uuid.UUID, expr string) error {
	key := entryKey(pipelineID, expr)
	id, err := c.cronAgent.AddFunc("TZ=UTC "+expr, func() {
		c.lock.Lock()
		defer c.lock.Unlock()

		if e, ok := c.entries[key]; ok {
			e.triggered = true
			c.logger.WithField("pipeline", pipelineID).Info("Cron schedule fired.")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron %q for pipeline %s: %v", expr, pipelineID, err)
	}

	c.entries[key] = &entryStatus{
		entryID:    id,
		pipelineID: pipelineID,
	}
	c.logger.WithField("pipeline", pipelineID).Infof("Added cron entry %q.", expr)
	return nil
}

func (c *Cron) removeEntry(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.cronAgent.Remove(e.entryID)
	delete(c.entries, key)
	c.logger.WithField("pipeline", e.pipelineID).Info("Removed stale cron entry.")
}
