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

// Package trigger decides whether a webhook event fires a pipeline,
// following GitHub Actions trigger semantics.
package trigger

import (
	"github.com/sirupsen/logrus"

	"github.com/mcihq/mci/config"
	"github.com/mcihq/mci/github"
	"github.com/mcihq/mci/pattern"
)

// MatchesPush reports whether a push event fires the pipeline's push
// trigger. Without a push trigger nothing matches; a trigger with no
// filters matches every branch push. Tag pushes are opt-in: they fire
// only when a tags filter is configured.
func MatchesPush(t config.Triggers, event *github.PushEvent) bool {
	cfg := t.Push
	if cfg == nil {
		return false
	}
	// Branch and tag deletions arrive as pushes with deleted set.
	if event.Deleted {
		return false
	}
	if cfg.Unconstrained() {
		return true
	}
	if event.IsTag() {
		return matchesTagPush(cfg, event)
	}
	return matchesBranchPush(cfg, event)
}

func matchesBranchPush(cfg *config.PushTrigger, event *github.PushEvent) bool {
	branch := event.Branch()

	if len(cfg.BranchesIgnore) > 0 && pattern.MatchList(branch, cfg.BranchesIgnore) {
		logrus.WithField("branch", branch).Debug("Branch matches branches-ignore filter.")
		return false
	}
	if len(cfg.Branches) > 0 && !pattern.MatchList(branch, cfg.Branches) {
		logrus.WithField("branch", branch).Debug("Branch does not match branches filter.")
		return false
	}

	if len(cfg.Paths) == 0 && len(cfg.PathsIgnore) == 0 {
		return true
	}
	changed := event.ChangedFiles()

	if len(cfg.PathsIgnore) > 0 && len(changed) > 0 {
		allIgnored := true
		for _, f := range changed {
			if !pattern.MatchPathList(f, cfg.PathsIgnore) {
				allIgnored = false
				break
			}
		}
		if allIgnored {
			logrus.Debug("All changed files match paths-ignore filter.")
			return false
		}
	}

	if len(cfg.Paths) > 0 {
		for _, f := range changed {
			if pattern.MatchPathList(f, cfg.Paths) {
				return true
			}
		}
		logrus.Debug("No changed files match paths filter.")
		return false
	}
	return true
}

func matchesTagPush(cfg *config.PushTrigger, event *github.PushEvent) bool {
	tag := event.Tag()
	if tag == "" {
		return false
	}
	if len(cfg.TagsIgnore) > 0 && pattern.MatchList(tag, cfg.TagsIgnore) {
		logrus.WithField("tag", tag).Debug("Tag matches tags-ignore filter.")
		return false
	}
	// No tags filter means branch pushes only.
	if len(cfg.Tags) == 0 {
		return false
	}
	return pattern.MatchList(tag, cfg.Tags)
}

// MatchesPullRequest reports whether a pull_request event fires the
// pipeline. The action must be among the configured types and the base
// branch must pass the branch filters. Path filters are not enforced
// for pull requests: the payload carries no file list.
func MatchesPullRequest(t config.Triggers, event *github.PullRequestEvent) bool {
	cfg := t.PullRequest
	if cfg == nil {
		return false
	}

	types := cfg.Types
	if len(types) == 0 {
		types = config.DefaultPRTypes
	}
	allowed := false
	for _, typ := range types {
		if event.Action == typ {
			allowed = true
			break
		}
	}
	if !allowed {
		logrus.WithField("action", event.Action).Debug("PR action not in allowed types.")
		return false
	}

	base := event.BaseBranch()
	if len(cfg.BranchesIgnore) > 0 && pattern.MatchList(base, cfg.BranchesIgnore) {
		logrus.WithField("branch", base).Debug("Base branch matches branches-ignore filter.")
		return false
	}
	if len(cfg.Branches) > 0 && !pattern.MatchList(base, cfg.Branches) {
		logrus.WithField("branch", base).Debug("Base branch does not match branches filter.")
		return false
	}
	return true
}

// Matches dispatches on the event type. Event types with no matching
// logic never fire.
func Matches(t config.Triggers, event interface{}) bool {
	switch e := event.(type) {
	case *github.PushEvent:
		return MatchesPush(t, e)
	case *github.PullRequestEvent:
		return MatchesPullRequest(t, e)
	default:
		return false
	}
}
