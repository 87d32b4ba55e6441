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

package trigger

import (
	"testing"

	"github.com/mcihq/mci/config"
	"github.com/mcihq/mci/github"
)

func pushTo(ref string, files ...string) *github.PushEvent {
	return &github.PushEvent{
		Ref:     ref,
		Commits: []github.Commit{{Modified: files}},
	}
}

func TestMatchesPush(t *testing.T) {
	var testcases = []struct {
		name     string
		push     *config.PushTrigger
		event    *github.PushEvent
		expected bool
	}{
		{
			name:     "no push trigger never matches",
			push:     nil,
			event:    pushTo("refs/heads/main"),
			expected: false,
		},
		{
			name:     "unconstrained trigger matches any branch",
			push:     &config.PushTrigger{},
			event:    pushTo("refs/heads/anything"),
			expected: true,
		},
		{
			name:     "branch filter matches",
			push:     &config.PushTrigger{Branches: []string{"main", "release/**"}},
			event:    pushTo("refs/heads/release/v1/hotfix"),
			expected: true,
		},
		{
			name:     "branch filter rejects",
			push:     &config.PushTrigger{Branches: []string{"main"}},
			event:    pushTo("refs/heads/dev"),
			expected: false,
		},
		{
			name:     "single star does not cross slashes",
			push:     &config.PushTrigger{Branches: []string{"release/*"}},
			event:    pushTo("refs/heads/release/v1/hotfix"),
			expected: false,
		},
		{
			name:     "branches-ignore wins over branches",
			push:     &config.PushTrigger{Branches: []string{"*"}, BranchesIgnore: []string{"wip-*"}},
			event:    pushTo("refs/heads/wip-thing"),
			expected: false,
		},
		{
			name:     "paths filter requires a matching changed file",
			push:     &config.PushTrigger{Paths: []string{"src/**"}},
			event:    pushTo("refs/heads/main", "docs/readme.md"),
			expected: false,
		},
		{
			name:     "paths filter matches a changed file",
			push:     &config.PushTrigger{Paths: []string{"src/**"}},
			event:    pushTo("refs/heads/main", "docs/readme.md", "src/app/main.go"),
			expected: true,
		},
		{
			name:     "paths-ignore skips all-ignored pushes",
			push:     &config.PushTrigger{PathsIgnore: []string{"docs/**", "**.md"}},
			event:    pushTo("refs/heads/main", "docs/a.md", "README.md"),
			expected: false,
		},
		{
			name:     "paths-ignore passes when one file survives",
			push:     &config.PushTrigger{PathsIgnore: []string{"docs/**"}},
			event:    pushTo("refs/heads/main", "docs/a.md", "main.go"),
			expected: true,
		},
		{
			name: "deleted branch never fires",
			push: &config.PushTrigger{},
			event: func() *github.PushEvent {
				e := pushTo("refs/heads/main")
				e.Deleted = true
				return e
			}(),
			expected: false,
		},
		{
			name:     "tag push without tags filter does not fire",
			push:     &config.PushTrigger{Branches: []string{"main"}},
			event:    pushTo("refs/tags/v1.0.0"),
			expected: false,
		},
		{
			name:     "tags filter matches",
			push:     &config.PushTrigger{Tags: []string{"v*"}},
			event:    pushTo("refs/tags/v1.0.0"),
			expected: true,
		},
		{
			name:     "tags-ignore rejects",
			push:     &config.PushTrigger{Tags: []string{"v*"}, TagsIgnore: []string{"v0.*"}},
			event:    pushTo("refs/tags/v0.3"),
			expected: false,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			triggers := config.Triggers{Push: tc.push}
			if got := MatchesPush(triggers, tc.event); got != tc.expected {
				t.Errorf("MatchesPush() = %v, want %v", got, tc.expected)
			}
		})
	}
}

func prEvent(action, base string) *github.PullRequestEvent {
	return &github.PullRequestEvent{
		Action: action,
		PullRequest: github.PullRequest{
			Base: github.PullRequestBranch{Ref: base},
		},
	}
}

func TestMatchesPullRequest(t *testing.T) {
	var testcases = []struct {
		name     string
		pr       *config.PullRequestTrigger
		event    *github.PullRequestEvent
		expected bool
	}{
		{
			name:     "no pull_request trigger never matches",
			pr:       nil,
			event:    prEvent("opened", "main"),
			expected: false,
		},
		{
			name:     "default types allow opened",
			pr:       &config.PullRequestTrigger{},
			event:    prEvent("opened", "main"),
			expected: true,
		},
		{
			name:     "default types reject closed",
			pr:       &config.PullRequestTrigger{},
			event:    prEvent("closed", "main"),
			expected: false,
		},
		{
			name:     "explicit types",
			pr:       &config.PullRequestTrigger{Types: []string{"closed"}},
			event:    prEvent("closed", "main"),
			expected: true,
		},
		{
			name:     "base branch filter matches",
			pr:       &config.PullRequestTrigger{Branches: []string{"main"}},
			event:    prEvent("opened", "main"),
			expected: true,
		},
		{
			name:     "base branch filter rejects",
			pr:       &config.PullRequestTrigger{Branches: []string{"main"}},
			event:    prEvent("opened", "dev"),
			expected: false,
		},
		{
			name:     "branches-ignore rejects",
			pr:       &config.PullRequestTrigger{BranchesIgnore: []string{"experimental/*"}},
			event:    prEvent("synchronize", "experimental/x"),
			expected: false,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			triggers := config.Triggers{PullRequest: tc.pr}
			if got := MatchesPullRequest(triggers, tc.event); got != tc.expected {
				t.Errorf("MatchesPullRequest() = %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestMatchesDispatch(t *testing.T) {
	triggers := config.Triggers{
		Push:        &config.PushTrigger{},
		PullRequest: &config.PullRequestTrigger{},
	}
	if !Matches(triggers, pushTo("refs/heads/main")) {
		t.Error("push event should match")
	}
	if !Matches(triggers, prEvent("opened", "main")) {
		t.Error("pull_request event should match")
	}
	if Matches(triggers, &github.PingEvent{}) {
		t.Error("ping event should never match")
	}
}
