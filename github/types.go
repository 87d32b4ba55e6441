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

// Package github normalizes GitHub webhook payloads into the event
// records the trigger matcher and planner consume, and verifies
// webhook signatures.
package github

import (
	"strings"
)

const (
	// EventGUID is the log field name for the X-GitHub-Delivery header.
	EventGUID = "event-GUID"

	branchRefPrefix = "refs/heads/"
	tagRefPrefix    = "refs/tags/"
)

// Repo holds the repository fields we care about from a webhook payload.
type Repo struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	CloneURL      string `json:"clone_url"`
	SSHURL        string `json:"ssh_url"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
}

// User is the sender of an event.
type User struct {
	ID        int    `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
}

// Commit is a single commit inside a push payload.
type Commit struct {
	ID          string   `json:"id"`
	Message     string   `json:"message"`
	Timestamp   string   `json:"timestamp"`
	AuthorName  string   `json:"-"`
	AuthorEmail string   `json:"-"`
	URL         string   `json:"url"`
	Added       []string `json:"added"`
	Removed     []string `json:"removed"`
	Modified    []string `json:"modified"`

	// Author is the nested payload shape; AuthorName/AuthorEmail are
	// populated from it after unmarshalling.
	Author CommitAuthor `json:"author"`
}

// CommitAuthor is the nested author object of a commit.
type CommitAuthor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PushEvent is the normalized form of a GitHub push webhook.
type PushEvent struct {
	Ref        string   `json:"ref"`
	Before     string   `json:"before"`
	After      string   `json:"after"`
	Created    bool     `json:"created"`
	Deleted    bool     `json:"deleted"`
	Forced     bool     `json:"forced"`
	BaseRef    string   `json:"base_ref"`
	CompareURL string   `json:"compare"`
	Commits    []Commit `json:"commits"`
	HeadCommit *Commit  `json:"head_commit"`
	Repo       Repo     `json:"repository"`
	Sender     User     `json:"sender"`

	// GUID is the X-GitHub-Delivery header, not part of the payload.
	GUID string `json:"-"`
}

// Branch returns the branch name with the refs/heads/ prefix stripped.
func (pe PushEvent) Branch() string {
	return strings.TrimPrefix(pe.Ref, branchRefPrefix)
}

// Tag returns the tag name for tag pushes, or "" for branch pushes.
func (pe PushEvent) Tag() string {
	if !pe.IsTag() {
		return ""
	}
	return strings.TrimPrefix(pe.Ref, tagRefPrefix)
}

// IsTag reports whether the push was to a tag ref.
func (pe PushEvent) IsTag() bool {
	return strings.HasPrefix(pe.Ref, tagRefPrefix)
}

// IsBranch reports whether the push was to a branch ref.
func (pe PushEvent) IsBranch() bool {
	return strings.HasPrefix(pe.Ref, branchRefPrefix)
}

// SHA returns the head commit SHA of the push.
func (pe PushEvent) SHA() string {
	return pe.After
}

// ChangedFiles returns the union of files added, removed or modified
// across every commit in the push, without duplicates. Order is not
// specified.
func (pe PushEvent) ChangedFiles() []string {
	seen := map[string]bool{}
	var files []string
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				files = append(files, n)
			}
		}
	}
	for _, c := range pe.Commits {
		add(c.Added)
		add(c.Removed)
		add(c.Modified)
	}
	return files
}

// PullRequestBranch is one side of a pull request.
type PullRequestBranch struct {
	Ref  string `json:"ref"`
	SHA  string `json:"sha"`
	Repo Repo   `json:"repo"`
}

// PullRequest is the pull_request object inside a PR webhook.
type PullRequest struct {
	Number  int               `json:"number"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	State   string            `json:"state"`
	Merged  bool              `json:"merged"`
	Head    PullRequestBranch `json:"head"`
	Base    PullRequestBranch `json:"base"`
	User    User              `json:"user"`
	HTMLURL string            `json:"html_url"`
}

// PullRequestEvent is the normalized form of a pull_request webhook.
type PullRequestEvent struct {
	Action      string      `json:"action"`
	Number      int         `json:"number"`
	PullRequest PullRequest `json:"pull_request"`
	Repo        Repo        `json:"repository"`
	Sender      User        `json:"sender"`

	GUID string `json:"-"`
}

// HeadSHA returns the head commit SHA of the pull request.
func (pre PullRequestEvent) HeadSHA() string {
	return pre.PullRequest.Head.SHA
}

// HeadBranch returns the source branch of the pull request.
func (pre PullRequestEvent) HeadBranch() string {
	return pre.PullRequest.Head.Ref
}

// BaseBranch returns the target branch of the pull request.
func (pre PullRequestEvent) BaseBranch() string {
	return pre.PullRequest.Base.Ref
}

// IsFork reports whether the head repository differs from the base.
func (pre PullRequestEvent) IsFork() bool {
	return pre.PullRequest.Head.Repo.FullName != pre.PullRequest.Base.Repo.FullName
}

// PingEvent is GitHub's webhook configuration test. It is acknowledged
// and never triggers pipelines.
type PingEvent struct {
	Zen    string `json:"zen"`
	HookID int    `json:"hook_id"`

	GUID string `json:"-"`
}

// GenericEvent is used to peek at the repository of any payload before
// full parsing, e.g. to locate candidate pipelines.
type GenericEvent struct {
	Repo   Repo `json:"repository"`
	Sender User `json:"sender"`
}
