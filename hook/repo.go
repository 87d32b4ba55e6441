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

package hook

import (
	"fmt"
	"strings"

	"github.com/mcihq/mci/github"
)

// CanonicalRepoURL reduces a remote URL to host/owner/repo, lowercased.
// It accepts https, http, ssh, git and scp-like git@host:owner/repo
// forms, with or without a .git suffix or trailing slash.
func CanonicalRepoURL(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")
	for _, prefix := range []string{"https://", "http://", "ssh://", "git://"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimPrefix(s, prefix)
			break
		}
	}
	if strings.HasPrefix(s, "git@") {
		s = strings.Replace(strings.TrimPrefix(s, "git@"), ":", "/", 1)
	}
	return strings.ToLower(s)
}

// repoURLVariants returns every URL form a pipeline might have been
// registered under for the event's repository. Pipelines store the
// repo URL verbatim, so lookup has to cover the common spellings.
func repoURLVariants(repo github.Repo) []string {
	seen := map[string]bool{}
	var out []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	add(repo.CloneURL)
	add(repo.SSHURL)
	add(repo.HTMLURL)

	canonical := ""
	for _, u := range []string{repo.CloneURL, repo.HTMLURL, repo.SSHURL} {
		if u != "" {
			canonical = CanonicalRepoURL(u)
			break
		}
	}
	if canonical == "" && repo.FullName != "" {
		canonical = "github.com/" + strings.ToLower(repo.FullName)
	}
	if canonical == "" {
		return out
	}

	add(canonical)
	add("https://" + canonical)
	add("https://" + canonical + ".git")
	add("https://" + canonical + "/")
	add("http://" + canonical)

	// scp-like and ssh forms need host and path split back apart.
	if i := strings.Index(canonical, "/"); i > 0 {
		host, path := canonical[:i], canonical[i+1:]
		add(fmt.Sprintf("git@%s:%s.git", host, path))
		add(fmt.Sprintf("git@%s:%s", host, path))
		add(fmt.Sprintf("ssh://git@%s/%s.git", host, path))
	}
	return out
}
