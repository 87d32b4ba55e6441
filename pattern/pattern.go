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

// Package pattern implements GitHub Actions style glob matching for
// refs, tags, branches and file paths. `*` matches any run of
// characters excluding `/`, `**` matches any run including `/`, and
// `?` matches exactly one character.
package pattern

import (
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	cacheLock  sync.RWMutex
	regexCache = map[string]*regexp.Regexp{}
)

// compile translates a glob pattern into an anchored regexp. Results
// are cached since the same trigger patterns are evaluated on every
// webhook delivery.
func compile(pattern string) (*regexp.Regexp, error) {
	cacheLock.RLock()
	re, ok := regexCache[pattern]
	cacheLock.RUnlock()
	if ok {
		return re, nil
	}

	quoted := regexp.QuoteMeta(pattern)
	// QuoteMeta escapes our wildcards, restore them in order of
	// specificity so `\*\*` is rewritten before `\*`.
	expr := strings.ReplaceAll(quoted, `\*\*`, `.*`)
	expr = strings.ReplaceAll(expr, `\*`, `[^/]*`)
	expr = strings.ReplaceAll(expr, `\?`, `.`)

	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, err
	}
	cacheLock.Lock()
	regexCache[pattern] = re
	cacheLock.Unlock()
	return re, nil
}

// Match reports whether value matches the glob pattern. Ref patterns
// treat `*` as stopping at `/` so `feature/*` does not match
// `feature/a/b` but `feature/**` does. An ill-formed pattern is logged
// and matches nothing.
func Match(value, pattern string) bool {
	if value == pattern {
		return true
	}
	re, err := compile(pattern)
	if err != nil {
		logrus.WithError(err).WithField("pattern", pattern).Warning("Invalid trigger pattern.")
		return false
	}
	return re.MatchString(value)
}

// MatchPath reports whether a file path matches the glob pattern.
// `**/x` matches `x` at any depth, including the repository root.
func MatchPath(path, pattern string) bool {
	if Match(path, pattern) {
		return true
	}
	// `**/foo` must also match a root-level `foo`.
	if strings.HasPrefix(pattern, "**/") {
		return Match(path, strings.TrimPrefix(pattern, "**/"))
	}
	return false
}

// MatchList reports whether value matches any pattern in the list.
func MatchList(value string, patterns []string) bool {
	for _, p := range patterns {
		if Match(value, p) {
			return true
		}
	}
	return false
}

// MatchPathList reports whether path matches any path pattern in the list.
func MatchPathList(path string, patterns []string) bool {
	for _, p := range patterns {
		if MatchPath(path, p) {
			return true
		}
	}
	return false
}
