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

// Package matrix expands job matrix strategies into concrete variable
// combinations.
package matrix

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mcihq/mci/config"
)

// MaxCombinations caps the size of a single expansion. Jobs whose
// matrix exceeds it are rejected at planning time.
const MaxCombinations = 256

// Expand returns the concrete combinations of a matrix in a
// deterministic order: the cartesian product of the variables in their
// declaration order, minus exclusions, plus inclusions appended
// verbatim at the end. An empty matrix yields a single empty
// combination so a job without a matrix still produces one job.
func Expand(m config.Matrix) []map[string]interface{} {
	combos := []map[string]interface{}{{}}
	for _, key := range m.Keys {
		values := m.Variables[key]
		if len(values) == 0 {
			continue
		}
		next := make([]map[string]interface{}, 0, len(combos)*len(values))
		for _, combo := range combos {
			for _, v := range values {
				c := make(map[string]interface{}, len(combo)+1)
				for k, cv := range combo {
					c[k] = cv
				}
				c[key] = v
				next = append(next, c)
			}
		}
		combos = next
	}

	if len(m.Exclude) > 0 {
		kept := combos[:0]
		for _, combo := range combos {
			if !excluded(combo, m.Exclude) {
				kept = append(kept, combo)
			}
		}
		combos = kept
	}

	// Include entries are appended as-is, duplicates and all. That
	// matches GitHub Actions behavior for includes that do not match
	// any existing combination.
	combos = append(combos, m.Include...)
	return combos
}

// excluded reports whether any exclude entry is a sub-mapping of the
// combination: every key it sets is present with an equal value.
func excluded(combo map[string]interface{}, excludes []map[string]interface{}) bool {
	for _, ex := range excludes {
		if len(ex) == 0 {
			continue
		}
		match := true
		for k, v := range ex {
			cv, ok := combo[k]
			if !ok || fmt.Sprint(cv) != fmt.Sprint(v) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Count returns how many combinations Expand would produce without
// materializing them beyond the exclusion filter.
func Count(m config.Matrix) int {
	return len(Expand(m))
}

// DisplayName renders the job name shown for one combination, e.g.
// "test (linux, 1.19)". Values follow the matrix declaration order;
// keys introduced only by an include entry come after, sorted, so the
// name stays stable. A job without matrix values keeps its bare name.
func DisplayName(jobName string, m config.Matrix, combo map[string]interface{}) string {
	if len(combo) == 0 {
		return jobName
	}
	seen := map[string]bool{}
	var parts []string
	for _, key := range m.Keys {
		if v, ok := combo[key]; ok {
			parts = append(parts, valueString(v))
			seen[key] = true
		}
	}
	var extra []string
	for k := range combo {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		parts = append(parts, valueString(combo[k]))
	}
	if len(parts) == 0 {
		return jobName
	}
	return fmt.Sprintf("%s (%s)", jobName, strings.Join(parts, ", "))
}

func valueString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
