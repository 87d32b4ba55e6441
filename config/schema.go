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

package config

import (
	"fmt"

	yaml "gopkg.in/yaml.v3"
)

// validateSchema checks the document shape before normalization. It
// reports one error per malformed block; the normalization pass then
// skips what it cannot read, so a single bad job does not lose the
// rest of the file.

var dispatchInputTypes = map[string]bool{
	"string":      true,
	"boolean":     true,
	"choice":      true,
	"environment": true,
}

func validateSchema(doc *yaml.Node) []string {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if on := lookup(doc, "on"); on != nil {
		errs = append(errs, validateTriggers(on)...)
	}
	if env := lookup(doc, "env"); env != nil && !isNull(env) && !isMapping(env) {
		add("'env' must be a mapping")
	}
	if c := lookup(doc, "concurrency"); c != nil && !isNull(c) && !isScalar(c) && !isMapping(c) {
		add("'concurrency' must be a string or a mapping")
	}
	if d := lookup(doc, "defaults"); d != nil && !isNull(d) && !isMapping(d) {
		add("'defaults' must be a mapping")
	}

	jobs := lookup(doc, "jobs")
	switch {
	case jobs == nil || isNull(jobs):
		// parseConfig reports the missing jobs error.
	case !isMapping(jobs):
		add("'jobs' must be a mapping")
	default:
		for _, e := range entries(jobs) {
			errs = append(errs, validateJob(e.key, e.value)...)
		}
	}
	return errs
}

func validateTriggers(on *yaml.Node) []string {
	var errs []string
	switch {
	case isNull(on), isScalar(on), isSequence(on):
		return nil
	case isMapping(on):
		for _, e := range entries(on) {
			switch e.key {
			case "push", "pull_request":
				if !isNull(e.value) && !isMapping(e.value) {
					errs = append(errs, fmt.Sprintf("trigger %q must be a mapping", e.key))
				}
			case "schedule":
				if !isNull(e.value) && !isSequence(e.value) {
					errs = append(errs, "trigger \"schedule\" must be a list of cron entries")
				}
			case "workflow_dispatch":
				errs = append(errs, validateDispatch(e.value)...)
			}
		}
		return errs
	default:
		return []string{"'on' must be a string, a list, or a mapping"}
	}
}

func validateDispatch(n *yaml.Node) []string {
	var errs []string
	for _, e := range entries(lookup(n, "inputs")) {
		if !isNull(e.value) && !isMapping(e.value) {
			errs = append(errs, fmt.Sprintf("workflow_dispatch input %q must be a mapping", e.key))
			continue
		}
		typ := asString(lookup(e.value, "type"), "string")
		if !dispatchInputTypes[typ] {
			errs = append(errs, fmt.Sprintf("workflow_dispatch input %q has invalid type %q", e.key, typ))
		}
		if typ == "choice" && len(asStringList(lookup(e.value, "options"))) == 0 {
			errs = append(errs, fmt.Sprintf("workflow_dispatch input %q of type choice requires options", e.key))
		}
	}
	return errs
}

func validateJob(key string, n *yaml.Node) []string {
	var errs []string
	if !isMapping(n) {
		return []string{fmt.Sprintf("job %q must be a mapping", key)}
	}
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if ro := lookup(n, "runs-on", "runs_on"); ro != nil && !isScalar(ro) && !isSequence(ro) {
		add("job %q 'runs-on' must be a string or a list", key)
	}
	if needs := lookup(n, "needs"); needs != nil && !isNull(needs) && !isScalar(needs) && !isSequence(needs) {
		add("job %q 'needs' must be a string or a list", key)
	}
	if c := lookup(n, "container"); c != nil && !isNull(c) && !isScalar(c) && !isMapping(c) {
		add("job %q 'container' must be a string or a mapping", key)
	}
	if s := lookup(n, "services"); s != nil && !isNull(s) && !isMapping(s) {
		add("job %q 'services' must be a mapping", key)
	}

	if strategy := lookup(n, "strategy"); strategy != nil && !isNull(strategy) {
		if !isMapping(strategy) {
			add("job %q 'strategy' must be a mapping", key)
		} else if matrix := lookup(strategy, "matrix"); matrix != nil && !isNull(matrix) {
			errs = append(errs, validateMatrix(key, matrix)...)
		}
	}

	steps := lookup(n, "steps")
	switch {
	case steps == nil || isNull(steps):
		// parseJob reports the missing steps error.
	case !isSequence(steps):
		add("job %q 'steps' must be a list", key)
	default:
		for i, item := range items(steps) {
			if !isMapping(item) {
				add("job %q step %d must be a mapping", key, i+1)
			}
		}
	}
	return errs
}

func validateMatrix(key string, matrix *yaml.Node) []string {
	var errs []string
	if !isMapping(matrix) {
		return []string{fmt.Sprintf("job %q 'strategy.matrix' must be a mapping", key)}
	}
	vars := lookup(matrix, "variables")
	if vars == nil {
		vars = matrix
	}
	for _, e := range entries(vars) {
		switch e.key {
		case "include", "exclude", "variables":
			continue
		}
		if !isSequence(e.value) {
			errs = append(errs, fmt.Sprintf("job %q matrix variable %q must be a list", key, e.key))
		}
	}
	for _, part := range []string{"include", "exclude"} {
		n := lookup(matrix, part)
		if n == nil || isNull(n) {
			continue
		}
		if !isSequence(n) {
			errs = append(errs, fmt.Sprintf("job %q matrix %q must be a list of mappings", key, part))
			continue
		}
		for i, item := range items(n) {
			if !isMapping(item) {
				errs = append(errs, fmt.Sprintf("job %q matrix %s entry %d must be a mapping", key, part, i+1))
			}
		}
	}
	return errs
}
