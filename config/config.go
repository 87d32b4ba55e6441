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

// Package config loads and validates pipeline YAML. The accepted
// syntax is a subset of the GitHub Actions workflow schema: top-level
// name, on, env, defaults, concurrency and jobs.
//
// Parse never fails hard: every structural and semantic problem is
// accumulated into the returned error list and the caller stamps
// is_valid on the stored config version. A pipeline with no valid
// config cannot be triggered.
package config

import (
	"fmt"
	"regexp"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// DefaultPRTypes are the pull_request actions that trigger when the
// config does not list any.
var DefaultPRTypes = []string{"opened", "synchronize", "reopened"}

// jobKeyRegex constrains job identifiers.
var jobKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Config is a fully normalized pipeline configuration.
type Config struct {
	Name        string            `json:"name"`
	On          Triggers          `json:"on"`
	Env         map[string]string `json:"env,omitempty"`
	Defaults    Defaults          `json:"defaults,omitempty"`
	Concurrency Concurrency       `json:"concurrency,omitempty"`
	Jobs        map[string]Job    `json:"jobs"`

	// JobOrder preserves the declaration order of job keys so the
	// planner creates jobs deterministically.
	JobOrder []string `json:"-"`
}

// Triggers is the normalized `on` block.
type Triggers struct {
	Push             *PushTrigger           `json:"push,omitempty"`
	PullRequest      *PullRequestTrigger    `json:"pull_request,omitempty"`
	Schedule         []Schedule             `json:"schedule,omitempty"`
	WorkflowDispatch *WorkflowDispatch      `json:"workflow_dispatch,omitempty"`
	Webhook          map[string]interface{} `json:"webhook,omitempty"`
}

// PushTrigger filters push events.
type PushTrigger struct {
	Branches       []string `json:"branches,omitempty"`
	BranchesIgnore []string `json:"branches_ignore,omitempty"`
	Paths          []string `json:"paths,omitempty"`
	PathsIgnore    []string `json:"paths_ignore,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	TagsIgnore     []string `json:"tags_ignore,omitempty"`
}

// Unconstrained reports whether no filter at all was configured, in
// which case every push matches.
func (p *PushTrigger) Unconstrained() bool {
	return len(p.Branches) == 0 && len(p.BranchesIgnore) == 0 &&
		len(p.Paths) == 0 && len(p.PathsIgnore) == 0 &&
		len(p.Tags) == 0 && len(p.TagsIgnore) == 0
}

// PullRequestTrigger filters pull_request events. Path filters are
// accepted but not enforced: PR payloads carry no file list.
type PullRequestTrigger struct {
	Branches       []string `json:"branches,omitempty"`
	BranchesIgnore []string `json:"branches_ignore,omitempty"`
	Paths          []string `json:"paths,omitempty"`
	PathsIgnore    []string `json:"paths_ignore,omitempty"`
	Types          []string `json:"types"`
}

// Schedule is one cron entry of a schedule trigger.
type Schedule struct {
	Cron string `json:"cron"`
}

// WorkflowDispatch declares the inputs of a manual trigger.
type WorkflowDispatch struct {
	Inputs     map[string]DispatchInput `json:"inputs"`
	InputOrder []string                 `json:"-"`
}

// DispatchInput is one input definition of workflow_dispatch.
type DispatchInput struct {
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Type        string      `json:"type"`
	Options     []string    `json:"options,omitempty"`
}

// Concurrency serializes executions that share a group.
type Concurrency struct {
	Group            string `json:"group,omitempty"`
	CancelInProgress bool   `json:"cancel_in_progress,omitempty"`
}

// Defaults carries pipeline-wide step defaults.
type Defaults struct {
	Run RunDefaults `json:"run,omitempty"`
}

// RunDefaults applies to every run step that does not override it.
type RunDefaults struct {
	Shell            string `json:"shell,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// Job is one vertex of the execution DAG.
type Job struct {
	Name           string               `json:"name"`
	RunsOn         []string             `json:"runs_on"`
	Needs          []string             `json:"needs,omitempty"`
	Condition      string               `json:"if,omitempty"`
	Container      *Container           `json:"container,omitempty"`
	Services       map[string]Container `json:"services,omitempty"`
	Env            map[string]string    `json:"env,omitempty"`
	Steps          []Step               `json:"steps"`
	Strategy       *Strategy            `json:"strategy,omitempty"`
	TimeoutMinutes int                  `json:"timeout_minutes"`
	Outputs        map[string]string    `json:"outputs,omitempty"`
}

// Container describes the job container or a service container.
type Container struct {
	Image       string            `json:"image"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Ports       []string          `json:"ports,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	Options     string            `json:"options,omitempty"`
}

// StepType distinguishes shell steps from action steps.
type StepType string

const (
	// StepRun executes a shell command.
	StepRun StepType = "run"
	// StepUses invokes a reusable action.
	StepUses StepType = "uses"
)

// Step is one sequential unit inside a job. Exactly one of Run and
// Uses is set.
type Step struct {
	Name             string                 `json:"name"`
	ID               string                 `json:"id,omitempty"`
	Type             StepType               `json:"type"`
	Run              string                 `json:"run,omitempty"`
	Uses             string                 `json:"uses,omitempty"`
	With             map[string]interface{} `json:"with,omitempty"`
	Env              map[string]string      `json:"env,omitempty"`
	WorkingDirectory string                 `json:"working_directory,omitempty"`
	Shell            string                 `json:"shell"`
	Condition        string                 `json:"if,omitempty"`
	ContinueOnError  bool                   `json:"continue_on_error,omitempty"`
	TimeoutMinutes   int                    `json:"timeout_minutes"`
}

// Strategy is the matrix strategy of a job.
type Strategy struct {
	FailFast    bool   `json:"fail_fast"`
	MaxParallel int    `json:"max_parallel,omitempty"`
	Matrix      Matrix `json:"matrix"`
}

// Matrix is a cartesian product declaration. Keys preserves the
// declaration order of variables; expansion and display names depend
// on it.
type Matrix struct {
	Keys      []string                 `json:"-"`
	Variables map[string][]interface{} `json:"variables,omitempty"`
	Include   []map[string]interface{} `json:"include,omitempty"`
	Exclude   []map[string]interface{} `json:"exclude,omitempty"`
}

// Empty reports whether the matrix declares nothing at all.
func (m Matrix) Empty() bool {
	return len(m.Variables) == 0 && len(m.Include) == 0 && len(m.Exclude) == 0
}

// parser accumulates errors while normalizing a document.
type parser struct {
	errs []string
}

func (p *parser) errorf(format string, args ...interface{}) {
	p.errs = append(p.errs, fmt.Sprintf(format, args...))
}

// Parse normalizes a pipeline YAML document. It returns the normalized
// config together with every validation error found; the config is
// valid iff the error list is empty. Parse itself never returns a Go
// error: a syntactically broken document yields an empty config and a
// single syntax error entry.
func Parse(content []byte) (*Config, []string) {
	var root yaml.Node
	if err := yaml.Unmarshal(content, &root); err != nil {
		return &Config{}, []string{fmt.Sprintf("YAML syntax error: %v", err)}
	}
	doc := resolve(&root)
	if doc == nil || doc.Kind != yaml.MappingNode {
		return &Config{}, []string{"pipeline configuration must be a YAML object"}
	}

	p := &parser{}
	// Structural pass first so shape errors precede the semantic ones,
	// then the permissive normalization pass. Both error sets are
	// combined.
	p.errs = append(p.errs, validateSchema(doc)...)
	cfg := p.parseConfig(doc)
	return cfg, p.errs
}

func (p *parser) parseConfig(doc *yaml.Node) *Config {
	cfg := &Config{
		Name:        asString(lookup(doc, "name"), "Unnamed Pipeline"),
		On:          p.parseTriggers(lookup(doc, "on")),
		Env:         asStringMap(lookup(doc, "env")),
		Defaults:    parseDefaults(lookup(doc, "defaults")),
		Concurrency: parseConcurrency(lookup(doc, "concurrency")),
	}
	cfg.Jobs, cfg.JobOrder = p.parseJobs(lookup(doc, "jobs"))
	if len(cfg.Jobs) == 0 {
		p.errorf("pipeline must have at least one job")
	}
	return cfg
}

func (p *parser) parseTriggers(n *yaml.Node) Triggers {
	var t Triggers
	switch {
	case n == nil || isNull(n):
		return t
	case isScalar(n):
		p.setTrigger(&t, asString(n, ""), nil)
	case isSequence(n):
		for _, item := range items(n) {
			p.setTrigger(&t, asString(item, ""), nil)
		}
	case isMapping(n):
		for _, e := range entries(n) {
			p.setTrigger(&t, e.key, e.value)
		}
	}
	return t
}

// setTrigger normalizes one trigger key. A nil config node covers the
// shorthand forms `on: push` and `on: [push]`.
func (p *parser) setTrigger(t *Triggers, name string, cfg *yaml.Node) {
	switch name {
	case "push":
		t.Push = parsePushTrigger(cfg)
	case "pull_request":
		t.PullRequest = parsePullRequestTrigger(cfg)
	case "schedule":
		t.Schedule = p.parseSchedule(cfg)
	case "workflow_dispatch":
		t.WorkflowDispatch = parseWorkflowDispatch(cfg)
	case "webhook":
		w, _ := asValue(cfg).(map[string]interface{})
		if w == nil {
			w = map[string]interface{}{}
		}
		t.Webhook = w
	default:
		p.errorf("unknown trigger type: %s", name)
	}
}

func parsePushTrigger(n *yaml.Node) *PushTrigger {
	t := &PushTrigger{}
	if isNull(n) {
		return t
	}
	t.Branches = asStringList(lookup(n, "branches"))
	t.BranchesIgnore = asStringList(lookup(n, "branches-ignore", "branches_ignore"))
	t.Paths = asStringList(lookup(n, "paths"))
	t.PathsIgnore = asStringList(lookup(n, "paths-ignore", "paths_ignore"))
	t.Tags = asStringList(lookup(n, "tags"))
	t.TagsIgnore = asStringList(lookup(n, "tags-ignore", "tags_ignore"))
	return t
}

func parsePullRequestTrigger(n *yaml.Node) *PullRequestTrigger {
	t := &PullRequestTrigger{Types: DefaultPRTypes}
	if isNull(n) {
		return t
	}
	t.Branches = asStringList(lookup(n, "branches"))
	t.BranchesIgnore = asStringList(lookup(n, "branches-ignore", "branches_ignore"))
	t.Paths = asStringList(lookup(n, "paths"))
	t.PathsIgnore = asStringList(lookup(n, "paths-ignore", "paths_ignore"))
	if types := asStringList(lookup(n, "types")); len(types) > 0 {
		t.Types = types
	}
	return t
}

func (p *parser) parseSchedule(n *yaml.Node) []Schedule {
	var out []Schedule
	for _, item := range items(n) {
		cron := asString(lookup(item, "cron"), "")
		if cron == "" {
			continue
		}
		if !validCron(cron) {
			p.errorf("invalid cron expression: %s", cron)
			continue
		}
		out = append(out, Schedule{Cron: cron})
	}
	return out
}

// validCron is deliberately loose: 5 or 6 whitespace-separated fields.
// The cron agent rejects expressions it cannot schedule.
func validCron(expr string) bool {
	n := len(strings.Fields(expr))
	return n == 5 || n == 6
}

func parseWorkflowDispatch(n *yaml.Node) *WorkflowDispatch {
	wd := &WorkflowDispatch{Inputs: map[string]DispatchInput{}}
	for _, e := range entries(lookup(n, "inputs")) {
		wd.Inputs[e.key] = DispatchInput{
			Description: asString(lookup(e.value, "description"), ""),
			Required:    asBool(lookup(e.value, "required"), false),
			Default:     asValue(lookup(e.value, "default")),
			Type:        asString(lookup(e.value, "type"), "string"),
			Options:     asStringList(lookup(e.value, "options")),
		}
		wd.InputOrder = append(wd.InputOrder, e.key)
	}
	return wd
}

func parseConcurrency(n *yaml.Node) Concurrency {
	if isScalar(n) && !isNull(n) {
		return Concurrency{Group: asString(n, "")}
	}
	if isMapping(n) {
		return Concurrency{
			Group:            asString(lookup(n, "group"), ""),
			CancelInProgress: asBool(lookup(n, "cancel-in-progress", "cancel_in_progress"), false),
		}
	}
	return Concurrency{}
}

func parseDefaults(n *yaml.Node) Defaults {
	run := lookup(n, "run")
	return Defaults{Run: RunDefaults{
		Shell:            asString(lookup(run, "shell"), ""),
		WorkingDirectory: asString(lookup(run, "working-directory", "working_directory"), ""),
	}}
}

func (p *parser) parseJobs(n *yaml.Node) (map[string]Job, []string) {
	jobs := map[string]Job{}
	var order []string
	for _, e := range entries(n) {
		if !jobKeyRegex.MatchString(e.key) {
			p.errorf("invalid job key: %s", e.key)
			continue
		}
		jobs[e.key] = p.parseJob(e.key, e.value)
		order = append(order, e.key)
	}
	p.validateNeeds(jobs, order)
	return jobs, order
}

func (p *parser) parseJob(key string, n *yaml.Node) Job {
	job := Job{
		Name:           asString(lookup(n, "name"), key),
		RunsOn:         asStringList(lookup(n, "runs-on", "runs_on")),
		Needs:          asStringList(lookup(n, "needs")),
		Condition:      asString(lookup(n, "if", "condition"), ""),
		Container:      parseContainer(lookup(n, "container")),
		Env:            asStringMap(lookup(n, "env")),
		Strategy:       p.parseStrategy(lookup(n, "strategy")),
		TimeoutMinutes: asInt(lookup(n, "timeout-minutes", "timeout_minutes"), 60),
		Outputs:        asStringMap(lookup(n, "outputs")),
	}
	if services := entries(lookup(n, "services")); len(services) > 0 {
		job.Services = make(map[string]Container, len(services))
		for _, s := range services {
			if c := parseContainer(s.value); c != nil {
				job.Services[s.key] = *c
			}
		}
	}
	job.Steps = p.parseSteps(key, lookup(n, "steps"))

	if len(job.RunsOn) == 0 {
		p.errorf("job %q must specify 'runs-on'", key)
	}
	if len(job.Steps) == 0 {
		p.errorf("job %q must have at least one step", key)
	}
	return job
}

func parseContainer(n *yaml.Node) *Container {
	if isNull(n) {
		return nil
	}
	if isScalar(n) {
		return &Container{Image: asString(n, "")}
	}
	return &Container{
		Image:       asString(lookup(n, "image"), ""),
		Credentials: asStringMap(lookup(n, "credentials")),
		Env:         asStringMap(lookup(n, "env")),
		Ports:       asStringList(lookup(n, "ports")),
		Volumes:     asStringList(lookup(n, "volumes")),
		Options:     asString(lookup(n, "options"), ""),
	}
}

func (p *parser) parseStrategy(n *yaml.Node) *Strategy {
	if isNull(n) {
		return nil
	}
	s := &Strategy{
		FailFast:    asBool(lookup(n, "fail-fast", "fail_fast"), true),
		MaxParallel: asInt(lookup(n, "max-parallel", "max_parallel"), 0),
	}
	matrix := lookup(n, "matrix")
	if isNull(matrix) {
		return s
	}
	s.Matrix.Variables = map[string][]interface{}{}
	// The normalized serialization nests variables under an explicit
	// `variables` key; raw GitHub Actions syntax mixes variable lists
	// with include/exclude at the matrix level.
	vars := lookup(matrix, "variables")
	if vars == nil {
		vars = matrix
	}
	for _, e := range entries(vars) {
		switch e.key {
		case "include", "exclude", "variables":
			continue
		}
		var values []interface{}
		for _, item := range items(e.value) {
			values = append(values, asValue(item))
		}
		s.Matrix.Keys = append(s.Matrix.Keys, e.key)
		s.Matrix.Variables[e.key] = values
	}
	for _, item := range items(lookup(matrix, "include")) {
		if m, ok := asValue(item).(map[string]interface{}); ok {
			s.Matrix.Include = append(s.Matrix.Include, m)
		}
	}
	for _, item := range items(lookup(matrix, "exclude")) {
		if m, ok := asValue(item).(map[string]interface{}); ok {
			s.Matrix.Exclude = append(s.Matrix.Exclude, m)
		}
	}
	return s
}

func (p *parser) parseSteps(jobKey string, n *yaml.Node) []Step {
	var steps []Step
	for i, item := range items(n) {
		step := Step{
			Name:             asString(lookup(item, "name"), fmt.Sprintf("Step %d", i+1)),
			ID:               asString(lookup(item, "id"), ""),
			Run:              asString(lookup(item, "run"), ""),
			Uses:             asString(lookup(item, "uses"), ""),
			Env:              asStringMap(lookup(item, "env")),
			WorkingDirectory: asString(lookup(item, "working-directory", "working_directory"), ""),
			Shell:            asString(lookup(item, "shell"), "bash"),
			Condition:        asString(lookup(item, "if", "condition"), ""),
			ContinueOnError:  asBool(lookup(item, "continue-on-error", "continue_on_error"), false),
			TimeoutMinutes:   asInt(lookup(item, "timeout-minutes", "timeout_minutes"), 60),
		}
		if with, ok := asValue(lookup(item, "with")).(map[string]interface{}); ok {
			step.With = with
		}
		switch {
		case step.Run == "" && step.Uses == "":
			p.errorf("job %q step %d must have either 'run' or 'uses'", jobKey, i+1)
		case step.Run != "" && step.Uses != "":
			p.errorf("job %q step %d cannot have both 'run' and 'uses'", jobKey, i+1)
		}
		if step.Uses != "" {
			step.Type = StepUses
		} else {
			step.Type = StepRun
		}
		steps = append(steps, step)
	}
	return steps
}

// validateNeeds checks that every needs entry references a declared
// job and that the dependency graph is acyclic.
func (p *parser) validateNeeds(jobs map[string]Job, order []string) {
	for _, key := range order {
		for _, need := range jobs[key].Needs {
			if _, ok := jobs[need]; !ok {
				p.errorf("job %q depends on non-existent job %q", key, need)
			}
		}
	}

	// DFS with a recursion stack; a single error regardless of how
	// many cycles exist.
	visited := map[string]bool{}
	onStack := map[string]bool{}
	var hasCycle func(key string) bool
	hasCycle = func(key string) bool {
		visited[key] = true
		onStack[key] = true
		for _, dep := range jobs[key].Needs {
			if _, ok := jobs[dep]; !ok {
				continue
			}
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if onStack[dep] {
				return true
			}
		}
		onStack[key] = false
		return false
	}
	for _, key := range order {
		if !visited[key] && hasCycle(key) {
			p.errorf("circular dependency detected in job graph")
			return
		}
	}
}
