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

package session

import "encoding/json"

// Message types the runner sends.
const (
	TypeHeartbeat     = "heartbeat"
	TypeLog           = "log"
	TypeStatusUpdate  = "status_update"
	TypeJobComplete   = "job_complete"
	TypeArtifactReady = "artifact_ready"
)

// Message types the control plane sends.
const (
	TypeConnected     = "connected"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeJobAssignment = "job_assignment"
	TypeJobCancel     = "job_cancel"
	TypeError         = "error"
)

// Envelope is the outer shape of every frame; Data carries the
// type-specific payload still encoded.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// HeartbeatMessage reports runner liveness and load. CurrentJobs is a
// pointer so an omitted count is distinguishable from zero jobs.
type HeartbeatMessage struct {
	Type        string      `json:"type"`
	CurrentJobs *int        `json:"current_jobs,omitempty"`
	SystemInfo  *SystemInfo `json:"system_info,omitempty"`
}

// SystemInfo describes the runner host, refreshed on every heartbeat.
type SystemInfo struct {
	Version string `json:"version,omitempty"`
	OS      string `json:"os,omitempty"`
	Arch    string `json:"arch,omitempty"`
}

// LogMessage carries one chunk of step output. Level is one of debug,
// info, warning, error; an empty level means info.
type LogMessage struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	StepOrder int    `json:"step_order"`
	Content   string `json:"content"`
	Level     string `json:"level,omitempty"`
}

// StatusUpdateMessage reports a step status change.
type StatusUpdateMessage struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	StepOrder int    `json:"step_order"`
	Status    string `json:"status"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// JobCompleteMessage reports a job's terminal status.
type JobCompleteMessage struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ArtifactReadyMessage announces an uploaded artifact.
type ArtifactReadyMessage struct {
	Type        string `json:"type"`
	JobID       string `json:"job_id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
}

// ConnectedMessage acknowledges a successful session. The runner is
// expected to heartbeat at the advertised interval.
type ConnectedMessage struct {
	Type              string `json:"type"`
	RunnerID          string `json:"runner_id"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds"`
}

// HeartbeatAckMessage answers a heartbeat.
type HeartbeatAckMessage struct {
	Type string `json:"type"`
}

// AssignedStep is one step of a dispatched job.
type AssignedStep struct {
	Order            int                    `json:"order"`
	Name             string                 `json:"name"`
	Run              string                 `json:"run,omitempty"`
	Uses             string                 `json:"uses,omitempty"`
	With             map[string]interface{} `json:"with,omitempty"`
	Env              map[string]string      `json:"env,omitempty"`
	Shell            string                 `json:"shell,omitempty"`
	WorkingDirectory string                 `json:"working_directory,omitempty"`
	If               string                 `json:"if,omitempty"`
	ContinueOnError  bool                   `json:"continue_on_error,omitempty"`
	TimeoutSeconds   int                    `json:"timeout_seconds,omitempty"`
}

// AssignedContainer is the container block of a dispatched job.
type AssignedContainer struct {
	Image       string            `json:"image"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Ports       []string          `json:"ports,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	Options     string            `json:"options,omitempty"`
}

// AssignedJob is the job payload of a job_assignment frame. Secrets
// carries the tenant's decrypted secrets; it exists only inside this
// frame and is never stored or logged.
type AssignedJob struct {
	ID             string                       `json:"id"`
	ExecutionID    string                       `json:"execution_id"`
	Name           string                       `json:"name"`
	RunsOn         []string                     `json:"runs_on"`
	Env            map[string]string            `json:"env,omitempty"`
	Matrix         map[string]interface{}       `json:"matrix,omitempty"`
	Container      *AssignedContainer           `json:"container,omitempty"`
	Services       map[string]AssignedContainer `json:"services,omitempty"`
	Secrets        map[string]string            `json:"secrets_materialized,omitempty"`
	TimeoutSeconds int                          `json:"timeout_seconds"`
	Steps          []AssignedStep               `json:"steps"`
}

// JobAssignmentMessage dispatches a job to the runner.
type JobAssignmentMessage struct {
	Type string      `json:"type"`
	Job  AssignedJob `json:"job"`
}

// JobCancelMessage asks the runner to abort a job.
type JobCancelMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// ErrorMessage reports a protocol error to the runner.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
