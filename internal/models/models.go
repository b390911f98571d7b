package models

import (
	"bytes"
	"encoding/json"
)

type JobKind string

const (
	KindFlow   JobKind = "flow"
	KindScript JobKind = "script"
)

func (k JobKind) Valid() bool {
	return k == KindFlow || k == KindScript
}

// RoutePrefix is the path segment the remote service uses to tell flows from scripts.
func (k JobKind) RoutePrefix() string {
	if k == KindScript {
		return "p"
	}
	return "f"
}

type JobRequest struct {
	Path string         `json:"path"`
	Args map[string]any `json:"args,omitempty"`
	Kind JobKind        `json:"kind,omitempty"`
}

// WithDefaults returns a copy with an empty args object and the flow kind filled in.
func (r JobRequest) WithDefaults() JobRequest {
	if r.Args == nil {
		r.Args = map[string]any{}
	}
	if r.Kind == "" {
		r.Kind = KindFlow
	}
	return r
}

type JobHandle struct {
	ID string
}

// RemoteJob is the status document returned by the completed and general job endpoints.
type RemoteJob struct {
	ID             string          `json:"id"`
	Type           string          `json:"type,omitempty"`
	Success        *bool           `json:"success,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Canceled       bool            `json:"canceled,omitempty"`
	CanceledReason string          `json:"canceled_reason,omitempty"`
	Logs           string          `json:"logs,omitempty"`
	DurationMs     int64           `json:"duration_ms,omitempty"`
}

type JobState int

const (
	StateRunning JobState = iota
	StateSucceeded
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "running"
	}
}

// JobStatus carries Result for Succeeded and Details for Failed.
type JobStatus struct {
	State   JobState
	Result  json.RawMessage
	Details json.RawMessage
}

func (s JobStatus) Terminal() bool {
	return s.State != StateRunning
}

// Status maps a remote status document onto the proxy's three states.
// A success flag without a result payload is still treated as in flight.
func (j *RemoteJob) Status() JobStatus {
	if j == nil {
		return JobStatus{State: StateRunning}
	}
	if j.Success != nil {
		if *j.Success && hasPayload(j.Result) {
			return JobStatus{State: StateSucceeded, Result: j.Result}
		}
		if !*j.Success {
			return JobStatus{State: StateFailed, Details: j.Result}
		}
	}
	if j.Canceled {
		reason := j.CanceledReason
		if reason == "" {
			reason = "job was canceled"
		}
		details, _ := json.Marshal(reason)
		return JobStatus{State: StateFailed, Details: details}
	}
	return JobStatus{State: StateRunning}
}

// hasPayload reports whether the result field was present at all. A JSON null
// counts as present.
func hasPayload(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) > 0
}
