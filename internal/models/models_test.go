package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) *RemoteJob {
	t.Helper()
	var job RemoteJob
	require.NoError(t, json.Unmarshal([]byte(raw), &job))
	return &job
}

func TestRemoteJobStatus(t *testing.T) {
	cases := []struct {
		name  string
		doc   string
		state JobState
		body  string
	}{
		{"succeeded with result", `{"success":true,"result":{"y":2}}`, StateSucceeded, `{"y":2}`},
		{"succeeded with null result", `{"success":true,"result":null}`, StateSucceeded, `null`},
		{"success without result is still running", `{"success":true}`, StateRunning, ``},
		{"failed", `{"success":false,"result":"boom"}`, StateFailed, `"boom"`},
		{"queued", `{"type":"QueuedJob"}`, StateRunning, ``},
		{"canceled", `{"type":"CompletedJob","canceled":true,"canceled_reason":"by admin"}`, StateFailed, `"by admin"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := decode(t, tc.doc).Status()
			require.Equal(t, tc.state, status.State)
			switch tc.state {
			case StateSucceeded:
				require.JSONEq(t, tc.body, string(status.Result))
			case StateFailed:
				require.JSONEq(t, tc.body, string(status.Details))
			}
		})
	}
}

func TestNilRemoteJobIsRunning(t *testing.T) {
	var job *RemoteJob
	require.False(t, job.Status().Terminal())
}

func TestJobRequestDefaults(t *testing.T) {
	req := JobRequest{Path: "f/demo"}.WithDefaults()
	require.NotNil(t, req.Args)
	require.Empty(t, req.Args)
	require.Equal(t, KindFlow, req.Kind)
	require.Equal(t, "f", req.Kind.RoutePrefix())
	require.Equal(t, "p", KindScript.RoutePrefix())
	require.True(t, KindScript.Valid())
	require.False(t, JobKind("bogus").Valid())
}
