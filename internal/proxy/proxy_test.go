package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"go-flow-proxy/internal/metrics"
	"go-flow-proxy/internal/models"
	"go-flow-proxy/internal/remote"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubSubmitter struct {
	mu     sync.Mutex
	calls  int
	last   models.JobRequest
	handle models.JobHandle
	err    error
}

func (s *stubSubmitter) Submit(_ context.Context, req models.JobRequest) (models.JobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = req
	return s.handle, s.err
}

func (s *stubSubmitter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// countingLookup answers poll n (1-based) with respond(n).
type countingLookup struct {
	mu      sync.Mutex
	calls   int
	respond func(n int) (*models.RemoteJob, error)
}

func (l *countingLookup) Lookup(_ context.Context, _ string) (*models.RemoteJob, error) {
	l.mu.Lock()
	l.calls++
	n := l.calls
	l.mu.Unlock()
	return l.respond(n)
}

func (l *countingLookup) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func running(int) (*models.RemoteJob, error) {
	return &models.RemoteJob{Type: "RunningJob"}, nil
}

func fastOptions(attempts int) Options {
	return Options{
		PollInterval: time.Millisecond,
		MaxAttempts:  attempts,
		Metrics:      metrics.MustNewMetrics(prometheus.NewRegistry()),
	}
}

func boolPtr(b bool) *bool { return &b }

func TestRunJobMissingPathMakesNoNetworkCall(t *testing.T) {
	sub := &stubSubmitter{handle: models.JobHandle{ID: "x"}}
	look := &countingLookup{respond: running}
	p := New(sub, look, fastOptions(3))

	for _, path := range []string{"", "   "} {
		_, err := p.RunJob(context.Background(), models.JobRequest{Path: path})
		require.ErrorIs(t, err, ErrInvalidRequest)
	}
	require.Zero(t, sub.Calls())
	require.Zero(t, look.Calls())
}

func TestRunJobUnknownKindMakesNoNetworkCall(t *testing.T) {
	sub := &stubSubmitter{handle: models.JobHandle{ID: "x"}}
	look := &countingLookup{respond: running}
	p := New(sub, look, fastOptions(3))

	_, err := p.RunJob(context.Background(), models.JobRequest{Path: "f/demo", Kind: "bogus"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Contains(t, err.Error(), "bogus")
	require.Zero(t, sub.Calls())
	require.Zero(t, look.Calls())
}

func TestRunJobSubmissionFailureSkipsPolling(t *testing.T) {
	sub := &stubSubmitter{err: &remote.StatusError{Code: http.StatusForbidden, Body: "no access"}}
	look := &countingLookup{respond: running}
	p := New(sub, look, fastOptions(3))

	_, err := p.RunJob(context.Background(), models.JobRequest{Path: "f/demo"})
	require.ErrorIs(t, err, ErrSubmissionFailed)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, http.StatusForbidden, perr.Status)
	require.Equal(t, "no access", perr.Body)
	require.Equal(t, http.StatusForbidden, perr.HTTPStatus())
	require.Equal(t, 1, sub.Calls())
	require.Zero(t, look.Calls())
}

func TestRunJobTransportFailureOnSubmitIsUnexpected(t *testing.T) {
	sub := &stubSubmitter{err: errors.New("connection refused")}
	look := &countingLookup{respond: running}
	p := New(sub, look, fastOptions(3))

	_, err := p.RunJob(context.Background(), models.JobRequest{Path: "f/demo"})
	require.ErrorIs(t, err, ErrUnexpected)
	require.Contains(t, err.Error(), "connection refused")
	require.Zero(t, look.Calls())
}

func TestRunJobFirstPollSucceeds(t *testing.T) {
	sub := &stubSubmitter{handle: models.JobHandle{ID: "abc123"}}
	look := &countingLookup{respond: func(int) (*models.RemoteJob, error) {
		return &models.RemoteJob{Success: boolPtr(true), Result: json.RawMessage(`{"y":2}`)}, nil
	}}
	p := New(sub, look, fastOptions(120))

	out, err := p.RunJob(context.Background(), models.JobRequest{Path: "f/demo", Args: map[string]any{"x": 1}})
	require.NoError(t, err)
	require.JSONEq(t, `{"y":2}`, string(out))
	require.Equal(t, 1, look.Calls())
	require.Equal(t, 1, sub.Calls())
	require.Equal(t, map[string]any{"x": 1}, sub.last.Args)
}

func TestRunJobFailureStopsPolling(t *testing.T) {
	sub := &stubSubmitter{handle: models.JobHandle{ID: "abc"}}
	look := &countingLookup{respond: func(n int) (*models.RemoteJob, error) {
		if n < 3 {
			return &models.RemoteJob{Type: "RunningJob"}, nil
		}
		return &models.RemoteJob{Success: boolPtr(false), Result: json.RawMessage(`{"error":"bad input"}`)}, nil
	}}
	p := New(sub, look, fastOptions(10))

	_, err := p.RunJob(context.Background(), models.JobRequest{Path: "f/demo"})
	require.ErrorIs(t, err, ErrFailed)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	require.JSONEq(t, `{"error":"bad input"}`, string(perr.Details))
	require.Equal(t, "abc", perr.JobID)
	require.Equal(t, http.StatusInternalServerError, perr.HTTPStatus())
	require.Equal(t, 3, look.Calls())
}

func TestRunJobTimeoutUsesWholeBudget(t *testing.T) {
	sub := &stubSubmitter{handle: models.JobHandle{ID: "slow"}}
	look := &countingLookup{respond: running}
	p := New(sub, look, fastOptions(7))

	_, err := p.RunJob(context.Background(), models.JobRequest{Path: "f/slow"})
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 7, look.Calls())
	require.Equal(t, 1, sub.Calls())

	var perr *Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, http.StatusRequestTimeout, perr.HTTPStatus())
}

func TestRunJobLookupErrorsCountAsInFlight(t *testing.T) {
	sub := &stubSubmitter{handle: models.JobHandle{ID: "abc"}}
	look := &countingLookup{respond: func(int) (*models.RemoteJob, error) {
		return nil, errors.New("bad gateway")
	}}
	p := New(sub, look, fastOptions(4))

	_, err := p.RunJob(context.Background(), models.JobRequest{Path: "f/demo"})
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 4, look.Calls())
	require.Equal(t, 1, sub.Calls())
}

func TestRunJobFallbackReportsFailureOnFourthPoll(t *testing.T) {
	var mu sync.Mutex
	var completedCalls, generalCalls int
	chain := remote.ChainLookup{
		Primary: remote.LookupFunc(func(context.Context, string) (*models.RemoteJob, error) {
			mu.Lock()
			defer mu.Unlock()
			completedCalls++
			return nil, &remote.StatusError{Code: http.StatusNotFound}
		}),
		Fallback: remote.LookupFunc(func(context.Context, string) (*models.RemoteJob, error) {
			mu.Lock()
			defer mu.Unlock()
			generalCalls++
			if generalCalls < 4 {
				return &models.RemoteJob{Type: "RunningJob"}, nil
			}
			return &models.RemoteJob{Success: boolPtr(false), Result: json.RawMessage(`"boom"`)}, nil
		}),
	}
	sub := &stubSubmitter{handle: models.JobHandle{ID: "abc123"}}
	p := New(sub, chain, fastOptions(120))

	_, err := p.RunJob(context.Background(), models.JobRequest{Path: "f/demo"})
	require.ErrorIs(t, err, ErrFailed)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	require.JSONEq(t, `"boom"`, string(perr.Details))
	require.Equal(t, 4, completedCalls)
	require.Equal(t, 4, generalCalls)
}

func TestRunJobCallerCancellationAbandonsPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := &stubSubmitter{handle: models.JobHandle{ID: "orphan"}}
	look := &countingLookup{respond: func(n int) (*models.RemoteJob, error) {
		if n == 2 {
			cancel()
		}
		return &models.RemoteJob{Type: "RunningJob"}, nil
	}}
	p := New(sub, look, fastOptions(50))

	_, err := p.RunJob(ctx, models.JobRequest{Path: "f/demo"})
	require.ErrorIs(t, err, ErrUnexpected)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, look.Calls())
	require.Equal(t, 1, sub.Calls())

	var perr *Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "orphan", perr.JobID)
}

func TestNewAppliesDefaultBudget(t *testing.T) {
	p := New(&stubSubmitter{}, &countingLookup{respond: running}, Options{})
	require.Equal(t, DefaultPollInterval, p.pollInterval)
	require.Equal(t, DefaultMaxAttempts, p.maxAttempts)
}
