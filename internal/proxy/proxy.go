package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go-flow-proxy/internal/metrics"
	"go-flow-proxy/internal/models"
	"go-flow-proxy/internal/remote"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxAttempts  = 120
)

type Options struct {
	PollInterval time.Duration
	MaxAttempts  int
	Metrics      *metrics.Metrics
}

// RunnerService runs one job request to a terminal result.
type RunnerService interface {
	RunJob(ctx context.Context, req models.JobRequest) (json.RawMessage, error)
}

type Proxy struct {
	submitter    remote.SubmitterService
	lookup       remote.Lookup
	pollInterval time.Duration
	maxAttempts  int
	metrics      *metrics.Metrics
}

func New(submitter remote.SubmitterService, lookup remote.Lookup, opts Options) *Proxy {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Proxy{
		submitter:    submitter,
		lookup:       lookup,
		pollInterval: opts.PollInterval,
		maxAttempts:  opts.MaxAttempts,
		metrics:      opts.Metrics,
	}
}

// RunJob submits req once and polls until the job reaches a terminal status
// or the attempt budget runs out. If ctx is cancelled while polling, the
// remote job is left running and an Unexpected error wrapping ctx.Err() is
// returned.
func (p *Proxy) RunJob(ctx context.Context, req models.JobRequest) (json.RawMessage, error) {
	if strings.TrimSpace(req.Path) == "" {
		return nil, &Error{Kind: KindInvalidRequest, Message: "Flow path is required"}
	}
	req = req.WithDefaults()
	if !req.Kind.Valid() {
		return nil, &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("unknown job kind %q", req.Kind)}
	}

	done := p.metrics.RunStarted(string(req.Kind))
	result, polls, err := p.run(ctx, req)
	outcome := models.StateSucceeded.String()
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			outcome = perr.Kind.String()
		}
	}
	done(outcome, polls)
	return result, err
}

func (p *Proxy) run(ctx context.Context, req models.JobRequest) (json.RawMessage, int, error) {
	handle, err := p.submitter.Submit(ctx, req)
	if err != nil {
		var serr *remote.StatusError
		if errors.As(err, &serr) {
			slog.Warn("Remote rejected job", "path", req.Path, "status", serr.Code)
			return nil, 0, &Error{
				Kind:    KindSubmissionFailed,
				Message: "Windmill API error: " + serr.Error(),
				Status:  serr.Code,
				Body:    serr.Body,
			}
		}
		return nil, 0, &Error{Kind: KindUnexpected, Message: "submit job", Err: err}
	}
	slog.Info("Job submitted, polling for completion", "path", req.Path, "jobID", handle.ID)

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := sleep(ctx, p.pollInterval); err != nil {
			slog.Warn("Caller went away, abandoning poll; remote job keeps running",
				"jobID", handle.ID, "attempt", attempt, "error", err)
			return nil, attempt - 1, &Error{Kind: KindUnexpected, Message: "polling aborted", JobID: handle.ID, Err: err}
		}

		job, err := p.lookup.Lookup(ctx, handle.ID)
		if err != nil {
			slog.Debug("Status lookup failed, treating job as in flight", "jobID", handle.ID, "attempt", attempt, "error", err)
			continue
		}

		status := job.Status()
		switch status.State {
		case models.StateSucceeded:
			slog.Info("Job succeeded", "jobID", handle.ID, "attempt", attempt)
			return status.Result, attempt, nil
		case models.StateFailed:
			slog.Warn("Job failed remotely", "jobID", handle.ID, "attempt", attempt)
			return nil, attempt, &Error{Kind: KindFailed, Message: "Job failed", Details: status.Details, JobID: handle.ID}
		}
	}

	slog.Warn("Polling budget exhausted", "jobID", handle.ID, "attempts", p.maxAttempts)
	return nil, p.maxAttempts, &Error{
		Kind:    KindTimeout,
		Message: "Job timeout - exceeded maximum polling attempts",
		JobID:   handle.ID,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
