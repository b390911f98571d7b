package remote

import (
	"context"
	"go-flow-proxy/internal/models"
	"net/url"
)

// Lookup fetches the current status document for a job id.
type Lookup interface {
	Lookup(ctx context.Context, id string) (*models.RemoteJob, error)
}

type LookupFunc func(ctx context.Context, id string) (*models.RemoteJob, error)

func (f LookupFunc) Lookup(ctx context.Context, id string) (*models.RemoteJob, error) {
	return f(ctx, id)
}

// CompletedLookup queries the completed-jobs endpoint. The remote answers 404
// until the job has finished.
func (c *Client) CompletedLookup() Lookup {
	return LookupFunc(func(ctx context.Context, id string) (*models.RemoteJob, error) {
		return c.getJob(ctx, c.workspaceURL("jobs", "completed", "get", url.PathEscape(id)))
	})
}

// JobLookup queries the general job endpoint, which knows queued and running jobs too.
func (c *Client) JobLookup() Lookup {
	return LookupFunc(func(ctx context.Context, id string) (*models.RemoteJob, error) {
		return c.getJob(ctx, c.workspaceURL("jobs", "get", url.PathEscape(id)))
	})
}

// StatusLookup is the lookup strategy the proxy polls with.
func (c *Client) StatusLookup() Lookup {
	return ChainLookup{Primary: c.CompletedLookup(), Fallback: c.JobLookup()}
}

// ChainLookup tries Primary and falls back to Fallback only when Primary fails.
type ChainLookup struct {
	Primary  Lookup
	Fallback Lookup
}

func (l ChainLookup) Lookup(ctx context.Context, id string) (*models.RemoteJob, error) {
	job, err := l.Primary.Lookup(ctx, id)
	if err == nil {
		return job, nil
	}
	if l.Fallback == nil {
		return nil, err
	}
	return l.Fallback.Lookup(ctx, id)
}
