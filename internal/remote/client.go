package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"go-flow-proxy/internal/models"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SubmitterService starts a job on the remote execution service.
type SubmitterService interface {
	Submit(ctx context.Context, req models.JobRequest) (models.JobHandle, error)
}

// StatusError is returned when the remote service answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.Code, e.Body)
}

type Client struct {
	baseURL   string
	workspace string
	token     string
	http      *http.Client
}

func NewClient(baseURL, workspace, token string, timeout time.Duration) *Client {
	return NewClientWithHTTP(baseURL, workspace, token, &http.Client{Timeout: timeout})
}

func NewClientWithHTTP(baseURL, workspace, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		workspace: workspace,
		token:     token,
		http:      hc,
	}
}

func (c *Client) workspaceURL(parts ...string) string {
	return c.baseURL + "/api/w/" + url.PathEscape(c.workspace) + "/" + strings.Join(parts, "/")
}

// Submit posts the job arguments once. It never retries: a second submission
// would start a second remote job.
func (c *Client) Submit(ctx context.Context, req models.JobRequest) (models.JobHandle, error) {
	req = req.WithDefaults()
	body, err := json.Marshal(req.Args)
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("encode args: %w", err)
	}

	// path is a slash separated remote identifier, so it is appended as-is
	endpoint := c.workspaceURL("jobs", "run", req.Kind.RoutePrefix(), strings.TrimLeft(req.Path, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.JobHandle{}, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	id := CleanJobID(string(raw))
	if id == "" {
		return models.JobHandle{}, fmt.Errorf("submit job: empty job id in response")
	}
	slog.Debug("Submitted remote job", "path", req.Path, "kind", req.Kind, "jobID", id)
	return models.JobHandle{ID: id}, nil
}

// CleanJobID strips the JSON string quoting the remote service wraps ids in.
func CleanJobID(raw string) string {
	return strings.TrimSpace(strings.ReplaceAll(strings.TrimSpace(raw), `"`, ""))
}

// Ping checks that the remote service answers its version endpoint.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ping remote: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func (c *Client) getJob(ctx context.Context, endpoint string) (*models.RemoteJob, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	var job models.RemoteJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	return &job, nil
}

func (c *Client) authorize(r *http.Request) {
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
}
