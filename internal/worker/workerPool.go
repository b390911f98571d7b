package worker

import (
	"context"
	"encoding/json"
	"go-flow-proxy/internal/models"
	"go-flow-proxy/internal/proxy"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

type Result struct {
	Request models.JobRequest
	Output  json.RawMessage
	Err     error
}

type WorkerPoolService interface {
	Run(ctx context.Context, reqs []models.JobRequest) []Result
}

// WorkerPool runs batches of job requests through the proxy with a bounded
// number in flight. Each request is independent: one failing never cancels
// the others.
type WorkerPool struct {
	runner proxy.RunnerService
	sem    *semaphore.Weighted
	size   int
}

func NewWorkerPool(runner proxy.RunnerService, workerCount int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &WorkerPool{
		runner: runner,
		sem:    semaphore.NewWeighted(int64(workerCount)),
		size:   workerCount,
	}
}

// Run blocks until every started request has finished. Results keep the order
// of reqs. Requests that could not start because ctx ended carry an
// Unexpected error and were never submitted.
func (wp *WorkerPool) Run(ctx context.Context, reqs []models.JobRequest) []Result {
	slog.Info("Worker pool received batch", "jobCount", len(reqs), "workers", wp.size)
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup

	for i, req := range reqs {
		results[i].Request = req
		if err := wp.sem.Acquire(ctx, 1); err != nil {
			slog.Warn("Batch context ended before all jobs started", "started", i, "error", err)
			for j := i; j < len(reqs); j++ {
				results[j] = Result{
					Request: reqs[j],
					Err:     &proxy.Error{Kind: proxy.KindUnexpected, Message: "batch aborted before start", Err: err},
				}
			}
			break
		}

		wg.Add(1)
		go func(idx int, job models.JobRequest) {
			defer wg.Done()
			defer wp.sem.Release(1)
			out, err := wp.runner.RunJob(ctx, job)
			results[idx].Output = out
			results[idx].Err = err
			if err != nil {
				slog.Error("Batch job failed", "index", idx, "path", job.Path, "error", err)
			}
		}(i, req)
	}

	wg.Wait()
	slog.Info("Worker pool finished batch", "jobCount", len(reqs))
	return results
}
