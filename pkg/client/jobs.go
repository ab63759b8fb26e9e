package client

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Job fetches one job by id.
func (c *Client) Job(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Jobs lists the caller's most recent jobs, newest first.
func (c *Client) Jobs(ctx context.Context, limit int) ([]*Job, error) {
	path := "/v1/jobs"
	if limit > 0 {
		path += query("limit", strconv.Itoa(limit))
	}
	var out struct {
		Jobs []*Job `json:"jobs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// CancelJob requests cancellation. Pending jobs are removed outright;
// running jobs stop at their next checkpoint.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/jobs/"+jobID, nil, nil)
}

// AwaitJob polls jobID until it reaches a terminal state and returns
// the final snapshot. onUpdate, when non-nil, observes every polled
// snapshot including the terminal one. A FAILURE state is not an
// error; inspect the returned job.
func (c *Client) AwaitJob(ctx context.Context, jobID string, every time.Duration, onUpdate func(*Job)) (*Job, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		job, err := c.Job(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(job)
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
