// Package poller implements the client side of the job lifecycle: a
// bounded, fixed-interval status poll that distinguishes worker-reported
// failure, timeout, and transport errors.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/uploadgate/uploadgate/internal/job"
)

// Outcome classifies how a poll loop ended. Transport failures are not an
// Outcome: they surface as an error from Wait so callers can present them
// separately from anything the worker reported.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
)

// Result is the final observation of a poll loop.
type Result struct {
	Outcome  Outcome
	Job      *job.Job // last observed record; nil on timeout before any response
	ErrorMsg string   // worker-reported message when Outcome is OutcomeError
	Attempts int
}

// Client polls the job status endpoint.
type Client struct {
	BaseURL     string
	APIKey      string
	Interval    time.Duration
	MaxAttempts int
	HTTPClient  *http.Client
}

func New(baseURL, apiKey string, interval time.Duration, maxAttempts int) *Client {
	return &Client{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		Interval:    interval,
		MaxAttempts: maxAttempts,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Wait polls until the job reaches a terminal state, the attempt budget is
// exhausted, ctx is cancelled, or a transport failure occurs. A transport
// failure stops polling immediately; remaining attempts are not consumed.
// No backoff: the interval is fixed.
func (c *Client) Wait(ctx context.Context, jobID string) (*Result, error) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		j, err := c.fetch(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("status check failed: %w", err)
		}

		switch j.Status {
		case job.StatusComplete:
			return &Result{Outcome: OutcomeComplete, Job: j, Attempts: attempt}, nil
		case job.StatusError:
			return &Result{Outcome: OutcomeError, Job: j, ErrorMsg: j.Error, Attempts: attempt}, nil
		}

		if attempt == c.MaxAttempts {
			return &Result{Outcome: OutcomeTimeout, Job: j, Attempts: attempt}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	// Unreachable with MaxAttempts >= 1; kept for a zero budget.
	return &Result{Outcome: OutcomeTimeout}, nil
}

func (c *Client) fetch(ctx context.Context, jobID string) (*job.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var j job.Job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
