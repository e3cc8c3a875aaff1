package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// JobStatus is the backend's processing state for a job report.
type JobStatus string

const (
	JobPending     JobStatus = "PENDING"
	JobAudiosReady JobStatus = "AUDIOS_READY"
	JobReportReady JobStatus = "REPORT_READY"
	JobCompleted   JobStatus = "COMPLETED"
)

// Known reports whether s is one of the documented statuses.
func (s JobStatus) Known() bool {
	switch s {
	case JobPending, JobAudiosReady, JobReportReady, JobCompleted:
		return true
	}
	return false
}

// AudioURL is one generated clip.
type AudioURL struct {
	S3Path       string `json:"s3_path"`
	PresignedURL string `json:"presigned_url"`
	FileName     string `json:"file_name"`
}

// StatusResponse is the body of the job status endpoint.
type StatusResponse struct {
	Status    JobStatus  `json:"status"`
	AudioURLs []AudioURL `json:"audio_urls,omitempty"`
	ReportURL string     `json:"report_url,omitempty"`
}

// JobStatus fetches the current status of a job report. Unknown statuses
// are logged and blanked rather than failing the call.
func (c *Client) JobStatus(ctx context.Context, jobID int64) (*StatusResponse, error) {
	var out StatusResponse
	resp, err := c.api.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(jobID, 10)).
		SetResult(&out).
		Get("/api/jobReport/status/{id}")
	if err != nil {
		return nil, fmt.Errorf("%w: status request failed: %v", ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status request returned %d", ErrNetwork, resp.StatusCode())
	}

	if out.Status != "" && !out.Status.Known() {
		c.logger.Warn("Ignoring unknown job status", "job", jobID, "status", out.Status)
		out.Status = ""
	}
	return &out, nil
}

// Update is one poll outcome.
type Update struct {
	Response *StatusResponse
	Err      error
}

// StatusFeed polls a job's status.
type StatusFeed struct {
	client   *Client
	jobID    int64
	interval time.Duration
	logger   *slog.Logger
}

// NewStatusFeed creates a feed polling every interval (3s when zero).
func NewStatusFeed(client *Client, jobID int64, interval time.Duration, logger *slog.Logger) *StatusFeed {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusFeed{client: client, jobID: jobID, interval: interval, logger: logger}
}

// Poll fetches the status once.
func (f *StatusFeed) Poll(ctx context.Context) (*StatusResponse, error) {
	return f.client.JobStatus(ctx, f.jobID)
}

// Watch polls immediately and then every interval, delivering each outcome.
// The channel closes when ctx ends or once a report URL has been delivered;
// polling never resumes after that.
func (f *StatusFeed) Watch(ctx context.Context) <-chan Update {
	out := make(chan Update)
	go func() {
		defer close(out)

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			resp, err := f.Poll(ctx)
			if err != nil && ctx.Err() != nil {
				return
			}
			if err != nil {
				f.logger.Warn("Status poll failed", "job", f.jobID, "error", err)
			} else {
				f.logger.Debug("Status polled", "job", f.jobID, "status", resp.Status, "audios", len(resp.AudioURLs))
			}

			select {
			case out <- Update{Response: resp, Err: err}:
			case <-ctx.Done():
				return
			}

			if resp != nil && resp.ReportURL != "" {
				f.logger.Info("Report ready, polling stopped", "job", f.jobID, "report", resp.ReportURL)
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
