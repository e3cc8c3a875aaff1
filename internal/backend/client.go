// Package backend talks to the interview backend: job status polling for
// generated audio and presigned upload slots for recorded answers.
package backend

import (
	"errors"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/viewin/viewin-agent/internal/audio"
)

// ErrNetwork wraps transport failures and non-2xx responses.
var ErrNetwork = errors.New("network error")

// Options configures the API client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Retries int
	// UploadContentType is the Content-Type the presigned upload URLs are
	// signed with. Defaults to audio/mpeg.
	UploadContentType string
}

// Client holds two resty clients: one for the API, carrying the bearer
// token, and a bare one for presigned storage URLs, which reject extra
// authorization.
type Client struct {
	api     *resty.Client
	storage *resty.Client
	logger  *slog.Logger

	uploadContentType string
}

// NewClient creates an API client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.UploadContentType == "" {
		opts.UploadContentType = audio.ContentTypeMPEG
	}
	if logger == nil {
		logger = slog.Default()
	}

	api := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		api.SetAuthToken(opts.Token)
	}
	api.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		req.SetHeader("X-Request-ID", uuid.NewString())
		return nil
	})

	storage := resty.New().
		SetTimeout(2 * opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(time.Second)

	return &Client{api: api, storage: storage, logger: logger, uploadContentType: opts.UploadContentType}
}

// Storage returns the client used for presigned URLs. The playback element
// shares it to download generated audio.
func (c *Client) Storage() *resty.Client {
	return c.storage
}
