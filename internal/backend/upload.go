package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/viewin/viewin-agent/internal/audio"
)

var (
	ErrNoUploadTarget = errors.New("no upload url for question")
	ErrNotInitialized = errors.New("upload manager not initialized")
)

// UploadTarget is the presigned destination for one answer.
type UploadTarget struct {
	QuestionIndex int    `json:"questionIndex"`
	PresignedURL  string `json:"presignedUrl"`
	S3Key         string `json:"s3Key"`
}

// UploadSession is the response of the upload URL endpoint.
type UploadSession struct {
	SessionID  string         `json:"sessionId"`
	UploadURLs []UploadTarget `json:"uploadUrls"`
	ExpiresIn  int            `json:"expiresIn"`
}

type uploadURLsRequest struct {
	JobReportID  int64  `json:"jobReportId"`
	NumQuestions int    `json:"numQuestions"`
	CallbackURL  string `json:"callbackUrl,omitempty"`
}

// Progress reports answer uploads against the interview size.
type Progress struct {
	Uploaded   int     `json:"uploaded"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// UploadManager requests one upload slot per question and PUTs answers to
// them. Each question counts once toward completion, however many times it
// is uploaded.
type UploadManager struct {
	client *Client
	logger *slog.Logger

	mutex     sync.Mutex
	sessionID string
	targets   map[int]UploadTarget
	uploaded  map[int]bool
	total     int
	expiresAt time.Time
}

// NewUploadManager creates an uninitialized manager.
func NewUploadManager(client *Client, logger *slog.Logger) *UploadManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadManager{client: client, logger: logger}
}

// Initialize requests upload URLs for numQuestions answers.
func (m *UploadManager) Initialize(ctx context.Context, jobID int64, numQuestions int, callbackURL string) error {
	if numQuestions <= 0 {
		return fmt.Errorf("number of questions must be positive, got %d", numQuestions)
	}

	var session UploadSession
	resp, err := m.client.api.R().
		SetContext(ctx).
		SetBody(uploadURLsRequest{JobReportID: jobID, NumQuestions: numQuestions, CallbackURL: callbackURL}).
		SetResult(&session).
		Post("/api/jobReport/generate-upload-urls")
	if err != nil {
		return fmt.Errorf("%w: upload url request failed: %v", ErrNetwork, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: upload url request returned %d", ErrNetwork, resp.StatusCode())
	}

	targets := make(map[int]UploadTarget, len(session.UploadURLs))
	for _, t := range session.UploadURLs {
		targets[t.QuestionIndex] = t
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessionID = session.SessionID
	m.targets = targets
	m.uploaded = make(map[int]bool)
	m.total = numQuestions
	if session.ExpiresIn > 0 {
		m.expiresAt = time.Now().Add(time.Duration(session.ExpiresIn) * time.Second)
	} else {
		m.expiresAt = time.Time{}
	}

	m.logger.Info("Upload session ready", "session", session.SessionID, "questions", numQuestions, "urls", len(targets))
	return nil
}

// UploadAnswer PUTs clip to the slot of question index. The request carries
// the content type the slot was signed for, not the clip's own, since any
// other value breaks the signature.
func (m *UploadManager) UploadAnswer(ctx context.Context, index int, clip *audio.Clip) error {
	m.mutex.Lock()
	if m.targets == nil {
		m.mutex.Unlock()
		return ErrNotInitialized
	}
	target, ok := m.targets[index]
	expiresAt := m.expiresAt
	m.mutex.Unlock()

	if !ok {
		return fmt.Errorf("%w %d", ErrNoUploadTarget, index)
	}
	if clip == nil || len(clip.Data) == 0 {
		return fmt.Errorf("empty answer for question %d", index)
	}
	if !expiresAt.IsZero() && time.Now().After(expiresAt) {
		m.logger.Warn("Upload URL may have expired", "question", index, "expired_at", expiresAt)
	}

	start := time.Now()
	resp, err := m.client.storage.R().
		SetContext(ctx).
		SetHeader("Content-Type", m.client.uploadContentType).
		SetBody(clip.Data).
		Put(target.PresignedURL)
	if err != nil {
		return fmt.Errorf("%w: upload of answer %d failed: %v", ErrNetwork, index, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: upload of answer %d returned %d", ErrNetwork, index, resp.StatusCode())
	}

	m.mutex.Lock()
	m.uploaded[index] = true
	uploaded, total := len(m.uploaded), m.total
	m.mutex.Unlock()

	m.logger.Info("Answer uploaded",
		"question", index+1,
		"bytes", clip.Size(),
		"format", clip.ContentType,
		"key", target.S3Key,
		"progress", fmt.Sprintf("%d/%d", uploaded, total),
		"took", time.Since(start))
	return nil
}

// Progress returns the upload progress.
func (m *UploadManager) Progress() Progress {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p := Progress{Uploaded: len(m.uploaded), Total: m.total}
	if m.total > 0 {
		p.Percentage = float64(p.Uploaded) / float64(m.total) * 100
	}
	return p
}

// IsComplete reports whether every question has an uploaded answer.
func (m *UploadManager) IsComplete() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.total > 0 && len(m.uploaded) >= m.total
}

// Initialized reports whether upload URLs have been obtained.
func (m *UploadManager) Initialized() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.targets != nil
}

// SessionID returns the backend upload session id.
func (m *UploadManager) SessionID() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.sessionID
}
