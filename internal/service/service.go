package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/viewin/viewin-agent/internal/audio"
	"github.com/viewin/viewin-agent/internal/backend"
	"github.com/viewin/viewin-agent/internal/capture"
	"github.com/viewin/viewin-agent/internal/config"
	"github.com/viewin/viewin-agent/internal/interview"
	"github.com/viewin/viewin-agent/internal/playback"
	"github.com/viewin/viewin-agent/internal/transcode"
)

// Player is the playback surface the session drives.
type Player interface {
	interview.Player
	State() playback.State
	Volume() float64
	Close() error
}

// Recorder is the microphone capture surface the session drives.
type Recorder interface {
	Start(ctx context.Context, deviceID string) error
	Stop(ctx context.Context) error
	Reset()
	Answer(ctx context.Context) (*audio.Clip, error)
	Active() bool
	Volume() float64
	GetStatus() (capture.Status, *capture.SessionInfo)
	Close() error
}

// Uploader stores confirmed answers.
type Uploader interface {
	Initialize(ctx context.Context, jobID int64, numQuestions int, callbackURL string) error
	UploadAnswer(ctx context.Context, index int, clip *audio.Clip) error
	Progress() backend.Progress
	IsComplete() bool
	Initialized() bool
}

// Feed delivers job status updates.
type Feed interface {
	Watch(ctx context.Context) <-chan backend.Update
}

// AnswerState tracks the answer of the current question.
type AnswerState string

const (
	AnswerIdle      AnswerState = "IDLE"
	AnswerRecording AnswerState = "RECORDING"
	AnswerReview    AnswerState = "REVIEW"
	AnswerUploading AnswerState = "UPLOADING"
)

// AgentState is what the interviewer appears to be doing.
type AgentState string

const (
	AgentNone      AgentState = ""
	AgentTalking   AgentState = "talking"
	AgentListening AgentState = "listening"
	AgentThinking  AgentState = "thinking"
)

var ErrNoJob = errors.New("no job report id")

// Status is the UI-facing view of the whole session.
type Status struct {
	JobID             int64                `json:"job_id"`
	JobStatus         backend.JobStatus    `json:"job_status,omitempty"`
	ReportURL         string               `json:"report_url,omitempty"`
	Interview         interview.Status     `json:"interview"`
	Agent             AgentState           `json:"agent_state,omitempty"`
	Display           string               `json:"display_text"`
	WaitingForContent bool                 `json:"waiting_for_content"`
	Answer            AnswerState          `json:"answer_state"`
	Capture           capture.Status       `json:"capture_status"`
	Recording         *capture.SessionInfo `json:"recording,omitempty"`
	Playback          playback.State       `json:"playback_state"`
	Upload            backend.Progress     `json:"upload"`
	UploadComplete    bool                 `json:"upload_complete"`
	LastError         string               `json:"last_error,omitempty"`
}

// Deps are the collaborators of a session.
type Deps struct {
	Player   Player
	Recorder Recorder
	Uploader Uploader
	Feed     Feed
}

// Service wires playback, capture, the turn controller, the status feed and
// answer uploads into one interview session.
type Service struct {
	cfg        *config.Config
	jobID      int64
	player     Player
	recorder   Recorder
	uploader   Uploader
	feed       Feed
	controller *interview.Controller
	logger     *slog.Logger
	closers    []func() error

	mutex     sync.RWMutex
	answer    AnswerState
	jobStatus backend.JobStatus
	reportURL string
	signature string
	reviewTmp string

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a session over deps.
func New(cfg *config.Config, jobID int64, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:      cfg,
		jobID:    jobID,
		player:   deps.Player,
		recorder: deps.Recorder,
		uploader: deps.Uploader,
		feed:     deps.Feed,
		logger:   logger,
		answer:   AnswerIdle,
	}
	s.controller = interview.NewController(deps.Player, interview.Options{
		MaxRetries: cfg.Interview.MaxRetries,
		RetryDelay: cfg.Interview.RetryDelay,
	}, logger.With("component", "interview"))

	s.controller.Subscribe(interview.Hooks{
		OnStep: func(step interview.Step, index int) {
			logger.Debug("Interview step", "step", step, "question", index)
		},
		OnInterviewComplete: func() {
			logger.Info("All answers given, waiting for the report", "job", jobID)
		},
		OnError: func(err error) {
			s.setLastError(fmt.Sprintf("Playback failed: %v", err))
		},
	})
	return s
}

// Build assembles a session on real devices and the configured backend.
func Build(cfg *config.Config, jobID int64, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.API.BaseURL == "" {
		return nil, fmt.Errorf("api.base_url is required for an interview session")
	}

	audioBackend, err := audio.NewBackend(cfg.Audio.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio backend: %w", err)
	}

	client := backend.NewClient(backend.Options{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.RequestTimeout,
		Retries: cfg.API.Retries,

		UploadContentType: cfg.API.UploadContentType,
	}, logger.With("component", "backend"))

	deps := NewDeviceDeps(cfg, audioBackend, client, logger)
	deps.Uploader = backend.NewUploadManager(client, logger.With("component", "upload"))
	deps.Feed = backend.NewStatusFeed(client, jobID, cfg.API.PollInterval, logger.With("component", "feed"))

	s := New(cfg, jobID, deps, logger)
	s.closers = append(s.closers, audioBackend.Close)
	return s, nil
}

// NewDeviceDeps creates the playback engine and capture session on
// audioBackend. Uploader and Feed are left empty.
func NewDeviceDeps(cfg *config.Config, audioBackend audio.Backend, client *backend.Client, logger *slog.Logger) Deps {
	element := playback.NewStreamElement(audioBackend, client.Storage(), transcode.Decode, cfg.Playback.FramesPerBuffer, logger.With("component", "element"))
	engine := playback.NewEngine(element, playback.Options{
		LoadTimeout: cfg.Playback.LoadTimeout,
		SettleDelay: cfg.Playback.SettleDelay,
		FrameRate:   cfg.Playback.FrameRate,
	}, logger.With("component", "playback"))

	session := capture.NewSession(audioBackend, transcode.New(logger.With("component", "transcode")), CaptureOptions(cfg), logger.With("component", "capture"))
	return Deps{Player: engine, Recorder: session}
}

// CaptureOptions maps the capture section onto session options.
func CaptureOptions(cfg *config.Config) capture.Options {
	return capture.Options{
		SampleRate:      cfg.Capture.SampleRate,
		Channels:        cfg.Capture.Channels,
		FramesPerBuffer: cfg.Capture.SampleRate / 50,
		Bitrate:         cfg.Capture.Bitrate,
		FrameRate:       cfg.Playback.FrameRate,
		Constraints: audio.Constraints{
			EchoCancellation: cfg.Capture.EchoCancellation,
			NoiseSuppression: cfg.Capture.NoiseSuppression,
			AutoGainControl:  cfg.Capture.AutoGainControl,
		},
		TranscodeTimeout: cfg.Interview.AnswerTimeout,
	}
}

// Run drives the session until ctx ends: the status feed is turned into
// content snapshots for the controller while the controller loop runs.
func (s *Service) Run(ctx context.Context) error {
	if s.jobID <= 0 {
		return ErrNoJob
	}
	s.logger.Info("Starting interview session", "job", s.jobID)

	snapshots := make(chan interview.Snapshot, 1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.controller.Run(gctx, snapshots)
	})

	g.Go(func() error {
		for update := range s.feed.Watch(gctx) {
			snap, changed := s.applyUpdate(update)
			if !changed {
				continue
			}
			select {
			case snapshots <- snap:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// applyUpdate records a status update and reports whether it carries new
// audio content.
func (s *Service) applyUpdate(u backend.Update) (interview.Snapshot, bool) {
	if u.Err != nil {
		s.setLastError(fmt.Sprintf("Failed to fetch job status: %v", u.Err))
		return interview.Snapshot{}, false
	}

	resp := u.Response
	files := make([]interview.AudioFile, 0, len(resp.AudioURLs))
	for _, a := range resp.AudioURLs {
		files = append(files, interview.AudioFile{FileName: a.FileName, URL: a.PresignedURL})
	}
	signature := interview.Signature(files)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if resp.Status != "" {
		s.jobStatus = resp.Status
	}
	if resp.ReportURL != "" && s.reportURL == "" {
		s.reportURL = resp.ReportURL
		s.logger.Info("Report ready", "job", s.jobID, "url", resp.ReportURL)
	}
	if len(files) == 0 || signature == s.signature {
		return interview.Snapshot{}, false
	}
	s.signature = signature

	snap := interview.SnapshotFromFiles(files)
	s.logger.Info("Interview audio updated",
		"questions", len(snap.Questions),
		"available", snap.Available(),
		"introduction", snap.IntroductionURL != "")
	return snap, true
}

// StartInterview requests answer upload slots and plays the introduction.
func (s *Service) StartInterview(ctx context.Context) error {
	s.clearLastError()

	st := s.controller.Status()
	if !st.Ready {
		err := fmt.Errorf("%w: waiting for interview audio", interview.ErrNotReady)
		s.setLastError(err.Error())
		return err
	}

	if !s.uploader.Initialized() {
		if err := s.uploader.Initialize(ctx, s.jobID, st.TotalQuestions, s.cfg.API.CallbackURL); err != nil {
			s.setLastError(fmt.Sprintf("Failed to prepare answer uploads: %v", err))
			return err
		}
	}

	if err := s.controller.Start(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start interview: %v", err))
		return err
	}
	return nil
}

// StartAnswer opens the microphone for the current question.
func (s *Service) StartAnswer(ctx context.Context) error {
	if step := s.controller.Status().Step; step != interview.StepWaitingAnswer {
		return fmt.Errorf("can only start an answer in waiting_answer step, current: %s", step)
	}

	s.mutex.Lock()
	if s.answer != AnswerIdle {
		current := s.answer
		s.mutex.Unlock()
		return fmt.Errorf("can only start an answer from IDLE state, current: %s", current)
	}
	s.answer = AnswerRecording
	s.mutex.Unlock()

	s.stopReview()
	if err := s.recorder.Start(ctx, s.cfg.Capture.Device); err != nil {
		s.setAnswer(AnswerIdle)
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}
	s.clearLastError()
	return nil
}

// StopAnswer closes the microphone and keeps the answer for review.
func (s *Service) StopAnswer(ctx context.Context) error {
	s.mutex.Lock()
	if s.answer != AnswerRecording {
		current := s.answer
		s.mutex.Unlock()
		return fmt.Errorf("can only stop an answer from RECORDING state, current: %s", current)
	}
	s.mutex.Unlock()

	if err := s.recorder.Stop(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return err
	}
	s.setAnswer(AnswerReview)
	return nil
}

// ConfirmAnswer uploads the reviewed answer and moves to the next question.
// On upload failure the answer stays in review so it can be confirmed again.
func (s *Service) ConfirmAnswer(ctx context.Context) error {
	s.mutex.Lock()
	if s.answer != AnswerReview {
		current := s.answer
		s.mutex.Unlock()
		return fmt.Errorf("can only confirm an answer from REVIEW state, current: %s", current)
	}
	s.answer = AnswerUploading
	s.mutex.Unlock()

	s.stopReview()
	index := s.controller.Status().QuestionIndex

	clip, err := s.recorder.Answer(ctx)
	if err != nil {
		s.setAnswer(AnswerReview)
		s.setLastError(fmt.Sprintf("No answer to send: %v", err))
		return err
	}

	if !s.uploader.Initialized() {
		total := s.controller.Status().TotalQuestions
		if err := s.uploader.Initialize(ctx, s.jobID, total, s.cfg.API.CallbackURL); err != nil {
			s.setAnswer(AnswerReview)
			s.setLastError(fmt.Sprintf("Failed to prepare answer uploads: %v", err))
			return err
		}
	}

	if err := s.uploader.UploadAnswer(ctx, index, clip); err != nil {
		s.setAnswer(AnswerReview)
		s.setLastError(fmt.Sprintf("Failed to upload answer %d: %v", index+1, err))
		return err
	}

	if s.cfg.Output.KeepAnswers {
		if path, err := s.keepAnswer(index, clip); err != nil {
			s.logger.Warn("Failed to keep local answer copy", "question", index+1, "error", err)
		} else {
			s.logger.Info("Answer kept", "question", index+1, "path", path)
		}
	}

	s.recorder.Reset()
	s.setAnswer(AnswerIdle)
	s.clearLastError()

	if err := s.controller.Advance(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to advance: %v", err))
		return err
	}
	if s.uploader.IsComplete() {
		s.logger.Info("All answers uploaded", "job", s.jobID)
	}
	return nil
}

// RetryAnswer discards the current answer so the question can be answered
// again.
func (s *Service) RetryAnswer(ctx context.Context) error {
	s.mutex.RLock()
	current := s.answer
	s.mutex.RUnlock()

	switch current {
	case AnswerUploading:
		return fmt.Errorf("cannot retry while the answer is uploading")
	case AnswerRecording:
		if err := s.recorder.Stop(ctx); err != nil {
			s.logger.Warn("Failed to stop recording before retry", "error", err)
		}
	}

	s.stopReview()
	s.recorder.Reset()
	s.setAnswer(AnswerIdle)
	s.clearLastError()
	return nil
}

// ReviewAnswer plays the recorded answer back through the speakers.
func (s *Service) ReviewAnswer(ctx context.Context) error {
	s.mutex.RLock()
	current := s.answer
	s.mutex.RUnlock()
	if current != AnswerReview {
		return fmt.Errorf("can only review an answer from REVIEW state, current: %s", current)
	}

	clip, err := s.recorder.Answer(ctx)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp("", "viewin-answer-*."+clip.Extension())
	if err != nil {
		return fmt.Errorf("failed to stage answer for playback: %w", err)
	}
	if _, err := f.Write(clip.Data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("failed to stage answer for playback: %w", err)
	}
	f.Close()

	s.stopReview()
	s.mutex.Lock()
	s.reviewTmp = f.Name()
	s.mutex.Unlock()

	if err := s.player.Play(ctx, f.Name()); err != nil {
		s.setLastError(fmt.Sprintf("Failed to play answer: %v", err))
		return err
	}
	return nil
}

// stopReview stops answer playback and removes its staged file.
func (s *Service) stopReview() {
	s.mutex.Lock()
	tmp := s.reviewTmp
	s.reviewTmp = ""
	s.mutex.Unlock()

	if tmp == "" {
		return
	}
	s.player.Stop()
	os.Remove(tmp)
}

// Replay plays the current introduction or question again.
func (s *Service) Replay(ctx context.Context) error {
	if s.answerState() == AnswerRecording {
		return fmt.Errorf("cannot replay while recording")
	}
	return s.controller.Replay(ctx)
}

// ResetInterview discards any answer in progress and returns to idle.
func (s *Service) ResetInterview(ctx context.Context) error {
	if s.recorder.Active() {
		if err := s.recorder.Stop(ctx); err != nil {
			s.logger.Warn("Failed to stop recording on reset", "error", err)
		}
	}
	s.stopReview()
	s.recorder.Reset()
	s.setAnswer(AnswerIdle)
	s.clearLastError()
	return s.controller.Reset(ctx)
}

func (s *Service) keepAnswer(index int, clip *audio.Clip) (string, error) {
	dir := filepath.Join(s.cfg.Output.Directory, fmt.Sprintf("job-%d", s.jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("answer_%d.%s", index+1, clip.Extension()))
	if err := os.WriteFile(path, clip.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write answer: %w", err)
	}
	return path, nil
}

// Levels returns the agent (playback) and microphone levels in [0, 1].
func (s *Service) Levels() (agent, mic float64) {
	return s.player.Volume(), s.recorder.Volume()
}

// Status derives the UI-facing state.
func (s *Service) Status() Status {
	st := Status{
		JobID:     s.jobID,
		Interview: s.controller.Status(),
		Playback:  s.player.State(),
		Upload:    s.uploader.Progress(),
		LastError: s.GetLastError(),
	}
	st.UploadComplete = s.uploader.IsComplete()
	st.Capture, st.Recording = s.recorder.GetStatus()

	s.mutex.RLock()
	st.JobStatus = s.jobStatus
	st.ReportURL = s.reportURL
	st.Answer = s.answer
	s.mutex.RUnlock()

	st.WaitingForContent = !st.Interview.AllContentReady && !st.Interview.Started
	st.Agent, st.Display = describe(st)
	return st
}

func describe(st Status) (AgentState, string) {
	switch st.Interview.Step {
	case interview.StepIntroduction, interview.StepQuestion:
		return AgentTalking, "Speaking"
	case interview.StepCompleted:
		if st.ReportURL != "" {
			return AgentNone, "Report ready"
		}
		return AgentThinking, "Processing your answers"
	case interview.StepWaitingAnswer:
		switch st.Answer {
		case AnswerRecording:
			return AgentListening, "Listening"
		case AnswerReview:
			return AgentNone, "Review your answer"
		case AnswerUploading:
			return AgentThinking, "Sending your answer"
		}
		return AgentNone, "Ready to answer"
	}
	if st.WaitingForContent {
		return AgentThinking, "Preparing your interview"
	}
	return AgentNone, "Ready"
}

// Controller exposes the turn controller for hooks.
func (s *Service) Controller() *interview.Controller {
	return s.controller
}

// Config returns the session configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Close releases playback and capture resources.
func (s *Service) Close() error {
	s.stopReview()
	var errs []error
	if err := s.recorder.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.player.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) answerState() AnswerState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.answer
}

func (s *Service) setAnswer(a AnswerState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.answer = a
}

// GetLastError returns the last error message
func (s *Service) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message
func (s *Service) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
	if err != "" {
		s.logger.Error("Service error", "error", err)
	}
}

// clearLastError clears the last error message
func (s *Service) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// WaitReport blocks until the report URL is known or ctx ends.
func (s *Service) WaitReport(ctx context.Context) (string, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mutex.RLock()
		url := s.reportURL
		s.mutex.RUnlock()
		if url != "" {
			return url, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
