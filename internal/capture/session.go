package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viewin/viewin-agent/internal/audio"
	"github.com/viewin/viewin-agent/internal/codec"
)

// Status represents the current state of the capture session
type Status string

const (
	StatusStandby   Status = "STANDBY"
	StatusRecording Status = "RECORDING"
	StatusStopping  Status = "STOPPING"
)

var (
	// ErrCaptureActive is returned by Start while a capture is recording or
	// still being finalized.
	ErrCaptureActive = errors.New("capture already active")

	// ErrNoRecording is returned by Answer before any clip was captured.
	ErrNoRecording = errors.New("no recorded answer")
)

// Converter turns a raw recording into its transcription-friendly form.
type Converter interface {
	Convert(ctx context.Context, clip *audio.Clip) (*audio.Clip, error)
}

// Options configures the capture pipeline.
type Options struct {
	SampleRate       int
	Channels         int
	FramesPerBuffer  int
	Bitrate          int
	FrameRate        int
	Constraints      audio.Constraints
	TranscodeTimeout time.Duration
}

// DefaultOptions returns mono 48kHz capture with 20ms buffers.
func DefaultOptions() Options {
	return Options{
		SampleRate:       48000,
		Channels:         1,
		FramesPerBuffer:  960,
		Bitrate:          32000,
		FrameRate:        60,
		Constraints:      audio.DefaultConstraints(),
		TranscodeTimeout: 30 * time.Second,
	}
}

// SessionInfo describes the current or last capture.
type SessionInfo struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	StartTime time.Time `json:"start_time"`
	StopTime  time.Time `json:"stop_time,omitempty"`
}

// Session owns one microphone stream at a time, encodes it to Ogg/Opus while
// recording and derives a WAV rendition once the recording stops.
type Session struct {
	backend   audio.Backend
	converter Converter
	opts      Options
	logger    *slog.Logger

	mutex    sync.Mutex
	status   Status
	info     *SessionInfo
	stream   audio.Stream
	encoded  *bytes.Buffer
	encoder  *codec.OggOpusWriter
	encErr   error
	analyser *audio.Analyser
	volume   float64

	raw         *audio.Clip
	transcoded  *audio.Clip
	generation  uint64
	transcoding chan struct{}

	samplerStop chan struct{}
	samplerDone chan struct{}
}

// NewSession creates an idle capture session.
func NewSession(backend audio.Backend, converter Converter, opts Options, logger *slog.Logger) *Session {
	def := DefaultOptions()
	if opts.SampleRate <= 0 {
		opts.SampleRate = def.SampleRate
	}
	if opts.Channels <= 0 {
		opts.Channels = def.Channels
	}
	if opts.FramesPerBuffer <= 0 {
		opts.FramesPerBuffer = opts.SampleRate / 50
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = def.FrameRate
	}
	if opts.TranscodeTimeout <= 0 {
		opts.TranscodeTimeout = def.TranscodeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		backend:   backend,
		converter: converter,
		opts:      opts,
		logger:    logger,
		status:    StatusStandby,
	}
}

// Start opens the input device and begins encoding. An empty deviceID picks
// the system default. Clips from a previous capture are discarded.
func (s *Session) Start(ctx context.Context, deviceID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.status != StatusStandby {
		return fmt.Errorf("%w: can only start from standby state, current: %s", ErrCaptureActive, s.status)
	}

	encoded := &bytes.Buffer{}
	encoder, err := codec.NewOggOpusWriter(encoded, s.opts.SampleRate, s.opts.Channels, s.opts.Bitrate)
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	analyser := audio.NewAnalyser()

	stream, err := s.backend.OpenInput(ctx, audio.InputOptions{
		DeviceID:        deviceID,
		SampleRate:      s.opts.SampleRate,
		Channels:        s.opts.Channels,
		FramesPerBuffer: s.opts.FramesPerBuffer,
		Constraints:     s.opts.Constraints,
		OnFrames:        s.onFrames,
	})
	if err != nil {
		return fmt.Errorf("failed to open microphone: %w", err)
	}

	s.discardClipsLocked()
	s.encoded = encoded
	s.encoder = encoder
	s.encErr = nil
	s.analyser = analyser
	s.volume = 0
	s.info = &SessionInfo{ID: uuid.NewString(), DeviceID: deviceID, StartTime: time.Now()}
	s.status = StatusRecording

	if err := stream.Start(); err != nil {
		s.status = StatusStandby
		s.encoder, s.encoded, s.analyser = nil, nil, nil
		stream.Close()
		return fmt.Errorf("%w: failed to start microphone: %v", audio.ErrDevice, err)
	}
	s.stream = stream

	s.samplerStop = make(chan struct{})
	s.samplerDone = make(chan struct{})
	go s.sampleVolume(s.samplerStop, s.samplerDone)

	s.logger.Info("Capture started", "session", s.info.ID, "device", deviceID,
		"sample_rate", s.opts.SampleRate, "channels", s.opts.Channels)
	return nil
}

// onFrames runs on the audio thread.
func (s *Session) onFrames(frames []float32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.status != StatusRecording {
		return
	}
	if s.encErr == nil {
		if err := s.encoder.Write(frames); err != nil {
			s.encErr = err
			s.logger.Error("Encoding failed, further audio is dropped", "session", s.info.ID, "error", err)
		}
	}
	s.analyser.Write(frames, s.opts.Channels)
}

func (s *Session) sampleVolume(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mutex.Lock()
			if s.status != StatusRecording || s.analyser == nil {
				s.mutex.Unlock()
				return
			}
			s.volume = s.analyser.Level()
			s.mutex.Unlock()
		}
	}
}

// Stop finalizes the recording, releases the device and publishes the raw
// clip. Transcoding continues in the background. Stop is a no-op unless a
// capture is recording.
func (s *Session) Stop(ctx context.Context) error {
	s.mutex.Lock()
	if s.status != StatusRecording {
		s.mutex.Unlock()
		return nil
	}
	s.status = StatusStopping
	stream := s.stream
	samplerStop, samplerDone := s.samplerStop, s.samplerDone
	s.stream = nil
	s.samplerStop, s.samplerDone = nil, nil
	s.mutex.Unlock()

	// The device is released without the lock: the audio callback takes it.
	close(samplerStop)
	var streamErr error
	if err := stream.Stop(); err != nil {
		streamErr = fmt.Errorf("failed to stop microphone: %w", err)
	}
	if err := stream.Close(); err != nil && streamErr == nil {
		streamErr = fmt.Errorf("failed to close microphone: %w", err)
	}
	select {
	case <-samplerDone:
	case <-ctx.Done():
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	closeErr := s.encoder.Close()
	data := s.encoded.Bytes()
	s.encoder, s.encoded, s.analyser = nil, nil, nil
	s.volume = 0
	s.status = StatusStandby
	s.info.StopTime = time.Now()

	if closeErr != nil {
		s.logger.Error("Failed to finalize recording", "session", s.info.ID, "error", closeErr)
		return fmt.Errorf("failed to finalize recording: %w", closeErr)
	}

	s.raw = &audio.Clip{
		ID:          s.info.ID,
		Data:        data,
		ContentType: audio.ContentTypeOggOpus,
		CreatedAt:   s.info.StopTime,
	}
	s.transcoded = nil
	done := make(chan struct{})
	s.transcoding = done
	go s.transcode(s.generation, s.raw, done)

	s.logger.Info("Capture stopped", "session", s.info.ID,
		"duration", s.info.StopTime.Sub(s.info.StartTime), "bytes", len(data))

	if streamErr != nil {
		s.logger.Warn("Microphone teardown reported an error", "session", s.info.ID, "error", streamErr)
	}
	return nil
}

func (s *Session) transcode(gen uint64, raw *audio.Clip, done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TranscodeTimeout)
	defer cancel()

	out, err := s.converter.Convert(ctx, raw)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	defer close(done)

	if s.generation != gen {
		s.logger.Debug("Dropping transcoded clip from a discarded recording", "clip", raw.ID)
		return
	}
	if err != nil {
		// the raw clip stays available as the answer
		s.logger.Warn("Transcoding failed, keeping raw recording", "clip", raw.ID, "error", err)
		return
	}
	s.transcoded = out
}

// Reset discards both clips and zeroes the volume. An active capture keeps
// running untouched.
func (s *Session) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.discardClipsLocked()
	if s.status == StatusStandby {
		s.volume = 0
	}
}

func (s *Session) discardClipsLocked() {
	s.generation++
	s.raw = nil
	s.transcoded = nil
	s.transcoding = nil
}

// Volume returns the last sampled input level, or 0 when not recording.
func (s *Session) Volume() float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.status != StatusRecording {
		return 0
	}
	return s.volume
}

// Active reports whether a capture is recording or being finalized.
func (s *Session) Active() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.status != StatusStandby
}

// GetStatus returns the current status and a copy of the session info.
func (s *Session) GetStatus() (Status, *SessionInfo) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var info *SessionInfo
	if s.info != nil {
		cp := *s.info
		info = &cp
	}
	return s.status, info
}

// RawClip returns the last finalized recording.
func (s *Session) RawClip() *audio.Clip {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.raw
}

// TranscodedClip returns the WAV rendition once transcoding succeeded.
func (s *Session) TranscodedClip() *audio.Clip {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.transcoded
}

// Answer returns the clip to hand to collaborators: the WAV rendition when
// transcoding finishes within the transcode timeout, otherwise the raw
// recording.
func (s *Session) Answer(ctx context.Context) (*audio.Clip, error) {
	s.mutex.Lock()
	raw, transcoded, pending := s.raw, s.transcoded, s.transcoding
	s.mutex.Unlock()

	if raw == nil {
		return nil, ErrNoRecording
	}
	if transcoded != nil {
		return transcoded, nil
	}
	if pending == nil {
		return raw, nil
	}

	timer := time.NewTimer(s.opts.TranscodeTimeout)
	defer timer.Stop()

	select {
	case <-pending:
	case <-timer.C:
		s.logger.Warn("Transcoding still running, using raw recording", "clip", raw.ID)
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.transcoded != nil && s.transcoded.ID == raw.ID {
		return s.transcoded, nil
	}
	return raw, nil
}

// Close stops any active capture.
func (s *Session) Close() error {
	return s.Stop(context.Background())
}
