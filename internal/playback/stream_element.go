package playback

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/viewin/viewin-agent/internal/audio"
)

const progressInterval = 250 * time.Millisecond

// DecodeFunc turns an encoded clip into PCM.
type DecodeFunc func(data []byte) (*audio.Buffer, error)

// StreamElement fetches a clip over HTTP (or from disk for file paths),
// decodes it fully and plays it through a backend output stream.
type StreamElement struct {
	backend         audio.Backend
	client          *resty.Client
	decode          DecodeFunc
	framesPerBuffer int
	logger          *slog.Logger

	events   chan ElementEvent
	analyser *audio.Analyser

	mutex        sync.Mutex
	loadID       uint64
	buf          *audio.Buffer
	pos          int
	playing      bool
	started      bool
	stream       audio.Stream
	lastProgress time.Time
	closed       bool
}

// NewStreamElement creates an element. client may be shared with other
// HTTP users; a nil client gets a fresh one.
func NewStreamElement(backend audio.Backend, client *resty.Client, decode DecodeFunc, framesPerBuffer int, logger *slog.Logger) *StreamElement {
	if client == nil {
		client = resty.New()
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamElement{
		backend:         backend,
		client:          client,
		decode:          decode,
		framesPerBuffer: framesPerBuffer,
		logger:          logger,
		events:          make(chan ElementEvent, 64),
		analyser:        audio.NewAnalyser(),
	}
}

// Load downloads and decodes src, replacing the previous source.
func (s *StreamElement) Load(ctx context.Context, id uint64, src string) error {
	data, err := s.fetch(ctx, src)
	if err != nil {
		return err
	}
	buf, err := s.decode(data)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", src, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return ErrClosed
	}
	s.playing = false
	// keep the output stream when the format matches
	var old audio.Stream
	oldStarted := false
	if s.stream != nil && (s.buf == nil || s.buf.SampleRate != buf.SampleRate || s.buf.Channels != buf.Channels) {
		old, oldStarted = s.stream, s.started
		s.stream, s.started = nil, false
	}
	needStream := s.stream == nil
	s.mutex.Unlock()

	// streams are stopped and opened without the lock: fill takes it
	if old != nil {
		s.releaseStream(old, oldStarted)
	}
	var stream audio.Stream
	if needStream {
		stream, err = s.backend.OpenOutput(audio.OutputOptions{
			SampleRate:      buf.SampleRate,
			Channels:        buf.Channels,
			FramesPerBuffer: s.framesPerBuffer,
			Fill:            s.fill,
		})
		if err != nil {
			return fmt.Errorf("failed to open output: %w", err)
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		if stream != nil {
			stream.Close()
		}
		return ErrClosed
	}
	if needStream {
		s.stream = stream
		s.started = false
	}
	s.loadID = id
	s.buf = buf
	s.pos = 0
	s.analyser.Reset()
	s.logger.Debug("Clip loaded", "src", src, "duration", buf.Duration())
	return nil
}

func (s *StreamElement) fetch(ctx context.Context, src string) ([]byte, error) {
	u, err := url.Parse(src)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		resp, err := s.client.R().SetContext(ctx).Get(src)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", src, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("failed to fetch %s: status %d", src, resp.StatusCode())
		}
		return resp.Body(), nil
	}

	path := strings.TrimPrefix(src, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Play starts or resumes output of the loaded clip.
func (s *StreamElement) Play() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.buf == nil || s.stream == nil {
		return fmt.Errorf("nothing loaded")
	}
	if !s.started {
		if err := s.stream.Start(); err != nil {
			return fmt.Errorf("failed to start output: %w", err)
		}
		s.started = true
	}
	s.playing = true
	return nil
}

// Pause keeps the position; the output stream plays silence meanwhile.
func (s *StreamElement) Pause() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.playing = false
	return nil
}

// Rewind moves back to the start of the clip.
func (s *StreamElement) Rewind() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pos = 0
	return nil
}

func (s *StreamElement) Events() <-chan ElementEvent {
	return s.events
}

func (s *StreamElement) Level() float64 {
	return s.analyser.Level()
}

// fill runs on the audio thread.
func (s *StreamElement) fill(out []float32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.playing || s.buf == nil {
		clear(out)
		return
	}

	n := copy(out, s.buf.Data[s.pos:])
	clear(out[n:])
	s.pos += n
	s.analyser.Write(out[:n], s.buf.Channels)

	position := s.positionLocked()
	duration := s.buf.Duration()

	if s.pos >= len(s.buf.Data) {
		s.playing = false
		s.analyser.Reset()
		ev := ElementEvent{Kind: EventEnded, LoadID: s.loadID, Position: duration, Duration: duration}
		// ended must not be dropped; hand it off instead of blocking the audio thread
		go func() { s.events <- ev }()
		return
	}

	if now := time.Now(); now.Sub(s.lastProgress) >= progressInterval {
		s.lastProgress = now
		select {
		case s.events <- ElementEvent{Kind: EventProgress, LoadID: s.loadID, Position: position, Duration: duration}:
		default:
		}
	}
}

func (s *StreamElement) positionLocked() time.Duration {
	if s.buf == nil || s.buf.Channels == 0 || s.buf.SampleRate == 0 {
		return 0
	}
	frames := s.pos / s.buf.Channels
	return time.Duration(frames) * time.Second / time.Duration(s.buf.SampleRate)
}

func (s *StreamElement) releaseStream(stream audio.Stream, started bool) {
	if started {
		if err := stream.Stop(); err != nil {
			s.logger.Debug("Output stop failed", "error", err)
		}
	}
	if err := stream.Close(); err != nil {
		s.logger.Debug("Output close failed", "error", err)
	}
}

// Close releases the output stream.
func (s *StreamElement) Close() error {
	s.mutex.Lock()
	s.closed = true
	s.playing = false
	stream, started := s.stream, s.started
	s.stream, s.started = nil, false
	s.mutex.Unlock()

	if stream != nil {
		s.releaseStream(stream, started)
	}
	return nil
}
