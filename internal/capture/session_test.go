package capture

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewin/viewin-agent/internal/audio"
	"github.com/viewin/viewin-agent/internal/codec"
	"github.com/viewin/viewin-agent/internal/transcode"
)

type fakeStream struct {
	mu      sync.Mutex
	started bool
	stopped bool
	closed  bool
}

func (f *fakeStream) Start() error { f.mu.Lock(); f.started = true; f.mu.Unlock(); return nil }
func (f *fakeStream) Stop() error  { f.mu.Lock(); f.stopped = true; f.mu.Unlock(); return nil }
func (f *fakeStream) Close() error { f.mu.Lock(); f.closed = true; f.mu.Unlock(); return nil }

type fakeBackend struct {
	mu      sync.Mutex
	openErr error
	opts    audio.InputOptions
	stream  *fakeStream
	opened  int
}

func (b *fakeBackend) OpenInput(ctx context.Context, opts audio.InputOptions) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.opts = opts
	b.stream = &fakeStream{}
	b.opened++
	return b.stream, nil
}

func (b *fakeBackend) OpenOutput(opts audio.OutputOptions) (audio.Stream, error) {
	return nil, fmt.Errorf("no output")
}
func (b *fakeBackend) ListDevices() ([]audio.Device, error) { return nil, nil }
func (b *fakeBackend) GetType() audio.BackendType           { return "fake" }
func (b *fakeBackend) Close() error                         { return nil }

// feed pushes d of a 440Hz tone through the captured callback.
func (b *fakeBackend) feed(d time.Duration) {
	b.mu.Lock()
	opts := b.opts
	b.mu.Unlock()

	total := int(d.Seconds() * float64(opts.SampleRate))
	buf := make([]float32, opts.FramesPerBuffer*opts.Channels)
	for n := 0; n < total; n += opts.FramesPerBuffer {
		for i := 0; i < opts.FramesPerBuffer; i++ {
			v := 0.5 * float32(math.Sin(2*math.Pi*440*float64(n+i)/float64(opts.SampleRate)))
			for c := 0; c < opts.Channels; c++ {
				buf[i*opts.Channels+c] = v
			}
		}
		opts.OnFrames(buf)
	}
}

type blockingConverter struct {
	release chan struct{}
	calls   chan struct{}
}

func (c *blockingConverter) Convert(ctx context.Context, clip *audio.Clip) (*audio.Clip, error) {
	c.calls <- struct{}{}
	<-c.release
	return &audio.Clip{ID: clip.ID, ContentType: audio.ContentTypeWAV, Data: []byte("wav")}, nil
}

func TestSession_RecordStopAnswer(t *testing.T) {
	backend := &fakeBackend{}
	s := NewSession(backend, transcode.New(nil), DefaultOptions(), nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, "2"))
	assert.True(t, s.Active())
	assert.Equal(t, "2", backend.opts.DeviceID)
	assert.Equal(t, audio.DefaultConstraints(), backend.opts.Constraints)

	backend.feed(500 * time.Millisecond)
	require.Eventually(t, func() bool { return s.Volume() > 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Active())
	assert.Equal(t, 0.0, s.Volume())
	assert.True(t, backend.stream.stopped)
	assert.True(t, backend.stream.closed)

	raw := s.RawClip()
	require.NotNil(t, raw)
	assert.Equal(t, audio.ContentTypeOggOpus, raw.ContentType)
	assert.Equal(t, codec.ContainerOgg, codec.Sniff(raw.Data))

	answer, err := s.Answer(ctx)
	require.NoError(t, err)
	assert.Equal(t, audio.ContentTypeWAV, answer.ContentType)
	assert.Equal(t, raw.ID, answer.ID)
	assert.Equal(t, answer, s.TranscodedClip())

	status, info := s.GetStatus()
	assert.Equal(t, StatusStandby, status)
	require.NotNil(t, info)
	assert.False(t, info.StopTime.IsZero())
}

func TestSession_StartWhileActive(t *testing.T) {
	backend := &fakeBackend{}
	s := NewSession(backend, transcode.New(nil), DefaultOptions(), nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, ""))
	err := s.Start(ctx, "")
	assert.ErrorIs(t, err, ErrCaptureActive)
	assert.Equal(t, 1, backend.opened)

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Start(ctx, ""))
	require.NoError(t, s.Stop(ctx))
}

func TestSession_PermissionDenied(t *testing.T) {
	backend := &fakeBackend{openErr: fmt.Errorf("%w: host refused", audio.ErrPermission)}
	s := NewSession(backend, transcode.New(nil), DefaultOptions(), nil)

	err := s.Start(context.Background(), "")
	assert.ErrorIs(t, err, audio.ErrPermission)
	assert.False(t, s.Active())
	assert.Nil(t, s.RawClip())
}

func TestSession_StopAndResetIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	s := NewSession(backend, transcode.New(nil), DefaultOptions(), nil)
	ctx := context.Background()

	require.NoError(t, s.Stop(ctx))
	s.Reset()
	s.Reset()

	require.NoError(t, s.Start(ctx, ""))
	backend.feed(100 * time.Millisecond)
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	require.NotNil(t, s.RawClip())

	s.Reset()
	s.Reset()
	assert.Nil(t, s.RawClip())
	assert.Nil(t, s.TranscodedClip())
	assert.Equal(t, 0.0, s.Volume())

	_, err := s.Answer(ctx)
	assert.ErrorIs(t, err, ErrNoRecording)
}

func TestSession_ResetDropsLateTranscode(t *testing.T) {
	backend := &fakeBackend{}
	conv := &blockingConverter{release: make(chan struct{}), calls: make(chan struct{}, 1)}
	s := NewSession(backend, conv, DefaultOptions(), nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, ""))
	backend.feed(100 * time.Millisecond)
	require.NoError(t, s.Stop(ctx))
	<-conv.calls

	s.Reset()
	close(conv.release)

	// give the conversion goroutine time to land
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, s.TranscodedClip())
	assert.Nil(t, s.RawClip())
}

func TestSession_AnswerFallsBackToRaw(t *testing.T) {
	backend := &fakeBackend{}
	conv := &blockingConverter{release: make(chan struct{}), calls: make(chan struct{}, 1)}
	opts := DefaultOptions()
	opts.TranscodeTimeout = 50 * time.Millisecond
	s := NewSession(backend, conv, opts, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, ""))
	backend.feed(100 * time.Millisecond)
	require.NoError(t, s.Stop(ctx))

	answer, err := s.Answer(ctx)
	require.NoError(t, err)
	assert.Equal(t, audio.ContentTypeOggOpus, answer.ContentType)
	close(conv.release)
}

func TestSession_VolumeZeroWhenIdle(t *testing.T) {
	s := NewSession(&fakeBackend{}, transcode.New(nil), DefaultOptions(), nil)
	assert.Equal(t, 0.0, s.Volume())
}
