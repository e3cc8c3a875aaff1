package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewin/viewin-agent/internal/audio"
	"github.com/viewin/viewin-agent/internal/backend"
	"github.com/viewin/viewin-agent/internal/capture"
	"github.com/viewin/viewin-agent/internal/config"
	"github.com/viewin/viewin-agent/internal/interview"
	"github.com/viewin/viewin-agent/internal/playback"
)

type fakePlayer struct {
	mu     sync.Mutex
	hooks  []playback.Hooks
	queue  []playback.Item
	played []string
	state  playback.State
}

func (p *fakePlayer) LoadQueue(items []playback.Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append([]playback.Item(nil), items...)
	return nil
}

func (p *fakePlayer) Play(ctx context.Context, url string) error {
	p.mu.Lock()
	if url != "" {
		p.played = append(p.played, url)
		p.state = playback.StatePlaying
		p.mu.Unlock()
		return nil
	}
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return playback.ErrEmptyQueue
	}
	p.played = append(p.played, p.queue[0].URL)
	p.state = playback.StatePlaying
	hooks := append([]playback.Hooks(nil), p.hooks...)
	p.mu.Unlock()

	time.AfterFunc(5*time.Millisecond, func() {
		p.mu.Lock()
		p.state = playback.StateIdle
		p.mu.Unlock()
		for _, h := range hooks {
			if h.OnQueueComplete != nil {
				h.OnQueueComplete()
			}
		}
	})
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = playback.StateIdle
}

func (p *fakePlayer) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
}

func (p *fakePlayer) Subscribe(h playback.Hooks) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, h)
	return func() {}
}

func (p *fakePlayer) State() playback.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == "" {
		return playback.StateIdle
	}
	return p.state
}

func (p *fakePlayer) Volume() float64 { return 0 }
func (p *fakePlayer) Close() error    { return nil }

func (p *fakePlayer) playedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	status   capture.Status
	clip     *audio.Clip
	takes    int
	resets   int
	startErr error
}

func (r *fakeRecorder) Start(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	if r.status == capture.StatusRecording {
		return capture.ErrCaptureActive
	}
	r.status = capture.StatusRecording
	r.clip = nil
	return nil
}

func (r *fakeRecorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != capture.StatusRecording {
		return nil
	}
	r.takes++
	r.status = capture.StatusStandby
	r.clip = &audio.Clip{ID: "take", Data: []byte{byte(r.takes)}, ContentType: audio.ContentTypeWAV}
	return nil
}

func (r *fakeRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	r.clip = nil
}

func (r *fakeRecorder) Answer(ctx context.Context) (*audio.Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clip == nil {
		return nil, capture.ErrNoRecording
	}
	return r.clip, nil
}

func (r *fakeRecorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == capture.StatusRecording
}

func (r *fakeRecorder) Volume() float64 { return 0 }

func (r *fakeRecorder) GetStatus() (capture.Status, *capture.SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == "" {
		return capture.StatusStandby, nil
	}
	return r.status, nil
}

func (r *fakeRecorder) Close() error { return nil }

type fakeUploader struct {
	mu        sync.Mutex
	total     int
	uploaded  map[int][]byte
	failNext  int
	initCalls int
}

func (u *fakeUploader) Initialize(ctx context.Context, jobID int64, n int, callback string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.initCalls++
	u.total = n
	u.uploaded = map[int][]byte{}
	return nil
}

func (u *fakeUploader) UploadAnswer(ctx context.Context, index int, clip *audio.Clip) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failNext > 0 {
		u.failNext--
		return backend.ErrNetwork
	}
	u.uploaded[index] = clip.Data
	return nil
}

func (u *fakeUploader) Progress() backend.Progress {
	u.mu.Lock()
	defer u.mu.Unlock()
	return backend.Progress{Uploaded: len(u.uploaded), Total: u.total}
}

func (u *fakeUploader) IsComplete() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total > 0 && len(u.uploaded) == u.total
}

func (u *fakeUploader) Initialized() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploaded != nil
}

type fakeFeed struct {
	updates chan backend.Update
}

func (f *fakeFeed) Watch(ctx context.Context) <-chan backend.Update {
	out := make(chan backend.Update)
	go func() {
		defer close(out)
		for {
			select {
			case u := <-f.updates:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type harness struct {
	svc      *Service
	player   *fakePlayer
	recorder *fakeRecorder
	uploader *fakeUploader
	feed     *fakeFeed
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Interview.RetryDelay = 5 * time.Millisecond

	h := &harness{
		player:   &fakePlayer{},
		recorder: &fakeRecorder{},
		uploader: &fakeUploader{},
		feed:     &fakeFeed{updates: make(chan backend.Update, 4)},
	}
	h.svc = New(cfg, 42, Deps{Player: h.player, Recorder: h.recorder, Uploader: h.uploader, Feed: h.feed}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return h
}

func audiosReady(report string) backend.Update {
	return backend.Update{Response: &backend.StatusResponse{
		Status: backend.JobAudiosReady,
		AudioURLs: []backend.AudioURL{
			{FileName: "job/introducao.mp3", PresignedURL: "https://s3/intro"},
			{FileName: "job/pergunta_1.mp3", PresignedURL: "https://s3/q1"},
			{FileName: "job/pergunta_2.mp3", PresignedURL: "https://s3/q2"},
		},
		ReportURL: report,
	}}
}

func waitAnswerStep(t *testing.T, svc *Service, index int) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := svc.Status().Interview
		return st.Step == interview.StepWaitingAnswer && st.QuestionIndex == index
	}, 2*time.Second, 2*time.Millisecond)
}

func answer(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.StartAnswer(ctx))
	assert.Equal(t, AgentListening, svc.Status().Agent)
	require.NoError(t, svc.StopAnswer(ctx))
	assert.Equal(t, "Review your answer", svc.Status().Display)
	require.NoError(t, svc.ConfirmAnswer(ctx))
}

func TestService_FullInterview(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	st := h.svc.Status()
	assert.True(t, st.WaitingForContent)
	assert.Equal(t, AgentThinking, st.Agent)

	h.feed.updates <- audiosReady("")
	require.Eventually(t, func() bool { return h.svc.Status().Interview.AllContentReady }, time.Second, 2*time.Millisecond)
	assert.Equal(t, backend.JobAudiosReady, h.svc.Status().JobStatus)
	assert.False(t, h.svc.Status().WaitingForContent)

	require.NoError(t, h.svc.StartInterview(ctx))
	assert.Equal(t, 2, h.uploader.Progress().Total)

	waitAnswerStep(t, h.svc, 0)
	assert.Equal(t, "Ready to answer", h.svc.Status().Display)
	answer(t, h.svc)

	waitAnswerStep(t, h.svc, 1)
	answer(t, h.svc)

	require.Eventually(t, func() bool { return h.svc.Status().Interview.Step == interview.StepCompleted }, time.Second, 2*time.Millisecond)
	st = h.svc.Status()
	assert.True(t, st.UploadComplete)
	assert.Equal(t, AgentThinking, st.Agent)
	assert.Equal(t, []byte{1}, h.uploader.uploaded[0])
	assert.Equal(t, []byte{2}, h.uploader.uploaded[1])
	assert.Equal(t, []string{"https://s3/intro", "https://s3/q1", "https://s3/q2"}, h.player.playedURLs())

	h.feed.updates <- backend.Update{Response: &backend.StatusResponse{Status: backend.JobReportReady, ReportURL: "https://s3/report"}}
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	url, err := h.svc.WaitReport(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "https://s3/report", url)
	assert.Equal(t, "Report ready", h.svc.Status().Display)
}

func TestService_StartBeforeContent(t *testing.T) {
	h := newHarness(t, nil)

	err := h.svc.StartInterview(context.Background())
	assert.ErrorIs(t, err, interview.ErrNotReady)
	assert.NotEmpty(t, h.svc.GetLastError())
	assert.Zero(t, h.uploader.initCalls)
}

func TestService_AnswerOutsideWaitingAnswer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.Error(t, h.svc.StartAnswer(ctx))
	assert.Error(t, h.svc.StopAnswer(ctx))
	assert.Error(t, h.svc.ConfirmAnswer(ctx))
	assert.False(t, h.recorder.Active())
}

func TestService_UploadFailureKeepsAnswer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.feed.updates <- audiosReady("")
	require.Eventually(t, func() bool { return h.svc.Status().Interview.Ready }, time.Second, 2*time.Millisecond)
	require.NoError(t, h.svc.StartInterview(ctx))
	waitAnswerStep(t, h.svc, 0)

	require.NoError(t, h.svc.StartAnswer(ctx))
	require.NoError(t, h.svc.StopAnswer(ctx))

	h.uploader.failNext = 1
	err := h.svc.ConfirmAnswer(ctx)
	assert.ErrorIs(t, err, backend.ErrNetwork)
	st := h.svc.Status()
	assert.Equal(t, AnswerReview, st.Answer)
	assert.Equal(t, interview.StepWaitingAnswer, st.Interview.Step)
	assert.Contains(t, st.LastError, "upload")

	require.NoError(t, h.svc.ConfirmAnswer(ctx))
	assert.Empty(t, h.svc.GetLastError())
	waitAnswerStep(t, h.svc, 1)
}

func TestService_RetryAnswer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.feed.updates <- audiosReady("")
	require.Eventually(t, func() bool { return h.svc.Status().Interview.Ready }, time.Second, 2*time.Millisecond)
	require.NoError(t, h.svc.StartInterview(ctx))
	waitAnswerStep(t, h.svc, 0)

	require.NoError(t, h.svc.StartAnswer(ctx))
	require.NoError(t, h.svc.RetryAnswer(ctx))
	assert.False(t, h.recorder.Active())
	assert.Equal(t, AnswerIdle, h.svc.Status().Answer)

	require.NoError(t, h.svc.StartAnswer(ctx))
	require.NoError(t, h.svc.StopAnswer(ctx))
	require.NoError(t, h.svc.RetryAnswer(ctx))
	assert.Equal(t, AnswerIdle, h.svc.Status().Answer)
	assert.Error(t, h.svc.ConfirmAnswer(ctx), "a discarded answer cannot be confirmed")
}

func TestService_StartAnswerPermissionDenied(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.feed.updates <- audiosReady("")
	require.Eventually(t, func() bool { return h.svc.Status().Interview.Ready }, time.Second, 2*time.Millisecond)
	require.NoError(t, h.svc.StartInterview(ctx))
	waitAnswerStep(t, h.svc, 0)

	h.recorder.startErr = audio.ErrPermission
	assert.ErrorIs(t, h.svc.StartAnswer(ctx), audio.ErrPermission)
	st := h.svc.Status()
	assert.Equal(t, AnswerIdle, st.Answer)
	assert.Contains(t, st.LastError, "recording")
}

func TestService_KeepAnswersAndReview(t *testing.T) {
	cfg := config.Default()
	cfg.Output.KeepAnswers = true
	cfg.Output.Directory = t.TempDir()
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.feed.updates <- audiosReady("")
	require.Eventually(t, func() bool { return h.svc.Status().Interview.Ready }, time.Second, 2*time.Millisecond)
	require.NoError(t, h.svc.StartInterview(ctx))
	waitAnswerStep(t, h.svc, 0)

	require.NoError(t, h.svc.StartAnswer(ctx))
	require.NoError(t, h.svc.StopAnswer(ctx))
	require.NoError(t, h.svc.ReviewAnswer(ctx))
	played := h.player.playedURLs()
	staged := played[len(played)-1]
	assert.FileExists(t, staged)

	require.NoError(t, h.svc.ConfirmAnswer(ctx))
	assert.NoFileExists(t, staged, "staged review copy is removed")

	data, err := os.ReadFile(filepath.Join(cfg.Output.Directory, "job-42", "answer_1.wav"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, data)
}

func TestService_ResetInterview(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.feed.updates <- audiosReady("")
	require.Eventually(t, func() bool { return h.svc.Status().Interview.Ready }, time.Second, 2*time.Millisecond)
	require.NoError(t, h.svc.StartInterview(ctx))
	waitAnswerStep(t, h.svc, 0)
	require.NoError(t, h.svc.StartAnswer(ctx))

	require.NoError(t, h.svc.ResetInterview(ctx))
	assert.False(t, h.recorder.Active())
	require.Eventually(t, func() bool { return h.svc.Status().Interview.Step == interview.StepIdle }, time.Second, 2*time.Millisecond)
	assert.Equal(t, AnswerIdle, h.svc.Status().Answer)
}

func TestService_ApplyUpdateDeduplicates(t *testing.T) {
	svc := New(config.Default(), 42, Deps{Player: &fakePlayer{}, Recorder: &fakeRecorder{}, Uploader: &fakeUploader{}}, nil)

	snap, changed := svc.applyUpdate(audiosReady(""))
	require.True(t, changed)
	assert.Len(t, snap.Questions, 2)

	_, changed = svc.applyUpdate(audiosReady(""))
	assert.False(t, changed, "same audio set is not resent")

	_, changed = svc.applyUpdate(backend.Update{Err: errors.New("boom")})
	assert.False(t, changed)
	assert.Contains(t, svc.GetLastError(), "boom")

	_, changed = svc.applyUpdate(backend.Update{Response: &backend.StatusResponse{Status: backend.JobPending}})
	assert.False(t, changed)
	assert.Equal(t, backend.JobPending, svc.Status().JobStatus)
}

func TestService_RunWithoutJob(t *testing.T) {
	svc := New(config.Default(), 0, Deps{Player: &fakePlayer{}, Recorder: &fakeRecorder{}, Uploader: &fakeUploader{}, Feed: &fakeFeed{}}, nil)
	assert.ErrorIs(t, svc.Run(context.Background()), ErrNoJob)
}
