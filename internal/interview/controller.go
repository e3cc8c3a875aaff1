package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/viewin/viewin-agent/internal/playback"
)

// Step is the controller's position in the interview.
type Step string

const (
	StepIdle          Step = "idle"
	StepIntroduction  Step = "introduction"
	StepQuestion      Step = "question"
	StepWaitingAnswer Step = "waiting_answer"
	StepCompleted     Step = "completed"
)

const introductionID = "introduction"

var (
	ErrNotReady         = errors.New("interview content not ready")
	ErrNotWaitingAnswer = errors.New("not waiting for an answer")
	ErrStopped          = errors.New("interview controller not running")
)

// Player is the part of the playback engine the controller drives.
type Player interface {
	LoadQueue(items []playback.Item) error
	Play(ctx context.Context, url string) error
	Stop()
	ClearQueue()
	Subscribe(h playback.Hooks) (unsubscribe func())
}

// Hooks are optional listeners, called in order from a dispatch goroutine.
type Hooks struct {
	OnStep                 func(step Step, questionIndex int)
	OnIntroductionComplete func()
	OnQuestionComplete     func(questionIndex int)
	OnInterviewComplete    func()
	OnError                func(err error)
}

// Options tunes automatic replays after a failed load.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Status is a copy of the controller state.
type Status struct {
	Step            Step     `json:"step"`
	QuestionIndex   int      `json:"question_index"`
	TotalQuestions  int      `json:"total_questions"`
	Available       int      `json:"available_questions"`
	Ready           bool     `json:"ready"`
	AllContentReady bool     `json:"all_content_ready"`
	Started         bool     `json:"started"`
	Current         Question `json:"current"`
}

type eventKind int

const (
	evQueueComplete eventKind = iota
	evPlayResult
	evRetry
)

type event struct {
	kind    eventKind
	attempt uint64
	err     error
}

type command struct {
	run   func(ctx context.Context) error
	reply chan error
}

// Controller sequences introduction, questions and answer windows over a
// Player. All state is owned by the Run goroutine; exported methods are
// commands delivered to it.
type Controller struct {
	player Player
	opts   Options
	logger *slog.Logger

	cmds   chan command
	events chan event
	done   chan struct{}

	// loop state
	step       Step
	index      int
	snapshot   Snapshot
	started    bool
	lastPlayed string
	awaiting   string
	attempt    uint64
	retries    int
	unwatch    func()

	statusMu sync.RWMutex
	status   Status

	hooksMu sync.Mutex
	hooks   []Hooks
	outbox  []func(Hooks)
	wake    chan struct{}
}

// NewController creates a controller in the idle step.
func NewController(player Player, opts Options, logger *slog.Logger) *Controller {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		player: player,
		opts:   opts,
		logger: logger,
		cmds:   make(chan command),
		events: make(chan event, 32),
		done:   make(chan struct{}),
		step:   StepIdle,
		wake:   make(chan struct{}, 1),
	}
	c.publish()
	return c
}

// Subscribe registers listener hooks. Subscribe before Run to see every
// notification.
func (c *Controller) Subscribe(h Hooks) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Run processes snapshots, commands and playback events until ctx ends.
// A closed snapshots channel only stops snapshot intake. Run may be called
// once.
func (c *Controller) Run(ctx context.Context, snapshots <-chan Snapshot) error {
	defer close(c.done)
	defer func() {
		if c.unwatch != nil {
			c.unwatch()
		}
	}()

	stopDispatch := make(chan struct{})
	dispatchDone := make(chan struct{})
	go c.dispatch(stopDispatch, dispatchDone)
	defer func() {
		close(stopDispatch)
		<-dispatchDone
	}()

	for {
		select {
		case <-ctx.Done():
			c.player.Stop()
			return ctx.Err()

		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			c.applySnapshot(ctx, snap)

		case cmd := <-c.cmds:
			cmd.reply <- cmd.run(ctx)

		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		}
		c.publish()
	}
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) do(ctx context.Context, run func(ctx context.Context) error) error {
	cmd := command{run: run, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start plays the introduction. It fails with ErrNotReady until an
// introduction and at least one question are known.
func (c *Controller) Start(ctx context.Context) error {
	return c.do(ctx, func(runCtx context.Context) error {
		if !c.snapshot.Ready() {
			c.logger.Warn("Interview is not ready to start",
				"introduction", c.snapshot.IntroductionURL != "", "questions", len(c.snapshot.Questions))
			return ErrNotReady
		}
		if c.step != StepIdle {
			return fmt.Errorf("can only start from idle state, current: %s", c.step)
		}
		c.started = true
		c.index = 0
		c.retries = 0
		c.setStep(StepIntroduction)
		c.playIntroduction(runCtx)
		return nil
	})
}

// Advance moves past an answered question, completing the interview after
// the last one.
func (c *Controller) Advance(ctx context.Context) error {
	return c.do(ctx, func(runCtx context.Context) error {
		if c.step != StepWaitingAnswer {
			c.logger.Warn("Cannot advance", "step", c.step, "index", c.index)
			return fmt.Errorf("%w: can only advance from waiting_answer state, current: %s", ErrNotWaitingAnswer, c.step)
		}
		next := c.index + 1
		if next >= len(c.snapshot.Questions) {
			c.setStep(StepCompleted)
			c.notify(func(h Hooks) {
				if h.OnInterviewComplete != nil {
					h.OnInterviewComplete()
				}
			})
			c.logger.Info("Interview complete", "questions", len(c.snapshot.Questions))
			return nil
		}
		c.index = next
		c.retries = 0
		c.setStep(StepQuestion)
		c.playQuestion(runCtx)
		return nil
	})
}

// Reset stops playback and returns to idle.
func (c *Controller) Reset(ctx context.Context) error {
	return c.do(ctx, func(context.Context) error {
		c.player.Stop()
		c.player.ClearQueue()
		c.attempt++
		c.awaiting = ""
		c.lastPlayed = ""
		c.started = false
		c.index = 0
		c.retries = 0
		c.setStep(StepIdle)
		return nil
	})
}

// Replay plays the current introduction or question audio again.
func (c *Controller) Replay(ctx context.Context) error {
	return c.do(ctx, func(runCtx context.Context) error {
		c.retries = 0
		switch c.step {
		case StepIntroduction:
			c.playIntroduction(runCtx)
		case StepQuestion, StepWaitingAnswer:
			c.lastPlayed = ""
			c.setStep(StepQuestion)
			c.playQuestion(runCtx)
		default:
			return fmt.Errorf("nothing to replay in %s state", c.step)
		}
		return nil
	})
}

// Status returns the latest published state.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Controller) applySnapshot(ctx context.Context, snap Snapshot) {
	before := c.snapshot.Available()
	c.snapshot = c.snapshot.Merge(snap)
	c.logger.Debug("Content snapshot applied",
		"questions", len(c.snapshot.Questions),
		"available", c.snapshot.Available(),
		"new", c.snapshot.Available()-before)

	if c.step == StepQuestion {
		c.playQuestion(ctx)
	}
}

func (c *Controller) playIntroduction(ctx context.Context) {
	c.startPlay(ctx, introductionID, playback.Item{
		ID:       introductionID,
		URL:      c.snapshot.IntroductionURL,
		Metadata: map[string]any{"type": "introduction"},
	})
}

// playQuestion enqueues the current question once its audio is known. The
// last-played key keeps an unchanged question from being replayed.
func (c *Controller) playQuestion(ctx context.Context) {
	if c.step != StepQuestion || c.index >= len(c.snapshot.Questions) {
		return
	}
	q := c.snapshot.Questions[c.index]
	if q.AudioURL == "" {
		c.logger.Warn("Question audio not available yet, waiting", "question", c.index+1)
		return
	}
	key := fmt.Sprintf("%s-%d", q.ID, c.index)
	if c.lastPlayed == key {
		return
	}
	c.lastPlayed = key
	c.startPlay(ctx, key, playback.Item{
		ID:       q.ID,
		URL:      q.AudioURL,
		Metadata: map[string]any{"type": "question", "index": c.index},
	})
}

// startPlay loads item as a one-item queue on the loop and waits for the
// player in the background.
func (c *Controller) startPlay(ctx context.Context, key string, item playback.Item) {
	c.attempt++
	attempt := c.attempt
	c.awaiting = key

	if err := c.player.LoadQueue([]playback.Item{item}); err != nil {
		c.playFailed(err)
		return
	}
	c.watchQueue(attempt)
	go func() {
		err := c.player.Play(ctx, "")
		c.post(event{kind: evPlayResult, attempt: attempt, err: err})
	}()
	c.logger.Debug("Playing", "item", item.ID, "step", c.step)
}

// watchQueue moves the queue-complete subscription to attempt. The player
// may deliver a completion emitted for an earlier queue after a newer one was
// loaded; those arrive with their old stamp and are dropped.
func (c *Controller) watchQueue(attempt uint64) {
	if c.unwatch != nil {
		c.unwatch()
	}
	c.unwatch = c.player.Subscribe(playback.Hooks{
		OnQueueComplete: func() { c.post(event{kind: evQueueComplete, attempt: attempt}) },
	})
}

func (c *Controller) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evQueueComplete:
		if ev.attempt != c.attempt || c.awaiting == "" {
			return
		}
		switch {
		case c.step == StepIntroduction && c.awaiting == introductionID:
			c.awaiting = ""
			c.index = 0
			c.retries = 0
			c.setStep(StepQuestion)
			c.notify(func(h Hooks) {
				if h.OnIntroductionComplete != nil {
					h.OnIntroductionComplete()
				}
			})
			c.playQuestion(ctx)
		case c.step == StepQuestion && c.awaiting == c.lastPlayed:
			c.awaiting = ""
			idx := c.index
			c.setStep(StepWaitingAnswer)
			c.notify(func(h Hooks) {
				if h.OnQuestionComplete != nil {
					h.OnQuestionComplete(idx)
				}
			})
		}

	case evPlayResult:
		if ev.attempt != c.attempt || ev.err == nil || errors.Is(ev.err, playback.ErrInterrupted) {
			return
		}
		c.playFailed(ev.err)

	case evRetry:
		if ev.attempt != c.attempt {
			return
		}
		switch c.step {
		case StepIntroduction:
			c.playIntroduction(ctx)
		case StepQuestion:
			c.playQuestion(ctx)
		}
	}
}

// playFailed clears the last-played marker so the item can be played again
// and schedules a retry while retries remain.
func (c *Controller) playFailed(err error) {
	c.awaiting = ""
	if c.step == StepQuestion {
		c.lastPlayed = ""
	}
	c.logger.Error("Interview playback failed", "step", c.step, "index", c.index, "error", err)
	c.notify(func(h Hooks) {
		if h.OnError != nil {
			h.OnError(err)
		}
	})

	if c.retries >= c.opts.MaxRetries {
		return
	}
	c.retries++
	attempt := c.attempt
	time.AfterFunc(c.opts.RetryDelay, func() {
		c.post(event{kind: evRetry, attempt: attempt})
	})
}

func (c *Controller) setStep(s Step) {
	c.step = s
	idx := c.index
	c.notify(func(h Hooks) {
		if h.OnStep != nil {
			h.OnStep(s, idx)
		}
	})
	c.logger.Info("Interview step", "step", s, "question", idx+1)
}

func (c *Controller) publish() {
	st := Status{
		Step:            c.step,
		QuestionIndex:   c.index,
		TotalQuestions:  len(c.snapshot.Questions),
		Available:       c.snapshot.Available(),
		Ready:           c.snapshot.Ready(),
		AllContentReady: c.snapshot.AllContentReady(),
		Started:         c.started,
	}
	if c.index < len(c.snapshot.Questions) {
		st.Current = c.snapshot.Questions[c.index]
	}
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}

func (c *Controller) notify(fire func(Hooks)) {
	c.hooksMu.Lock()
	c.outbox = append(c.outbox, fire)
	c.hooksMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) dispatch(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		stopping := false
		select {
		case <-c.wake:
		case <-stop:
			stopping = true
		}

		c.hooksMu.Lock()
		batch := c.outbox
		c.outbox = nil
		hooks := append([]Hooks(nil), c.hooks...)
		c.hooksMu.Unlock()

		for _, fire := range batch {
			for _, h := range hooks {
				fire(h)
			}
		}
		if stopping {
			return
		}
	}
}
