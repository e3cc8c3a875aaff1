// Package playback owns the single audio output: an Engine plays either a
// queue of clips or one ad hoc clip through an Element, never two at once.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viewin/viewin-agent/internal/audio"
)

// State is the engine playback state.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
	StateError   State = "error"
)

var (
	ErrDuplicateItem = errors.New("duplicate queue item id")
	ErrEmptyQueue    = fmt.Errorf("%w: queue is empty", audio.ErrPlayback)
	// ErrInterrupted is returned by a Play whose source was replaced or
	// stopped before it started playing.
	ErrInterrupted = errors.New("playback interrupted")
	ErrClosed      = errors.New("playback engine closed")
)

// Item is one entry of the playback queue.
type Item struct {
	ID       string         `json:"id"`
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Hooks are optional listener callbacks. They run on the engine's dispatch
// goroutine, in emission order, and may call back into the engine.
type Hooks struct {
	OnStateChange   func(State)
	OnProgress      func(position, duration time.Duration)
	OnError         func(error)
	OnQueueComplete func()
	OnItemStarted   func(index int, item Item)
}

// Options tunes source switching and level sampling.
type Options struct {
	LoadTimeout time.Duration
	SettleDelay time.Duration
	FrameRate   int
}

// DefaultOptions returns a 10s load timeout, 50ms settle delay and 60Hz
// level sampling.
func DefaultOptions() Options {
	return Options{LoadTimeout: 10 * time.Second, SettleDelay: 50 * time.Millisecond, FrameRate: 60}
}

type subscription struct {
	id    int
	hooks Hooks
}

type notice struct {
	hooks []Hooks
	fire  func(Hooks)
}

// Engine plays a queue of remote clips, or a single ad hoc clip, through one
// Element. Only one source is ever loaded or playing.
type Engine struct {
	element Element
	opts    Options
	logger  *slog.Logger

	// playMu serializes every element operation so teardown, settle, load
	// and play of one source never interleave with another.
	playMu sync.Mutex

	mu         sync.Mutex
	state      State
	queue      []Item
	index      int
	adhoc      bool
	loadID     uint64
	loadCancel context.CancelFunc
	position   time.Duration
	duration   time.Duration
	volume     float64
	completed  bool
	closed     bool

	samplerStop chan struct{}

	subs    []subscription
	nextSub int
	outbox  []notice
	wake    chan struct{}

	quit         chan struct{}
	eventsDone   chan struct{}
	dispatchDone chan struct{}
}

// NewEngine wraps element. The process should construct exactly one engine
// and share it.
func NewEngine(element Element, opts Options, logger *slog.Logger) *Engine {
	def := DefaultOptions()
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = def.LoadTimeout
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = def.FrameRate
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		element:      element,
		opts:         opts,
		logger:       logger,
		state:        StateIdle,
		index:        -1,
		wake:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
		eventsDone:   make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	go e.readEvents()
	go e.dispatch()
	return e
}

// Subscribe registers listener hooks and returns a function removing them.
func (e *Engine) Subscribe(h Hooks) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs = append(e.subs, subscription{id: id, hooks: h})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// LoadQueue replaces the queue and stops whatever is playing.
func (e *Engine) LoadQueue(items []Item) error {
	queue, err := prepareItems(nil, items)
	if err != nil {
		return err
	}

	e.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = queue
	e.index = -1
	e.completed = false
	e.logger.Debug("Queue loaded", "items", len(queue))
	return nil
}

// Enqueue appends items to the queue without touching the current source.
// A playing queue runs on into the new items. After the queue completed,
// SkipNext continues with them and their end completes the queue again.
func (e *Engine) Enqueue(items ...Item) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	added, err := prepareItems(e.queue, items)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return nil
	}
	queue := make([]Item, 0, len(e.queue)+len(added))
	queue = append(queue, e.queue...)
	e.queue = append(queue, added...)
	e.completed = false
	e.logger.Debug("Queue extended", "added", len(added), "items", len(e.queue))
	return nil
}

// Queue returns a copy of the queued items.
func (e *Engine) Queue() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Item(nil), e.queue...)
}

// prepareItems copies items, generating missing ids, and rejects ids that
// repeat among items or already appear in existing.
func prepareItems(existing, items []Item) ([]Item, error) {
	seen := make(map[string]bool, len(existing)+len(items))
	for _, item := range existing {
		seen[item.ID] = true
	}
	out := make([]Item, len(items))
	for i, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
		}
		seen[item.ID] = true
		out[i] = item
	}
	return out, nil
}

// ClearQueue empties the queue and stops playback.
func (e *Engine) ClearQueue() {
	e.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = nil
	e.index = -1
}

// Play starts ad hoc playback of url when it is non-empty. Otherwise it
// resumes a paused source or starts the queue from the first item. It
// returns once the source is playing.
func (e *Engine) Play(ctx context.Context, url string) error {
	if url != "" {
		return e.switchTo(ctx, source{index: -1, url: url, adhoc: true}, 0)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state == StatePaused {
		id := e.loadID
		e.setStateLocked(StatePlaying)
		e.startSamplerLocked()
		e.mu.Unlock()

		e.playMu.Lock()
		err := e.element.Play()
		e.playMu.Unlock()
		if err != nil {
			return e.fail(id, fmt.Errorf("%w: resume failed: %w", audio.ErrPlayback, err))
		}
		return nil
	}
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return ErrEmptyQueue
	}
	e.completed = false
	item := e.queue[0]
	e.mu.Unlock()

	return e.switchTo(ctx, source{index: 0, url: item.URL, item: item}, 0)
}

// Pause suspends a playing source; in any other state it does nothing.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != StatePlaying {
		e.mu.Unlock()
		return
	}
	e.stopSamplerLocked()
	e.setStateLocked(StatePaused)
	e.mu.Unlock()

	e.playMu.Lock()
	defer e.playMu.Unlock()
	if err := e.element.Pause(); err != nil {
		e.logger.Warn("Element pause failed", "error", err)
	}
}

// Stop halts playback, rewinds and cancels any in-flight load. Safe to call
// at any time.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.loadCancel != nil {
		e.loadCancel()
		e.loadCancel = nil
	}
	e.loadID++
	e.stopSamplerLocked()
	e.position = 0
	e.setStateLocked(StateIdle)
	e.mu.Unlock()

	e.playMu.Lock()
	defer e.playMu.Unlock()
	e.teardown()
}

// SkipNext plays the item after the current one, if any.
func (e *Engine) SkipNext(ctx context.Context) error {
	e.mu.Lock()
	next := e.index + 1
	if e.adhoc || next >= len(e.queue) {
		e.mu.Unlock()
		return nil
	}
	item := e.queue[next]
	e.mu.Unlock()
	return e.switchTo(ctx, source{index: next, url: item.URL, item: item}, 0)
}

// SkipPrevious plays the item before the current one, if any.
func (e *Engine) SkipPrevious(ctx context.Context) error {
	e.mu.Lock()
	prev := e.index - 1
	if e.adhoc || prev < 0 || prev >= len(e.queue) {
		e.mu.Unlock()
		return nil
	}
	item := e.queue[prev]
	e.mu.Unlock()
	return e.switchTo(ctx, source{index: prev, url: item.URL, item: item}, 0)
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CurrentItem returns the queue item at the current index.
func (e *Engine) CurrentItem() (Item, int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.adhoc || e.index < 0 || e.index >= len(e.queue) {
		return Item{}, -1, false
	}
	return e.queue[e.index], e.index, true
}

// Progress returns the position and duration of the current source.
func (e *Engine) Progress() (position, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position, e.duration
}

// Volume returns the last sampled output level, 0 unless playing.
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePlaying {
		return 0
	}
	return e.volume
}

// Close stops playback, releases the element and ends the engine goroutines.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.Stop()

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	close(e.quit)
	err := e.element.Close()
	<-e.eventsDone
	<-e.dispatchDone
	return err
}

type source struct {
	index int
	url   string
	item  Item
	adhoc bool
}

// switchTo runs teardown, settle, load and play for src. A non-zero expect
// aborts the switch unless the engine is still on that load generation.
func (e *Engine) switchTo(ctx context.Context, src source, expect uint64) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if expect != 0 && e.loadID != expect {
		e.mu.Unlock()
		return ErrInterrupted
	}
	if e.loadCancel != nil {
		e.loadCancel()
	}
	e.loadID++
	id := e.loadID
	loadCtx, cancel := context.WithCancel(ctx)
	e.loadCancel = cancel
	e.stopSamplerLocked()
	e.index = src.index
	e.adhoc = src.adhoc
	e.position, e.duration = 0, 0
	e.setStateLocked(StateLoading)
	e.mu.Unlock()
	defer cancel()

	e.playMu.Lock()
	defer e.playMu.Unlock()

	if loadCtx.Err() != nil {
		return e.fail(id, loadCtx.Err())
	}

	e.teardown()

	if e.opts.SettleDelay > 0 {
		timer := time.NewTimer(e.opts.SettleDelay)
		select {
		case <-timer.C:
		case <-loadCtx.Done():
			timer.Stop()
			return e.fail(id, loadCtx.Err())
		}
	}

	timeoutCtx, timeoutCancel := context.WithTimeout(loadCtx, e.opts.LoadTimeout)
	err := e.element.Load(timeoutCtx, id, src.url)
	timedOut := errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && loadCtx.Err() == nil
	timeoutCancel()
	if err != nil {
		switch {
		case timedOut:
			err = fmt.Errorf("%w: loading %s took longer than %s", audio.ErrTimeout, src.url, e.opts.LoadTimeout)
		case loadCtx.Err() != nil:
			err = loadCtx.Err()
		case !errors.Is(err, audio.ErrPlayback):
			err = fmt.Errorf("%w: %w", audio.ErrPlayback, err)
		}
		return e.fail(id, err)
	}

	if err := e.element.Play(); err != nil {
		return e.fail(id, fmt.Errorf("%w: %w", audio.ErrPlayback, err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadID != id {
		return ErrInterrupted
	}
	e.loadCancel = nil
	e.setStateLocked(StatePlaying)
	e.startSamplerLocked()
	if !src.adhoc {
		idx, item := src.index, src.item
		e.emitLocked(func(h Hooks) {
			if h.OnItemStarted != nil {
				h.OnItemStarted(idx, item)
			}
		})
	}
	e.logger.Debug("Source playing", "url", src.url, "index", src.index, "adhoc", src.adhoc)
	return nil
}

// teardown pauses and rewinds the element. Callers hold playMu.
func (e *Engine) teardown() {
	if err := e.element.Pause(); err != nil {
		e.logger.Debug("Element pause during teardown failed", "error", err)
	}
	if err := e.element.Rewind(); err != nil {
		e.logger.Debug("Element rewind during teardown failed", "error", err)
	}
}

// fail records err for load generation id. Failures of a superseded
// generation only report ErrInterrupted.
func (e *Engine) fail(id uint64, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loadID != id {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	e.loadCancel = nil
	e.stopSamplerLocked()
	e.setStateLocked(StateError)
	e.emitLocked(func(h Hooks) {
		if h.OnError != nil {
			h.OnError(err)
		}
	})
	e.logger.Warn("Playback failed", "error", err)
	return err
}

func (e *Engine) readEvents() {
	defer close(e.eventsDone)
	events := e.element.Events()
	for {
		select {
		case <-e.quit:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev ElementEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.LoadID != e.loadID {
		return
	}

	switch ev.Kind {
	case EventProgress:
		if e.state != StatePlaying && e.state != StatePaused {
			return
		}
		e.position, e.duration = ev.Position, ev.Duration
		pos, dur := ev.Position, ev.Duration
		e.emitLocked(func(h Hooks) {
			if h.OnProgress != nil {
				h.OnProgress(pos, dur)
			}
		})

	case EventError:
		if e.state == StateIdle || e.state == StateError {
			return
		}
		err := fmt.Errorf("%w: %v", audio.ErrPlayback, ev.Err)
		e.stopSamplerLocked()
		e.setStateLocked(StateError)
		e.emitLocked(func(h Hooks) {
			if h.OnError != nil {
				h.OnError(err)
			}
		})
		e.logger.Warn("Playback element error", "error", ev.Err)

	case EventEnded:
		if e.state != StatePlaying {
			return
		}
		e.stopSamplerLocked()
		if ev.Duration > 0 {
			e.position, e.duration = ev.Duration, ev.Duration
		}
		e.setStateLocked(StateEnded)

		if e.adhoc {
			e.setStateLocked(StateIdle)
			return
		}

		next := e.index + 1
		if next < len(e.queue) {
			item := e.queue[next]
			id := e.loadID
			go func() {
				if err := e.switchTo(context.Background(), source{index: next, url: item.URL, item: item}, id); err != nil && !errors.Is(err, ErrInterrupted) {
					e.logger.Debug("Advancing queue failed", "index", next, "error", err)
				}
			}()
			return
		}

		e.setStateLocked(StateIdle)
		if !e.completed {
			e.completed = true
			e.emitLocked(func(h Hooks) {
				if h.OnQueueComplete != nil {
					h.OnQueueComplete()
				}
			})
			e.logger.Debug("Queue complete", "items", len(e.queue))
		}
	}
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.emitLocked(func(h Hooks) {
		if h.OnStateChange != nil {
			h.OnStateChange(s)
		}
	})
}

func (e *Engine) emitLocked(fire func(Hooks)) {
	if len(e.subs) == 0 {
		return
	}
	hooks := make([]Hooks, len(e.subs))
	for i, s := range e.subs {
		hooks[i] = s.hooks
	}
	e.outbox = append(e.outbox, notice{hooks: hooks, fire: fire})
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatch() {
	defer close(e.dispatchDone)
	for {
		stopping := false
		select {
		case <-e.wake:
		case <-e.quit:
			stopping = true
		}

		e.mu.Lock()
		batch := e.outbox
		e.outbox = nil
		e.mu.Unlock()

		for _, n := range batch {
			for _, h := range n.hooks {
				n.fire(h)
			}
		}
		if stopping {
			return
		}
	}
}

func (e *Engine) startSamplerLocked() {
	if e.samplerStop != nil {
		return
	}
	stop := make(chan struct{})
	e.samplerStop = stop
	go e.sampleLevel(stop)
}

func (e *Engine) stopSamplerLocked() {
	if e.samplerStop != nil {
		close(e.samplerStop)
		e.samplerStop = nil
	}
	e.volume = 0
}

func (e *Engine) sampleLevel(stop chan struct{}) {
	ticker := time.NewTicker(time.Second / time.Duration(e.opts.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.state != StatePlaying || e.samplerStop != stop {
				e.mu.Unlock()
				return
			}
			e.volume = e.element.Level()
			e.mu.Unlock()
		}
	}
}
