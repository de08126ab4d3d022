package playback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rtmprelay/ffmpeg"
	"rtmprelay/metrics"
	"rtmprelay/queue"
)

var (
	// ErrNoDestination is returned when a chat has no stream key registered.
	ErrNoDestination = errors.New("no destination registered for chat")
	// ErrClosed is returned once the coordinator has shut down.
	ErrClosed = errors.New("playback coordinator closed")
)

// Destinations resolves a chat's output URL.
type Destinations interface {
	Get(chatID int64) (string, bool)
}

// Supervisor runs at most one transcoder per chat.
type Supervisor interface {
	Start(chatID int64, argv []string, ownedFile string, onFinish ffmpeg.FinishFunc) error
	Stop(chatID int64)
	IsActive(chatID int64) bool
	Info(chatID int64) (ffmpeg.ProcessInfo, bool)
	StopAll()
}

type Options struct {
	// MaxLaunchFailures is how many consecutive launch failures a chat
	// tolerates before it stops advancing until the next submission.
	MaxLaunchFailures int
	MailboxSize       int
	Sink              EventSink
	Logger            zerolog.Logger
}

// Coordinator ties the queue, the destination registry and the supervisor
// together. Every mutating operation for a chat runs on that chat's actor
// goroutine, so operations for one chat are totally ordered while chats
// proceed independently.
type Coordinator struct {
	dest    Destinations
	sup     Supervisor
	queue   *queue.Store[int64, Item]
	sink    EventSink
	logger  zerolog.Logger
	maxFail int
	mailbox int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	chats  map[int64]*chat
	closed bool

	playing sync.Map // chatID -> Item
}

type chat struct {
	id       int64
	inbox    chan func(*chat)
	stopped  chan struct{}
	failures int    // consecutive launch failures, actor only
	skipping string // ID of the item Skip asked to stop, actor only
}

func NewCoordinator(dest Destinations, sup Supervisor, opts Options) *Coordinator {
	if opts.MaxLaunchFailures <= 0 {
		opts.MaxLaunchFailures = 3
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 64
	}
	sink := opts.Sink
	if sink == nil {
		sink = LogSink{Logger: opts.Logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		dest:    dest,
		sup:     sup,
		queue:   queue.NewStore[int64, Item](),
		sink:    sink,
		logger:  opts.Logger,
		maxFail: opts.MaxLaunchFailures,
		mailbox: opts.MailboxSize,
		ctx:     ctx,
		cancel:  cancel,
		chats:   make(map[int64]*chat),
	}
}

// actor returns the actor for chatID, starting it on first use.
func (c *Coordinator) actor(chatID int64) (*chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if ch, ok := c.chats[chatID]; ok {
		return ch, nil
	}
	ch := &chat{
		id:      chatID,
		inbox:   make(chan func(*chat), c.mailbox),
		stopped: make(chan struct{}),
	}
	c.chats[chatID] = ch
	c.wg.Add(1)
	go c.run(ch)
	return ch, nil
}

// untouched reports whether chatID has no actor, no queue and no process, so
// a command for it has nothing to act on. It never starts an actor.
func (c *Coordinator) untouched(chatID int64) (bool, error) {
	c.mu.Lock()
	closed := c.closed
	_, started := c.chats[chatID]
	c.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	if started {
		return false, nil
	}
	return c.queue.Len(chatID) == 0 && !c.sup.IsActive(chatID), nil
}

func (c *Coordinator) run(ch *chat) {
	defer c.wg.Done()
	defer close(ch.stopped)
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-ch.inbox:
			fn(ch)
		}
	}
}

// do runs fn on the chat's actor and waits for it. ctx only bounds the wait
// for a mailbox slot; once accepted the operation always completes.
func (c *Coordinator) do(ctx context.Context, chatID int64, fn func(*chat)) error {
	ch, err := c.actor(chatID)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	msg := func(ch *chat) {
		defer close(done)
		fn(ch)
	}

	select {
	case ch.inbox <- msg:
	case <-ch.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ch.stopped:
		// done is closed before the actor can exit if msg ran at all.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post queues fn without waiting. It gives up if the actor is gone.
func (c *Coordinator) post(chatID int64, fn func(*chat)) {
	ch, err := c.actor(chatID)
	if err != nil {
		return
	}
	select {
	case ch.inbox <- fn:
	case <-ch.stopped:
	}
}

// Submit enqueues item and starts it right away when the chat is idle.
// ErrNoDestination leaves no trace and ownership of the item's file stays
// with the caller. A launch failure of the submitted item itself is returned
// as a *ffmpeg.LaunchError alongside a launch_failed result.
func (c *Coordinator) Submit(ctx context.Context, item Item) (SubmitResult, error) {
	res := SubmitResult{Item: item}
	var opErr error

	// Checked again on the actor; this one keeps unknown chats from
	// getting an actor at all.
	if _, ok := c.dest.Get(item.ChatID); !ok {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			metrics.IncSubmit("closed")
			return SubmitResult{}, ErrClosed
		}
		res.Status = StatusPreconditionFailed
		metrics.IncSubmit(string(res.Status))
		return res, ErrNoDestination
	}

	err := c.do(ctx, item.ChatID, func(ch *chat) {
		if _, ok := c.dest.Get(ch.id); !ok {
			res.Status = StatusPreconditionFailed
			opErr = ErrNoDestination
			return
		}

		pos := c.queue.Enqueue(ch.id, item)
		metrics.QueuedItems.Inc()

		out := c.advance(ch)
		switch {
		case out.started != nil && out.started.ID == item.ID:
			res.Status = StatusNowPlaying
		case out.failed[item.ID] != nil:
			res.Status = StatusLaunchFailed
			opErr = out.failed[item.ID]
		default:
			res.Status = StatusEnqueued
			res.Position = c.position(ch.id, item.ID, pos)
		}
	})
	if err != nil {
		metrics.IncSubmit("closed")
		return SubmitResult{}, err
	}
	metrics.IncSubmit(string(res.Status))
	return res, opErr
}

// position finds id in the chat's queue, falling back to hint.
func (c *Coordinator) position(chatID int64, id string, hint int) int {
	for i, it := range c.queue.Snapshot(chatID) {
		if it.ID == id {
			return i + 1
		}
	}
	return hint
}

// Advance starts the next queued item if the chat has no active process.
func (c *Coordinator) Advance(ctx context.Context, chatID int64) (*Item, error) {
	var started *Item
	var opErr error
	err := c.do(ctx, chatID, func(ch *chat) {
		out := c.advance(ch)
		started = out.started
		opErr = out.lastErr
	})
	if err != nil {
		return nil, err
	}
	return started, opErr
}

type advanceOutcome struct {
	started *Item
	failed  map[string]error
	lastErr error
	halted  bool
}

// advance pops items until one launches, the queue runs dry, or the chat
// hits its launch failure limit. Actor only.
func (c *Coordinator) advance(ch *chat) advanceOutcome {
	var out advanceOutcome
	if c.sup.IsActive(ch.id) {
		return out
	}

	for {
		item, ok := c.queue.DequeueNext(ch.id)
		if !ok {
			c.playing.Delete(ch.id)
			return out
		}
		metrics.QueuedItems.Dec()

		err := c.launch(ch, item)
		if err == nil {
			ch.failures = 0
			out.started = &item
			return out
		}

		ch.failures++
		if out.failed == nil {
			out.failed = make(map[string]error)
		}
		out.failed[item.ID] = err
		out.lastErr = err
		c.emit(Event{Kind: EventLaunchFailed, ChatID: ch.id, Item: &item, Err: err})

		if ch.failures >= c.maxFail {
			c.emit(Event{
				Kind:   EventHalted,
				ChatID: ch.id,
				Err:    fmt.Errorf("%d consecutive launch failures", ch.failures),
			})
			ch.failures = 0
			c.playing.Delete(ch.id)
			out.halted = true
			return out
		}
	}
}

func (c *Coordinator) launch(ch *chat, item Item) error {
	if _, ok := c.dest.Get(ch.id); !ok {
		removeOwned(c.logger, item.ownedFile())
		return ErrNoDestination
	}

	onFinish := func(chatID int64, exit ffmpeg.Exit) {
		c.post(chatID, func(ch *chat) { c.finished(ch, item, exit) })
	}
	if err := c.sup.Start(ch.id, item.Command, item.ownedFile(), onFinish); err != nil {
		return err
	}

	c.playing.Store(ch.id, item)
	c.emit(Event{Kind: EventStarted, ChatID: ch.id, Item: &item})
	return nil
}

// finished handles the end of item's process and moves the chat along.
func (c *Coordinator) finished(ch *chat, item Item, exit ffmpeg.Exit) {
	if cur, ok := c.playing.Load(ch.id); ok && cur.(Item).ID == item.ID {
		c.playing.Delete(ch.id)
	}

	kind := EventFinished
	switch {
	case exit.Stopped && ch.skipping == item.ID:
		kind = EventSkipped
	case exit.Stopped:
		kind = EventStopped
	case exit.Failed():
		kind = EventFailed
	}
	if ch.skipping == item.ID {
		ch.skipping = ""
	}
	c.emit(Event{Kind: kind, ChatID: ch.id, Item: &item, Exit: &exit, Err: exit.Err})

	c.advance(ch)
}

// StopAll clears the chat's queue, then stops the current process.
func (c *Coordinator) StopAll(ctx context.Context, chatID int64) (StopResult, error) {
	var res StopResult
	if idle, err := c.untouched(chatID); err != nil {
		return res, err
	} else if idle {
		return StopResult{Status: StatusQueueEmpty}, nil
	}
	err := c.do(ctx, chatID, func(ch *chat) {
		dropped := c.clear(ch.id)
		res.Cleared = len(dropped)

		if cur, ok := c.playing.Load(ch.id); ok && c.sup.IsActive(ch.id) {
			it := cur.(Item)
			res.Stopped = &it
		}
		c.sup.Stop(ch.id)
		ch.failures = 0

		if res.Stopped == nil && res.Cleared == 0 {
			res.Status = StatusQueueEmpty
			return
		}
		res.Status = StatusStopped
	})
	return res, err
}

// clear empties the chat's queue and deletes the files it owned.
func (c *Coordinator) clear(chatID int64) []Item {
	dropped := c.queue.Clear(chatID)
	if len(dropped) == 0 {
		return nil
	}
	metrics.QueuedItems.Sub(float64(len(dropped)))
	for _, it := range dropped {
		removeOwned(c.logger, it.ownedFile())
	}
	c.emit(Event{Kind: EventCleared, ChatID: chatID, Dropped: len(dropped)})
	return dropped
}

// Skip stops the current process; the queue moves on once it has exited.
// With nothing playing it advances directly.
func (c *Coordinator) Skip(ctx context.Context, chatID int64) (SkipResult, error) {
	var res SkipResult
	var opErr error
	if idle, err := c.untouched(chatID); err != nil {
		return SkipResult{}, err
	} else if idle {
		return SkipResult{Status: StatusQueueEmpty}, nil
	}
	err := c.do(ctx, chatID, func(ch *chat) {
		if !c.sup.IsActive(ch.id) {
			out := c.advance(ch)
			if out.started == nil {
				res.Status = StatusQueueEmpty
				if out.lastErr != nil {
					res.Status = StatusLaunchFailed
					opErr = out.lastErr
				}
				return
			}
			res.Status = StatusNowPlaying
			res.Next = out.started
			return
		}

		if cur, ok := c.playing.Load(ch.id); ok {
			it := cur.(Item)
			res.Skipped = &it
			ch.skipping = it.ID
		}
		c.sup.Stop(ch.id)
		res.Status = StatusSkipped
		if q := c.queue.Snapshot(ch.id); len(q) > 0 {
			res.Next = &q[0]
		}
	})
	if err != nil {
		return SkipResult{}, err
	}
	return res, opErr
}

// Snapshot reads the chat's state without going through its actor.
func (c *Coordinator) Snapshot(chatID int64) ChatStatus {
	st := ChatStatus{ChatID: chatID, Queue: c.queue.Snapshot(chatID)}
	if info, ok := c.sup.Info(chatID); ok {
		st.Active = true
		st.Process = &info
	}
	if cur, ok := c.playing.Load(chatID); ok && st.Active {
		it := cur.(Item)
		st.NowPlaying = &it
	}
	return st
}

// Shutdown stops every actor and process and deletes the files of items
// still queued. The coordinator rejects all calls afterwards.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.sup.StopAll()
	for _, chatID := range c.queue.Keys() {
		c.clear(chatID)
	}
	c.playing.Range(func(k, _ any) bool {
		c.playing.Delete(k)
		return true
	})
	c.logger.Info().Msg("playback coordinator stopped")
	return err
}

func (c *Coordinator) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.sink.HandleEvent(ev)
}

func removeOwned(logger zerolog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str("path", path).Msg("failed to delete input file")
	}
}
