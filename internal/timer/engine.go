package timer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pomobot/internal/eventbus"
	"pomobot/internal/storage"
	logx "pomobot/pkg/logx"
)

const (
	msgWorkStarted = "Work period started (%d min)."
	msgTimeToRest  = "Time to rest!"
	msgRestStarted = "Rest period started (%d min)."
	msgBackToWork  = "Time to get back to work!"
	msgStopped     = "Pomodoro timer stopped."
)

// Engine runs one work/rest cycle per chat.
//
// Start, Stop and deadline actions for the same chat are serialized by that
// chat's mutex; different chats never share a lock. Every armed deadline
// carries a generation stamp from an engine-wide counter and re-validates it
// under the chat lock before mutating anything, so a stop that wins the lock
// turns a concurrent fire into a no-op.
type Engine struct {
	log    logx.Logger
	store  Store
	notify Notifier
	exec   Executor
	clock  Clock
	bus    eventbus.Bus

	cfgMu sync.RWMutex
	cfg   Config

	gen    atomic.Uint64
	chats  *chatMap
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	// stopHook runs in Stop between observing the generation and taking the chat lock.
	stopHook func()
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

// WithBus publishes PhaseEvent values on b.
func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func New(cfg Config, store Store, notify Notifier, exec Executor, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:  store,
		notify: notify,
		exec:   exec,
		clock:  RealClock(),
		log:    logx.Nop(),
		cfg:    cfg,
		chats:  newChatMap(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With(logx.String("comp", "timer"))
	return e
}

// SetDurations applies to phases entered after the call; armed deadlines keep their length.
func (e *Engine) SetDurations(work, rest time.Duration) {
	e.cfgMu.Lock()
	e.cfg.Work = work
	e.cfg.Rest = rest
	e.cfgMu.Unlock()
	e.log.Info("durations updated", logx.Duration("work", work), logx.Duration("rest", rest))
}

// Apply replaces the whole configuration with the same next-phase semantics as SetDurations.
func (e *Engine) Apply(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.log.Info("timer config applied", logx.Duration("work", cfg.Work), logx.Duration("rest", cfg.Rest), logx.Bool("repeat", cfg.Repeat))
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

func (e *Engine) Start(ctx context.Context, chatID int64) (Result, error) {
	if e.closed.Load() {
		return ResultOK, ErrClosed
	}
	ct := e.chats.acquire(chatID, true)
	defer e.chats.release(ct)

	if ct.phase != Idle {
		return ResultAlreadyRunning, nil
	}
	e.enterWork(ctx, ct, "start")
	return ResultOK, nil
}

// Stop ends the chat's cycle. The generation seen when the request arrives
// is compared with the one found under the chat lock: if a deadline
// committed in between, the stop yields to it and writes nothing.
func (e *Engine) Stop(ctx context.Context, chatID int64) (Result, error) {
	ct, seen := e.chats.peek(chatID)
	if ct == nil {
		return ResultNothingToStop, nil
	}
	if e.stopHook != nil {
		e.stopHook()
	}
	ct.mu.Lock()
	defer e.chats.release(ct)

	if ct.removed || ct.phase == Idle {
		return ResultNothingToStop, nil
	}
	// seen == 0 is an entry whose Start has not armed yet; that cycle is the
	// one being stopped.
	if seen != 0 && ct.gen.Load() != seen {
		e.log.Debug("stop yielded to deadline", logx.Int64("chat_id", chatID), logx.Uint64("seen", seen), logx.Uint64("gen", ct.gen.Load()))
		return ResultAlreadyHandled, nil
	}
	from := ct.phase
	e.disarm(ct)
	ct.phase = Idle

	now := e.clock.Now()
	if err := e.store.MarkStopped(ctx, chatID, now); err != nil {
		e.log.Error("mark stopped failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	e.send(ctx, chatID, msgStopped)
	e.publish(PhaseEvent{ChatID: chatID, From: from, To: Idle, Cause: "stop"})
	return ResultOK, nil
}

func (e *Engine) Statistics(ctx context.Context, chatID int64) (string, error) {
	s, err := e.store.Statistics(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("statistics for chat %d: %w", chatID, err)
	}
	return s, nil
}

func (e *Engine) Achievements(ctx context.Context, chatID int64) (string, error) {
	s, err := e.store.Achievements(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("achievements for chat %d: %w", chatID, err)
	}
	return s, nil
}

func (e *Engine) ExportStatistics(ctx context.Context, chatID int64) ([]byte, error) {
	b, err := e.store.Export(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("export for chat %d: %w", chatID, err)
	}
	return b, nil
}

// Phase returns the chat's current phase (Idle when it has no entry).
func (e *Engine) Phase(chatID int64) Phase {
	ct := e.chats.acquire(chatID, false)
	if ct == nil {
		return Idle
	}
	p := ct.phase
	e.chats.release(ct)
	return p
}

// Active returns the number of chats with a running cycle.
func (e *Engine) Active() int { return e.chats.len() }

// Close cancels every pending deadline. Open sessions stay open; in-flight
// timers are not persisted across restarts.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.cancel()
	n := 0
	for _, ct := range e.chats.snapshot() {
		ct.mu.Lock()
		if ct.pending != nil {
			e.disarm(ct)
			n++
		}
		ct.mu.Unlock()
	}
	e.log.Info("timer engine closed", logx.Int("canceled", n))
}

// enterWork moves ct into Working. Caller holds ct.mu.
func (e *Engine) enterWork(ctx context.Context, ct *chatTimer, cause string) {
	cfg := e.config()
	now := e.clock.Now()
	from := ct.phase
	ct.phase = Working
	ct.startedAt = now

	if err := e.store.RecordSession(ctx, ct.chatID, storage.SessionWork, minutes(cfg.Work), now); err != nil {
		e.log.Error("record work session failed", logx.Int64("chat_id", ct.chatID), logx.Err(err))
	}
	e.send(ctx, ct.chatID, fmt.Sprintf(msgWorkStarted, minutes(cfg.Work)))
	e.arm(ct, cfg.Work)
	e.publish(PhaseEvent{ChatID: ct.chatID, From: from, To: Working, Cause: cause, Gen: ct.gen.Load()})
}

// enterRest closes the work session and moves ct into Resting. Caller holds ct.mu.
func (e *Engine) enterRest(ctx context.Context, ct *chatTimer) {
	cfg := e.config()
	now := e.clock.Now()

	if err := e.store.CompleteSession(ctx, ct.chatID, storage.SessionWork, now); err != nil {
		e.log.Error("complete work session failed", logx.Int64("chat_id", ct.chatID), logx.Err(err))
	}
	e.send(ctx, ct.chatID, msgTimeToRest)

	ct.phase = Resting
	ct.startedAt = now
	if err := e.store.RecordSession(ctx, ct.chatID, storage.SessionRest, minutes(cfg.Rest), now); err != nil {
		e.log.Error("record rest session failed", logx.Int64("chat_id", ct.chatID), logx.Err(err))
	}
	e.send(ctx, ct.chatID, fmt.Sprintf(msgRestStarted, minutes(cfg.Rest)))
	e.arm(ct, cfg.Rest)
	e.publish(PhaseEvent{ChatID: ct.chatID, From: Working, To: Resting, Cause: "deadline", Gen: ct.gen.Load()})
}

// finishRest closes the rest session and either loops into Working or goes Idle.
// Caller holds ct.mu.
func (e *Engine) finishRest(ctx context.Context, ct *chatTimer) {
	now := e.clock.Now()
	if err := e.store.CompleteSession(ctx, ct.chatID, storage.SessionRest, now); err != nil {
		e.log.Error("complete rest session failed", logx.Int64("chat_id", ct.chatID), logx.Err(err))
	}
	if err := e.notify.SendWithEmphasis(ctx, ct.chatID, msgBackToWork); err != nil {
		e.log.Warn("notify failed", logx.Int64("chat_id", ct.chatID), logx.Err(err))
	}

	if e.config().Repeat && !e.closed.Load() {
		e.enterWork(ctx, ct, "deadline")
		return
	}
	ct.phase = Idle
	ct.gen.Store(0)
	e.publish(PhaseEvent{ChatID: ct.chatID, From: Resting, To: Idle, Cause: "deadline"})
}

// arm schedules the next deadline for ct under a fresh generation. Caller holds ct.mu.
func (e *Engine) arm(ct *chatTimer, d time.Duration) {
	gen := e.gen.Add(1)
	chatID := ct.chatID
	ct.gen.Store(gen)
	ct.pending = e.clock.AfterFunc(d, func() { e.dispatch(chatID, gen) })
}

// disarm cancels ct's pending deadline. A callback already past Stop finds
// gen == 0 and abandons itself. Caller holds ct.mu.
func (e *Engine) disarm(ct *chatTimer) {
	if ct.pending != nil {
		ct.pending.Stop()
		ct.pending = nil
	}
	ct.gen.Store(0)
}

// dispatch hands a due deadline to the executor.
func (e *Engine) dispatch(chatID int64, gen uint64) {
	if e.closed.Load() {
		return
	}
	err := e.exec.Run(e.ctx, "timer.deadline", func(ctx context.Context) error {
		e.fire(ctx, chatID, gen)
		return nil
	})
	if err != nil {
		e.log.Warn("deadline not dispatched", logx.Int64("chat_id", chatID), logx.Uint64("gen", gen), logx.Err(err))
		e.abandon(chatID, gen)
	}
}

// abandon drops a cycle whose deadline could not be executed, so the chat is
// not left Working or Resting with nothing armed. Its open session stays open,
// as on Close.
func (e *Engine) abandon(chatID int64, gen uint64) {
	ct := e.chats.acquire(chatID, false)
	if ct == nil {
		return
	}
	defer e.chats.release(ct)
	if ct.gen.Load() != gen {
		return
	}
	from := ct.phase
	ct.pending = nil
	ct.gen.Store(0)
	ct.phase = Idle
	e.publish(PhaseEvent{ChatID: chatID, From: from, To: Idle, Cause: "abandoned", Gen: gen})
}

// fire performs the transition armed under gen, unless a stop or a newer
// cycle superseded it.
func (e *Engine) fire(ctx context.Context, chatID int64, gen uint64) {
	ct := e.chats.acquire(chatID, false)
	if ct == nil {
		e.stale(chatID, gen)
		return
	}
	defer e.chats.release(ct)

	if ct.gen.Load() != gen || ct.pending == nil {
		e.stale(chatID, gen)
		return
	}
	ct.pending = nil

	switch ct.phase {
	case Working:
		e.enterRest(ctx, ct)
	case Resting:
		e.finishRest(ctx, ct)
	}
}

func (e *Engine) stale(chatID int64, gen uint64) {
	e.log.Debug("stale deadline ignored", logx.Int64("chat_id", chatID), logx.Uint64("gen", gen))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeStaleDeadline, Data: PhaseEvent{ChatID: chatID, Gen: gen, Cause: "stale"}})
	}
}

func (e *Engine) send(ctx context.Context, chatID int64, text string) {
	if err := e.notify.Send(ctx, chatID, text); err != nil {
		e.log.Warn("notify failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (e *Engine) publish(ev PhaseEvent) {
	e.log.Debug("phase", logx.Int64("chat_id", ev.ChatID), logx.String("from", ev.From.String()), logx.String("to", ev.To.String()), logx.String("cause", ev.Cause))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypePhase, Data: ev})
	}
}

func minutes(d time.Duration) int { return int(d / time.Minute) }
