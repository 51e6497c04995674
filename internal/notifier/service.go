package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pomobot/internal/eventbus"
	rtsup "pomobot/internal/runtime/supervisor"
	kit "pomobot/internal/transport"
	logx "pomobot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const emphasisPrefix = "💪 "

type jobKind string

const (
	kindText     jobKind = "text"
	kindPhoto    jobKind = "photo"
	kindDocument jobKind = "document"
)

type job struct {
	kind   jobKind
	target kit.ChatTarget
	text   string
	photo  kit.Photo
	doc    kit.Document
}

// Service implements an async notification pipeline:
// per-chat ordered queues + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queues   []chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	queued  atomic.Uint64
	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

// Apply updates rate, retry and image settings. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	cfg.MotivationImageURL = strings.TrimSpace(cfg.MotivationImageURL)

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	// Start is idempotent.
	if s.queues != nil {
		s.mu.Unlock()
		return
	}

	workers := s.cfg.Workers
	s.queues = make([]chan job, workers)
	for i := range s.queues {
		s.queues[i] = make(chan job, s.cfg.QueueSize)
	}
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// Notifier failures should not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	queues := s.queues
	s.mu.Unlock()

	for i, q := range queues {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queues best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	queues := s.queues
	sup := s.sup
	if queues == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queues so workers drain.
		s.sendWG.Wait()
		for _, q := range queues {
			close(q)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queues = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		// Force-stop workers; undelivered messages are dropped.
		sup.Cancel()
		s.log.Warn("notifier stop timed out", logx.Err(ctx.Err()))
	}
}

// Send queues a text message for chatID.
func (s *Service) Send(ctx context.Context, chatID int64, text string) error {
	return s.enqueue(ctx, job{kind: kindText, target: kit.ChatTarget{ChatID: chatID}, text: text})
}

// SendWithEmphasis queues text with the motivation image attached.
func (s *Service) SendWithEmphasis(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	url := s.cfg.MotivationImageURL
	s.mu.Unlock()

	to := kit.ChatTarget{ChatID: chatID}
	if url == "" {
		return s.enqueue(ctx, job{kind: kindText, target: to, text: emphasisPrefix + text})
	}
	return s.enqueue(ctx, job{kind: kindPhoto, target: to, text: text, photo: kit.Photo{URL: url, Caption: text}})
}

// SendDocument queues a file upload for chatID.
func (s *Service) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error {
	return s.enqueue(ctx, job{
		kind:   kindDocument,
		target: kit.ChatTarget{ChatID: chatID},
		text:   caption,
		doc:    kit.Document{FileName: name, MIME: "text/csv", Data: data, Caption: caption},
	})
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if !s.accepting || s.queues == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queues[shardFor(j.target.ChatID, len(s.queues))]
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- j:
		s.queued.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		s.publish(eventbus.TypeNotifyDropped, j, ErrQueueFull)
		s.log.Warn("notification dropped", logx.Int64("chat_id", j.target.ChatID), logx.String("kind", string(j.kind)), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

func shardFor(chatID int64, n int) int {
	return int(uint64(chatID) % uint64(n))
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:  s.queued.Load(),
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(j job) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: j.target.ChatID, Kind: string(j.kind), Text: j.text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j, rng)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job, rng *rand.Rand) {
	err := s.sendWithRetry(ctx, j, rng)
	if err != nil && j.kind == kindPhoto && ctx.Err() == nil {
		s.log.Warn("photo send failed, falling back to text", logx.Int64("chat_id", j.target.ChatID), logx.Err(err))
		j = job{kind: kindText, target: j.target, text: emphasisPrefix + j.text}
		err = s.sendWithRetry(ctx, j, rng)
	}
	if err == nil {
		s.sent.Add(1)
		s.appendHistory(j)
		return
	}
	s.failed.Add(1)
	s.publish(eventbus.TypeNotifyFailed, j, err)
	s.log.Error("notification failed", logx.Int64("chat_id", j.target.ChatID), logx.String("kind", string(j.kind)), logx.Err(err))
}

func (s *Service) sendWithRetry(ctx context.Context, j job, rng *rand.Rand) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := s.send(callCtx, j)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt, err, rng))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

func (s *Service) send(ctx context.Context, j job) error {
	var err error
	switch j.kind {
	case kindPhoto:
		_, err = s.sender.SendPhoto(ctx, j.target, j.photo)
	case kindDocument:
		_, err = s.sender.SendDocument(ctx, j.target, j.doc)
	default:
		_, err = s.sender.SendText(ctx, j.target, j.text, nil)
	}
	return err
}

func (s *Service) publish(typ string, j job, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{ChatID: j.target.ChatID, Kind: string(j.kind), At: now, Error: err.Error()}})
}

// retryDelay is the wait before attempt+1. Platform flood hints win over backoff.
func retryDelay(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	var rl interface{ RetryAfter() time.Duration }
	if errors.As(err, &rl) {
		return min(rl.RetryAfter(), cfg.RetryMaxDelay)
	}
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rng.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
