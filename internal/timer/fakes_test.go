package timer

import (
	"context"
	"sync"
	"time"

	"pomobot/internal/storage"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, firing due timers in deadline order. Callbacks
// run on the calling goroutine without the clock lock held.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type inlineExec struct{}

func (inlineExec) Run(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// captureExec holds deadline actions until the test runs them.
type captureExec struct {
	mu  sync.Mutex
	fns []func(ctx context.Context) error
}

func (c *captureExec) Run(_ context.Context, _ string, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
	return nil
}

func (c *captureExec) take() []func(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.fns
	c.fns = nil
	return out
}

// failExec refuses every deadline, like an executor that is shutting down.
type failExec struct{ err error }

func (f failExec) Run(context.Context, string, func(ctx context.Context) error) error { return f.err }

type memStore struct {
	mu       sync.Mutex
	sessions map[int64][]storage.SessionRecord
	closes   map[int64]int
	fail     error
	// block, when set, is awaited inside RecordSession for blockChat.
	// blocked, when set, is signaled just before waiting.
	block     chan struct{}
	blocked   chan struct{}
	blockChat int64
}

func newMemStore() *memStore {
	return &memStore{sessions: map[int64][]storage.SessionRecord{}, closes: map[int64]int{}}
}

func (s *memStore) RecordSession(_ context.Context, chatID int64, typ storage.SessionType, mins int, at time.Time) error {
	if s.block != nil && chatID == s.blockChat {
		if s.blocked != nil {
			s.blocked <- struct{}{}
		}
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sessions[chatID] = append(s.sessions[chatID], storage.SessionRecord{ChatID: chatID, Type: typ, DurationMinutes: mins, StartAt: at})
	return nil
}

func (s *memStore) close(chatID int64, match func(storage.SessionRecord) bool, at time.Time, completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	recs := s.sessions[chatID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Open() && match(recs[i]) {
			recs[i].StopAt = at
			recs[i].Completed = completed
			s.closes[chatID]++
			return nil
		}
	}
	return storage.ErrNoOpenSession
}

func (s *memStore) CompleteSession(_ context.Context, chatID int64, typ storage.SessionType, at time.Time) error {
	return s.close(chatID, func(r storage.SessionRecord) bool { return r.Type == typ }, at, true)
}

func (s *memStore) MarkStopped(_ context.Context, chatID int64, at time.Time) error {
	return s.close(chatID, func(storage.SessionRecord) bool { return true }, at, false)
}

func (s *memStore) Statistics(_ context.Context, chatID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	return storage.TallySessions(s.sessions[chatID]).String(), nil
}

func (s *memStore) Achievements(context.Context, int64) (string, error) {
	return storage.FormatAchievements(nil), nil
}

func (s *memStore) Export(context.Context, int64) ([]byte, error) { return nil, nil }

func (s *memStore) records(chatID int64) []storage.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.SessionRecord(nil), s.sessions[chatID]...)
}

func (s *memStore) closeCount(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes[chatID]
}

func (s *memStore) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

type memNotifier struct {
	mu   sync.Mutex
	msgs map[int64][]string
	fail error
}

func newMemNotifier() *memNotifier { return &memNotifier{msgs: map[int64][]string{}} }

func (n *memNotifier) Send(_ context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs[chatID] = append(n.msgs[chatID], text)
	return n.fail
}

func (n *memNotifier) SendWithEmphasis(_ context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs[chatID] = append(n.msgs[chatID], "[img] "+text)
	return n.fail
}

func (n *memNotifier) messages(chatID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs[chatID]...)
}
