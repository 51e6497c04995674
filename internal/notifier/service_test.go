package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pomobot/internal/eventbus"
	kit "pomobot/internal/transport"
	logx "pomobot/pkg/logx"
)

type sent struct {
	kind   string
	chatID int64
	text   string
	file   string
}

type fakeSender struct {
	mu        sync.Mutex
	out       []sent
	failPhoto bool
	failTexts int // fail this many SendText calls first
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTexts > 0 {
		f.failTexts--
		return kit.MessageRef{}, errors.New("temporary")
	}
	f.out = append(f.out, sent{kind: "text", chatID: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.out)}, nil
}

func (f *fakeSender) SendPhoto(_ context.Context, to kit.ChatTarget, p kit.Photo) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPhoto {
		return kit.MessageRef{}, errors.New("bad image")
	}
	f.out = append(f.out, sent{kind: "photo", chatID: to.ChatID, text: p.Caption})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) SendDocument(_ context.Context, to kit.ChatTarget, d kit.Document) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{kind: "document", chatID: to.ChatID, text: d.Caption, file: d.FileName})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.out...)
}

func newTestService(t *testing.T, cfg Config, fs *fakeSender) *Service {
	t.Helper()
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	s := New(cfg, fs, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	return s
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestPerChatOrderIsPreserved(t *testing.T) {
	fs := &fakeSender{}
	s := newTestService(t, Config{Workers: 4}, fs)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		for chat := int64(-3); chat <= 3; chat++ {
			require.NoError(t, s.Send(ctx, chat, fmt.Sprintf("%d", i)))
		}
	}
	stop(t, s)

	next := map[int64]int{}
	for _, m := range fs.sent() {
		assert.Equal(t, fmt.Sprintf("%d", next[m.chatID]), m.text, "chat %d out of order", m.chatID)
		next[m.chatID]++
	}
	assert.Len(t, next, 7)
	assert.Equal(t, uint64(140), s.Stats().Sent)
}

func TestEmphasisWithoutImageSendsText(t *testing.T) {
	fs := &fakeSender{}
	s := newTestService(t, Config{}, fs)
	require.NoError(t, s.SendWithEmphasis(context.Background(), 1, "Go!"))
	stop(t, s)

	out := fs.sent()
	require.Len(t, out, 1)
	assert.Equal(t, "text", out[0].kind)
	assert.Equal(t, "💪 Go!", out[0].text)
}

func TestEmphasisSendsPhotoAndFallsBack(t *testing.T) {
	fs := &fakeSender{}
	s := newTestService(t, Config{MotivationImageURL: "https://example.org/tomato.jpg"}, fs)
	require.NoError(t, s.SendWithEmphasis(context.Background(), 1, "Go!"))

	assert.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "photo", fs.sent()[0].kind)

	fs.mu.Lock()
	fs.failPhoto = true
	fs.mu.Unlock()
	require.NoError(t, s.SendWithEmphasis(context.Background(), 1, "Again!"))
	stop(t, s)

	out := fs.sent()
	require.Len(t, out, 2)
	assert.Equal(t, sent{kind: "text", chatID: 1, text: "💪 Again!"}, out[1])
}

func TestSendDocument(t *testing.T) {
	fs := &fakeSender{}
	s := newTestService(t, Config{}, fs)
	require.NoError(t, s.SendDocument(context.Background(), 5, "stats_5.csv", []byte("type\n"), "Your sessions"))
	stop(t, s)

	out := fs.sent()
	require.Len(t, out, 1)
	assert.Equal(t, "stats_5.csv", out[0].file)
}

func TestRetriesThenSucceeds(t *testing.T) {
	fs := &fakeSender{failTexts: 2}
	s := newTestService(t, Config{RetryMax: 3}, fs)
	require.NoError(t, s.Send(context.Background(), 1, "hi"))
	stop(t, s)

	assert.Len(t, fs.sent(), 1)
	assert.Equal(t, uint64(0), s.Stats().Failed)
}

func TestFailurePublishesEvent(t *testing.T) {
	fs := &fakeSender{failTexts: 10}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{RatePerSec: 1000, RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, fs, logx.Nop(), bus)
	s.Start(context.Background())
	require.NoError(t, s.Send(context.Background(), 9, "hi"))
	stop(t, s)

	require.Len(t, events, 1)
	ev := <-events
	assert.Equal(t, eventbus.TypeNotifyFailed, ev.Type)
	assert.Equal(t, int64(9), ev.Data.(NotificationEvent).ChatID)
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestSendAfterStop(t *testing.T) {
	s := newTestService(t, Config{}, &fakeSender{})
	stop(t, s)
	assert.ErrorIs(t, s.Send(context.Background(), 1, "late"), ErrStopped)
}

func TestRetryDelayHonorsRateLimitHint(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}
	err := &kit.RateLimitedError{After: 3 * time.Second, Err: errors.New("429")}
	assert.Equal(t, 3*time.Second, retryDelay(cfg, 1, err, nil))

	err = &kit.RateLimitedError{After: time.Minute, Err: errors.New("429")}
	assert.Equal(t, 10*time.Second, retryDelay(cfg, 1, err, nil))
}
