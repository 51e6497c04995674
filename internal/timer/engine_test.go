package timer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"pomobot/internal/eventbus"
	"pomobot/internal/storage"
)

const (
	work = 25 * time.Minute
	rest = 5 * time.Minute
)

type harness struct {
	eng    *Engine
	clock  *fakeClock
	store  *memStore
	notify *memNotifier
}

func newHarness(t *testing.T, exec Executor, repeat bool) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), store: newMemStore(), notify: newMemNotifier()}
	h.eng = New(Config{Work: work, Rest: rest, Repeat: repeat}, h.store, h.notify, exec, WithClock(h.clock))
	t.Cleanup(h.eng.Close)
	return h
}

var ctx = context.Background()

func TestStartTwiceRecordsOneSession(t *testing.T) {
	h := newHarness(t, inlineExec{}, true)

	res, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)

	res, err = h.eng.Start(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyRunning, res)

	recs := h.store.records(1)
	require.Len(t, recs, 1)
	assert.Equal(t, storage.SessionWork, recs[0].Type)
	assert.Equal(t, 25, recs[0].DurationMinutes)
	assert.Equal(t, Working, h.eng.Phase(1))
	assert.Equal(t, 1, h.clock.pending())
	assert.Equal(t, []string{"Work period started (25 min)."}, h.notify.messages(1))
}

func TestStopBeforeDeadline(t *testing.T) {
	h := newHarness(t, inlineExec{}, true)

	_, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	res, err := h.eng.Stop(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)

	h.clock.Advance(time.Hour)

	recs := h.store.records(1)
	require.Len(t, recs, 1, "no rest session after stop")
	assert.False(t, recs[0].Open())
	assert.False(t, recs[0].Completed)
	assert.Equal(t, Idle, h.eng.Phase(1))
	assert.Equal(t, 0, h.eng.Active())
	assert.Equal(t, 0, h.clock.pending())
	assert.Equal(t, "Pomodoro timer stopped.", h.notify.messages(1)[1])
}

func TestNaturalProgressionRepeats(t *testing.T) {
	h := newHarness(t, inlineExec{}, true)

	_, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)

	h.clock.Advance(work)
	assert.Equal(t, Resting, h.eng.Phase(1))
	recs := h.store.records(1)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Completed)
	assert.Equal(t, storage.SessionRest, recs[1].Type)
	assert.True(t, recs[1].Open())

	h.clock.Advance(rest)
	assert.Equal(t, Working, h.eng.Phase(1))
	recs = h.store.records(1)
	require.Len(t, recs, 3)
	assert.True(t, recs[1].Completed)
	assert.Equal(t, storage.SessionWork, recs[2].Type)
	assert.True(t, recs[2].Open())

	assert.Equal(t, []string{
		"Work period started (25 min).",
		"Time to rest!",
		"Rest period started (5 min).",
		"[img] Time to get back to work!",
		"Work period started (25 min).",
	}, h.notify.messages(1))

	// Two more full cycles.
	h.clock.Advance(2 * (work + rest))
	assert.Len(t, h.store.records(1), 7)
	assert.Equal(t, 1, h.clock.pending())
}

func TestSingleCycleWhenRepeatDisabled(t *testing.T) {
	h := newHarness(t, inlineExec{}, false)

	_, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	h.clock.Advance(work + rest)

	assert.Equal(t, Idle, h.eng.Phase(1))
	assert.Equal(t, 0, h.eng.Active())
	assert.Equal(t, 0, h.clock.pending())
	recs := h.store.records(1)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Completed)
	assert.True(t, recs[1].Completed)

	res, err := h.eng.Stop(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultNothingToStop, res)

	res, err = h.eng.Start(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res, "a finished chat can start again")
}

func TestStopWinsRaceWithDeadline(t *testing.T) {
	exec := &captureExec{}
	h := newHarness(t, exec, true)

	_, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)

	// The timer has fired and its action is queued but not yet run.
	h.clock.Advance(work)
	fires := exec.take()
	require.Len(t, fires, 1)

	res, err := h.eng.Stop(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)

	require.NoError(t, fires[0](ctx))

	assert.Equal(t, 1, h.store.closeCount(1), "exactly one closing write")
	recs := h.store.records(1)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Completed)
	assert.False(t, recs[0].Open())
	assert.Equal(t, Idle, h.eng.Phase(1))
}

func TestDeadlineWinsRaceWithStop(t *testing.T) {
	exec := &captureExec{}
	h := newHarness(t, exec, true)

	_, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	h.clock.Advance(work)
	fires := exec.take()
	require.Len(t, fires, 1)

	// The deadline holds the chat lock mid-transition when the stop arrives.
	h.store.block = make(chan struct{})
	h.store.blocked = make(chan struct{})
	h.store.blockChat = 1
	fired := make(chan error, 1)
	go func() { fired <- fires[0](ctx) }()
	<-h.store.blocked

	observed := make(chan struct{})
	h.eng.stopHook = func() { close(observed) }
	stopped := make(chan Result, 1)
	go func() {
		res, _ := h.eng.Stop(ctx, 1)
		stopped <- res
	}()
	<-observed
	close(h.store.block)

	require.NoError(t, <-fired)
	assert.Equal(t, ResultAlreadyHandled, <-stopped)

	assert.Equal(t, 1, h.store.closeCount(1), "exactly one closing write")
	recs := h.store.records(1)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Completed, "work closed by the deadline")
	assert.True(t, recs[1].Open(), "rest untouched by the losing stop")
	assert.Equal(t, Resting, h.eng.Phase(1))
	assert.Equal(t, 1, h.clock.pending())
	assert.NotContains(t, h.notify.messages(1), "Pomodoro timer stopped.")

	// A later stop ends the rest period normally.
	h.eng.stopHook = nil
	res, err := h.eng.Stop(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)
	assert.Equal(t, 2, h.store.closeCount(1))
	assert.False(t, h.store.records(1)[1].Completed)
}

func TestStopAfterDeadlineCommittedStopsRest(t *testing.T) {
	exec := &captureExec{}
	h := newHarness(t, exec, true)

	_, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	h.clock.Advance(work)
	fires := exec.take()
	require.Len(t, fires, 1)
	require.NoError(t, fires[0](ctx))
	assert.Equal(t, Resting, h.eng.Phase(1))

	res, err := h.eng.Stop(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)

	recs := h.store.records(1)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Completed)
	assert.False(t, recs[1].Completed)
	assert.False(t, recs[1].Open())
	assert.Equal(t, 2, h.store.closeCount(1), "one closing write per session")
}

func TestUndispatchedDeadlineFreesChat(t *testing.T) {
	h := newHarness(t, failExec{err: errors.New("task engine stopping")}, true)

	_, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	h.clock.Advance(work)

	assert.Equal(t, Idle, h.eng.Phase(1))
	assert.Equal(t, 0, h.eng.Active())
	recs := h.store.records(1)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Open(), "session stays open, as on Close")

	res, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)
}

func TestConcurrentStopAndDeadline(t *testing.T) {
	exec := &captureExec{}
	h := newHarness(t, exec, true)

	const chats = 64
	for id := int64(1); id <= chats; id++ {
		_, err := h.eng.Start(ctx, id)
		require.NoError(t, err)
	}
	h.clock.Advance(work)
	fires := exec.take()
	require.Len(t, fires, chats)

	var g errgroup.Group
	results := make([]Result, chats+1)
	for i, fire := range fires {
		id := int64(i + 1)
		g.Go(func() error { return fire(ctx) })
		g.Go(func() error {
			res, err := h.eng.Stop(ctx, id)
			results[id] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	for id := int64(1); id <= chats; id++ {
		recs := h.store.records(id)
		closed := 0
		for _, r := range recs {
			if !r.Open() {
				closed++
			}
		}
		assert.Equal(t, closed, h.store.closeCount(id), "chat %d: at most one closing write per session", id)
		assert.False(t, recs[0].Open(), "chat %d: work session closed exactly once", id)

		switch results[id] {
		case ResultOK:
			assert.Equal(t, Idle, h.eng.Phase(id))
			assert.Equal(t, len(recs), closed, "chat %d left a session open", id)
		case ResultAlreadyHandled:
			assert.Equal(t, Resting, h.eng.Phase(id))
			require.Len(t, recs, 2)
			assert.True(t, recs[1].Open())
		default:
			t.Errorf("chat %d: unexpected stop result %s", id, results[id])
		}
	}
}

func TestStaleDeadlineIgnoredAfterRestart(t *testing.T) {
	exec := &captureExec{}
	h := newHarness(t, exec, true)
	bus := eventbus.New()
	h.eng.bus = bus
	events, unsub := bus.Subscribe(16)
	defer unsub()

	_, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	h.clock.Advance(work)
	old := exec.take()
	require.Len(t, old, 1)

	_, err = h.eng.Stop(ctx, 1)
	require.NoError(t, err)
	_, err = h.eng.Start(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, old[0](ctx))

	assert.Equal(t, Working, h.eng.Phase(1), "old action must not advance the new cycle")
	recs := h.store.records(1)
	require.Len(t, recs, 2)
	assert.True(t, recs[1].Open())

	var stale int
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.TypeStaleDeadline {
			stale++
		}
	}
	assert.Equal(t, 1, stale)
}

func TestChatsDoNotBlockEachOther(t *testing.T) {
	h := newHarness(t, inlineExec{}, true)
	h.store.block = make(chan struct{})
	h.store.blockChat = 1

	started := make(chan struct{})
	go func() {
		_, _ = h.eng.Start(ctx, 1)
		close(started)
	}()

	done := make(chan struct{})
	go func() {
		_, _ = h.eng.Start(ctx, 2)
		_, _ = h.eng.Stop(ctx, 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("chat 2 blocked behind chat 1")
	}
	close(h.store.block)
	<-started
	assert.Equal(t, Working, h.eng.Phase(1))
}

func TestPerChatIsolation(t *testing.T) {
	h := newHarness(t, inlineExec{}, true)

	const chats = 32
	var g errgroup.Group
	for id := int64(1); id <= chats; id++ {
		g.Go(func() error {
			for i := 0; i < 5; i++ {
				if _, err := h.eng.Start(ctx, id); err != nil {
					return err
				}
				if _, err := h.eng.Stop(ctx, id); err != nil {
					return err
				}
			}
			// Odd chats end running.
			if id%2 == 1 {
				_, err := h.eng.Start(ctx, id)
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for id := int64(1); id <= chats; id++ {
		recs := h.store.records(id)
		if id%2 == 1 {
			assert.Equal(t, Working, h.eng.Phase(id))
			require.Len(t, recs, 6)
			assert.True(t, recs[5].Open())
		} else {
			assert.Equal(t, Idle, h.eng.Phase(id))
			require.Len(t, recs, 5)
		}
	}
	assert.Equal(t, chats/2, h.eng.Active())
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, inlineExec{}, true)

	_, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	res, err := h.eng.Stop(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)

	res, err = h.eng.Stop(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultNothingToStop, res)
	assert.Equal(t, 1, h.store.closeCount(1))

	res, err = h.eng.Stop(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, ResultNothingToStop, res)
}

func TestStoreFailureDoesNotBreakTransitions(t *testing.T) {
	h := newHarness(t, inlineExec{}, true)
	h.store.setFail(errors.New("disk full"))
	h.notify.fail = errors.New("telegram down")

	res, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)

	h.clock.Advance(work)
	assert.Equal(t, Resting, h.eng.Phase(1))

	res, err = h.eng.Stop(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ResultOK, res)
	assert.Equal(t, Idle, h.eng.Phase(1))
}

func TestReadsPassThroughAndWrapErrors(t *testing.T) {
	h := newHarness(t, inlineExec{}, true)

	stats, err := h.eng.Statistics(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.Tally{}.String(), stats)

	ach, err := h.eng.Achievements(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "No achievements yet.", ach)

	boom := errors.New("boom")
	h.store.setFail(boom)
	_, err = h.eng.Statistics(ctx, 1)
	assert.ErrorIs(t, err, boom)
}

func TestSetDurationsAppliesToNextPhase(t *testing.T) {
	h := newHarness(t, inlineExec{}, true)

	_, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	h.eng.SetDurations(50*time.Minute, 10*time.Minute)

	h.clock.Advance(work)
	assert.Equal(t, Resting, h.eng.Phase(1), "armed deadline keeps its length")
	recs := h.store.records(1)
	require.Len(t, recs, 2)
	assert.Equal(t, 10, recs[1].DurationMinutes)
}

func TestCloseCancelsPendingAndRejectsStart(t *testing.T) {
	h := newHarness(t, inlineExec{}, true)

	_, err := h.eng.Start(ctx, 1)
	require.NoError(t, err)
	h.eng.Close()
	assert.Equal(t, 0, h.clock.pending())

	_, err = h.eng.Start(ctx, 2)
	assert.ErrorIs(t, err, ErrClosed)
}
