package timer

import (
	"context"
	"errors"
	"time"

	"pomobot/internal/storage"
)

var ErrClosed = errors.New("timer engine closed")

// Phase is the state of a chat's cycle.
type Phase int

const (
	Idle Phase = iota
	Working
	Resting
)

func (p Phase) String() string {
	switch p {
	case Working:
		return "working"
	case Resting:
		return "resting"
	default:
		return "idle"
	}
}

// Result reports the outcome of Start and Stop. Expected refusals are
// results, not errors.
type Result int

const (
	ResultOK Result = iota
	ResultAlreadyRunning
	ResultNothingToStop
	// ResultAlreadyHandled means a deadline committed between the stop
	// request arriving and taking effect. The stop performed no writes.
	ResultAlreadyHandled
)

func (r Result) String() string {
	switch r {
	case ResultAlreadyRunning:
		return "already_running"
	case ResultNothingToStop:
		return "nothing_to_stop"
	case ResultAlreadyHandled:
		return "already_handled"
	default:
		return "ok"
	}
}

type Config struct {
	Work time.Duration
	Rest time.Duration
	// Repeat loops Resting back into Working until stopped.
	// When false a chat goes Idle after its first rest.
	Repeat bool
}

// Store is the persistence the engine writes through. storage.SessionStore satisfies it.
type Store interface {
	RecordSession(ctx context.Context, chatID int64, typ storage.SessionType, durationMinutes int, startAt time.Time) error
	CompleteSession(ctx context.Context, chatID int64, typ storage.SessionType, stopAt time.Time) error
	MarkStopped(ctx context.Context, chatID int64, stopAt time.Time) error
	Statistics(ctx context.Context, chatID int64) (string, error)
	Achievements(ctx context.Context, chatID int64) (string, error)
	Export(ctx context.Context, chatID int64) ([]byte, error)
}

// Notifier delivers user-facing messages. Calls are fire-and-forget.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
	SendWithEmphasis(ctx context.Context, chatID int64, text string) error
}

// Executor runs deadline actions off the clock goroutine. *engine.Service satisfies it.
type Executor interface {
	Run(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop reports whether the callback was prevented from running.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock is the wall clock backed by time.AfterFunc.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// PhaseEvent is published on the event bus for every transition.
type PhaseEvent struct {
	ChatID int64  `json:"chat_id"`
	From   Phase  `json:"from"`
	To     Phase  `json:"to"`
	Cause  string `json:"cause"`
	Gen    uint64 `json:"gen,omitempty"`
}
