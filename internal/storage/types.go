package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrNoOpenSession = errors.New("no open session")
	ErrClosed        = errors.New("storage closed")
)

// TimeLayout is the minute-resolution timestamp format used in exports and session files.
const TimeLayout = "2006-01-02 15:04"

// Config configures storage.
//
// Driver values:
//   - "file": one CSV per chat under Path (a directory)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type SessionType string

const (
	SessionWork SessionType = "WORK"
	SessionRest SessionType = "REST"
)

func (t SessionType) Valid() bool { return t == SessionWork || t == SessionRest }

// ParseSessionType accepts any casing ("work", "WORK").
func ParseSessionType(s string) (SessionType, error) {
	t := SessionType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("invalid session type %q", s)
	}
	return t, nil
}

// SessionRecord is one work or rest interval.
// StopAt is zero while the session is open.
type SessionRecord struct {
	ChatID          int64
	Type            SessionType
	DurationMinutes int
	StartAt         time.Time
	StopAt          time.Time
	Completed       bool
}

func (r SessionRecord) Open() bool { return r.StopAt.IsZero() }

// Achievement is a milestone earned by a chat. Code is unique per chat.
type Achievement struct {
	ChatID      int64
	Code        string
	Name        string
	Description string
	AchievedAt  time.Time
}

// SessionStore persists session history and derives statistics from it.
//
// Implementations must be safe for concurrent use. The file backend locks
// per chat. The sqlite backend holds a single connection, so its writes from
// different chats serialize there.
type SessionStore interface {
	RecordSession(ctx context.Context, chatID int64, typ SessionType, durationMinutes int, startAt time.Time) error
	// CompleteSession closes the most recent open session of typ with completed=true.
	CompleteSession(ctx context.Context, chatID int64, typ SessionType, stopAt time.Time) error
	// MarkStopped closes the most recent open session of any type, leaving completed=false.
	MarkStopped(ctx context.Context, chatID int64, stopAt time.Time) error

	Statistics(ctx context.Context, chatID int64) (string, error)
	Achievements(ctx context.Context, chatID int64) (string, error)
	// Export returns a CSV snapshot of every session, most recent first.
	Export(ctx context.Context, chatID int64) ([]byte, error)

	Close() error
}

// Tally aggregates completed sessions per type.
type Tally struct {
	WorkMinutes int
	RestMinutes int
	WorkCycles  int
	RestCycles  int
}

func (t *Tally) Add(typ SessionType, minutes int) {
	switch typ {
	case SessionWork:
		t.WorkMinutes += minutes
		t.WorkCycles++
	case SessionRest:
		t.RestMinutes += minutes
		t.RestCycles++
	}
}

// TallySessions counts completed sessions only; stopped ones are ignored.
func TallySessions(recs []SessionRecord) Tally {
	var t Tally
	for _, r := range recs {
		if r.Completed {
			t.Add(r.Type, r.DurationMinutes)
		}
	}
	return t
}

func (t Tally) String() string {
	return fmt.Sprintf("Statistics:\n"+
		"• Work time: %d min\n"+
		"• Rest time: %d min\n"+
		"• Work cycles: %d\n"+
		"• Rest cycles: %d",
		t.WorkMinutes, t.RestMinutes, t.WorkCycles, t.RestCycles)
}

const noAchievements = "No achievements yet."

// FormatAchievements renders achievements most recent first.
func FormatAchievements(list []Achievement) string {
	if len(list) == 0 {
		return noAchievements
	}
	var b strings.Builder
	for i, a := range list {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("🏆 ")
		b.WriteString(a.Name)
		b.WriteString("\n   ")
		b.WriteString(a.Description)
		b.WriteString("\n   Earned: ")
		b.WriteString(a.AchievedAt.Format(TimeLayout))
	}
	return b.String()
}
