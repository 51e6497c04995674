package storage

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "pomobot/pkg/logx"
)

const fileLockStripes = 64

// fileStore is a dependency-free persistence backend.
//
// Files (per chat):
//   - <dir>/sessions/<chatID>.csv      (append on record, full rewrite on close)
//   - <dir>/achievements/<chatID>.csv  (append-only)
//
// Rewrites go through a temp file + rename so readers never see a torn file.
type fileStore struct {
	log logx.Logger

	sessionsDir     string
	achievementsDir string

	// Striped per-chat locks: chats on different stripes never contend.
	locks [fileLockStripes]sync.Mutex

	closeMu sync.RWMutex
	closed  bool
}

var achievementHeader = []string{"code", "name", "description", "achieved_at"}

func openFile(cfg Config, log logx.Logger) (SessionStore, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	s := &fileStore{
		log:             log,
		sessionsDir:     filepath.Join(dir, "sessions"),
		achievementsDir: filepath.Join(dir, "achievements"),
	}
	for _, d := range []string{s.sessionsDir, s.achievementsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", d, err)
		}
	}
	return s, nil
}

func (s *fileStore) lockChat(chatID int64) func() {
	mu := &s.locks[uint64(chatID)%fileLockStripes]
	mu.Lock()
	return mu.Unlock
}

// enter guards against use after Close. The returned func must be called when done.
func (s *fileStore) enter(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return nil, ErrClosed
	}
	return s.closeMu.RUnlock, nil
}

func (s *fileStore) sessionsPath(chatID int64) string {
	return filepath.Join(s.sessionsDir, strconv.FormatInt(chatID, 10)+".csv")
}

func (s *fileStore) achievementsPath(chatID int64) string {
	return filepath.Join(s.achievementsDir, strconv.FormatInt(chatID, 10)+".csv")
}

func (s *fileStore) Close() error {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	return nil
}

func (s *fileStore) RecordSession(ctx context.Context, chatID int64, typ SessionType, durationMinutes int, startAt time.Time) error {
	if !typ.Valid() {
		return fmt.Errorf("record session: invalid type %q", typ)
	}
	leave, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	defer s.lockChat(chatID)()

	rec := SessionRecord{ChatID: chatID, Type: typ, DurationMinutes: durationMinutes, StartAt: startAt}
	return appendCSV(s.sessionsPath(chatID), sessionHeader, sessionRow(rec))
}

func (s *fileStore) CompleteSession(ctx context.Context, chatID int64, typ SessionType, stopAt time.Time) error {
	leave, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	defer s.lockChat(chatID)()

	recs, err := s.loadSessions(chatID)
	if err != nil {
		return err
	}
	idx := lastOpen(recs, func(r SessionRecord) bool { return r.Type == typ })
	if idx < 0 {
		return fmt.Errorf("complete %s session for chat %d: %w", typ, chatID, ErrNoOpenSession)
	}
	recs[idx].StopAt = stopAt
	recs[idx].Completed = true
	if err := s.rewriteSessions(chatID, recs); err != nil {
		return err
	}
	if typ != SessionWork {
		return nil
	}
	if err := s.awardLocked(chatID, TallySessions(recs), stopAt); err != nil {
		// The session itself is closed; a missed award is re-evaluated next time.
		s.log.Warn("achievement update failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	return nil
}

func (s *fileStore) MarkStopped(ctx context.Context, chatID int64, stopAt time.Time) error {
	leave, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	defer s.lockChat(chatID)()

	recs, err := s.loadSessions(chatID)
	if err != nil {
		return err
	}
	idx := lastOpen(recs, func(SessionRecord) bool { return true })
	if idx < 0 {
		return fmt.Errorf("stop session for chat %d: %w", chatID, ErrNoOpenSession)
	}
	recs[idx].StopAt = stopAt
	return s.rewriteSessions(chatID, recs)
}

func (s *fileStore) Statistics(ctx context.Context, chatID int64) (string, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return "", err
	}
	defer leave()
	defer s.lockChat(chatID)()

	recs, err := s.loadSessions(chatID)
	if err != nil {
		return "", err
	}
	return TallySessions(recs).String(), nil
}

func (s *fileStore) Achievements(ctx context.Context, chatID int64) (string, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return "", err
	}
	defer leave()
	defer s.lockChat(chatID)()

	list, err := s.loadAchievements(chatID)
	if err != nil {
		return "", err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].AchievedAt.After(list[j].AchievedAt) })
	return FormatAchievements(list), nil
}

func (s *fileStore) Export(ctx context.Context, chatID int64) ([]byte, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	defer s.lockChat(chatID)()

	recs, err := s.loadSessions(chatID)
	if err != nil {
		return nil, err
	}
	// File order is chronological; exports are most recent first.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return encodeExport(recs)
}

func (s *fileStore) loadSessions(chatID int64) ([]SessionRecord, error) {
	f, err := os.Open(s.sessionsPath(chatID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := readSessions(chatID, bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read sessions for chat %d: %w", chatID, err)
	}
	return recs, nil
}

func (s *fileStore) rewriteSessions(chatID int64, recs []SessionRecord) error {
	return replaceFile(s.sessionsPath(chatID), func(w io.Writer) error {
		return writeSessions(w, recs, true)
	})
}

func (s *fileStore) loadAchievements(chatID int64) ([]Achievement, error) {
	f, err := os.Open(s.achievementsPath(chatID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(bufio.NewReader(f)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read achievements for chat %d: %w", chatID, err)
	}
	out := make([]Achievement, 0, len(rows))
	for _, row := range rows {
		if len(row) < len(achievementHeader) || row[0] == achievementHeader[0] {
			continue
		}
		at, err := time.ParseInLocation(TimeLayout, row[3], time.Local)
		if err != nil {
			return nil, fmt.Errorf("achievement %q: achieved_at: %w", row[0], err)
		}
		out = append(out, Achievement{ChatID: chatID, Code: row[0], Name: row[1], Description: row[2], AchievedAt: at})
	}
	return out, nil
}

func (s *fileStore) awardLocked(chatID int64, t Tally, at time.Time) error {
	have, err := s.loadAchievements(chatID)
	if err != nil {
		return err
	}
	codes := make(map[string]bool, len(have))
	for _, a := range have {
		codes[a.Code] = true
	}
	for _, a := range EvaluateAchievements(chatID, t, codes, at) {
		row := []string{a.Code, a.Name, a.Description, a.AchievedAt.Format(TimeLayout)}
		if err := appendCSV(s.achievementsPath(chatID), achievementHeader, row); err != nil {
			return err
		}
		s.log.Info("achievement earned", logx.Int64("chat_id", chatID), logx.String("code", a.Code))
	}
	return nil
}

func lastOpen(recs []SessionRecord, match func(SessionRecord) bool) int {
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Open() && match(recs[i]) {
			return i
		}
	}
	return -1
}

// appendCSV appends row to path, writing header first when the file is new or empty.
func appendCSV(path string, header, row []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w := csv.NewWriter(f)
	if st.Size() == 0 {
		_ = w.Write(header)
	}
	_ = w.Write(row)
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func replaceFile(path string, write func(w io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
