package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "pomobot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (SessionStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// One connection means one writer. Cross-chat writes queue here instead
	// of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) RecordSession(ctx context.Context, chatID int64, typ SessionType, durationMinutes int, startAt time.Time) error {
	if !typ.Valid() {
		return fmt.Errorf("record session: invalid type %q", typ)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_session(chat_id, type, duration, start_at, completed) VALUES(?,?,?,?,0)`,
		chatID, string(typ), durationMinutes, startAt.UnixMilli(),
	)
	return mapClosed(err)
}

func (s *sqliteStore) CompleteSession(ctx context.Context, chatID int64, typ SessionType, stopAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapClosed(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE user_session SET stop_at = ?, completed = 1
		 WHERE id = (SELECT id FROM user_session
		             WHERE chat_id = ? AND type = ? AND stop_at IS NULL
		             ORDER BY id DESC LIMIT 1)`,
		stopAt.UnixMilli(), chatID, string(typ),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete %s session for chat %d: %w", typ, chatID, ErrNoOpenSession)
	}
	if typ == SessionWork {
		if err := s.awardTx(ctx, tx, chatID, stopAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) MarkStopped(ctx context.Context, chatID int64, stopAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_session SET stop_at = ?
		 WHERE id = (SELECT id FROM user_session
		             WHERE chat_id = ? AND stop_at IS NULL
		             ORDER BY id DESC LIMIT 1)`,
		stopAt.UnixMilli(), chatID,
	)
	if err != nil {
		return mapClosed(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stop session for chat %d: %w", chatID, ErrNoOpenSession)
	}
	return nil
}

func (s *sqliteStore) Statistics(ctx context.Context, chatID int64) (string, error) {
	t, err := s.tally(ctx, s.db, chatID)
	if err != nil {
		return "", err
	}
	return t.String(), nil
}

func (s *sqliteStore) Achievements(ctx context.Context, chatID int64) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, description, achieved_at FROM user_achievements
		 WHERE chat_id = ? ORDER BY achieved_at DESC, rowid DESC`, chatID)
	if err != nil {
		return "", mapClosed(err)
	}
	defer rows.Close()

	var list []Achievement
	for rows.Next() {
		a := Achievement{ChatID: chatID}
		var ms int64
		if err := rows.Scan(&a.Code, &a.Name, &a.Description, &ms); err != nil {
			return "", err
		}
		a.AchievedAt = time.UnixMilli(ms)
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return FormatAchievements(list), nil
}

func (s *sqliteStore) Export(ctx context.Context, chatID int64) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, duration, start_at, stop_at, completed FROM user_session
		 WHERE chat_id = ? ORDER BY start_at DESC, id DESC`, chatID)
	if err != nil {
		return nil, mapClosed(err)
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var (
			typ       string
			startMS   int64
			stopMS    sql.NullInt64
			completed bool
			r         = SessionRecord{ChatID: chatID}
		)
		if err := rows.Scan(&typ, &r.DurationMinutes, &startMS, &stopMS, &completed); err != nil {
			return nil, err
		}
		r.Type = SessionType(typ)
		r.StartAt = time.UnixMilli(startMS)
		if stopMS.Valid {
			r.StopAt = time.UnixMilli(stopMS.Int64)
		}
		r.Completed = completed
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return encodeExport(recs)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqliteStore) tally(ctx context.Context, q queryer, chatID int64) (Tally, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT type, duration FROM user_session WHERE chat_id = ? AND completed = 1`, chatID)
	if err != nil {
		return Tally{}, mapClosed(err)
	}
	defer rows.Close()

	var t Tally
	for rows.Next() {
		var (
			typ     string
			minutes int
		)
		if err := rows.Scan(&typ, &minutes); err != nil {
			return Tally{}, err
		}
		t.Add(SessionType(typ), minutes)
	}
	return t, rows.Err()
}

func (s *sqliteStore) awardTx(ctx context.Context, tx *sql.Tx, chatID int64, at time.Time) error {
	t, err := s.tally(ctx, tx, chatID)
	if err != nil {
		return err
	}
	have := map[string]bool{}
	rows, err := tx.QueryContext(ctx, `SELECT code FROM user_achievements WHERE chat_id = ?`, chatID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			_ = rows.Close()
			return err
		}
		have[code] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, a := range EvaluateAchievements(chatID, t, have, at) {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_achievements(chat_id, code, name, description, achieved_at) VALUES(?,?,?,?,?)`,
			chatID, a.Code, a.Name, a.Description, a.AchievedAt.UnixMilli(),
		); err != nil {
			return err
		}
		s.log.Info("achievement earned", logx.Int64("chat_id", chatID), logx.String("code", a.Code))
	}
	return nil
}

func mapClosed(err error) error {
	if err != nil && strings.Contains(err.Error(), "sql: database is closed") {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
