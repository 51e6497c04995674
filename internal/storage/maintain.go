package storage

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	logx "pomobot/pkg/logx"
)

// Maintainer is implemented by stores that benefit from periodic housekeeping.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Maintain folds the WAL back into the database and refreshes planner stats.
func (s *sqliteStore) Maintain(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return mapClosed(err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return mapClosed(err)
	}
	s.log.Debug("maintenance done")
	return nil
}

// Maintain removes temp files left behind by an interrupted rewrite.
func (s *fileStore) Maintain(ctx context.Context) error {
	release, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	removed := 0
	for _, dir := range []string{s.sessionsDir, s.achievementsDir} {
		matches, err := filepath.Glob(filepath.Join(dir, "*.csv.tmp"))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := ctx.Err(); err != nil {
				return err
			}
			chatID, err := strconv.ParseInt(strings.TrimSuffix(filepath.Base(m), ".csv.tmp"), 10, 64)
			if err != nil {
				continue
			}
			unlock := s.lockChat(chatID)
			err = os.Remove(m)
			unlock()
			if err != nil && !os.IsNotExist(err) {
				return err
			}
			removed++
		}
	}
	s.log.Debug("maintenance done", logx.Int("removed_tmp", removed))
	return nil
}
