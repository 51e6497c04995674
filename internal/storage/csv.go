package storage

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Column order of session files and exports.
const (
	colType = iota
	colDuration
	colStartAt
	colStopAt
	colCompleted
	numCols
)

var sessionHeader = []string{"type", "duration", "start_at", "stop_at", "completed"}

func sessionRow(r SessionRecord) []string {
	row := make([]string, numCols)
	row[colType] = string(r.Type)
	row[colDuration] = strconv.Itoa(r.DurationMinutes)
	row[colStartAt] = r.StartAt.Format(TimeLayout)
	if !r.StopAt.IsZero() {
		row[colStopAt] = r.StopAt.Format(TimeLayout)
	}
	row[colCompleted] = strconv.FormatBool(r.Completed)
	return row
}

func isHeaderRow(row []string) bool {
	return len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[colType]), sessionHeader[colType])
}

func parseSessionRow(chatID int64, row []string) (SessionRecord, error) {
	if len(row) < numCols {
		return SessionRecord{}, fmt.Errorf("session row: want %d columns, got %d", numCols, len(row))
	}
	typ, err := ParseSessionType(row[colType])
	if err != nil {
		return SessionRecord{}, err
	}
	dur, err := strconv.Atoi(strings.TrimSpace(row[colDuration]))
	if err != nil {
		return SessionRecord{}, fmt.Errorf("session row: duration: %w", err)
	}
	start, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(row[colStartAt]), time.Local)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("session row: start_at: %w", err)
	}
	var stop time.Time
	if s := strings.TrimSpace(row[colStopAt]); s != "" {
		if stop, err = time.ParseInLocation(TimeLayout, s, time.Local); err != nil {
			return SessionRecord{}, fmt.Errorf("session row: stop_at: %w", err)
		}
	}
	completed, err := strconv.ParseBool(strings.TrimSpace(row[colCompleted]))
	if err != nil {
		return SessionRecord{}, fmt.Errorf("session row: completed: %w", err)
	}
	return SessionRecord{
		ChatID:          chatID,
		Type:            typ,
		DurationMinutes: dur,
		StartAt:         start,
		StopAt:          stop,
		Completed:       completed,
	}, nil
}

// readSessions parses a session CSV stream. The header row is optional.
func readSessions(chatID int64, r io.Reader) ([]SessionRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	var out []SessionRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if isHeaderRow(row) {
			continue
		}
		rec, err := parseSessionRow(chatID, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

func writeSessions(w io.Writer, recs []SessionRecord, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(sessionHeader); err != nil {
			return err
		}
	}
	for _, r := range recs {
		if err := cw.Write(sessionRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// encodeExport renders recs (already ordered most recent first) with a header row.
func encodeExport(recs []SessionRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeSessions(&buf, recs, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseExport decodes an Export snapshot back into records (same order).
func ParseExport(chatID int64, b []byte) ([]SessionRecord, error) {
	return readSessions(chatID, bytes.NewReader(b))
}
