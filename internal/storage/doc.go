// Package storage persists Pomodoro session history per chat.
//
// Two drivers are available:
//   - file: one CSV file per chat (sessions and achievements), no external services
//   - sqlite: a single SQLite database via modernc.org/sqlite (pure Go, no cgo)
//
// Both drivers derive statistics from completed sessions only and share the
// achievement rules in achievements.go.
package storage
