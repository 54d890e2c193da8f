package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config selects and configures a driver. An empty Driver or "none" disables storage.
type Config struct {
	Driver string
	// Path is the file path for "file" and "sqlite" and the DSN for "postgres".
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Run identifies one process lifetime.
type Run struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Host      string    `json:"host,omitempty"`
	Version   string    `json:"version,omitempty"`
}

// Kind is what a history record describes.
type Kind string

const (
	KindAttemptFailed Kind = "attempt_failed"
	KindCompleted     Kind = "completed"
	KindFailed        Kind = "failed"
	KindCancelled     Kind = "cancelled"
)

// Record is one history row.
type Record struct {
	RunID    string    `json:"run_id"`
	TaskID   uint64    `json:"task_id"`
	Name     string    `json:"name,omitempty"`
	Kind     Kind      `json:"kind"`
	Attempt  int       `json:"attempt"`
	Priority float64   `json:"priority"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
	// ThrottledUntil is set when the failure carried a rate-limit signal.
	ThrottledUntil time.Time `json:"throttled_until,omitzero"`
}

// Query filters Recent. Zero fields match everything.
type Query struct {
	RunID  string
	TaskID uint64
	Name   string
	Limit  int // default 100
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

func (q Query) match(r Record) bool {
	return (q.RunID == "" || r.RunID == q.RunID) &&
		(q.TaskID == 0 || r.TaskID == q.TaskID) &&
		(q.Name == "" || r.Name == q.Name)
}

// Store is the history persistence API.
type Store interface {
	StartRun(ctx context.Context, r Run) error
	Append(ctx context.Context, r Record) error
	// Recent returns matching records, newest first.
	Recent(ctx context.Context, q Query) ([]Record, error)
	Close() error
}
