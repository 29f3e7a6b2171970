// Package store is the session storage abstraction. The schema is opaque to
// the rest of the runtime; everything goes through SessionStorage.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session does not exist or is deleted.
var ErrNotFound = errors.New("session not found")

// Session is a stored session record.
type Session struct {
	ID         string
	Title      string
	Cwd        string
	Visibility string // "private" or "public"
	Status     string // "active" or "deleted"
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ListOptions filters and paginates session listings.
type ListOptions struct {
	Search string
	Limit  int
	Offset int
}

// SessionStorage persists sessions and their canonical checkpoints.
// The canonical checkpoint is the fallback when the per-session checkpoint
// file is missing or corrupt; on divergence the file wins.
type SessionStorage interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	List(ctx context.Context, opts ListOptions) ([]Session, int, error)
	Update(ctx context.Context, s Session) error
	Touch(ctx context.Context, id string, at time.Time) error
	SoftDelete(ctx context.Context, id string) error

	SaveCheckpoint(ctx context.Context, sessionID string, data []byte) error
	LoadCheckpoint(ctx context.Context, sessionID string) ([]byte, error)

	Close() error
}
