package state

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store operations on an unknown athlete id.
var ErrNotFound = errors.New("athlete not found")

// Config configures the state store.
//
// Driver values:
//   - "file": single JSON snapshot, rewritten atomically on every mutation
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store persists the monitored-athlete registry: per athlete id an access
// token and a watermark (the instant below which all activities are
// considered already posted).
//
// A watermark never exists without a token: Register and Remove mutate both
// as one persisted unit. Every mutation flushes to durable storage before
// returning; a flush failure leaves the in-memory state uncommitted and is
// reported to the caller.
type Store interface {
	// Register stores id -> (token, watermark), overwriting any previous
	// entry. The caller seeds the watermark (now minus bootstrap window
	// for a fresh registration).
	Register(ctx context.Context, id, token string, watermark time.Time) error

	// Remove deletes both the token and the watermark for id.
	Remove(ctx context.Context, id string) error

	// List returns registered ids in insertion order.
	List(ctx context.Context) ([]string, error)

	Credential(ctx context.Context, id string) (string, error)
	Watermark(ctx context.Context, id string) (time.Time, error)

	// SetWatermark advances the watermark for id. Watermarks are
	// monotonic: a value earlier than the stored one is ignored.
	SetWatermark(ctx context.Context, id string, t time.Time) error

	Close() error
}
