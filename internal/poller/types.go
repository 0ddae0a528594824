package poller

import (
	"context"
	"time"

	"stridebot/internal/strava"
	kit "stridebot/internal/transport"
)

// Source fetches activities newer than since for one athlete's token.
// Implementations make no ordering promise.
type Source interface {
	Activities(ctx context.Context, token string, since time.Time, limit int) ([]strava.Activity, error)
}

// Sink delivers one rendered notification. A nil return means the message
// is durably handed to the chat platform.
type Sink interface {
	Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error
}

type Config struct {
	// Interval between poll cycles.
	Interval time.Duration
	// BootstrapWindow is the lookback seeded into a fresh registration's
	// watermark so history is not flooded.
	BootstrapWindow time.Duration
	// Workers bounds concurrent per-athlete pipelines (1..8).
	Workers int
	// FetchLimit caps activities fetched per athlete per cycle.
	FetchLimit int
	// Channel receives all notifications.
	Channel kit.ChatTarget
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.BootstrapWindow <= 0 {
		c.BootstrapWindow = 24 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Workers > maxWorkers {
		c.Workers = maxWorkers
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 10
	}
	return c
}

const maxWorkers = 8

// Snapshot is a point-in-time view of the poller for /status.
type Snapshot struct {
	State         string // "idle" or "running"
	Interval      time.Duration
	LastCycleAt   time.Time
	LastCycleTook time.Duration
	CyclesRun     uint64
	TicksSkipped  uint64
	Suspended     []string
}
