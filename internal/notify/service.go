package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "stridebot/internal/transport"
	logx "stridebot/pkg/logx"
)

// ErrDelivery wraps terminal send failures. The poller treats it as
// non-fatal to the cycle but refuses to advance the watermark past the
// failed activity.
var ErrDelivery = errors.New("notify: delivery failed")

type Config struct {
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
}

// Service is the notification sink: a rate-limited, retrying sender over
// the chat adapter. Send is synchronous so callers can tie watermark
// advancement to delivery success.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	adapter kit.Adapter
	log     logx.Logger

	hmu     sync.Mutex
	history []HistoryItem
}

type HistoryItem struct {
	At   time.Time
	Text string
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't stall.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send delivers text to the target, retrying transient failures with capped
// exponential backoff. A terminal failure is reported as ErrDelivery.
func (s *Service) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.adapter == nil {
		return fmt.Errorf("%w: no adapter", ErrDelivery)
	}
	if text == "" {
		return nil
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrDelivery, err)
		}

		// Bound each send so a wedged transport can't hang the cycle.
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.adapter.SendText(callCtx, to, text, opt)
		cancel()
		if err == nil {
			s.appendHistory(text)
			return nil
		}
		lastErr = err
		s.log.Debug("send failed",
			logx.Err(err),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrDelivery, ctx.Err())
		case <-time.After(retryDelay(cfg.RetryBase, attempt)):
		}
	}
	return fmt.Errorf("%w: %v", ErrDelivery, lastErr)
}

// Snapshot returns recent deliveries, newest last.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	const maxDelay = 10 * time.Second
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			d = maxDelay
			break
		}
	}
	// Jitter 0.7..1.3 to avoid lockstep retries.
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
