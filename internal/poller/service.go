package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"stridebot/internal/eventbus"
	"stridebot/internal/state"
	"stridebot/internal/strava"
	kit "stridebot/internal/transport"
	logx "stridebot/pkg/logx"
)

// Per-athlete grace after shutdown begins. An athlete whose pipeline has
// started keeps its detached context this long so a delivered activity is
// always followed by its watermark write.
const unitGrace = 90 * time.Second

// Service owns the poll loop. At any instant it is idle or running exactly
// one cycle; a timer tick that lands mid-cycle is skipped and logged rather
// than queued.
type Service struct {
	store state.Store
	src   Source
	sink  Sink
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	cfg     Config
	cron    *cron.Cron
	entryID cron.EntryID
	runCtx  context.Context
	running bool
	stopped bool

	smu       sync.Mutex
	suspended map[string]time.Time

	lastCycleAt   time.Time
	lastCycleTook time.Duration
	cyclesRun     uint64
	ticksSkipped  uint64

	cycleWG sync.WaitGroup
	now     func() time.Time
}

func New(cfg Config, store state.Store, src Source, sink Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		src:       src,
		sink:      sink,
		bus:       bus,
		log:       log,
		suspended: map[string]time.Time{},
		runCtx:    context.Background(),
		now:       time.Now,
	}
}

// Start schedules cycles every Interval and kicks one immediately so a
// restart does not wait a full interval before catching up.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("poller: already started")
	}
	s.stopped = false
	s.runCtx = ctx
	s.cron = cron.New()
	s.entryID = s.cron.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(s.cronTick))
	s.cron.Start()
	s.log.Info("poller started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Int("workers", s.cfg.Workers))

	go s.cronTick()
	return nil
}

// cronTick is what the schedule fires: a tick bound to the Start context,
// so rescheduled entries still observe shutdown.
func (s *Service) cronTick() { s.tick(s.runContext()) }

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// Stop halts the schedule and waits for an in-flight cycle, up to ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.stopped = true
	s.mu.Unlock()
	if c != nil {
		c.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.cycleWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply reschedules the poll loop for a new configuration. Worker and fetch
// limits take effect from the next cycle.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.cron != nil && cfg.Interval != old.Interval {
		s.cron.Remove(s.entryID)
		s.entryID = s.cron.Schedule(cron.Every(cfg.Interval), cron.FuncJob(s.cronTick))
		s.log.Info("poll interval changed",
			logx.Duration("old", old.Interval),
			logx.Duration("new", cfg.Interval))
	}
}

// Register adds or replaces an athlete. A fresh registration's watermark is
// seeded to now minus the bootstrap window; registering again also lifts a
// suspension, which is how an operator installs a refreshed token.
func (s *Service) Register(ctx context.Context, id, token string) error {
	s.mu.Lock()
	window := s.cfg.BootstrapWindow
	s.mu.Unlock()

	wm := s.now().UTC().Add(-window)
	if err := s.store.Register(ctx, id, token, wm); err != nil {
		return err
	}

	s.smu.Lock()
	_, wasSuspended := s.suspended[id]
	delete(s.suspended, id)
	s.smu.Unlock()

	s.log.Info("athlete registered",
		logx.String("athlete", id),
		logx.Time("watermark", wm),
		logx.Bool("resumed", wasSuspended))
	s.publish("athlete.registered", map[string]any{"athlete": id})
	return nil
}

// Remove unregisters an athlete and drops any suspension record.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.Remove(ctx, id); err != nil {
		return err
	}
	s.smu.Lock()
	delete(s.suspended, id)
	s.smu.Unlock()

	s.log.Info("athlete removed", logx.String("athlete", id))
	s.publish("athlete.removed", map[string]any{"athlete": id})
	return nil
}

// Suspended reports whether id is currently excluded from polling.
func (s *Service) Suspended(id string) bool {
	s.smu.Lock()
	_, ok := s.suspended[id]
	s.smu.Unlock()
	return ok
}

func (s *Service) Status() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:         "idle",
		Interval:      s.cfg.Interval,
		LastCycleAt:   s.lastCycleAt,
		LastCycleTook: s.lastCycleTook,
		CyclesRun:     s.cyclesRun,
		TicksSkipped:  s.ticksSkipped,
	}
	if s.running {
		snap.State = "running"
	}
	s.mu.Unlock()

	s.smu.Lock()
	for id := range s.suspended {
		snap.Suspended = append(snap.Suspended, id)
	}
	s.smu.Unlock()
	sort.Strings(snap.Suspended)
	return snap
}

// tick is the single-flight entry point. Exactly one cycle runs at a time;
// overlapping ticks are counted and dropped.
func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.ticksSkipped++
		s.mu.Unlock()
		s.log.Warn("poll cycle still running, skipping tick")
		return
	}
	s.running = true
	s.cycleWG.Add(1)
	s.mu.Unlock()

	start := s.now()
	posted, failed := s.runCycle(ctx)
	took := s.now().Sub(start)

	s.mu.Lock()
	s.running = false
	s.lastCycleAt = start
	s.lastCycleTook = took
	s.cyclesRun++
	s.mu.Unlock()
	s.cycleWG.Done()

	s.log.Info("poll cycle finished",
		logx.Duration("took", took),
		logx.Int("posted", posted),
		logx.Int("failed", failed))
	s.publish("poller.cycle", map[string]any{"took": took.String(), "posted": posted, "failed": failed})
}

// RunOnce executes a single cycle outside the schedule, honoring the same
// single-flight rule. Used by the /poll command.
func (s *Service) RunOnce(ctx context.Context) {
	s.tick(ctx)
}

func (s *Service) runCycle(ctx context.Context) (posted, failed int) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	cycleStart := s.now().UTC()
	ids, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("listing athletes failed", logx.Err(err))
		return 0, 0
	}
	if len(ids) == 0 {
		return 0, 0
	}

	var (
		cmu sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, cfg.Workers)
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if s.Suspended(id) {
			s.log.Debug("athlete suspended, skipping", logx.String("athlete", id))
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			// Once an athlete's pipeline starts, let it finish: a delivery
			// without the matching watermark write means a duplicate post
			// after restart.
			unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unitGrace)
			defer cancel()
			p, f := s.pollAthlete(unitCtx, id, cycleStart, cfg)
			cmu.Lock()
			posted += p
			failed += f
			cmu.Unlock()
		}(id)
	}
	wg.Wait()
	return posted, failed
}

// pollAthlete runs the fetch-deliver-advance pipeline for one athlete. Any
// failure here is isolated: it never aborts the cycle for other athletes.
func (s *Service) pollAthlete(ctx context.Context, id string, cycleStart time.Time, cfg Config) (posted, failed int) {
	log := s.log.With(logx.String("athlete", id))

	token, err := s.store.Credential(ctx, id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			// Removed mid-cycle.
			return 0, 0
		}
		log.Error("loading credential failed", logx.Err(err))
		return 0, 1
	}
	watermark, err := s.store.Watermark(ctx, id)
	if err != nil {
		log.Error("loading watermark failed", logx.Err(err))
		return 0, 1
	}

	activities, err := s.src.Activities(ctx, token, watermark, cfg.FetchLimit)
	if err != nil {
		switch {
		case errors.Is(err, strava.ErrAuth):
			s.suspend(id)
			log.Warn("credential rejected, suspending athlete", logx.Err(err))
		case errors.Is(err, strava.ErrRateLimited):
			log.Warn("rate limited, retrying next cycle", logx.Err(err))
		default:
			log.Warn("fetch failed, retrying next cycle", logx.Err(err))
		}
		return 0, 1
	}

	// The API makes no ordering promise; deliver oldest first so a partial
	// failure leaves the watermark at the last delivered activity.
	sort.SliceStable(activities, func(i, j int) bool {
		return activities[i].StartTime().Before(activities[j].StartTime())
	})

	var delivered time.Time
	for _, a := range activities {
		text := formatActivity(id, a)
		if err := s.sink.Send(ctx, cfg.Channel, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
			log.Warn("delivery failed, watermark held",
				logx.Err(err),
				logx.Int64("activity", a.ID))
			failed++
			s.advance(ctx, id, delivered, log)
			return posted, failed
		}
		posted++
		if st := a.StartTime(); st.After(delivered) {
			delivered = st
		}
		log.Info("activity posted",
			logx.Int64("activity", a.ID),
			logx.String("type", a.Type))
		s.publish("activity.posted", map[string]any{"athlete": id, "activity": a.ID})
	}

	if delivered.IsZero() {
		// Nothing delivered carried a usable start time (quiet cycle, or
		// every activity had a malformed date). Move the watermark up to
		// the cycle start so the query window stays bounded and a
		// malformed activity cannot wedge the feed. The store keeps it
		// monotonic.
		delivered = cycleStart
	}
	s.advance(ctx, id, delivered, log)
	return posted, failed
}

func (s *Service) advance(ctx context.Context, id string, t time.Time, log logx.Logger) {
	if t.IsZero() {
		return
	}
	if err := s.store.SetWatermark(ctx, id, t); err != nil {
		// Non-fatal: the next cycle re-fetches and re-posts from the old
		// watermark, which is the at-least-once tradeoff.
		log.Error("persisting watermark failed", logx.Err(err), logx.Time("watermark", t))
	}
}

func (s *Service) suspend(id string) {
	s.smu.Lock()
	s.suspended[id] = s.now()
	s.smu.Unlock()
	s.publish("athlete.suspended", map[string]any{"athlete": id})
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
