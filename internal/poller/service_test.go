package poller

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stridebot/internal/state"
	"stridebot/internal/strava"
	kit "stridebot/internal/transport"
	logx "stridebot/pkg/logx"
)

var testNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

type fetchCall struct {
	token string
	since time.Time
}

type fakeSource struct {
	mu         sync.Mutex
	activities []strava.Activity
	errByToken map[string]error
	calls      []fetchCall
}

func (f *fakeSource) Activities(_ context.Context, token string, since time.Time, _ int) ([]strava.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{token: token, since: since})
	if err := f.errByToken[token]; err != nil {
		return nil, err
	}
	return append([]strava.Activity(nil), f.activities...), nil
}

func (f *fakeSource) callsFor(token string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.token == token {
			out = append(out, c)
		}
	}
	return out
}

type fakeSink struct {
	mu     sync.Mutex
	sent   []string
	failAt int           // 1-based send index that fails; 0 = never
	gate   chan struct{} // if set, Send blocks on it first
}

func (f *fakeSink) Send(ctx context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.sent)+1 >= f.failAt {
		return context.DeadlineExceeded
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSink) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func act(id int64, name string, start time.Time) strava.Activity {
	return strava.Activity{
		ID:        id,
		Name:      name,
		Type:      "Run",
		StartDate: start.Format(time.RFC3339),
	}
}

func newTestService(t *testing.T, src Source, sink Sink) (*Service, state.Store) {
	t.Helper()
	store, err := state.Open(state.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "state.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := New(Config{
		Interval:        time.Hour,
		BootstrapWindow: 24 * time.Hour,
		Workers:         2,
		Channel:         kit.ChatTarget{ChatID: 1},
	}, store, src, sink, nil, logx.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, store
}

func mustWatermark(t *testing.T, store state.Store, id string) time.Time {
	t.Helper()
	wm, err := store.Watermark(context.Background(), id)
	if err != nil {
		t.Fatalf("watermark(%s): %v", id, err)
	}
	return wm
}

func TestRegisterSeedsBootstrapWatermark(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t, &fakeSource{}, &fakeSink{})

	if err := svc.Register(context.Background(), "42", "tok"); err != nil {
		t.Fatalf("register: %v", err)
	}
	want := testNow.Add(-24 * time.Hour)
	if got := mustWatermark(t, store, "42"); !got.Equal(want) {
		t.Fatalf("seeded watermark = %v, want %v", got, want)
	}
}

func TestCycleDeliversOldestFirst(t *testing.T) {
	t.Parallel()
	newest := testNow.Add(-1 * time.Hour)
	src := &fakeSource{activities: []strava.Activity{
		act(3, "evening run", newest),
		act(1, "morning run", testNow.Add(-6*time.Hour)),
		act(2, "lunch ride", testNow.Add(-3*time.Hour)),
	}}
	sink := &fakeSink{}
	svc, store := newTestService(t, src, sink)
	if err := svc.Register(context.Background(), "42", "tok"); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc.runCycle(context.Background())

	texts := sink.texts()
	if len(texts) != 3 {
		t.Fatalf("sent %d messages, want 3", len(texts))
	}
	for i, name := range []string{"morning run", "lunch ride", "evening run"} {
		if !strings.Contains(texts[i], name) {
			t.Errorf("message %d = %q, want it to mention %q", i, texts[i], name)
		}
	}
	if got := mustWatermark(t, store, "42"); !got.Equal(newest) {
		t.Fatalf("watermark = %v, want %v", got, newest)
	}
}

func TestPartialDeliveryHoldsWatermark(t *testing.T) {
	t.Parallel()
	second := testNow.Add(-3 * time.Hour)
	src := &fakeSource{activities: []strava.Activity{
		act(1, "one", testNow.Add(-6*time.Hour)),
		act(2, "two", second),
		act(3, "three", testNow.Add(-1*time.Hour)),
	}}
	sink := &fakeSink{failAt: 3}
	svc, store := newTestService(t, src, sink)
	if err := svc.Register(context.Background(), "42", "tok"); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc.runCycle(context.Background())

	if got := len(sink.texts()); got != 2 {
		t.Fatalf("sent %d messages, want 2", got)
	}
	if got := mustWatermark(t, store, "42"); !got.Equal(second) {
		t.Fatalf("watermark = %v, want last delivered %v", got, second)
	}

	// Next cycle must re-fetch from the held watermark so the failed
	// activity gets another chance.
	sink.failAt = 0
	svc.runCycle(context.Background())
	calls := src.callsFor("tok")
	if len(calls) != 2 {
		t.Fatalf("got %d fetches, want 2", len(calls))
	}
	if !calls[1].since.Equal(second) {
		t.Fatalf("second fetch since = %v, want %v", calls[1].since, second)
	}
}

func TestQuietCycleAdvancesWatermarkToCycleStart(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t, &fakeSource{}, &fakeSink{})
	if err := svc.Register(context.Background(), "42", "tok"); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc.runCycle(context.Background())

	if got := mustWatermark(t, store, "42"); !got.Equal(testNow) {
		t.Fatalf("watermark = %v, want cycle start %v", got, testNow)
	}
}

func TestAuthErrorSuspendsUntilReRegister(t *testing.T) {
	t.Parallel()
	src := &fakeSource{errByToken: map[string]error{"bad": strava.ErrAuth}}
	svc, store := newTestService(t, src, &fakeSink{})
	ctx := context.Background()
	if err := svc.Register(ctx, "42", "bad"); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := mustWatermark(t, store, "42")

	svc.runCycle(ctx)
	if !svc.Suspended("42") {
		t.Fatal("athlete not suspended after auth failure")
	}
	if got := mustWatermark(t, store, "42"); !got.Equal(before) {
		t.Fatalf("watermark moved on auth failure: %v -> %v", before, got)
	}

	// Suspended athletes are skipped entirely.
	svc.runCycle(ctx)
	if got := len(src.callsFor("bad")); got != 1 {
		t.Fatalf("suspended athlete fetched %d times, want 1", got)
	}

	// Re-registering with a fresh token lifts the suspension.
	if err := svc.Register(ctx, "42", "good"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if svc.Suspended("42") {
		t.Fatal("suspension not cleared by re-register")
	}
	svc.runCycle(ctx)
	if got := len(src.callsFor("good")); got != 1 {
		t.Fatalf("re-registered athlete fetched %d times, want 1", got)
	}
}

func TestTransientErrorRetriesNextCycle(t *testing.T) {
	t.Parallel()
	src := &fakeSource{errByToken: map[string]error{"tok": strava.ErrTransient}}
	svc, store := newTestService(t, src, &fakeSink{})
	ctx := context.Background()
	if err := svc.Register(ctx, "42", "tok"); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := mustWatermark(t, store, "42")

	svc.runCycle(ctx)

	if svc.Suspended("42") {
		t.Fatal("transient failure must not suspend")
	}
	if got := mustWatermark(t, store, "42"); !got.Equal(before) {
		t.Fatalf("watermark moved on transient failure: %v -> %v", before, got)
	}

	svc.runCycle(ctx)
	if got := len(src.callsFor("tok")); got != 2 {
		t.Fatalf("got %d fetches, want 2 (retried next cycle)", got)
	}
}

func TestFailureIsolationAcrossAthletes(t *testing.T) {
	t.Parallel()
	src := &fakeSource{
		activities: []strava.Activity{act(1, "solo run", testNow.Add(-time.Hour))},
		errByToken: map[string]error{"broken": strava.ErrRateLimited},
	}
	sink := &fakeSink{}
	svc, _ := newTestService(t, src, sink)
	ctx := context.Background()
	if err := svc.Register(ctx, "1", "broken"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.Register(ctx, "2", "ok"); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc.runCycle(ctx)

	if got := len(sink.texts()); got != 1 {
		t.Fatalf("healthy athlete sent %d messages, want 1", got)
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	t.Parallel()
	src := &fakeSource{activities: []strava.Activity{act(1, "slow", testNow.Add(-time.Hour))}}
	sink := &fakeSink{gate: make(chan struct{})}
	svc, _ := newTestService(t, src, sink)
	ctx := context.Background()
	if err := svc.Register(ctx, "42", "tok"); err != nil {
		t.Fatalf("register: %v", err)
	}

	done := make(chan struct{})
	go func() {
		svc.tick(ctx)
		close(done)
	}()
	waitFor(t, func() bool { return svc.Status().State == "running" })

	svc.tick(ctx)
	if got := svc.Status().TicksSkipped; got != 1 {
		t.Fatalf("ticks skipped = %d, want 1", got)
	}

	close(sink.gate)
	<-done
	if got := svc.Status().State; got != "idle" {
		t.Fatalf("state after cycle = %q, want idle", got)
	}
}

func TestMalformedStartDateDoesNotWedgeWatermark(t *testing.T) {
	t.Parallel()
	src := &fakeSource{activities: []strava.Activity{
		{ID: 9, Name: "mystery", StartDate: "not-a-date"},
	}}
	sink := &fakeSink{}
	svc, store := newTestService(t, src, sink)
	ctx := context.Background()
	if err := svc.Register(ctx, "42", "tok"); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc.runCycle(ctx)

	if got := len(sink.texts()); got != 1 {
		t.Fatalf("sent %d messages, want 1", got)
	}
	// The zero start time must not hold the watermark at the bootstrap
	// seed; the cycle start is the fallback so the activity is not
	// re-posted every cycle.
	if got := mustWatermark(t, store, "42"); !got.Equal(testNow) {
		t.Fatalf("watermark = %v, want cycle start %v", got, testNow)
	}
}

func TestRedeliveryAfterRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	openStore := func() state.Store {
		store, err := state.Open(state.Config{Driver: "file", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("opening store: %v", err)
		}
		return store
	}
	newService := func(store state.Store, sink Sink, src Source) *Service {
		svc := New(Config{
			Interval:        time.Hour,
			BootstrapWindow: 24 * time.Hour,
			Workers:         2,
			Channel:         kit.ChatTarget{ChatID: 1},
		}, store, src, sink, nil, logx.Nop())
		svc.now = func() time.Time { return testNow }
		return svc
	}
	start := testNow.Add(-time.Hour)
	src := &fakeSource{activities: []strava.Activity{act(1, "morning run", start)}}
	ctx := context.Background()

	// First process: the activity is fetched but delivery fails, so the
	// watermark stays at the bootstrap seed when the process dies.
	store := openStore()
	svc := newService(store, &fakeSink{failAt: 1}, src)
	if err := svc.Register(ctx, "42", "tok"); err != nil {
		t.Fatalf("register: %v", err)
	}
	seed := mustWatermark(t, store, "42")
	svc.runCycle(ctx)
	if got := mustWatermark(t, store, "42"); !got.Equal(seed) {
		t.Fatalf("watermark moved without delivery: %v -> %v", seed, got)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Restarted process: the held watermark makes the next cycle re-fetch
	// and re-post the activity (at-least-once delivery).
	store = openStore()
	defer store.Close()
	sink := &fakeSink{}
	svc = newService(store, sink, src)
	svc.runCycle(ctx)

	if got := len(sink.texts()); got != 1 {
		t.Fatalf("redelivered %d messages, want 1", got)
	}
	calls := src.callsFor("tok")
	if len(calls) != 2 {
		t.Fatalf("got %d fetches, want 2", len(calls))
	}
	if !calls[1].since.Equal(seed) {
		t.Fatalf("refetch since = %v, want held watermark %v", calls[1].since, seed)
	}
	if got := mustWatermark(t, store, "42"); !got.Equal(start) {
		t.Fatalf("watermark after redelivery = %v, want %v", got, start)
	}
}

func TestRescheduledCyclesHonorRunContext(t *testing.T) {
	t.Parallel()
	src := &fakeSource{activities: []strava.Activity{act(1, "run", testNow.Add(-time.Hour))}}
	svc, _ := newTestService(t, src, &fakeSink{})
	if err := svc.Register(context.Background(), "42", "tok"); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(context.Background())
	waitFor(t, func() bool { return svc.Status().CyclesRun >= 1 })
	base := len(src.callsFor("tok"))

	// An interval change replaces the cron entry; the replacement must
	// still be bound to the Start context.
	svc.Apply(Config{
		Interval:        30 * time.Minute,
		BootstrapWindow: 24 * time.Hour,
		Workers:         2,
		Channel:         kit.ChatTarget{ChatID: 1},
	})
	cancel()

	svc.cronTick()
	if got := len(src.callsFor("tok")); got != base {
		t.Fatalf("cycle after shutdown fetched %d more times", got-base)
	}
}

func TestRemoveDropsAthleteAndSuspension(t *testing.T) {
	t.Parallel()
	src := &fakeSource{errByToken: map[string]error{"bad": strava.ErrAuth}}
	svc, store := newTestService(t, src, &fakeSink{})
	ctx := context.Background()
	if err := svc.Register(ctx, "42", "bad"); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc.runCycle(ctx)
	if !svc.Suspended("42") {
		t.Fatal("expected suspension")
	}

	if err := svc.Remove(ctx, "42"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if svc.Suspended("42") {
		t.Fatal("suspension survived removal")
	}
	if _, err := store.Credential(ctx, "42"); err == nil {
		t.Fatal("credential survived removal")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
