// Package commands implements the operator-facing chat commands. Commands
// are restricted to configured owner user ids; anything else is ignored
// silently so the bot stays quiet in shared channels.
package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"stridebot/internal/poller"
	"stridebot/internal/state"
	kit "stridebot/internal/transport"
	logx "stridebot/pkg/logx"
)

type Config struct {
	OwnerUserIDs []int64
}

// Dispatcher routes inbound updates to command handlers. It owns the single
// goroutine that drains the adapter's update channel.
type Dispatcher struct {
	mu     sync.Mutex
	owners map[int64]bool

	adapter kit.Adapter
	poll    *poller.Service
	store   state.Store
	log     logx.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, adapter kit.Adapter, poll *poller.Service, store state.Store, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		adapter: adapter,
		poll:    poll,
		store:   store,
		log:     log,
	}
	d.Apply(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	owners := make(map[int64]bool, len(cfg.OwnerUserIDs))
	for _, id := range cfg.OwnerUserIDs {
		owners[id] = true
	}
	d.mu.Lock()
	d.owners = owners
	d.mu.Unlock()
}

// Start begins draining updates from ch until ctx is canceled or ch closes.
func (d *Dispatcher) Start(ctx context.Context, ch <-chan kit.Update) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-ch:
				if !ok {
					return
				}
				d.handle(ctx, u)
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) isOwner(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owners[id]
}

func (d *Dispatcher) handle(ctx context.Context, u kit.Update) {
	text := strings.TrimSpace(u.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	if !d.isOwner(u.FromID) {
		d.log.Debug("command from non-owner ignored",
			logx.Int64("from", u.FromID),
			logx.String("username", u.FromUsername))
		return
	}

	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// Strip the @botname suffix Telegram appends in groups.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	var reply string
	switch cmd {
	case "/track":
		reply = d.cmdTrack(ctx, args)
	case "/untrack":
		reply = d.cmdUntrack(ctx, args)
	case "/athletes":
		reply = d.cmdAthletes(ctx)
	case "/status":
		reply = d.cmdStatus(ctx)
	case "/poll":
		go d.poll.RunOnce(context.WithoutCancel(ctx))
		reply = "Poll cycle started."
	case "/help", "/start":
		reply = helpText
	default:
		return
	}

	if reply == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if _, err := d.adapter.SendText(sendCtx, kit.ChatTarget{ChatID: u.ChatID}, reply, opt); err != nil {
		d.log.Warn("command reply failed", logx.Err(err), logx.String("command", cmd))
	}
}

func (d *Dispatcher) cmdTrack(ctx context.Context, args []string) string {
	if len(args) != 2 {
		return "Usage: /track &lt;athlete-id&gt; &lt;access-token&gt;"
	}
	id, token := args[0], args[1]
	if err := d.poll.Register(ctx, id, token); err != nil {
		d.log.Error("register failed", logx.Err(err), logx.String("athlete", id))
		return "Registration failed: " + html.EscapeString(err.Error())
	}
	return fmt.Sprintf("Now tracking athlete <b>%s</b>.", html.EscapeString(id))
}

func (d *Dispatcher) cmdUntrack(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "Usage: /untrack &lt;athlete-id&gt;"
	}
	id := args[0]
	err := d.poll.Remove(ctx, id)
	switch {
	case errors.Is(err, state.ErrNotFound):
		return fmt.Sprintf("Athlete <b>%s</b> is not tracked.", html.EscapeString(id))
	case err != nil:
		d.log.Error("remove failed", logx.Err(err), logx.String("athlete", id))
		return "Removal failed: " + html.EscapeString(err.Error())
	}
	return fmt.Sprintf("Stopped tracking athlete <b>%s</b>.", html.EscapeString(id))
}

func (d *Dispatcher) cmdAthletes(ctx context.Context) string {
	ids, err := d.store.List(ctx)
	if err != nil {
		return "Listing failed: " + html.EscapeString(err.Error())
	}
	if len(ids) == 0 {
		return "No athletes tracked. Use /track to add one."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Tracked athletes (%d)</b>\n", len(ids))
	for _, id := range ids {
		line := "• " + html.EscapeString(id)
		if wm, err := d.store.Watermark(ctx, id); err == nil {
			line += " — seen through " + wm.UTC().Format("2006-01-02 15:04")
		}
		if d.poll.Suspended(id) {
			line += " (suspended)"
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) cmdStatus(ctx context.Context) string {
	snap := d.poll.Status()
	ids, _ := d.store.List(ctx)

	var b strings.Builder
	b.WriteString("<b>Poller status</b>\n")
	fmt.Fprintf(&b, "State: %s\n", snap.State)
	fmt.Fprintf(&b, "Interval: %s\n", snap.Interval)
	fmt.Fprintf(&b, "Athletes: %d tracked, %d suspended\n", len(ids), len(snap.Suspended))
	if !snap.LastCycleAt.IsZero() {
		fmt.Fprintf(&b, "Last cycle: %s (took %s)\n",
			snap.LastCycleAt.UTC().Format("2006-01-02 15:04:05"),
			snap.LastCycleTook.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "Cycles run: %d", snap.CyclesRun)
	if snap.TicksSkipped > 0 {
		fmt.Fprintf(&b, ", skipped: %d", snap.TicksSkipped)
	}
	if len(snap.Suspended) > 0 {
		sus := append([]string(nil), snap.Suspended...)
		sort.Strings(sus)
		fmt.Fprintf(&b, "\nSuspended: %s", html.EscapeString(strings.Join(sus, ", ")))
	}
	return b.String()
}

const helpText = `<b>Commands</b>
/track &lt;athlete-id&gt; &lt;access-token&gt; — start tracking an athlete
/untrack &lt;athlete-id&gt; — stop tracking
/athletes — list tracked athletes and watermarks
/status — poller state and cycle stats
/poll — run one poll cycle now
/help — this message`
