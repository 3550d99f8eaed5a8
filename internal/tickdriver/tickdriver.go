// Package tickdriver implements the session tick barrier: a poll loop that
// advances every active conversation's tick counter once all agents
// registered for the current tick have acted (or been marked finished), and
// schedules a "process_session_tick" job for each conversation that
// advances.
package tickdriver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/queue"
	"github.com/p2engine/convorch/internal/registry"
	"github.com/p2engine/convorch/internal/telemetry"
)

// TickTimeout is how long a tick may run before a stall is logged. Matches
// TICK_TIMEOUT_SEC's default in the reference implementation.
const TickTimeout = 60 * time.Second

// tickTimeoutDedupTTL bounds how often the same stalled tick gets logged
// again while it remains stuck.
const tickTimeoutDedupTTL = 30 * time.Second

// Driver polls active_sessions and advances each conversation's tick.
type Driver struct {
	rdb   *redis.Client
	ticks *queue.Queue
	log   telemetry.Logger
	metrics telemetry.Metrics

	pollInterval time.Duration
	tickTimeout  time.Duration
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(d *Driver) { d.log = l } }

// WithMetrics overrides the default no-op metrics sink.
func WithMetrics(m telemetry.Metrics) Option { return func(d *Driver) { d.metrics = m } }

// WithPollInterval overrides the default 1s poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Driver) { d.pollInterval = interval }
}

// WithTickTimeout overrides the default TickTimeout.
func WithTickTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.tickTimeout = timeout }
}

// New constructs a Driver. ticks is the queue process_session_tick jobs are
// enqueued onto.
func New(rdb *redis.Client, ticks *queue.Queue, opts ...Option) *Driver {
	d := &Driver{
		rdb:          rdb,
		ticks:        ticks,
		log:          telemetry.NoopLogger{},
		metrics:      telemetry.NoopMetrics{},
		pollInterval: time.Second,
		tickTimeout:  TickTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls until ctx is cancelled, advancing every active conversation's
// tick on each pass.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.pass(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.log.Error(ctx, "tick_driver_pass_failed", "error", err.Error())
			}
		}
	}
}

func (d *Driver) pass(ctx context.Context) error {
	sessionIDs, err := d.rdb.SMembers(ctx, "active_sessions").Result()
	if err != nil {
		return fmt.Errorf("tickdriver: smembers active_sessions: %w", err)
	}
	sort.Strings(sessionIDs)

	for _, sid := range sessionIDs {
		if err := d.advanceOne(ctx, sid); err != nil {
			d.log.Error(ctx, "tick_advance_failed", "conversation_id", sid, "error", err.Error())
		}
	}
	return nil
}

func (d *Driver) advanceOne(ctx context.Context, sid string) error {
	reg := registry.New(d.rdb, sid, registry.WithLogger(d.log))

	cur, err := reg.Tick(ctx)
	if err != nil {
		return err
	}

	d.checkStall(ctx, reg, sid, cur)

	nxt, noAgentsLeft, err := reg.AdvanceTick(ctx, cur)
	if err != nil {
		return err
	}
	if noAgentsLeft {
		d.rdb.SRem(ctx, "active_sessions", sid)
		d.log.Info(ctx, "session_finished_no_live_agents", "conversation_id", sid)
		return nil
	}
	if nxt == 0 {
		return nil
	}

	d.metrics.IncCounter("tick_started", 1, "conversation_id", sid, "tick", fmt.Sprint(nxt))
	if err := d.ticks.Enqueue(ctx, "process_session_tick", map[string]string{"conversation_id": sid}); err != nil {
		return fmt.Errorf("tickdriver: enqueue tick: %w", err)
	}
	return nil
}

// checkStall logs (at most once every tickTimeoutDedupTTL) when a tick has
// been open longer than tickTimeout, naming the agents it's still waiting on.
func (d *Driver) checkStall(ctx context.Context, reg *registry.Registry, sid string, cur int64) {
	start, err := reg.TickStart(ctx, cur)
	if err != nil || start == 0 {
		return
	}
	if time.Since(time.Unix(int64(start), 0)) <= d.tickTimeout {
		return
	}

	dedupKey := fmt.Sprintf("tick_timeout_logged:%s:%d", sid, cur)
	added, err := d.rdb.SetNX(ctx, dedupKey, "1", tickTimeoutDedupTTL).Result()
	if err != nil || !added {
		return
	}

	waiting, err := reg.Waiting(ctx, cur)
	if err != nil {
		waiting = nil
	}
	sort.Strings(waiting)
	d.log.Error(ctx, "tick_timeout", "conversation_id", sid, "tick", cur, "stalled_agents", waiting)
}
