// Package janitor runs the periodic sweeps that keep Redis from accumulating
// state no live component will ever read again: branches past the prune
// horizon and agents whose heartbeat has gone stale. Neither sweep is part
// of the request path; both run on their own schedule via robfig/cron so a
// slow or wedged sweep never holds up a tick.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/p2engine/convorch/internal/artifactbus"
	"github.com/p2engine/convorch/internal/registry"
	"github.com/p2engine/convorch/internal/stack"
	"github.com/p2engine/convorch/internal/telemetry"
)

// Config tunes the janitor's sweep cadence and retention horizons.
type Config struct {
	// CronSpec is a robfig/cron schedule (standard five-field syntax, or an
	// "@every" descriptor) controlling how often both sweeps run.
	CronSpec string
	// BranchPruneHorizon is how long a non-current, non-main branch may sit
	// untouched before it becomes eligible for deletion.
	BranchPruneHorizon time.Duration
	// DeadAgentTimeout is how long an agent may go without a heartbeat
	// before SweepDeadAgents unregisters it.
	DeadAgentTimeout time.Duration
}

// Janitor owns the cron scheduler driving the two sweeps.
type Janitor struct {
	rdb *redis.Client
	log telemetry.Logger
	cfg Config

	cron *cron.Cron
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(j *Janitor) { j.log = l }
}

// New constructs a Janitor. It does not start its schedule until Start is
// called.
func New(rdb *redis.Client, cfg Config, opts ...Option) *Janitor {
	if cfg.CronSpec == "" {
		cfg.CronSpec = "@every 10m"
	}
	if cfg.BranchPruneHorizon <= 0 {
		cfg.BranchPruneHorizon = 7 * 24 * time.Hour
	}
	if cfg.DeadAgentTimeout <= 0 {
		cfg.DeadAgentTimeout = 30 * time.Minute
	}
	j := &Janitor{
		rdb: rdb,
		log: telemetry.NoopLogger{},
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start registers both sweeps on j's cron schedule and begins running them
// in the background. The returned error only ever comes from a malformed
// CronSpec; Stop should be called to release the scheduler's goroutine.
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.cfg.CronSpec, func() {
		j.runSweep(ctx, "branches", j.SweepBranches)
		j.runSweep(ctx, "dead_agents", j.SweepDeadAgents)
	})
	if err != nil {
		return fmt.Errorf("janitor: schedule sweep: %w", err)
	}
	j.cron.Start()
	j.log.Info(ctx, "janitor_started", "cron_spec", j.cfg.CronSpec)
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

func (j *Janitor) runSweep(ctx context.Context, name string, sweep func(context.Context) (int, error)) {
	n, err := sweep(ctx)
	if err != nil {
		j.log.Error(ctx, "janitor_sweep_failed", "sweep", name, "error", err.Error())
		return
	}
	if n > 0 {
		j.log.Info(ctx, "janitor_sweep_completed", "sweep", name, "removed", n)
	}
}

// SweepBranches walks every conversation in active_sessions and every agent
// registered to it, deleting branches whose most recent entry is older than
// BranchPruneHorizon. "main" and the agent's currently checked-out branch
// are always kept, regardless of age.
func (j *Janitor) SweepBranches(ctx context.Context) (int, error) {
	conversations, err := j.rdb.SMembers(ctx, "active_sessions").Result()
	if err != nil {
		return 0, fmt.Errorf("janitor: smembers active_sessions: %w", err)
	}

	cutoff := float64(time.Now().Add(-j.cfg.BranchPruneHorizon).UnixNano()) / 1e9
	pruned := 0
	for _, conversationID := range conversations {
		reg := registry.New(j.rdb, conversationID, registry.WithLogger(j.log))
		agentIDs, err := reg.Agents(ctx)
		if err != nil {
			return pruned, fmt.Errorf("janitor: list agents for %s: %w", conversationID, err)
		}
		for _, agentID := range agentIDs {
			n, err := j.sweepAgentBranches(ctx, conversationID, agentID, cutoff)
			if err != nil {
				j.log.Error(ctx, "janitor_branch_sweep_failed", "conversation_id", conversationID, "agent_id", agentID, "error", err.Error())
				continue
			}
			pruned += n
		}
	}
	return pruned, nil
}

func (j *Janitor) sweepAgentBranches(ctx context.Context, conversationID, agentID string, cutoff float64) (int, error) {
	s := stack.New(ctx, j.rdb, (*artifactbus.Bus)(nil), conversationID, agentID, stack.WithLogger(j.log))
	branches, err := s.GetBranchInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("get branch info: %w", err)
	}
	pruned := 0
	for _, b := range branches {
		if b.BranchID == "main" || b.IsCurrent {
			continue
		}
		if b.LastTS > cutoff {
			continue
		}
		if err := s.DeleteBranch(ctx, b.BranchID); err != nil {
			return pruned, fmt.Errorf("delete branch %s: %w", b.BranchID, err)
		}
		pruned++
		j.log.Info(ctx, "branch_pruned", "conversation_id", conversationID, "agent_id", agentID, "branch_id", b.BranchID)
	}
	return pruned, nil
}

// SweepDeadAgents walks every conversation in active_sessions, unregistering
// any agent whose last heartbeat is older than DeadAgentTimeout. Unregistering
// is forced: a stale agent is never coming back to ack a tick on its own.
func (j *Janitor) SweepDeadAgents(ctx context.Context) (int, error) {
	conversations, err := j.rdb.SMembers(ctx, "active_sessions").Result()
	if err != nil {
		return 0, fmt.Errorf("janitor: smembers active_sessions: %w", err)
	}

	removed := 0
	for _, conversationID := range conversations {
		n, err := j.sweepConversationDeadAgents(ctx, conversationID)
		if err != nil {
			j.log.Error(ctx, "janitor_dead_agent_sweep_failed", "conversation_id", conversationID, "error", err.Error())
			continue
		}
		removed += n
	}
	return removed, nil
}

func (j *Janitor) sweepConversationDeadAgents(ctx context.Context, conversationID string) (int, error) {
	reg := registry.New(j.rdb, conversationID, registry.WithLogger(j.log))
	agentIDs, err := reg.Agents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}

	lastActiveKey := fmt.Sprintf("agent_last_active:%s", conversationID)
	cutoff := time.Now().Add(-j.cfg.DeadAgentTimeout).Unix()
	removed := 0
	for _, agentID := range agentIDs {
		raw, err := j.rdb.HGet(ctx, lastActiveKey, agentID).Result()
		if err == redis.Nil {
			// No heartbeat recorded at all; treat as dead.
		} else if err != nil {
			return removed, fmt.Errorf("hget last_active %s: %w", agentID, err)
		} else {
			var ts int64
			if _, scanErr := fmt.Sscanf(raw, "%d", &ts); scanErr == nil && ts >= cutoff {
				continue
			}
		}
		if err := reg.UnregisterAgent(ctx, agentID, true); err != nil {
			return removed, fmt.Errorf("unregister %s: %w", agentID, err)
		}
		j.rdb.HDel(ctx, lastActiveKey, agentID)
		removed++
		j.log.Info(ctx, "dead_agent_reaped", "conversation_id", conversationID, "agent_id", agentID)
	}
	return removed, nil
}
