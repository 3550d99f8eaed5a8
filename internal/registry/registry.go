// Package registry implements the session registry: the set of agents
// participating in a conversation, the barrier bookkeeping the tick driver
// uses to know who it's waiting on, and the tick counter itself.
//
// Named Registry rather than Store to avoid colliding with this module's
// artifact bus and queue stores, which use "store"/"driver" for their own
// backing abstractions.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/telemetry"
)

// Registry is a thin Redis-backed wrapper around one conversation's
// membership and barrier state. It holds no local cache beyond the tick
// counter, since every other piece of state must be read fresh to remain
// correct under concurrent worker access.
type Registry struct {
	rdb            *redis.Client
	log            telemetry.Logger
	conversationID string
	tick           *int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New constructs a Registry for conversationID.
func New(rdb *redis.Client, conversationID string, opts ...Option) *Registry {
	r := &Registry{rdb: rdb, log: telemetry.NoopLogger{}, conversationID: conversationID}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) agentsKey() string   { return fmt.Sprintf("session:%s:agents", r.conversationID) }
func (r *Registry) finishedKey() string { return fmt.Sprintf("session:%s:finished", r.conversationID) }
func (r *Registry) tickKey() string     { return fmt.Sprintf("session:%s:tick", r.conversationID) }
func (r *Registry) waitingKey(tick int64) string {
	return fmt.Sprintf("session:%s:waiting:%d", r.conversationID, tick)
}
func (r *Registry) tickStartKey(tick int64) string {
	return fmt.Sprintf("session:%s:tick:%d:start_time", r.conversationID, tick)
}
func (r *Registry) lastActiveKey() string {
	return fmt.Sprintf("agent_last_active:%s", r.conversationID)
}

// RegisterAgent adds agentID to the conversation's live agent set, also
// adding the conversation to the global active_sessions set if this is its
// first live agent.
func (r *Registry) RegisterAgent(ctx context.Context, agentID string) error {
	added, err := r.rdb.SAdd(ctx, r.agentsKey(), agentID).Result()
	if err != nil {
		return fmt.Errorf("registry: sadd agent: %w", err)
	}
	if added > 0 {
		if err := r.rdb.SAdd(ctx, "active_sessions", r.conversationID).Err(); err != nil {
			return fmt.Errorf("registry: sadd active_sessions: %w", err)
		}
		r.log.Info(ctx, "session_registered", "conversation_id", r.conversationID, "agent_id", agentID)
	}
	r.Heartbeat(ctx, agentID)
	return nil
}

// Heartbeat records that agentID is still alive; the tick barrier garbage
// collects agents with no heartbeat before computing who it's waiting on.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) {
	r.rdb.HSet(ctx, r.lastActiveKey(), agentID, time.Now().Unix())
}

// UnregisterAgent removes agentID from the live set when force is true. A
// soft unregister (force=false) is a deliberate no-op: agents are only
// retired by a forced unregister (the session tick worker once an agent
// finishes, the janitor's dead-agent sweep), never by a transient absence.
func (r *Registry) UnregisterAgent(ctx context.Context, agentID string, force bool) error {
	if !force {
		r.log.Debug(ctx, "soft_unregister_ignored", "conversation_id", r.conversationID, "agent_id", agentID)
		return nil
	}
	if err := r.rdb.SRem(ctx, r.agentsKey(), agentID).Err(); err != nil {
		return fmt.Errorf("registry: srem agent: %w", err)
	}
	return r.maybeFinish(ctx)
}

func (r *Registry) maybeFinish(ctx context.Context) error {
	n, err := r.rdb.SCard(ctx, r.agentsKey()).Result()
	if err != nil {
		return fmt.Errorf("registry: scard agents: %w", err)
	}
	if n == 0 {
		if err := r.rdb.SRem(ctx, "active_sessions", r.conversationID).Err(); err != nil {
			return fmt.Errorf("registry: srem active_sessions: %w", err)
		}
		r.log.Info(ctx, "session_finished_no_live_agents", "conversation_id", r.conversationID)
	}
	return nil
}

// MarkFinished adds agentID to the conversation's permanently-finished set.
// Once finished, an agent is excluded from future tick barriers regardless
// of whether it is still a registered member.
func (r *Registry) MarkFinished(ctx context.Context, agentID string) error {
	if err := r.rdb.SAdd(ctx, r.finishedKey(), agentID).Err(); err != nil {
		return fmt.Errorf("registry: sadd finished: %w", err)
	}
	return nil
}

// IsFinished reports whether agentID has been marked finished.
func (r *Registry) IsFinished(ctx context.Context, agentID string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, r.finishedKey(), agentID).Result()
	if err != nil {
		return false, fmt.Errorf("registry: sismember finished: %w", err)
	}
	return ok, nil
}

// Agents returns the set of currently registered agent ids.
func (r *Registry) Agents(ctx context.Context) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, r.agentsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: smembers agents: %w", err)
	}
	return members, nil
}

// Tick returns the conversation's current tick counter, defaulting to 0.
func (r *Registry) Tick(ctx context.Context) (int64, error) {
	if r.tick != nil {
		return *r.tick, nil
	}
	raw, err := r.rdb.Get(ctx, r.tickKey()).Result()
	if err == redis.Nil {
		v := int64(0)
		r.tick = &v
		return v, nil
	}
	if err != nil {
		return 0, fmt.Errorf("registry: get tick: %w", err)
	}
	var v int64
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, fmt.Errorf("registry: parse tick: %w", err)
	}
	r.tick = &v
	return v, nil
}

// RefreshTick drops the cached tick value and re-reads it from Redis.
func (r *Registry) RefreshTick(ctx context.Context) (int64, error) {
	r.tick = nil
	return r.Tick(ctx)
}

// TickStart returns the wall-clock time (unix seconds) the given tick began,
// or 0 if unset.
func (r *Registry) TickStart(ctx context.Context, tick int64) (float64, error) {
	raw, err := r.rdb.Get(ctx, r.tickStartKey(tick)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("registry: get tick start: %w", err)
	}
	var v float64
	if _, err := fmt.Sscanf(raw, "%g", &v); err != nil {
		return 0, fmt.Errorf("registry: parse tick start: %w", err)
	}
	return v, nil
}

// Waiting returns the set of agents the barrier is waiting on for tick.
func (r *Registry) Waiting(ctx context.Context, tick int64) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, r.waitingKey(tick)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: smembers waiting: %w", err)
	}
	return members, nil
}

// AckTick marks agentID as having acted during tick, removing it from the
// barrier's waiting set so AdvanceTick can proceed once every live agent has
// acked (or been marked finished).
func (r *Registry) AckTick(ctx context.Context, agentID string, tick int64) error {
	if err := r.rdb.SRem(ctx, r.waitingKey(tick), agentID).Err(); err != nil {
		return fmt.Errorf("registry: ack tick: %w", err)
	}
	return nil
}

// AdvanceTick implements the barrier's optimistic-concurrency advance: it
// computes still-waiting agents (waiting for the current tick minus those
// marked finished); if any remain, the advance aborts (another agent hasn't
// acted yet). Otherwise it garbage-collects agents with no heartbeat,
// computes the live set, and either reports no live agents remain or moves
// the tick counter forward and re-arms the next tick's waiting set.
//
// Returns (nextTick, noAgentsLeft, error). When noAgentsLeft is true the
// caller should remove the conversation from active_sessions.
func (r *Registry) AdvanceTick(ctx context.Context, cur int64) (int64, bool, error) {
	waitingKey := r.waitingKey(cur)
	agentsKey := r.agentsKey()
	finishedKey := r.finishedKey()
	nxt := cur + 1
	waitNextKey := r.waitingKey(nxt)
	startNextKey := r.tickStartKey(nxt)

	var result int64
	var noAgents bool

	txf := func(tx *redis.Tx) error {
		waiting, err := tx.SMembers(ctx, waitingKey).Result()
		if err != nil {
			return err
		}
		finished, err := tx.SMembers(ctx, finishedKey).Result()
		if err != nil {
			return err
		}
		finishedSet := toSet(finished)
		var stillWaiting []string
		for _, a := range waiting {
			if _, done := finishedSet[a]; !done {
				stillWaiting = append(stillWaiting, a)
			}
		}
		if len(stillWaiting) > 0 {
			return errAbort
		}

		allAgents, err := tx.SMembers(ctx, agentsKey).Result()
		if err != nil {
			return err
		}
		var live, ghosts []string
		for _, a := range allAgents {
			exists, err := tx.HExists(ctx, r.lastActiveKey(), a).Result()
			if err != nil {
				return err
			}
			if !exists {
				ghosts = append(ghosts, a)
				continue
			}
			if _, done := finishedSet[a]; !done {
				live = append(live, a)
			}
		}

		if len(live) == 0 {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if len(ghosts) > 0 {
					pipe.SRem(ctx, agentsKey, toAnySlice(ghosts)...)
				}
				pipe.Del(ctx, waitNextKey)
				pipe.Del(ctx, startNextKey)
				return nil
			})
			if err != nil {
				return err
			}
			noAgents = true
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(ghosts) > 0 {
				pipe.SRem(ctx, agentsKey, toAnySlice(ghosts)...)
			}
			pipe.Set(ctx, r.tickKey(), nxt, 0)
			pipe.Del(ctx, waitNextKey)
			pipe.SAdd(ctx, waitNextKey, toAnySlice(live)...)
			pipe.Set(ctx, startNextKey, time.Now().Unix(), 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = nxt
		return nil
	}

	err := r.rdb.Watch(ctx, txf, waitingKey, agentsKey, finishedKey)
	if err == errAbort || err == redis.TxFailedErr {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("registry: advance tick: %w", err)
	}
	return result, noAgents, nil
}

var errAbort = fmt.Errorf("registry: tick advance aborted, agents still waiting")

func toSet(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
