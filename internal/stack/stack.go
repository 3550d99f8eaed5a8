// Package stack implements the per-conversation, per-agent interaction
// stack: an append-only, branchable log of state.State entries backed by
// Redis lists. Every push is also published to the artifact bus so state
// history survives independently of the Redis list's retention.
package stack

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/artifactbus"
	"github.com/p2engine/convorch/internal/codec"
	"github.com/p2engine/convorch/internal/pulsestream"
	"github.com/p2engine/convorch/internal/state"
	"github.com/p2engine/convorch/internal/telemetry"
)

// branchAnnounceStreamLen caps the branch-switch Pulse stream per
// (conversation, agent): only the most recent pointer moves matter to a
// watcher that just connected.
const branchAnnounceStreamLen = 1000

// MaxLen bounds how many entries a single branch list retains; older entries
// are trimmed on push. Matches MAX_STACK_LEN in the reference implementation.
const MaxLen = 5000

var branchSuffixRE = regexp.MustCompile(`:[0-9a-f]{8}$`)

// Entry pairs a decoded state with the wall-clock time it was pushed.
type Entry struct {
	State state.State
	TS    float64
}

// BranchInfo summarizes one branch for introspection (CLI, debugging).
type BranchInfo struct {
	BranchID  string
	Length    int64
	LastTS    float64
	IsCurrent bool
}

// Stack is the per-(conversation, agent) interaction stack.
type Stack struct {
	rdb       *redis.Client
	bus       *artifactbus.Bus
	log       telemetry.Logger
	announcer pulsestream.Stream

	conversationID string
	agentID        string

	baseKey string
	ptrKey  string

	branchID string
}

// Option configures a Stack.
type Option func(*Stack)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Stack) { s.log = l }
}

// New constructs a Stack for the given conversation/agent pair and eagerly
// resolves its current branch pointer (defaulting to "main").
func New(ctx context.Context, rdb *redis.Client, bus *artifactbus.Bus, conversationID, agentID string, opts ...Option) *Stack {
	s := &Stack{
		rdb:            rdb,
		bus:            bus,
		log:            telemetry.NoopLogger{},
		conversationID: conversationID,
		agentID:        agentID,
		baseKey:        fmt.Sprintf("stack:%s:%s", conversationID, agentID),
	}
	s.ptrKey = s.baseKey + ":branch"
	for _, opt := range opts {
		opt(s)
	}
	if announcer, err := pulsestream.New(rdb, branchAnnounceStreamLen).Stream("branch-switch:" + s.ptrKey); err != nil {
		s.log.Warn(ctx, "branch_announcer_unavailable", "error", err.Error())
	} else {
		s.announcer = announcer
	}
	s.RefreshCurrentBranch(ctx)
	return s
}

func (s *Stack) branchKey(branchID string) string {
	if branchID == "main" {
		return s.baseKey
	}
	return s.baseKey + ":" + branchID
}

func (s *Stack) allBranchIDs(ctx context.Context) []string {
	found := map[string]struct{}{"main": {}}
	iter := s.rdb.Scan(ctx, 0, s.baseKey+":*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if key == s.ptrKey {
			continue
		}
		if branchSuffixRE.MatchString(key) {
			idx := strings.LastIndex(key, ":")
			found[key[idx+1:]] = struct{}{}
		}
	}
	out := make([]string, 0, len(found))
	for id := range found {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Push appends one or more states onto the current branch, lazily
// registering the agent into the session's agent set on first push, popping
// a stale Finished marker before continuing the turn, and publishing each
// pushed state to the artifact bus with best-effort parent-ref linkage.
func (s *Stack) Push(ctx context.Context, states ...state.State) error {
	if len(states) == 0 {
		return nil
	}

	agentsKey := fmt.Sprintf("session:%s:agents", s.conversationID)
	isMember, err := s.rdb.SIsMember(ctx, agentsKey, s.agentID).Result()
	if err != nil {
		return fmt.Errorf("stack: check agent membership: %w", err)
	}
	if !isMember {
		pipe := s.rdb.TxPipeline()
		pipe.SAdd(ctx, agentsKey, s.agentID)
		pipe.SAdd(ctx, "active_sessions", s.conversationID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("stack: register agent: %w", err)
		}
	}

	cur, err := s.Current(ctx)
	if err != nil {
		return fmt.Errorf("stack: read current: %w", err)
	}
	if cur != nil {
		if _, ok := cur.State.(state.FinishedState); ok {
			if _, err := s.Pop(ctx, 1); err != nil {
				return fmt.Errorf("stack: pop stale finished: %w", err)
			}
			if len(states) == 1 {
				if _, ok := states[0].(state.FinishedState); ok {
					return nil
				}
			}
		}
	}

	branchID := s.CurrentBranch(ctx)
	key := s.branchKey(branchID)

	now := float64(time.Now().UnixNano()) / 1e9
	encoded := make([]string, 0, len(states))
	for _, st := range states {
		blob, err := codec.Encode(st, now)
		if err != nil {
			return fmt.Errorf("stack: encode %s: %w", st.Kind(), err)
		}
		encoded = append(encoded, string(blob))
	}
	if err := s.rdb.RPush(ctx, key, toAnySlice(encoded)...).Err(); err != nil {
		return fmt.Errorf("stack: rpush: %w", err)
	}

	s.publishAll(ctx, branchID, now, states)

	if n, err := s.rdb.LLen(ctx, key).Result(); err == nil && n > MaxLen {
		_ = s.rdb.LTrim(ctx, key, -MaxLen, -1).Err()
	}
	return nil
}

// publishAll writes an artifact for each pushed state, maintaining the
// parent-ref pointers (toolcall_ref, agentcall_ref, last_assistant_ref) used
// to stitch causal chains together in the artifact bus. Failures are logged,
// never propagated: the interaction stack itself is always authoritative.
func (s *Stack) publishAll(ctx context.Context, branchID string, now float64, states []state.State) {
	episodeKey := fmt.Sprintf("%s:episode:%s", s.baseKey, branchID)
	episodeID, err := s.rdb.Get(ctx, episodeKey).Result()
	if err != nil {
		episodeID = uuid.NewString()[:8]
		_ = s.rdb.Set(ctx, episodeKey, episodeID, 24*time.Hour).Err()
	}

	if s.bus == nil {
		return
	}

	for _, st := range states {
		hdr := artifactbus.Header{
			Ref:       uuid.NewString(),
			SessionID: s.conversationID,
			AgentID:   s.agentID,
			BranchID:  branchID,
			EpisodeID: episodeID,
			Role:      "state",
			MIME:      "application/json",
			Timestamp: now,
			Meta:      map[string]any{"state_cls": string(st.Kind())},
		}

		switch v := st.(type) {
		case state.ToolCallState:
			s.rdb.HSet(ctx, s.baseKey+":toolcall_ref", v.ID, hdr.Ref)
			s.rdb.Expire(ctx, s.baseKey+":toolcall_ref", 24*time.Hour)
		case state.ToolResultState:
			if p, err := s.rdb.HGet(ctx, s.baseKey+":toolcall_ref", v.ToolCallID).Result(); err == nil && p != "" {
				hdr.ParentRefs = []string{p}
			}
		case state.AgentCallState:
			s.rdb.Set(ctx, s.baseKey+":last_agentcall_ref", hdr.Ref, 24*time.Hour)
		case state.AgentResultState:
			if p, err := s.rdb.HGet(ctx, s.baseKey+":agentcall_ref", v.CorrelationID).Result(); err == nil && p != "" {
				hdr.ParentRefs = []string{p}
			}
			s.rdb.Expire(ctx, s.baseKey+":agentcall_ref", 24*time.Hour)
		case state.AssistantMessageState:
			s.rdb.Set(ctx, s.baseKey+":last_assistant_ref", hdr.Ref, 24*time.Hour)
		}

		if _, ok := st.(state.FinishedState); ok {
			hdr.Meta["is_terminal"] = true
		}

		payload, _ := json.Marshal(st)
		var payloadMap map[string]any
		_ = json.Unmarshal(payload, &payloadMap)
		if err := s.bus.Publish(ctx, hdr, payloadMap); err != nil {
			s.log.Error(ctx, "artifact_publish_failed", "conversation_id", s.conversationID, "agent_id", s.agentID, "error", err.Error())
		}
	}
}

// Pop removes up to n entries from the top of the current branch, returning
// them oldest-popped-first (i.e. the very top of stack is out[0]).
func (s *Stack) Pop(ctx context.Context, n int) ([]state.State, error) {
	if n <= 0 {
		return nil, nil
	}
	key := s.branchKey(s.CurrentBranch(ctx))
	var out []state.State
	for i := 0; i < n; i++ {
		raw, err := s.rdb.RPop(ctx, key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, fmt.Errorf("stack: rpop: %w", err)
		}
		st, _, err := codec.Decode([]byte(raw))
		if err != nil {
			return out, fmt.Errorf("stack: decode popped entry: %w", err)
		}
		out = append(out, st)
	}
	if len(out) > 0 {
		s.rdb.Expire(ctx, key, 24*time.Hour)
	}
	return out, nil
}

// At returns the entry at idx (Redis LINDEX semantics: -1 is the top).
func (s *Stack) At(ctx context.Context, idx int64, branchID string) (*Entry, error) {
	if branchID == "" {
		branchID = s.CurrentBranch(ctx)
	}
	raw, err := s.rdb.LIndex(ctx, s.branchKey(branchID), idx).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stack: lindex: %w", err)
	}
	st, ts, err := codec.Decode([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("stack: decode entry: %w", err)
	}
	return &Entry{State: st, TS: ts}, nil
}

// Current returns the top entry of the current branch, or nil if empty.
func (s *Stack) Current(ctx context.Context) (*Entry, error) {
	return s.At(ctx, -1, "")
}

// Length returns the number of entries on the current branch.
func (s *Stack) Length(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.branchKey(s.CurrentBranch(ctx))).Result()
	if err != nil {
		return 0, fmt.Errorf("stack: llen: %w", err)
	}
	return n, nil
}

// IterLastN returns the last n entries of the current branch, oldest first.
func (s *Stack) IterLastN(ctx context.Context, n int64) ([]Entry, error) {
	key := s.branchKey(s.CurrentBranch(ctx))
	raws, err := s.rdb.LRange(ctx, key, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("stack: lrange: %w", err)
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		st, ts, err := codec.Decode([]byte(raw))
		if err != nil {
			return out, fmt.Errorf("stack: decode entry: %w", err)
		}
		out = append(out, Entry{State: st, TS: ts})
	}
	return out, nil
}

// RefreshCurrentBranch re-reads the branch pointer from Redis, defaulting to
// "main" when unset.
func (s *Stack) RefreshCurrentBranch(ctx context.Context) {
	branch, err := s.rdb.Get(ctx, s.ptrKey).Result()
	if err != nil || branch == "" {
		branch = "main"
	}
	s.branchID = branch
}

// CurrentBranch returns the cached current branch id, refreshing lazily if
// unset.
func (s *Stack) CurrentBranch(ctx context.Context) string {
	if s.branchID == "" {
		s.RefreshCurrentBranch(ctx)
	}
	return s.branchID
}

// Checkout switches the branch pointer to branchID. Returns an error if that
// branch doesn't exist yet (use Fork to create one).
func (s *Stack) Checkout(ctx context.Context, branchID string) error {
	exists, err := s.rdb.Exists(ctx, s.branchKey(branchID)).Result()
	if err != nil {
		return fmt.Errorf("stack: exists check: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("stack: branch %q does not exist", branchID)
	}
	if err := s.rdb.Set(ctx, s.ptrKey, branchID, 0).Err(); err != nil {
		return fmt.Errorf("stack: set branch pointer: %w", err)
	}
	s.branchID = branchID
	s.log.Info(ctx, "checked_out_branch", "branch_id", branchID)
	return nil
}

// Fork creates a new branch by copying entries [0, idx] from the current
// branch, checks out the new branch, and announces it on a capped Pulse
// stream keyed by the branch pointer so interested watchers (e.g. CLI tail
// commands) can subscribe and catch up rather than having to already be
// listening at the moment of the switch.
func (s *Stack) Fork(ctx context.Context, idx int64) (string, error) {
	src := s.CurrentBranch(ctx)
	dst := uuid.NewString()[:8]

	entries, err := s.rdb.LRange(ctx, s.branchKey(src), 0, idx).Result()
	if err != nil {
		return "", fmt.Errorf("stack: lrange for fork: %w", err)
	}
	if len(entries) > 0 {
		if err := s.rdb.RPush(ctx, s.branchKey(dst), toAnySlice(entries)...).Err(); err != nil {
			return "", fmt.Errorf("stack: rpush forked branch: %w", err)
		}
	}
	if err := s.rdb.Set(ctx, s.ptrKey, dst, 0).Err(); err != nil {
		return "", fmt.Errorf("stack: set branch pointer: %w", err)
	}
	s.branchID = dst
	if s.announcer != nil {
		if _, err := s.announcer.Add(ctx, "branch_switch", []byte(dst)); err != nil {
			s.log.Warn(ctx, "branch_announce_failed", "error", err.Error())
		}
	}
	s.log.Info(ctx, "forked_branch", "from", src, "to", dst)
	return dst, nil
}

// Rewind truncates the current branch in place to entries [0, idx],
// discarding the tail destructively (unlike Fork, which is non-destructive).
// toolcall_ref entries belonging to removed ToolCall states are cleaned up
// so a later ToolResult can't chain to a ref that no longer has a place on
// the branch.
func (s *Stack) Rewind(ctx context.Context, idx int64) error {
	branchID := s.CurrentBranch(ctx)
	key := s.branchKey(branchID)

	length, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("stack: llen: %w", err)
	}
	if idx < -1 || idx >= length {
		return fmt.Errorf("stack: rewind index %d out of range [0,%d)", idx, length)
	}

	tail, err := s.rdb.LRange(ctx, key, idx+1, -1).Result()
	if err != nil {
		return fmt.Errorf("stack: lrange tail for rewind: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	if idx == -1 {
		pipe.Del(ctx, key)
	} else {
		pipe.LTrim(ctx, key, 0, idx)
	}
	for _, raw := range tail {
		st, _, err := codec.Decode([]byte(raw))
		if err != nil {
			continue
		}
		if tc, ok := st.(state.ToolCallState); ok {
			pipe.HDel(ctx, s.baseKey+":toolcall_ref", tc.ID)
		}
	}
	pipe.Expire(ctx, key, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stack: rewind: %w", err)
	}
	s.log.Info(ctx, "rewound_branch", "branch_id", branchID, "index", idx)
	return nil
}

// GetBranchInfo returns a summary of every known branch, sorted by id.
func (s *Stack) GetBranchInfo(ctx context.Context) ([]BranchInfo, error) {
	cur := s.CurrentBranch(ctx)
	ids := s.allBranchIDs(ctx)
	out := make([]BranchInfo, 0, len(ids))
	for _, id := range ids {
		key := s.branchKey(id)
		length, err := s.rdb.LLen(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("stack: llen %q: %w", id, err)
		}
		var lastTS float64
		if length > 0 {
			if raw, err := s.rdb.LIndex(ctx, key, -1).Result(); err == nil {
				if _, ts, err := codec.Decode([]byte(raw)); err == nil {
					lastTS = ts
				}
			}
		}
		out = append(out, BranchInfo{BranchID: id, Length: length, LastTS: lastTS, IsCurrent: id == cur})
	}
	return out, nil
}

// DeleteBranch removes a branch's entry list and episode id key. Callers
// are responsible for never deleting "main" or the branch currently checked
// out; DeleteBranch itself refuses both as a last line of defense.
func (s *Stack) DeleteBranch(ctx context.Context, branchID string) error {
	if branchID == "main" {
		return fmt.Errorf("stack: refusing to delete main branch")
	}
	if branchID == s.CurrentBranch(ctx) {
		return fmt.Errorf("stack: refusing to delete checked-out branch %q", branchID)
	}
	key := s.branchKey(branchID)
	episodeKey := fmt.Sprintf("%s:episode:%s", s.baseKey, branchID)
	if err := s.rdb.Del(ctx, key, episodeKey).Err(); err != nil {
		return fmt.Errorf("stack: delete branch %q: %w", branchID, err)
	}
	return nil
}

// GetLastAssistantMsg scans the last 100 entries of the current branch for
// the most recent non-empty assistant message.
func (s *Stack) GetLastAssistantMsg(ctx context.Context) (string, error) {
	entries, err := s.IterLastN(ctx, 100)
	if err != nil {
		return "", err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if am, ok := entries[i].State.(state.AssistantMessageState); ok && am.Content != "" {
			return am.Content, nil
		}
	}
	return "", nil
}

// MoveLastAgentCallRef moves the most recently recorded agent-call artifact
// ref (set by publishAll when an AgentCallState is pushed) into the
// agentcall_ref hash keyed by correlationID, so the eventual AgentResultState
// can be linked back to the call that spawned it.
func (s *Stack) MoveLastAgentCallRef(ctx context.Context, correlationID string) error {
	lastKey := s.baseKey + ":last_agentcall_ref"
	ref, err := s.rdb.Get(ctx, lastKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stack: get last agentcall ref: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.baseKey+":agentcall_ref", correlationID, ref)
	pipe.Expire(ctx, s.baseKey+":agentcall_ref", 24*time.Hour)
	pipe.Del(ctx, lastKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stack: move agentcall ref: %w", err)
	}
	return nil
}

// GetParentAgentID returns the parent agent that delegated to this one, if
// any, via the child_to_parent pointer set by handlers on AgentCall.
func (s *Stack) GetParentAgentID(ctx context.Context) (string, error) {
	key := fmt.Sprintf("child_to_parent:%s:%s", s.conversationID, s.agentID)
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stack: get parent agent id: %w", err)
	}
	return v, nil
}

// GetCorrelationID returns the correlation id this agent was invoked with by
// its parent, if any.
func (s *Stack) GetCorrelationID(ctx context.Context) (string, error) {
	key := fmt.Sprintf("agent_call_correlation:%s:%s", s.conversationID, s.agentID)
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stack: get correlation id: %w", err)
	}
	return v, nil
}

// ConversationID returns the conversation this stack belongs to.
func (s *Stack) ConversationID() string { return s.conversationID }

// AgentID returns the agent this stack belongs to.
func (s *Stack) AgentID() string { return s.agentID }

// HashToolCall derives a stable identifier for a tool call from its name and
// arguments, used both as the ToolCallState.ID and as the dedup key input.
func HashToolCall(name string, arguments map[string]any) string {
	blob, _ := json.Marshal(struct {
		Name string         `json:"name"`
		Args map[string]any `json:"params"`
	}{Name: name, Args: arguments})
	sum := sha1.Sum(blob)
	return hex.EncodeToString(sum[:])
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
