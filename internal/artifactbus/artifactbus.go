// Package artifactbus implements the durable artifact boundary: every state
// pushed onto an interaction stack, every tool-execution metric, and every
// evaluation result is published here so external readers (dashboards,
// evaluators, exporters) never have to reach into Redis list internals.
//
// Storage is split in two: a Driver persists the payload bytes (filesystem by
// default, S3 for durable deployments) while a thin Redis index powers fast
// timeline/episode/score queries, mirroring the split used by the reference
// implementation's ArtifactBus.
package artifactbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/pulsestream"
	"github.com/p2engine/convorch/internal/telemetry"
)

// artifactStreamLen caps the capped event trail every publish appends to,
// matching the approximate MAXLEN the reference implementation's XADD used.
const artifactStreamLen = 100_000

// Header describes an artifact independent of its payload bytes. Meta is a
// free-form bag (state_cls, team_id, variant_id, tags, eval_metrics, ...).
type Header struct {
	Ref         string         `json:"ref"`
	SessionID   string         `json:"session_id"`
	AgentID     string         `json:"agent_id,omitempty"`
	BranchID    string         `json:"branch_id"`
	EpisodeID   string         `json:"episode_id,omitempty"`
	GroupID     string         `json:"group_id,omitempty"`
	Role        string         `json:"role"`
	MIME        string         `json:"mime"`
	Timestamp   float64        `json:"ts"`
	ParentRefs  []string       `json:"parent_refs,omitempty"`
	EvaluatorID string         `json:"evaluator_id,omitempty"`
	JudgeVer    string         `json:"judge_version,omitempty"`
	Score       *float64       `json:"score,omitempty"`
	Reward      *float64       `json:"reward,omitempty"`
	Compressed  bool           `json:"compressed,omitempty"`
	RawLen      int            `json:"raw_len,omitempty"`
	StepIdx     int64          `json:"step_idx,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Driver persists artifact payload bytes. FSDriver is the default; an S3
// driver is used for multi-host deployments.
type Driver interface {
	WritePayload(ctx context.Context, sessionID, ref string, payload any, mime string) error
	ReadPayload(ctx context.Context, sessionID, ref, mime string) (any, error)
	DeletePayload(ctx context.Context, sessionID, ref, mime string) error
}

// Bus is the artifact boundary. It is safe for concurrent use.
type Bus struct {
	rdb           *redis.Client
	driver        Driver
	maxPerSession int64
	log           telemetry.Logger
	streamKey     string
	stream        pulsestream.Stream
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithMaxArtifactsPerSession overrides the pruning threshold (default 100000,
// matching MAX_ARTIFACTS_PER_SESSION in the reference implementation).
func WithMaxArtifactsPerSession(n int64) Option {
	return func(b *Bus) { b.maxPerSession = n }
}

// New constructs a Bus backed by rdb for indexing and driver for payload
// storage.
func New(rdb *redis.Client, driver Driver, opts ...Option) *Bus {
	b := &Bus{
		rdb:           rdb,
		driver:        driver,
		maxPerSession: 100_000,
		log:           telemetry.NoopLogger{},
		streamKey:     "stream:artifacts",
	}
	for _, opt := range opts {
		opt(b)
	}
	if stream, err := pulsestream.New(rdb, artifactStreamLen).Stream(b.streamKey); err != nil {
		b.log.Warn(context.Background(), "artifact_stream_unavailable", "error", err.Error())
	} else {
		b.stream = stream
	}
	return b
}

func (b *Bus) indexKey(session string) string    { return fmt.Sprintf("artifacts:%s:index", session) }
func (b *Bus) headerKey(session string) string   { return fmt.Sprintf("artifacts:%s:headers", session) }
func (b *Bus) timelineKey(session string) string { return fmt.Sprintf("artifacts:%s:timeline", session) }
func (b *Bus) episodeKey(session, ep string) string {
	return fmt.Sprintf("artifacts:%s:episode:%s", session, ep)
}
func (b *Bus) scoresKey(session string) string { return fmt.Sprintf("artifacts:%s:scores", session) }

// nextStepIdx assigns a monotonically increasing per-branch step index. The
// reference implementation does this with a Lua script for atomicity; INCR
// on a per-branch counter key gives the same guarantee without shipping Lua.
func (b *Bus) nextStepIdx(ctx context.Context, sessionID, branchID string) (int64, error) {
	key := fmt.Sprintf("artifacts:%s:%s:step_seq", sessionID, branchID)
	return b.rdb.Incr(ctx, key).Result()
}

// Publish persists a new artifact: payload via the driver, header + index
// entries via Redis. Ref and Timestamp are populated if unset.
func (b *Bus) Publish(ctx context.Context, hdr Header, payload any) error {
	if hdr.Ref == "" {
		hdr.Ref = uuid.NewString()
	}
	if hdr.Timestamp == 0 {
		hdr.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	if hdr.MIME == "" {
		hdr.MIME = "application/json"
	}

	stepIdx, err := b.nextStepIdx(ctx, hdr.SessionID, hdr.BranchID)
	if err != nil {
		return fmt.Errorf("artifactbus: next step idx: %w", err)
	}
	hdr.StepIdx = stepIdx

	if err := b.driver.WritePayload(ctx, hdr.SessionID, hdr.Ref, payload, hdr.MIME); err != nil {
		return fmt.Errorf("artifactbus: write payload: %w", err)
	}

	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("artifactbus: marshal header: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.headerKey(hdr.SessionID), hdr.Ref, hdrJSON)
	pipe.HSet(ctx, b.indexKey(hdr.SessionID), hdr.Ref, hdrJSON)
	pipe.ZAdd(ctx, b.timelineKey(hdr.SessionID), redis.Z{Score: hdr.Timestamp, Member: hdr.Ref})
	if hdr.EpisodeID != "" {
		pipe.ZAdd(ctx, b.episodeKey(hdr.SessionID, hdr.EpisodeID), redis.Z{Score: float64(stepIdx), Member: hdr.Ref})
	}
	if hdr.Score != nil {
		pipe.ZAdd(ctx, b.scoresKey(hdr.SessionID), redis.Z{Score: *hdr.Score, Member: hdr.Ref})
	}
	pipe.HSet(ctx, "artifacts:ref_to_session", hdr.Ref, hdr.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("artifactbus: index pipeline: %w", err)
	}

	if b.stream != nil {
		trail, err := json.Marshal(map[string]any{"ref": hdr.Ref, "session_id": hdr.SessionID, "role": hdr.Role})
		if err != nil {
			return fmt.Errorf("artifactbus: marshal stream event: %w", err)
		}
		if _, err := b.stream.Add(ctx, "artifact_published", trail); err != nil {
			b.log.Warn(ctx, "artifact_stream_append_failed", "ref", hdr.Ref, "error", err.Error())
		}
	}

	b.log.Info(ctx, "artifact_published", "ref", hdr.Ref, "session", hdr.SessionID, "role", hdr.Role, "step_idx", stepIdx)
	b.maybePrune(ctx, hdr.SessionID)
	return nil
}

// Get fetches a single artifact's header and payload by ref.
func (b *Bus) Get(ctx context.Context, ref string) (Header, any, error) {
	sessionID, err := b.rdb.HGet(ctx, "artifacts:ref_to_session", ref).Result()
	if err != nil {
		return Header{}, nil, fmt.Errorf("artifactbus: artifact %q not found: %w", ref, err)
	}
	raw, err := b.rdb.HGet(ctx, b.headerKey(sessionID), ref).Result()
	if err != nil {
		return Header{}, nil, fmt.Errorf("artifactbus: header %q missing: %w", ref, err)
	}
	var hdr Header
	if err := json.Unmarshal([]byte(raw), &hdr); err != nil {
		return Header{}, nil, fmt.Errorf("artifactbus: unmarshal header %q: %w", ref, err)
	}
	payload, err := b.driver.ReadPayload(ctx, sessionID, ref, hdr.MIME)
	if err != nil {
		return Header{}, nil, fmt.Errorf("artifactbus: read payload %q: %w", ref, err)
	}
	return hdr, payload, nil
}

// PatchArtifact atomically merges updates into an existing header and
// optionally its payload, used by the judge worker to fill in a pending
// evaluation once it resolves.
func (b *Bus) PatchArtifact(ctx context.Context, ref string, headerPatch map[string]any, payloadPatch map[string]any) error {
	sessionID, err := b.rdb.HGet(ctx, "artifacts:ref_to_session", ref).Result()
	if err != nil {
		return fmt.Errorf("artifactbus: artifact %q not found: %w", ref, err)
	}
	raw, err := b.rdb.HGet(ctx, b.headerKey(sessionID), ref).Result()
	if err != nil {
		return fmt.Errorf("artifactbus: header %q missing: %w", ref, err)
	}
	var hdr Header
	if err := json.Unmarshal([]byte(raw), &hdr); err != nil {
		return fmt.Errorf("artifactbus: unmarshal header %q: %w", ref, err)
	}

	if score, ok := headerPatch["score"].(float64); ok {
		hdr.Score = &score
	}
	if evaluatorID, ok := headerPatch["evaluator_id"].(string); ok {
		hdr.EvaluatorID = evaluatorID
	}
	if judgeVer, ok := headerPatch["judge_version"].(string); ok {
		hdr.JudgeVer = judgeVer
	}
	if reward, ok := headerPatch["reward"].(float64); ok {
		hdr.Reward = &reward
	}
	if metaPatch, ok := headerPatch["meta"].(map[string]any); ok {
		if hdr.Meta == nil {
			hdr.Meta = map[string]any{}
		}
		for k, v := range metaPatch {
			hdr.Meta[k] = v
		}
	}

	if len(payloadPatch) > 0 {
		existing, err := b.driver.ReadPayload(ctx, sessionID, ref, hdr.MIME)
		if err != nil {
			b.log.Warn(ctx, "patch_read_payload_failed", "ref", ref, "error", err.Error())
			existing = map[string]any{}
		}
		merged, ok := existing.(map[string]any)
		if !ok {
			merged = map[string]any{}
		}
		for k, v := range payloadPatch {
			merged[k] = v
		}
		if err := b.driver.WritePayload(ctx, sessionID, ref, merged, hdr.MIME); err != nil {
			b.log.Error(ctx, "patch_write_payload_failed", "ref", ref, "error", err.Error())
		}
	}

	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("artifactbus: marshal patched header: %w", err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.headerKey(sessionID), ref, hdrJSON)
	pipe.HSet(ctx, b.indexKey(sessionID), ref, hdrJSON)
	if hdr.Score != nil {
		pipe.ZAdd(ctx, b.scoresKey(sessionID), redis.Z{Score: *hdr.Score, Member: ref})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("artifactbus: patch pipeline: %w", err)
	}
	b.log.Info(ctx, "artifact_patched", "ref", ref, "session", sessionID)
	return nil
}

// PatchEvaluation is a convenience wrapper around PatchArtifact used by the
// judge worker once it has scored an evaluation artifact.
func (b *Bus) PatchEvaluation(ctx context.Context, ref, evaluatorID, judgeVersion string, score float64, metrics map[string]float64, review string) error {
	headerPatch := map[string]any{
		"evaluator_id":  evaluatorID,
		"judge_version": judgeVersion,
		"score":         score,
		"meta":          map[string]any{"eval_metrics": metrics, "status": "finished"},
	}
	payloadPatch := map[string]any{"score": score}
	if review != "" {
		payloadPatch["review"] = review
	}
	return b.PatchArtifact(ctx, ref, headerPatch, payloadPatch)
}

// CreateEvaluationFor records a pending evaluation artifact targeting an
// existing artifact ref, inferring session and branch from it.
func (b *Bus) CreateEvaluationFor(ctx context.Context, targetRef, evaluatorID, judgeVersion string, payload map[string]any) (string, error) {
	targetHdr, _, err := b.Get(ctx, targetRef)
	if err != nil {
		return "", fmt.Errorf("artifactbus: resolve target %q: %w", targetRef, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["parent_refs"] = []string{targetRef}

	hdr := Header{
		SessionID:   targetHdr.SessionID,
		BranchID:    targetHdr.BranchID,
		Role:        "evaluation",
		MIME:        "application/json",
		AgentID:     evaluatorID,
		EvaluatorID: evaluatorID,
		JudgeVer:    judgeVersion,
		ParentRefs:  []string{targetRef},
		Meta:        map[string]any{"status": "pending", "eval_metrics": map[string]float64{}},
	}
	if err := b.Publish(ctx, hdr, payload); err != nil {
		return "", err
	}
	return hdr.Ref, nil
}

// ReadLastN returns the n most recent artifacts for a session, optionally
// filtered by role.
func (b *Bus) ReadLastN(ctx context.Context, sessionID string, n int64, role string) ([]Header, error) {
	refs, err := b.rdb.ZRevRange(ctx, b.timelineKey(sessionID), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("artifactbus: zrevrange: %w", err)
	}
	return b.loadHeaders(ctx, sessionID, refs, role)
}

// ReadFirstN returns the n oldest artifacts for a session, optionally
// filtered by role.
func (b *Bus) ReadFirstN(ctx context.Context, sessionID string, n int64, role string) ([]Header, error) {
	refs, err := b.rdb.ZRange(ctx, b.timelineKey(sessionID), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("artifactbus: zrange: %w", err)
	}
	return b.loadHeaders(ctx, sessionID, refs, role)
}

// Search performs a linear newest-to-oldest scan applying optional tag and
// since-timestamp filters, bounded by limit. Intended for operator tooling,
// not hot paths.
func (b *Bus) Search(ctx context.Context, sessionID string, tag string, since float64, limit int) ([]Header, error) {
	refs, err := b.rdb.ZRevRange(ctx, b.timelineKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("artifactbus: zrevrange: %w", err)
	}
	var out []Header
	for _, ref := range refs {
		if len(out) >= limit {
			break
		}
		raw, err := b.rdb.HGet(ctx, b.headerKey(sessionID), ref).Result()
		if err != nil {
			continue
		}
		var hdr Header
		if err := json.Unmarshal([]byte(raw), &hdr); err != nil {
			continue
		}
		if since > 0 && hdr.Timestamp < since {
			continue
		}
		if tag != "" {
			tags, _ := hdr.Meta["tags"].([]any)
			found := false
			for _, t := range tags {
				if ts, ok := t.(string); ok && ts == tag {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, hdr)
	}
	return out, nil
}

func (b *Bus) loadHeaders(ctx context.Context, sessionID string, refs []string, role string) ([]Header, error) {
	var out []Header
	for _, ref := range refs {
		raw, err := b.rdb.HGet(ctx, b.headerKey(sessionID), ref).Result()
		if err != nil {
			continue
		}
		var hdr Header
		if err := json.Unmarshal([]byte(raw), &hdr); err != nil {
			continue
		}
		if role != "" && hdr.Role != role {
			continue
		}
		out = append(out, hdr)
	}
	return out, nil
}

// maybePrune trims the oldest artifacts once a session exceeds maxPerSession,
// deleting both the Redis index entries and the backing payloads. Errors are
// logged, never propagated, matching the reference implementation's
// best-effort pruning.
func (b *Bus) maybePrune(ctx context.Context, sessionID string) {
	timelineKey := b.timelineKey(sessionID)
	count, err := b.rdb.ZCard(ctx, timelineKey).Result()
	if err != nil || count <= b.maxPerSession {
		return
	}
	toDelete := count - b.maxPerSession
	oldRefs, err := b.rdb.ZRange(ctx, timelineKey, 0, toDelete-1).Result()
	if err != nil || len(oldRefs) == 0 {
		return
	}

	headerKey := b.headerKey(sessionID)
	for _, ref := range oldRefs {
		raw, err := b.rdb.HGet(ctx, headerKey, ref).Result()
		if err != nil {
			continue
		}
		var hdr Header
		if err := json.Unmarshal([]byte(raw), &hdr); err != nil {
			continue
		}
		if err := b.driver.DeletePayload(ctx, sessionID, ref, hdr.MIME); err != nil {
			b.log.Warn(ctx, "payload_prune_failed", "ref", ref, "error", err.Error())
		}
	}

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, timelineKey, toAnySlice(oldRefs)...)
	pipe.HDel(ctx, b.indexKey(sessionID), oldRefs...)
	pipe.HDel(ctx, headerKey, oldRefs...)
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Warn(ctx, "prune_index_failed", "session", sessionID, "error", err.Error())
		return
	}
	b.log.Debug(ctx, "pruned", "session", sessionID, "removed", len(oldRefs))
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
