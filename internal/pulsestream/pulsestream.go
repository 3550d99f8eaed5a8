// Package pulsestream is convorch's thin wrapper around goa.design/pulse
// streaming, mirroring the layering the teacher's own Pulse client wrapper
// uses: build a Redis client, pass it here, and get back a narrow interface
// exposing only the append operation callers need. It backs the branch-switch
// announcer and the artifact event trail, both of which only ever append to
// a capped, replayable stream over the same Redis deployment that already
// serves storage, dedup, and queues.
package pulsestream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Stream is the subset of a Pulse stream convorch publishes onto.
type Stream interface {
	// Add appends event/payload to the stream, returning the Redis-assigned
	// entry id.
	Add(ctx context.Context, event string, payload []byte) (string, error)
}

// Client opens capped Pulse streams against a shared Redis connection.
type Client struct {
	rdb    *redis.Client
	maxLen int
}

// New constructs a Client. maxLen bounds every stream opened through it via
// Pulse's approximate MAXLEN trimming; zero leaves Pulse's own default.
func New(rdb *redis.Client, maxLen int) *Client {
	return &Client{rdb: rdb, maxLen: maxLen}
}

// Stream opens (or resumes) the named Pulse stream.
func (c *Client) Stream(name string) (Stream, error) {
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	s, err := streaming.NewStream(name, c.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulsestream: open stream %s: %w", name, err)
	}
	return &stream{s: s}, nil
}

type stream struct{ s *streaming.Stream }

func (h *stream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	id, err := h.s.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulsestream: add: %w", err)
	}
	return id, nil
}
