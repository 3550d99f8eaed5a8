// Package codec encodes and decodes interaction-stack entries for storage in
// Redis lists. The wire envelope mirrors the original Python implementation's
// JSON-with-optional-gzip scheme so branch data pushed by one process is
// readable by any other.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/p2engine/convorch/internal/state"
)

// CompressThreshold is the raw JSON byte length above which the payload is
// gzip+base64 compressed before being stored. Matches STATE_GZIP_THRESH's
// default in the original implementation.
const CompressThreshold = 2048

// IncompatibleVersion is returned by Decode when an envelope's stored version
// exceeds the version compiled into this binary's state variant.
type IncompatibleVersion struct {
	Kind        state.Kind
	StoredVer   int
	SupportedVer int
}

func (e *IncompatibleVersion) Error() string {
	return fmt.Sprintf("codec: %s envelope version %d exceeds supported version %d",
		e.Kind, e.StoredVer, e.SupportedVer)
}

// UnknownKind is returned by Decode when the envelope names a kind with no
// registered constructor.
type UnknownKind struct {
	Kind state.Kind
}

func (e *UnknownKind) Error() string {
	return fmt.Sprintf("codec: unknown state kind %q", e.Kind)
}

// envelope is the wire format pushed onto Redis lists: {v, t, ts, data[, compressed]}.
type envelope struct {
	Version    int             `json:"v"`
	Type       state.Kind      `json:"t"`
	Timestamp  float64         `json:"ts"`
	Compressed bool            `json:"compressed,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// constructors maps a Kind to a zero-value factory so Decode can unmarshal
// into the right concrete type without a giant type switch living outside
// this package.
var constructors = map[state.Kind]func() state.State{
	state.KindUserMessage:      func() state.State { return &state.UserMessageState{} },
	state.KindUserResponse:     func() state.State { return &state.UserResponseState{} },
	state.KindUserInputRequest: func() state.State { return &state.UserInputRequestState{} },
	state.KindAssistantMessage: func() state.State { return &state.AssistantMessageState{} },
	state.KindToolCall:         func() state.State { return &state.ToolCallState{} },
	state.KindToolResult:       func() state.State { return &state.ToolResultState{} },
	state.KindAgentCall:        func() state.State { return &state.AgentCallState{} },
	state.KindAgentResult:      func() state.State { return &state.AgentResultState{} },
	state.KindWaiting:          func() state.State { return &state.WaitingState{} },
	state.KindFinished:         func() state.State { return &state.FinishedState{} },
}

// Encode serializes s into the wire envelope, compressing the data segment
// when it exceeds CompressThreshold.
func Encode(s state.State, timestamp float64) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %s: %w", s.Kind(), err)
	}

	compressed := false
	data := raw
	if len(raw) > CompressThreshold {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return nil, fmt.Errorf("codec: gzip %s: %w", s.Kind(), err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("codec: gzip close %s: %w", s.Kind(), err)
		}
		encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
		quoted, err := json.Marshal(encoded)
		if err != nil {
			return nil, fmt.Errorf("codec: marshal compressed payload: %w", err)
		}
		data = quoted
		compressed = true
	}

	env := envelope{
		Version:    s.Version(),
		Type:       s.Kind(),
		Timestamp:  timestamp,
		Compressed: compressed,
		Data:       data,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal envelope for %s: %w", s.Kind(), err)
	}
	return out, nil
}

// Decode parses a wire envelope back into a concrete state.State.
func Decode(raw []byte) (state.State, float64, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("codec: unmarshal envelope: %w", err)
	}

	ctor, ok := constructors[env.Type]
	if !ok {
		return nil, 0, &UnknownKind{Kind: env.Type}
	}
	zero := ctor()
	if env.Version > zero.Version() {
		return nil, 0, &IncompatibleVersion{Kind: env.Type, StoredVer: env.Version, SupportedVer: zero.Version()}
	}

	dataBytes := []byte(env.Data)
	if env.Compressed {
		var encoded string
		if err := json.Unmarshal(env.Data, &encoded); err != nil {
			return nil, 0, fmt.Errorf("codec: unmarshal compressed payload for %s: %w", env.Type, err)
		}
		gzBytes, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, 0, fmt.Errorf("codec: base64 decode %s: %w", env.Type, err)
		}
		gz, err := gzip.NewReader(bytes.NewReader(gzBytes))
		if err != nil {
			return nil, 0, fmt.Errorf("codec: gzip reader %s: %w", env.Type, err)
		}
		defer gz.Close()
		dataBytes, err = io.ReadAll(gz)
		if err != nil {
			return nil, 0, fmt.Errorf("codec: gzip read %s: %w", env.Type, err)
		}
	} else if len(env.Data) > 0 && env.Data[0] == '"' {
		// Legacy envelopes carry the state as a JSON-encoded string.
		var legacy string
		if err := json.Unmarshal(env.Data, &legacy); err != nil {
			return nil, 0, fmt.Errorf("codec: unmarshal legacy payload for %s: %w", env.Type, err)
		}
		dataBytes = []byte(legacy)
	}

	s := ctor()
	if err := json.Unmarshal(dataBytes, s); err != nil {
		return nil, 0, fmt.Errorf("codec: unmarshal data for %s: %w", env.Type, err)
	}
	return deref(s), env.Timestamp, nil
}

// deref unwraps the pointer constructors hand back into the plain value
// type, so every caller in this module can type-switch on value types
// (state.UserMessageState, not *state.UserMessageState) regardless of
// whether the State came from Decode or was constructed fresh.
func deref(s state.State) state.State {
	switch v := s.(type) {
	case *state.UserMessageState:
		return *v
	case *state.UserResponseState:
		return *v
	case *state.UserInputRequestState:
		return *v
	case *state.AssistantMessageState:
		return *v
	case *state.ToolCallState:
		return *v
	case *state.ToolResultState:
		return *v
	case *state.AgentCallState:
		return *v
	case *state.AgentResultState:
		return *v
	case *state.WaitingState:
		return *v
	case *state.FinishedState:
		return *v
	default:
		return s
	}
}
