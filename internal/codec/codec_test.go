package codec

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/p2engine/convorch/internal/state"
)

func TestRoundTripEveryVariant(t *testing.T) {
	score := 0.75
	reward := 1.0
	cases := []state.State{
		state.UserMessageState{Text: "hi", Meta: "m"},
		state.UserResponseState{Text: "yo"},
		state.UserInputRequestState{Text: "name?"},
		state.AssistantMessageState{Content: "hello", ToolCalls: []map[string]any{{"name": "echo"}}},
		state.ToolCallState{ID: "abc", FunctionName: "echo", Arguments: map[string]any{"x": float64(1)}},
		state.ToolResultState{ToolCallID: "abc", ToolName: "echo", Result: map[string]any{"ok": true}, Reward: &reward},
		state.AgentCallState{AgentID: "child", Message: "do it"},
		state.AgentResultState{CorrelationID: "c1", Result: map[string]any{"content": "done"}, Score: &score},
		state.WaitingState{WaitKind: state.WaitingOnTool, Deadline: 123.5, CorrelationID: "abc"},
		state.FinishedState{},
	}

	for _, s := range cases {
		t.Run(string(s.Kind()), func(t *testing.T) {
			blob, err := Encode(s, 42.0)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, ts, err := Decode(blob)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ts != 42.0 {
				t.Fatalf("timestamp mismatch: got %v", ts)
			}
			if !reflect.DeepEqual(got, s) {
				t.Fatalf("round trip mismatch:\n  got  %#v\n  want %#v", got, s)
			}
		})
	}
}

func TestEncodeCompressesAboveThreshold(t *testing.T) {
	big := state.UserMessageState{Text: strings.Repeat("x", CompressThreshold*2)}
	blob, err := Encode(big, 1.0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(blob), `"compressed":true`) {
		t.Fatalf("expected compressed envelope, got %s", blob)
	}
	got, _, err := Decode(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, state.State(big)) {
		t.Fatalf("round trip through compression lost data")
	}
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	raw := []byte(`{"v":99,"t":"user_message","ts":1,"data":{"text":"hi"}}`)
	_, _, err := Decode(raw)
	if err == nil {
		t.Fatal("expected IncompatibleVersion error")
	}
	var iv *IncompatibleVersion
	if !errors.As(err, &iv) {
		t.Fatalf("expected *IncompatibleVersion, got %T: %v", err, err)
	}
	if iv.StoredVer != 99 || iv.Kind != state.KindUserMessage {
		t.Fatalf("unexpected fields: %+v", iv)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"v":1,"t":"nonsense","ts":1,"data":{}}`)
	_, _, err := Decode(raw)
	if err == nil {
		t.Fatal("expected UnknownKind error")
	}
	if _, ok := err.(*UnknownKind); !ok {
		t.Fatalf("expected *UnknownKind, got %T", err)
	}
}

