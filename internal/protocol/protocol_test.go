package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := NewChat("m1", "sess-1", "telegram", "u42", "hello")
	b, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != TypeChat || got.ID != "m1" || got.SessionID != "sess-1" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	var chat Chat
	if err := DecodeData(got, &chat); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if chat.Content != "hello" {
		t.Fatalf("content = %q, want hello", chat.Content)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"not json", "{nope"},
		{"missing type", `{"id":"x"}`},
		{"unknown type", `{"type":"SHOUT","id":"x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.frame))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Encode(Envelope{Type: "SHOUT"})
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestResponsePayload(t *testing.T) {
	env := NewResponse("sess-1", "m1", "Hello!", true)
	var resp Response
	if err := DecodeData(env, &resp); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if resp.ReplyTo != "m1" || resp.Content != "Hello!" || !resp.Done {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestEventPayloadFlattens(t *testing.T) {
	env := NewEvent("sess-1", EventStepProgress, map[string]any{
		"step":      1,
		"tool_name": "web_search",
		"thought":   "looking it up",
	})
	var raw map[string]any
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if raw["event"] != EventStepProgress {
		t.Fatalf("event = %v", raw["event"])
	}
	if raw["tool_name"] != "web_search" {
		t.Fatalf("payload keys not inlined: %v", raw)
	}

	var ev Event
	if err := DecodeData(env, &ev); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if ev.Event != EventStepProgress {
		t.Fatalf("round-tripped event = %q", ev.Event)
	}
	if _, ok := ev.Payload["event"]; ok {
		t.Fatal("event key leaked into payload")
	}
	if ev.Payload["thought"] != "looking it up" {
		t.Fatalf("payload = %v", ev.Payload)
	}
}

func TestEventMissingName(t *testing.T) {
	var ev Event
	if err := json.Unmarshal([]byte(`{"step":1}`), &ev); err == nil {
		t.Fatal("expected error for event without name")
	}
}

func TestNewChatMintsID(t *testing.T) {
	a := NewChat("", "s", "terminal", "u", "x")
	b := NewChat("", "s", "terminal", "u", "x")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids not unique: %q %q", a.ID, b.ID)
	}
}

func TestDecodeDataEmpty(t *testing.T) {
	err := DecodeData(Envelope{Type: TypeChat}, &Chat{})
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
	if !strings.Contains(err.Error(), "CHAT") {
		t.Fatalf("error should name the type: %v", err)
	}
}
