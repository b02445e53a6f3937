package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","action":"stop","reason":"keyboard","ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionStop {
		t.Fatalf("Action = %q, want %q", control.Action, ActionStop)
	}
	if control.TSMs != 456 {
		t.Fatalf("TSMs = %d, want %d", control.TSMs, 456)
	}
	if control.Reason != "keyboard" {
		t.Fatalf("Reason = %q, want %q", control.Reason, "keyboard")
	}
}

func TestParseClientMessageRejectsInvalidControl(t *testing.T) {
	for _, raw := range []string{
		`{"type":"client_control"}`,
		`{"type":"client_control","action":"dance"}`,
		`not json`,
	} {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) error = nil, want error", raw)
		}
	}
}

func TestStatusEventOmitsEmptyStep(t *testing.T) {
	raw, err := json.Marshal(StatusEvent{Type: TypeStatusEvent, SessionID: "s1", State: "idle", Text: "Ready"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := m["step"]; ok {
		t.Fatalf("step present in %s", raw)
	}
	if m["type"] != "status_event" {
		t.Fatalf("type = %v, want status_event", m["type"])
	}
}
