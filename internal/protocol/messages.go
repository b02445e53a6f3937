package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeStatusEvent   MessageType = "status_event"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Control actions accepted from websocket clients.
const (
	ActionToggle = "toggle"
	ActionStop   = "stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	Reason string      `json:"reason,omitempty"`
	TSMs   int64       `json:"ts_ms,omitempty"`
}

// StatusEvent mirrors the controller status shown to the user.
type StatusEvent struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	State         string      `json:"state"`
	Step          string      `json:"step,omitempty"`
	Text          string      `json:"text"`
	Hint          string      `json:"hint,omitempty"`
	Transcription string      `json:"transcription,omitempty"`
	ResponseText  string      `json:"response_text,omitempty"`
	TurnID        string      `json:"turn_id,omitempty"`
	TSMs          int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionToggle, ActionStop:
			return msg, nil
		case "":
			return nil, errors.New("invalid client_control: missing action")
		default:
			return nil, fmt.Errorf("invalid client_control: unknown action %q", msg.Action)
		}
	default:
		return nil, ErrUnsupportedType
	}
}
