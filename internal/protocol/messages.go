package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/msgstream/internal/stream"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientFragment MessageType = "client_fragment"
	TypeClientPrompt   MessageType = "client_prompt"
	TypeClientControl  MessageType = "client_control"
	TypeFragmentDelta  MessageType = "fragment_delta"
	TypeMessageFinal   MessageType = "message_final"
	TypeTurnEnd        MessageType = "turn_end"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Control actions accepted in client_control.
const (
	ActionFlush = "flush"
	ActionStop  = "stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientFragment pushes one raw upstream fragment into the session's active
// turn.
type ClientFragment struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Fragment  stream.Fragment `json:"fragment"`
	TSMs      int64           `json:"ts_ms,omitempty"`
}

// ClientPrompt asks the server to pull a reply from the configured upstream.
type ClientPrompt struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Prompt    string      `json:"prompt"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type FragmentDelta struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	TurnID    string          `json:"turn_id"`
	Fragment  stream.Fragment `json:"fragment"`
}

type MessageFinal struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id"`
	Message   stream.Message `json:"message"`
}

type TurnEnd struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"session_id"`
	TurnID    string           `json:"turn_id"`
	Reason    string           `json:"reason"`
	Unsent    *stream.Fragment `json:"unsent,omitempty"`
	Callers   []stream.Caller  `json:"callers,omitempty"`
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
	case TypeClientFragment:
		var msg ClientFragment
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_fragment")
		}
		if err := msg.Fragment.Validate(); err != nil {
			return nil, fmt.Errorf("invalid client_fragment: %w", err)
		}
		return msg, nil
	case TypeClientPrompt:
		var msg ClientPrompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Prompt) == "" {
			return nil, errors.New("invalid client_prompt")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf returns the discriminator of a server or client message value.
func TypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case ClientFragment:
		return m.Type
	case ClientPrompt:
		return m.Type
	case ClientControl:
		return m.Type
	case FragmentDelta:
		return m.Type
	case MessageFinal:
		return m.Type
	case TurnEnd:
		return m.Type
	case SystemEvent:
		return m.Type
	case ErrorEvent:
		return m.Type
	default:
		return "unknown"
	}
}
