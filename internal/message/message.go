// Package message defines the wire shapes exchanged with WebSocket clients and the
// events handed between pipeline stages.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/voxrelay/voxrelay/internal/pkg/errors"
)

// Action names the kind of a client or server message.
type Action string

// Known actions.
const (
	ActionConnect    Action = "connect"
	ActionIdentify   Action = "identify"
	ActionPing       Action = "ping"
	ActionSendAudio  Action = "sendaudio"
	ActionPong       Action = "pong"
	ActionAudio      Action = "audio"
	ActionConnectAck Action = "connectack"
)

// DefaultAuthor is used when a sendaudio message carries no author.
const DefaultAuthor = "Anonymous"

// Reserved reports whether only the server may emit the action.
func (a Action) Reserved() bool {
	switch a {
	case ActionPong, ActionAudio, ActionConnectAck:
		return true
	}
	return false
}

// Request is a decoded inbound client message. The set of implementations is closed.
type Request interface {
	Action() Action
	request()
}

// Ping asks for a pong addressed to the sender only.
type Ping struct{}

// Identify attaches a display name to the sending connection. It covers both the
// connect and identify actions; connect additionally requires a timestamp.
type Identify struct {
	Kind      Action
	Username  string
	Timestamp string
}

// SendAudio carries a base64 audio chunk.
type SendAudio struct {
	Data   string
	Author string
}

// GenericEvent is any action the relay does not interpret. Raw is the message as
// received and is rebroadcast verbatim.
type GenericEvent struct {
	Name string
	Raw  json.RawMessage
}

func (Ping) Action() Action { return ActionPing }
func (r Identify) Action() Action { return r.Kind }
func (SendAudio) Action() Action { return ActionSendAudio }
func (r GenericEvent) Action() Action { return Action(r.Name) }

func (Ping) request() {}
func (Identify) request() {}
func (SendAudio) request() {}
func (GenericEvent) request() {}

// Client-facing rejection messages.
const (
	msgInvalidJSON    = "Invalid JSON format."
	msgNoAction       = "No action specified"
	msgMissingFields  = "Missing required fields"
	msgAudioRequired  = "Audio data is required"
	msgReservedAction = "Invalid action"
)

// Decode parses one inbound frame. Every failure is a MALFORMED_REQUEST error and
// happens before any side effect.
func Decode(raw []byte) (Request, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, apperrors.MalformedRequestError(msgInvalidJSON)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, apperrors.MalformedRequestError(msgInvalidJSON)
	}

	action, ok := stringField(fields, "action")
	if !ok || action == "" {
		return nil, apperrors.MalformedRequestError(msgNoAction)
	}

	switch a := Action(action); {
	case a == ActionPing:
		return Ping{}, nil

	case a == ActionConnect || a == ActionIdentify:
		username, _ := scalarField(fields, "username")
		timestamp, _ := scalarField(fields, "timestamp")
		if username == "" || (a == ActionConnect && timestamp == "") {
			return nil, apperrors.MalformedRequestError(msgMissingFields)
		}
		return Identify{Kind: a, Username: username, Timestamp: timestamp}, nil

	case a == ActionSendAudio:
		data, _ := stringField(fields, "data")
		if data == "" {
			return nil, apperrors.MalformedRequestError(msgAudioRequired)
		}
		author, _ := stringField(fields, "author")
		if strings.TrimSpace(author) == "" {
			author = DefaultAuthor
		}
		return SendAudio{Data: data, Author: author}, nil

	case a.Reserved():
		return nil, apperrors.MalformedRequestError(msgReservedAction).
			WithDetail("action", action)

	default:
		return GenericEvent{Name: action, Raw: json.RawMessage(trimmed)}, nil
	}
}

// stringField returns fields[key] when it is a JSON string.
func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// scalarField accepts strings and numbers, returning numbers in their JSON form.
func scalarField(fields map[string]json.RawMessage, key string) (string, bool) {
	if s, ok := stringField(fields, key); ok {
		return s, true
	}
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", false
	}
	return n.String(), true
}

// Outbound is the envelope for every server-to-client message.
type Outbound struct {
	Action Action `json:"action"`
	Data   any    `json:"data"`
}

// PongData answers a ping.
type PongData struct {
	ConnectionID string `json:"connectionId"`
	Timestamp    string `json:"timestamp"`
}

// AudioData carries a relayed audio chunk.
type AudioData struct {
	Audio     string `json:"audio"`
	Author    string `json:"author"`
	Timestamp string `json:"timestamp"`
}

// ConnectAckData acknowledges connect and identify.
type ConnectAckData struct {
	ConnectionID string `json:"connectionId"`
}

// Encode marshals an outbound message.
func Encode(action Action, data any) ([]byte, error) {
	b, err := json.Marshal(Outbound{Action: action, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}
	return b, nil
}
