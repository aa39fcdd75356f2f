// Package event defines the closed message vocabulary exchanged with
// clients and between workers. Every inbound message decodes into one of
// the typed payloads below; unknown event names are decode errors, so
// dispatch sites can switch exhaustively instead of matching raw strings.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/christopherjohns/presence/internal/geo"
)

// Name identifies an event on the wire.
type Name string

const (
	Join      Name = "character-join"
	Part      Name = "character-part"
	Username  Name = "character-username"
	Position  Name = "character-position"
	Rotation  Name = "character-rotation"
	Ping      Name = "character-ping"
	Introduce Name = "introduce"

	// Reject is server->client only: feedback that an event was refused,
	// so the client can correct its local state.
	Reject Name = "character-reject"
)

// Envelope is the JSON structure sent over the WebSocket.
type Envelope struct {
	Type    Name            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is implemented by every typed payload.
type Message interface {
	Name() Name
}

// JoinPayload announces a character entering the world.
type JoinPayload struct {
	ID       string     `json:"id"`
	Username string     `json:"username"`
	Position geo.Vector `json:"position"`
	Rotation geo.Vector `json:"rotation"`
}

func (*JoinPayload) Name() Name { return Join }

// PartPayload announces a character leaving.
type PartPayload struct {
	ID string `json:"id"`
}

func (*PartPayload) Name() Name { return Part }

// UsernamePayload carries a display-name change.
type UsernamePayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (*UsernamePayload) Name() Name { return Username }

// PositionPayload carries a movement update. CameraPosition and
// PlayerHeight are optional companion fields.
type PositionPayload struct {
	ID             string      `json:"id"`
	Position       geo.Vector  `json:"position"`
	CameraPosition *geo.Vector `json:"cameraPosition,omitempty"`
	PlayerHeight   *float64    `json:"playerHeight,omitempty"`
}

func (*PositionPayload) Name() Name { return Position }

// RotationPayload carries an orientation update.
type RotationPayload struct {
	ID       string     `json:"id"`
	Rotation geo.Vector `json:"rotation"`
}

func (*RotationPayload) Name() Name { return Rotation }

// PingPayload is the liveness heartbeat. It is never broadcast.
type PingPayload struct {
	ID string `json:"id"`
}

func (*PingPayload) Name() Name { return Ping }

// IntroducePayload requests a snapshot resend. It has no fields.
type IntroducePayload struct{}

func (*IntroducePayload) Name() Name { return Introduce }

// RejectPayload tells the originating client why an event was refused.
type RejectPayload struct {
	Event  Name   `json:"event"`
	Reason string `json:"reason"`
}

func (*RejectPayload) Name() Name { return Reject }

// Decode parses an envelope and its payload into a typed Message.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	return DecodePayload(env.Type, env.Payload)
}

// DecodePayload parses a raw payload for a known event name. The fan-out
// subscriber uses this directly on frames from other workers.
func DecodePayload(name Name, raw json.RawMessage) (Message, error) {
	var msg Message
	switch name {
	case Join:
		msg = &JoinPayload{}
	case Part:
		msg = &PartPayload{}
	case Username:
		msg = &UsernamePayload{}
	case Position:
		msg = &PositionPayload{}
	case Rotation:
		msg = &RotationPayload{}
	case Ping:
		msg = &PingPayload{}
	case Introduce:
		return &IntroducePayload{}, nil
	case Reject:
		msg = &RejectPayload{}
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("event %q missing payload", name)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("parsing %q payload: %w", name, err)
	}
	return msg, nil
}

// Encode marshals a typed payload into envelope bytes ready to send.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %q payload: %w", msg.Name(), err)
	}
	return json.Marshal(Envelope{Type: msg.Name(), Payload: payload})
}
