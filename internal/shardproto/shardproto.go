// Package shardproto is the JSON wire codec for the shard channel: the
// long-lived bidirectional connection between a registered player and the
// WorldShard that owns their cell.
//
// Both directions share a single envelope: every field beyond Type is
// optional and tagged omitempty, and a frame's meaning is entirely
// determined by Type.
package shardproto

import (
	"encoding/json"
	"fmt"

	"worldshard/internal/geom"
)

// Inbound frame types (client -> shard).
const (
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypePosition  = "position"
	TypeSignal    = "signal"
)

// Outbound frame types (shard -> client).
const (
	TypeRegistered           = "registered"
	TypePeers                = "peers"
	TypeSignalOut            = "signal"
	TypeSignalDeliveryFailed = "signal-delivery-failed"
	TypeError                = "error"
)

// Envelope is the single JSON struct exchanged in both directions.
type Envelope struct {
	Type string `json:"type"`

	// register
	PlayerID     string `json:"playerId,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`

	// position
	Position *geom.Vector `json:"position,omitempty"`

	// signal (inbound addresses TargetID; outbound reports From)
	TargetID string          `json:"targetId,omitempty"`
	From     string          `json:"from,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// peers
	Peers        []string               `json:"peers,omitempty"`
	Added        []string               `json:"added,omitempty"`
	Removed      []string               `json:"removed,omitempty"`
	Distances    map[string]float64     `json:"distances,omitempty"`
	Positions    map[string]geom.Vector `json:"positions,omitempty"`
	TotalPlayers int                    `json:"totalPlayers,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Decode parses and validates one inbound frame. It fails closed: any
// structurally invalid frame for its declared Type is rejected with an
// error rather than partially accepted.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("shardproto: invalid json: %w", err)
	}
	switch env.Type {
	case TypeRegister:
		if env.PlayerID == "" || env.SessionToken == "" {
			return Envelope{}, fmt.Errorf("shardproto: register requires playerId and sessionToken")
		}
	case TypeHeartbeat:
		// no required fields
	case TypePosition:
		if env.Position == nil {
			return Envelope{}, fmt.Errorf("shardproto: position requires position")
		}
		if !env.Position.Finite() {
			return Envelope{}, fmt.Errorf("shardproto: position must be finite")
		}
	case TypeSignal:
		// TypeSignal is shared by both directions: inbound frames address a
		// target, outbound relay frames report a source in From instead.
		if env.TargetID == "" && env.From == "" {
			return Envelope{}, fmt.Errorf("shardproto: signal requires targetId or from")
		}
	case "":
		return Envelope{}, fmt.Errorf("shardproto: missing type")
	default:
		return Envelope{}, fmt.Errorf("shardproto: unknown type %q", env.Type)
	}
	return env, nil
}

// Encode serializes an outbound frame.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Registered builds a registered acknowledgment frame.
func Registered(playerID string) Envelope {
	return Envelope{Type: TypeRegistered, PlayerID: playerID}
}

// ErrorFrame builds an error frame.
func ErrorFrame(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}

// SignalDeliveryFailed builds a signal-delivery-failed frame.
func SignalDeliveryFailed(targetID string) Envelope {
	return Envelope{Type: TypeSignalDeliveryFailed, TargetID: targetID}
}

// SignalRelay builds the outbound signal frame delivered to a target.
func SignalRelay(from string, payload json.RawMessage) Envelope {
	return Envelope{Type: TypeSignalOut, From: from, Payload: payload}
}
