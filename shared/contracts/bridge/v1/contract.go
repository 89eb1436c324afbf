// Package v1 is the wire contract between relay and the messaging bridge sidecar.
//
// One websocket per user: relay dials <bridge>/sessions/<uid> with subprotocol
// "relay.bridge.v1". The bridge reports lifecycle and inbound messages; relay sends outbound
// messages and waits for a send.ack carrying the send envelope's id as ref_id.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version     = 1
	Subprotocol = "relay.bridge.v1"

	// bridge -> relay
	TypeQR           = "qr"
	TypeReady        = "ready"
	TypeAuthFailure  = "auth_failure"
	TypeDisconnected = "disconnected"
	TypeMessage      = "message"
	TypeSendAck      = "send.ack"
	TypeError        = "error"

	// relay -> bridge
	TypeSend = "send"
)

var AllowedTypes = map[string]struct{}{
	TypeQR:           {},
	TypeReady:        {},
	TypeAuthFailure:  {},
	TypeDisconnected: {},
	TypeMessage:      {},
	TypeSendAck:      {},
	TypeError:        {},
	TypeSend:         {},
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// New builds an envelope with a JSON-encoded payload.
func New(typ, id string, ts time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Payload: b}, nil
}

type QRPayload struct {
	Token string `json:"token"`
}

type ReadyPayload struct{}

type AuthFailurePayload struct {
	Reason string `json:"reason,omitempty"`
}

type DisconnectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type MessagePayload struct {
	From string `json:"from"`
	Body string `json:"body"`
}

type SendPayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type SendAckPayload struct {
	RefID string `json:"ref_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
