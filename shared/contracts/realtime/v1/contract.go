// Package v1 defines the Classworks realtime protocol v1.
//
// It is shared between the server gateway and clients (classworksctl watch)
// so the wire format has one source of truth.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Client -> server types.
const (
	TypeJoinToken       = "join-token"
	TypeLeaveToken      = "leave-token"
	TypeLeaveAll        = "leave-all"
	TypeSendEvent       = "send-event"
	TypeGetEventHistory = "get-event-history"
)

// Server -> client types. Events relayed with send-event keep the type the
// sender chose.
const (
	TypeJoined            = "joined"
	TypeJoinError         = "join-error"
	TypeDeviceJoined      = "device-joined"
	TypeEventSent         = "event-sent"
	TypeEventError        = "event-error"
	TypeEventHistory      = "event-history"
	TypeEventHistoryError = "event-history-error"
	TypeKeyChanged        = "kv-key-changed"
	TypeError             = "error"
)

// Rejection reasons.
const (
	ReasonInvalidToken      = "invalid_token"
	ReasonDatabaseError     = "database_error"
	ReasonInvalidDataFormat = "invalid_data_format"
	ReasonInvalidEventType  = "invalid_event_type"
	ReasonContentNotObject  = "content_must_be_object_or_null"
	ReasonNotJoined         = "not_joined_any_device"
	ReasonReadOnlyToken     = "readonly_token_cannot_send_events"
	ReasonContentTooLarge   = "content_too_large"
	ReasonRateLimited       = "rate_limited"
	ReasonInternalError     = "internal_error"
)

// Key change actions.
const (
	KeyActionUpsert = "upsert"
	KeyActionDelete = "delete"
)

const (
	// MaxEventContentBytes bounds the serialized content of send-event.
	MaxEventContentBytes = 10240
	DefaultHistoryLimit  = 50

	KeyChangedSenderID  = "realtime"
	DeviceEventSenderID = "system"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of type typ.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Payload: raw}, nil
}

// Validate checks a client -> server envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinToken,
		TypeLeaveToken,
		TypeLeaveAll,
		TypeSendEvent,
		TypeGetEventHistory:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}
