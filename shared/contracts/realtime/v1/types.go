package v1

import (
	"encoding/json"
	"strings"
	"time"
)

// TokenPayload carries an app token for join-token and leave-token.
type TokenPayload struct {
	Token    string `json:"token,omitempty"`
	AppToken string `json:"apptoken,omitempty"`
}

// Value returns token, falling back to apptoken.
func (p TokenPayload) Value() string {
	if t := strings.TrimSpace(p.Token); t != "" {
		return t
	}
	return strings.TrimSpace(p.AppToken)
}

// JoinedTokenInfo describes the token a connection joined with.
type JoinedTokenInfo struct {
	IsReadOnly bool   `json:"isReadOnly"`
	DeviceType string `json:"deviceType,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

type JoinedPayload struct {
	By        string          `json:"by"`
	UUID      string          `json:"uuid"`
	TokenInfo JoinedTokenInfo `json:"tokenInfo"`
}

type JoinErrorPayload struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

type DeviceJoinedPayload struct {
	UUID        string `json:"uuid"`
	Connections int    `json:"connections"`
}

// SendEventPayload asks the server to relay an event to the joined rooms.
// Content must be a JSON object or null.
type SendEventPayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// SenderInfo identifies who emitted an event.
type SenderInfo struct {
	AppID      string `json:"appId,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	IsReadOnly bool   `json:"isReadOnly"`
	Note       string `json:"note,omitempty"`
}

// Event is a relayed or recorded device event.
type Event struct {
	EventID    string          `json:"eventId"`
	Type       string          `json:"type"`
	Content    json.RawMessage `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	SenderID   string          `json:"senderId"`
	SenderInfo SenderInfo      `json:"senderInfo"`
	RecordedAt time.Time       `json:"recordedAt,omitzero"`
}

type EventSentPayload struct {
	EventID       string     `json:"eventId"`
	EventName     string     `json:"eventName"`
	Timestamp     time.Time  `json:"timestamp"`
	TargetDevices int        `json:"targetDevices"`
	SenderInfo    SenderInfo `json:"senderInfo"`
}

type EventErrorPayload struct {
	Reason  string `json:"reason"`
	MaxSize int    `json:"maxSize,omitempty"`
}

// HistoryFetchPayload pages through the history of every joined room.
type HistoryFetchPayload struct {
	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
}

type RequestedBy struct {
	DeviceType string `json:"deviceType,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	IsReadOnly bool   `json:"isReadOnly"`
}

type EventHistoryPayload struct {
	Devices     map[string][]Event `json:"devices"`
	Timestamp   time.Time          `json:"timestamp"`
	RequestedBy RequestedBy        `json:"requestedBy"`
}

type EventHistoryErrorPayload struct {
	Reason string `json:"reason"`
}

// KeyChangedPayload is the content of a kv-key-changed event.
type KeyChangedPayload struct {
	Key       string     `json:"key"`
	Action    string     `json:"action"`
	Created   *bool      `json:"created,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	Batch     bool       `json:"batch,omitempty"`
}

// ErrorPayload reports a protocol-level error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
