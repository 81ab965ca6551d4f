package domain

import "time"

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Content types accepted on the send API.
const (
	ContentText     = "text"
	ContentImage    = "image"
	ContentVideo    = "video"
	ContentAudio    = "audio"
	ContentDocument = "document"
)

// MessageEvent is the normalized unit flowing through the pipeline. It is
// immutable once emitted; subscribers receive the same value independently.
// Not a database table.
type MessageEvent struct {
	Direction     string    `json:"direction"`
	SessionID     string    `json:"session_id"`
	RemoteID      string    `json:"remote_id"` // chat or group identifier
	SenderID      string    `json:"sender_id"`
	SenderName    string    `json:"sender_name,omitempty"`
	MessageID     string    `json:"message_id"`
	ContentType   string    `json:"content_type"`
	Content       string    `json:"content"`
	MediaURL      string    `json:"media_url,omitempty"`
	FileName      string    `json:"file_name,omitempty"`
	IsGroup       bool      `json:"is_group"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

// MemberJoined is the only membership action currently emitted.
const MemberJoined = "joined"

// MemberEvent is a group membership change (currently joins only).
type MemberEvent struct {
	SessionID string    `json:"session_id"`
	GroupID   string    `json:"group_id"`
	MemberID  string    `json:"member_id"`
	Action    string    `json:"action"` // add
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent is broadcast on every session state transition. The session
// manager's own correctness never depends on a subscriber acting on it.
type StatusEvent struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail"`
	QR        string    `json:"qr,omitempty"`
	Pairing   string    `json:"pairing_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
