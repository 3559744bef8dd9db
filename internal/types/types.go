package types

import (
	"time"
)

type User struct {
	Id          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarUrl   string `json:"avatar_url,omitempty"`
}

// MessageStatus is the delivery lifecycle of a message. It only ever
// moves forward: pending -> sent -> delivered -> read.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses for the forward-only rule. Unknown statuses
// rank below everything so they never overwrite a known one.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

type Message struct {
	Id             string        `json:"id"`
	ConversationId string        `json:"conversation_id,omitempty"`
	SenderId       string        `json:"sender_id"`
	ReceiverId     string        `json:"receiver_id,omitempty"`
	Content        string        `json:"content"`
	Type           string        `json:"type,omitempty"`
	Attachment     string        `json:"attachment,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

type Conversation struct {
	Id        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	MemberIds []string  `json:"member_ids"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)
