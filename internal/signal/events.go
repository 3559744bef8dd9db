package signal

import (
	"time"

	"github.com/goccy/go-json"
)

// Event names exchanged over the websocket. Client-to-server events may
// carry a non-zero frame id to request an acknowledgment.
const (
	EventJoin = "join"

	EventCallInitiate = "call:initiate"
	EventCallIncoming = "call:incoming"
	EventCallAccept   = "call:accept"
	EventCallAccepted = "call:accepted"
	EventCallReject   = "call:reject"
	EventCallRejected = "call:rejected"
	EventCallEnd      = "call:end"
	EventCallEnded    = "call:ended"

	EventCheckUserConnected = "check:user:connected"

	EventNewMessage = "new_message"
	// EventChatMessage is the legacy alias still emitted by older clients.
	EventChatMessage   = "chat message"
	EventMessageStatus = "message_status"

	EventUpdateProfile  = "user:update_profile"
	EventProfileUpdated = "user:profile_updated"
)

// Frame is the wire envelope for every event in both directions. A frame
// either carries an event with a payload or an ack answering a previous
// frame by id. Id zero means fire-and-forget: no ack is ever sent for it.
type Frame struct {
	Id        int64           `json:"id,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Ack       *Ack            `json:"ack,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Ack struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type JoinPayload struct {
	Room string `json:"room" validate:"required"`
}

type CallInitiatePayload struct {
	CallerId    string `json:"callerId" validate:"required"`
	CalleeId    string `json:"calleeId" validate:"required"`
	CallerName  string `json:"callerName,omitempty"`
	Type        string `json:"type,omitempty" validate:"omitempty,oneof=audio video"`
	ChannelName string `json:"channelName,omitempty"`
	Token       string `json:"token,omitempty"`
}

type CallIncomingPayload struct {
	CallerId    string    `json:"callerId"`
	CalleeId    string    `json:"calleeId"`
	CallerName  string    `json:"callerName,omitempty"`
	Type        string    `json:"type,omitempty"`
	ChannelName string    `json:"channelName"`
	Token       string    `json:"token,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type CallAcceptPayload struct {
	CallerId    string `json:"callerId" validate:"required"`
	CalleeId    string `json:"calleeId" validate:"required"`
	ChannelName string `json:"channelName,omitempty"`
	Token       string `json:"token,omitempty"`
}

type CallAcceptedPayload struct {
	CallerId    string    `json:"callerId"`
	CalleeId    string    `json:"calleeId"`
	CalleeName  string    `json:"calleeName,omitempty"`
	ChannelName string    `json:"channelName"`
	Token       string    `json:"token,omitempty"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

type CallRejectPayload struct {
	CallerId string `json:"callerId" validate:"required"`
	CalleeId string `json:"calleeId" validate:"required"`
	Reason   string `json:"reason,omitempty"`
}

type CallRejectedPayload struct {
	CallerId  string    `json:"callerId"`
	CalleeId  string    `json:"calleeId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type CallEndPayload struct {
	CallerId    string `json:"callerId" validate:"required"`
	CalleeId    string `json:"calleeId" validate:"required"`
	ChannelName string `json:"channelName,omitempty"`
}

type PresencePayload struct {
	UserId string `json:"userId" validate:"required"`
}

type ChatMessagePayload struct {
	MessageId      string    `json:"messageId,omitempty"`
	ConversationId string    `json:"conversationId,omitempty" validate:"required_without=ReceiverId"`
	SenderId       string    `json:"senderId" validate:"required"`
	ReceiverId     string    `json:"receiverId,omitempty"`
	Content        string    `json:"content"`
	Type           string    `json:"type,omitempty"`
	Attachment     string    `json:"attachment,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type MessageStatusPayload struct {
	ChatId    string `json:"chatId,omitempty" validate:"required_without=SenderId"`
	MessageId string `json:"messageId" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=sent delivered read"`
	SenderId  string `json:"senderId,omitempty"`
}

type ProfileUpdatePayload struct {
	UserId   string         `json:"userId" validate:"required"`
	UserData map[string]any `json:"userData,omitempty"`
}

// Room naming conventions. These are addressing schemes, not types: a
// room is created implicitly on first join regardless of its name.
func UserRoom(userId string) string {
	return "user_" + userId
}

func ConversationRoom(conversationId string) string {
	return "conversation_" + conversationId
}

// DirectRoom returns the canonical room name for a 1:1 exchange. The
// pair is ordered lexicographically so both sides resolve to the same
// room no matter who joins or publishes first.
func DirectRoom(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "direct_" + a + "_" + b
}

func NewEventFrame(event string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Frame{
		Event:     event,
		Payload:   raw,
		Timestamp: Now(),
	}, nil
}

func AckOK(id int64, data map[string]any) *Frame {
	return &Frame{
		Id:        id,
		Timestamp: Now(),
		Ack: &Ack{
			Success: true,
			Data:    data,
		},
	}
}

func AckError(id int64, msg string) *Frame {
	return &Frame{
		Id:        id,
		Timestamp: Now(),
		Ack: &Ack{
			Success: false,
			Error:   msg,
		},
	}
}

func ErrNotAuthorized(id int64) *Frame {
	return AckError(id, "caller id does not match authenticated user")
}

func ErrInvalidEvent(id int64) *Frame {
	return AckError(id, "invalid event payload")
}

func ErrUnknownEvent(id int64) *Frame {
	return AckError(id, "unknown event")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
