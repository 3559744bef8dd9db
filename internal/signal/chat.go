package signal

import (
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/teris-io/shortid"

	"github.com/chatline/chatline/internal/stats"
)

// ChatRelay fans message events into conversation or direct rooms and
// routes delivery/read status back toward the sender. It never
// persists: durable storage happens over the REST API in a separate
// call made by the client, and ordering between the two is not
// guaranteed here. It also never joins the recipient implicitly; a
// recipient not currently in the room simply does not receive the
// event.
type ChatRelay struct {
	registry *SessionRegistry
	validate *validator.Validate
	log      *log.Logger
	stats    stats.StatsProvider
	// genMessageId backfills ids for clients that emit without one.
	genMessageId func() (string, error)
}

func NewChatRelay(registry *SessionRegistry, validate *validator.Validate, logger *log.Logger, statsProvider stats.StatsProvider) *ChatRelay {
	return &ChatRelay{
		registry:     registry,
		validate:     validate,
		log:          logger,
		stats:        statsProvider,
		genMessageId: shortid.Generate,
	}
}

func (mr *ChatRelay) parse(c *Client, frame *Frame, dst any) bool {
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		c.ack(frame, ErrInvalidEvent(frame.Id))
		return false
	}
	if err := mr.validate.Struct(dst); err != nil {
		mr.stats.Incr(stats.NumValidationErrors)
		c.ack(frame, ErrInvalidEvent(frame.Id))
		return false
	}

	return true
}

func (mr *ChatRelay) handleMessage(c *Client, frame *Frame) {
	var p ChatMessagePayload
	if !mr.parse(c, frame, &p) {
		return
	}

	if p.SenderId != c.user.Id {
		mr.log.Printf("rejecting message from connection %s: sender %q != user %q", c.id, p.SenderId, c.user.Id)
		c.ack(frame, ErrNotAuthorized(frame.Id))
		return
	}

	if p.MessageId == "" {
		id, err := mr.genMessageId()
		if err != nil {
			mr.log.Println("generate message id:", err)
			c.ack(frame, AckError(frame.Id, "internal error"))
			return
		}
		p.MessageId = id
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = Now()
	}

	var room string
	if p.ConversationId != "" {
		room = ConversationRoom(p.ConversationId)
	} else {
		room = DirectRoom(p.SenderId, p.ReceiverId)
	}

	out, err := NewEventFrame(EventNewMessage, p)
	if err != nil {
		c.ack(frame, AckError(frame.Id, "internal error"))
		return
	}

	n := mr.registry.Publish(room, out, c)
	mr.stats.Incr(stats.NumMessagesRelayed)

	c.ack(frame, AckOK(frame.Id, map[string]any{
		"messageId": p.MessageId,
		"delivered": n,
	}))
}

func (mr *ChatRelay) handleStatus(c *Client, frame *Frame) {
	var p MessageStatusPayload
	if !mr.parse(c, frame, &p) {
		return
	}

	// Status flows back toward the original sender's devices when the
	// sender is known, otherwise into the conversation room.
	var room string
	if p.SenderId != "" {
		room = UserRoom(p.SenderId)
	} else {
		room = ConversationRoom(p.ChatId)
	}

	out, err := NewEventFrame(EventMessageStatus, p)
	if err != nil {
		c.ack(frame, AckError(frame.Id, "internal error"))
		return
	}

	mr.registry.Publish(room, out, c)
	mr.stats.Incr(stats.NumStatusRelays)
	c.ack(frame, AckOK(frame.Id, nil))
}

func (mr *ChatRelay) handleProfileUpdate(c *Client, frame *Frame) {
	var p ProfileUpdatePayload
	if !mr.parse(c, frame, &p) {
		return
	}

	if p.UserId != c.user.Id {
		c.ack(frame, ErrNotAuthorized(frame.Id))
		return
	}

	out, err := NewEventFrame(EventProfileUpdated, p)
	if err != nil {
		c.ack(frame, AckError(frame.Id, "internal error"))
		return
	}

	// All of the identity's devices hear the change, including other
	// connections of the device that made it.
	mr.registry.Publish(UserRoom(p.UserId), out, nil)
	mr.stats.Incr(stats.NumProfileRelays)
	c.ack(frame, AckOK(frame.Id, nil))
}
