package client

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/teris-io/shortid"

	"github.com/chatline/chatline/internal/signal"
	"github.com/chatline/chatline/internal/types"
)

// MessageStore is the client-side message state: per-conversation
// ordered buffers with id de-duplication and forward-only delivery
// status. It subscribes to inbound message and status events and
// drives the send path over the session's event channel.
type MessageStore struct {
	transport Transport
	self      types.User
	log       *log.Logger

	genMessageId func() (string, error)

	mu            sync.Mutex
	conversations map[string][]*types.Message
	index         map[string]*types.Message
}

func NewMessageStore(transport Transport, self types.User, logger *log.Logger) *MessageStore {
	ms := &MessageStore{
		transport:     transport,
		self:          self,
		log:           logger,
		genMessageId:  shortid.Generate,
		conversations: make(map[string][]*types.Message),
		index:         make(map[string]*types.Message),
	}

	transport.On(signal.EventNewMessage, ms.handleMessage)
	transport.On(signal.EventMessageStatus, ms.handleStatus)

	return ms
}

// conversationKey resolves the buffer a message belongs to. Direct
// messages without a conversation id share the canonical direct room
// name so both sides index them identically.
func (ms *MessageStore) conversationKey(msg *types.Message) string {
	if msg.ConversationId != "" {
		return msg.ConversationId
	}

	peer := msg.ReceiverId
	if msg.SenderId != ms.self.Id {
		peer = msg.SenderId
	}
	return signal.DirectRoom(ms.self.Id, peer)
}

// Add inserts a message, keeping the buffer ordered by timestamp. A
// message whose id is already present is dropped and Add reports false.
func (ms *MessageStore) Add(msg types.Message) bool {
	if msg.Id == "" {
		return false
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.addLocked(msg)
}

func (ms *MessageStore) addLocked(msg types.Message) bool {
	if _, exists := ms.index[msg.Id]; exists {
		return false
	}

	m := &msg
	key := ms.conversationKey(m)
	buf := append(ms.conversations[key], m)
	sort.SliceStable(buf, func(i, j int) bool {
		return buf[i].Timestamp.Before(buf[j].Timestamp)
	})
	ms.conversations[key] = buf
	ms.index[msg.Id] = m
	return true
}

// Messages returns a snapshot of a conversation's buffer in order.
func (ms *MessageStore) Messages(conversationKey string) []types.Message {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	buf := ms.conversations[conversationKey]
	out := make([]types.Message, 0, len(buf))
	for _, m := range buf {
		out = append(out, *m)
	}
	return out
}

// ApplyStatus advances a message's delivery status. Regressions are
// ignored: a "read" message never goes back to "delivered".
func (ms *MessageStore) ApplyStatus(messageId string, status types.MessageStatus) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg, ok := ms.index[messageId]
	if !ok {
		return false
	}
	if status.Rank() <= msg.Status.Rank() {
		return false
	}

	msg.Status = status
	return true
}

// Send relays a message over the event channel after joining its room,
// and records it locally. On a successful emit the local copy is
// optimistically marked "sent"; on failure it stays "pending" so
// ResendPending can retry it later. The message is buffered either way.
func (ms *MessageStore) Send(ctx context.Context, msg types.Message) (types.Message, error) {
	if msg.ConversationId == "" && msg.ReceiverId == "" {
		return types.Message{}, fmt.Errorf("message has no conversation or receiver")
	}

	if msg.Id == "" {
		id, err := ms.genMessageId()
		if err != nil {
			return types.Message{}, fmt.Errorf("generate message id: %w", err)
		}
		msg.Id = id
	}

	msg.SenderId = ms.self.Id
	if msg.Timestamp.IsZero() {
		msg.Timestamp = signal.Now()
	}
	msg.Status = types.StatusPending

	ms.mu.Lock()
	ms.addLocked(msg)
	ms.mu.Unlock()

	if err := ms.relay(ctx, msg); err != nil {
		ms.log.Printf("send message %s: %v", msg.Id, err)
		return msg, err
	}

	ms.ApplyStatus(msg.Id, types.StatusSent)
	msg.Status = types.StatusSent
	return msg, nil
}

func (ms *MessageStore) relay(ctx context.Context, msg types.Message) error {
	var room string
	if msg.ConversationId != "" {
		room = signal.ConversationRoom(msg.ConversationId)
	} else {
		room = signal.DirectRoom(msg.SenderId, msg.ReceiverId)
	}

	if err := ms.transport.Join(ctx, room); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}

	if !ms.transport.Emit(signal.EventNewMessage, signal.ChatMessagePayload{
		MessageId:      msg.Id,
		ConversationId: msg.ConversationId,
		SenderId:       msg.SenderId,
		ReceiverId:     msg.ReceiverId,
		Content:        msg.Content,
		Type:           msg.Type,
		Attachment:     msg.Attachment,
		Timestamp:      msg.Timestamp,
	}) {
		return fmt.Errorf("emit failed")
	}
	return nil
}

// ResendPending retries every message still marked "pending", oldest
// first. It returns the number of messages successfully relayed.
func (ms *MessageStore) ResendPending(ctx context.Context) int {
	ms.mu.Lock()
	var pending []types.Message
	for _, buf := range ms.conversations {
		for _, m := range buf {
			if m.SenderId == ms.self.Id && m.Status == types.StatusPending {
				pending = append(pending, *m)
			}
		}
	}
	ms.mu.Unlock()

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Timestamp.Before(pending[j].Timestamp)
	})

	var sent int
	for _, msg := range pending {
		if err := ms.relay(ctx, msg); err != nil {
			ms.log.Printf("resend message %s: %v", msg.Id, err)
			continue
		}
		ms.ApplyStatus(msg.Id, types.StatusSent)
		sent++
	}
	return sent
}

// handleMessage buffers an inbound relayed message and reports it
// delivered to the sender's devices.
func (ms *MessageStore) handleMessage(frame *signal.Frame) {
	var p signal.ChatMessagePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		ms.log.Printf("bad %s payload: %v", frame.Event, err)
		return
	}

	added := ms.Add(types.Message{
		Id:             p.MessageId,
		ConversationId: p.ConversationId,
		SenderId:       p.SenderId,
		ReceiverId:     p.ReceiverId,
		Content:        p.Content,
		Type:           p.Type,
		Attachment:     p.Attachment,
		Status:         types.StatusDelivered,
		Timestamp:      p.Timestamp,
	})
	if !added {
		return
	}

	if p.SenderId == ms.self.Id {
		// own message echoed from another device; no receipt needed
		return
	}

	ms.transport.Emit(signal.EventMessageStatus, signal.MessageStatusPayload{
		MessageId: p.MessageId,
		Status:    string(types.StatusDelivered),
		SenderId:  p.SenderId,
		ChatId:    p.ConversationId,
	})
}

func (ms *MessageStore) handleStatus(frame *signal.Frame) {
	var p signal.MessageStatusPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		ms.log.Printf("bad %s payload: %v", frame.Event, err)
		return
	}

	ms.ApplyStatus(p.MessageId, types.MessageStatus(p.Status))
}

// MarkRead reports a message read to the sender's devices and advances
// the local copy.
func (ms *MessageStore) MarkRead(messageId string) bool {
	ms.mu.Lock()
	msg, ok := ms.index[messageId]
	if !ok || msg.SenderId == ms.self.Id {
		ms.mu.Unlock()
		return false
	}
	senderId := msg.SenderId
	chatId := msg.ConversationId
	ms.mu.Unlock()

	if !ms.ApplyStatus(messageId, types.StatusRead) {
		return false
	}

	ms.transport.Emit(signal.EventMessageStatus, signal.MessageStatusPayload{
		MessageId: messageId,
		Status:    string(types.StatusRead),
		SenderId:  senderId,
		ChatId:    chatId,
	})
	return true
}
