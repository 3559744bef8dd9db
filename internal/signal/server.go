// Package signal implements the real-time core: the session registry
// with room-based fan-out, the call-signaling relay and the message
// relay. The server holds no call state; which events have been
// exchanged is the only record of a call, and the clients on both ends
// are the authority on its lifecycle. That means the server cannot
// prevent glare (both sides dialing at once) or duplicate accepts; it
// is a known limitation of the stateless relay.
package signal

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/chatline/chatline/internal/stats"
)

type SignalServer struct {
	log         *log.Logger
	registry    *SessionRegistry
	calls       *CallRelay
	chat        *ChatRelay
	validate    *validator.Validate
	stats       stats.StatsProvider
	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
}

func NewSignalServer(logger *log.Logger, statsProvider stats.StatsProvider) (*SignalServer, error) {
	for _, metric := range []string{
		stats.NumConnections,
		stats.NumRooms,
		stats.NumCallsSignaled,
		stats.NumMessagesRelayed,
		stats.NumEventsDropped,
		stats.NumProfileRelays,
		stats.NumPresenceQueries,
		stats.NumStatusRelays,
		stats.NumValidationErrors,
	} {
		statsProvider.RegisterMetric(metric)
	}

	validate := validator.New()
	registry := NewSessionRegistry(logger, statsProvider)

	ss := &SignalServer{
		log:      logger,
		registry: registry,
		validate: validate,
		stats:    statsProvider,
		clients:  make(map[*Client]struct{}),
		done:     make(chan struct{}),
	}
	ss.calls = NewCallRelay(registry, validate, logger, statsProvider)
	ss.chat = NewChatRelay(registry, validate, logger, statsProvider)

	return ss, nil
}

func (ss *SignalServer) Registry() *SessionRegistry {
	return ss.registry
}

func (ss *SignalServer) RegisterClient(c *Client) {
	ss.clientsLock.Lock()
	defer ss.clientsLock.Unlock()

	ss.clients[c] = struct{}{}
	ss.stats.Incr(stats.NumConnections)
	ss.log.Printf("registered connection %s for user %q", c.id, c.user.Id)
}

func (ss *SignalServer) DeregisterClient(c *Client) {
	ss.registry.RemoveClient(c)

	ss.clientsLock.Lock()
	defer ss.clientsLock.Unlock()

	if _, ok := ss.clients[c]; !ok {
		return
	}

	delete(ss.clients, c)
	ss.stats.Decr(stats.NumConnections)
	ss.log.Printf("deregistered connection %s for user %q", c.id, c.user.Id)
}

// dispatch routes one inbound frame. Handler panics are contained per
// event so a bad payload never tears down the connection or leaks into
// other rooms.
func (ss *SignalServer) dispatch(c *Client, frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			ss.log.Printf("panic handling %q from connection %s: %v", frame.Event, c.id, r)
			c.ack(frame, AckError(frame.Id, "internal error"))
		}
	}()

	switch frame.Event {
	case EventJoin:
		ss.handleJoin(c, frame)
	case EventCallInitiate:
		ss.calls.handleInitiate(c, frame)
	case EventCallAccept:
		ss.calls.handleAccept(c, frame)
	case EventCallReject:
		ss.calls.handleReject(c, frame)
	case EventCallEnd:
		ss.calls.handleEnd(c, frame)
	case EventCheckUserConnected:
		ss.handlePresence(c, frame)
	case EventNewMessage, EventChatMessage:
		ss.chat.handleMessage(c, frame)
	case EventMessageStatus:
		ss.chat.handleStatus(c, frame)
	case EventUpdateProfile:
		ss.chat.handleProfileUpdate(c, frame)
	default:
		ss.log.Printf("unknown event %q from connection %s", frame.Event, c.id)
		c.ack(frame, ErrUnknownEvent(frame.Id))
	}
}

func (ss *SignalServer) handleJoin(c *Client, frame *Frame) {
	var p JoinPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.ack(frame, ErrInvalidEvent(frame.Id))
		return
	}
	if err := ss.validate.Struct(p); err != nil {
		ss.stats.Incr(stats.NumValidationErrors)
		c.ack(frame, ErrInvalidEvent(frame.Id))
		return
	}

	room := canonicalRoom(p.Room)
	ss.registry.Join(c, room)

	c.ack(frame, AckOK(frame.Id, map[string]any{
		"room":     room,
		"roomSize": ss.registry.RoomSize(room),
	}))
}

func (ss *SignalServer) handlePresence(c *Client, frame *Frame) {
	var p PresencePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.ack(frame, ErrInvalidEvent(frame.Id))
		return
	}
	if err := ss.validate.Struct(p); err != nil {
		ss.stats.Incr(stats.NumValidationErrors)
		c.ack(frame, ErrInvalidEvent(frame.Id))
		return
	}

	size := ss.registry.RoomSize(UserRoom(p.UserId))
	ss.stats.Incr(stats.NumPresenceQueries)

	c.ack(frame, AckOK(frame.Id, map[string]any{
		"isConnected": size > 0,
		"roomSize":    size,
	}))
}

// canonicalRoom normalizes direct room names so that joining
// direct_a_b and direct_b_a lands in the same room.
func canonicalRoom(room string) string {
	rest, ok := strings.CutPrefix(room, "direct_")
	if !ok {
		return room
	}

	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return room
	}

	return DirectRoom(parts[0], parts[1])
}

// Shutdown stops every live connection and waits for their pumps to
// deregister, bounded by ctx.
func (ss *SignalServer) Shutdown(ctx context.Context) error {
	ss.clientsLock.Lock()
	for c := range ss.clients {
		c.stopClient()
	}
	ss.clientsLock.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		ss.clientsLock.Lock()
		remaining := len(ss.clients)
		ss.clientsLock.Unlock()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("signal server shutdown: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
