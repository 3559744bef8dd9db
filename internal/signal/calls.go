package signal

import (
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/teris-io/shortid"

	"github.com/chatline/chatline/internal/stats"
)

const defaultRejectReason = "unavailable"

// CallRelay translates one peer's call intent into targeted events on
// the other peer's identity room. It keeps no per-call record: validity
// of a transition is the calling clients' responsibility, so an accept
// with no prior initiate is still forwarded.
type CallRelay struct {
	registry *SessionRegistry
	validate *validator.Validate
	log      *log.Logger
	stats    stats.StatsProvider
	// genChannelName is swapped out in tests for a deterministic id.
	genChannelName func() (string, error)
}

func NewCallRelay(registry *SessionRegistry, validate *validator.Validate, logger *log.Logger, statsProvider stats.StatsProvider) *CallRelay {
	return &CallRelay{
		registry: registry,
		validate: validate,
		log:      logger,
		stats:    statsProvider,
		genChannelName: func() (string, error) {
			sid, err := shortid.Generate()
			if err != nil {
				return "", err
			}
			return "call_" + sid, nil
		},
	}
}

func (cr *CallRelay) parse(c *Client, frame *Frame, dst any) bool {
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		c.ack(frame, ErrInvalidEvent(frame.Id))
		return false
	}
	if err := cr.validate.Struct(dst); err != nil {
		cr.stats.Incr(stats.NumValidationErrors)
		c.ack(frame, ErrInvalidEvent(frame.Id))
		return false
	}

	return true
}

func (cr *CallRelay) handleInitiate(c *Client, frame *Frame) {
	var p CallInitiatePayload
	if !cr.parse(c, frame, &p) {
		return
	}

	// Only the authenticated identity may ring out under its own id.
	if p.CallerId != c.user.Id {
		cr.log.Printf("rejecting call:initiate from connection %s: caller %q != user %q", c.id, p.CallerId, c.user.Id)
		c.ack(frame, ErrNotAuthorized(frame.Id))
		return
	}

	channelName := p.ChannelName
	if channelName == "" {
		var err error
		channelName, err = cr.genChannelName()
		if err != nil {
			cr.log.Println("generate channel name:", err)
			c.ack(frame, AckError(frame.Id, "could not allocate channel"))
			return
		}
	}

	out, err := NewEventFrame(EventCallIncoming, CallIncomingPayload{
		CallerId:    p.CallerId,
		CalleeId:    p.CalleeId,
		CallerName:  p.CallerName,
		Type:        p.Type,
		ChannelName: channelName,
		Token:       p.Token,
		Timestamp:   Now(),
	})
	if err != nil {
		c.ack(frame, AckError(frame.Id, "internal error"))
		return
	}

	n := cr.registry.Publish(UserRoom(p.CalleeId), out, nil)
	cr.stats.Incr(stats.NumCallsSignaled)
	cr.log.Printf("call:incoming %s -> %s on %q delivered to %d connections", p.CallerId, p.CalleeId, channelName, n)

	// The ack confirms dispatch, not receipt; ringing on the far end is
	// only observable through call:accepted / call:rejected.
	c.ack(frame, AckOK(frame.Id, map[string]any{
		"channelName":  channelName,
		"calleeOnline": n > 0,
	}))
}

func (cr *CallRelay) handleAccept(c *Client, frame *Frame) {
	var p CallAcceptPayload
	if !cr.parse(c, frame, &p) {
		return
	}

	// Prefer the channel already in play; synthesize one only when the
	// accept arrives without it.
	channelName := p.ChannelName
	if channelName == "" {
		var err error
		channelName, err = cr.genChannelName()
		if err != nil {
			cr.log.Println("generate channel name:", err)
			c.ack(frame, AckError(frame.Id, "could not allocate channel"))
			return
		}
	}

	out, err := NewEventFrame(EventCallAccepted, CallAcceptedPayload{
		CallerId:    p.CallerId,
		CalleeId:    p.CalleeId,
		CalleeName:  c.user.DisplayName,
		ChannelName: channelName,
		Token:       p.Token,
		Status:      "accepted",
		Timestamp:   Now(),
	})
	if err != nil {
		c.ack(frame, AckError(frame.Id, "internal error"))
		return
	}

	cr.registry.Publish(UserRoom(p.CallerId), out, nil)
	c.ack(frame, AckOK(frame.Id, map[string]any{"channelName": channelName}))
}

func (cr *CallRelay) handleReject(c *Client, frame *Frame) {
	var p CallRejectPayload
	if !cr.parse(c, frame, &p) {
		return
	}

	reason := p.Reason
	if reason == "" {
		reason = defaultRejectReason
	}

	out, err := NewEventFrame(EventCallRejected, CallRejectedPayload{
		CallerId:  p.CallerId,
		CalleeId:  p.CalleeId,
		Reason:    reason,
		Timestamp: Now(),
	})
	if err != nil {
		c.ack(frame, AckError(frame.Id, "internal error"))
		return
	}

	cr.registry.Publish(UserRoom(p.CallerId), out, nil)
	c.ack(frame, AckOK(frame.Id, nil))
}

func (cr *CallRelay) handleEnd(c *Client, frame *Frame) {
	var p CallEndPayload
	if !cr.parse(c, frame, &p) {
		return
	}

	out, err := NewEventFrame(EventCallEnded, CallEndPayload{
		CallerId:    p.CallerId,
		CalleeId:    p.CalleeId,
		ChannelName: p.ChannelName,
	})
	if err != nil {
		c.ack(frame, AckError(frame.Id, "internal error"))
		return
	}

	// Both identity rooms hear the end so every device of both parties
	// tears down its call UI; the emitting connection is skipped since
	// it ended the call itself.
	cr.registry.Publish(UserRoom(p.CallerId), out, c)
	cr.registry.Publish(UserRoom(p.CalleeId), out, c)
	c.ack(frame, AckOK(frame.Id, nil))
}
