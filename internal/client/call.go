package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/chatline/chatline/internal/signal"
	"github.com/chatline/chatline/internal/types"
)

const defaultRingTimeout = 30 * time.Second

var ErrCallFailed = errors.New("call could not be placed")
var ErrCallInProgress = errors.New("a call is already in progress")
var ErrNoActiveCall = errors.New("no active call")
var ErrNotConnected = errors.New("not connected to the signaling server")

type CallState int

const (
	CallIdle CallState = iota
	CallRinging
	CallAccepted
	CallRejected
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallRinging:
		return "ringing"
	case CallAccepted:
		return "accepted"
	case CallRejected:
		return "rejected"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ActiveCall is the call the controller is currently driving, inbound
// or outbound.
type ActiveCall struct {
	PeerId      string
	PeerName    string
	ChannelName string
	Kind        types.CallKind
	Outbound    bool
}

// CallController runs the client half of call signaling: it places,
// answers and tears down calls over the session's event channel and
// tracks a single call at a time through its states. An unanswered
// ring, inbound or outbound, times out and clears the call.
type CallController struct {
	transport Transport
	self      types.User
	log       *log.Logger

	ringTimeout time.Duration

	mu        sync.Mutex
	state     CallState
	call      ActiveCall
	ringTimer *time.Timer

	// OnIncoming, OnStateChange notify the UI layer; both may be nil.
	OnIncoming    func(ActiveCall)
	OnStateChange func(CallState, ActiveCall)
}

func NewCallController(transport Transport, self types.User, logger *log.Logger) *CallController {
	cc := &CallController{
		transport:   transport,
		self:        self,
		log:         logger,
		ringTimeout: defaultRingTimeout,
		state:       CallIdle,
	}

	transport.On(signal.EventCallIncoming, cc.handleIncoming)
	transport.On(signal.EventCallAccepted, cc.handleAccepted)
	transport.On(signal.EventCallRejected, cc.handleRejected)
	transport.On(signal.EventCallEnded, cc.handleEnded)

	return cc
}

// Place rings calleeId and returns the media channel name assigned by
// the server. The controller moves to CallRinging; the callee answering
// or rejecting, or the ring timeout, moves it on from there.
func (cc *CallController) Place(ctx context.Context, calleeId string, kind types.CallKind) (string, error) {
	cc.mu.Lock()
	if cc.state == CallRinging || cc.state == CallAccepted {
		cc.mu.Unlock()
		return "", ErrCallInProgress
	}
	cc.mu.Unlock()

	ack, err := cc.transport.Request(ctx, signal.EventCallInitiate, signal.CallInitiatePayload{
		CallerId:   cc.self.Id,
		CalleeId:   calleeId,
		CallerName: cc.self.DisplayName,
		Type:       string(kind),
	})
	if err != nil {
		cc.log.Printf("initiate call: %v", err)
		return "", ErrCallFailed
	}
	if !ack.Success {
		cc.log.Printf("initiate call rejected: %s", ack.Error)
		return "", ErrCallFailed
	}

	channelName, _ := ack.Data["channelName"].(string)

	cc.mu.Lock()
	cc.call = ActiveCall{
		PeerId:      calleeId,
		ChannelName: channelName,
		Kind:        kind,
		Outbound:    true,
	}
	cc.setStateLocked(CallRinging)
	cc.startRingTimerLocked()
	cc.mu.Unlock()

	return channelName, nil
}

// Accept answers the current inbound ring. The call stays in
// CallRinging when the accept cannot be emitted, so it remains
// answerable once the connection is back.
func (cc *CallController) Accept(ctx context.Context) error {
	cc.mu.Lock()
	if cc.state != CallRinging || cc.call.Outbound {
		cc.mu.Unlock()
		return ErrNoActiveCall
	}
	call := cc.call
	cc.mu.Unlock()

	if !cc.transport.Emit(signal.EventCallAccept, signal.CallAcceptPayload{
		CallerId:    call.PeerId,
		CalleeId:    cc.self.Id,
		ChannelName: call.ChannelName,
	}) {
		return ErrNotConnected
	}

	cc.mu.Lock()
	if cc.state == CallRinging && !cc.call.Outbound {
		cc.stopRingTimerLocked()
		cc.setStateLocked(CallAccepted)
	}
	cc.mu.Unlock()
	return nil
}

// Reject declines the current inbound ring and returns to idle.
func (cc *CallController) Reject(ctx context.Context, reason string) error {
	cc.mu.Lock()
	if cc.state != CallRinging || cc.call.Outbound {
		cc.mu.Unlock()
		return ErrNoActiveCall
	}
	call := cc.call
	cc.stopRingTimerLocked()
	cc.setStateLocked(CallRejected)
	cc.mu.Unlock()

	cc.transport.Emit(signal.EventCallReject, signal.CallRejectPayload{
		CallerId: call.PeerId,
		CalleeId: cc.self.Id,
		Reason:   reason,
	})
	return nil
}

// End hangs up the current call at any point after placing or accepting.
func (cc *CallController) End(ctx context.Context) error {
	cc.mu.Lock()
	if cc.state != CallRinging && cc.state != CallAccepted {
		cc.mu.Unlock()
		return ErrNoActiveCall
	}
	call := cc.call
	cc.stopRingTimerLocked()
	cc.setStateLocked(CallEnded)
	cc.mu.Unlock()

	callerId, calleeId := cc.self.Id, call.PeerId
	if !call.Outbound {
		callerId, calleeId = call.PeerId, cc.self.Id
	}

	cc.transport.Emit(signal.EventCallEnd, signal.CallEndPayload{
		CallerId:    callerId,
		CalleeId:    calleeId,
		ChannelName: call.ChannelName,
	})
	return nil
}

func (cc *CallController) State() CallState {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.state
}

func (cc *CallController) Current() (ActiveCall, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.call, cc.state == CallRinging || cc.state == CallAccepted
}

func (cc *CallController) handleIncoming(frame *signal.Frame) {
	var p signal.CallIncomingPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		cc.log.Printf("bad %s payload: %v", frame.Event, err)
		return
	}

	cc.mu.Lock()
	if cc.state == CallRinging || cc.state == CallAccepted {
		busy := cc.state
		cc.mu.Unlock()
		cc.log.Printf("rejecting call from %s: already %s", p.CallerId, busy)
		cc.transport.Emit(signal.EventCallReject, signal.CallRejectPayload{
			CallerId: p.CallerId,
			CalleeId: cc.self.Id,
			Reason:   "busy",
		})
		return
	}

	cc.call = ActiveCall{
		PeerId:      p.CallerId,
		PeerName:    p.CallerName,
		ChannelName: p.ChannelName,
		Kind:        types.CallKind(p.Type),
		Outbound:    false,
	}
	cc.setStateLocked(CallRinging)
	cc.startRingTimerLocked()
	call := cc.call
	cc.mu.Unlock()

	if cc.OnIncoming != nil {
		cc.OnIncoming(call)
	}
}

func (cc *CallController) handleAccepted(frame *signal.Frame) {
	var p signal.CallAcceptedPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		cc.log.Printf("bad %s payload: %v", frame.Event, err)
		return
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.state != CallRinging || !cc.call.Outbound {
		cc.log.Printf("ignoring accept in state %s", cc.state)
		return
	}

	cc.call.PeerName = p.CalleeName
	if p.ChannelName != "" {
		cc.call.ChannelName = p.ChannelName
	}
	cc.stopRingTimerLocked()
	cc.setStateLocked(CallAccepted)
}

func (cc *CallController) handleRejected(frame *signal.Frame) {
	var p signal.CallRejectedPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		cc.log.Printf("bad %s payload: %v", frame.Event, err)
		return
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.state != CallRinging {
		return
	}

	cc.log.Printf("call rejected by %s: %s", p.CalleeId, p.Reason)
	cc.stopRingTimerLocked()
	cc.setStateLocked(CallRejected)
}

func (cc *CallController) handleEnded(frame *signal.Frame) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.state != CallRinging && cc.state != CallAccepted {
		return
	}

	cc.stopRingTimerLocked()
	cc.setStateLocked(CallEnded)
}

// ringTimeoutFired clears a ring nobody answered: outbound rings hang
// up, inbound rings decline.
func (cc *CallController) ringTimeoutFired() {
	cc.mu.Lock()
	if cc.state != CallRinging {
		cc.mu.Unlock()
		return
	}
	call := cc.call
	cc.setStateLocked(CallEnded)
	cc.mu.Unlock()

	cc.log.Printf("ring timed out for call with %s", call.PeerId)

	if call.Outbound {
		cc.transport.Emit(signal.EventCallEnd, signal.CallEndPayload{
			CallerId:    cc.self.Id,
			CalleeId:    call.PeerId,
			ChannelName: call.ChannelName,
		})
	} else {
		cc.transport.Emit(signal.EventCallReject, signal.CallRejectPayload{
			CallerId: call.PeerId,
			CalleeId: cc.self.Id,
			Reason:   "no answer",
		})
	}
}

func (cc *CallController) startRingTimerLocked() {
	cc.stopRingTimerLocked()
	cc.ringTimer = time.AfterFunc(cc.ringTimeout, cc.ringTimeoutFired)
}

func (cc *CallController) stopRingTimerLocked() {
	if cc.ringTimer != nil {
		cc.ringTimer.Stop()
		cc.ringTimer = nil
	}
}

func (cc *CallController) setStateLocked(state CallState) {
	cc.state = state
	if cc.OnStateChange != nil {
		call := cc.call
		go cc.OnStateChange(state, call)
	}
}
