package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chatline/chatline/internal/signal"
	"github.com/chatline/chatline/internal/testutil"
	"github.com/chatline/chatline/internal/types"
)

func newTestCallController(t *testing.T) (*CallController, *fakeTransport) {
	ft := newFakeTransport()
	cc := NewCallController(ft, types.User{Id: "u1", DisplayName: "Uma"}, testutil.TestLogger(t))
	return cc, ft
}

func TestPlaceCall(t *testing.T) {
	cc, ft := newTestCallController(t)
	ft.requestFn = func(event string, payload any) (*signal.Ack, error) {
		assert.Equal(t, signal.EventCallInitiate, event, "expected initiate event")

		p, ok := payload.(signal.CallInitiatePayload)
		assert.True(t, ok, "expected initiate payload")
		assert.Equal(t, "u1", p.CallerId, "expected caller set from identity")
		assert.Equal(t, "u2", p.CalleeId, "expected callee from argument")

		return &signal.Ack{Success: true, Data: map[string]any{"channelName": "call_abc"}}, nil
	}

	channel, err := cc.Place(context.Background(), "u2", types.CallVideo)
	assert.NoError(t, err)
	assert.Equal(t, "call_abc", channel, "expected server-assigned channel")
	assert.Equal(t, CallRinging, cc.State(), "expected ringing after place")

	call, active := cc.Current()
	assert.True(t, active, "expected active call")
	assert.True(t, call.Outbound, "expected outbound call")
	assert.Equal(t, "u2", call.PeerId, "expected callee as peer")
}

func TestPlaceCallFailedAck(t *testing.T) {
	cc, ft := newTestCallController(t)
	ft.requestFn = func(event string, payload any) (*signal.Ack, error) {
		return &signal.Ack{Success: false, Error: "invalid event payload"}, nil
	}

	_, err := cc.Place(context.Background(), "u2", types.CallAudio)
	assert.ErrorIs(t, err, ErrCallFailed, "expected placement failure")
	assert.Equal(t, CallIdle, cc.State(), "expected state unchanged")
}

func TestPlaceCallTransportError(t *testing.T) {
	cc, ft := newTestCallController(t)
	ft.requestFn = func(event string, payload any) (*signal.Ack, error) {
		return nil, context.DeadlineExceeded
	}

	_, err := cc.Place(context.Background(), "u2", types.CallAudio)
	assert.ErrorIs(t, err, ErrCallFailed, "expected placement failure on missing ack")
}

func TestPlaceWhileCallInProgress(t *testing.T) {
	cc, ft := newTestCallController(t)
	ft.requestFn = func(event string, payload any) (*signal.Ack, error) {
		return &signal.Ack{Success: true, Data: map[string]any{"channelName": "call_abc"}}, nil
	}

	_, err := cc.Place(context.Background(), "u2", types.CallAudio)
	assert.NoError(t, err)

	_, err = cc.Place(context.Background(), "u3", types.CallAudio)
	assert.ErrorIs(t, err, ErrCallInProgress, "expected second call refused")
}

func TestIncomingCallAccepted(t *testing.T) {
	cc, ft := newTestCallController(t)

	var notified ActiveCall
	cc.OnIncoming = func(call ActiveCall) { notified = call }

	ft.deliver(t, signal.EventCallIncoming, signal.CallIncomingPayload{
		CallerId:    "u2",
		CalleeId:    "u1",
		CallerName:  "Viktor",
		Type:        "video",
		ChannelName: "call_xyz",
	})

	assert.Equal(t, CallRinging, cc.State(), "expected ringing on incoming call")
	assert.Equal(t, "u2", notified.PeerId, "expected caller surfaced to UI")
	assert.False(t, notified.Outbound, "expected inbound call")

	assert.NoError(t, cc.Accept(context.Background()))
	assert.Equal(t, CallAccepted, cc.State(), "expected accepted after answer")

	emits := ft.emittedEvents()
	assert.Len(t, emits, 1, "expected one emitted event")
	assert.Equal(t, signal.EventCallAccept, emits[0].event)

	p, ok := emits[0].payload.(signal.CallAcceptPayload)
	assert.True(t, ok, "expected accept payload")
	assert.Equal(t, "u2", p.CallerId, "expected caller preserved")
	assert.Equal(t, "call_xyz", p.ChannelName, "expected channel carried through")
}

func TestAcceptWhileDisconnectedKeepsRinging(t *testing.T) {
	cc, ft := newTestCallController(t)

	ft.deliver(t, signal.EventCallIncoming, signal.CallIncomingPayload{
		CallerId: "u2", CalleeId: "u1", ChannelName: "call_xyz",
	})

	ft.mu.Lock()
	ft.emitOk = false
	ft.mu.Unlock()

	assert.ErrorIs(t, cc.Accept(context.Background()), ErrNotConnected, "expected accept refused while disconnected")
	assert.Equal(t, CallRinging, cc.State(), "expected call still ringing")

	// the ring stays answerable once the connection is back
	ft.mu.Lock()
	ft.emitOk = true
	ft.mu.Unlock()

	assert.NoError(t, cc.Accept(context.Background()))
	assert.Equal(t, CallAccepted, cc.State(), "expected accepted on retry")

	emits := ft.emittedEvents()
	assert.Len(t, emits, 1, "expected only the successful accept emitted")
	assert.Equal(t, signal.EventCallAccept, emits[0].event)
}

func TestIncomingCallRejected(t *testing.T) {
	cc, ft := newTestCallController(t)

	ft.deliver(t, signal.EventCallIncoming, signal.CallIncomingPayload{
		CallerId: "u2", CalleeId: "u1", ChannelName: "call_xyz",
	})

	assert.NoError(t, cc.Reject(context.Background(), "busy with something"))
	assert.Equal(t, CallRejected, cc.State(), "expected rejected state")

	emits := ft.emittedEvents()
	assert.Len(t, emits, 1)
	assert.Equal(t, signal.EventCallReject, emits[0].event)

	p := emits[0].payload.(signal.CallRejectPayload)
	assert.Equal(t, "busy with something", p.Reason, "expected reason relayed")
}

func TestSecondIncomingCallRejectedAsBusy(t *testing.T) {
	cc, ft := newTestCallController(t)

	ft.deliver(t, signal.EventCallIncoming, signal.CallIncomingPayload{
		CallerId: "u2", CalleeId: "u1", ChannelName: "call_one",
	})
	ft.deliver(t, signal.EventCallIncoming, signal.CallIncomingPayload{
		CallerId: "u3", CalleeId: "u1", ChannelName: "call_two",
	})

	call, active := cc.Current()
	assert.True(t, active)
	assert.Equal(t, "u2", call.PeerId, "expected first call kept")

	emits := ft.emittedEvents()
	assert.Len(t, emits, 1, "expected busy reject emitted")
	assert.Equal(t, signal.EventCallReject, emits[0].event)

	p := emits[0].payload.(signal.CallRejectPayload)
	assert.Equal(t, "u3", p.CallerId, "expected second caller rejected")
	assert.Equal(t, "busy", p.Reason)
}

func TestOutboundCallAccepted(t *testing.T) {
	cc, ft := newTestCallController(t)
	ft.requestFn = func(event string, payload any) (*signal.Ack, error) {
		return &signal.Ack{Success: true, Data: map[string]any{"channelName": "call_abc"}}, nil
	}

	_, err := cc.Place(context.Background(), "u2", types.CallAudio)
	assert.NoError(t, err)

	ft.deliver(t, signal.EventCallAccepted, signal.CallAcceptedPayload{
		CallerId:    "u1",
		CalleeId:    "u2",
		CalleeName:  "Viktor",
		ChannelName: "call_abc",
		Status:      "accepted",
	})

	assert.Equal(t, CallAccepted, cc.State(), "expected accepted after callee answers")

	call, _ := cc.Current()
	assert.Equal(t, "Viktor", call.PeerName, "expected peer name from accept")
}

func TestOutboundCallRejected(t *testing.T) {
	cc, ft := newTestCallController(t)
	ft.requestFn = func(event string, payload any) (*signal.Ack, error) {
		return &signal.Ack{Success: true, Data: map[string]any{"channelName": "call_abc"}}, nil
	}

	_, err := cc.Place(context.Background(), "u2", types.CallAudio)
	assert.NoError(t, err)

	ft.deliver(t, signal.EventCallRejected, signal.CallRejectedPayload{
		CallerId: "u1", CalleeId: "u2", Reason: "unavailable",
	})

	assert.Equal(t, CallRejected, cc.State(), "expected rejected after callee declines")
}

func TestCallEndedRemotely(t *testing.T) {
	cc, ft := newTestCallController(t)

	ft.deliver(t, signal.EventCallIncoming, signal.CallIncomingPayload{
		CallerId: "u2", CalleeId: "u1", ChannelName: "call_xyz",
	})
	assert.NoError(t, cc.Accept(context.Background()))

	ft.deliver(t, signal.EventCallEnded, signal.CallEndPayload{
		CallerId: "u2", CalleeId: "u1",
	})

	assert.Equal(t, CallEnded, cc.State(), "expected ended after remote hangup")

	_, active := cc.Current()
	assert.False(t, active, "expected no active call")
}

func TestEndInboundCall(t *testing.T) {
	cc, ft := newTestCallController(t)

	ft.deliver(t, signal.EventCallIncoming, signal.CallIncomingPayload{
		CallerId: "u2", CalleeId: "u1", ChannelName: "call_xyz",
	})
	assert.NoError(t, cc.Accept(context.Background()))
	assert.NoError(t, cc.End(context.Background()))

	emits := ft.emittedEvents()
	assert.Len(t, emits, 2, "expected accept then end")
	assert.Equal(t, signal.EventCallEnd, emits[1].event)

	p := emits[1].payload.(signal.CallEndPayload)
	assert.Equal(t, "u2", p.CallerId, "expected original caller kept as caller")
	assert.Equal(t, "u1", p.CalleeId)
}

func TestEndWithoutCall(t *testing.T) {
	cc, _ := newTestCallController(t)
	assert.ErrorIs(t, cc.End(context.Background()), ErrNoActiveCall)
	assert.ErrorIs(t, cc.Accept(context.Background()), ErrNoActiveCall)
	assert.ErrorIs(t, cc.Reject(context.Background(), "x"), ErrNoActiveCall)
}

func TestRingTimeoutOutbound(t *testing.T) {
	cc, ft := newTestCallController(t)
	cc.ringTimeout = 20 * time.Millisecond
	ft.requestFn = func(event string, payload any) (*signal.Ack, error) {
		return &signal.Ack{Success: true, Data: map[string]any{"channelName": "call_abc"}}, nil
	}

	_, err := cc.Place(context.Background(), "u2", types.CallAudio)
	assert.NoError(t, err)

	testutil.Eventually(t, time.Second, func() bool {
		return cc.State() == CallEnded
	}, "expected unanswered outbound ring to end")

	emits := ft.emittedEvents()
	assert.Len(t, emits, 1)
	assert.Equal(t, signal.EventCallEnd, emits[0].event, "expected hangup emitted on timeout")
}

func TestRingTimeoutInbound(t *testing.T) {
	cc, ft := newTestCallController(t)
	cc.ringTimeout = 20 * time.Millisecond

	ft.deliver(t, signal.EventCallIncoming, signal.CallIncomingPayload{
		CallerId: "u2", CalleeId: "u1", ChannelName: "call_xyz",
	})

	testutil.Eventually(t, time.Second, func() bool {
		return cc.State() == CallEnded
	}, "expected unanswered inbound ring to clear")

	emits := ft.emittedEvents()
	assert.Len(t, emits, 1)
	assert.Equal(t, signal.EventCallReject, emits[0].event)

	p := emits[0].payload.(signal.CallRejectPayload)
	assert.Equal(t, "no answer", p.Reason, "expected no-answer reason")
}
