package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/chatline/chatline/internal/signal"
	"github.com/chatline/chatline/internal/testutil"
	"github.com/chatline/chatline/internal/types"
)

// wsServer is a minimal signaling endpoint for session tests: it
// records every inbound frame and hands each one to onFrame for the
// test to answer.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	onFrame func(conn *websocket.Conn, frame *signal.Frame)

	conns  atomic.Int64
	mu     sync.Mutex
	frames []signal.Frame
}

func startWsServer(t *testing.T, onFrame func(conn *websocket.Conn, frame *signal.Frame)) *wsServer {
	ws := &wsServer{t: t, onFrame: onFrame}
	ws.srv = httptest.NewServer(http.HandlerFunc(ws.handle))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	assert.Equal(ws.t, "Bearer test-token", r.Header.Get("Authorization"), "expected bearer token on dial")

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	ws.conns.Add(1)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame signal.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			ws.t.Errorf("bad frame from client: %v", err)
			continue
		}

		ws.mu.Lock()
		ws.frames = append(ws.frames, frame)
		ws.mu.Unlock()

		if ws.onFrame != nil {
			ws.onFrame(conn, &frame)
		}
	}
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) receivedFrames() []signal.Frame {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]signal.Frame, len(ws.frames))
	copy(out, ws.frames)
	return out
}

func writeFrameTo(conn *websocket.Conn, frame *signal.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func newTestSession(t *testing.T, url string) *Session {
	s := NewSession(url, "test-token", types.User{Id: "u1", DisplayName: "Uma"}, testutil.TestLogger(t))
	s.reconnectDelay = 10 * time.Millisecond
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectJoinsIdentityRoom(t *testing.T) {
	ws := startWsServer(t, nil)
	s := newTestSession(t, ws.url())

	assert.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Connected(), "expected session connected")

	testutil.Eventually(t, time.Second, func() bool {
		return len(ws.receivedFrames()) >= 1
	}, "expected join frame on connect")

	frames := ws.receivedFrames()
	assert.Equal(t, signal.EventJoin, frames[0].Event, "expected join event first")
	assert.Zero(t, frames[0].Id, "expected fire-and-forget join")

	var p signal.JoinPayload
	assert.NoError(t, json.Unmarshal(frames[0].Payload, &p))
	assert.Equal(t, signal.UserRoom("u1"), p.Room, "expected identity room joined")
}

func TestRequestCorrelatesAck(t *testing.T) {
	ws := startWsServer(t, func(conn *websocket.Conn, frame *signal.Frame) {
		if frame.Id == 0 {
			return
		}
		writeFrameTo(conn, signal.AckOK(frame.Id, map[string]any{"isConnected": true}))
	})
	s := newTestSession(t, ws.url())
	assert.NoError(t, s.Connect(context.Background()))

	ack, err := s.Request(context.Background(), signal.EventCheckUserConnected, signal.PresencePayload{UserId: "u2"})
	assert.NoError(t, err)
	assert.True(t, ack.Success, "expected successful ack")
	assert.Equal(t, true, ack.Data["isConnected"], "expected ack data carried through")
}

func TestRequestFailedAckIsNotAnError(t *testing.T) {
	ws := startWsServer(t, func(conn *websocket.Conn, frame *signal.Frame) {
		if frame.Id == 0 {
			return
		}
		writeFrameTo(conn, signal.AckError(frame.Id, "unknown event"))
	})
	s := newTestSession(t, ws.url())
	assert.NoError(t, s.Connect(context.Background()))

	ack, err := s.Request(context.Background(), "bogus", nil)
	assert.NoError(t, err, "expected failed ack returned, not an error")
	assert.False(t, ack.Success)
	assert.Equal(t, "unknown event", ack.Error)
}

func TestRequestTimesOut(t *testing.T) {
	ws := startWsServer(t, nil) // never acks
	s := newTestSession(t, ws.url())
	assert.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Request(ctx, signal.EventCheckUserConnected, signal.PresencePayload{UserId: "u2"})
	assert.ErrorIs(t, err, context.DeadlineExceeded, "expected timeout without ack")
}

func TestEmitAndRequestWhileDisconnected(t *testing.T) {
	s := NewSession("ws://127.0.0.1:0", "test-token", types.User{Id: "u1"}, testutil.TestLogger(t))

	assert.False(t, s.Emit("new_message", nil), "expected emit to report not connected")

	_, err := s.Request(context.Background(), signal.EventJoin, signal.JoinPayload{Room: "r"})
	assert.Error(t, err, "expected request to fail when disconnected")
}

func TestOnReplacesHandler(t *testing.T) {
	s := NewSession("ws://127.0.0.1:0", "test-token", types.User{Id: "u1"}, testutil.TestLogger(t))

	var first, second int
	s.On(signal.EventNewMessage, func(f *signal.Frame) { first++ })
	s.On(signal.EventNewMessage, func(f *signal.Frame) { second++ })

	frame, err := signal.NewEventFrame(signal.EventNewMessage, nil)
	assert.NoError(t, err)
	s.dispatch(frame)

	assert.Zero(t, first, "expected replaced handler never called")
	assert.Equal(t, 1, second, "expected current handler called")

	s.Off(signal.EventNewMessage)
	s.dispatch(frame)
	assert.Equal(t, 1, second, "expected no call after Off")
}

func TestServerPushDispatchesToHandler(t *testing.T) {
	ws := startWsServer(t, func(conn *websocket.Conn, frame *signal.Frame) {
		if frame.Event != signal.EventJoin {
			return
		}
		push, _ := signal.NewEventFrame(signal.EventNewMessage, signal.ChatMessagePayload{
			MessageId: "m1", ConversationId: "c1", SenderId: "u2", Content: "hi",
		})
		writeFrameTo(conn, push)
	})

	s := newTestSession(t, ws.url())

	received := make(chan *signal.Frame, 1)
	s.On(signal.EventNewMessage, func(f *signal.Frame) { received <- f })

	assert.NoError(t, s.Connect(context.Background()))

	select {
	case f := <-received:
		var p signal.ChatMessagePayload
		assert.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, "m1", p.MessageId, "expected pushed message dispatched")
	case <-time.After(time.Second):
		t.Fatal("expected pushed frame to reach handler")
	}
}

func TestReconnectRejoinsRooms(t *testing.T) {
	var dropped atomic.Bool
	ws := startWsServer(t, func(conn *websocket.Conn, frame *signal.Frame) {
		if frame.Id != 0 && frame.Event == signal.EventJoin {
			writeFrameTo(conn, signal.AckOK(frame.Id, nil))
			return
		}
		// kill the first connection after its identity join
		if dropped.CompareAndSwap(false, true) {
			conn.Close()
		}
	})

	s := newTestSession(t, ws.url())
	assert.NoError(t, s.Connect(context.Background()))

	testutil.Eventually(t, 2*time.Second, func() bool {
		return ws.conns.Load() >= 2 && s.Connected()
	}, "expected session to redial after drop")

	// both connections saw the identity room join
	testutil.Eventually(t, 2*time.Second, func() bool {
		joins := 0
		for _, f := range ws.receivedFrames() {
			if f.Event != signal.EventJoin {
				continue
			}
			var p signal.JoinPayload
			if json.Unmarshal(f.Payload, &p) == nil && p.Room == signal.UserRoom("u1") {
				joins++
			}
		}
		return joins >= 2
	}, "expected identity room rejoined after reconnect")
}

func TestReconnectDoesNotReplayConversationRooms(t *testing.T) {
	ws := startWsServer(t, func(conn *websocket.Conn, frame *signal.Frame) {
		if frame.Id != 0 && frame.Event == signal.EventJoin {
			writeFrameTo(conn, signal.AckOK(frame.Id, map[string]any{"roomSize": 1}))
		}
	})

	s := newTestSession(t, ws.url())
	assert.NoError(t, s.Connect(context.Background()))

	assert.NoError(t, s.Join(context.Background(), signal.ConversationRoom("c1")))

	// drop the connection after the conversation join landed
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	conn.Close()

	testutil.Eventually(t, 2*time.Second, func() bool {
		return ws.conns.Load() >= 2 && s.Connected()
	}, "expected session to redial after drop")

	// the fresh connection gets the identity room back, nothing else
	testutil.Eventually(t, 2*time.Second, func() bool {
		identity := 0
		for _, f := range ws.receivedFrames() {
			var p signal.JoinPayload
			if f.Event == signal.EventJoin && json.Unmarshal(f.Payload, &p) == nil && p.Room == signal.UserRoom("u1") {
				identity++
			}
		}
		return identity >= 2
	}, "expected identity room rejoined after reconnect")

	conversationJoins := 0
	for _, f := range ws.receivedFrames() {
		var p signal.JoinPayload
		if f.Event == signal.EventJoin && json.Unmarshal(f.Payload, &p) == nil && p.Room == signal.ConversationRoom("c1") {
			conversationJoins++
		}
	}
	assert.Equal(t, 1, conversationJoins, "expected conversation join never replayed on reconnect")
}

func TestConnectAgainReplacesConnection(t *testing.T) {
	ws := startWsServer(t, func(conn *websocket.Conn, frame *signal.Frame) {
		if frame.Id != 0 {
			writeFrameTo(conn, signal.AckOK(frame.Id, nil))
		}
	})

	s := newTestSession(t, ws.url())
	assert.NoError(t, s.Connect(context.Background()))
	assert.NoError(t, s.Connect(context.Background()))

	// the superseded loop must not treat its closed conn as a drop and
	// start redialing against the live one
	time.Sleep(20 * s.reconnectDelay)
	assert.LessOrEqual(t, ws.conns.Load(), int64(3), "expected no dial churn after a second connect")
	assert.True(t, s.Connected(), "expected replacement connection alive")

	ack, err := s.Request(context.Background(), signal.EventCheckUserConnected, signal.PresencePayload{UserId: "u2"})
	assert.NoError(t, err, "expected requests to work on the replacement connection")
	assert.True(t, ack.Success)
}

func TestCloseStopsReconnect(t *testing.T) {
	ws := startWsServer(t, nil)
	s := newTestSession(t, ws.url())
	assert.NoError(t, s.Connect(context.Background()))

	connsBefore := ws.conns.Load()
	assert.NoError(t, s.Close())
	assert.False(t, s.Connected(), "expected disconnected after close")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, connsBefore, ws.conns.Load(), "expected no redial after close")

	assert.Error(t, s.Connect(context.Background()), "expected connect refused after close")
}
