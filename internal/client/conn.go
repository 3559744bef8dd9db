package client

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/chatline/chatline/internal/signal"
	"github.com/chatline/chatline/internal/types"
)

const (
	writeWait             = 10 * time.Second
	defaultReconnectDelay = 2 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// HandlerFunc consumes a server-pushed frame for a subscribed event.
type HandlerFunc func(*signal.Frame)

// Transport is the event-channel surface the call controller and message
// store drive. Session is the production implementation.
type Transport interface {
	Emit(event string, payload any) bool
	Request(ctx context.Context, event string, payload any) (*signal.Ack, error)
	Join(ctx context.Context, room string) error
	On(event string, fn HandlerFunc)
	Off(event string)
}

// Session owns one websocket connection to the signaling server and
// keeps it alive: after a dropped connection it redials on a fixed
// delay until Close, re-joining the identity room on every successful
// (re)connect. Conversation and direct rooms are never replayed;
// callers re-request those joins themselves.
type Session struct {
	url    string
	token  string
	user   types.User
	log    *log.Logger
	dialer *websocket.Dialer

	reconnectDelay time.Duration

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex

	nextId    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *signal.Ack

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	runMu   sync.Mutex
	runStop chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(url, token string, user types.User, logger *log.Logger) *Session {
	return &Session{
		url:            url,
		token:          token,
		user:           user,
		log:            logger,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: defaultReconnectDelay,
		pending:        make(map[int64]chan *signal.Ack),
		handlers:       make(map[string]HandlerFunc),
		done:           make(chan struct{}),
	}
}

// Connect dials the server and starts the read loop. The initial dial
// failure is returned to the caller; once connected, later drops are
// handled by redialing in the background until Close. Connecting again
// tears down the previous connection and its reconnect loop before
// starting a new one.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}

	s.runMu.Lock()
	if s.runStop != nil {
		close(s.runStop)
	}
	stop := make(chan struct{})
	s.runStop = stop
	s.runMu.Unlock()

	if err := s.dial(ctx); err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	go s.run(stop)
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}

	s.connMu.Lock()
	if old := s.conn; old != nil {
		old.Close()
	}
	s.conn = conn
	s.connected = true
	s.connMu.Unlock()

	s.joinIdentityRoom()
	return nil
}

// joinIdentityRoom subscribes the connection to the user's identity
// room. Fire-and-forget: the server joins regardless of frame id. Only
// the identity room is replayed on reconnect; callers re-request
// conversation and direct room joins themselves.
func (s *Session) joinIdentityRoom() {
	room := signal.UserRoom(s.user.Id)
	frame, err := signal.NewEventFrame(signal.EventJoin, signal.JoinPayload{Room: room})
	if err != nil {
		s.log.Printf("join %s: %v", room, err)
		return
	}
	if err := s.writeFrame(frame); err != nil {
		s.log.Printf("join %s: %v", room, err)
	}
}

// run reads frames until the connection drops, then redials on a fixed
// delay until it succeeds, the session is closed, or a newer Connect
// call supersedes this loop.
func (s *Session) run(stop chan struct{}) {
	for {
		s.readLoop()

		select {
		case <-s.done:
			return
		case <-stop:
			return
		default:
		}

		s.log.Println("connection lost, reconnecting")
		for {
			select {
			case <-s.done:
				return
			case <-stop:
				return
			case <-time.After(s.reconnectDelay):
			}

			if err := s.dial(context.Background()); err != nil {
				s.log.Printf("reconnect: %v", err)
				continue
			}
			break
		}
	}
}

func (s *Session) readLoop() {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.markDisconnected(conn)
			return
		}

		var frame signal.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log.Printf("bad frame: %v", err)
			continue
		}

		if frame.Ack != nil && frame.Id != 0 {
			s.resolvePending(frame.Id, frame.Ack)
			continue
		}

		s.dispatch(&frame)
	}
}

func (s *Session) dispatch(frame *signal.Frame) {
	s.handlersMu.RLock()
	fn, ok := s.handlers[frame.Event]
	s.handlersMu.RUnlock()

	if !ok {
		s.log.Printf("no handler for event %q", frame.Event)
		return
	}

	fn(frame)
}

func (s *Session) markDisconnected(conn *websocket.Conn) {
	s.connMu.Lock()
	current := s.conn == conn
	if current {
		s.connected = false
	}
	s.connMu.Unlock()
	conn.Close()

	// a stale conn dying after a newer Connect must not fail requests
	// in flight on the replacement
	if current {
		s.failPending()
	}
}

func (s *Session) Connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connected
}

// On registers the handler for an event, replacing any previous one.
func (s *Session) On(event string, fn HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[event] = fn
}

func (s *Session) Off(event string) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	delete(s.handlers, event)
}

// Emit sends a fire-and-forget event. It reports false when the frame
// could not be written, typically because the session is disconnected.
func (s *Session) Emit(event string, payload any) bool {
	if !s.Connected() {
		return false
	}

	frame, err := signal.NewEventFrame(event, payload)
	if err != nil {
		s.log.Printf("emit %s: %v", event, err)
		return false
	}

	if err := s.writeFrame(frame); err != nil {
		s.log.Printf("emit %s: %v", event, err)
		return false
	}
	return true
}

// Request sends an event with a correlation id and waits for the
// matching ack. A failed ack is returned as-is, not as an error; the
// error path covers transport and timeout failures only.
func (s *Session) Request(ctx context.Context, event string, payload any) (*signal.Ack, error) {
	if !s.Connected() {
		return nil, fmt.Errorf("not connected")
	}

	frame, err := signal.NewEventFrame(event, payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	frame.Id = s.nextId.Add(1)

	ch := make(chan *signal.Ack, 1)
	s.pendingMu.Lock()
	s.pending[frame.Id] = ch
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, frame.Id)
		s.pendingMu.Unlock()
	}()

	if err := s.writeFrame(frame); err != nil {
		return nil, fmt.Errorf("write %s: %w", event, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	select {
	case ack := <-ch:
		if ack == nil {
			return nil, fmt.Errorf("connection lost")
		}
		return ack, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Join subscribes this session to a room. The membership lives on the
// current connection only; after a reconnect the caller must join
// again (the message store does so before every emit).
func (s *Session) Join(ctx context.Context, room string) error {
	ack, err := s.Request(ctx, signal.EventJoin, signal.JoinPayload{Room: room})
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("join %s: %s", room, ack.Error)
	}

	return nil
}

func (s *Session) resolvePending(id int64, ack *signal.Ack) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	if ok {
		ch <- ack
	} else {
		s.log.Printf("ack for unknown frame id %d", id)
	}
}

// failPending closes every in-flight request channel; Request reports a
// closed channel as a lost connection.
func (s *Session) failPending() {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
	s.pendingMu.Unlock()
}

func (s *Session) writeFrame(frame *signal.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	conn := s.conn
	connected := s.connected
	s.connMu.Unlock()
	if conn == nil || !connected {
		return fmt.Errorf("not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the session down for good; no reconnect is attempted.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.connected = false
		}
		s.connMu.Unlock()
		s.failPending()
	})
	return nil
}
