package signal

import (
	"log"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatline/chatline/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one live websocket connection of an authenticated identity.
// A single identity may hold several clients at once (multi-device).
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *SignalServer
	log      *log.Logger
	user     types.User
	send     chan *Frame
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, s *SignalServer, l *log.Logger) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		log:    l,
		user:   user,
		send:   make(chan *Frame, 256),
		stop:   make(chan struct{}),
	}
}

func (c *Client) UserId() string {
	return c.user.Id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("write exiting for connection %s", c.id)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeFrame(frame)
			if err != nil {
				c.log.Println("failed to serialize frame:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("read exiting for connection %s", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("error parsing frame:", err)
			c.queueFrame(ErrInvalidEvent(0))
			continue
		}

		c.server.dispatch(c, &frame)
	}
}

func (c *Client) queueFrame(frame *Frame) bool {
	select {
	case c.send <- frame:
	default:
		c.log.Printf("failed to queue frame for connection %s, channel is full", c.id)
		return false
	}

	return true
}

// ack answers a frame that requested an acknowledgment. Frames with id
// zero are fire-and-forget; their outcome is only logged server-side.
func (c *Client) ack(req *Frame, resp *Frame) {
	if req.Id == 0 {
		if resp.Ack != nil && !resp.Ack.Success {
			c.log.Printf("dropping failed %q event without ack: %s", req.Event, resp.Ack.Error)
		}
		return
	}

	resp.Id = req.Id
	c.queueFrame(resp)
}

func serializeFrame(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.server.DeregisterClient(c)
	c.stopClient()
}
