package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/surrealdb/surrealcollab/pkg/auth"
	"github.com/surrealdb/surrealcollab/pkg/awareness"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/logger"
	"github.com/surrealdb/surrealcollab/pkg/protocol"
)

// conn is one websocket connection subscribed to one document. Messages for it
// are queued by the session and written by the conn's writer goroutine.
type conn struct {
	id       string
	doc      crdt.DocumentID
	ws       *websocket.Conn
	codec    protocol.Codec
	identity *auth.Identity
	client   crdt.ClientID
	conf     Config
	log      logger.Logger

	queue     chan *protocol.Message
	closed    chan struct{}
	mu        sync.Mutex
	closeCode int
	reason    string
	isClosed  bool
}

func newConn(id string, doc crdt.DocumentID, ws *websocket.Conn, codec protocol.Codec, identity *auth.Identity, conf Config, log logger.Logger) *conn {
	return &conn{
		id:       id,
		doc:      doc,
		ws:       ws,
		codec:    codec,
		identity: identity,
		conf:     conf,
		log:      log,
		queue:    make(chan *protocol.Message, conf.SendQueueSize),
		closed:   make(chan struct{}),
	}
}

func (c *conn) ClientID() crdt.ClientID {
	return c.client
}

func (c *conn) User() awareness.User {
	return awareness.User{
		ID:    c.identity.Subject,
		Name:  c.identity.DisplayName(),
		Color: awareness.ColorFor(c.identity.Subject),
	}
}

// Send queues msg. A full queue closes the connection; the client recovers by
// reconnecting and re-running the handshake.
func (c *conn) Send(msg *protocol.Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.queue <- msg:
		return true
	default:
		c.log.Warn("send queue overflow", "conn", c.id, "document", c.doc, "client", c.client, "queued", len(c.queue))
		c.close(websocket.CloseTryAgainLater)
		return false
	}
}

// close stops the writer, which sends a close frame with code and then closes the
// socket.
func (c *conn) close(code int) {
	c.closeWith(code, closeReason(code))
}

func (c *conn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return
	}
	c.isClosed = true
	c.closeCode = code
	c.reason = reason
	close(c.closed)
}

func (c *conn) read() (*protocol.Message, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if (kind == websocket.BinaryMessage) != c.codec.Binary() {
		return nil, errFrameType
	}
	var msg protocol.Message
	if err := c.codec.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

var errFrameType = errors.New("hub: frame type does not match subprotocol")

func (c *conn) write(msg *protocol.Message) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	kind := websocket.TextMessage
	if c.codec.Binary() {
		kind = websocket.BinaryMessage
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.conf.WriteTimeout))
	return c.ws.WriteMessage(kind, data)
}

// writePump owns all writes to the socket.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.conf.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				c.log.Debug("write failed", "conn", c.id, "error", err)
				c.close(websocket.CloseAbnormalClosure)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.conf.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure)
				return
			}
		case <-c.closed:
			c.mu.Lock()
			code, reason := c.closeCode, c.reason
			c.mu.Unlock()
			if code != websocket.CloseAbnormalClosure {
				if code != websocket.CloseTryAgainLater {
					c.drain()
				}
				deadline := time.Now().Add(c.conf.WriteTimeout)
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
			}
			return
		}
	}
}

// drain writes whatever is still queued, so a rejection notice reaches the client
// before the close frame.
func (c *conn) drain() {
	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func closeReason(code int) string {
	switch code {
	case websocket.CloseTryAgainLater:
		return "send queue overflow"
	case websocket.ClosePolicyViolation:
		return "handshake rejected"
	case websocket.CloseGoingAway:
		return "server shutting down"
	default:
		return ""
	}
}
