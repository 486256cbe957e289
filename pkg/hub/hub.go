// Package hub is the websocket front of the collaboration server. It
// authenticates connections, runs the sync handshake, and relays client messages
// to the document sessions. Encoding and socket writes happen on each
// connection's own writer goroutine; sessions only queue messages.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/surrealdb/surrealcollab/pkg/auth"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/logger"
	"github.com/surrealdb/surrealcollab/pkg/protocol"
	"github.com/surrealdb/surrealcollab/pkg/session"
	"golang.org/x/time/rate"
)

const (
	DefaultSendQueueSize    = 256
	DefaultWriteTimeout     = 10 * time.Second
	DefaultPongTimeout      = 60 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxMessageSize   = 4 << 20
)

// DocumentIDVar is the mux route variable holding the document id.
const DocumentIDVar = "documentID"

var (
	ErrInvalidDocumentID = errors.New("hub: document id must be a UUID")
	ErrHandshake         = errors.New("hub: invalid handshake")
	ErrRateLimited       = errors.New("hub: message rate exceeded")
)

type Config struct {
	// SendQueueSize bounds each connection's outbound queue. A connection whose
	// queue overflows is closed.
	SendQueueSize int

	WriteTimeout time.Duration

	// PongTimeout is how long a silent connection lives; pings are sent at 9/10
	// of it.
	PongTimeout  time.Duration
	PingInterval time.Duration

	HandshakeTimeout time.Duration
	MaxMessageSize   int64

	// AllowedOrigins restricts browser origins. Empty allows every origin.
	AllowedOrigins []string

	// UpgradeRate and UpgradeBurst limit websocket upgrades per remote IP; over
	// the limit the request gets 429. A zero rate disables the limit.
	UpgradeRate  rate.Limit
	UpgradeBurst int

	// MessageRate and MessageBurst limit the messages one connection may send
	// after the handshake; a connection over the limit is closed with "policy
	// violation". A zero rate disables the limit.
	MessageRate  rate.Limit
	MessageBurst int
}

func (c Config) withDefaults() Config {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.UpgradeBurst <= 0 {
		c.UpgradeBurst = defaultBurst(c.UpgradeRate)
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = defaultBurst(c.MessageRate)
	}
	return c
}

// Hub serves GET /ws/{documentID}.
type Hub struct {
	registry   *session.Registry
	verifier   auth.Verifier
	authorizer auth.Authorizer
	conf       Config
	log        logger.Logger
	upgrader   websocket.Upgrader
	visitors   *visitors // nil without an upgrade limit

	mu       sync.Mutex
	conns    map[*conn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

func New(registry *session.Registry, verifier auth.Verifier, authorizer auth.Authorizer, conf Config, log logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	h := &Hub{
		registry:   registry,
		verifier:   verifier,
		authorizer: authorizer,
		conf:       conf.withDefaults(),
		log:        log,
		conns:      make(map[*conn]struct{}),
	}
	if h.conf.UpgradeRate > 0 {
		h.visitors = newVisitors(h.conf.UpgradeRate, h.conf.UpgradeBurst)
	}
	h.upgrader = websocket.Upgrader{
		Subprotocols: protocol.Subprotocols,
		CheckOrigin:  h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.conf.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.conf.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// ParseDocumentID validates and canonicalises a document id.
func ParseDocumentID(s string) (crdt.DocumentID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDocumentID, s)
	}
	return crdt.DocumentID(id.String()), nil
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.visitors != nil {
		if ip := remoteIP(r); !h.visitors.allow(ip, time.Now()) {
			h.log.Warn("upgrade rate exceeded", "remote", ip)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}
	docID, err := ParseDocumentID(mux.Vars(r)[DocumentIDVar])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	identity, err := h.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		h.log.Info("rejected connection", "document", docID, "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.authorizer.CanSubscribe(r.Context(), identity, docID); err != nil {
		h.log.Info("forbidden connection", "document", docID, "subject", identity.Subject, "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.log.Debug("upgrade failed", "document", docID, "error", err)
		return
	}
	codec, err := protocol.ForSubprotocol(ws.Subprotocol())
	if err != nil {
		_ = ws.Close()
		return
	}

	c := newConn(strings.ToLower(ulid.Make().String()), docID, ws, codec, identity, h.conf, h.log)
	if !h.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, closeReason(websocket.CloseGoingAway)), time.Now().Add(h.conf.WriteTimeout))
		_ = ws.Close()
		return
	}
	defer h.untrack(c)
	h.serve(c)
}

func (h *Hub) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}

// serve runs the handshake and then the read loop until the connection ends.
func (h *Hub) serve(c *conn) {
	log := h.log
	ctx := context.Background()

	c.ws.SetReadLimit(h.conf.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.conf.HandshakeTimeout))
	hello, err := c.read()
	if err == nil {
		err = checkHello(c.doc, hello)
	}
	if err != nil {
		log.Info("handshake failed", "conn", c.id, "document", c.doc, "error", err)
		_ = c.write(protocol.Error(c.doc, err))
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReason(websocket.ClosePolicyViolation)), time.Now().Add(h.conf.WriteTimeout))
		_ = c.ws.Close()
		return
	}
	c.client = hello.ClientID

	s, err := h.registry.Acquire(ctx, c.doc)
	if err != nil {
		log.Error("could not open document", "conn", c.id, "document", c.doc, "error", err)
		_ = c.write(protocol.Error(c.doc, err))
		_ = c.ws.Close()
		return
	}
	defer h.registry.Release(s)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()
	defer func() {
		c.close(websocket.CloseNormalClosure)
		<-writerDone
	}()

	if err := s.Join(ctx, c, hello.StateVector); err != nil {
		log.Info("join rejected", "conn", c.id, "document", c.doc, "client", c.client, "error", err)
		c.Send(protocol.Error(c.doc, err))
		c.close(websocket.ClosePolicyViolation)
		return
	}
	defer func() {
		if err := s.Leave(ctx, c.client); err != nil && !errors.Is(err, session.ErrSessionClosed) {
			log.Warn("leave failed", "conn", c.id, "error", err)
		}
	}()
	log.Info("client connected", "conn", c.id, "document", c.doc, "client", c.client, "subject", c.identity.Subject, "subprotocol", c.codec.Subprotocol())

	_ = c.ws.SetReadDeadline(time.Now().Add(h.conf.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.conf.PongTimeout))
	})
	// The writer answers a client's close frame once the client has left the
	// session.
	c.ws.SetCloseHandler(func(int, string) error { return nil })

	var limiter *rate.Limiter
	if h.conf.MessageRate > 0 {
		limiter = rate.NewLimiter(h.conf.MessageRate, h.conf.MessageBurst)
	}
	for {
		msg, err := c.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("connection lost", "conn", c.id, "error", err)
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			log.Warn("message rate exceeded, closing", "conn", c.id, "document", c.doc, "client", c.client)
			c.Send(protocol.Error(c.doc, ErrRateLimited))
			c.closeWith(websocket.ClosePolicyViolation, "message rate exceeded")
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.conf.PongTimeout))
		if err := h.dispatch(ctx, s, c, msg); err != nil {
			if !errors.Is(err, session.ErrSessionClosed) {
				log.Warn("dispatch failed", "conn", c.id, "kind", msg.Kind, "error", err)
			}
			return
		}
	}
}

func checkHello(doc crdt.DocumentID, msg *protocol.Message) error {
	if msg.Kind != protocol.KindSyncRequest {
		return fmt.Errorf("%w: expected %s, got %q", ErrHandshake, protocol.KindSyncRequest, msg.Kind)
	}
	if msg.ClientID == "" {
		return fmt.Errorf("%w: missing client id", ErrHandshake)
	}
	if msg.DocumentID != "" {
		id, err := ParseDocumentID(string(msg.DocumentID))
		if err != nil || id != doc {
			return fmt.Errorf("%w: document %q does not match %q", ErrHandshake, msg.DocumentID, doc)
		}
	}
	return nil
}

func (h *Hub) dispatch(ctx context.Context, s *session.Session, c *conn, msg *protocol.Message) error {
	switch msg.Kind {
	case protocol.KindUpdate:
		return s.Submit(ctx, c.client, msg.Operations)
	case protocol.KindAwareness:
		return s.SetPresence(ctx, c.client, msg.Awareness)
	case protocol.KindAck:
		return s.Ack(ctx, c.client, msg.StateVector)
	case protocol.KindSnapshotRequest:
		return s.SendSnapshot(ctx, c.client)
	default:
		c.Send(protocol.Error(c.doc, fmt.Errorf("unexpected message kind %q", msg.Kind)))
		return nil
	}
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown refuses new connections, closes the open ones with "going away" and
// waits for their handlers to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	for c := range h.conns {
		c.close(websocket.CloseGoingAway)
		// Unblock the reader.
		_ = c.ws.SetReadDeadline(time.Now())
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
