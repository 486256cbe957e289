// Package client is a Go replica of a collaborative document. It connects to the
// server's websocket endpoint, keeps a local crdt.Doc in sync, and sends local
// edits as operations.
//
// Edits are applied locally first and never block on the network. While
// disconnected they accumulate in the local replica; Reconnect re-runs the
// handshake and sends whatever the server is missing. A client told to resync
// fetches the full document state and replays its own unsent edits on top.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/surrealdb/surrealcollab/pkg/awareness"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/logger"
	"github.com/surrealdb/surrealcollab/pkg/protocol"
)

// ErrNotConnected is returned by requests that need the server, such as
// SetCursor, while offline. Edits made offline are kept and sent on Reconnect.
var ErrNotConnected = errors.New("client: not connected")

type Config struct {
	// URL is the server base URL, e.g. "ws://localhost:8080".
	URL        string
	DocumentID crdt.DocumentID

	// ClientID identifies this replica. A random id is generated when empty.
	ClientID crdt.ClientID
	Token    string

	// Subprotocol selects the wire codec. Empty selects CBOR.
	Subprotocol string

	HandshakeTimeout time.Duration

	// PresenceInterval is how often the cursor is re-sent while one is set, so
	// the server keeps this client's presence alive. Defaults to half of
	// awareness.DefaultTimeout.
	PresenceInterval time.Duration

	Logger logger.Logger
}

// Client is one replica. It is safe for concurrent use.
type Client struct {
	conf  Config
	codec protocol.Codec
	log   logger.Logger

	mu      sync.Mutex
	doc     *crdt.Doc
	peers   map[crdt.ClientID]awareness.State
	errs    []string
	resyncs int
	// remote is the server's state vector as of the last handshake.
	remote  crdt.StateVector
	cursor  *crdt.Position
	changed chan struct{}

	editMu  sync.Mutex // keeps a client's updates in sequence order on the wire
	writeMu sync.Mutex
	ws      *websocket.Conn
	done    chan struct{}
	readErr error
}

// Dial connects and completes the handshake.
func Dial(ctx context.Context, conf Config) (*Client, error) {
	if conf.ClientID == "" {
		conf.ClientID = crdt.ClientID(strings.ToLower(ulid.Make().String()))
	}
	if conf.HandshakeTimeout <= 0 {
		conf.HandshakeTimeout = 10 * time.Second
	}
	if conf.PresenceInterval <= 0 {
		conf.PresenceInterval = awareness.DefaultTimeout / 2
	}
	if conf.Logger == nil {
		conf.Logger = logger.Nop()
	}
	codec, err := protocol.ForSubprotocol(conf.Subprotocol)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conf:    conf,
		codec:   codec,
		log:     conf.Logger,
		doc:     crdt.NewDoc(conf.ClientID),
		peers:   make(map[crdt.ClientID]awareness.State),
		changed: make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ClientID() crdt.ClientID {
	return c.conf.ClientID
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.conf.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + string(c.conf.DocumentID)
	return u.String(), nil
}

func (c *Client) connect(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.conf.Token != "" {
		header.Set("Authorization", "Bearer "+c.conf.Token)
	}
	dialer := websocket.Dialer{
		Subprotocols:     []string{c.codec.Subprotocol()},
		HandshakeTimeout: c.conf.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c.mu.Lock()
	vector := c.doc.Vector()
	c.mu.Unlock()
	if err := c.writeTo(ws, protocol.SyncRequest(c.conf.DocumentID, c.conf.ClientID, vector)); err != nil {
		_ = ws.Close()
		return err
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.conf.HandshakeTimeout))
	if err := c.handshake(ws); err != nil {
		_ = ws.Close()
		return err
	}
	_ = ws.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()
	c.mu.Lock()
	c.done = done
	c.readErr = nil
	c.mu.Unlock()
	go c.readLoop(ws, done)
	go c.heartbeat(done)

	if err := c.flushLocal(); err != nil {
		return err
	}
	if err := c.sendPresence(); err != nil {
		c.log.Debug("presence failed", "document", c.conf.DocumentID, "error", err)
	}
	return nil
}

// handshake waits for the sync response, fetching a full snapshot when the
// server asks for a resync.
func (c *Client) handshake(ws *websocket.Conn) error {
	for {
		msg, err := c.readFrom(ws)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		switch msg.Kind {
		case protocol.KindSyncResponse:
			c.mu.Lock()
			c.applyLocked(msg.Operations)
			c.remote = msg.StateVector
			c.mu.Unlock()
			return nil
		case protocol.KindResyncRequired:
			if err := c.writeTo(ws, &protocol.Message{Kind: protocol.KindSnapshotRequest, DocumentID: c.conf.DocumentID, ClientID: c.conf.ClientID}); err != nil {
				return err
			}
		case protocol.KindSnapshotResponse:
			if err := c.resync(msg); err != nil {
				return err
			}
			return nil
		case protocol.KindError:
			return fmt.Errorf("handshake rejected: %s", msg.Error)
		case protocol.KindAwareness, protocol.KindUpdate:
			// Updates broadcast before the snapshot is taken are contained in it.
			c.handle(msg)
		default:
			return fmt.Errorf("handshake: unexpected %q", msg.Kind)
		}
	}
}

// resync replaces the replica with the server's state, keeping local edits the
// server has not seen.
func (c *Client) resync(msg *protocol.Message) error {
	fresh, err := crdt.UnmarshalState(msg.State, c.conf.ClientID)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	local, err := c.doc.Diff(fresh.Vector())
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	for _, op := range local {
		if _, err := fresh.Apply(op); err != nil {
			c.log.Warn("dropping local operation on resync", "op", op.ID.String(), "error", err)
		}
	}
	c.doc = fresh
	c.remote = msg.StateVector
	c.resyncs++
	c.notifyLocked()
	c.log.Info("resynced", "document", c.conf.DocumentID, "vector", fresh.Vector().String())
	return nil
}

// flushLocal sends the local operations the server has not acknowledged in the
// handshake.
func (c *Client) flushLocal() error {
	c.mu.Lock()
	ops, err := c.doc.Diff(c.remote)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("collect local operations: %w", err)
	}
	var own []crdt.Operation
	for _, op := range ops {
		if op.ID.Client == c.conf.ClientID {
			own = append(own, op)
		}
	}
	if len(own) > 0 {
		if err := c.write(protocol.Update(c.conf.DocumentID, c.conf.ClientID, own)); err != nil {
			return err
		}
	}
	c.ack()
	return nil
}

// ack reports the local vector so the server may compact history this replica
// no longer needs.
func (c *Client) ack() {
	c.mu.Lock()
	vector := c.doc.Vector()
	c.mu.Unlock()
	if err := c.write(protocol.Ack(c.conf.DocumentID, c.conf.ClientID, vector)); err != nil {
		c.log.Debug("ack failed", "document", c.conf.DocumentID, "error", err)
	}
}

// heartbeat re-sends the cursor until the connection behind done ends.
func (c *Client) heartbeat(done chan struct{}) {
	ticker := time.NewTicker(c.conf.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.sendPresence(); err != nil {
				c.log.Debug("presence heartbeat failed", "document", c.conf.DocumentID, "error", err)
			}
		}
	}
}

// sendPresence publishes the current cursor. Without one it sends nothing.
func (c *Client) sendPresence() error {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()
	if cursor == nil {
		return nil
	}
	return c.write(protocol.Awareness(c.conf.DocumentID, c.conf.ClientID, &awareness.State{Cursor: cursor}))
}

func (c *Client) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msg, err := c.readFrom(ws)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.notifyLocked()
			c.mu.Unlock()
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindUpdate:
		c.mu.Lock()
		c.applyLocked(msg.Operations)
		c.mu.Unlock()
		c.ack()
	case protocol.KindAwareness:
		c.mu.Lock()
		if msg.Awareness == nil {
			delete(c.peers, msg.ClientID)
		} else {
			c.peers[msg.ClientID] = *msg.Awareness
		}
		c.notifyLocked()
		c.mu.Unlock()
	case protocol.KindError:
		c.log.Warn("server rejected a message", "document", c.conf.DocumentID, "error", msg.Error)
		c.mu.Lock()
		c.errs = append(c.errs, msg.Error)
		c.notifyLocked()
		c.mu.Unlock()
	default:
		c.log.Debug("ignoring message", "kind", msg.Kind)
	}
}

func (c *Client) applyLocked(ops []crdt.Operation) {
	for _, op := range ops {
		res, err := c.doc.Apply(op)
		if err != nil {
			c.log.Warn("invalid operation from server", "op", op.ID.String(), "error", err)
			continue
		}
		for _, r := range res.Rejected {
			c.log.Warn("invalid operation from server", "op", r.Op.ID.String(), "error", r.Err)
		}
	}
	c.notifyLocked()
}

func (c *Client) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) readFrom(ws *websocket.Conn) (*protocol.Message, error) {
	kind, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if (kind == websocket.BinaryMessage) != c.codec.Binary() {
		return nil, fmt.Errorf("unexpected frame type %d", kind)
	}
	var msg protocol.Message
	if err := c.codec.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) writeTo(ws *websocket.Conn, msg *protocol.Message) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	kind := websocket.TextMessage
	if c.codec.Binary() {
		kind = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(kind, data)
}

func (c *Client) write(msg *protocol.Message) error {
	c.writeMu.Lock()
	ws := c.ws
	c.writeMu.Unlock()
	if ws == nil || !c.Connected() {
		return ErrNotConnected
	}
	return c.writeTo(ws, msg)
}

// Connected reports whether the websocket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Client) edit(fn func(doc *crdt.Doc) (*crdt.Operation, error)) error {
	c.editMu.Lock()
	defer c.editMu.Unlock()
	c.mu.Lock()
	op, err := fn(c.doc)
	if op != nil {
		c.notifyLocked()
	}
	c.mu.Unlock()
	if err != nil || op == nil {
		return err
	}
	err = c.write(protocol.Update(c.conf.DocumentID, c.conf.ClientID, []crdt.Operation{*op}))
	switch {
	case errors.Is(err, ErrNotConnected):
		return nil
	case err != nil:
		return err
	}
	c.ack()
	return nil
}

// Insert inserts text before the visible index.
func (c *Client) Insert(index int, text string) error {
	return c.edit(func(doc *crdt.Doc) (*crdt.Operation, error) { return doc.LocalInsert(index, text) })
}

// Delete removes n visible runes starting at index.
func (c *Client) Delete(index, n int) error {
	return c.edit(func(doc *crdt.Doc) (*crdt.Operation, error) { return doc.LocalDelete(index, n) })
}

// Format sets key to value on n visible runes starting at index. An empty value
// removes the mark.
func (c *Client) Format(index, n int, key, value string) error {
	return c.edit(func(doc *crdt.Doc) (*crdt.Operation, error) { return doc.LocalFormat(index, n, key, value) })
}

// SetCursor publishes this client's cursor at the visible index. The cursor is
// re-sent every PresenceInterval and after a reconnect.
func (c *Client) SetCursor(index int) error {
	c.mu.Lock()
	pos := c.doc.Position(index)
	c.cursor = &pos
	c.mu.Unlock()
	return c.sendPresence()
}

// Text returns the visible text of the local replica.
func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Text()
}

// Len returns the number of visible runes in the local replica.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Len()
}

func (c *Client) Content() *crdt.ContentTree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Materialize()
}

func (c *Client) Vector() crdt.StateVector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Vector()
}

// Peer is another client's presence as seen by this replica.
type Peer struct {
	User awareness.User
	// Cursor is the visible index of the peer's cursor, or -1 without one.
	Cursor int
}

// Peers returns the presence of the other clients, with cursors resolved against
// the local replica.
func (c *Client) Peers() map[crdt.ClientID]Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[crdt.ClientID]Peer, len(c.peers))
	for id, state := range c.peers {
		p := Peer{User: state.User, Cursor: -1}
		if state.Cursor != nil {
			p.Cursor = c.doc.Resolve(*state.Cursor)
		}
		out[id] = p
	}
	return out
}

// Errors returns the rejection notices received from the server.
func (c *Client) Errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.errs...)
}

// Resyncs returns how many times the replica was replaced by a server snapshot.
func (c *Client) Resyncs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resyncs
}

// Wait blocks until cond holds for the local replica, the connection drops, or
// ctx ends.
func (c *Client) Wait(ctx context.Context, cond func(doc *crdt.Doc) bool) error {
	for {
		c.mu.Lock()
		ok := cond(c.doc)
		changed, readErr := c.changed, c.readErr
		c.mu.Unlock()
		if ok {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("connection lost: %w", readErr)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect drops the connection without discarding local state.
func (c *Client) Disconnect() error {
	c.writeMu.Lock()
	ws := c.ws
	c.ws = nil
	c.writeMu.Unlock()
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	// The server answers the close frame after it has removed this client, so a
	// Reconnect right after is not taken for a duplicate.
	if done != nil {
		select {
		case <-done:
		case <-time.After(c.conf.HandshakeTimeout):
		}
	}
	err := ws.Close()
	if done != nil {
		<-done
	}
	return err
}

// Reconnect re-runs the handshake, sending local edits made while offline.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.Disconnect(); err != nil {
		c.log.Debug("closing previous connection", "error", err)
	}
	return c.connect(ctx)
}

func (c *Client) Close() error {
	return c.Disconnect()
}
