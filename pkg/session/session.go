// Package session binds a live document to the clients editing it.
//
// Each Session runs a single actor goroutine that owns the document replica, the
// subscriber set with their acknowledged state vectors, and the awareness tracker.
// Connection handlers never touch that state directly: every call on a Session is
// executed by the actor, one at a time, so the handshake, merges and broadcasts of
// one document are totally ordered. Different documents run in parallel.
//
// Sessions are obtained from a Registry, which creates them lazily, hydrated from
// the store, and tears them down after the last subscriber leaves.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/surrealdb/surrealcollab/internal/clock"
	"github.com/surrealdb/surrealcollab/pkg/awareness"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/logger"
	"github.com/surrealdb/surrealcollab/pkg/protocol"
	"github.com/surrealdb/surrealcollab/pkg/reconciler"
	"github.com/surrealdb/surrealcollab/pkg/store"
)

var (
	// ErrSessionClosed is returned by calls on a session that has been torn down.
	ErrSessionClosed = errors.New("session: closed")

	// ErrDuplicateClient is returned by Join when another live connection already
	// uses the client id on the same document.
	ErrDuplicateClient = errors.New("session: client id already connected")

	// ErrForeignOrigin is sent to clients submitting operations created by
	// another client.
	ErrForeignOrigin = errors.New("session: operation origin does not match sender")
)

// Subscriber is the session's view of a connection.
type Subscriber interface {
	ClientID() crdt.ClientID

	// User is the verified identity shown in the subscriber's presence.
	User() awareness.User

	// Send queues a message without blocking. It returns false when the
	// subscriber cannot keep up; the session then drops it.
	Send(msg *protocol.Message) bool
}

type subscriber struct {
	Subscriber
	ack crdt.StateVector
}

// Info is a point-in-time summary of a session.
type Info struct {
	DocumentID  crdt.DocumentID
	Subscribers int
	Present     int
	StateVector crdt.StateVector
	LogLen      int
	Unsaved     bool
}

// Session is one live document.
type Session struct {
	id    crdt.DocumentID
	conf  Config
	log   logger.Logger
	clock clock.Clock
	rec   *reconciler.Reconciler

	// owned by the actor goroutine
	doc      *crdt.Doc
	subs     map[crdt.ClientID]*subscriber
	presence *awareness.Tracker

	cmds    chan func()
	stop    chan chan *store.Snapshot
	stopped chan struct{}
}

func newSession(id crdt.DocumentID, doc *crdt.Doc, st store.Store, conf Config) *Session {
	s := &Session{
		id:       id,
		conf:     conf,
		log:      conf.Logger,
		clock:    conf.Clock,
		doc:      doc,
		subs:     make(map[crdt.ClientID]*subscriber),
		presence: awareness.NewTracker(conf.AwarenessTimeout),
		cmds:     make(chan func()),
		stop:     make(chan chan *store.Snapshot),
		stopped:  make(chan struct{}),
	}
	rc := conf.Reconciler
	rc.Clock = conf.Clock
	rc.Logger = conf.Logger
	rc.OnSaved = s.saved
	s.rec = reconciler.New(id, st, s.Capture, rc)
	go s.run()
	return s
}

func (s *Session) ID() crdt.DocumentID {
	return s.id
}

func (s *Session) run() {
	ticker := s.clock.NewTicker(s.conf.AwarenessCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-ticker.C:
			s.expirePresence()
		case reply := <-s.stop:
			snap, err := s.snapshot()
			if err != nil {
				s.log.Error("final snapshot failed", "document", s.id, "error", err)
			}
			close(s.stopped)
			reply <- snap
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.stopped:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Join subscribes sub and answers its sync request in the same step, so the
// subscriber receives every operation integrated after its sync response exactly
// once. A vector that predates pruned history gets resync-required instead.
func (s *Session) Join(ctx context.Context, sub Subscriber, vector crdt.StateVector) error {
	var joinErr error
	err := s.do(ctx, func() {
		client := sub.ClientID()
		if client == "" {
			joinErr = fmt.Errorf("%w: empty client id", crdt.ErrMalformedOperation)
			return
		}
		if _, ok := s.subs[client]; ok {
			joinErr = fmt.Errorf("%w: %s", ErrDuplicateClient, client)
			return
		}
		s.subs[client] = &subscriber{Subscriber: sub, ack: vector.Meet(s.doc.Vector())}

		ops, err := s.doc.Diff(vector)
		switch {
		case errors.Is(err, crdt.ErrCausalityGap):
			s.log.Info("client needs resync", "document", s.id, "client", client, "vector", vector.String())
			s.send(client, &protocol.Message{Kind: protocol.KindResyncRequired, DocumentID: s.id, StateVector: s.doc.Vector()})
		case err != nil:
			joinErr = err
			delete(s.subs, client)
			return
		default:
			s.send(client, &protocol.Message{Kind: protocol.KindSyncResponse, DocumentID: s.id, StateVector: s.doc.Vector(), Operations: ops})
		}
		for _, state := range s.presence.States() {
			s.send(client, protocol.Awareness(s.id, state.ClientID, &state))
		}
		s.log.Debug("client joined", "document", s.id, "client", client, "subscribers", len(s.subs))
	})
	if err != nil {
		return err
	}
	return joinErr
}

// Leave unsubscribes the client and removes its presence. It is a no-op for
// clients that are not subscribed.
func (s *Session) Leave(ctx context.Context, client crdt.ClientID) error {
	return s.do(ctx, func() { s.drop(client) })
}

func (s *Session) drop(client crdt.ClientID) {
	if _, ok := s.subs[client]; !ok {
		return
	}
	delete(s.subs, client)
	s.removePresence(client)
	s.log.Debug("client left", "document", s.id, "client", client, "subscribers", len(s.subs))
}

// Submit merges operations sent by client. Every subscriber is sent the integrated
// operations it did not create, which includes the sender when its operations
// release buffered operations of other clients. Integrated operations are handed
// to the reconciler; each rejected operation produces an error message to the
// sender only.
func (s *Session) Submit(ctx context.Context, client crdt.ClientID, ops []crdt.Operation) error {
	return s.do(ctx, func() {
		var integrated []crdt.Operation
		for _, op := range ops {
			if op.ID.Client != client {
				s.reject(client, fmt.Errorf("%w: %s from %s", ErrForeignOrigin, op.ID, client))
				continue
			}
			res, err := s.doc.Apply(op)
			if err != nil {
				s.reject(client, err)
				continue
			}
			for _, r := range res.Rejected {
				s.reject(r.Op.ID.Client, r.Err)
			}
			integrated = append(integrated, res.Integrated...)
		}
		if len(integrated) == 0 {
			return
		}
		s.broadcastOps(client, integrated)
		s.rec.Touch(integrated...)
		s.publish(Event{Kind: OperationApplied, DocumentID: s.id, ClientID: client, Operations: integrated, StateVector: s.doc.Vector()})
	})
}

func (s *Session) reject(client crdt.ClientID, err error) {
	s.log.Warn("rejected operation", "document", s.id, "client", client, "error", err)
	s.send(client, protocol.Error(s.id, err))
}

// SetPresence records the client's awareness state and broadcasts it. The user
// shown is always the subscriber's verified identity. A nil state removes the
// client's presence.
func (s *Session) SetPresence(ctx context.Context, client crdt.ClientID, state *awareness.State) error {
	return s.do(ctx, func() {
		sub, ok := s.subs[client]
		if !ok {
			return
		}
		if state == nil {
			s.removePresence(client)
			return
		}
		st := *state
		st.ClientID = client
		st.User = sub.User()
		if !s.presence.Set(st, s.clock.Now()) {
			return
		}
		st, _ = s.presence.Get(client)
		s.broadcast(client, protocol.Awareness(s.id, client, &st))
		s.publish(Event{Kind: PresenceChanged, DocumentID: s.id, ClientID: client, Awareness: &st})
	})
}

func (s *Session) removePresence(client crdt.ClientID) {
	if !s.presence.Remove(client) {
		return
	}
	s.broadcast(client, protocol.Awareness(s.id, client, nil))
	s.publish(Event{Kind: PresenceChanged, DocumentID: s.id, ClientID: client})
}

func (s *Session) expirePresence() {
	for _, client := range s.presence.Expire(s.clock.Now()) {
		s.log.Debug("presence expired", "document", s.id, "client", client)
		s.broadcast(client, protocol.Awareness(s.id, client, nil))
		s.publish(Event{Kind: PresenceChanged, DocumentID: s.id, ClientID: client})
	}
}

// Ack records that the client has integrated everything in vector.
func (s *Session) Ack(ctx context.Context, client crdt.ClientID, vector crdt.StateVector) error {
	return s.do(ctx, func() {
		if sub, ok := s.subs[client]; ok {
			sub.ack = sub.ack.Merge(vector.Meet(s.doc.Vector()))
		}
	})
}

// SendSnapshot sends the client the full encoded document state, for clients
// told to resync.
func (s *Session) SendSnapshot(ctx context.Context, client crdt.ClientID) error {
	return s.do(ctx, func() {
		state, err := s.doc.MarshalState()
		if err != nil {
			s.reject(client, err)
			return
		}
		s.send(client, &protocol.Message{Kind: protocol.KindSnapshotResponse, DocumentID: s.id, StateVector: s.doc.Vector(), State: state})
	})
}

// Capture returns a snapshot of the current document state.
func (s *Session) Capture(ctx context.Context) (*store.Snapshot, error) {
	var (
		snap *store.Snapshot
		err  error
	)
	if doErr := s.do(ctx, func() { snap, err = s.snapshot() }); doErr != nil {
		return nil, doErr
	}
	return snap, err
}

// Content returns the materialized document.
func (s *Session) Content(ctx context.Context) (*crdt.ContentTree, error) {
	var content *crdt.ContentTree
	if err := s.do(ctx, func() { content = s.doc.Materialize() }); err != nil {
		return nil, err
	}
	return content, nil
}

func (s *Session) Info(ctx context.Context) (Info, error) {
	var info Info
	err := s.do(ctx, func() {
		info = Info{
			DocumentID:  s.id,
			Subscribers: len(s.subs),
			Present:     s.presence.Len(),
			StateVector: s.doc.Vector(),
			LogLen:      s.doc.LogLen(),
			Unsaved:     s.rec.Unsaved(),
		}
	})
	return info, err
}

func (s *Session) snapshot() (*store.Snapshot, error) {
	state, err := s.doc.MarshalState()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", s.id, err)
	}
	return &store.Snapshot{
		DocumentID:  s.id,
		StateVector: s.doc.Vector(),
		State:       state,
		Content:     s.doc.Materialize(),
		SavedAt:     s.clock.Now(),
	}, nil
}

// saved runs on the reconciler goroutine after a snapshot is stored.
func (s *Session) saved(snap *store.Snapshot) {
	_ = s.do(context.Background(), func() {
		covered := snap.StateVector
		for _, sub := range s.subs {
			covered = covered.Meet(sub.ack)
		}
		pruned := s.doc.Prune(covered)
		s.log.Debug("snapshot saved", "document", s.id, "vector", snap.StateVector.String(), "pruned", pruned)
		s.publish(Event{Kind: SnapshotSaved, DocumentID: s.id, StateVector: snap.StateVector, Pruned: pruned})
	})
}

func (s *Session) send(client crdt.ClientID, msg *protocol.Message) {
	sub, ok := s.subs[client]
	if !ok {
		return
	}
	if !sub.Send(msg) {
		s.log.Warn("subscriber queue full, dropping", "document", s.id, "client", client)
		s.drop(client)
	}
}

// broadcast sends msg to every subscriber except the sender. Subscribers that
// cannot keep up are dropped after the loop.
func (s *Session) broadcast(sender crdt.ClientID, msg *protocol.Message) {
	var slow []crdt.ClientID
	for client, sub := range s.subs {
		if client == sender {
			continue
		}
		if !sub.Send(msg) {
			slow = append(slow, client)
		}
	}
	s.dropSlow(slow)
}

// broadcastOps sends each subscriber the operations it did not create.
func (s *Session) broadcastOps(sender crdt.ClientID, ops []crdt.Operation) {
	var slow []crdt.ClientID
	for client, sub := range s.subs {
		theirs := slices.DeleteFunc(slices.Clone(ops), func(op crdt.Operation) bool {
			return op.ID.Client == client
		})
		if len(theirs) == 0 {
			continue
		}
		if !sub.Send(protocol.Update(s.id, sender, theirs)) {
			slow = append(slow, client)
		}
	}
	s.dropSlow(slow)
}

func (s *Session) dropSlow(slow []crdt.ClientID) {
	for _, client := range slow {
		s.log.Warn("subscriber queue full, dropping", "document", s.id, "client", client)
		s.drop(client)
	}
}

func (s *Session) publish(ev Event) {
	if s.conf.Events == nil {
		return
	}
	ev.Time = s.clock.Now()
	select {
	case s.conf.Events <- ev:
	default:
	}
}

// Close stops the actor and flushes the final state to the store. Calls made
// after Close return ErrSessionClosed.
func (s *Session) Close(ctx context.Context) error {
	reply := make(chan *store.Snapshot, 1)
	select {
	case s.stop <- reply:
	case <-s.stopped:
		return nil
	}
	snap := <-reply
	if snap == nil {
		s.rec.Stop()
		return fmt.Errorf("close %s: no final snapshot", s.id)
	}
	start := s.clock.Now()
	if err := s.rec.Flush(ctx, snap); err != nil {
		return err
	}
	s.log.Debug("session closed", "document", s.id, "vector", snap.StateVector.String(), "flush", s.clock.Now().Sub(start).String())
	return nil
}
