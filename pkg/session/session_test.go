package session_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealcollab/internal/clock"
	"github.com/surrealdb/surrealcollab/pkg/awareness"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/logger"
	"github.com/surrealdb/surrealcollab/pkg/protocol"
	"github.com/surrealdb/surrealcollab/pkg/reconciler"
	"github.com/surrealdb/surrealcollab/pkg/session"
	"github.com/surrealdb/surrealcollab/pkg/store"
	"github.com/surrealdb/surrealcollab/pkg/store/memory"
)

const docID crdt.DocumentID = "3f2c1d4e-5b6a-4c7d-8e9f-0a1b2c3d4e5f"

type fakeSub struct {
	id crdt.ClientID

	mu   sync.Mutex
	msgs []*protocol.Message
	full bool
}

func newSub(id crdt.ClientID) *fakeSub { return &fakeSub{id: id} }

func (f *fakeSub) ClientID() crdt.ClientID { return f.id }

func (f *fakeSub) User() awareness.User {
	return awareness.User{ID: string(f.id), Name: "user " + string(f.id), Color: awareness.ColorFor(string(f.id))}
}

func (f *fakeSub) Send(msg *protocol.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeSub) setFull() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full = true
}

// take removes and returns every queued message.
func (f *fakeSub) take() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.msgs
	f.msgs = nil
	return msgs
}

// expect returns the only queued message and checks its kind.
func (f *fakeSub) expect(t *testing.T, kind protocol.Kind) *protocol.Message {
	t.Helper()
	msgs := f.take()
	require.Len(t, msgs, 1, "messages for %s: %v", f.id, msgs)
	require.Equal(t, kind, msgs[0].Kind, "error: %s", msgs[0].Error)
	return msgs[0]
}

type fixture struct {
	clock    *clock.Fake
	store    *memory.Store
	registry *session.Registry
	events   chan session.Event
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		clock:  clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		store:  memory.New(),
		events: make(chan session.Event, 256),
	}
	f.registry = session.NewRegistry(f.store, session.Config{
		Reconciler: reconciler.Config{
			Debounce: time.Second,
			Backoff:  reconciler.FixedBackoff(time.Second, 0),
		},
		AwarenessTimeout:       30 * time.Second,
		AwarenessCheckInterval: 5 * time.Second,
		Clock:                  f.clock,
		Logger:                 logger.Nop(),
		Events:                 f.events,
	})
	t.Cleanup(func() { _ = f.registry.Close() })
	return f
}

func (f *fixture) acquire(t *testing.T) *session.Session {
	s, err := f.registry.Acquire(context.Background(), docID)
	require.NoError(t, err)
	return s
}

func (f *fixture) waitEvent(t *testing.T, kind session.EventKind) session.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func edit(t *testing.T, doc *crdt.Doc, text string) crdt.Operation {
	op, err := doc.LocalInsert(doc.Len(), text)
	require.NoError(t, err)
	return *op
}

func TestHandshakeAndBroadcast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.acquire(t)

	alice, bob := newSub("alice"), newSub("bob")
	aliceDoc, bobDoc := crdt.NewDoc("alice"), crdt.NewDoc("bob")

	require.NoError(t, s.Join(ctx, alice, aliceDoc.Vector()))
	resp := alice.expect(t, protocol.KindSyncResponse)
	assert.Empty(t, resp.Operations)

	require.NoError(t, s.Submit(ctx, "alice", []crdt.Operation{edit(t, aliceDoc, "Hello"), edit(t, aliceDoc, " world")}))
	assert.Empty(t, alice.take(), "sender does not get its own operations back")

	require.NoError(t, s.Join(ctx, bob, bobDoc.Vector()))
	resp = bob.expect(t, protocol.KindSyncResponse)
	require.Len(t, resp.Operations, 2)
	for _, op := range resp.Operations {
		_, err := bobDoc.Apply(op)
		require.NoError(t, err)
	}
	assert.Equal(t, "Hello world", bobDoc.Text())
	assert.True(t, resp.StateVector.Equal(aliceDoc.Vector()))

	require.NoError(t, s.Submit(ctx, "bob", []crdt.Operation{edit(t, bobDoc, "!")}))
	update := alice.expect(t, protocol.KindUpdate)
	require.Len(t, update.Operations, 1)
	_, err := aliceDoc.Apply(update.Operations[0])
	require.NoError(t, err)
	assert.Equal(t, bobDoc.Text(), aliceDoc.Text())
	assert.Empty(t, bob.take())

	ev := f.waitEvent(t, session.OperationApplied)
	assert.Equal(t, docID, ev.DocumentID)

	err = s.Join(ctx, newSub("alice"), nil)
	assert.True(t, errors.Is(err, session.ErrDuplicateClient))

	content, err := s.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", content.PlainText())
}

func TestSubmitRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.acquire(t)

	alice, bob := newSub("alice"), newSub("bob")
	require.NoError(t, s.Join(ctx, alice, nil))
	require.NoError(t, s.Join(ctx, bob, nil))
	alice.take()
	bob.take()

	t.Run("foreign origin", func(t *testing.T) {
		op := edit(t, crdt.NewDoc("bob"), "spoofed")
		require.NoError(t, s.Submit(ctx, "alice", []crdt.Operation{op}))
		msg := alice.expect(t, protocol.KindError)
		assert.Contains(t, msg.Error, "origin")
		assert.Empty(t, bob.take())
	})

	t.Run("malformed", func(t *testing.T) {
		op := crdt.Operation{ID: crdt.OpID{Client: "alice", Seq: 1}, Kind: crdt.KindInsert}
		require.NoError(t, s.Submit(ctx, "alice", []crdt.Operation{op}))
		alice.expect(t, protocol.KindError)
		assert.Empty(t, bob.take())
	})

	t.Run("good operations still merge", func(t *testing.T) {
		doc := crdt.NewDoc("alice")
		bad := crdt.Operation{ID: crdt.OpID{Client: "alice", Seq: 7}, Kind: crdt.KindDelete}
		require.NoError(t, s.Submit(ctx, "alice", []crdt.Operation{bad, edit(t, doc, "ok")}))
		alice.expect(t, protocol.KindError)
		update := bob.expect(t, protocol.KindUpdate)
		assert.Len(t, update.Operations, 1)
	})
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.acquire(t)

	alice, bob := newSub("alice"), newSub("bob")
	require.NoError(t, s.Join(ctx, alice, nil))
	require.NoError(t, s.Join(ctx, bob, nil))
	alice.take()
	bob.take()

	cursor := crdt.Position{Index: 3}
	spoofed := &awareness.State{User: awareness.User{Name: "Mallory"}, Cursor: &cursor}
	require.NoError(t, s.SetPresence(ctx, "alice", spoofed))
	msg := bob.expect(t, protocol.KindAwareness)
	require.NotNil(t, msg.Awareness)
	assert.Equal(t, crdt.ClientID("alice"), msg.Awareness.ClientID)
	assert.Equal(t, "user alice", msg.Awareness.User.Name)
	assert.Equal(t, 3, msg.Awareness.Cursor.Index)
	assert.Empty(t, alice.take())

	// A heartbeat with an unchanged state only keeps the presence alive.
	require.NoError(t, s.SetPresence(ctx, "alice", spoofed))
	assert.Empty(t, bob.take())

	carol := newSub("carol")
	require.NoError(t, s.Join(ctx, carol, nil))
	msgs := carol.take()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.KindSyncResponse, msgs[0].Kind)
	assert.Equal(t, protocol.KindAwareness, msgs[1].Kind)

	require.NoError(t, s.Leave(ctx, "alice"))
	msg = bob.expect(t, protocol.KindAwareness)
	assert.Equal(t, crdt.ClientID("alice"), msg.ClientID)
	assert.Nil(t, msg.Awareness)
	carol.take()

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Subscribers)
	assert.Zero(t, info.Present)
}

func TestPresenceExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.acquire(t)

	bob, carol := newSub("bob"), newSub("carol")
	require.NoError(t, s.Join(ctx, bob, nil))
	require.NoError(t, s.Join(ctx, carol, nil))
	require.NoError(t, s.SetPresence(ctx, "bob", &awareness.State{}))
	bob.take()
	carol.take()

	require.Eventually(t, func() bool {
		f.clock.Advance(5 * time.Second)
		for _, msg := range carol.take() {
			if msg.Kind == protocol.KindAwareness && msg.Awareness == nil && msg.ClientID == "bob" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Expiry only drops presence; the connection stays subscribed.
	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Subscribers)
	assert.Zero(t, info.Present)
	snap, err := f.store.LoadSnapshot(ctx, docID)
	require.NoError(t, err)
	assert.Nil(t, snap, "presence never reaches the store")
}

func TestPresenceExpiresWithinTimeout(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	registry := session.NewRegistry(memory.New(), session.Config{
		AwarenessTimeout: 10 * time.Second,
		Clock:            fake,
		Logger:           logger.Nop(),
	})
	t.Cleanup(func() { _ = registry.Close() })
	s, err := registry.Acquire(ctx, docID)
	require.NoError(t, err)

	bob, carol := newSub("bob"), newSub("carol")
	require.NoError(t, s.Join(ctx, bob, nil))
	require.NoError(t, s.Join(ctx, carol, nil))
	require.NoError(t, s.SetPresence(ctx, "bob", &awareness.State{}))
	carol.take()

	var elapsed time.Duration
	require.Eventually(t, func() bool {
		fake.Advance(time.Second)
		elapsed += time.Second
		for _, msg := range carol.take() {
			if msg.Kind == protocol.KindAwareness && msg.Awareness == nil {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, elapsed, 10*time.Second)
	assert.LessOrEqual(t, elapsed, 13*time.Second, "checked at a tenth of the timeout")
}

func TestSubmitForwardsReleasedOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.acquire(t)

	alice, bob := newSub("alice"), newSub("bob")
	require.NoError(t, s.Join(ctx, alice, nil))
	require.NoError(t, s.Join(ctx, bob, nil))
	alice.take()
	bob.take()

	// Alice saw b1 before the server did, so her a1 waits for it.
	aliceDoc, bobDoc := crdt.NewDoc("alice"), crdt.NewDoc("bob")
	b1 := edit(t, bobDoc, "B")
	_, err := aliceDoc.Apply(b1)
	require.NoError(t, err)
	a1 := edit(t, aliceDoc, "A")

	require.NoError(t, s.Submit(ctx, "alice", []crdt.Operation{a1}))
	assert.Empty(t, alice.take())
	assert.Empty(t, bob.take(), "a1 is buffered")

	require.NoError(t, s.Submit(ctx, "bob", []crdt.Operation{b1}))
	toBob := bob.expect(t, protocol.KindUpdate)
	require.Len(t, toBob.Operations, 1)
	assert.Equal(t, a1.ID, toBob.Operations[0].ID, "bob gets alice's op released by his submit")
	_, err = bobDoc.Apply(toBob.Operations[0])
	require.NoError(t, err)

	toAlice := alice.expect(t, protocol.KindUpdate)
	require.Len(t, toAlice.Operations, 1)
	assert.Equal(t, b1.ID, toAlice.Operations[0].ID)

	content, err := s.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "BA", content.PlainText())
	assert.Equal(t, "BA", bobDoc.Text())
	assert.Equal(t, "BA", aliceDoc.Text())
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.acquire(t)

	alice, bob := newSub("alice"), newSub("bob")
	require.NoError(t, s.Join(ctx, alice, nil))
	require.NoError(t, s.Join(ctx, bob, nil))
	bob.setFull()

	require.NoError(t, s.Submit(ctx, "alice", []crdt.Operation{edit(t, crdt.NewDoc("alice"), "x")}))
	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Subscribers)
}

func TestPruneAndResync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.acquire(t)

	alice := newSub("alice")
	aliceDoc := crdt.NewDoc("alice")
	require.NoError(t, s.Join(ctx, alice, nil))
	ops := []crdt.Operation{edit(t, aliceDoc, "a"), edit(t, aliceDoc, "b"), edit(t, aliceDoc, "c")}
	require.NoError(t, s.Submit(ctx, "alice", ops))

	// Without an ack nothing may be pruned.
	f.clock.Advance(time.Second)
	ev := f.waitEvent(t, session.SnapshotSaved)
	assert.Zero(t, ev.Pruned)

	require.NoError(t, s.Ack(ctx, "alice", aliceDoc.Vector()))
	require.NoError(t, s.Submit(ctx, "alice", []crdt.Operation{edit(t, aliceDoc, "d")}))
	f.clock.Advance(time.Second)
	ev = f.waitEvent(t, session.SnapshotSaved)
	assert.Equal(t, 3, ev.Pruned)

	carol := newSub("carol")
	require.NoError(t, s.Join(ctx, carol, nil))
	carol.expect(t, protocol.KindResyncRequired)

	require.NoError(t, s.SendSnapshot(ctx, "carol"))
	msg := carol.expect(t, protocol.KindSnapshotResponse)
	doc, err := crdt.UnmarshalState(msg.State, "carol")
	require.NoError(t, err)
	assert.Equal(t, "abcd", doc.Text())

	// A client that has the pruned history still syncs incrementally.
	dave := newSub("dave")
	daveDoc := crdt.NewDoc("dave")
	for _, op := range ops {
		_, err := daveDoc.Apply(op)
		require.NoError(t, err)
	}
	require.NoError(t, s.Join(ctx, dave, daveDoc.Vector()))
	resp := dave.expect(t, protocol.KindSyncResponse)
	assert.Len(t, resp.Operations, 1)
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s1 := f.acquire(t)
	s2 := f.acquire(t)
	require.Same(t, s1, s2)
	assert.Equal(t, []crdt.DocumentID{docID}, f.registry.Documents())

	require.NoError(t, s1.Join(ctx, newSub("alice"), nil))
	require.NoError(t, s1.Submit(ctx, "alice", []crdt.Operation{edit(t, crdt.NewDoc("alice"), "kept")}))

	f.registry.Release(s1)
	_, err := s1.Info(ctx)
	require.NoError(t, err, "still referenced")

	// The last release flushes without waiting for the debounce.
	f.registry.Release(s2)
	require.Eventually(t, func() bool {
		snap, err := f.store.LoadSnapshot(ctx, docID)
		return err == nil && snap != nil
	}, time.Second, time.Millisecond)

	s3 := f.acquire(t)
	require.NotSame(t, s1, s3)
	_, err = s1.Info(ctx)
	assert.True(t, errors.Is(err, session.ErrSessionClosed))
	content, err := s3.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kept", content.PlainText())
	f.registry.Release(s3)
}

// advancingStore moves the fake clock forward on every snapshot write.
type advancingStore struct {
	*memory.Store
	clock *clock.Fake
	by    time.Duration
}

func (s *advancingStore) SaveSnapshot(ctx context.Context, snap *store.Snapshot) error {
	s.clock.Advance(s.by)
	return s.Store.SaveSnapshot(ctx, snap)
}

func TestCloseTimesFlushOnSessionClock(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	var buf bytes.Buffer
	log, err := logger.New().FromBuffer(zerolog.SyncWriter(&buf)).Level(zerolog.DebugLevel).Make()
	require.NoError(t, err)
	registry := session.NewRegistry(&advancingStore{Store: memory.New(), clock: fake, by: 2 * time.Second}, session.Config{
		Reconciler: reconciler.Config{Debounce: time.Minute, MaxStaleness: time.Minute},
		Clock:      fake,
		Logger:     log,
	})

	s, err := registry.Acquire(ctx, docID)
	require.NoError(t, err)
	alice, aliceDoc := newSub("alice"), crdt.NewDoc("alice")
	require.NoError(t, s.Join(ctx, alice, aliceDoc.Vector()))
	require.NoError(t, s.Submit(ctx, "alice", []crdt.Operation{edit(t, aliceDoc, "unsaved")}))
	registry.Release(s)
	require.NoError(t, registry.Close())

	assert.Contains(t, buf.String(), `"flush":"2s"`)
}

func TestRegistryClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.acquire(t)
	require.NoError(t, s.Join(ctx, newSub("alice"), nil))
	require.NoError(t, s.Submit(ctx, "alice", []crdt.Operation{edit(t, crdt.NewDoc("alice"), "bye")}))

	require.NoError(t, f.registry.Close())
	snap, err := f.store.LoadSnapshot(ctx, docID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "bye", snap.Content.PlainText())

	_, err = f.registry.Acquire(ctx, docID)
	assert.True(t, errors.Is(err, session.ErrRegistryClosed))
}
