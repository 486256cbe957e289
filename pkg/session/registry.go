package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/reconciler"
	"github.com/surrealdb/surrealcollab/pkg/store"
)

// ErrRegistryClosed is returned by Acquire after Close.
var ErrRegistryClosed = errors.New("session: registry closed")

type entry struct {
	session *Session
	refs    int
	err     error

	ready    chan struct{} // closed once hydrated or failed
	tornDown chan struct{} // non-nil while tearing down; closed when done
}

// Registry hands out live sessions by document id. A session exists while it has
// at least one reference; releasing the last reference flushes and closes it.
type Registry struct {
	store store.Store
	conf  Config

	mu       sync.Mutex
	sessions map[crdt.DocumentID]*entry
	closed   bool
	wg       sync.WaitGroup
}

func NewRegistry(st store.Store, conf Config) *Registry {
	return &Registry{
		store:    st,
		conf:     conf.withDefaults(),
		sessions: make(map[crdt.DocumentID]*entry),
	}
}

// Acquire returns the live session for the document, hydrating it from the store
// on first use. Every successful Acquire must be paired with a Release. A
// document still being torn down is waited for before it is hydrated again.
func (r *Registry) Acquire(ctx context.Context, id crdt.DocumentID) (*Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		e := r.sessions[id]
		if e != nil && e.tornDown != nil {
			wait := e.tornDown
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		created := e == nil
		if created {
			e = &entry{ready: make(chan struct{})}
			r.sessions[id] = e
		}
		e.refs++
		r.mu.Unlock()

		if created {
			r.hydrate(id, e)
		}
		<-e.ready
		if e.err != nil {
			return nil, e.err
		}
		return e.session, nil
	}
}

func (r *Registry) hydrate(id crdt.DocumentID, e *entry) {
	defer close(e.ready)
	ctx, cancel := context.WithTimeout(context.Background(), r.conf.HydrateTimeout)
	defer cancel()

	doc, replayed, err := reconciler.Hydrate(ctx, r.store, id, "", r.conf.Logger)
	if err != nil {
		r.conf.Logger.Error("hydrate failed", "document", id, "error", err)
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		e.err = fmt.Errorf("open document %s: %w", id, err)
		return
	}
	s := newSession(id, doc, r.store, r.conf)
	r.mu.Lock()
	e.session = s
	r.mu.Unlock()
	r.conf.Logger.Info("session opened", "document", id, "vector", doc.Vector().String(), "replayed", replayed)
}

// Release drops a reference taken by Acquire. The last release tears the session
// down in the background: a final snapshot is flushed before the document can be
// acquired again.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	e := r.sessions[s.id]
	if e == nil || e.session != s || e.tornDown != nil {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	e.tornDown = make(chan struct{})
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		_ = r.teardown(e)
	}()
}

func (r *Registry) teardown(e *entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.conf.FlushTimeout)
	defer cancel()
	err := e.session.Close(ctx)
	if err != nil {
		r.conf.Logger.Error("flush on close failed", "document", e.session.id, "error", err)
	} else {
		r.conf.Logger.Info("session closed", "document", e.session.id)
	}

	r.mu.Lock()
	if r.sessions[e.session.id] == e {
		delete(r.sessions, e.session.id)
	}
	close(e.tornDown)
	r.mu.Unlock()
	return err
}

// Documents returns the ids of the live sessions, sorted.
func (r *Registry) Documents() []crdt.DocumentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]crdt.DocumentID, 0, len(r.sessions))
	for id, e := range r.sessions {
		if e.session != nil && e.tornDown == nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Close stops accepting new sessions, flushes every live session regardless of
// its references, and waits for teardowns already in progress.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	var live []*entry
	for _, e := range r.sessions {
		if e.tornDown == nil {
			live = append(live, e)
		}
	}
	r.mu.Unlock()

	// Hydration is bounded by HydrateTimeout, so waiting for ready terminates.
	for _, e := range live {
		<-e.ready
	}

	var (
		errsMu sync.Mutex
		errs   []error
	)
	r.mu.Lock()
	for _, e := range live {
		if e.session == nil || e.tornDown != nil {
			continue
		}
		e.tornDown = make(chan struct{})
		r.wg.Add(1)
		go func(e *entry) {
			defer r.wg.Done()
			if err := r.teardown(e); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
		}(e)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return errors.Join(errs...)
}
