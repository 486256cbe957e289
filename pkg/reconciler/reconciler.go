// Package reconciler persists a live document: it journals accepted operations,
// writes debounced snapshots, retries failed writes with backoff and rebuilds
// documents from storage.
//
// A Reconciler never blocks the session that owns it. Touch only records work and
// arms a timer; every store call happens on the reconciler's own goroutine, which
// obtains document state through the Capture callback.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/surrealdb/surrealcollab/internal/clock"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/logger"
	"github.com/surrealdb/surrealcollab/pkg/store"
)

const (
	DefaultDebounce     = time.Second
	DefaultMaxStaleness = 10 * time.Second
	DefaultSaveTimeout  = 10 * time.Second
)

// Capture returns a snapshot of the document as it is now. Sessions implement it
// by asking their actor goroutine for the state.
type Capture func(ctx context.Context) (*store.Snapshot, error)

// Config controls save cadence. Zero fields take the defaults.
type Config struct {
	// Debounce is the idle time after the last change before a save.
	Debounce time.Duration

	// MaxStaleness bounds the time since the first unsaved change, so a document
	// under constant editing is still saved.
	MaxStaleness time.Duration

	// SaveTimeout bounds each store call.
	SaveTimeout time.Duration

	// Backoff paces retries of failed saves and flushes.
	Backoff Backoff

	Clock  clock.Clock
	Logger logger.Logger

	// OnSaved is called on the reconciler goroutine after each snapshot is stored
	// and the journal trimmed.
	OnSaved func(snap *store.Snapshot)
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = DefaultMaxStaleness
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	c.Backoff = c.Backoff.withDefaults(c.MaxStaleness)
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return c
}

// Reconciler persists one document.
type Reconciler struct {
	id      crdt.DocumentID
	store   store.Store
	capture Capture
	conf    Config

	mu         sync.Mutex
	journal    []crdt.Operation // accepted, not yet journaled
	gen        uint64           // incremented by every Touch
	dirtySince time.Time        // first Touch not yet captured; zero when none
	unsaved    bool
	due        bool
	retries    retries
	timer      *clock.Timer

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New starts a reconciler for the document.
func New(id crdt.DocumentID, st store.Store, capture Capture, conf Config) *Reconciler {
	conf = conf.withDefaults()
	r := &Reconciler{
		id:      id,
		store:   st,
		capture: capture,
		conf:    conf,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		retries: retries{policy: conf.Backoff},
	}
	go r.run()
	return r
}

// Hydrate rebuilds a document from its latest snapshot and replays the journal
// over it. A document that was never saved comes back empty. It returns the
// number of journaled operations that were not already in the snapshot.
func Hydrate(ctx context.Context, st store.Store, id crdt.DocumentID, client crdt.ClientID, log logger.Logger) (*crdt.Doc, int, error) {
	snap, err := st.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, 0, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	doc := crdt.NewDoc(client)
	if snap != nil {
		if doc, err = crdt.UnmarshalState(snap.State, client); err != nil {
			return nil, 0, fmt.Errorf("decode snapshot %s: %w", id, err)
		}
	}
	ops, err := st.LoadJournal(ctx, id)
	if err != nil {
		return nil, 0, fmt.Errorf("load journal %s: %w", id, err)
	}
	replayed := 0
	for _, op := range ops {
		res, err := doc.Apply(op)
		if err != nil {
			log.Warn("skipping journaled operation", "document", id, "op", op.ID.String(), "error", err)
			continue
		}
		replayed += len(res.Integrated)
	}
	if doc.PendingLen() > 0 {
		log.Warn("journal has operations with missing dependencies", "document", id, "pending", doc.PendingLen())
	}
	return doc, replayed, nil
}

// Touch records operations accepted into the document and schedules a save for
// Debounce from now, or earlier if the oldest unsaved change would otherwise
// exceed MaxStaleness.
func (r *Reconciler) Touch(ops ...crdt.Operation) {
	now := r.conf.Clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal = append(r.journal, ops...)
	r.gen++
	r.unsaved = true
	if r.dirtySince.IsZero() {
		r.dirtySince = now
	}
	deadline := now.Add(r.conf.Debounce)
	if limit := r.dirtySince.Add(r.conf.MaxStaleness); limit.Before(deadline) {
		deadline = limit
	}
	r.armLocked(deadline.Sub(now))
	r.signal()
}

// Unsaved reports whether changes exist that no successful snapshot covers.
func (r *Reconciler) Unsaved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsaved
}

func (r *Reconciler) armLocked(d time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.conf.Clock.AfterFunc(d, func() {
		r.mu.Lock()
		r.due = true
		r.mu.Unlock()
		r.signal()
	})
}

func (r *Reconciler) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reconciler) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case <-r.wake:
			r.writeJournal()
			r.mu.Lock()
			due := r.due
			r.due = false
			r.mu.Unlock()
			if due {
				r.save()
			}
		}
	}
}

func (r *Reconciler) writeJournal() bool {
	r.mu.Lock()
	ops := r.journal
	r.journal = nil
	r.mu.Unlock()
	if len(ops) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.conf.SaveTimeout)
	defer cancel()
	if err := r.store.AppendJournal(ctx, r.id, ops); err != nil {
		r.conf.Logger.Warn("journal append failed", "document", r.id, "ops", len(ops), "error", err)
		r.mu.Lock()
		r.journal = append(ops, r.journal...)
		r.mu.Unlock()
		r.retry(err)
		return false
	}
	return true
}

func (r *Reconciler) save() {
	r.mu.Lock()
	gen, since := r.gen, r.dirtySince
	r.dirtySince = time.Time{}
	r.mu.Unlock()

	snap, err := r.persist()
	if err != nil {
		r.conf.Logger.Warn("snapshot save failed", "document", r.id, "error", err)
		r.mu.Lock()
		if r.dirtySince.IsZero() || since.Before(r.dirtySince) {
			r.dirtySince = since
		}
		r.mu.Unlock()
		r.retry(err)
		return
	}

	r.mu.Lock()
	if r.gen == gen {
		r.unsaved = false
	}
	r.retries.reset()
	r.mu.Unlock()
	r.conf.Logger.Debug("snapshot saved", "document", r.id, "vector", snap.StateVector.String())
	if r.conf.OnSaved != nil {
		r.conf.OnSaved(snap)
	}
}

func (r *Reconciler) persist() (*store.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.conf.SaveTimeout)
	defer cancel()
	snap, err := r.capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if err := r.write(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *Reconciler) write(ctx context.Context, snap *store.Snapshot) error {
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	// The snapshot already holds every trimmed operation, so a failed trim only
	// leaves redundant journal entries behind.
	if err := r.store.TrimJournal(ctx, r.id, snap.StateVector); err != nil {
		r.conf.Logger.Warn("journal trim failed", "document", r.id, "error", err)
	}
	return nil
}

func (r *Reconciler) retry(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delay, ok := r.retries.next(err)
	if !ok {
		r.conf.Logger.Error("giving up on save until the next change", "document", r.id, "failures", r.retries.count(), "error", err)
		r.retries.reset()
		return
	}
	r.conf.Logger.Info("retrying save", "document", r.id, "failures", r.retries.count(), "delay", delay.String())
	r.armLocked(delay)
}

// Stop ends the background goroutine, waiting for an in-flight save to finish.
// Pending work is left for Flush.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
}

// Flush stops the reconciler and synchronously stores snap together with any
// operations not yet journaled, retrying until it succeeds, the backoff gives up
// or ctx ends. A reconciler with nothing unsaved does not write.
func (r *Reconciler) Flush(ctx context.Context, snap *store.Snapshot) error {
	r.Stop()

	r.mu.Lock()
	unsaved, ops := r.unsaved, r.journal
	r.mu.Unlock()
	if !unsaved {
		return nil
	}
	if len(ops) > 0 {
		if err := r.store.AppendJournal(ctx, r.id, ops); err != nil {
			r.conf.Logger.Warn("journal append failed", "document", r.id, "ops", len(ops), "error", err)
		}
	}

	retry := retries{policy: r.conf.Backoff}
	for {
		err := r.store.SaveSnapshot(ctx, snap)
		if err == nil {
			if err := r.store.TrimJournal(ctx, r.id, snap.StateVector); err != nil {
				r.conf.Logger.Warn("journal trim failed", "document", r.id, "error", err)
			}
			r.mu.Lock()
			r.unsaved = false
			r.journal = nil
			r.mu.Unlock()
			r.conf.Logger.Debug("snapshot flushed", "document", r.id, "vector", snap.StateVector.String())
			return nil
		}
		delay, ok := retry.next(err)
		if !ok {
			return fmt.Errorf("flush %s: %w", r.id, err)
		}
		r.conf.Logger.Warn("snapshot flush failed", "document", r.id, "failures", retry.count(), "error", err)
		fired := make(chan struct{})
		t := r.conf.Clock.AfterFunc(delay, func() { close(fired) })
		select {
		case <-fired:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("flush %s: %w", r.id, errors.Join(err, ctx.Err()))
		}
	}
}
