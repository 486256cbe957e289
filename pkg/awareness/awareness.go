// Package awareness tracks ephemeral per-client presence (identity, cursor and
// selection) for one document. Presence is never persisted and never enters the
// operation log.
package awareness

import (
	"encoding/hex"
	"maps"
	"slices"
	"time"

	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/zeebo/blake3"
)

// DefaultTimeout is how long a client's presence survives without a heartbeat.
const DefaultTimeout = 30 * time.Second

// User is the display identity shown next to a remote cursor.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Selection is a range between two relative positions.
type Selection struct {
	Anchor crdt.Position `json:"anchor"`
	Head   crdt.Position `json:"head"`
}

// State is one client's presence. Positions are relative, so they can be resolved
// against any replica and clamp when they reference content not yet received.
type State struct {
	ClientID  crdt.ClientID  `json:"clientId"`
	User      User           `json:"user"`
	Cursor    *crdt.Position `json:"cursor,omitempty"`
	Selection *Selection     `json:"selection,omitempty"`
	LastSeen  time.Time      `json:"lastSeen"`
}

// Tracker holds the presence states of one document. It is not safe for concurrent
// use; the session actor owns it.
type Tracker struct {
	timeout time.Duration
	states  map[crdt.ClientID]State
}

// NewTracker returns a tracker expiring states after timeout, or DefaultTimeout if
// timeout is not positive.
func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{timeout: timeout, states: make(map[crdt.ClientID]State)}
}

func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// Set records the client's state as seen at now and reports whether the visible
// state changed: the client was unknown, or its user, cursor or selection differ.
// A repeated state only refreshes LastSeen.
func (t *Tracker) Set(state State, now time.Time) bool {
	prev, known := t.states[state.ClientID]
	state.LastSeen = now
	t.states[state.ClientID] = state
	return !known || !sameView(prev, state)
}

func sameView(a, b State) bool {
	return a.User == b.User && equalPtr(a.Cursor, b.Cursor) && equalPtr(a.Selection, b.Selection)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Remove forgets the client and reports whether it was present.
func (t *Tracker) Remove(client crdt.ClientID) bool {
	_, ok := t.states[client]
	delete(t.states, client)
	return ok
}

// Expire removes every state last seen more than the timeout before now and
// returns the removed clients, sorted.
func (t *Tracker) Expire(now time.Time) []crdt.ClientID {
	var removed []crdt.ClientID
	for client, state := range t.states {
		if now.Sub(state.LastSeen) > t.timeout {
			delete(t.states, client)
			removed = append(removed, client)
		}
	}
	slices.Sort(removed)
	return removed
}

// Get returns the client's state.
func (t *Tracker) Get(client crdt.ClientID) (State, bool) {
	s, ok := t.states[client]
	return s, ok
}

// States returns all states ordered by client id.
func (t *Tracker) States() []State {
	out := make([]State, 0, len(t.states))
	for _, client := range slices.Sorted(maps.Keys(t.states)) {
		out = append(out, t.states[client])
	}
	return out
}

func (t *Tracker) Len() int {
	return len(t.states)
}

// ColorFor derives a stable "#rrggbb" cursor color from a user subject, so a user
// keeps the same color across reconnects and devices.
func ColorFor(subject string) string {
	sum := blake3.Sum256([]byte(subject))
	return "#" + hex.EncodeToString(sum[:3])
}
