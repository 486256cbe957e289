// Package collabtesting simulates editors typing into a shared document, for
// convergence and load tests against a running server.
//
// Each [VirtualEditor] owns a [client.Client] replica and a random number
// generator seeded with its index, so a scenario replays the same edit sequence
// every run. Even-indexed editors mostly type; odd-indexed editors delete and
// format more often. Editors occasionally drop their connection, keep editing
// offline, and reconnect.
//
// A typical test starts several editors concurrently and then checks that every
// replica reached the same state:
//
//	editors, err := collabtesting.Dial(ctx, baseURL, docID, 4)
//	if err != nil {
//		t.Fatal(err)
//	}
//	defer collabtesting.CloseAll(editors)
//
//	if err := collabtesting.RunAll(ctx, editors, 50); err != nil {
//		t.Fatal(err)
//	}
//	text, err := collabtesting.Converge(ctx, editors)
package collabtesting

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/surrealdb/surrealcollab/pkg/client"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"golang.org/x/sync/errgroup"
)

// ErrDiverged is returned by Converge when replicas that integrated the same
// operations render different content.
var ErrDiverged = errors.New("collabtesting: replicas diverged")

var formatKeys = []string{"bold", "italic", "underline"}

// VirtualEditor is a simulated user editing one document.
type VirtualEditor struct {
	Index  int // editor index (0, 1, 2...), also the random seed
	Client *client.Client
	RNG    *rand.Rand

	Inserts, Deletes, Formats, Reconnects int
}

// NewVirtualEditor connects editor index to the document. The editor's client id
// and token are derived from its index.
func NewVirtualEditor(ctx context.Context, index int, baseURL string, doc crdt.DocumentID) (*VirtualEditor, error) {
	id := fmt.Sprintf("editor-%d", index)
	c, err := client.Dial(ctx, client.Config{
		URL:        baseURL,
		DocumentID: doc,
		ClientID:   crdt.ClientID(id),
		Token:      id,
	})
	if err != nil {
		return nil, fmt.Errorf("virtual editor %d failed to connect: %w", index, err)
	}
	return &VirtualEditor{
		Index:  index,
		Client: c,
		RNG:    newRNG(index),
	}, nil
}

// Dial connects n editors with indexes 0..n-1.
func Dial(ctx context.Context, baseURL string, doc crdt.DocumentID, n int) ([]*VirtualEditor, error) {
	editors := make([]*VirtualEditor, 0, n)
	for i := 0; i < n; i++ {
		ve, err := NewVirtualEditor(ctx, i, baseURL, doc)
		if err != nil {
			CloseAll(editors)
			return nil, err
		}
		editors = append(editors, ve)
	}
	return editors, nil
}

func CloseAll(editors []*VirtualEditor) {
	for _, ve := range editors {
		_ = ve.Client.Close()
	}
}

func newRNG(index int) *rand.Rand {
	return rand.New(rand.NewSource(int64(index)))
}

func (ve *VirtualEditor) word() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	var b strings.Builder
	n := ve.RNG.Intn(5) + 1
	for i := 0; i < n; i++ {
		b.WriteByte(letters[ve.RNG.Intn(len(letters))])
	}
	if ve.RNG.Float32() < 0.1 {
		b.WriteByte('\n')
	}
	return b.String()
}

// InsertRandom types a short word at a random position.
func (ve *VirtualEditor) InsertRandom() error {
	n := ve.Client.Len()
	if err := ve.Client.Insert(ve.RNG.Intn(n+1), ve.word()); err != nil {
		return fmt.Errorf("virtual editor %d failed to insert: %w", ve.Index, err)
	}
	ve.Inserts++
	return nil
}

// DeleteRandom removes a short random range. It is a no-op on an empty document.
func (ve *VirtualEditor) DeleteRandom() error {
	n := ve.Client.Len()
	if n == 0 {
		return nil
	}
	at := ve.RNG.Intn(n)
	if err := ve.Client.Delete(at, ve.RNG.Intn(min(4, n-at))+1); err != nil {
		return fmt.Errorf("virtual editor %d failed to delete: %w", ve.Index, err)
	}
	ve.Deletes++
	return nil
}

// FormatRandom toggles a mark over a random range.
func (ve *VirtualEditor) FormatRandom() error {
	n := ve.Client.Len()
	if n == 0 {
		return nil
	}
	at := ve.RNG.Intn(n)
	value := "true"
	if ve.RNG.Float32() < 0.3 {
		value = ""
	}
	key := formatKeys[ve.RNG.Intn(len(formatKeys))]
	if err := ve.Client.Format(at, ve.RNG.Intn(n-at)+1, key, value); err != nil {
		return fmt.Errorf("virtual editor %d failed to format: %w", ve.Index, err)
	}
	ve.Formats++
	return nil
}

// Reconnect drops the connection, makes a few offline edits, and reconnects.
func (ve *VirtualEditor) Reconnect(ctx context.Context) error {
	if err := ve.Client.Disconnect(); err != nil {
		return fmt.Errorf("virtual editor %d failed to disconnect: %w", ve.Index, err)
	}
	for i := ve.RNG.Intn(3); i >= 0; i-- {
		if err := ve.InsertRandom(); err != nil {
			return err
		}
	}
	if err := ve.Client.Reconnect(ctx); err != nil {
		return fmt.Errorf("virtual editor %d failed to reconnect: %w", ve.Index, err)
	}
	ve.Reconnects++
	return nil
}

// RunScenario performs steps random edits.
func (ve *VirtualEditor) RunScenario(ctx context.Context, steps int) error {
	typist := ve.Index%2 == 0
	deleteChance, formatChance := float32(0.15), float32(0.1)
	if !typist {
		deleteChance, formatChance = 0.3, 0.2
	}
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		switch r := ve.RNG.Float32(); {
		case r < 0.02:
			err = ve.Reconnect(ctx)
		case r < 0.02+deleteChance:
			err = ve.DeleteRandom()
		case r < 0.02+deleteChance+formatChance:
			err = ve.FormatRandom()
		default:
			err = ve.InsertRandom()
		}
		if err != nil {
			return err
		}
		if ve.RNG.Float32() < 0.2 {
			// Presence is best effort.
			_ = ve.Client.SetCursor(ve.RNG.Intn(ve.Client.Len() + 1))
		}
	}
	return nil
}

// RunAll runs every editor's scenario concurrently.
func RunAll(ctx context.Context, editors []*VirtualEditor, steps int) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ve := range editors {
		g.Go(func() error { return ve.RunScenario(ctx, steps) })
	}
	return g.Wait()
}

// Converge waits until every replica has integrated every operation any of them
// produced, then checks that all of them render the same content. It returns the
// common text.
func Converge(ctx context.Context, editors []*VirtualEditor) (string, error) {
	if len(editors) == 0 {
		return "", nil
	}
	target := crdt.NewStateVector()
	for _, ve := range editors {
		target = target.Merge(ve.Client.Vector())
	}
	for _, ve := range editors {
		err := ve.Client.Wait(ctx, func(doc *crdt.Doc) bool {
			return doc.Vector().Dominates(target)
		})
		if err != nil {
			return "", fmt.Errorf("virtual editor %d did not catch up to %s: %w", ve.Index, target, err)
		}
	}

	text, content := editors[0].Client.Text(), editors[0].Client.Content()
	for _, ve := range editors[1:] {
		if got := ve.Client.Text(); got != text {
			return "", fmt.Errorf("%w: editor %d has %q, editor %d has %q", ErrDiverged, editors[0].Index, text, ve.Index, got)
		}
		if !ve.Client.Content().Equal(content) {
			return "", fmt.Errorf("%w: editor %d formatting differs from editor %d", ErrDiverged, ve.Index, editors[0].Index)
		}
	}
	return text, nil
}
