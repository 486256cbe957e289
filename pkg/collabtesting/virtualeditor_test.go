package collabtesting

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealcollab/pkg/auth"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/hub"
	"github.com/surrealdb/surrealcollab/pkg/logger"
	"github.com/surrealdb/surrealcollab/pkg/reconciler"
	"github.com/surrealdb/surrealcollab/pkg/session"
	"github.com/surrealdb/surrealcollab/pkg/store/memory"
)

const docID crdt.DocumentID = "9a7c1e2f-3b4d-4e5f-8a9b-0c1d2e3f4a5b"

func startServer(t *testing.T) (*httptest.Server, *session.Registry, *memory.Store) {
	st := memory.New()
	registry := session.NewRegistry(st, session.Config{
		Reconciler: reconciler.Config{Debounce: 10 * time.Millisecond},
		Logger:     logger.Nop(),
	})
	h := hub.New(registry, auth.Anonymous{}, auth.AllowAll{}, hub.Config{}, logger.Nop())
	router := mux.NewRouter()
	router.Handle("/ws/{"+hub.DocumentIDVar+"}", h)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		_ = h.Shutdown(context.Background())
		srv.Close()
		_ = registry.Close()
	})
	return srv, registry, st
}

func TestScenarioIsDeterministic(t *testing.T) {
	a := &VirtualEditor{Index: 3}
	b := &VirtualEditor{Index: 3}
	a.RNG = newRNG(a.Index)
	b.RNG = newRNG(b.Index)
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.word(), b.word())
	}
}

func TestConcurrentEditorsConverge(t *testing.T) {
	srv, registry, st := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	editors, err := Dial(ctx, srv.URL, docID, 4)
	require.NoError(t, err)
	defer CloseAll(editors)

	require.NoError(t, RunAll(ctx, editors, 60))
	text, err := Converge(ctx, editors)
	require.NoError(t, err)

	for _, ve := range editors {
		assert.Positive(t, ve.Inserts, "editor %d", ve.Index)
		assert.Empty(t, ve.Client.Errors(), "editor %d", ve.Index)
	}

	// The server replica agrees with the editors.
	s, err := registry.Acquire(ctx, docID)
	require.NoError(t, err)
	content, err := s.Content(ctx)
	require.NoError(t, err)
	registry.Release(s)
	assert.True(t, content.Equal(editors[0].Client.Content()))

	// Everything is persisted once the editors leave.
	CloseAll(editors)
	require.Eventually(t, func() bool {
		snap, err := st.LoadSnapshot(ctx, docID)
		if err != nil || snap == nil {
			return false
		}
		doc, err := crdt.UnmarshalState(snap.State, "")
		return err == nil && doc.Text() == text
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConvergeWithoutEditors(t *testing.T) {
	text, err := Converge(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, text)
}
