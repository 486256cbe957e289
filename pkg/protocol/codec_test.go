package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealcollab/pkg/awareness"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/protocol"
)

func TestCodecs(t *testing.T) {
	doc := crdt.NewDoc("alice")
	op, err := doc.LocalInsert(0, "héllo\nworld")
	require.NoError(t, err)
	bold, err := doc.LocalFormat(0, 5, "bold", "true")
	require.NoError(t, err)

	update := protocol.Update("doc-1", "alice", []crdt.Operation{*op, *bold})
	cursor := doc.Position(2)
	presence := protocol.Awareness("doc-1", "alice", &awareness.State{
		ClientID: "alice",
		User:     awareness.User{ID: "u1", Name: "Alice", Color: "#abcdef"},
		Cursor:   &cursor,
	})
	leave := protocol.Awareness("doc-1", "alice", nil)

	for _, sub := range protocol.Subprotocols {
		t.Run(sub, func(t *testing.T) {
			codec, err := protocol.ForSubprotocol(sub)
			require.NoError(t, err)
			require.Equal(t, sub, codec.Subprotocol())

			data, err := codec.Marshal(update)
			require.NoError(t, err)
			var got protocol.Message
			require.NoError(t, codec.Unmarshal(data, &got))
			require.Equal(t, protocol.KindUpdate, got.Kind)
			require.Len(t, got.Operations, 2)

			// Decoded operations apply to a fresh replica exactly like the originals.
			replica := crdt.NewDoc("")
			for _, o := range got.Operations {
				_, err := replica.Apply(o)
				require.NoError(t, err)
			}
			require.Equal(t, doc.Materialize(), replica.Materialize())

			data, err = codec.Marshal(presence)
			require.NoError(t, err)
			got = protocol.Message{}
			require.NoError(t, codec.Unmarshal(data, &got))
			require.NotNil(t, got.Awareness)
			require.Equal(t, "Alice", got.Awareness.User.Name)
			require.Equal(t, 2, replica.Resolve(*got.Awareness.Cursor))

			data, err = codec.Marshal(leave)
			require.NoError(t, err)
			got = protocol.Message{}
			require.NoError(t, codec.Unmarshal(data, &got))
			require.Equal(t, protocol.KindAwareness, got.Kind)
			require.Nil(t, got.Awareness)
		})
	}

	_, err = protocol.ForSubprotocol("xml")
	require.Error(t, err)
	codec, err := protocol.ForSubprotocol("")
	require.NoError(t, err)
	require.True(t, codec.Binary())
}
