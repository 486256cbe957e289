package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealcollab/pkg/store"
	"github.com/surrealdb/surrealcollab/pkg/store/redis"
	"github.com/surrealdb/surrealcollab/pkg/store/storetest"
)

func TestStore(t *testing.T) {
	url := storetest.RequireEnv(t, "REDIS_URL")
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := redis.Open(context.Background(), url)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
