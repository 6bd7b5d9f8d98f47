package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jrsteele09/portal-session/docstore"
	"github.com/jrsteele09/portal-session/docstore/pgstore"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *pgstore.Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		t.Skipf("db unavailable: %v", err)
	}

	s, err := pgstore.New(context.Background(), pool)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		pool.Close()
	})
	return s
}

func TestNewRequiresPool(t *testing.T) {
	_, err := pgstore.New(context.Background(), nil)
	require.Error(t, err)
}

func TestUpsertMergeAndSubscribe(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collection := "users-" + uuid.NewString()

	ch, err := s.Subscribe(ctx, collection, "U1")
	require.NoError(t, err)
	require.False(t, (<-ch).Exists)

	require.NoError(t, s.UpsertMerge(ctx, collection, "U1", docstore.Document{"role": "student", "phone": "1"}))
	require.NoError(t, s.UpsertMerge(ctx, collection, "U1", docstore.Document{"phone": "2"}))

	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return snap.Exists && snap.Data["phone"] == "2"
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)

	doc, ok, err := s.GetOnce(ctx, collection, "U1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, docstore.Document{"role": "student", "phone": "2"}, doc)
}
