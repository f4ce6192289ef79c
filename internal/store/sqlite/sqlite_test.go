package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/learnd/internal/store"
	"github.com/fyrsmithlabs/learnd/internal/store/storetest"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "learnd.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.RunBackendSuite(t, func(t *testing.T) store.Backend { return openTest(t) })
}

func TestStore_Identity(t *testing.T) {
	s := openTest(t)
	assert.Equal(t, "sqlite", s.Name())
	assert.Equal(t, store.KindLexical, s.Kind())
	assert.Equal(t, store.Capabilities{Lexical: true}, s.Capabilities())
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "learnd.db")
	ctx := context.Background()

	s, err := Open(ctx, path, nil)
	require.NoError(t, err)
	l := storetest.NewLearning(t, "s1", "proj", "persisted across restarts")
	require.NoError(t, s.InsertLearning(ctx, l))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetLearning(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Content, got.Content)

	hits, err := s.LexicalSearch(ctx, "restarts", store.Filter{Project: "proj"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestInsertLearning_Idempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	l := storetest.NewLearning(t, "s1", "proj", "retry-safe insert")

	require.NoError(t, s.InsertLearning(ctx, l))
	require.NoError(t, s.InsertLearning(ctx, l))

	hits, err := s.LexicalSearch(ctx, "insert", store.Filter{Project: "proj"}, 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestMatchQuery(t *testing.T) {
	assert.Equal(t, `"foo" OR "bar-baz"`, MatchQuery([]string{"foo", "bar-baz"}))
	assert.Equal(t, "", MatchQuery(nil))
}
