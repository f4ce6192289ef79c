package handoff

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/learnd/internal/coord"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/scrub"
	"github.com/fyrsmithlabs/learnd/internal/store/sqlite"
)

func newService(t *testing.T) *Service {
	t.Helper()
	b, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "learnd.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	s, err := NewService(b, scrub.New(true, nil), nil)
	require.NoError(t, err)
	return s
}

func TestCreate_WriteOnce(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	sc := coord.SessionContext{SessionID: "s1", Project: "proj"}

	h, err := s.Create(ctx, sc, "Finished the parser rewrite; lexer tests still flaky.")
	require.NoError(t, err)
	assert.Equal(t, ID(sc), h.ID)
	assert.Equal(t, learning.OutcomeUnknown, h.Outcome)

	_, err = s.Create(ctx, sc, "second attempt")
	assert.ErrorIs(t, err, learning.ErrHandoffExists)

	got, err := s.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.Content, got.Content)
}

func TestCreate_ScrubsSecrets(t *testing.T) {
	s := newService(t)
	sc := coord.SessionContext{SessionID: "s1", Project: "proj"}

	h, err := s.Create(context.Background(), sc, "deploy with password=hunter2hunter2 then restart")
	require.NoError(t, err)
	assert.NotContains(t, h.Content, "hunter2hunter2")
	assert.Contains(t, h.Content, scrub.Redaction)
}

func TestCreate_Validation(t *testing.T) {
	s := newService(t)
	_, err := s.Create(context.Background(), coord.SessionContext{SessionID: "s1", Project: "proj"}, "   ")
	assert.ErrorIs(t, err, learning.ErrInvalidLearning)
	_, err = s.Create(context.Background(), coord.SessionContext{SessionID: "s1"}, "content")
	assert.ErrorIs(t, err, learning.ErrInvalidQuery)
}

func TestMarkAndSearch(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	h1, err := s.Create(ctx, coord.SessionContext{SessionID: "s1", Project: "proj"}, "migrated the billing tables")
	require.NoError(t, err)
	_, err = s.Create(ctx, coord.SessionContext{SessionID: "s2", Project: "proj"}, "fixed flaky websocket reconnect")
	require.NoError(t, err)

	require.NoError(t, s.Mark(ctx, h1.ID, "succeeded", "shipped"))
	assert.Error(t, s.Mark(ctx, h1.ID, "great", ""))
	assert.ErrorIs(t, s.Mark(ctx, "missing", learning.OutcomeFailed, ""), learning.ErrNotFound)

	got, err := s.Search(ctx, "proj", "billing", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, learning.OutcomeSucceeded, got[0].Outcome)
	assert.Equal(t, "shipped", got[0].OutcomeNotes)

	recent, err := s.Search(ctx, "proj", "", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	_, err = s.Search(ctx, "", "billing", 5)
	assert.ErrorIs(t, err, learning.ErrInvalidQuery)
}

func TestID_Deterministic(t *testing.T) {
	a := ID(coord.SessionContext{SessionID: "s1", Project: "proj"})
	assert.Equal(t, a, ID(coord.SessionContext{SessionID: "s1", Project: "proj"}))
	assert.NotEqual(t, a, ID(coord.SessionContext{SessionID: "s1", Project: "other"}))
}
