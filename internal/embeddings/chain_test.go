package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/learnd/internal/learning"
)

func TestChain_Fallback(t *testing.T) {
	primary := NewFakeProvider(8)
	primary.Label = "primary"
	fallback := NewFakeProvider(8)
	fallback.Label = "fallback"
	fallback.Set("hello", []float32{1, 0, 0, 0, 0, 0, 0, 0})

	c := NewChain(primary, []Provider{fallback}, nil)
	assert.Equal(t, "primary", c.Name())
	assert.Equal(t, 8, c.Dimension())

	vec, err := c.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), primary.Calls())
	assert.Equal(t, int64(0), fallback.Calls())
	assert.Len(t, vec, 8)

	primary.SetFailing(true)
	vec, err = c.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0, 0, 0, 0, 0}, vec)
	assert.Equal(t, int64(1), fallback.Calls())
}

func TestChain_AllFail(t *testing.T) {
	primary := NewFakeProvider(8)
	fallback := NewFakeProvider(8)
	primary.SetFailing(true)
	fallback.SetFailing(true)

	c := NewChain(primary, []Provider{fallback}, nil)

	_, err := c.EmbedQuery(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, learning.ErrEmbeddingUnavailable)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	_, err = c.EmbedDocuments(context.Background(), []string{"x", "y"})
	assert.ErrorIs(t, err, learning.ErrEmbeddingUnavailable)
}

func TestChain_EmptyInput(t *testing.T) {
	c := NewChain(NewFakeProvider(4), nil, nil)

	_, err := c.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = c.EmbedDocuments(context.Background(), []string{})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestChain_CanceledContextStops(t *testing.T) {
	primary := NewFakeProvider(4)
	fallback := NewFakeProvider(4)
	c := NewChain(primary, []Provider{fallback}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.EmbedQuery(ctx, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), fallback.Calls())
}
