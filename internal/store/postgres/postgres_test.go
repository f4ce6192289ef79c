package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

func TestBuildTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"connection pooling", "connection | pooling"},
		{"asyncpg's pool!", "asyncpgs | pool"},
		{"!!! ???", ""},
		{"", ""},
		{"rate-limit  snake_case", "rate-limit | snake_case"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildTSQuery(tt.in))
		})
	}
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[1,0.5,-2]", VectorLiteral([]float32{1, 0.5, -2}))
	assert.Equal(t, "[]", VectorLiteral(nil))
}

func TestFilterSQL(t *testing.T) {
	var a args
	where := filterSQL(store.Filter{
		Project:   "proj",
		SessionID: "s1",
		Types:     []learning.Type{learning.TypeErrorFix},
		Tags:      []string{"db"},
	}, &a)
	assert.Equal(t, " AND l.project = $1 AND l.session_id = $2 AND l.type = ANY($3) AND l.tags @> $4", where)
	assert.Len(t, a, 4)
	assert.Equal(t, []string{"ERROR_FIX"}, a[2])

	var empty args
	assert.Equal(t, "", filterSQL(store.Filter{}, &empty))
	assert.Empty(t, empty)
}

func TestWrap(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "no rows", err: pgx.ErrNoRows, want: learning.ErrNotFound},
		{name: "deadline", err: context.DeadlineExceeded, want: learning.ErrBackendUnreachable},
		{name: "connection exception", err: &pgconn.PgError{Code: "08006"}, want: learning.ErrBackendUnreachable},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: learning.ErrBackendUnreachable},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}},
		{name: "other", err: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap("op", fmt.Errorf("ctx: %w", tt.err))
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			assert.False(t, learning.IsRetryable(err))
			assert.False(t, errors.Is(err, learning.ErrNotFound))
		})
	}
	assert.NoError(t, wrap("op", nil))
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Config{Dimension: 4}, nil)
	assert.Error(t, err)
	_, err = Open(context.Background(), Config{URL: "postgres://localhost/db"}, nil)
	assert.Error(t, err)
}
