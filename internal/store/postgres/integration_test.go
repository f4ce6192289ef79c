//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/learnd/internal/store"
	"github.com/fyrsmithlabs/learnd/internal/store/storetest"
)

const testDim = 8

// openIntegration connects to LEARND_TEST_DATABASE_URL and empties every
// table so each subtest starts clean.
func openIntegration(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("LEARND_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEARND_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, Config{URL: url, MaxConns: 4, Dimension: testDim}, nil)
	require.NoError(t, err)
	_, err = s.Pool().Exec(ctx, `TRUNCATE learnings, sessions, file_claims, handoffs`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.RunBackendSuite(t, func(t *testing.T) store.Backend { return openIntegration(t) })
}

func TestOpen_DimensionMismatch(t *testing.T) {
	openIntegration(t)

	url := os.Getenv("LEARND_TEST_DATABASE_URL")
	_, err := Open(context.Background(), Config{URL: url, Dimension: testDim * 2}, nil)
	require.Error(t, err)
}
