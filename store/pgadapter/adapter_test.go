package pgadapter_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/b/cloudkit/store"
	"github.com/b/cloudkit/store/adaptertest"
	"github.com/b/cloudkit/store/pgadapter"
)

// TestAdapterConformance runs the shared suite against a real Postgres
// instance named by TEST_POSTGRES_DSN. Skipped when unset, since this
// adapter has no in-process fake to fall back to.
func TestAdapterConformance(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	adaptertest.Run(t, func(t *testing.T) store.Adapter {
		a, err := pgadapter.Open(dsn, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NoError(t, a.Reset())
		t.Cleanup(func() { a.Close() })
		return a
	})
}
