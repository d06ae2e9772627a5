package sqliteadapter_test

import (
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/b/cloudkit/store"
	"github.com/b/cloudkit/store/adaptertest"
	"github.com/b/cloudkit/store/sqliteadapter"
)

func TestAdapterConformance(t *testing.T) {
	adaptertest.Run(t, func(t *testing.T) store.Adapter {
		dbPath := filepath.Join(t.TempDir(), "cloudkit.db")
		a, err := sqliteadapter.Open(dbPath, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { a.Close() })
		return a
	})
}
