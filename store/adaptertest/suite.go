// Package adaptertest is a shared conformance suite every store.Adapter
// implementation must pass, grounded on the teacher's runStoreTests
// helper in store/store_test.go (one function exercised against every
// backend) and widened from the teacher's flat (collection, key, data)
// contract to the versioned row/view contract.
package adaptertest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b/cloudkit/store"
)

// Run exercises adapter (assumed empty) against every Adapter method.
// newAdapter must return a fresh, empty Adapter each call so Reset
// behavior can be checked independently of insert/query behavior.
func Run(t *testing.T, newAdapter func(t *testing.T) store.Adapter) {
	t.Helper()

	t.Run("ResourceCollection empty", func(t *testing.T) {
		a := newAdapter(t)
		qr, err := a.ResourceCollection("/foos", store.Options{})
		require.NoError(t, err)
		assert.Equal(t, 0, qr.Total)
		assert.Empty(t, qr.Rows)
	})

	t.Run("insert then read back current resource", func(t *testing.T) {
		a := newAdapter(t)
		entry := store.Entry{
			URI: "/foos/a", ETag: "E1", CollectionReference: "/foos",
			ResourceReference: "/foos/a", LastModified: "now", Content: `{"a":1}`,
		}
		err := a.Transaction(func(tx store.Tx) error {
			_, err := tx.Insert(entry)
			return err
		})
		require.NoError(t, err)

		got, err := a.Resource("/foos/a", store.Options{})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "E1", got.ETag)
		assert.Equal(t, `{"a":1}`, got.Content)

		qr, err := a.ResourceCollection("/foos", store.Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, qr.Total)
		require.Len(t, qr.Rows, 1)
		assert.Equal(t, "/foos/a", qr.Rows[0].URI)
	})

	t.Run("remote_user scoping hides rows from other principals", func(t *testing.T) {
		a := newAdapter(t)
		entry := store.Entry{
			URI: "/foos/b", ETag: "E1", CollectionReference: "/foos",
			ResourceReference: "/foos/b", LastModified: "now", Content: `{}`, RemoteUser: "alice",
		}
		require.NoError(t, a.Transaction(func(tx store.Tx) error {
			_, err := tx.Insert(entry)
			return err
		}))

		got, err := a.Resource("/foos/b", store.Options{RemoteUser: "bob"})
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = a.Resource("/foos/b", store.Options{RemoteUser: "alice"})
		require.NoError(t, err)
		require.NotNil(t, got)
	})

	t.Run("rewrite then insert models an update", func(t *testing.T) {
		a := newAdapter(t)
		v1 := store.Entry{
			URI: "/foos/c", ETag: "E1", CollectionReference: "/foos",
			ResourceReference: "/foos/c", LastModified: "t1", Content: `{"a":1}`,
		}
		require.NoError(t, a.Transaction(func(tx store.Tx) error {
			_, err := tx.Insert(v1)
			return err
		}))

		v2 := store.Entry{
			URI: "/foos/c", ETag: "E2", CollectionReference: "/foos",
			ResourceReference: "/foos/c", LastModified: "t2", Content: `{"a":2}`,
		}
		require.NoError(t, a.Transaction(func(tx store.Tx) error {
			if err := tx.RewriteURI("/foos/c", "/foos/c/versions/E1"); err != nil {
				return err
			}
			_, err := tx.Insert(v2)
			return err
		}))

		current, err := a.Resource("/foos/c", store.Options{})
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, "E2", current.ETag)

		historical, err := a.ResourceVersion("/foos/c/versions/E1", store.Options{})
		require.NoError(t, err)
		require.NotNil(t, historical)
		assert.Equal(t, "E1", historical.ETag)

		qr, err := a.VersionCollection("/foos/c", store.Options{})
		require.NoError(t, err)
		assert.Equal(t, 2, qr.Total)
	})

	t.Run("VersionCollection on unknown resource is ErrNotFound", func(t *testing.T) {
		a := newAdapter(t)
		_, err := a.VersionCollection("/foos/never", store.Options{})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate uri insert fails", func(t *testing.T) {
		a := newAdapter(t)
		entry := store.Entry{
			URI: "/foos/d", ETag: "E1", CollectionReference: "/foos",
			ResourceReference: "/foos/d", LastModified: "t1", Content: `{}`,
		}
		require.NoError(t, a.Transaction(func(tx store.Tx) error {
			_, err := tx.Insert(entry)
			return err
		}))
		err := a.Transaction(func(tx store.Tx) error {
			_, err := tx.Insert(entry)
			return err
		})
		assert.Error(t, err)
	})

	t.Run("failed transaction leaves no partial state", func(t *testing.T) {
		a := newAdapter(t)
		entry := store.Entry{
			URI: "/foos/e", ETag: "E1", CollectionReference: "/foos",
			ResourceReference: "/foos/e", LastModified: "t1", Content: `{}`,
		}
		err := a.Transaction(func(tx store.Tx) error {
			if _, err := tx.Insert(entry); err != nil {
				return err
			}
			return assert.AnError
		})
		require.Error(t, err)

		got, err := a.Resource("/foos/e", store.Options{})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("views map and unmap", func(t *testing.T) {
		a := newAdapter(t)
		require.NoError(t, a.RegisterView(store.ViewDef{Name: "fruits_by_color", Observed: "fruits", ExtractKeys: []string{"color"}}))

		require.NoError(t, a.Transaction(func(tx store.Tx) error {
			return tx.ViewUpsert("fruits_by_color", "/fruits/f1", "/fruits", map[string]string{"color": "red"})
		}))

		qr, err := a.View("fruits_by_color", store.Options{Filters: map[string]string{"color": "red"}})
		require.NoError(t, err)
		require.Len(t, qr.Rows, 1)
		assert.Equal(t, "/fruits/f1", qr.Rows[0].URI)

		qr, err = a.View("fruits_by_color", store.Options{Filters: map[string]string{"color": "green"}})
		require.NoError(t, err)
		assert.Empty(t, qr.Rows)

		require.NoError(t, a.Transaction(func(tx store.Tx) error {
			return tx.ViewDelete("fruits_by_color", "/fruits/f1")
		}))
		qr, err = a.View("fruits_by_color", store.Options{Filters: map[string]string{"color": "red"}})
		require.NoError(t, err)
		assert.Empty(t, qr.Rows)
	})

	t.Run("Reset truncates rows and views", func(t *testing.T) {
		a := newAdapter(t)
		require.NoError(t, a.RegisterView(store.ViewDef{Name: "by_color2", Observed: "fruits", ExtractKeys: []string{"color"}}))
		require.NoError(t, a.Transaction(func(tx store.Tx) error {
			if _, err := tx.Insert(store.Entry{
				URI: "/foos/g", ETag: "E1", CollectionReference: "/foos",
				ResourceReference: "/foos/g", LastModified: "t1", Content: `{}`,
			}); err != nil {
				return err
			}
			return tx.ViewUpsert("by_color2", "/fruits/f2", "/fruits", map[string]string{"color": "red"})
		}))

		require.NoError(t, a.Reset())

		qr, err := a.ResourceCollection("/foos", store.Options{})
		require.NoError(t, err)
		assert.Equal(t, 0, qr.Total)

		vq, err := a.View("by_color2", store.Options{Filters: map[string]string{"color": "red"}})
		require.NoError(t, err)
		assert.Empty(t, vq.Rows)
	})

	t.Run("pagination slices and preserves total", func(t *testing.T) {
		a := newAdapter(t)
		for i := 0; i < 3; i++ {
			e := store.Entry{
				ETag: "E", CollectionReference: "/foos", LastModified: "t",
				Content: "{}",
			}
			e.URI = "/foos/p" + string(rune('0'+i))
			e.ResourceReference = e.URI
			require.NoError(t, a.Transaction(func(tx store.Tx) error {
				_, err := tx.Insert(e)
				return err
			}))
		}
		qr, err := a.ResourceCollection("/foos", store.Options{HasLimit: true, Limit: 0})
		require.NoError(t, err)
		assert.Equal(t, 3, qr.Total)
		assert.Empty(t, qr.Rows)

		qr, err = a.ResourceCollection("/foos", store.Options{HasLimit: true, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, qr.Total)
		assert.Len(t, qr.Rows, 2)
	})
}
