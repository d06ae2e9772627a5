package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b/cloudkit/store"
	"github.com/b/cloudkit/store/memoryadapter"
)

func TestViewMapSkipsOtherCollections(t *testing.T) {
	a := memoryadapter.New(nil)
	require.NoError(t, a.RegisterView(store.ViewDef{Name: "fruits_by_color", Observed: "fruits", ExtractKeys: []string{"color"}}))

	v := store.View{Name: "fruits_by_color", Observed: "fruits", ExtractKeys: []string{"color"}}
	err := a.Transaction(func(tx store.Tx) error {
		return v.Map(tx, "foos", "/foos/a", map[string]any{"color": "red"})
	})
	require.NoError(t, err)

	qr, err := a.View("fruits_by_color", store.Options{Filters: map[string]string{"color": "red"}})
	require.NoError(t, err)
	assert.Empty(t, qr.Rows)
}

func TestViewMapSkipsMissingKey(t *testing.T) {
	a := memoryadapter.New(nil)
	require.NoError(t, a.RegisterView(store.ViewDef{Name: "fruits_by_color", Observed: "fruits", ExtractKeys: []string{"color"}}))

	v := store.View{Name: "fruits_by_color", Observed: "fruits", ExtractKeys: []string{"color"}}
	err := a.Transaction(func(tx store.Tx) error {
		return v.Map(tx, "fruits", "/fruits/f1", map[string]any{"kind": "apple"})
	})
	require.NoError(t, err)

	qr, err := a.View("fruits_by_color", store.Options{})
	require.NoError(t, err)
	assert.Empty(t, qr.Rows)
}

func TestViewMapThenUnmap(t *testing.T) {
	a := memoryadapter.New(nil)
	require.NoError(t, a.RegisterView(store.ViewDef{Name: "fruits_by_color", Observed: "fruits", ExtractKeys: []string{"color"}}))

	v := store.View{Name: "fruits_by_color", Observed: "fruits", ExtractKeys: []string{"color"}}
	require.NoError(t, a.Transaction(func(tx store.Tx) error {
		return v.Map(tx, "fruits", "/fruits/f1", map[string]any{"color": "red"})
	}))

	qr, err := a.View("fruits_by_color", store.Options{Filters: map[string]string{"color": "red"}})
	require.NoError(t, err)
	require.Len(t, qr.Rows, 1)
	assert.Equal(t, "/fruits/f1", qr.Rows[0].URI)

	require.NoError(t, a.Transaction(func(tx store.Tx) error {
		return v.Unmap(tx, "fruits", "/fruits/f1")
	}))

	qr, err = a.View("fruits_by_color", store.Options{Filters: map[string]string{"color": "red"}})
	require.NoError(t, err)
	assert.Empty(t, qr.Rows)
}

func TestManagerMapAllFansOutToEveryView(t *testing.T) {
	a := memoryadapter.New(nil)
	require.NoError(t, a.RegisterView(store.ViewDef{Name: "by_color", Observed: "fruits", ExtractKeys: []string{"color"}}))
	require.NoError(t, a.RegisterView(store.ViewDef{Name: "by_kind", Observed: "fruits", ExtractKeys: []string{"kind"}}))

	mgr := store.NewManager([]store.View{
		{Name: "by_color", Observed: "fruits", ExtractKeys: []string{"color"}},
		{Name: "by_kind", Observed: "fruits", ExtractKeys: []string{"kind"}},
	}, nil)

	require.NoError(t, a.Transaction(func(tx store.Tx) error {
		return mgr.MapAll(tx, "fruits", "/fruits/f1", map[string]any{"color": "red", "kind": "apple"})
	}))

	qr, err := a.View("by_color", store.Options{Filters: map[string]string{"color": "red"}})
	require.NoError(t, err)
	assert.Len(t, qr.Rows, 1)

	qr, err = a.View("by_kind", store.Options{Filters: map[string]string{"kind": "apple"}})
	require.NoError(t, err)
	assert.Len(t, qr.Rows, 1)
}
