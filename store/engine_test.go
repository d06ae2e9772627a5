package store_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/b/cloudkit/store"
	"github.com/b/cloudkit/store/memoryadapter"
)

func newTestEngine(t *testing.T, collections, views []string, viewDefs []store.View) *store.Engine {
	t.Helper()
	adapter := memoryadapter.New(zaptest.NewLogger(t))
	registry := store.NewRegistry(collections, views)
	mgr := store.NewManager(viewDefs, zaptest.NewLogger(t))
	e, err := store.NewEngine(adapter, registry, mgr, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func decodeBody(t *testing.T, content string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(content), &m))
	return m
}

// TestScenario1CreateListGet follows spec §8 scenario 1.
func TestScenario1CreateListGet(t *testing.T) {
	e := newTestEngine(t, []string{"foos"}, nil, nil)

	resp, err := e.Post("/foos", store.Options{JSON: `{"a":1}`, HasJSON: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	body := decodeBody(t, resp.Content)
	uri := body["uri"].(string)
	etag1 := body["etag"].(string)
	assert.NotEmpty(t, uri)
	assert.NotEmpty(t, etag1)

	listResp, err := e.Get("/foos", store.Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, listResp.Status)
	listBody := decodeBody(t, listResp.Content)
	assert.Equal(t, float64(1), listBody["total"])
	uris := listBody["uris"].([]any)
	require.Len(t, uris, 1)
	assert.Equal(t, uri, uris[0])

	getResp, err := e.Get(uri, store.Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, getResp.Status)
	assert.JSONEq(t, `{"a":1}`, getResp.Content)
	assert.Equal(t, `"`+etag1+`"`, getResp.Header("ETag"))
}

// TestScenario2PutWithoutETag follows spec §8 scenario 2.
func TestScenario2PutWithoutETag(t *testing.T) {
	e := newTestEngine(t, []string{"foos"}, nil, nil)
	created, err := e.Post("/foos", store.Options{JSON: `{"a":1}`, HasJSON: true})
	require.NoError(t, err)
	uri := decodeBody(t, created.Content)["uri"].(string)

	resp, err := e.Put(uri, store.Options{JSON: `{"a":2}`, HasJSON: true})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

// TestScenario3UpdateAndVersionHistory follows spec §8 scenario 3.
func TestScenario3UpdateAndVersionHistory(t *testing.T) {
	e := newTestEngine(t, []string{"foos"}, nil, nil)
	created, err := e.Post("/foos", store.Options{JSON: `{"a":1}`, HasJSON: true})
	require.NoError(t, err)
	createdBody := decodeBody(t, created.Content)
	uri := createdBody["uri"].(string)
	etag1 := createdBody["etag"].(string)

	updated, err := e.Put(uri, store.Options{JSON: `{"a":2}`, HasJSON: true, ETag: etag1, HasETag: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, updated.Status)
	etag2 := decodeBody(t, updated.Content)["etag"].(string)
	assert.NotEqual(t, etag1, etag2)

	versions, err := e.Get(uri+"/versions", store.Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, versions.Status)
	versionURIs := decodeBody(t, versions.Content)["uris"].([]any)
	require.Len(t, versionURIs, 2)
	assert.Equal(t, uri, versionURIs[0])
	assert.Equal(t, uri+"/versions/"+etag1, versionURIs[1])

	historical, err := e.Get(uri+"/versions/"+etag1, store.Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, historical.Status)
	assert.JSONEq(t, `{"a":1}`, historical.Content)
}

// TestScenario4DeleteThenGone follows spec §8 scenario 4.
func TestScenario4DeleteThenGone(t *testing.T) {
	e := newTestEngine(t, []string{"foos"}, nil, nil)
	created, err := e.Post("/foos", store.Options{JSON: `{"a":1}`, HasJSON: true})
	require.NoError(t, err)
	createdBody := decodeBody(t, created.Content)
	uri := createdBody["uri"].(string)
	etag1 := createdBody["etag"].(string)

	updated, err := e.Put(uri, store.Options{JSON: `{"a":2}`, HasJSON: true, ETag: etag1, HasETag: true})
	require.NoError(t, err)
	etag2 := decodeBody(t, updated.Content)["etag"].(string)

	staleDelete, err := e.Delete(uri, store.Options{ETag: etag1, HasETag: true})
	require.Error(t, err)
	assert.Equal(t, http.StatusPreconditionFailed, staleDelete.Status)

	del, err := e.Delete(uri, store.Options{ETag: etag2, HasETag: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, del.Status)
	delBody := decodeBody(t, del.Content)
	assert.Equal(t, uri+"/versions/"+etag2, delBody["uri"])

	gone, err := e.Get(uri, store.Options{})
	require.Error(t, err)
	assert.Equal(t, http.StatusGone, gone.Status)

	historical, err := e.Get(uri+"/versions/"+etag2, store.Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, historical.Status)
}

// TestScenario5RemoteUserScoping follows spec §8 scenario 5.
func TestScenario5RemoteUserScoping(t *testing.T) {
	e := newTestEngine(t, []string{"foos"}, nil, nil)
	created, err := e.Put("/foos/x", store.Options{JSON: `{"a":1}`, HasJSON: true, RemoteUser: "alice"})
	require.NoError(t, err)
	etag1 := decodeBody(t, created.Content)["etag"].(string)

	resp, err := e.Get("/foos/x", store.Options{RemoteUser: "bob"})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp, err = e.Put("/foos/x", store.Options{JSON: `{"a":2}`, HasJSON: true, ETag: etag1, HasETag: true, RemoteUser: "bob"})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

// TestScenario6OptionsAndMethodNotAllowed follows spec §8 scenario 6.
func TestScenario6OptionsAndMethodNotAllowed(t *testing.T) {
	e := newTestEngine(t, []string{"foos"}, nil, nil)
	created, err := e.Post("/foos", store.Options{JSON: `{"a":1}`, HasJSON: true})
	require.NoError(t, err)
	uri := decodeBody(t, created.Content)["uri"].(string)

	opts, err := e.Options(uri)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, opts.Status)
	assert.Equal(t, "GET, HEAD, PUT, DELETE, OPTIONS", opts.Header("Allow"))

	resp, err := e.Post(uri, store.Options{JSON: `{}`, HasJSON: true})
	require.Error(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	assert.Equal(t, "GET, HEAD, PUT, DELETE, OPTIONS", resp.Header("Allow"))
}

// TestScenario7InvalidJSONIsUnprocessable follows spec §8 scenario 7.
func TestScenario7InvalidJSONIsUnprocessable(t *testing.T) {
	e := newTestEngine(t, []string{"foos"}, nil, nil)
	created, err := e.Post("/foos", store.Options{JSON: `{"a":1}`, HasJSON: true})
	require.NoError(t, err)
	uri := decodeBody(t, created.Content)["uri"].(string)
	etag1 := decodeBody(t, created.Content)["etag"].(string)

	resp, err := e.Put(uri, store.Options{JSON: `not json`, HasJSON: true, ETag: etag1, HasETag: true})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)
}

// TestScenario8ViewMapAndUnmap follows spec §8 scenario 8.
func TestScenario8ViewMapAndUnmap(t *testing.T) {
	e := newTestEngine(t, []string{"fruits"}, []string{"fruits_by_color"},
		[]store.View{{Name: "fruits_by_color", Observed: "fruits", ExtractKeys: []string{"color"}}})

	created, err := e.Post("/fruits", store.Options{JSON: `{"color":"red","kind":"apple"}`, HasJSON: true})
	require.NoError(t, err)
	createdBody := decodeBody(t, created.Content)
	uri := createdBody["uri"].(string)
	etag1 := createdBody["etag"].(string)

	viewResp, err := e.Get("/fruits_by_color", store.Options{Filters: map[string]string{"color": "red"}})
	require.NoError(t, err)
	uris := decodeBody(t, viewResp.Content)["uris"].([]any)
	require.Len(t, uris, 1)
	assert.Equal(t, uri, uris[0])

	_, err = e.Delete(uri, store.Options{ETag: etag1, HasETag: true})
	require.NoError(t, err)

	viewResp, err = e.Get("/fruits_by_color", store.Options{Filters: map[string]string{"color": "red"}})
	require.NoError(t, err)
	uris = decodeBody(t, viewResp.Content)["uris"].([]any)
	assert.Empty(t, uris)
}

func TestLimitZeroReturnsEmptyListCorrectTotal(t *testing.T) {
	e := newTestEngine(t, []string{"foos"}, nil, nil)
	_, err := e.Post("/foos", store.Options{JSON: `{}`, HasJSON: true})
	require.NoError(t, err)

	resp, err := e.Get("/foos", store.Options{HasLimit: true, Limit: 0})
	require.NoError(t, err)
	body := decodeBody(t, resp.Content)
	assert.Equal(t, float64(1), body["total"])
	assert.Empty(t, body["uris"])
}

func TestUnknownEntityIsBadRequest(t *testing.T) {
	e := newTestEngine(t, []string{"foos"}, nil, nil)
	resp, err := e.Get("/bogus", store.Options{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestMetaListsCollections(t *testing.T) {
	e := newTestEngine(t, []string{"foos", "bars"}, nil, nil)
	resp, err := e.Get("/cloudkit-meta", store.Options{})
	require.NoError(t, err)
	body := decodeBody(t, resp.Content)
	uris := body["uris"].([]any)
	assert.ElementsMatch(t, []any{"/foos", "/bars"}, uris)
}
