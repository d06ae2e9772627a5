package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/b/cloudkit/handler"
	"github.com/b/cloudkit/store"
	"github.com/b/cloudkit/store/memoryadapter"
)

// Grounded on the ouroboros-db api_verification harness: build a tiny
// request/response helper rather than hand-rolling httptest calls per
// test.
func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	adapter := memoryadapter.New(zaptest.NewLogger(t))
	registry := store.NewRegistry([]string{"foos"}, nil)
	engine, err := store.NewEngine(adapter, registry, store.NewManager(nil, zaptest.NewLogger(t)), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return handler.New(engine, zaptest.NewLogger(t))
}

func do(h http.Handler, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)
	rec := do(h, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateListGetRoundTrip(t *testing.T) {
	h := newTestHandler(t)

	created := do(h, http.MethodPost, "/foos", []byte(`{"a":1}`), nil)
	require.Equal(t, http.StatusCreated, created.Code)
	var createdBody map[string]any
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &createdBody))
	uri := createdBody["uri"].(string)
	etag := createdBody["etag"].(string)

	list := do(h, http.MethodGet, "/foos", nil, nil)
	assert.Equal(t, http.StatusOK, list.Code)

	get := do(h, http.MethodGet, uri, nil, nil)
	assert.Equal(t, http.StatusOK, get.Code)
	assert.JSONEq(t, `{"a":1}`, get.Body.String())
	assert.Equal(t, `"`+etag+`"`, get.Header().Get("ETag"))

	update := do(h, http.MethodPut, uri, []byte(`{"a":2}`), map[string]string{"If-Match": etag})
	assert.Equal(t, http.StatusOK, update.Code)
}

func TestRemoteUserHeaderScopesAccess(t *testing.T) {
	h := newTestHandler(t)

	created := do(h, http.MethodPut, "/foos/x", []byte(`{"a":1}`), map[string]string{"X-Remote-User": "alice"})
	require.Equal(t, http.StatusCreated, created.Code)

	blocked := do(h, http.MethodGet, "/foos/x", nil, map[string]string{"X-Remote-User": "bob"})
	assert.Equal(t, http.StatusNotFound, blocked.Code)

	allowed := do(h, http.MethodGet, "/foos/x", nil, map[string]string{"X-Remote-User": "alice"})
	assert.Equal(t, http.StatusOK, allowed.Code)
}

func TestUnknownCollectionIsBadRequest(t *testing.T) {
	h := newTestHandler(t)
	rec := do(h, http.MethodGet, "/bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptionsReturnsAllow(t *testing.T) {
	h := newTestHandler(t)
	created := do(h, http.MethodPost, "/foos", []byte(`{}`), nil)
	var body map[string]any
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &body))
	uri := body["uri"].(string)

	rec := do(h, http.MethodOptions, uri, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GET, HEAD, PUT, DELETE, OPTIONS", rec.Header().Get("Allow"))
}
