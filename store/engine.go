// Package store implements the cloudkit Store Engine: URI classification,
// resource/version lifecycle, optimistic concurrency, versioned storage
// transactions, the pluggable Adapter contract, and view coupling
// (spec §2-§5).
package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/b/cloudkit/schema"
)

// Engine is the Store Engine (§4.4): it classifies URIs, enforces
// preconditions, drives the Adapter and view Manager, and produces
// Responses. It holds no per-request mutable state; the allowed-method
// lists in classify.go are pure functions of a URI's Kind and safe to
// share across concurrent requests (§5).
type Engine struct {
	adapter  Adapter
	registry Registry
	views    *Manager
	schemas  map[string]map[string]any
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine builds an Engine and registers every configured view's
// storage with adapter.
func NewEngine(adapter Adapter, registry Registry, views *Manager, schemas map[string]map[string]any, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if views == nil {
		views = NewManager(nil, logger)
	}
	if schemas == nil {
		schemas = map[string]map[string]any{}
	}
	e := &Engine{adapter: adapter, registry: registry, views: views, schemas: schemas, logger: logger, now: time.Now}
	for _, v := range views.All() {
		if err := adapter.RegisterView(v.Def()); err != nil {
			return nil, fmt.Errorf("register view %s: %w", v.Name, err)
		}
	}
	return e, nil
}

// Version returns the Store Engine's API version (§6).
func (e *Engine) Version() int { return 1 }

// Reset truncates all storage, delegating to the adapter (§4.3, §4.4).
func (e *Engine) Reset() error { return e.adapter.Reset() }

func collectionNameFor(uri string) string {
	return strings.TrimPrefix(CollectionURIFragment(uri), "/")
}

func httpDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

func jsonBody(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// errWithErr builds an error Response carrying a JSON {"detail": msg}
// body and returns it alongside the wrapped sentinel, so callers can
// both render the HTTP response and errors.Is the outcome.
func (e *Engine) errWithErr(status int, sentinel error, msg string) (Response, error) {
	return NewResponse(status, jsonBody(map[string]string{"detail": msg})), fmt.Errorf("%w: %s", sentinel, msg)
}

func (e *Engine) methodNotAllowed(kind Kind) (Response, error) {
	methods := MethodsForKind(kind)
	resp := NewResponse(http.StatusMethodNotAllowed, jsonBody(map[string]string{"detail": "method not allowed"}))
	return resp.WithAllow(methods), fmt.Errorf("%w", ErrMethodNotAllowed)
}

// ---------- GET / HEAD ----------

// Get dispatches a read by URI kind (§4.4 get).
func (e *Engine) Get(uri string, opts Options) (Response, error) {
	if !e.registry.EntityKnown(uri) {
		return e.errWithErr(http.StatusBadRequest, ErrInvalidEntity, "invalid entity type")
	}
	kind := e.registry.Classify(uri)
	switch kind {
	case KindMeta:
		return e.getMeta()
	case KindResourceCollection:
		return e.getResourceCollection(CollectionURIFragment(uri), opts, false)
	case KindResolvedResourceCollection:
		return e.getResourceCollection(CollectionURIFragment(uri), opts, true)
	case KindResource:
		return e.getResource(uri, opts)
	case KindResourceVersion:
		return e.getResourceVersion(uri, opts)
	case KindVersionCollection:
		return e.getVersionCollection(CurrentResourceURI(uri), opts, false)
	case KindResolvedVersionCollection:
		return e.getVersionCollection(CurrentResourceURI(uri), opts, true)
	case KindView:
		return e.getView(strings.TrimPrefix(CollectionURIFragment(uri), "/"), opts)
	default:
		return e.errWithErr(http.StatusNotFound, ErrNotFound, "not found")
	}
}

// Head delegates to Get and projects the result to a no-body Response
// (§4.4 head). A real deployment can shortcut the underlying adapter
// query for single-resource/version URIs; functionally the result is
// identical either way, so the engine always takes the simple path.
func (e *Engine) Head(uri string, opts Options) (Response, error) {
	resp, err := e.Get(uri, opts)
	return resp.Head(), err
}

func (e *Engine) getMeta() (Response, error) {
	uris := make([]string, 0, len(e.registry.Collections))
	for c := range e.registry.Collections {
		uris = append(uris, "/"+c)
	}
	sort.Strings(uris)
	return NewResponse(http.StatusOK, jsonBody(map[string]any{"uris": uris})), nil
}

func (e *Engine) getResourceCollection(collectionURI string, opts Options, resolved bool) (Response, error) {
	qr, err := e.adapter.ResourceCollection(collectionURI, opts)
	if err != nil {
		return Response{}, err
	}
	return e.bundle(qr, opts, resolved), nil
}

func (e *Engine) getVersionCollection(resourceURI string, opts Options, resolved bool) (Response, error) {
	qr, err := e.adapter.VersionCollection(resourceURI, opts)
	if errors.Is(err, ErrNotFound) {
		return e.errWithErr(http.StatusNotFound, ErrNotFound, "not found")
	}
	if err != nil {
		return Response{}, err
	}
	return e.bundle(qr, opts, resolved), nil
}

func (e *Engine) getView(viewName string, opts Options) (Response, error) {
	qr, err := e.adapter.View(viewName, opts)
	if err != nil {
		return Response{}, err
	}
	return e.bundle(qr, opts, false), nil
}

func (e *Engine) getResource(uri string, opts Options) (Response, error) {
	entry, err := e.adapter.Resource(uri, opts)
	if err != nil {
		return Response{}, err
	}
	if entry == nil {
		return e.errWithErr(http.StatusNotFound, ErrNotFound, "not found")
	}
	if entry.Deleted {
		return e.goneResponse(uri)
	}
	resp := NewResponse(http.StatusOK, entry.Content).WithETag(entry.ETag).WithLastModified(entry.LastModified)
	return resp, nil
}

func (e *Engine) getResourceVersion(uri string, opts Options) (Response, error) {
	entry, err := e.adapter.ResourceVersion(uri, opts)
	if err != nil {
		return Response{}, err
	}
	if entry == nil {
		return e.errWithErr(http.StatusNotFound, ErrNotFound, "not found")
	}
	resp := NewResponse(http.StatusOK, entry.Content).WithETag(entry.ETag).WithLastModified(entry.LastModified)
	return resp, nil
}

// goneResponse builds the 410 body for a tombstoned resource: a JSON
// pointer to the latest retrievable (non-deleted) version, with that
// version's own ETag/Last-Modified (§4.4 get, GLOSSARY "Tombstone").
func (e *Engine) goneResponse(resourceURI string) (Response, error) {
	qr, err := e.adapter.VersionCollection(resourceURI, Options{})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Response{}, err
	}
	var pointer, etag, lastMod string
	if len(qr.Rows) > 0 {
		latest := qr.Rows[0]
		pointer, etag, lastMod = latest.URI, latest.ETag, latest.LastModified
	}
	resp := NewResponse(http.StatusGone, jsonBody(map[string]string{"pointer": pointer}))
	if etag != "" {
		resp = resp.WithETag(etag)
	}
	if lastMod != "" {
		resp = resp.WithLastModified(lastMod)
	}
	return resp, fmt.Errorf("%w", ErrGone)
}

// bundle implements the paginated-collection envelope (§4.7). The
// Adapter has already computed Total and sliced Rows to [offset:max];
// bundle only shapes the JSON body and derives ETag/Last-Modified.
func (e *Engine) bundle(qr QueryResult, opts Options, resolved bool) Response {
	var body string
	if resolved {
		docs := make([]map[string]any, 0, len(qr.Rows))
		for _, row := range qr.Rows {
			var doc any
			_ = json.Unmarshal([]byte(row.Content), &doc)
			docs = append(docs, map[string]any{
				"uri": row.URI, "etag": row.ETag, "last_modified": row.LastModified, "document": doc,
			})
		}
		body = jsonBody(map[string]any{"total": qr.Total, "offset": opts.Offset, "documents": docs})
	} else {
		uris := make([]string, 0, len(qr.Rows))
		for _, row := range qr.Rows {
			uris = append(uris, row.URI)
		}
		body = jsonBody(map[string]any{"total": qr.Total, "offset": opts.Offset, "uris": uris})
	}
	sum := sha256.Sum256([]byte(body))
	resp := NewResponse(http.StatusOK, body).WithETag(fmt.Sprintf("%x", sum))
	if len(qr.Rows) > 0 {
		resp = resp.WithLastModified(qr.Rows[0].LastModified)
	}
	return resp
}

// ---------- OPTIONS ----------

// Options returns the Allow header for uri's kind (§4.4 options).
func (e *Engine) Options(uri string) (Response, error) {
	if !e.registry.EntityKnown(uri) {
		return e.errWithErr(http.StatusNotFound, ErrNotFound, "not found")
	}
	kind := e.registry.Classify(uri)
	methods := MethodsForKind(kind)
	if methods == nil {
		return e.errWithErr(http.StatusNotFound, ErrNotFound, "not found")
	}
	return NewResponse(http.StatusOK, "").WithAllow(methods), nil
}

// ---------- PUT ----------

// Put dispatches to createResource or updateResource depending on
// whether uri currently has a live row (§4.4 put).
func (e *Engine) Put(uri string, opts Options) (Response, error) {
	if !e.registry.EntityKnown(uri) {
		return e.errWithErr(http.StatusBadRequest, ErrInvalidEntity, "invalid entity type")
	}
	kind := e.registry.Classify(uri)
	if !Allows(kind, http.MethodPut) {
		return e.methodNotAllowed(kind)
	}
	if !opts.HasJSON {
		return e.errWithErr(http.StatusBadRequest, ErrBadRequest, "data required")
	}
	// Unscoped existence check: whether uri has any row at all decides
	// create-vs-update. Ownership is then checked explicitly, before the
	// tombstone check, so a non-owner's PUT against a resource it cannot
	// see collapses to 404 rather than leaking that the resource exists
	// and is deleted (§4.6, §7: ownership mismatch masks as not-found).
	peek, err := e.adapter.Resource(uri, Options{})
	if err != nil {
		return Response{}, err
	}
	switch {
	case peek == nil:
		return e.createResource(uri, opts)
	case opts.RemoteUser != "" && peek.RemoteUser != opts.RemoteUser:
		return e.errWithErr(http.StatusNotFound, ErrNotFound, "not found")
	case peek.Deleted:
		return e.errWithErr(http.StatusGone, ErrGone, "gone")
	default:
		return e.updateResource(uri, opts)
	}
}

// ---------- POST ----------

// Post generates a fresh resource UUID under uri's collection and
// creates it (§4.4 post).
func (e *Engine) Post(collectionURI string, opts Options) (Response, error) {
	if !e.registry.EntityKnown(collectionURI) {
		return e.errWithErr(http.StatusBadRequest, ErrInvalidEntity, "invalid entity type")
	}
	kind := e.registry.Classify(collectionURI)
	if !Allows(kind, http.MethodPost) {
		return e.methodNotAllowed(kind)
	}
	if !opts.HasJSON {
		return e.errWithErr(http.StatusBadRequest, ErrBadRequest, "data required")
	}
	resourceURI := collectionURI + "/" + uuid.NewString()
	return e.createResource(resourceURI, opts)
}

func (e *Engine) validateDocument(collection string, parsed map[string]any) error {
	s, ok := e.schemas[collection]
	if !ok || s == nil {
		return nil
	}
	return schema.Validate(s, parsed)
}

func (e *Engine) createResource(uri string, opts Options) (Response, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(opts.JSON), &parsed); err != nil {
		return e.errWithErr(http.StatusUnprocessableEntity, ErrUnprocessable, "invalid json")
	}
	collection := collectionNameFor(uri)
	if err := e.validateDocument(collection, parsed); err != nil {
		return e.errWithErr(http.StatusUnprocessableEntity, ErrUnprocessable, "schema validation failed: "+err.Error())
	}

	etag := uuid.NewString()
	lastMod := httpDate(e.now())
	entry := Entry{
		URI:                 uri,
		ETag:                etag,
		CollectionReference: CollectionURIFragment(uri),
		ResourceReference:   uri,
		LastModified:        lastMod,
		RemoteUser:          opts.RemoteUser,
		Content:             opts.JSON,
		Deleted:             false,
	}
	err := e.adapter.Transaction(func(tx Tx) error {
		if _, err := tx.Insert(entry); err != nil {
			return err
		}
		return e.views.MapAll(tx, collection, uri, parsed)
	})
	if err != nil {
		e.logger.Error("create resource failed", zap.String("uri", uri), zap.Error(err))
		return Response{}, err
	}
	e.logger.Info("resource created", zap.String("uri", uri), zap.String("etag", etag))
	body := jsonBody(map[string]string{"uri": uri, "etag": etag, "last_modified": lastMod})
	return NewResponse(http.StatusCreated, body).WithETag(etag).WithLastModified(lastMod), nil
}

func (e *Engine) updateResource(uri string, opts Options) (Response, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(opts.JSON), &parsed); err != nil {
		return e.errWithErr(http.StatusUnprocessableEntity, ErrUnprocessable, "invalid json")
	}
	collection := collectionNameFor(uri)
	if err := e.validateDocument(collection, parsed); err != nil {
		return e.errWithErr(http.StatusUnprocessableEntity, ErrUnprocessable, "schema validation failed: "+err.Error())
	}

	current, err := e.adapter.Resource(uri, opts.WithoutJSON().WithoutETag())
	if err != nil {
		return Response{}, err
	}
	if current == nil {
		return e.errWithErr(http.StatusNotFound, ErrNotFound, "not found")
	}
	if !opts.HasETag {
		return e.errWithErr(http.StatusBadRequest, ErrBadRequest, "etag required")
	}
	if current.ETag != opts.ETag {
		return e.errWithErr(http.StatusPreconditionFailed, ErrPreconditionFailed, "etag mismatch")
	}

	newETag := uuid.NewString()
	newLastMod := httpDate(e.now())
	newEntry := Entry{
		URI:                 uri,
		ETag:                newETag,
		CollectionReference: current.CollectionReference,
		ResourceReference:   uri,
		LastModified:        newLastMod,
		RemoteUser:          current.RemoteUser,
		Content:             opts.JSON,
		Deleted:             false,
	}
	err = e.adapter.Transaction(func(tx Tx) error {
		if err := tx.RewriteURI(uri, current.VersionURI()); err != nil {
			return err
		}
		if _, err := tx.Insert(newEntry); err != nil {
			return err
		}
		return e.views.MapAll(tx, collection, uri, parsed)
	})
	if err != nil {
		e.logger.Error("update resource failed", zap.String("uri", uri), zap.Error(err))
		return Response{}, err
	}
	e.logger.Info("resource updated", zap.String("uri", uri), zap.String("etag", newETag))
	body := jsonBody(map[string]string{"uri": uri, "etag": newETag, "last_modified": newLastMod})
	return NewResponse(http.StatusOK, body).WithETag(newETag).WithLastModified(newLastMod), nil
}

// ---------- DELETE ----------

// Delete transitions a live resource to a tombstone (§4.4 delete).
func (e *Engine) Delete(uri string, opts Options) (Response, error) {
	if !e.registry.EntityKnown(uri) {
		return e.errWithErr(http.StatusBadRequest, ErrInvalidEntity, "invalid entity type")
	}
	kind := e.registry.Classify(uri)
	if !Allows(kind, http.MethodDelete) {
		return e.methodNotAllowed(kind)
	}
	if !opts.HasETag {
		return e.errWithErr(http.StatusBadRequest, ErrBadRequest, "etag required")
	}

	current, err := e.adapter.Resource(uri, opts.WithoutETag())
	if err != nil {
		return Response{}, err
	}
	if current == nil {
		return e.errWithErr(http.StatusNotFound, ErrNotFound, "not found")
	}
	if current.Deleted {
		return e.errWithErr(http.StatusGone, ErrGone, "gone")
	}
	if current.ETag != opts.ETag {
		return e.errWithErr(http.StatusPreconditionFailed, ErrPreconditionFailed, "etag mismatch")
	}

	collection := collectionNameFor(uri)
	tombstoneETag := uuid.NewString()
	tombstoneLastMod := httpDate(e.now())
	tomb := Entry{
		URI:                 uri,
		ETag:                tombstoneETag,
		CollectionReference: current.CollectionReference,
		ResourceReference:   uri,
		LastModified:        tombstoneLastMod,
		RemoteUser:          current.RemoteUser,
		Content:             current.Content,
		Deleted:             true,
	}
	err = e.adapter.Transaction(func(tx Tx) error {
		if err := tx.RewriteURI(uri, current.VersionURI()); err != nil {
			return err
		}
		if _, err := tx.Insert(tomb); err != nil {
			return err
		}
		return e.views.UnmapAll(tx, collection, uri)
	})
	if err != nil {
		e.logger.Error("delete resource failed", zap.String("uri", uri), zap.Error(err))
		return Response{}, err
	}
	e.logger.Info("resource deleted", zap.String("uri", uri), zap.String("version_etag", current.ETag))
	body := jsonBody(map[string]string{"uri": current.VersionURI(), "etag": current.ETag, "last_modified": current.LastModified})
	return NewResponse(http.StatusOK, body).WithETag(current.ETag).WithLastModified(current.LastModified), nil
}

// ---------- resolve_uris ----------

// ResolveURIs maps each uri through Get and collects the responses
// (§4.4 resolve_uris).
func (e *Engine) ResolveURIs(uris []string, opts Options) []Response {
	out := make([]Response, 0, len(uris))
	for _, u := range uris {
		resp, _ := e.Get(u, opts)
		out = append(out, resp)
	}
	return out
}
