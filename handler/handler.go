// Package handler is the HTTP transport wrapper that translates
// requests into Store Engine calls and renders its Responses back onto
// an http.ResponseWriter. Grounded on the teacher's handler package
// (single catch-all mux, writeJSON/readJSON helpers), generalized from
// fixed per-collection routes to one generic dispatcher driven by the
// Store Engine's own URI classification.
package handler

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/b/cloudkit/store"
)

// Handler adapts http.Request/ResponseWriter to store.Engine.
type Handler struct {
	engine *store.Engine
	mux    *http.ServeMux
	logger *zap.Logger
}

// New builds a Handler wrapping engine.
func New(engine *store.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{engine: engine, mux: http.NewServeMux(), logger: logger}
	h.mux.HandleFunc("/health", h.health)
	h.mux.HandleFunc("/", h.dispatch)
	return h
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.dispatch(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// optionsFromRequest builds the store.Options a request carries:
// remote_user from a header set by upstream auth middleware (out of
// scope here; only its contract, the header name, lives in this
// package), limit/offset/etag from query parameters or the conditional
// request headers, and every other query parameter as an equality
// filter (view keys, design note 9).
func optionsFromRequest(r *http.Request) store.Options {
	q := r.URL.Query()
	opts := store.Options{
		RemoteUser: r.Header.Get("X-Remote-User"),
		Filters:    map[string]string{},
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
			opts.HasLimit = true
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}

	if etag := r.Header.Get("If-Match"); etag != "" {
		opts.ETag = strings.Trim(etag, `"`)
		opts.HasETag = true
	} else if v := q.Get("etag"); v != "" {
		opts.ETag = v
		opts.HasETag = true
	}

	if r.Method == http.MethodPut || r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err == nil && len(body) > 0 {
			opts.JSON = string(body)
			opts.HasJSON = true
		}
	}

	for k, vs := range q {
		switch k {
		case "limit", "offset", "etag":
			continue
		}
		if len(vs) > 0 {
			opts.Filters[k] = vs[0]
		}
	}
	return opts
}

func renderResponse(w http.ResponseWriter, resp store.Response) {
	header := w.Header()
	for k, v := range resp.Headers {
		header.Set(k, v)
	}
	if resp.Content != "" {
		header.Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.Status)
	if resp.Content != "" {
		w.Write([]byte(resp.Content))
	}
}

// dispatch maps every request other than GET /health onto the matching
// Store Engine operation by HTTP method (§4.4).
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	uri := strings.TrimSuffix(r.URL.Path, "/")
	if uri == "" {
		uri = "/"
	}
	opts := optionsFromRequest(r)

	var (
		resp store.Response
		err  error
	)
	switch r.Method {
	case http.MethodGet:
		resp, err = h.engine.Get(uri, opts)
	case http.MethodHead:
		resp, err = h.engine.Head(uri, opts)
	case http.MethodOptions:
		resp, err = h.engine.Options(uri)
	case http.MethodPut:
		resp, err = h.engine.Put(uri, opts)
	case http.MethodPost:
		resp, err = h.engine.Post(uri, opts)
	case http.MethodDelete:
		resp, err = h.engine.Delete(uri, opts)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err != nil && resp.Status == 0 {
		h.logger.Error("engine call failed", zap.String("uri", uri), zap.String("method", r.Method), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	renderResponse(w, resp)
}
