// Package memoryadapter is the in-memory reference Adapter
// implementation (spec §4.3), grounded on the teacher's
// store/memory.go: a single mutex-guarded collection of rows plus a
// map-of-maps per registered view.
package memoryadapter

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/b/cloudkit/store"
)

type viewRow struct {
	uri                 string
	collectionReference string
	keys                map[string]string
}

// Adapter is a sync.Mutex-guarded, process-local Adapter. Useful for
// tests and local development; not durable across restarts.
type Adapter struct {
	mu       sync.Mutex
	entries  []store.Entry
	nextID   int64
	views    map[string]map[string]viewRow
	viewDefs map[string]store.ViewDef
	logger   *zap.Logger
}

// New builds an empty Adapter.
func New(logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		views:    map[string]map[string]viewRow{},
		viewDefs: map[string]store.ViewDef{},
		logger:   logger,
	}
}

func matchesRowFilters(e store.Entry, filters map[string]string) bool {
	// Only the remote_user filter is applied to row-store reads; any other
	// filter key is ignored here rather than rejected. View-key filters
	// are applied by View against a view's own rows (§4.5).
	for k, v := range filters {
		if k == "remote_user" && e.RemoteUser != v {
			return false
		}
	}
	return true
}

func sortNewestFirst(rows []store.Entry) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID > rows[j].ID })
}

func paginate(rows []store.Entry, opts store.Options) store.QueryResult {
	total := len(rows)
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if opts.HasLimit {
		end = offset + opts.Limit
		if end > total {
			end = total
		}
		if end < offset {
			end = offset
		}
	}
	out := make([]store.Entry, end-offset)
	copy(out, rows[offset:end])
	return store.QueryResult{Rows: out, Total: total}
}

// ResourceCollection implements store.Adapter.
func (a *Adapter) ResourceCollection(collectionURI string, opts store.Options) (store.QueryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	filters := opts.AdapterFilters()
	var rows []store.Entry
	for _, e := range a.entries {
		if e.CollectionReference != collectionURI || e.Deleted || e.URI != e.ResourceReference {
			continue
		}
		if !matchesRowFilters(e, filters) {
			continue
		}
		rows = append(rows, e)
	}
	sortNewestFirst(rows)
	return paginate(rows, opts), nil
}

// VersionCollection implements store.Adapter.
func (a *Adapter) VersionCollection(resourceURI string, opts store.Options) (store.QueryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	exists := false
	var rows []store.Entry
	filters := opts.AdapterFilters()
	for _, e := range a.entries {
		if e.ResourceReference != resourceURI {
			continue
		}
		exists = true
		if e.Deleted {
			continue
		}
		if !matchesRowFilters(e, filters) {
			continue
		}
		rows = append(rows, e)
	}
	if !exists {
		return store.QueryResult{}, store.ErrNotFound
	}
	sortNewestFirst(rows)
	return paginate(rows, opts), nil
}

// Resource implements store.Adapter.
func (a *Adapter) Resource(uri string, opts store.Options) (*store.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	filters := opts.AdapterFilters()
	for _, e := range a.entries {
		if e.URI == uri && e.URI == e.ResourceReference {
			if !matchesRowFilters(e, filters) {
				return nil, nil
			}
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

// ResourceVersion implements store.Adapter.
func (a *Adapter) ResourceVersion(uri string, opts store.Options) (*store.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	filters := opts.AdapterFilters()
	for _, e := range a.entries {
		if e.URI == uri {
			if !matchesRowFilters(e, filters) {
				return nil, nil
			}
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

// View implements store.Adapter.
func (a *Adapter) View(viewName string, opts store.Options) (store.QueryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	def, ok := a.viewDefs[viewName]
	if !ok {
		err := fmt.Errorf("memoryadapter: unregistered view %q", viewName)
		a.logger.Error("view query failed", zap.String("view", viewName), zap.Error(err))
		return store.QueryResult{}, err
	}
	rows := a.views[viewName]
	var uris []string
	for uri, row := range rows {
		if viewMatches(def, row, opts.Filters) {
			uris = append(uris, uri)
		}
	}
	sort.Strings(uris)
	entries := make([]store.Entry, len(uris))
	for i, u := range uris {
		entries[i] = store.Entry{URI: u}
	}
	return paginate(entries, opts), nil
}

func viewMatches(def store.ViewDef, row viewRow, filters map[string]string) bool {
	for _, k := range def.ExtractKeys {
		if want, ok := filters[k]; ok && row.keys[k] != want {
			return false
		}
	}
	return true
}

// RegisterView implements store.Adapter.
func (a *Adapter) RegisterView(v store.ViewDef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.viewDefs[v.Name] = v
	if _, ok := a.views[v.Name]; !ok {
		a.views[v.Name] = map[string]viewRow{}
	}
	a.logger.Info("view registered", zap.String("view", v.Name), zap.String("observed", v.Observed))
	return nil
}

// Reset implements store.Adapter: truncates rows and every view table,
// keeping view registrations intact.
func (a *Adapter) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
	a.nextID = 0
	for name := range a.views {
		a.views[name] = map[string]viewRow{}
	}
	a.logger.Info("store reset")
	return nil
}

type tx struct {
	a *Adapter
}

func (t *tx) RewriteURI(oldURI, newURI string) error {
	for i := range t.a.entries {
		if t.a.entries[i].URI == oldURI {
			t.a.entries[i].URI = newURI
			return nil
		}
	}
	err := fmt.Errorf("memoryadapter: rewrite: no row at %q", oldURI)
	t.a.logger.Error("rewrite failed", zap.String("uri", oldURI), zap.Error(err))
	return err
}

func (t *tx) Insert(e store.Entry) (store.Entry, error) {
	for _, existing := range t.a.entries {
		if existing.URI == e.URI {
			err := fmt.Errorf("memoryadapter: uri already exists: %q", e.URI)
			t.a.logger.Error("insert failed", zap.String("uri", e.URI), zap.Error(err))
			return store.Entry{}, err
		}
	}
	t.a.nextID++
	e.ID = t.a.nextID
	t.a.entries = append(t.a.entries, e)
	return e, nil
}

func (t *tx) ViewUpsert(viewName, uri, collectionReference string, keys map[string]string) error {
	rows, ok := t.a.views[viewName]
	if !ok {
		return fmt.Errorf("memoryadapter: unregistered view %q", viewName)
	}
	rows[uri] = viewRow{uri: uri, collectionReference: collectionReference, keys: keys}
	return nil
}

func (t *tx) ViewDelete(viewName, uri string) error {
	rows, ok := t.a.views[viewName]
	if !ok {
		return nil
	}
	delete(rows, uri)
	return nil
}

// Transaction implements store.Adapter. The Adapter's single mutex is
// held for the whole callback, so the write appears atomic to every
// other caller; on error the pre-call snapshot is restored (§5: partial
// success is never observable).
func (a *Adapter) Transaction(fn func(store.Tx) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshotEntries := append([]store.Entry(nil), a.entries...)
	snapshotNextID := a.nextID
	snapshotViews := make(map[string]map[string]viewRow, len(a.views))
	for name, rows := range a.views {
		cp := make(map[string]viewRow, len(rows))
		for k, v := range rows {
			cp[k] = v
		}
		snapshotViews[name] = cp
	}

	if err := fn(&tx{a: a}); err != nil {
		a.entries = snapshotEntries
		a.nextID = snapshotNextID
		a.views = snapshotViews
		return err
	}
	return nil
}
