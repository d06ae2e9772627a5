package store

// ViewDef is the (name, observed_collection, extracted_keys) triple a
// view declares (spec §4.5). Adapters use it to create the view's own
// storage at startup.
type ViewDef struct {
	Name        string
	Observed    string
	ExtractKeys []string
}

// QueryResult is what an Adapter read method returns: the rows matching
// a query, already paginated, plus the total count before pagination.
// Resolving Open Question (c): Adapters return raw rows/counts, never a
// pre-built Response — the Store Engine owns all envelope construction
// so every adapter stays a thin, narrow, storage-only component.
type QueryResult struct {
	Rows  []Entry
	Total int
}

// Adapter is the narrow, pluggable storage contract spec.md's Adapter
// interface section specifies (§4.3, §9). Implementations must not
// expose their underlying query builder or any pass-through method —
// callers only ever see the methods below.
type Adapter interface {
	// ResourceCollection lists current (non-deleted) rows whose
	// collection_reference matches collectionURI, newest first, scoped by
	// opts.RemoteUser and paginated by opts.Offset/Limit. Other
	// opts.Filters keys are not applied to row-store reads.
	ResourceCollection(collectionURI string, opts Options) (QueryResult, error)

	// VersionCollection lists every non-deleted row whose
	// resource_reference equals resourceURI, newest first. Returns
	// ErrNotFound if no row at all (current or historical) matches that
	// resource_reference.
	VersionCollection(resourceURI string, opts Options) (QueryResult, error)

	// Resource fetches the current row at uri (uri == resource_reference),
	// or (nil, nil) if absent. opts.RemoteUser, when set, applies as an
	// equality filter on remote_user; other opts.Filters keys are not
	// applied.
	Resource(uri string, opts Options) (*Entry, error)

	// ResourceVersion fetches the single historical row at uri, or
	// (nil, nil) if absent.
	ResourceVersion(uri string, opts Options) (*Entry, error)

	// View looks up rows in the named view's table, filtered by
	// opts.Filters, returning only URIs (views carry no document body).
	View(viewName string, opts Options) (QueryResult, error)

	// RegisterView creates the view's backing storage (a table named
	// for the view with columns uri, collection_reference, and one
	// column per extracted key). Called once at startup per configured
	// view.
	RegisterView(v ViewDef) error

	// Reset truncates all tables, including every registered view's.
	Reset() error

	// Transaction executes fn atomically. Any error returned by fn rolls
	// back every write fn made through tx, including view updates.
	Transaction(fn func(tx Tx) error) error
}

// Tx is the write-side handle a Transaction callback receives. It is
// deliberately minimal: URI rewrite, row insert, and view row
// upsert/delete are the only primitives spec.md's write paths need.
type Tx interface {
	// RewriteURI changes an existing row's uri column in place (the
	// "prior current row becomes a historical version" step of update
	// and delete, §3 Lifecycles).
	RewriteURI(oldURI, newURI string) error

	// Insert adds a new row and returns it with ID populated.
	Insert(e Entry) (Entry, error)

	// ViewUpsert replaces any existing row for uri in the named view's
	// table with one built from keys (§4.5 map).
	ViewUpsert(viewName, uri, collectionReference string, keys map[string]string) error

	// ViewDelete removes uri's row from the named view's table, if any
	// (§4.5 unmap).
	ViewDelete(viewName, uri string) error
}
