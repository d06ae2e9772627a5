// Package sqliteadapter is the SQLite-backed Adapter: the CLOUDKIT_STORE
// table (spec §3) plus one table per registered view, with real
// database/sql transactions satisfying store.Tx. Grounded on the
// teacher's store/sqlite.go (sql.Open + PRAGMA journal_mode=WAL +
// CREATE TABLE IF NOT EXISTS), generalized from a flat (collection,
// key, data) table to the versioned row schema.
package sqliteadapter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/b/cloudkit/store"
)

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdentifier(s string) bool { return identifierRE.MatchString(s) }

// Adapter is a store.Adapter backed by a SQLite database.
type Adapter struct {
	mu       sync.Mutex
	db       *sql.DB
	viewDefs map[string]store.ViewDef
	logger   *zap.Logger
}

const rowColumns = "id, uri, etag, collection_reference, resource_reference, last_modified, remote_user, content, deleted"

// Open creates (if needed) and opens a SQLite database at dbPath and
// ensures CLOUDKIT_STORE exists.
func Open(dbPath string, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cloudkit_store (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uri TEXT NOT NULL UNIQUE,
		etag TEXT NOT NULL,
		collection_reference TEXT NOT NULL,
		resource_reference TEXT NOT NULL,
		last_modified TEXT NOT NULL,
		remote_user TEXT,
		content TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("sqlite adapter opened", zap.String("path", dbPath))
	return &Adapter{db: db, viewDefs: map[string]store.ViewDef{}, logger: logger}, nil
}

// Close closes the underlying database handle.
func (a *Adapter) Close() error {
	a.logger.Info("sqlite adapter closed")
	return a.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (store.Entry, error) {
	var e store.Entry
	var remoteUser sql.NullString
	var deleted int
	if err := s.Scan(&e.ID, &e.URI, &e.ETag, &e.CollectionReference, &e.ResourceReference, &e.LastModified, &remoteUser, &e.Content, &deleted); err != nil {
		return store.Entry{}, err
	}
	e.RemoteUser = remoteUser.String
	e.Deleted = deleted != 0
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (a *Adapter) count(where string, args []any) (int, error) {
	var n int
	q := "SELECT COUNT(*) FROM cloudkit_store WHERE " + where
	if err := a.db.QueryRow(q, args...).Scan(&n); err != nil {
		a.logger.Error("count query failed", zap.String("where", where), zap.Error(err))
		return 0, err
	}
	return n, nil
}

// queryRows runs a rowColumns SELECT with where/args, newest first,
// applying opts.Offset/opts.Limit, and returns the full paginated
// result (rows + pre-slice total, per store.QueryResult).
func (a *Adapter) queryRows(where string, args []any, opts store.Options) (store.QueryResult, error) {
	total, err := a.count(where, args)
	if err != nil {
		return store.QueryResult{}, err
	}
	q := fmt.Sprintf("SELECT %s FROM cloudkit_store WHERE %s ORDER BY id DESC", rowColumns, where)
	qargs := append([]any(nil), args...)
	if opts.HasLimit {
		q += " LIMIT ? OFFSET ?"
		qargs = append(qargs, opts.Limit, opts.Offset)
	} else if opts.Offset > 0 {
		q += " LIMIT -1 OFFSET ?"
		qargs = append(qargs, opts.Offset)
	}
	rows, err := a.db.Query(q, qargs...)
	if err != nil {
		a.logger.Error("row query failed", zap.String("where", where), zap.Error(err))
		return store.QueryResult{}, err
	}
	defer rows.Close()
	var out []store.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			a.logger.Error("row scan failed", zap.Error(err))
			return store.QueryResult{}, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		a.logger.Error("row iteration failed", zap.Error(err))
		return store.QueryResult{}, err
	}
	return store.QueryResult{Rows: out, Total: total}, nil
}

// ResourceCollection implements store.Adapter.
func (a *Adapter) ResourceCollection(collectionURI string, opts store.Options) (store.QueryResult, error) {
	where := "collection_reference = ? AND deleted = 0 AND uri = resource_reference"
	args := []any{collectionURI}
	if ru, ok := opts.AdapterFilters()["remote_user"]; ok {
		where += " AND remote_user = ?"
		args = append(args, ru)
	}
	return a.queryRows(where, args, opts)
}

// VersionCollection implements store.Adapter.
func (a *Adapter) VersionCollection(resourceURI string, opts store.Options) (store.QueryResult, error) {
	var exists int
	if err := a.db.QueryRow("SELECT COUNT(*) FROM cloudkit_store WHERE resource_reference = ?", resourceURI).Scan(&exists); err != nil {
		a.logger.Error("version collection lookup failed", zap.String("uri", resourceURI), zap.Error(err))
		return store.QueryResult{}, err
	}
	if exists == 0 {
		return store.QueryResult{}, store.ErrNotFound
	}
	where := "resource_reference = ? AND deleted = 0"
	args := []any{resourceURI}
	if ru, ok := opts.AdapterFilters()["remote_user"]; ok {
		where += " AND remote_user = ?"
		args = append(args, ru)
	}
	return a.queryRows(where, args, opts)
}

// Resource implements store.Adapter.
func (a *Adapter) Resource(uri string, opts store.Options) (*store.Entry, error) {
	where := "uri = ? AND uri = resource_reference"
	args := []any{uri}
	if ru, ok := opts.AdapterFilters()["remote_user"]; ok {
		where += " AND remote_user = ?"
		args = append(args, ru)
	}
	row := a.db.QueryRow(fmt.Sprintf("SELECT %s FROM cloudkit_store WHERE %s", rowColumns, where), args...)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		a.logger.Error("resource lookup failed", zap.String("uri", uri), zap.Error(err))
		return nil, err
	}
	return &e, nil
}

// ResourceVersion implements store.Adapter.
func (a *Adapter) ResourceVersion(uri string, opts store.Options) (*store.Entry, error) {
	where := "uri = ?"
	args := []any{uri}
	if ru, ok := opts.AdapterFilters()["remote_user"]; ok {
		where += " AND remote_user = ?"
		args = append(args, ru)
	}
	row := a.db.QueryRow(fmt.Sprintf("SELECT %s FROM cloudkit_store WHERE %s", rowColumns, where), args...)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		a.logger.Error("resource version lookup failed", zap.String("uri", uri), zap.Error(err))
		return nil, err
	}
	return &e, nil
}

// View implements store.Adapter.
func (a *Adapter) View(viewName string, opts store.Options) (store.QueryResult, error) {
	def, ok := a.viewDefs[viewName]
	if !ok {
		return store.QueryResult{}, fmt.Errorf("sqliteadapter: unregistered view %q", viewName)
	}
	where := "1 = 1"
	var args []any
	for _, k := range def.ExtractKeys {
		if v, ok := opts.Filters[k]; ok {
			where += fmt.Sprintf(" AND %s = ?", k)
			args = append(args, v)
		}
	}
	var total int
	if err := a.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %q WHERE %s", viewName, where), args...).Scan(&total); err != nil {
		a.logger.Error("view count failed", zap.String("view", viewName), zap.Error(err))
		return store.QueryResult{}, err
	}
	q := fmt.Sprintf("SELECT uri FROM %q WHERE %s ORDER BY uri", viewName, where)
	qargs := append([]any(nil), args...)
	if opts.HasLimit {
		q += " LIMIT ? OFFSET ?"
		qargs = append(qargs, opts.Limit, opts.Offset)
	} else if opts.Offset > 0 {
		q += " LIMIT -1 OFFSET ?"
		qargs = append(qargs, opts.Offset)
	}
	rows, err := a.db.Query(q, qargs...)
	if err != nil {
		a.logger.Error("view query failed", zap.String("view", viewName), zap.Error(err))
		return store.QueryResult{}, err
	}
	defer rows.Close()
	var entries []store.Entry
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			a.logger.Error("view row scan failed", zap.String("view", viewName), zap.Error(err))
			return store.QueryResult{}, err
		}
		entries = append(entries, store.Entry{URI: uri})
	}
	return store.QueryResult{Rows: entries, Total: total}, rows.Err()
}

// RegisterView implements store.Adapter: creates a table named for the
// view with columns uri, collection_reference, and one per extracted
// key (§4.5). Identifiers are whitelisted against identifierRE before
// being interpolated into DDL, since SQLite has no column-name
// placeholder (design note 9's SQL-column-injection warning).
func (a *Adapter) RegisterView(v store.ViewDef) error {
	if !validIdentifier(v.Name) {
		return fmt.Errorf("sqliteadapter: invalid view name %q", v.Name)
	}
	cols := []string{"uri TEXT PRIMARY KEY", "collection_reference TEXT NOT NULL"}
	for _, k := range v.ExtractKeys {
		if !validIdentifier(k) {
			return fmt.Errorf("sqliteadapter: invalid view key %q", k)
		}
		cols = append(cols, fmt.Sprintf("%s TEXT", k))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", v.Name, strings.Join(cols, ", "))
	if _, err := a.db.Exec(ddl); err != nil {
		a.logger.Error("view registration failed", zap.String("view", v.Name), zap.Error(err))
		return err
	}
	a.viewDefs[v.Name] = v
	a.logger.Info("view registered", zap.String("view", v.Name), zap.String("observed", v.Observed))
	return nil
}

// Reset implements store.Adapter.
func (a *Adapter) Reset() error {
	if _, err := a.db.Exec("DELETE FROM cloudkit_store"); err != nil {
		a.logger.Error("reset failed", zap.Error(err))
		return err
	}
	for name := range a.viewDefs {
		if _, err := a.db.Exec(fmt.Sprintf("DELETE FROM %q", name)); err != nil {
			a.logger.Error("reset failed", zap.String("view", name), zap.Error(err))
			return err
		}
	}
	a.logger.Info("store reset")
	return nil
}

type tx struct {
	sqlTx   *sql.Tx
	adapter *Adapter
}

func (t *tx) RewriteURI(oldURI, newURI string) error {
	res, err := t.sqlTx.Exec("UPDATE cloudkit_store SET uri = ? WHERE uri = ?", newURI, oldURI)
	if err != nil {
		t.adapter.logger.Error("rewrite failed", zap.String("uri", oldURI), zap.Error(err))
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		t.adapter.logger.Error("rewrite failed", zap.String("uri", oldURI), zap.Error(err))
		return err
	}
	if n == 0 {
		err := fmt.Errorf("sqliteadapter: rewrite: no row at %q", oldURI)
		t.adapter.logger.Error("rewrite failed", zap.String("uri", oldURI), zap.Error(err))
		return err
	}
	return nil
}

func (t *tx) Insert(e store.Entry) (store.Entry, error) {
	var remoteUser any
	if e.RemoteUser != "" {
		remoteUser = e.RemoteUser
	}
	res, err := t.sqlTx.Exec(
		`INSERT INTO cloudkit_store (uri, etag, collection_reference, resource_reference, last_modified, remote_user, content, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.URI, e.ETag, e.CollectionReference, e.ResourceReference, e.LastModified, remoteUser, e.Content, boolToInt(e.Deleted),
	)
	if err != nil {
		// The uri UNIQUE constraint is the concurrency tiebreaker (§5):
		// a losing concurrent writer surfaces here as an opaque error.
		t.adapter.logger.Error("insert failed", zap.String("uri", e.URI), zap.Error(err))
		return store.Entry{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.Entry{}, err
	}
	e.ID = id
	return e, nil
}

func (t *tx) ViewUpsert(viewName, uri, collectionReference string, keys map[string]string) error {
	def, ok := t.adapter.viewDefs[viewName]
	if !ok {
		return fmt.Errorf("sqliteadapter: unregistered view %q", viewName)
	}
	cols := []string{"uri", "collection_reference"}
	vals := []any{uri, collectionReference}
	updates := []string{"collection_reference = excluded.collection_reference"}
	for _, k := range def.ExtractKeys {
		cols = append(cols, k)
		vals = append(vals, keys[k])
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", k, k))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	q := fmt.Sprintf(
		"INSERT INTO %q (%s) VALUES (%s) ON CONFLICT(uri) DO UPDATE SET %s",
		viewName, strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "),
	)
	_, err := t.sqlTx.Exec(q, vals...)
	return err
}

func (t *tx) ViewDelete(viewName, uri string) error {
	if _, ok := t.adapter.viewDefs[viewName]; !ok {
		return nil
	}
	_, err := t.sqlTx.Exec(fmt.Sprintf("DELETE FROM %q WHERE uri = ?", viewName), uri)
	return err
}

// Transaction implements store.Adapter using a real database/sql
// transaction at serializable isolation, so the rewrite-then-insert
// pair and every view update commit or roll back together (§5).
func (a *Adapter) Transaction(fn func(store.Tx) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sqlTx, err := a.db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		a.logger.Error("begin transaction failed", zap.Error(err))
		return err
	}
	if err := fn(&tx{sqlTx: sqlTx, adapter: a}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}
