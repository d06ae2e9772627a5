package store

import (
	"fmt"

	"go.uber.org/zap"
)

// View is a secondary index over one observed collection, projecting
// extracted JSON fields into its own table for equality lookup (spec
// §4.5, GLOSSARY). It is a plain data consumer: Map/Unmap are called by
// the Store Engine inside the same transaction as the write that
// triggers them, so a failed map aborts the write (§4.5, §5).
type View struct {
	Name        string
	Observed    string
	ExtractKeys []string
}

// Def returns the ViewDef an Adapter registers storage for.
func (v View) Def() ViewDef {
	return ViewDef{Name: v.Name, Observed: v.Observed, ExtractKeys: v.ExtractKeys}
}

// extract pulls the configured keys out of data. ok is false if any
// required key is missing, in which case the view simply does not index
// the document (§4.5) rather than erroring.
func (v View) extract(data map[string]any) (map[string]string, bool) {
	out := make(map[string]string, len(v.ExtractKeys))
	for _, k := range v.ExtractKeys {
		val, present := data[k]
		if !present {
			return nil, false
		}
		out[k] = fmt.Sprint(val)
	}
	return out, true
}

// Map indexes uri's data into the view if collectionType is the view's
// observed collection. Any existing row for uri is replaced first. A
// document missing a required key is skipped, not an error.
func (v View) Map(tx Tx, collectionType, uri string, data map[string]any) error {
	if collectionType != v.Observed {
		return nil
	}
	if err := tx.ViewDelete(v.Name, uri); err != nil {
		return err
	}
	keys, ok := v.extract(data)
	if !ok {
		return nil
	}
	return tx.ViewUpsert(v.Name, uri, CollectionURIFragment(uri), keys)
}

// Unmap removes uri from the view if collectionType is the view's
// observed collection.
func (v View) Unmap(tx Tx, collectionType, uri string) error {
	if collectionType != v.Observed {
		return nil
	}
	return tx.ViewDelete(v.Name, uri)
}

// Manager holds the configured views and fans Map/Unmap out to all of
// them. Views that do not observe the collection being written see
// neither call take effect (each View.Map/Unmap is itself a no-op for
// collections it doesn't observe).
type Manager struct {
	views  []View
	logger *zap.Logger
}

// NewManager builds a Manager from a slice of View definitions.
func NewManager(views []View, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{views: views, logger: logger}
}

// All returns the configured views, for registering their storage with
// an Adapter.
func (m *Manager) All() []View {
	return m.views
}

// MapAll calls Map on every configured view, logging at Info for each
// view that actually indexes uri (i.e. observes collectionType) rather
// than for every configured view, since most views no-op on any given
// write.
func (m *Manager) MapAll(tx Tx, collectionType, uri string, data map[string]any) error {
	for _, v := range m.views {
		if err := v.Map(tx, collectionType, uri, data); err != nil {
			return fmt.Errorf("view %s: map %s: %w", v.Name, uri, err)
		}
		if v.Observed == collectionType {
			m.logger.Info("view mapped", zap.String("view", v.Name), zap.String("uri", uri))
		}
	}
	return nil
}

// UnmapAll calls Unmap on every configured view.
func (m *Manager) UnmapAll(tx Tx, collectionType, uri string) error {
	for _, v := range m.views {
		if err := v.Unmap(tx, collectionType, uri); err != nil {
			return fmt.Errorf("view %s: unmap %s: %w", v.Name, uri, err)
		}
		if v.Observed == collectionType {
			m.logger.Info("view unmapped", zap.String("view", v.Name), zap.String("uri", uri))
		}
	}
	return nil
}
