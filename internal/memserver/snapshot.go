package memserver

import (
	"fmt"
	"path/filepath"

	"github.com/maruel/tabsync/internal/jsonldb"
)

// snapshotPath returns the JSONL file of a table in dir.
func snapshotPath(dir, tableName string) string {
	return filepath.Join(dir, tableName+".jsonl")
}

// Load seeds every table from <dir>/<table>.jsonl, one JSON object per row
// keyed by column name. Missing files leave tables empty. Seeded rows are not
// in the change log: clients synchronized before get a full refresh.
func (s *Server) Load(dir string) (int, error) {
	n := 0
	for _, name := range s.Tables() {
		t, err := jsonldb.NewTable[map[string]any](snapshotPath(dir, name))
		if err != nil {
			return n, err
		}
		s.mu.Lock()
		for row := range t.Iter() {
			if _, err := s.put(name, row, false); err != nil {
				s.mu.Unlock()
				return n, fmt.Errorf("failed to load %s: %w", t.Path(), err)
			}
			n++
		}
		s.mu.Unlock()
		s.log.Info("Loaded table", "table", name, "rows", t.Len())
	}
	if n != 0 {
		s.notify(s.Tables())
	}
	return n, nil
}

// Save writes every table to <dir>/<table>.jsonl.
func (s *Server) Save(dir string) error {
	for _, name := range s.Tables() {
		t, err := jsonldb.NewTable[map[string]any](snapshotPath(dir, name))
		if err != nil {
			return err
		}
		s.mu.RLock()
		tbl := s.tables[name]
		var rows []map[string]any
		for _, r := range tbl.all() {
			m := make(map[string]any, len(r.vals))
			for i, c := range tbl.schema.Columns {
				m[c.Name] = r.vals[i]
			}
			rows = append(rows, m)
		}
		s.mu.RUnlock()
		if err := t.Replace(rows); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
	}
	return nil
}
