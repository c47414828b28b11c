// Package registry keeps dataset registration records: the name of each
// dataset, where it lives below the local root and where its remote copy is.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"midatasets/internal/models"
)

// Record is one dataset registration. Keys follow the dataset option names
// ("name", "subpath", "remote_bucket", ...); legacy keys such as
// "aws_s3_prefix" are accepted and normalised when the record is loaded.
type Record map[string]any

// Name returns the record's "name" field.
func (r Record) Name() string { return r.String("name") }

// String returns the field key as a string, or "" when absent or not a string.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Selector matches records whose fields equal every selector value.
// An empty selector matches everything.
type Selector map[string]any

// Matches reports whether rec satisfies s. Values are compared by their
// printed form so numbers decoded from storage match Go literals.
func (s Selector) Matches(rec Record) bool {
	for k, want := range s {
		got, ok := rec[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// DB stores dataset records.
type DB interface {
	// Find returns the first record matching sel in name order, or ErrNotFound.
	Find(ctx context.Context, sel Selector) (Record, error)

	// FindAll returns every matching record sorted by name.
	FindAll(ctx context.Context, sel Selector) ([]Record, error)

	// Create adds rec. The name must be set and unused.
	Create(ctx context.Context, rec Record) error

	// Update merges attrs into every matching record and returns how many changed.
	Update(ctx context.Context, sel Selector, attrs map[string]any) (int, error)

	// Delete removes matching records and returns how many were removed.
	Delete(ctx context.Context, sel Selector) (int, error)

	Close() error
}

// MemoryDB is a DB held in process memory.
type MemoryDB struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryDB returns an empty MemoryDB seeded with records.
func NewMemoryDB(records ...Record) *MemoryDB {
	db := &MemoryDB{records: make(map[string]Record)}
	for _, r := range records {
		db.records[r.Name()] = r.clone()
	}
	return db
}

func (m *MemoryDB) Find(ctx context.Context, sel Selector) (Record, error) {
	all, err := m.FindAll(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, notFound(sel)
	}
	return all[0], nil
}

func (m *MemoryDB) FindAll(_ context.Context, sel Selector) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if sel.Matches(r) {
			out = append(out, r.clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryDB) Create(_ context.Context, rec Record) error {
	name := rec.Name()
	if name == "" {
		return fmt.Errorf("%w: dataset record has no name", models.ErrConfiguration)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.records[name]; dup {
		return fmt.Errorf("%w: dataset %q already registered", models.ErrConfiguration, name)
	}
	m.records[name] = rec.clone()
	return nil
}

func (m *MemoryDB) Update(_ context.Context, sel Selector, attrs map[string]any) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []string
	for name, r := range m.records {
		if sel.Matches(r) {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)
	for _, name := range matched {
		r := m.records[name]
		for k, v := range attrs {
			r[k] = v
		}
		// A renamed record moves to its new key.
		if renamed := r.Name(); renamed != name {
			if _, dup := m.records[renamed]; dup {
				return 0, fmt.Errorf("%w: dataset %q already registered", models.ErrConfiguration, renamed)
			}
			delete(m.records, name)
			m.records[renamed] = r
		}
	}
	return len(matched), nil
}

func (m *MemoryDB) Delete(_ context.Context, sel Selector) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name, r := range m.records {
		if sel.Matches(r) {
			delete(m.records, name)
			n++
		}
	}
	return n, nil
}

func (m *MemoryDB) Close() error { return nil }

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name() < recs[j].Name() })
}

func notFound(sel Selector) error {
	return fmt.Errorf("%w: no dataset matches %v", models.ErrNotFound, map[string]any(sel))
}
