package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"midatasets/internal/models"
)

// SQLiteDB stores records as JSON documents in a SQLite table.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the registry database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS datasets (
		name TEXT PRIMARY KEY,
		record JSON NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Find(ctx context.Context, sel Selector) (Record, error) {
	all, err := s.FindAll(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, notFound(sel)
	}
	return all[0], nil
}

func (s *SQLiteDB) FindAll(ctx context.Context, sel Selector) ([]Record, error) {
	query := "SELECT record FROM datasets ORDER BY name"
	var args []any
	if name, ok := sel["name"].(string); ok {
		query = "SELECT record FROM datasets WHERE name = ? ORDER BY name"
		args = append(args, name)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query datasets: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode dataset record: %w", err)
		}
		if sel.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteDB) Create(ctx context.Context, rec Record) error {
	name := rec.Name()
	if name == "" {
		return fmt.Errorf("%w: dataset record has no name", models.ErrConfiguration)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dataset record: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO datasets (name, record) VALUES (?, ?)", name, string(data))
	if err != nil {
		return fmt.Errorf("insert dataset %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dataset %q already registered", models.ErrConfiguration, name)
	}
	return nil
}

func (s *SQLiteDB) Update(ctx context.Context, sel Selector, attrs map[string]any) (int, error) {
	recs, err := s.FindAll(ctx, sel)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, rec := range recs {
		name := rec.Name()
		for k, v := range attrs {
			rec[k] = v
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("encode dataset record: %w", err)
		}
		// A renamed record moves to its new key.
		if _, err := tx.ExecContext(ctx, "UPDATE datasets SET name = ?, record = ? WHERE name = ?", rec.Name(), string(data), name); err != nil {
			return 0, fmt.Errorf("update dataset %q: %w", name, err)
		}
	}
	return len(recs), tx.Commit()
}

func (s *SQLiteDB) Delete(ctx context.Context, sel Selector) (int, error) {
	recs, err := s.FindAll(ctx, sel)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM datasets WHERE name = ?", rec.Name()); err != nil {
			return 0, fmt.Errorf("delete dataset %q: %w", rec.Name(), err)
		}
	}
	return len(recs), nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }
