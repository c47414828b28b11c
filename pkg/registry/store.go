package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"midatasets/pkg/config"
	"midatasets/pkg/dataset"
	"midatasets/pkg/logging"
	"midatasets/pkg/spacing"
	"midatasets/pkg/storage"
)

// OpenDB opens the registry named by a config "database" value: "memory"
// (or empty) for an in-process database, anything else a SQLite file path.
func OpenDB(location string) (DB, error) {
	if location == "" || location == "memory" {
		return NewMemoryDB(), nil
	}
	return OpenSQLite(location)
}

// Store resolves registered datasets to local paths, storage backends and
// opened datasets. It is constructed explicitly and passed to whoever needs it.
type Store struct {
	db     DB
	cfg    *config.Config
	logger *slog.Logger

	// now stamps modified_time; tests replace it.
	now func() time.Time
}

// NewStore returns a Store over db. A nil cfg means config.DefaultConfig.
func NewStore(db DB, cfg *config.Config, logger *slog.Logger) *Store {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Store{db: db, cfg: cfg, logger: logging.OrNop(logger), now: time.Now}
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// Info returns the record registered under name.
func (s *Store) Info(ctx context.Context, name string) (Record, error) {
	return s.db.Find(ctx, Selector{"name": name})
}

// Infos returns every record matching sel.
func (s *Store) Infos(ctx context.Context, sel Selector) ([]Record, error) {
	return s.db.FindAll(ctx, sel)
}

// Names returns the names of every record matching sel.
func (s *Store) Names(ctx context.Context, sel Selector) ([]string, error) {
	recs, err := s.db.FindAll(ctx, sel)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.Name()
	}
	return names, nil
}

// LocalPath returns <root_path>/<subpath or name> for the dataset.
func (s *Store) LocalPath(ctx context.Context, name string) (string, error) {
	rec, err := s.Info(ctx, name)
	if err != nil {
		return "", err
	}
	return s.localPath(rec), nil
}

func (s *Store) localPath(rec Record) string {
	sub := rec.String("subpath")
	if sub == "" {
		sub = rec.Name()
	}
	return os.ExpandEnv(filepath.Join(s.cfg.RootPath, sub))
}

// StorageBackend returns the local or remote backend of a dataset.
func (s *Store) StorageBackend(ctx context.Context, name string, remote bool) (storage.Backend, error) {
	rec, err := s.Info(ctx, name)
	if err != nil {
		return nil, err
	}
	if !remote {
		return storage.NewLocalBackend(s.localPath(rec), s.logger)
	}
	opts, _, err := config.DecodeOptions(rec)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, opts.RemoteBackend, storage.Params{
		Bucket:  opts.RemoteBucket,
		Prefix:  opts.RemotePrefix,
		Profile: opts.RemoteProfile,
		Logger:  s.logger,
	})
}

// Create registers a dataset. The record must decode as dataset options.
func (s *Store) Create(ctx context.Context, rec Record) error {
	if _, _, err := config.DecodeOptions(rec); err != nil {
		return fmt.Errorf("dataset %q: %w", rec.Name(), err)
	}
	if err := s.db.Create(ctx, rec); err != nil {
		return err
	}
	s.logger.Info("registered dataset", "name", rec.Name())
	return nil
}

// Update merges attrs into the named record, stamping modified_time unless
// attrs carries one.
func (s *Store) Update(ctx context.Context, name string, attrs map[string]any) (int, error) {
	merged := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		merged[k] = v
	}
	if _, ok := merged["modified_time"]; !ok {
		merged["modified_time"] = s.now().Format(time.RFC3339)
	}
	return s.db.Update(ctx, Selector{"name": name}, merged)
}

// Delete removes the named record and reports how many were removed.
func (s *Store) Delete(ctx context.Context, name string) (int, error) {
	n, err := s.db.Delete(ctx, Selector{"name": name})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("deleted dataset", "name", name)
	} else {
		s.logger.Error("dataset not found for deletion", "name", name)
	}
	return n, nil
}

// Load opens the named dataset at spec. The record seeds the options and
// overrides are applied on top; the registry is not consulted afterwards.
func (s *Store) Load(ctx context.Context, name string, spec spacing.Spec, overrides map[string]any, opts ...dataset.Option) (*dataset.Dataset, error) {
	rec, err := s.Info(ctx, name)
	if err != nil {
		return nil, err
	}
	dopts, warnings, err := config.DecodeOptions(rec)
	for _, w := range warnings {
		s.logger.Warn(w, "dataset", name)
	}
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", name, err)
	}
	dopts.DirPath = s.localPath(rec)
	dopts.Spacing = spec
	if _, err := dopts.Apply(overrides); err != nil {
		return nil, err
	}
	opts = append([]dataset.Option{dataset.WithConfig(s.cfg), dataset.WithLogger(s.logger)}, opts...)
	return dataset.Open(ctx, dopts, opts...)
}
