package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	// Drivers for the URL schemes accepted by the built-in factories.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"midatasets/internal/models"
)

// Params carries the settings a backend factory may use.
type Params struct {
	// Root is the local dataset directory ("local" backend).
	Root string

	// Bucket, Prefix and Profile locate a remote dataset.
	Bucket  string
	Prefix  string
	Profile string
	Region  string

	// URL is a complete gocloud bucket URL ("blob" backend).
	URL string

	Logger *slog.Logger
}

// Factory builds a Backend from Params.
type Factory func(ctx context.Context, p Params) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"local": func(_ context.Context, p Params) (Backend, error) {
			return NewLocalBackend(p.Root, p.Logger)
		},
		"s3": func(ctx context.Context, p Params) (Backend, error) {
			if err := requireBucket("s3", p); err != nil {
				return nil, err
			}
			q := url.Values{}
			if p.Profile != "" {
				q.Set("profile", p.Profile)
			}
			if p.Region != "" {
				q.Set("region", p.Region)
			}
			return openBucketURL(ctx, bucketURL("s3", p.Bucket, q), p)
		},
		"gs": func(ctx context.Context, p Params) (Backend, error) {
			if err := requireBucket("gs", p); err != nil {
				return nil, err
			}
			return openBucketURL(ctx, bucketURL("gs", p.Bucket, nil), p)
		},
		"file": func(ctx context.Context, p Params) (Backend, error) {
			if err := requireBucket("file", p); err != nil {
				return nil, err
			}
			return openBucketURL(ctx, "file://"+p.Bucket, p)
		},
		"mem": func(_ context.Context, p Params) (Backend, error) {
			return NewBlobBackend(memblob.OpenBucket(nil), p.Prefix, "mem://"+p.Prefix, p.Logger), nil
		},
		"blob": func(ctx context.Context, p Params) (Backend, error) {
			return openBucketURL(ctx, p.URL, p)
		},
	}
)

// Register adds or replaces a named backend factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names returns the registered backend names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open resolves name in the registry and builds the backend.
func Open(ctx context.Context, name string, p Params) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown storage backend %q (have %s)",
			models.ErrConfiguration, name, strings.Join(Names(), ", "))
	}
	return f(ctx, p)
}

// OpenRemote is Open restricted to backends that can transfer files.
func OpenRemote(ctx context.Context, name string, p Params) (Remote, error) {
	b, err := Open(ctx, name, p)
	if err != nil {
		return nil, err
	}
	r, ok := b.(Remote)
	if !ok {
		return nil, fmt.Errorf("%w: storage backend %q cannot transfer files", models.ErrConfiguration, name)
	}
	return r, nil
}

func requireBucket(name string, p Params) error {
	if strings.TrimSpace(p.Bucket) == "" {
		return fmt.Errorf("%w: storage backend %q needs a bucket", models.ErrConfiguration, name)
	}
	return nil
}

func bucketURL(scheme, bucket string, q url.Values) string {
	u := url.URL{Scheme: scheme, Host: bucket}
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func openBucketURL(ctx context.Context, ref string, p Params) (Backend, error) {
	if ref == "" || strings.HasSuffix(ref, ":") || strings.HasSuffix(ref, "://") {
		return nil, fmt.Errorf("%w: remote bucket is not set", models.ErrConfiguration)
	}
	bucket, err := blob.OpenBucket(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("can't open bucket reference @ %q: %w", ref, err)
	}
	root := strings.TrimSuffix(ref, "/")
	if i := strings.IndexByte(root, '?'); i >= 0 {
		root = root[:i]
	}
	if p.Prefix != "" {
		root += "/" + strings.Trim(p.Prefix, "/")
	}
	return NewBlobBackend(bucket, p.Prefix, root, p.Logger), nil
}
