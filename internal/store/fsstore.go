package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FSStore is a filesystem-backed Store. It is not a mock: it is a real,
// usable implementation suitable for single-host deployments and for
// every package's tests, built the way the teacher's snapshot.Manager
// writes files — temp file plus atomic os.Rename — so a crash mid-Put
// never leaves a partial object visible.
type FSStore struct {
	root string

	mu      sync.Mutex
	buckets map[string]bool
}

// NewFSStore roots a Store at dir. dir is created if missing.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root dir: %w", err)
	}
	return &FSStore{root: dir, buckets: make(map[string]bool)}, nil
}

func (s *FSStore) bucketDir(bucket string) string {
	return filepath.Join(s.root, bucket)
}

func (s *FSStore) objectPath(bucket, key string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("store: invalid key %q", key)
	}
	return filepath.Join(s.bucketDir(bucket), clean), nil
}

func (s *FSStore) Put(ctx context.Context, bucket, key string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}

	payload, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("store: read body for %s: %w", key, err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		if bytes.Equal(existing, payload) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrKeyConflict, key)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("store: stat existing %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", key, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("store: write temp object for %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename object %s: %w", key, err)
	}

	s.mu.Lock()
	s.buckets[bucket] = true
	s.mu.Unlock()
	return nil
}

func (s *FSStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchKey, key)
		}
		return nil, fmt.Errorf("store: open %s: %w", key, err)
	}
	return f, nil
}

func (s *FSStore) List(ctx context.Context, bucket, prefix, marker string, maxKeys int) (ListResult, error) {
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}
	base := s.bucketDir(bucket)

	var keys []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == base {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return ListResult{}, fmt.Errorf("store: list %s: %w", prefix, err)
	}

	sort.Strings(keys)

	start := 0
	if marker != "" {
		start = sort.SearchStrings(keys, marker)
		if start < len(keys) && keys[start] == marker {
			start++
		}
	}
	keys = keys[start:]

	truncated := false
	if maxKeys > 0 && len(keys) > maxKeys {
		keys = keys[:maxKeys]
		truncated = true
	}

	result := ListResult{Truncated: truncated}
	for _, k := range keys {
		result.Items = append(result.Items, Item{Key: k})
	}
	if truncated {
		result.NextMarker = keys[len(keys)-1]
	}
	return result, nil
}

func (s *FSStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) HeadBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if info, err := os.Stat(s.bucketDir(bucket)); err == nil && info.IsDir() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
}

func (s *FSStore) CreateBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.bucketDir(bucket), 0o755); err != nil {
		return fmt.Errorf("store: create bucket %s: %w", bucket, err)
	}
	s.mu.Lock()
	s.buckets[bucket] = true
	s.mu.Unlock()
	return nil
}
