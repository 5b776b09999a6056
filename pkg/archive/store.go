package archive

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/synod-labs/synod/pkg/canonical"
)

// Store is content-addressed custody for sealed bundles. Put returns
// the bundle's address, a prefixed digest of its bytes; the same bundle
// always lands at the same address. There is no delete: custody is not
// a cache.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, addr string) ([]byte, error)
	Exists(ctx context.Context, addr string) (bool, error)
}

// OpenStore selects a backend from a bucket URL: file://<dir> for the
// local filesystem, s3://<bucket>[/prefix] for S3-compatible storage,
// gs://<bucket>[/prefix] for GCS (gcp build tag).
func OpenStore(ctx context.Context, bucketURL string) (Store, error) {
	switch {
	case strings.HasPrefix(bucketURL, "file://"):
		return NewFS(strings.TrimPrefix(bucketURL, "file://"))
	case strings.HasPrefix(bucketURL, "s3://"):
		bucket, prefix, err := splitBucketURL(bucketURL)
		if err != nil {
			return nil, err
		}
		return NewS3(ctx, S3Config{
			Bucket:   bucket,
			Prefix:   prefix,
			Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		})
	case strings.HasPrefix(bucketURL, "gs://"):
		bucket, prefix, err := splitBucketURL(bucketURL)
		if err != nil {
			return nil, err
		}
		return openGCS(ctx, bucket, prefix)
	default:
		return nil, fmt.Errorf("archive: unsupported bucket url %q", bucketURL)
	}
}

func splitBucketURL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("archive: parse bucket url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("archive: bucket url %q names no bucket", raw)
	}
	prefix = strings.Trim(u.Path, "/")
	if prefix != "" {
		prefix += "/"
	}
	return u.Host, prefix, nil
}

// addrPath maps an address to its object name, rejecting anything that
// is not a well-formed digest before it touches a path.
func addrPath(addr string) (string, error) {
	if !canonical.Valid(addr) {
		return "", fmt.Errorf("archive: malformed address %q", addr)
	}
	return strings.TrimPrefix(addr, canonical.HashPrefix) + ".zip", nil
}

// FSStore keeps bundles as files under one directory. The default
// backend; single-node conclaves archive to local disk.
type FSStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFS creates the directory if needed and returns a store over it.
func NewFS(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir %s: %w", baseDir, err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := canonical.HashBytes(data)
	name, err := addrPath(addr)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.baseDir, name)
	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}

	// Write-then-rename so a crash never leaves a half bundle at the
	// final name.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit bundle: %w", err)
	}
	return addr, nil
}

func (s *FSStore) Get(_ context.Context, addr string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, err := addrPath(addr)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: bundle %s not found", addr)
		}
		return nil, fmt.Errorf("archive: open bundle: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("archive: read bundle: %w", err)
	}
	return data, nil
}

func (s *FSStore) Exists(_ context.Context, addr string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, err := addrPath(addr)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("archive: stat bundle: %w", err)
}
