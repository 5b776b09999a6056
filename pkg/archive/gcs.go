//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/synod-labs/synod/pkg/canonical"
)

// GCSStore keeps bundles in a GCS bucket under their content address.
// Built only with the gcp tag; default builds dispatch gs:// URLs to an
// error instead.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func openGCS(ctx context.Context, bucket, prefix string) (Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) object(addr string) (*storage.ObjectHandle, error) {
	name, err := addrPath(addr)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucket).Object(s.prefix + name), nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	addr := canonical.HashBytes(data)
	obj, err := s.object(addr)
	if err != nil {
		return "", err
	}
	if _, err := obj.Attrs(ctx); err == nil {
		return addr, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs commit: %w", err)
	}
	return addr, nil
}

func (s *GCSStore) Get(ctx context.Context, addr string) ([]byte, error) {
	obj, err := s.object(addr)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs get %s: %w", addr, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs read %s: %w", addr, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, addr string) (bool, error) {
	obj, err := s.object(addr)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("archive: gcs attrs: %w", err)
}

// Close releases the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
