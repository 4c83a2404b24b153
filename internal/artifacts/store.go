package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	store "github.com/animus-labs/animus-pipelines/internal/storage/objectstore"
)

// ContentType labels encoded step outputs.
const ContentType = "application/x-gob"

// Store implements repo.ArtifactStore over object storage. URIs have the
// form s3://<bucket>/<key>.
type Store struct {
	bucket string
	prefix string
	store  store.Store
}

func NewStore(objectStore store.Store, bucket, prefix string) (*Store, error) {
	if objectStore == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
		store:  objectStore,
	}, nil
}

func (s *Store) Save(ctx context.Context, path string, data []byte) (string, error) {
	if s == nil || s.store == nil {
		return "", errors.New("artifact store not initialized")
	}
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("artifact path is required")
	}
	key := path
	if s.prefix != "" {
		key = s.prefix + "/" + path
	}
	if err := s.store.Put(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), ContentType); err != nil {
		return "", fmt.Errorf("put artifact: %w", err)
	}
	return (&url.URL{Scheme: "s3", Host: s.bucket, Path: "/" + key}).String(), nil
}

func (s *Store) Load(ctx context.Context, uri string) ([]byte, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("artifact store not initialized")
	}
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	reader, _, err := s.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

func (s *Store) Exists(ctx context.Context, uri string) (bool, error) {
	if s == nil || s.store == nil {
		return false, errors.New("artifact store not initialized")
	}
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return false, err
	}
	if _, err := s.store.Stat(ctx, bucket, key); err != nil {
		if errors.Is(err, store.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("stat artifact: %w", err)
	}
	return true, nil
}

// ParseURI splits an s3://bucket/key URI.
func ParseURI(uri string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", "", fmt.Errorf("parse artifact uri: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("artifact uri scheme unsupported: %q", u.Scheme)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("artifact uri must name bucket and key: %q", uri)
	}
	return u.Host, key, nil
}
