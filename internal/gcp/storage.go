package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ParseObjectURL splits a gs://bucket/object locator.
func ParseObjectURL(locator string) (bucket, object string, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", fmt.Errorf("invalid object url %q: %w", locator, err)
	}
	if u.Scheme != "gs" || u.Host == "" {
		return "", "", fmt.Errorf("invalid object url %q: want gs://bucket/object", locator)
	}
	object = strings.TrimPrefix(u.Path, "/")
	if object == "" {
		return "", "", fmt.Errorf("invalid object url %q: missing object name", locator)
	}
	return u.Host, object, nil
}

// ObjectURL is the inverse of ParseObjectURL.
func ObjectURL(bucket, object string) string {
	return "gs://" + bucket + "/" + object
}

// ObjectStore opens Cloud Storage objects for streaming. The client is created on first use
// so that binaries which never see a gs:// locator do not need credentials.
type ObjectStore struct {
	once   sync.Once
	client *storage.Client
	err    error
}

// NewObjectStore returns a lazily connected object store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{}
}

// Open returns a reader over the object's content.
func (s *ObjectStore) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	s.once.Do(func() {
		s.client, s.err = storage.NewClient(context.WithoutCancel(ctx))
		if s.err != nil {
			s.err = fmt.Errorf("failed to create Storage client: %w", s.err)
		}
	})
	if s.err != nil {
		return nil, s.err
	}
	rc, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, object, err)
	}
	return rc, nil
}

// Close releases the client if one was created.
func (s *ObjectStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// IsPermanent reports whether a Cloud Storage error will not go away on retry: missing
// objects or buckets and authorization failures.
func IsPermanent(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}
