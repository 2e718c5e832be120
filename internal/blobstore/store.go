// Package blobstore reads and writes experiment artifacts in the object store
// named by a data repository's credentials.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/animus-labs/experiment-results/internal/platform/objectstore"
	"github.com/minio/minio-go/v7"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds size limit")
)

// Store fetches and uploads whole objects using per-repository credentials.
type Store interface {
	Get(ctx context.Context, bucket, key string, creds Credentials) ([]byte, error)
	Put(ctx context.Context, bucket, key string, body []byte, creds Credentials) error
}

// MinioStore keeps one client per endpoint and access key.
type MinioStore struct {
	MaxObjectBytes int64

	mu      sync.Mutex
	clients map[string]*minio.Client
}

func NewMinioStore(maxObjectBytes int64) *MinioStore {
	return &MinioStore{
		MaxObjectBytes: maxObjectBytes,
		clients:        make(map[string]*minio.Client),
	}
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string, creds Credentials) ([]byte, error) {
	client, err := s.client(creds)
	if err != nil {
		return nil, err
	}
	bucket, key, err = objectRef(bucket, key)
	if err != nil {
		return nil, err
	}

	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError(err)
	}
	defer obj.Close()

	var r io.Reader = obj
	if s.MaxObjectBytes > 0 {
		r = io.LimitReader(obj, s.MaxObjectBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, mapError(err)
	}
	if s.MaxObjectBytes > 0 && int64(len(data)) > s.MaxObjectBytes {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectTooLarge, bucket, key)
	}
	return data, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body []byte, creds Credentials) error {
	client, err := s.client(creds)
	if err != nil {
		return err
	}
	bucket, key, err = objectRef(bucket, key)
	if err != nil {
		return err
	}
	if s.MaxObjectBytes > 0 && int64(len(body)) > s.MaxObjectBytes {
		return fmt.Errorf("%w: %d bytes", ErrObjectTooLarge, len(body))
	}
	if err := objectstore.EnsureBucket(ctx, client, bucket, creds.BucketRegion); err != nil {
		return err
	}
	_, err = client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (s *MinioStore) client(creds Credentials) (*minio.Client, error) {
	if s == nil {
		return nil, fmt.Errorf("minio store not initialized")
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	endpoint, secure, err := objectstore.ParseEndpoint(creds.EndpointURL)
	if err != nil {
		return nil, err
	}
	cacheKey := strings.Join([]string{endpoint, creds.BucketRegion, creds.HMACKeys.AccessKeyID, creds.HMACKeys.SecretAccessKey}, "\x00")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients == nil {
		s.clients = make(map[string]*minio.Client)
	}
	if client, ok := s.clients[cacheKey]; ok {
		return client, nil
	}
	client, err := objectstore.NewMinIOClient(objectstore.ClientConfig{
		Endpoint:  endpoint,
		AccessKey: creds.HMACKeys.AccessKeyID,
		SecretKey: creds.HMACKeys.SecretAccessKey,
		Region:    creds.BucketRegion,
		UseSSL:    secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	s.clients[cacheKey] = client
	return client, nil
}

func objectRef(bucket, key string) (string, string, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return "", "", errors.New("bucket is required")
	}
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", "", errors.New("object key is required")
	}
	return bucket, key, nil
}

func mapError(err error) error {
	if objectstore.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return fmt.Errorf("get object: %w", err)
}
