// Package minio provides an S3-compatible artifact store backed by MinIO.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dukex/labrun/pkg/persistence"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config selects the MinIO endpoint and bucket.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Validate reports missing required settings.
func (c Config) Validate() error {
	var missing []string

	if strings.TrimSpace(c.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}

	if strings.TrimSpace(c.AccessKey) == "" {
		missing = append(missing, "access_key")
	}

	if strings.TrimSpace(c.SecretKey) == "" {
		missing = append(missing, "secret_key")
	}

	if strings.TrimSpace(c.Bucket) == "" {
		missing = append(missing, "bucket")
	}

	if len(missing) > 0 {
		return fmt.Errorf("minio config missing %s", strings.Join(missing, ", "))
	}

	return nil
}

// ArtifactStore implements persistence.ArtifactStore on a MinIO bucket.
// SHA checks are serialized per path inside one process.
type ArtifactStore struct {
	client *minio.Client
	bucket string
	prefix string

	mu    sync.Mutex
	paths map[string]*sync.Mutex
}

// NewArtifactStore connects to MinIO and ensures the bucket exists.
func NewArtifactStore(ctx context.Context, cfg Config) (*ArtifactStore, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return NewArtifactStoreWithClient(client, cfg.Bucket, cfg.Prefix)
}

// NewArtifactStoreWithClient wraps an existing client.
func NewArtifactStoreWithClient(client *minio.Client, bucket, prefix string) (*ArtifactStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}

	return &ArtifactStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		paths:  make(map[string]*sync.Mutex),
	}, nil
}

// GetFile downloads the object at path.
func (s *ArtifactStore) GetFile(ctx context.Context, filePath string) (*persistence.File, error) {
	content, err := s.read(ctx, filePath)
	if err != nil {
		return nil, err
	}

	return &persistence.File{Path: filePath, Content: content, SHA: persistence.ContentHash(content)}, nil
}

// CreateFile uploads a new object. It fails with ErrFileExists when the key is taken.
func (s *ArtifactStore) CreateFile(ctx context.Context, filePath string, content []byte, message string) (*persistence.File, error) {
	unlock := s.lock(filePath)
	defer unlock()

	_, err := s.client.StatObject(ctx, s.bucket, s.key(filePath), minio.StatObjectOptions{})
	if err == nil {
		return nil, fmt.Errorf("%w: %s", persistence.ErrFileExists, filePath)
	}

	if !isNoSuchKey(err) {
		return nil, fmt.Errorf("failed to stat %s: %w", filePath, err)
	}

	return s.put(ctx, filePath, content, message)
}

// UpdateFile overwrites the object when its current content hash equals sha.
func (s *ArtifactStore) UpdateFile(ctx context.Context, filePath string, content []byte, sha, message string) (*persistence.File, error) {
	unlock := s.lock(filePath)
	defer unlock()

	current, err := s.read(ctx, filePath)
	if err != nil {
		return nil, err
	}

	if persistence.ContentHash(current) != sha {
		return nil, fmt.Errorf("%w: %s", persistence.ErrFileConflict, filePath)
	}

	return s.put(ctx, filePath, content, message)
}

func (s *ArtifactStore) read(ctx context.Context, filePath string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(filePath), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", filePath, err)
	}

	defer func() { _ = obj.Close() }()

	content, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrFileNotFound, filePath)
		}

		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	return content, nil
}

func (s *ArtifactStore) put(ctx context.Context, filePath string, content []byte, message string) (*persistence.File, error) {
	sha := persistence.ContentHash(content)

	opts := minio.PutObjectOptions{
		ContentType: contentType(filePath),
		UserMetadata: map[string]string{
			"content-hash": sha,
			"message":      message,
		},
	}

	_, err := s.client.PutObject(ctx, s.bucket, s.key(filePath), bytes.NewReader(content), int64(len(content)), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to put %s: %w", filePath, err)
	}

	return &persistence.File{Path: filePath, Content: content, SHA: sha}, nil
}

func (s *ArtifactStore) key(filePath string) string {
	clean := strings.TrimPrefix(path.Clean("/"+filePath), "/")
	if s.prefix == "" {
		return clean
	}

	return s.prefix + "/" + clean
}

func (s *ArtifactStore) lock(filePath string) func() {
	s.mu.Lock()

	m, ok := s.paths[filePath]
	if !ok {
		m = &sync.Mutex{}
		s.paths[filePath] = m
	}

	s.mu.Unlock()
	m.Lock()

	return m.Unlock
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey"
	}

	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func contentType(filePath string) string {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".json":
		return "application/json"
	case ".xml":
		return "application/xml"
	case ".csv":
		return "text/csv"
	case ".py":
		return "text/x-python"
	default:
		return "application/octet-stream"
	}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
