// Package storage provides object storage for the three artifact kinds a
// run produces: source documents, extracted figure images, and generated
// panel documents. All objects for one run live under the run's partition
// key prefix.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds the object store connection and bucket layout.
type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	UseSSL          bool
	DocumentsBucket string
	FiguresBucket   string
	PanelsBucket    string
}

// ApplyDefaults fills the standard bucket names where unset.
func (c *Config) ApplyDefaults() {
	if c.DocumentsBucket == "" {
		c.DocumentsBucket = "documents"
	}
	if c.FiguresBucket == "" {
		c.FiguresBucket = "figures"
	}
	if c.PanelsBucket == "" {
		c.PanelsBucket = "panels"
	}
}

// Store wraps the object store client.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New creates a store from config.
func New(cfg Config) (*Store, error) {
	cfg.ApplyDefaults()

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &Store{client: client, cfg: cfg}, nil
}

// EnsureBuckets creates the artifact buckets if they don't exist.
func (s *Store) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.cfg.DocumentsBucket, s.cfg.FiguresBucket, s.cfg.PanelsBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// UploadDocument stores a source PDF under objectName.
func (s *Store) UploadDocument(ctx context.Context, objectName string, data []byte) error {
	return s.upload(ctx, s.cfg.DocumentsBucket, objectName, data, "application/pdf")
}

// UploadFigure stores an extracted figure image under objectName.
func (s *Store) UploadFigure(ctx context.Context, objectName string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "image/png"
	}
	return s.upload(ctx, s.cfg.FiguresBucket, objectName, data, contentType)
}

// UploadPanels stores a generated panel document under objectName.
func (s *Store) UploadPanels(ctx context.Context, objectName string, data []byte) error {
	return s.upload(ctx, s.cfg.PanelsBucket, objectName, data, "application/json")
}

func (s *Store) upload(ctx context.Context, bucket, objectName string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", bucket, objectName, err)
	}
	return nil
}

// DownloadDocument retrieves a source PDF.
func (s *Store) DownloadDocument(ctx context.Context, objectName string) ([]byte, error) {
	return s.download(ctx, s.cfg.DocumentsBucket, objectName)
}

// DownloadFigure retrieves a stored figure image.
func (s *Store) DownloadFigure(ctx context.Context, objectName string) ([]byte, error) {
	return s.download(ctx, s.cfg.FiguresBucket, objectName)
}

func (s *Store) download(ctx context.Context, bucket, objectName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", bucket, objectName, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", bucket, objectName, err)
	}
	return data, nil
}

// ListDocuments returns the PDF object names stored under prefix.
func (s *Store) ListDocuments(ctx context.Context, prefix string) ([]string, error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var names []string
	for obj := range s.client.ListObjects(ctx, s.cfg.DocumentsBucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		if strings.HasSuffix(obj.Key, ".pdf") {
			names = append(names, obj.Key)
		}
	}
	return names, nil
}

// FigureURL returns a public-style URL for a stored figure image.
func (s *Store) FigureURL(objectName string) string {
	protocol := "http"
	if s.cfg.UseSSL {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", protocol, s.cfg.Endpoint, s.cfg.FiguresBucket, objectName)
}
