// Package storage keeps uploaded chat media on local disk or in an
// S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/4xmen/storechat/internal/obs"
)

// Storage saves an object under key and returns the URL clients fetch it from.
type Storage interface {
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

var ErrInvalidKey = errors.New("storage: invalid object key")

func cleanKey(key string) (string, error) {
	key = strings.Trim(path.Clean("/"+strings.TrimSpace(key)), "/")
	if key == "" || key == "." {
		return "", ErrInvalidKey
	}
	return key, nil
}

// Disk writes objects below Root and serves them from URLPrefix.
type Disk struct {
	Root      string
	URLPrefix string
}

func NewDisk(root, urlPrefix string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", root, err)
	}
	return &Disk{Root: root, URLPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

func (d *Disk) Save(ctx context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(d.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("storage: write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	if err := ctx.Err(); err != nil {
		os.Remove(dst)
		return "", err
	}
	return d.URLPrefix + "/" + key, nil
}

// S3 stores objects in a MinIO/S3 bucket that is created on first use and
// made publicly readable.
type S3 struct {
	bucket        string
	publicBaseURL string
	client        *minio.Client
	log           *slog.Logger

	bucketOnce sync.Once
	bucketErr  error
}

func NewS3(endpoint string, useSSL bool, accessKey, secretKey, bucket string, logger *slog.Logger) (*S3, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	client, err := minio.New(hostOf(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}

	base := endpoint
	if !strings.Contains(base, "://") {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		base = scheme + "://" + base
	}

	return &S3{
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(base, "/"),
		client:        client,
		log:           obs.Or(logger).With("component", "storage"),
	}, nil
}

func (s *S3) Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if size <= 0 {
		size = -1
	}

	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("s3: put object: %w", err)
	}

	u := s.ObjectURL(key)
	s.log.Info("object stored", "bucket", s.bucket, "key", key, "size", size)
	return u, nil
}

func (s *S3) ensureBucket(ctx context.Context) error {
	s.bucketOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.bucketErr = fmt.Errorf("s3: check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			s.bucketErr = fmt.Errorf("s3: create bucket: %w", err)
			return
		}
		policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, s.bucket)
		if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
			s.bucketErr = fmt.Errorf("s3: set bucket policy: %w", err)
		}
	})
	return s.bucketErr
}

// ObjectURL is the public path-style URL of key.
func (s *S3) ObjectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, strings.TrimLeft(key, "/"))
}

func hostOf(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

var (
	_ Storage = (*Disk)(nil)
	_ Storage = (*S3)(nil)
)
