// Package invoice renders invoice documents and stores them either in a local
// directory or in an S3-compatible bucket.
package invoice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Document is everything printed on an invoice.
type Document struct {
	Number   string
	Date     time.Time
	Supplier string
	Buyer    string
	Subject  string
	Amount   float64
	Currency string
}

// FileName is the stored object name of d.
func (d Document) FileName() string { return "invoice_" + d.Number + ".txt" }

// Render lays d out as a plain-text invoice.
func Render(d Document) []byte {
	cur := d.Currency
	if cur == "" {
		cur = "RUB"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "СЧЁТ № %s\n", d.Number)
	fmt.Fprintf(&b, "Дата: %s\n\n", d.Date.Format("02.01.2006"))
	fmt.Fprintf(&b, "Поставщик: %s\n", d.Supplier)
	fmt.Fprintf(&b, "Покупатель: %s\n", d.Buyer)
	if d.Subject != "" {
		fmt.Fprintf(&b, "Предмет: %s\n", d.Subject)
	}
	fmt.Fprintf(&b, "\nСумма: %s %s\n", strconv.FormatFloat(d.Amount, 'f', 2, 64), cur)
	return b.Bytes()
}

// Store persists a rendered document and returns a handle the front end can
// deliver (a path or a URL).
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// DirStore writes documents under Dir.
type DirStore struct {
	Dir string
}

// Put writes data to Dir/name, creating Dir when needed.
func (s DirStore) Put(_ context.Context, name string, data []byte) (string, error) {
	if strings.ContainsAny(name, `/\`) || name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid document name %q", name)
	}
	dir := s.Dir
	if dir == "" {
		dir = "invoices"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create invoice dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write invoice: %w", err)
	}
	return path, nil
}

// MinioConfig is decoded from MINIO_* variables.
type MinioConfig struct {
	Endpoint  string `envconfig:"ENDPOINT"`
	AccessKey string `envconfig:"ACCESS_KEY"`
	SecretKey string `envconfig:"SECRET_KEY"`
	Bucket    string `envconfig:"BUCKET" default:"invoices"`
	UseSSL    bool   `envconfig:"USE_SSL"`
}

// MinioStore writes documents to a bucket.
type MinioStore struct {
	client *minio.Client
	cfg    MinioConfig
}

// NewMinioStore builds the client. No request is made until EnsureBucket or Put.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "invoices"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Put uploads data as name and returns its object URL.
func (s *MinioStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return "", fmt.Errorf("upload invoice: %w", err)
	}
	return s.ObjectURL(name), nil
}

// ObjectURL is the public URL of name, reachable when the bucket policy allows it.
func (s *MinioStore) ObjectURL(name string) string {
	scheme := "http"
	if s.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.cfg.Endpoint, s.cfg.Bucket, name)
}
