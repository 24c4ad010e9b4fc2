// Package storage keeps binary artifacts of documents in S3-compatible
// object storage, under <tenant>/artifacts/<doc_type>/<id>/<artifact_type>.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"docflow/internal/keys"
)

// ErrDisabled is returned by every operation when object storage is off.
var ErrDisabled = errors.New("object storage is disabled")

// ObjectClient is the subset of *minio.Client the store uses.
type ObjectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
}

// Config selects and configures the object store.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	Location   string `yaml:"location"`
	Secure     bool   `yaml:"secure"`
	MakeBucket bool   `yaml:"make_bucket"`
	// CacheDir is where artifacts are fetched to by default.
	CacheDir string `yaml:"cache_dir"`
}

// Store is a client for S3-compatible storage.
type Store struct {
	client ObjectClient
	cfg    Config
	names  keys.Names
	logger *slog.Logger
}

// New connects to the configured endpoint and, if asked to, creates the
// bucket. A disabled config yields a Store whose operations return
// ErrDisabled.
func New(ctx context.Context, cfg Config, names keys.Names, logger *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return NewWithClient(nil, cfg, names, logger), nil
	}
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("object storage needs endpoint, access key and secret key")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := NewWithClient(client, cfg, names, logger)
	if cfg.MakeBucket {
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
	}
	s.logger.Info("connected to object storage", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return s, nil
}

// NewWithClient builds a Store on an existing client.
func NewWithClient(client ObjectClient, cfg Config, names keys.Names, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "docflow", "artifacts-cache")
	}
	return &Store{
		client: client,
		cfg:    cfg,
		names:  names,
		logger: logger.With("component", "storage"),
	}
}

func (s *Store) Enabled() bool { return s.cfg.Enabled && s.client != nil }

func (s *Store) check() error {
	if !s.Enabled() {
		return ErrDisabled
	}
	return nil
}

// EnsureBucket creates the configured bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("error checking bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Location}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
	}
	s.logger.Info("created bucket", "bucket", s.cfg.Bucket)
	return nil
}

// FetchToTemp downloads remoteFilePath into a new temporary file opened for
// reading. The caller closes and removes it.
func (s *Store) FetchToTemp(ctx context.Context, remoteFilePath string) (*os.File, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp("", "docflow-blob-*")
	if err != nil {
		return nil, err
	}
	name := tmp.Name()
	_ = tmp.Close()

	if err := s.client.FGetObject(ctx, s.cfg.Bucket, remoteFilePath, name, minio.GetObjectOptions{}); err != nil {
		_ = os.Remove(name)
		return nil, fmt.Errorf("fetch %s: %w", remoteFilePath, err)
	}
	return os.Open(name)
}

// FetchToDirectory downloads remoteFilePath to localDir/filename.
func (s *Store) FetchToDirectory(ctx context.Context, remoteFilePath, localDir, filename string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", err
	}
	local := filepath.Join(localDir, filepath.Base(filename))
	if err := s.client.FGetObject(ctx, s.cfg.Bucket, remoteFilePath, local, minio.GetObjectOptions{}); err != nil {
		return "", fmt.Errorf("fetch %s: %w", remoteFilePath, err)
	}
	return local, nil
}

// SaveFile uploads r as remotePath/filename. size may be -1 when unknown.
func (s *Store) SaveFile(ctx context.Context, remotePath, filename string, r io.Reader, size int64, contentType string) (Blob, error) {
	if err := s.check(); err != nil {
		return Blob{}, err
	}
	remoteFilePath := remotePath + "/" + keys.Escape(filename)
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, remoteFilePath, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Blob{}, fmt.Errorf("failed to store object %s: %w", remoteFilePath, err)
	}
	s.logger.Debug("stored object", "key", remoteFilePath, "size", info.Size)
	return Blob{
		Filename:       filename,
		ContentType:    contentType,
		RemoteFilePath: remoteFilePath,
		RemotePath:     remotePath,
		FileSize:       info.Size,
	}, nil
}

// cleanFilename drops any query string a URL-derived filename carries.
func cleanFilename(filename string) string {
	name, _, _ := strings.Cut(filename, "?")
	return name
}
