package historystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/harun/replan/pkg/adaptation"
)

// MinIOConfig configures the object storage archive sink
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Validate checks the connection settings
func (c MinIOConfig) Validate() error {
	switch {
	case c.Endpoint == "":
		return errors.New("minio endpoint is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return errors.New("minio access_key and secret_key are required")
	case c.Bucket == "":
		return errors.New("minio bucket is required")
	}
	return nil
}

// ObjectKey returns the object name of a batch archived at t
func (c MinIOConfig) ObjectKey(t time.Time, name string) string {
	return path.Join(c.Prefix, t.UTC().Format("2006/01/02"), name)
}

// MinIOSink writes archive batches as JSON objects to an S3-compatible bucket
type MinIOSink struct {
	client *minio.Client
	cfg    MinIOConfig
	logger zerolog.Logger
}

var _ adaptation.ArchiveSink = (*MinIOSink)(nil)

// NewMinIOSink connects to the object store and makes sure the bucket exists
func NewMinIOSink(ctx context.Context, cfg MinIOConfig, logger zerolog.Logger) (*MinIOSink, error) {
	if err := cfg.Validate(); err != nil {
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
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinIOSink{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "archive-minio").Logger(),
	}, nil
}

// Archive uploads one batch object
func (s *MinIOSink) Archive(ctx context.Context, records []adaptation.Record) error {
	data, name, err := encodeBatch(records)
	if err != nil {
		return err
	}
	key := s.cfg.ObjectKey(time.Now(), name)

	info, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	s.logger.Debug().
		Str("bucket", s.cfg.Bucket).
		Str("key", key).
		Int64("size", info.Size).
		Int("records", len(records)).
		Msg("Archive batch uploaded")
	return nil
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
