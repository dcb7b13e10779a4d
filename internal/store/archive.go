package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

// Archiver receives batches of expired records before they are discarded.
type Archiver interface {
	// Archive persists an expired batch outside the live store.
	Archive(ctx context.Context, recs []Record) error
}

// ObjectArchiver uploads gzip-compressed record batches to an S3-compatible
// object store. Objects are keyed by the timestamp of the newest record in
// the batch.
type ObjectArchiver struct {
	client   *minio.Client
	bucket   string
	prefix   string
	compress bool
}

// ObjectArchiverConfig holds connection settings for the object archiver.
type ObjectArchiverConfig struct {
	// Endpoint is the S3-compatible endpoint host:port.
	Endpoint string

	// AccessKey and SecretKey authenticate against the endpoint.
	AccessKey string
	SecretKey string

	// UseSSL enables TLS for the connection.
	UseSSL bool

	// Bucket is the destination bucket; it must already exist.
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	// Compress gzips batches before upload.
	Compress bool
}

// NewObjectArchiver creates an archiver for the given object store.
func NewObjectArchiver(cfg ObjectArchiverConfig) (*ObjectArchiver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("archiver endpoint cannot be empty")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archiver bucket cannot be empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &ObjectArchiver{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		compress: cfg.Compress,
	}, nil
}

// Archive uploads a batch of expired records as a single object.
func (a *ObjectArchiver) Archive(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	payload, contentType, err := EncodeBatch(recs, a.compress)
	if err != nil {
		return err
	}

	newest := recs[len(recs)-1].Timestamp
	key := fmt.Sprintf("%slogs-%s.json", a.prefix, newest.UTC().Format("20060102T150405"))
	if a.compress {
		key += ".gz"
	}

	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload archive %s: %w", key, err)
	}

	log.Debugf("archived %d expired log records to %s/%s", len(recs), a.bucket, key)
	return nil
}

// EncodeBatch serializes a record batch, gzip-compressing it when requested.
// It returns the payload and its content type.
func EncodeBatch(recs []Record, compress bool) ([]byte, string, error) {
	raw, err := json.Marshal(recs)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode batch: %w", err)
	}

	if !compress {
		return raw, "application/json", nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, "", fmt.Errorf("failed to compress batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish compression: %w", err)
	}
	return buf.Bytes(), "application/gzip", nil
}

// DecodeBatch reverses EncodeBatch. Compression is detected from the gzip
// magic bytes.
func DecodeBatch(payload []byte) ([]Record, error) {
	if len(payload) >= 2 && payload[0] == 0x1f && payload[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed batch: %w", err)
		}
		defer func() { _ = gz.Close() }()

		var buf bytes.Buffer
		if _, err := buf.ReadFrom(gz); err != nil {
			return nil, fmt.Errorf("failed to decompress batch: %w", err)
		}
		payload = buf.Bytes()
	}

	var recs []Record
	if err := json.Unmarshal(payload, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	return recs, nil
}

// dropOlderThan is a convenience used by callers that cleanup on a schedule.
func dropOlderThan(ctx context.Context, s Store, archiver Archiver, retention time.Duration, now time.Time) error {
	expired, err := s.Cleanup(ctx, now.Add(-retention))
	if err != nil {
		return err
	}
	if archiver != nil && len(expired) > 0 {
		if err := archiver.Archive(ctx, expired); err != nil {
			return err
		}
	}
	return nil
}

// RunRetention removes records older than the retention window, forwarding
// the expired batch to the archiver when one is configured. Archive failures
// are logged, not returned: retention must not be blocked by a dead archive
// endpoint.
func RunRetention(ctx context.Context, s Store, archiver Archiver, retention time.Duration, now time.Time) {
	if retention <= 0 {
		return
	}
	if err := dropOlderThan(ctx, s, archiver, retention, now); err != nil {
		log.Errorf("log retention pass failed: %v", err)
	}
}
