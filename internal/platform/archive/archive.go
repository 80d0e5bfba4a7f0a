// Package archive keeps rendered laboratory reports outside the database.
// Approved DiagnosticReports go to an S3-compatible bucket in production and
// to memory in development.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const ContentType = "application/fhir+json"

var ErrNotFound = errors.New("archived object not found")

// Object describes one archived report.
type Object struct {
	Key         string
	ContentType string
	Size        int64
	Hash        string
	StoredAt    time.Time
}

func describe(key string, body []byte) Object {
	sum := sha256.Sum256(body)
	return Object{
		Key:         key,
		ContentType: ContentType,
		Size:        int64(len(body)),
		Hash:        hex.EncodeToString(sum[:]),
		StoredAt:    time.Now().UTC(),
	}
}

// MemoryArchiver holds reports in process memory.
type MemoryArchiver struct {
	mu      sync.RWMutex
	objects map[string]Object
	data    map[string][]byte
}

func NewMemoryArchiver() *MemoryArchiver {
	return &MemoryArchiver{
		objects: make(map[string]Object),
		data:    make(map[string][]byte),
	}
}

// Archive stores body under key, replacing an earlier report with the same key.
func (m *MemoryArchiver) Archive(_ context.Context, key string, body []byte) error {
	if key == "" {
		return fmt.Errorf("archive key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = describe(key, body)
	m.data[key] = append([]byte(nil), body...)
	return nil
}

func (m *MemoryArchiver) Get(key string) (Object, io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return Object{}, nil, ErrNotFound
	}
	return obj, io.NopCloser(bytes.NewReader(m.data[key])), nil
}

func (m *MemoryArchiver) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// S3Config addresses the report bucket. Endpoint and PathStyle serve MinIO.
// Credentials come from the default AWS chain.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes reports as objects in a single bucket.
type S3Archiver struct {
	client objectPutter
	bucket string
}

func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, key string, body []byte) error {
	obj := describe(key, body)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(obj.Size),
		ContentType:   aws.String(obj.ContentType),
		Metadata:      map[string]string{"sha256": obj.Hash},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
