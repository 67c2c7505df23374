package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vitalhearts/core/internal/config"
	"github.com/vitalhearts/core/internal/domain/logs"
)

var ErrNotConfigured = errors.New("archive bucket not configured")

// ObjectClient is the part of the S3 API the exporter uses.
type ObjectClient interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Exporter copies log ranges to an S3 compatible bucket as JSON lines.
type Exporter struct {
	client ObjectClient
	reader *logs.Reader
	bucket string
	prefix string
}

// Object describes one uploaded export.
type Object struct {
	Bucket  string
	Key     string
	Entries int
	Bytes   int
}

type line struct {
	User    string          `json:"user"`
	Type    logs.Type       `json:"type"`
	SortKey string          `json:"sortKey"`
	At      time.Time       `json:"at"`
	Source  string          `json:"source,omitempty"`
	Entries []logs.SubEntry `json:"entries"`
}

func New(ctx context.Context, cfg config.ArchiveConfig, reader *logs.Reader) (*Exporter, error) {
	if cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Key != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Key, cfg.Secret, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load archive config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, reader, cfg.Bucket, cfg.Prefix), nil
}

func NewWithClient(client ObjectClient, reader *logs.Reader, bucket, prefix string) *Exporter {
	return &Exporter{
		client: client,
		reader: reader,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (e *Exporter) Bucket() string {
	return e.bucket
}

// ObjectKey is where the export of one user's log range is stored.
func (e *Exporter) ObjectKey(user string, typ logs.Type, from, to time.Time) string {
	name := fmt.Sprintf("%s_%s.jsonl", from.UTC().Format("20060102T150405Z"), to.UTC().Format("20060102T150405Z"))
	return path.Join(e.prefix, string(typ), user, name)
}

// Export reads the whole range and uploads it as one object. Nothing is
// uploaded when any page fails or the range is empty.
func (e *Exporter) Export(ctx context.Context, user string, typ logs.Type, from, to time.Time) (Object, error) {
	start := time.Now()
	entries, err := e.reader.ReadAll(ctx, user, typ, typ.Span(from, to))
	if err != nil {
		return Object{}, err
	}
	obj := Object{Bucket: e.bucket, Key: e.ObjectKey(user, typ, from, to), Entries: len(entries)}
	if len(entries) == 0 {
		return obj, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		subs := entry.Entries
		if subs == nil {
			subs = []logs.SubEntry{}
		}
		if err := enc.Encode(line{
			User:    entry.User,
			Type:    entry.Type,
			SortKey: entry.SortKey,
			At:      entry.At.UTC(),
			Source:  entry.Source,
			Entries: subs,
		}); err != nil {
			return Object{}, fmt.Errorf("failed to encode entry %s: %w", entry.SortKey, err)
		}
	}
	obj.Bytes = buf.Len()

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(obj.Key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return Object{}, fmt.Errorf("failed to upload %s: %w", obj.Key, err)
	}

	slog.Info("Log range archived",
		slog.String("type", "db"),
		slog.String("user", user),
		slog.String("log", string(typ)),
		slog.String("key", obj.Key),
		slog.Int("entries", obj.Entries),
		slog.Duration("took", time.Since(start)))
	return obj, nil
}

// Remove deletes a previous export.
func (e *Exporter) Remove(ctx context.Context, key string) error {
	_, err := e.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
