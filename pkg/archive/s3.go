// Package archive keeps the authorized artifacts (XML and RIDE) in an
// S3-compatible bucket. Ecuadorian regulation requires comprobantes to be
// retained for seven years; the bucket's lifecycle policy owns that,
// this package only writes and reads.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the slice of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config holds the bucket parameters.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO / LocalStack
	Prefix   string // optional key prefix, e.g. "comprobantes/"
}

// S3Store archives artifacts under comprobantes/<access_key>/<name>.
// Objects are written once; re-archiving the same name overwrites with
// identical content, so writes are idempotent.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	log    *slog.Logger
}

func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg), nil
}

func newS3Store(client s3API, cfg Config) *S3Store {
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    slog.Default().With("component", "archive"),
	}
}

// Store uploads one artifact for an access key. The content type follows
// the artifact name's extension.
func (s *S3Store) Store(ctx context.Context, accessKey, name string, data []byte) error {
	if len(accessKey) != 49 {
		return fmt.Errorf("archive: access key %q is not 49 digits", accessKey)
	}
	key := s.key(accessKey, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(name)),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	s.log.Info("artifact archived", "key", key, "bytes", len(data))
	return nil
}

// Get downloads one artifact.
func (s *S3Store) Get(ctx context.Context, accessKey, name string) ([]byte, error) {
	key := s.key(accessKey, name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch archived %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// Exists reports whether an artifact is already archived.
func (s *S3Store) Exists(ctx context.Context, accessKey, name string) bool {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(accessKey, name)),
	})
	return err == nil
}

func (s *S3Store) key(accessKey, name string) string {
	return s.prefix + accessKey + "/" + name
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".xml"):
		return "application/xml"
	case strings.HasSuffix(name, ".pdf"):
		return "application/pdf"
	}
	return "application/octet-stream"
}
