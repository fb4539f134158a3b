package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"compute-queue/internal/config"
	"compute-queue/internal/models"
	"compute-queue/internal/store"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver copies result artifacts of completed jobs to long-term storage.
type Archiver struct {
	up uploader
}

// NewArchiver picks S3 when a bucket is configured, else a local directory.
// It returns nil when neither is configured.
func NewArchiver(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{up: &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}}, nil
	}
	if cfg.ArchiveDir != "" {
		return &Archiver{up: &localUploader{baseDir: cfg.ArchiveDir}}, nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// Archive uploads both outputs under "<jobID>/<output name>".
func (a *Archiver) Archive(ctx context.Context, jobID string, art store.Artifacts, result models.Result) error {
	files := []struct {
		name string
		body string
	}{
		{art.PrimaryOutput, result.Primary},
		{art.SecondaryOutput, result.Secondary},
	}
	for _, f := range files {
		key := path.Join(jobID, filepath.Base(f.name))
		if _, err := a.up.Upload(ctx, key, []byte(f.body), "text/plain; charset=utf-8"); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	return nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
