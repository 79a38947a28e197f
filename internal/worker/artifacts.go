package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"permit-pipeline/internal/config"
)

// Archiver stores diagnostic artifacts somewhere that outlives the worker
// host, so a failed attempt's screenshot is still available for triage after
// the machine is recycled.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) (string, error)
}

// NewArchiver picks S3 when a bucket is configured, local disk otherwise.
func NewArchiver(ctx context.Context, cfg config.Config) (Archiver, error) {
	if cfg.ArtifactS3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return &s3Archiver{
			client: s3.NewFromConfig(awsCfg),
			bucket: cfg.ArtifactS3Bucket,
		}, nil
	}
	return &localArchiver{baseDir: cfg.ArtifactDir}, nil
}

// ArchiveScreenshot reads a renderer-produced diagnostic file and stores it
// under the application's key. Returns the original path untouched when the
// file cannot be read; a missing screenshot must not fail the attempt.
func ArchiveScreenshot(ctx context.Context, a Archiver, appID int64, jobID, localPath string) string {
	if localPath == "" || a == nil {
		return localPath
	}
	body, err := os.ReadFile(localPath)
	if err != nil {
		return localPath
	}
	key := fmt.Sprintf("diagnostics/%d/%s%s", appID, jobID, filepath.Ext(localPath))
	stored, err := a.Archive(ctx, key, body)
	if err != nil {
		return localPath
	}
	return stored
}

type localArchiver struct {
	baseDir string
}

func (l *localArchiver) Archive(_ context.Context, key string, body []byte) (string, error) {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Archiver struct {
	client *s3.Client
	bucket string
}

func (s *s3Archiver) Archive(ctx context.Context, key string, body []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
