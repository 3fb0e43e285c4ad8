package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nvr-engine/logging"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog"
)

// R2Config holds configuration for Cloudflare R2 storage
type R2Config struct {
	AccessKey string
	SecretKey string
	AccountID string
	Bucket    string
	Endpoint  string
	Region    string
	BaseURL   string // Public URL prefix, e.g. https://media.example.com
}

// Number of attempts for UploadFile retry loop
const maxUploadAttempts = 3

// R2Storage archives exported clips to an S3-compatible bucket
type R2Storage struct {
	config   R2Config
	client   *s3.S3
	uploader *s3manager.Uploader
	log      zerolog.Logger
}

// NewR2Storage creates a new R2Storage instance
func NewR2Storage(config R2Config) (*R2Storage, error) {
	if config.Region == "" {
		config.Region = "auto"
	}

	// Derive the endpoint from the account when no explicit endpoint is set
	if config.Endpoint == "" && config.AccountID != "" {
		config.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", config.AccountID)
	}

	sess, err := session.NewSession(&aws.Config{
		Credentials:      credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, ""),
		Endpoint:         aws.String(config.Endpoint),
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	// Sequential parts keep a single connection open on constrained uplinks
	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 1
	})

	return &R2Storage{
		config:   config,
		client:   s3.New(sess),
		uploader: uploader,
		log:      logging.For("r2"),
	}, nil
}

// UploadFile uploads a local file to remotePath and returns its public URL
func (r *R2Storage) UploadFile(ctx context.Context, localPath, remotePath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", localPath, err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to get file info: %w", err)
	}

	metadata := map[string]*string{
		"OriginalFileName": aws.String(filepath.Base(localPath)),
		"UploadedAt":       aws.String(time.Now().Format(time.RFC3339)),
		"FileSize":         aws.String(fmt.Sprintf("%d", fileInfo.Size())),
	}

	var lastErr error
	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		if _, err := file.Seek(0, 0); err != nil {
			return "", fmt.Errorf("failed to seek to beginning of file: %w", err)
		}

		_, lastErr = r.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(r.config.Bucket),
			Key:         aws.String(remotePath),
			Body:        file,
			ContentType: aws.String(contentTypeFor(localPath)),
			Metadata:    metadata,
		})
		if lastErr == nil {
			break
		}

		r.log.Warn().Err(lastErr).Int("attempt", attempt).Str("path", localPath).Msg("upload attempt failed")
		if attempt == maxUploadAttempts {
			break
		}
		// 2s, 4s
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("failed to upload file to R2 after %d attempts: %w", maxUploadAttempts, lastErr)
	}

	publicURL := r.PublicURL(remotePath)
	r.log.Info().Str("url", publicURL).Int64("size", fileInfo.Size()).Msg("clip archived")
	return publicURL, nil
}

// PublicURL returns the URL an archived object is served from
func (r *R2Storage) PublicURL(key string) string {
	return fmt.Sprintf("%s/%s", r.GetBaseURL(), strings.TrimPrefix(key, "/"))
}

// GetBaseURL returns the base URL for the bucket
func (r *R2Storage) GetBaseURL() string {
	if r.config.BaseURL != "" {
		return strings.TrimSuffix(r.config.BaseURL, "/")
	}
	return fmt.Sprintf("%s/%s", r.config.Endpoint, r.config.Bucket)
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}
