package snapshot

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// R2Mirror uploads snapshot archives to Cloudflare R2 (S3-compatible
// object storage) as a best-effort, asynchronous copy alongside the
// local archive, via a custom endpoint resolver over the AWS SDK.
type R2Mirror struct {
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewR2Mirror builds a mirror, or returns (nil, error) if credentials
// are incomplete so callers can treat a disabled mirror as a no-op
// RemoteMirror (nil is a legal Store.remote value).
func NewR2Mirror(accountID, accessKeyID, secretAccessKey, bucket string, log zerolog.Logger) (*R2Mirror, error) {
	if accountID == "" || accessKeyID == "" || secretAccessKey == "" || bucket == "" {
		return nil, fmt.Errorf("r2 credentials incomplete")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
			HostnameImmutable: true,
			SigningRegion:     "auto",
		}, nil
	})

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 3
	})

	return &R2Mirror{uploader: uploader, bucket: bucket, log: log.With().Str("component", "snapshot_remote_mirror").Logger()}, nil
}

// Upload streams the archive at path to the configured bucket under key.
func (m *R2Mirror) Upload(key, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload to r2: %w", err)
	}
	return nil
}
