package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config contains configuration for an S3-compatible bucket (AWS, R2, MinIO).
type S3Config struct {
	Bucket string
	// Endpoint overrides the AWS endpoint, e.g. https://<account>.r2.cloudflarestorage.com.
	Endpoint string
	Region   string
	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Uploader uploads snapshots with PutObject.
type S3Uploader struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

// NewS3Uploader creates an uploader for cfg.Bucket.
func NewS3Uploader(ctx context.Context, cfg S3Config, log *slog.Logger) (*S3Uploader, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Uploader{client: client, bucket: cfg.Bucket, log: log}, nil
}

// Upload stores body under key.
func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String(ContentType),
		ContentEncoding: aws.String(ContentEncoding),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	u.log.Debug("uploaded snapshot", "bucket", u.bucket, "key", key, "size", len(body))
	return nil
}
