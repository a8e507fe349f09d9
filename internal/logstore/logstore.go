// Package logstore issues presigned URLs for worker log upload and
// retrieval. The scheduler only ever stores a log key; bytes move directly
// between workers, object storage, and the reader.
package logstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/brisktest/brisk/internal/config"
)

// Issuer hands out presigned URLs for a log key.
type Issuer interface {
	// GetURL returns a time-limited download URL for key.
	GetURL(ctx context.Context, key string) (string, error)
	// PutURL returns a time-limited upload URL for key.
	PutURL(ctx context.Context, key string) (string, error)
}

// S3Issuer presigns against an S3 bucket or any S3-compatible endpoint.
type S3Issuer struct {
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
	logger  *slog.Logger
}

// NewS3Issuer builds an issuer from cfg. Explicit static credentials win
// over the ambient credential chain.
func NewS3Issuer(ctx context.Context, cfg config.LogStoreConfig, logger *slog.Logger) (*S3Issuer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("log store bucket not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &S3Issuer{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		expiry:  expiry,
		logger:  logger.With("component", "logstore"),
	}, nil
}

func (i *S3Issuer) GetURL(ctx context.Context, key string) (string, error) {
	req, err := i.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(i.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(i.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning get for %s: %w", key, err)
	}
	i.logger.Debug("presigned get", "key", key, "expiry", i.expiry)
	return req.URL, nil
}

func (i *S3Issuer) PutURL(ctx context.Context, key string) (string, error) {
	req, err := i.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(i.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(i.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning put for %s: %w", key, err)
	}
	i.logger.Debug("presigned put", "key", key, "expiry", i.expiry)
	return req.URL, nil
}

// Disabled is the Issuer used when no bucket is configured; every call
// reports the store as unavailable.
type Disabled struct{}

func (Disabled) GetURL(context.Context, string) (string, error) {
	return "", fmt.Errorf("log store not configured")
}

func (Disabled) PutURL(context.Context, string) (string, error) {
	return "", fmt.Errorf("log store not configured")
}
