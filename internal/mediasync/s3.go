/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediasync

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Config holds configuration for the media mirror.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string // custom endpoint for S3-compatible storage (MinIO, etc.)
	AccessKey    string // optional, falls back to the default credential chain
	SecretKey    string
	UsePathStyle bool
}

// S3Mirror uploads synced media to object storage so a replacement host
// can be seeded without re-pulling everything from the drive folder.
type S3Mirror struct {
	client *s3.Client
	bucket string
	logger zerolog.Logger
}

// NewS3Mirror creates the mirror. Returns an error when the bucket is
// unset; callers treat a nil mirror as "mirroring disabled".
func NewS3Mirror(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	logger.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Msg("S3 media mirror initialized")

	return &S3Mirror{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		logger: logger.With().Str("component", "s3_mirror").Logger(),
	}, nil
}

// Upload stores body under language/name and returns the object key.
func (m *S3Mirror) Upload(ctx context.Context, language, name string, body io.Reader) (string, error) {
	key := mirrorKey(language, name)
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

func mirrorKey(language, name string) string {
	return strings.TrimPrefix(language, "/") + "/" + strings.TrimPrefix(name, "/")
}
