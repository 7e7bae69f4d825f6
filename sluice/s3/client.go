package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds configuration for creating an S3 client.
type ClientConfig struct {
	// Region is the AWS region (required).
	Region string

	// Endpoint is an optional custom endpoint URL for S3-compatible
	// services (MinIO, LocalStack, R2).
	Endpoint string

	// UsePathStyle enables path-style addressing instead of virtual-hosted style.
	// Required for LocalStack and MinIO with default config.
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey select static credentials.
	// If empty, the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// Credentials returns the configured static credentials provider, or nil
// for the default chain.
func (c ClientConfig) Credentials() aws.CredentialsProvider {
	if c.AccessKeyID == "" {
		return nil
	}
	return credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, "")
}

// NewClient creates a new S3 client with the given configuration.
//
// For AWS S3:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{Region: "us-east-1"})
//
// For LocalStack:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{
//	    Region:          "us-east-1",
//	    Endpoint:        "http://localhost:4566",
//	    UsePathStyle:    true,
//	    AccessKeyID:     "test",
//	    SecretAccessKey: "test",
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if creds := cfg.Credentials(); creds != nil {
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, clientOptions(cfg)...), nil
}

// clientOptions returns the per-client options implied by cfg.
func clientOptions(cfg ClientConfig) []func(*s3.Options) {
	var opts []func(*s3.Options)

	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.UsePathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return opts
}

// LocalStackConfig returns a ClientConfig for LocalStack defaults:
// endpoint=http://localhost:4566, region=us-east-1, credentials=test/test.
func LocalStackConfig() ClientConfig {
	return ClientConfig{
		Region:          "us-east-1",
		Endpoint:        "http://localhost:4566",
		UsePathStyle:    true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}
}

// MinIOConfig returns a ClientConfig for MinIO defaults:
// endpoint=http://localhost:9000, region=us-east-1, credentials=minioadmin/minioadmin.
func MinIOConfig() ClientConfig {
	return ClientConfig{
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		UsePathStyle:    true,
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
	}
}

// R2Config returns a ClientConfig for Cloudflare R2. Credentials should be
// R2 API tokens.
func R2Config(accountID, accessKeyID, secretAccessKey string) ClientConfig {
	return ClientConfig{
		Region:          "auto",
		Endpoint:        "https://" + accountID + ".r2.cloudflarestorage.com",
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
	}
}
