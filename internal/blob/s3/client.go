// Package s3blob archives settled challenges to S3-compatible object storage
// (AWS, MinIO, R2) using AWS SDK v2.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ClientConfig describes the archive bucket.
type ClientConfig struct {
	Endpoint       string // empty means AWS
	Region         string
	Bucket         string
	AccessKey      string // empty falls back to the default credential chain
	SecretKey      string
	UseSSL         bool // scheme used when Endpoint has none
	ForcePathStyle bool
	Prefix         string // prepended to every object key
	CreateBucket   bool   // create the bucket at startup when it is missing
}

// Client is a handle on the archive bucket.
type Client struct {
	api    *s3.Client
	bucket string
	prefix string
}

// New builds the SDK client and, when cfg.CreateBucket is set, makes sure the
// bucket exists.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("s3blob: bucket and region are required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	c := &Client{
		api:    api,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
	if cfg.CreateBucket {
		if err := c.ensureBucket(ctx, cfg.Region); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Ping reports whether the archive bucket is reachable with the configured
// credentials.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Close releases nothing; the SDK's HTTP client has no teardown.
func (c *Client) Close() error { return nil }

func (c *Client) ensureBucket(ctx context.Context, region string) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("s3blob: head bucket %s: %w", c.bucket, err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(c.bucket)}
	// us-east-1 rejects an explicit location constraint.
	if region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	if _, err := c.api.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("s3blob: create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// objectKey places name under the configured prefix.
func (c *Client) objectKey(name string) string {
	name = strings.TrimPrefix(name, "/")
	if c.prefix == "" {
		return name
	}
	return path.Join(c.prefix, name)
}

// endpointURL adds a scheme to bare host[:port] endpoints.
func endpointURL(raw string, useSSL bool) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	if useSSL {
		return "https://" + raw
	}
	return "http://" + raw
}
