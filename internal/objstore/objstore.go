// Package objstore adapts an S3-compatible client for the one thing this
// subsystem needs an object store for: spilling aggregated worker output that
// exceeds the in-memory soft cap (spec.md §4.5) to an external reference
// instead of inlining it into output_data. Artifact storage as a first-class
// concern remains out of scope (spec.md §1); this is narrowly the overflow
// path.
package objstore

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Client is a thin wrapper around the AWS SDK v2 S3 client tuned for
// SeaweedFS/MinIO-style endpoints.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// Config carries the connection details for Client.
type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	Bucket         string
	ForcePathStyle bool
	DisableTLS     bool
}

// NewClient initialises a Client from cfg.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("objstore: endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("objstore: access key and secret key are required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("objstore: bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	scheme := "https"
	if cfg.DisableTLS {
		scheme = "http"
	}
	endpoint := cfg.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, fmt.Errorf("objstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Client{
		api:     client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// PutObject uploads data to key with sha256 recorded as checksum metadata,
// returning the URI the caller should embed in a spilled output_data
// reference.
func (c *Client) PutObject(ctx context.Context, key string, r io.Reader, size int64, sha256Hex string) (string, error) {
	if c == nil {
		return "", errors.New("objstore: nil client")
	}

	checksum, err := encodeSHA256(sha256Hex)
	if err != nil {
		return "", err
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &c.bucket,
		Key:               &key,
		Body:              r,
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata:          map[string]string{"sha256": sha256Hex},
	})
	if err != nil {
		return "", fmt.Errorf("objstore: put %s: %w", key, err)
	}

	return fmt.Sprintf("s3://%s/%s", c.bucket, key), nil
}

// PresignGet generates a presigned GET URL so an HTTP client can retrieve a
// spilled output directly, bypassing the control plane.
func (c *Client) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("objstore: nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) { opts.Expires = ttl })
	if err != nil {
		return "", fmt.Errorf("objstore: presign get %s: %w", key, err)
	}

	return req.URL, nil
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("objstore: sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
