package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/yajmaan/sevaflow/internal/config"
)

// VideoHostingProvider stores a downloaded video and returns a link recipients can open
type VideoHostingProvider interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Discard(ctx context.Context, key string) error
}

// S3HostingClient implements VideoHostingProvider on an S3-compatible bucket
// (Cloudflare R2 by default). Objects stay private; links are presigned unless
// a public CDN URL fronts the bucket.
type S3HostingClient struct {
	s3Client   *s3.Client
	presigner  *s3.PresignClient
	bucketName string
	publicURL  string
	linkExpiry time.Duration
}

// NewS3HostingClient creates a hosting client from config
func NewS3HostingClient(cfg *config.HostingConfig) (*S3HostingClient, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("hosting configuration incomplete")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	expiry := time.Duration(cfg.LinkExpiryHours) * time.Hour
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}

	return &S3HostingClient{
		s3Client:   s3Client,
		presigner:  s3.NewPresignClient(s3Client),
		bucketName: cfg.BucketName,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		linkExpiry: expiry,
	}, nil
}

// Upload writes the object under key, replacing any earlier attempt, and
// returns the shareable link
func (c *S3HostingClient) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucketName),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	}

	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, classifyHostingError(err))
	}

	return c.link(ctx, key)
}

// Discard removes the object. Missing objects are not an error.
func (c *S3HostingClient) Discard(ctx context.Context, key string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	}

	if _, err := c.s3Client.DeleteObject(ctx, input); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, classifyHostingError(err))
	}
	return nil
}

func (c *S3HostingClient) link(ctx context.Context, key string) (string, error) {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key), nil
	}

	presigned, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(c.linkExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w: %v", ErrHostingUnavailable, err)
	}
	return presigned.URL, nil
}

// classifyHostingError maps an S3 API error code onto the provider taxonomy
func classifyHostingError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "QuotaExceeded", "ServiceQuotaExceeded", "TooManyBuckets", "StorageQuotaExceeded":
			return fmt.Errorf("%w: %s", ErrHostingQuotaExceeded, apiErr.ErrorMessage())
		case "AccessDenied", "InvalidArgument", "EntityTooLarge", "NoSuchBucket",
			"InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName":
			return fmt.Errorf("%w: %s: %s", ErrHostingRejected, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
	}
	return fmt.Errorf("%w: %v", ErrHostingUnavailable, err)
}

// VideoKey builds the object key a work item's video is stored under
func VideoKey(prefix, batchID, workItemID, ext string) string {
	key := fmt.Sprintf("%s/%s", batchID, workItemID)
	if ext != "" {
		key += "." + strings.TrimPrefix(ext, ".")
	}
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// MockHostingClient stands in when no bucket is configured
type MockHostingClient struct {
	BaseURL string
}

// Upload drains the body and returns a CDN-style link for key
func (m *MockHostingClient) Upload(_ context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHostingUnavailable, err)
	}
	base := m.BaseURL
	if base == "" {
		base = "https://cdn.sevaflow.local"
	}
	return fmt.Sprintf("%s/%s", strings.TrimRight(base, "/"), key), nil
}

// Discard is a no-op
func (m *MockHostingClient) Discard(context.Context, string) error {
	return nil
}
