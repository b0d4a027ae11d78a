package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultPresignTTL bounds how long pre-authorized part URLs stay usable.
const DefaultPresignTTL = 6 * time.Hour

// PartTarget is one pre-authorized slot of a staged multipart upload. Clients
// PUT the chunk's bytes to URL with the signed headers attached.
type PartTarget struct {
	PartNumber int32       `json:"part_number"`
	URL        string      `json:"url"`
	Method     string      `json:"method"`
	Header     http.Header `json:"header,omitempty"`
}

// CompletedPart pairs a part number with the receipt the store returned for
// it. Completion requests are built from these, never from raw strings.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// ClientConfig ...
type ClientConfig struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the provider endpoint for S3-compatible stores.
	Endpoint string
	// UsePathStyle is needed by most non-AWS providers (MinIO and friends).
	UsePathStyle bool
	PresignTTL   time.Duration
	Retry        PolicyConfig
}

// api is the slice of the S3 client the facade drives. *s3.Client satisfies it.
type api interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// presigner is the signing slice of the S3 presign client.
type presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Client is the retry-wrapped multipart facade over an S3-compatible bucket.
type Client struct {
	api        api
	presign    presigner
	bucket     string
	presignTTL time.Duration
	retry      Policy
	logger     log.Logger
}

// NewClient ...
func NewClient(ctx context.Context, config ClientConfig, logger log.Logger) (*Client, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := LoadAWSConfig(ctx, config.Region, config.AccessKeyID, config.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(options *s3.Options) {
		if config.Endpoint != "" {
			options.BaseEndpoint = aws.String(config.Endpoint)
		}
		options.UsePathStyle = config.UsePathStyle
	})

	ttl := config.PresignTTL
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}

	return &Client{
		api:        client,
		presign:    s3.NewPresignClient(client),
		bucket:     config.Bucket,
		presignTTL: ttl,
		retry:      NewPolicy(config.Retry, logger),
		logger:     logger,
	}, nil
}

// LoadAWSConfig resolves credentials for the region, preferring explicitly
// provided static keys over the default provider chain.
func LoadAWSConfig(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// CreateMultipart opens a staged multipart upload for key.
func (c *Client) CreateMultipart(ctx context.Context, key string) (string, error) {
	var uploadID string
	err := c.retry.Execute(ctx, "create multipart upload", func() error {
		resp, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload for %s: %w", key, err)
		}
		if resp.UploadId == nil || *resp.UploadId == "" {
			return fmt.Errorf("create multipart upload for %s: empty upload id", key)
		}
		uploadID = *resp.UploadId
		return nil
	})
	return uploadID, err
}

// PresignPartUpload authorizes one part slot. Signing is local, so there is
// nothing to retry.
func (c *Client) PresignPartUpload(ctx context.Context, key, uploadID string, partNumber int32) (PartTarget, error) {
	req, err := c.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, func(options *s3.PresignOptions) {
		options.Expires = c.presignTTL
	})
	if err != nil {
		return PartTarget{}, fmt.Errorf("authorize part %d of %s: %w", partNumber, key, err)
	}

	return PartTarget{
		PartNumber: partNumber,
		URL:        req.URL,
		Method:     req.Method,
		Header:     req.SignedHeader,
	}, nil
}

// UploadPart sends one part directly, for server-side writers that hold the
// bytes already. Returns the part's ETag.
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body []byte) (string, error) {
	var etag string
	err := c.retry.Execute(ctx, fmt.Sprintf("upload part %d", partNumber), func() error {
		resp, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
		})
		if err != nil {
			return fmt.Errorf("upload part %d of %s: %w", partNumber, key, err)
		}
		if resp.ETag == nil || *resp.ETag == "" {
			return fmt.Errorf("upload part %d of %s: no etag in response", partNumber, key)
		}
		etag = *resp.ETag
		return nil
	})
	return etag, err
}

// CompleteMultipart assembles the staged upload from its confirmed parts.
// parts must already be sorted by part number. A NoSuchUpload answer is
// treated as success when the assembled object exists, so re-running a seal
// after a partial failure stays safe.
func (c *Client) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	if len(parts) == 0 {
		return fmt.Errorf("complete multipart upload for %s: no parts", key)
	}

	completed := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		if i > 0 && parts[i-1].PartNumber >= part.PartNumber {
			return fmt.Errorf("complete multipart upload for %s: parts not sorted at index %d", key, i)
		}
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(part.PartNumber),
			ETag:       aws.String(part.ETag),
		}
	}

	return c.retry.Execute(ctx, "complete multipart upload", func() error {
		_, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(c.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			if c.completedEarlier(ctx, key, err) {
				c.logger.Debugf("Upload %s for %s already completed, continuing", uploadID, key)
				return nil
			}
			return fmt.Errorf("complete multipart upload for %s: %w", key, err)
		}
		return nil
	})
}

// completedEarlier reports whether err means the upload id is gone because an
// earlier completion already assembled the object.
func (c *Client) completedEarlier(ctx context.Context, key string, err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}
	switch apiError.(type) {
	case *types.NoSuchUpload:
	default:
		return false
	}

	_, headErr := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	return headErr == nil
}

// AbortMultipart discards a staged upload. Best-effort: failures are logged
// and swallowed, the expiry sweep catches leftovers.
func (c *Client) AbortMultipart(ctx context.Context, key, uploadID string) {
	_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		c.logger.Warnf("Aborting upload %s for %s: %s", uploadID, key, err)
	}
}

// HeadSize returns the stored size of key.
func (c *Client) HeadSize(ctx context.Context, key string) (int64, error) {
	var size int64
	err := c.retry.Execute(ctx, "head object", func() error {
		resp, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("head object %s: %w", key, err)
		}
		if resp.ContentLength == nil {
			return fmt.Errorf("head object %s: no content length", key)
		}
		size = *resp.ContentLength
		return nil
	})
	return size, err
}

// GetRange reads the inclusive byte range [start, end] of key into memory so
// a failed read can be retried as a unit.
func (c *Client) GetRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	var data []byte
	err := c.retry.Execute(ctx, "ranged get", func() error {
		resp, err := c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
		})
		if err != nil {
			return fmt.Errorf("get range of %s: %w", key, err)
		}
		defer resp.Body.Close() //nolint:errcheck

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read range of %s: %w", key, err)
		}
		return nil
	})
	return data, err
}

// GetObject streams the whole object. The body outlives the call, so retrying
// is the caller's business here.
func (c *Client) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return resp.Body, nil
}

// DeleteObject removes key. Deleting an absent key is not an error.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	return c.retry.Execute(ctx, "delete object", func() error {
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("delete object %s: %w", key, err)
		}
		return nil
	})
}

// PresignGet authorizes a direct download of key, typically the finished
// archive handed to recipients.
func (c *Client) PresignGet(ctx context.Context, key string) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, func(options *s3.PresignOptions) {
		options.Expires = c.presignTTL
	})
	if err != nil {
		return "", fmt.Errorf("presign download of %s: %w", key, err)
	}
	return req.URL, nil
}

// IsNotFound reports whether err is the store's missing-object answer.
func IsNotFound(err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}
	switch apiError.(type) {
	case *types.NotFound, *types.NoSuchKey:
		return true
	}
	return false
}
