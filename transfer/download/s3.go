package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/zipline-io/zipline/transfer/storage"
)

const (
	defaultFullRetries  = 3
	downloadPartSize    = 8 * 1024 * 1024
	downloadConcurrency = 4
)

// S3Params ...
type S3Params struct {
	Key             string
	DownloadPath    string
	NumFullRetries  int
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// ErrArchiveNotFound ...
var ErrArchiveNotFound = errors.New("no archive found for the provided key")

// DownloadFromS3 fetches the archive object straight from the bucket with
// the caller's own credentials. If the key does not exist, the error is
// ErrArchiveNotFound.
func DownloadFromS3(ctx context.Context, params S3Params, logger log.Logger) error {
	if params.Key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if params.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if params.DownloadPath == "" {
		return fmt.Errorf("download path must not be empty")
	}

	cfg, err := storage.LoadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg)
	retries := params.NumFullRetries
	if retries <= 0 {
		retries = defaultFullRetries
	}

	err = retry.Times(uint(retries)).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(params.Bucket),
			Key:    aws.String(params.Key),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					return ErrArchiveNotFound, true
				default:
					return fmt.Errorf("aws api error: %w", err), false
				}
			}
			return fmt.Errorf("generic aws error: %w", err), false
		}
		return nil, true
	})
	if err != nil {
		if errors.Is(err, ErrArchiveNotFound) {
			return ErrArchiveNotFound
		}
		return fmt.Errorf("key validation retries failed: %w", err)
	}

	file, err := os.Create(params.DownloadPath)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.PartSize = downloadPartSize
		d.Concurrency = downloadConcurrency
	})
	if _, err := downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(params.Bucket),
		Key:    aws.String(params.Key),
	}); err != nil {
		return fmt.Errorf("download archive: %w", err)
	}

	return nil
}
