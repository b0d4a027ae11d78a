// Package download retrieves finished archives, either through a
// pre-signed URL or straight from the bucket with caller credentials.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// Params ...
type Params struct {
	// URL is the archive's pre-signed download URL.
	URL string
	// DownloadPath is the local destination file.
	DownloadPath string
	// ExpectedSHA256 optionally pins the archive checksum. Leave empty to
	// skip verification.
	ExpectedSHA256 string
}

// Download fetches the archive behind a pre-signed URL into
// params.DownloadPath, verifying the checksum when one is expected.
func Download(ctx context.Context, params Params, logger log.Logger) error {
	if params.URL == "" {
		return fmt.Errorf("download URL is empty")
	}
	if params.DownloadPath == "" {
		return fmt.Errorf("download path is empty")
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)

	logger.Debugf("Download archive")
	if err := downloadFile(ctx, retryableHTTPClient.StandardClient(), params.URL, params.DownloadPath); err != nil {
		return fmt.Errorf("failed to download archive: %w", err)
	}

	if params.ExpectedSHA256 != "" {
		checksum, err := checksumOfFile(params.DownloadPath)
		if err != nil {
			return fmt.Errorf("failed to verify archive: %w", err)
		}
		if !strings.EqualFold(checksum, params.ExpectedSHA256) {
			return fmt.Errorf("archive checksum mismatch: expected %s, got %s", params.ExpectedSHA256, checksum)
		}
		logger.Debugf("Archive checksum verified")
	}

	return nil
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}

func checksumOfFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
