package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCreateCustomRetryFunction(t *testing.T) {
	cases := []struct {
		name     string
		response *http.Response

		error    error
		expected bool
	}{
		{
			name:     "Retry for EOF error",
			response: &http.Response{},
			error:    errors.New("EOF"),
			expected: true,
		},
		{
			name:     "Retry for any generic error",
			response: &http.Response{},
			error:    errors.New("connection reset by peer"),
			expected: true,
		},
		{
			name:     "No retry for HTTP 404 status code",
			response: &http.Response{StatusCode: 404},
			error:    nil,
			expected: false,
		},
		{
			name:     "No retry for HTTP 200 status code",
			response: &http.Response{StatusCode: 200},
			error:    nil,
			expected: false,
		},
		{
			name:     "Retry for HTTP 500 status code",
			response: &http.Response{StatusCode: 500},
			error:    nil,
			expected: true,
		},
		{
			name:     "Retry for HTTP 503 status code",
			response: &http.Response{StatusCode: 503},
			error:    nil,
			expected: true,
		},
		{
			name:     "No retry for HTTP 501 status code",
			response: &http.Response{StatusCode: 501},
			error:    nil,
			expected: false,
		},
	}

	mockLogger := new(mocks.Logger)
	mockLogger.On("Debugf", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()
	retryFunc := createCustomRetryFunction(mockLogger)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retry, _ := retryFunc(context.Background(), tc.response, tc.error)
			assert.Equal(t, tc.expected, retry)
		})
	}
}

// rangedContentHandler serves testContent the way a pre-signed object URL
// would: a 0-0 probe answering with the full size, then chunk requests.
func rangedContentHandler(t *testing.T, testContent string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if len(rangeHeader) < 1 {
			t.Fatal("No Range header found")
		}

		if !strings.HasPrefix(rangeHeader, "bytes=") {
			t.Fatalf("invalid range header: should start with 'bytes=' ; actual range header value was=%s", rangeHeader)
		}
		rangeHeader = strings.TrimPrefix(rangeHeader, "bytes=")
		rangeHeaderFromTo := strings.Split(rangeHeader, "-")
		if len(rangeHeaderFromTo) != 2 {
			t.Fatalf("invalid range header: invalid from-to value. Range header value was=%s", rangeHeader)
		}
		rangeHeaderFrom, err := strconv.ParseUint(rangeHeaderFromTo[0], 10, 64)
		require.NoError(t, err)
		rangeHeaderTo, err := strconv.ParseUint(rangeHeaderFromTo[1], 10, 64)
		require.NoError(t, err)

		if rangeHeaderFrom == 0 && rangeHeaderTo == 0 {
			// size probe - return the size info only
			w.Header().Add("content-range", fmt.Sprintf("bytes 0-0/%d", len(testContent)))
			_, err := fmt.Fprint(w, " ")
			require.NoError(t, err)
		} else {
			chunkContent := testContent[rangeHeaderFrom : rangeHeaderTo+1]
			w.Header().Add("Content-Length", fmt.Sprintf("%d", len(chunkContent)))
			_, err := fmt.Fprint(w, chunkContent)
			require.NoError(t, err)
		}
	}
}

func Test_downloadFile(t *testing.T) {
	// Given
	mockLogger := new(mocks.Logger)
	mockLogger.On("Debugf", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

	retryableHTTPClient := retryhttp.NewClient(mockLogger)
	isCheckRetryCalled := false
	retryableHTTPClient.CheckRetry = func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		isCheckRetryCalled = true
		return retry, err
	}

	tmpFile := filepath.Join(t.TempDir(), "testfile.bin")
	testContent := strings.Repeat("a", 1024*1024*10) // 10MB

	svr := httptest.NewServer(rangedContentHandler(t, testContent))
	defer svr.Close()

	// When
	err := downloadFile(context.Background(), retryableHTTPClient.StandardClient(), svr.URL, tmpFile)

	// Then
	require.True(t, isCheckRetryCalled)
	require.NoError(t, err)

	downloaded, err := os.ReadFile(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, len(testContent), len(downloaded))
	mockLogger.AssertExpectations(t)
}

func TestDownloadVerifiesChecksum(t *testing.T) {
	mockLogger := new(mocks.Logger)
	mockLogger.On("Debugf", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

	testContent := strings.Repeat("b", 256*1024)
	digest := sha256.Sum256([]byte(testContent))
	checksum := hex.EncodeToString(digest[:])

	svr := httptest.NewServer(rangedContentHandler(t, testContent))
	defer svr.Close()

	t.Run("matching checksum", func(t *testing.T) {
		params := Params{
			URL:            svr.URL,
			DownloadPath:   filepath.Join(t.TempDir(), "archive.zip"),
			ExpectedSHA256: checksum,
		}
		require.NoError(t, Download(context.Background(), params, mockLogger))
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		params := Params{
			URL:            svr.URL,
			DownloadPath:   filepath.Join(t.TempDir(), "archive.zip"),
			ExpectedSHA256: strings.Repeat("0", 64),
		}
		err := Download(context.Background(), params, mockLogger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checksum mismatch")
	})

	t.Run("no checksum expected", func(t *testing.T) {
		params := Params{
			URL:          svr.URL,
			DownloadPath: filepath.Join(t.TempDir(), "archive.zip"),
		}
		require.NoError(t, Download(context.Background(), params, mockLogger))
	})
}

func TestDownloadValidatesParams(t *testing.T) {
	mockLogger := new(mocks.Logger)

	err := Download(context.Background(), Params{DownloadPath: "somewhere"}, mockLogger)
	require.Error(t, err)

	err = Download(context.Background(), Params{URL: "https://example.com/archive"}, mockLogger)
	require.Error(t, err)
}
