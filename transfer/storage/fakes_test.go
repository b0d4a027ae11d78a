package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/log"
)

// warnCounter records Warnf lines while behaving like a normal logger
// otherwise.
type warnCounter struct {
	log.Logger
	mu    sync.Mutex
	warns []string
}

func newWarnCounter() *warnCounter {
	return &warnCounter{Logger: log.NewLogger()}
}

func (l *warnCounter) Warnf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(format, v...))
}

func (l *warnCounter) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

type fakeAPI struct {
	createFn   func(*s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error)
	uploadFn   func(*s3.UploadPartInput) (*s3.UploadPartOutput, error)
	completeFn func(*s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error)
	abortFn    func(*s3.AbortMultipartUploadInput) (*s3.AbortMultipartUploadOutput, error)
	headFn     func(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
	getFn      func(*s3.GetObjectInput) (*s3.GetObjectOutput, error)
	deleteFn   func(*s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error)
}

func (f *fakeAPI) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return f.createFn(params)
}

func (f *fakeAPI) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return f.uploadFn(params)
}

func (f *fakeAPI) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return f.completeFn(params)
}

func (f *fakeAPI) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return f.abortFn(params)
}

func (f *fakeAPI) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return f.headFn(params)
}

func (f *fakeAPI) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return f.getFn(params)
}

func (f *fakeAPI) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return f.deleteFn(params)
}

type fakePresigner struct {
	uploadPartFn func(*s3.UploadPartInput) (*v4.PresignedHTTPRequest, error)
	getObjectFn  func(*s3.GetObjectInput) (*v4.PresignedHTTPRequest, error)
}

func (f *fakePresigner) PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return f.uploadPartFn(params)
}

func (f *fakePresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return f.getObjectFn(params)
}

// statusErr mimics the SDK's response errors that expose an HTTP status.
type statusErr struct {
	code int
}

func (e statusErr) Error() string       { return fmt.Sprintf("http status %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

func newTestClient(api *fakeAPI, presign *fakePresigner, logger log.Logger, maxAttempts int) *Client {
	policy := NewPolicy(PolicyConfig{MaxAttempts: maxAttempts, BaseDelay: 1, JitterWindow: 0}, logger)
	policy.sleep = func(time.Duration) {}

	return &Client{
		api:        api,
		presign:    presign,
		bucket:     "test-bucket",
		presignTTL: time.Hour,
		retry:      policy,
		logger:     logger,
	}
}
