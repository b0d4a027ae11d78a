// Package uploader pushes a file's chunks to their pre-signed part
// targets with a bounded worker pool. It is the client half of the
// chunked ingestion protocol: upload a chunk, then confirm it with the
// coordinating service.
package uploader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/zipline-io/zipline/transfer/storage"
)

// Plan pairs a file with the pre-authorized targets of its parts, in
// chunk order: Targets[i] carries the pre-signed request for chunk i.
type Plan struct {
	FileName string
	Targets  []storage.PartTarget
}

// Result summarizes a finished upload.
type Result struct {
	UploadedChunks int
	UploadedBytes  int64
}

// Confirmer records a finished chunk with the coordinating service.
// Implementations typically forward to the session manager's ConfirmChunk.
type Confirmer interface {
	ConfirmChunk(ctx context.Context, fileName string, chunkIndex int, partNumber int32, eTag string) error
}

type chunkOutcome struct {
	index int
	err   error
}

// Pool uploads chunks in parallel with a fixed set of workers.
type Pool struct {
	config     Config
	httpClient *retryablehttp.Client
	logger     log.Logger
	stats      *Stats
}

// New creates a Pool. When config.HTTPClient is nil a retrying client
// with the default policy is used.
func New(config Config, logger log.Logger) *Pool {
	config = config.normalized()

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = retryhttp.NewClient(logger)
		httpClient.CheckRetry = createChunkRetryFunction(logger)
	}

	return &Pool{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		stats:      NewStats(),
	}
}

// Upload pushes every chunk of the source to its target and confirms each
// one. Workers claim chunk indices from a shared channel, so no chunk is
// ever uploaded twice in one run. The first failure cancels the run:
// workers stop claiming new chunks, in-flight uploads finish or error out.
func (p *Pool) Upload(ctx context.Context, plan Plan, source ChunkSource, confirmer Confirmer) (*Result, error) {
	numChunks := source.NumChunks()
	if numChunks != len(plan.Targets) {
		return nil, fmt.Errorf("chunk count mismatch: source has %d chunks, but %d part targets authorized", numChunks, len(plan.Targets))
	}

	if numChunks == 0 {
		return &Result{}, nil
	}

	workers := p.config.Concurrency
	if workers > numChunks {
		workers = numChunks
	}

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	indices := make(chan int, numChunks)
	for index := 0; index < numChunks; index++ {
		indices <- index
	}
	close(indices)

	outcomes := make(chan chunkOutcome, numChunks)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indices {
				if poolCtx.Err() != nil {
					return
				}
				err := p.uploadChunk(poolCtx, plan, source, confirmer, index)
				outcomes <- chunkOutcome{index: index, err: err}
				if err != nil {
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	result := &Result{}
	var firstErr error
	for outcome := range outcomes {
		if outcome.err != nil {
			if firstErr == nil {
				firstErr = outcome.err
			}
			continue
		}
		result.UploadedChunks++
		result.UploadedBytes += source.ChunkSize(outcome.index)
	}

	if firstErr != nil {
		return nil, firstErr
	}
	if result.UploadedChunks != numChunks {
		return nil, fmt.Errorf("upload cancelled after %d/%d chunks: %w", result.UploadedChunks, numChunks, ctx.Err())
	}

	return result, nil
}

// Stats returns the upload statistics.
func (p *Pool) Stats() *Stats {
	return p.stats
}

// CloseIdleConnections closes idle connections in the underlying HTTP client.
func (p *Pool) CloseIdleConnections() {
	p.httpClient.HTTPClient.CloseIdleConnections()
}

func (p *Pool) uploadChunk(ctx context.Context, plan Plan, source ChunkSource, confirmer Confirmer, index int) error {
	target := plan.Targets[index]

	reader, err := source.Chunk(index)
	if err != nil {
		return fmt.Errorf("get chunk %d: %w", index+1, err)
	}
	data, err := io.ReadAll(reader)
	if closeErr := reader.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", index+1, err)
	}

	p.logger.Debugf("Uploading chunk %d/%d (%s) [finished=%d] [avg=%v]",
		index+1, len(plan.Targets), units.HumanSizeWithPrecision(float64(len(data)), 3),
		p.stats.FinishedCount(), p.stats.Average().Round(time.Second))

	start := time.Now()
	chunkCtx, cancelChunk := context.WithTimeout(ctx, p.config.ChunkTimeout)
	defer cancelChunk()

	req, err := retryablehttp.NewRequestWithContext(chunkCtx, target.Method, target.URL, data)
	if err != nil {
		return fmt.Errorf("create request for chunk %d: %w", index+1, err)
	}
	for name, values := range target.Header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	req.ContentLength = int64(len(data))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload chunk %d: %w", index+1, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return fmt.Errorf("chunk %d upload failed with status %d: %s", index+1, resp.StatusCode, string(errorBody[:n]))
	}

	eTag := resp.Header.Get("ETag")
	if eTag == "" {
		return fmt.Errorf("no ETag in response for chunk %d", index+1)
	}

	if err := confirmer.ConfirmChunk(ctx, plan.FileName, index, target.PartNumber, eTag); err != nil {
		return fmt.Errorf("confirm chunk %d: %w", index+1, err)
	}

	took := time.Since(start)
	p.stats.Record(took, int64(len(data)))
	p.logger.Infof("Chunk %d/%d uploaded in %v, ETag: %s", index+1, len(plan.Targets), took.Round(time.Millisecond), eTag)

	return nil
}

func createChunkRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, uploadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, uploadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; uploadErr=%+v", retry, err, uploadErr)
		return retry, err
	}
}
