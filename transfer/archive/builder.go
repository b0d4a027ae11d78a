package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/klauspost/compress/zip"

	"github.com/zipline-io/zipline/transfer/storage"
)

const (
	// DefaultPartSize is the size of every non-final archive part.
	DefaultPartSize = 50 * 1024 * 1024
	// DefaultMinPartSize matches the smallest part size S3 accepts for
	// non-final parts of a multipart upload.
	DefaultMinPartSize = 5 * 1024 * 1024
	// DefaultReadWindow is the range size used when reading staged chunks.
	DefaultReadWindow = 8 * 1024 * 1024

	DefaultConcurrency     = 4
	DefaultFinalizeTimeout = 5 * time.Minute
)

const (
	stageCreate   = "create"
	stageWrite    = "write"
	stageUpload   = "upload"
	stageFinalize = "finalize"
	stageComplete = "complete"
)

// Config tunes the archive assembly pipeline.
type Config struct {
	// PartSize is the exact size of every emitted part except the final
	// one, which may be anything up to PartSize.
	PartSize int
	// MinPartSize is the provider's lower bound for non-final parts.
	MinPartSize int
	// ReadWindow bounds how much of a staged object is fetched per ranged read.
	ReadWindow int
	// Concurrency is the number of part upload workers. It also caps how
	// many assembled parts can sit in memory waiting for a worker.
	Concurrency int
	// FinalizeTimeout limits how long the build waits for in-flight part
	// uploads once the archive stream is fully written.
	FinalizeTimeout time.Duration
}

// Source is one staged object to pack into the archive.
type Source struct {
	// Name is the entry name inside the archive.
	Name string
	// Key is the object key the staged upload was assembled under.
	Key string
	// Size is the expected object size. Zero skips the consistency check.
	Size int64
}

// Result describes the finished archive object.
type Result struct {
	Key       string
	Size      int64
	SHA256    string
	PartCount int
}

// BuilderError reports which pipeline stage a build failed in.
type BuilderError struct {
	Stage string
	Err   error
}

func (e *BuilderError) Error() string {
	return fmt.Sprintf("archive build failed during %s: %s", e.Stage, e.Err)
}

func (e *BuilderError) Unwrap() error {
	return e.Err
}

// ObjectStore is the slice of the storage client the builder relies on.
type ObjectStore interface {
	CreateMultipart(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body []byte) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string)
	HeadSize(ctx context.Context, key string) (int64, error)
	GetRange(ctx context.Context, key string, start, end int64) ([]byte, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, key string) error
}

// Builder streams staged chunk objects into a store-mode zip and uploads
// the zip as a fresh multipart object. The zip stream is cut into
// fixed-size parts as it is produced, so the whole archive is never held
// in memory or written to disk.
type Builder struct {
	config Config
	store  ObjectStore
	logger log.Logger
}

// New validates the config, fills in defaults and returns a Builder.
func New(config Config, store ObjectStore, logger log.Logger) (*Builder, error) {
	if config.PartSize == 0 {
		config.PartSize = DefaultPartSize
	}
	if config.MinPartSize == 0 {
		config.MinPartSize = DefaultMinPartSize
	}
	if config.PartSize < config.MinPartSize {
		return nil, fmt.Errorf("part size %d is below the provider minimum of %d", config.PartSize, config.MinPartSize)
	}
	if config.ReadWindow <= 0 {
		config.ReadWindow = DefaultReadWindow
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.FinalizeTimeout <= 0 {
		config.FinalizeTimeout = DefaultFinalizeTimeout
	}

	return &Builder{
		config: config,
		store:  store,
		logger: logger,
	}, nil
}

// Build packs the sources into a zip object at destKey and returns its
// size, checksum and part count. On any failure the builder's own
// multipart upload is aborted so no partial archive is left behind; the
// staged source objects are deleted only after a successful build.
func (b *Builder) Build(ctx context.Context, destKey string, sources []Source) (*Result, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources to archive")
	}

	startTime := time.Now()

	uploadID, err := b.store.CreateMultipart(ctx, destKey)
	if err != nil {
		return nil, &BuilderError{Stage: stageCreate, Err: err}
	}

	result, err := b.pack(ctx, destKey, uploadID, sources)
	if err != nil {
		b.store.AbortMultipart(context.WithoutCancel(ctx), destKey, uploadID)
		return nil, err
	}

	b.logger.Donef("Archive created in %s", time.Since(startTime).Round(time.Millisecond))
	b.logger.Printf("Archive size: %s", units.HumanSizeWithPrecision(float64(result.Size), 3))

	b.cleanupSources(ctx, sources)

	return result, nil
}

func (b *Builder) pack(ctx context.Context, destKey, uploadID string, sources []Source) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	parts := make(chan rawPart, b.config.Concurrency)

	var mu sync.Mutex
	var completed []storage.CompletedPart
	var uploadErr error

	fail := func(err error) {
		mu.Lock()
		if uploadErr == nil {
			uploadErr = err
			cancel()
		}
		mu.Unlock()
	}

	var workers sync.WaitGroup
	for i := 0; i < b.config.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for part := range parts {
				if ctx.Err() != nil {
					continue // keep draining so the producer never blocks on a dead pipeline
				}
				eTag, err := b.store.UploadPart(ctx, destKey, uploadID, part.number, part.data)
				if err != nil {
					fail(fmt.Errorf("upload part %d: %w", part.number, err))
					continue
				}
				mu.Lock()
				completed = append(completed, storage.CompletedPart{PartNumber: part.number, ETag: eTag})
				mu.Unlock()
			}
		}()
	}

	hasher := sha256.New()
	slicer := newPartSlicer(b.config.PartSize, func(part rawPart) error {
		select {
		case parts <- part:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	archiveWriter := zip.NewWriter(io.MultiWriter(hasher, slicer))
	writeErr := b.writeEntries(ctx, archiveWriter, sources)
	if writeErr == nil {
		if err := archiveWriter.Close(); err != nil {
			writeErr = fmt.Errorf("close archive stream: %w", err)
		}
	}
	if writeErr == nil {
		writeErr = slicer.Finish()
	}
	if writeErr != nil {
		cancel()
	}
	close(parts)

	workersDone := make(chan struct{})
	go func() {
		workers.Wait()
		close(workersDone)
	}()

	var timedOut bool
	select {
	case <-workersDone:
	case <-time.After(b.config.FinalizeTimeout):
		cancel()
		<-workersDone
		timedOut = true
	}

	mu.Lock()
	finalUploadErr := uploadErr
	finalParts := completed
	mu.Unlock()

	// A timed-out finalize cancels the workers, so the timeout outranks
	// the context errors the cancelled workers report afterwards.
	switch {
	case timedOut:
		return nil, &BuilderError{Stage: stageFinalize, Err: fmt.Errorf("part uploads did not settle within %s", b.config.FinalizeTimeout)}
	case finalUploadErr != nil:
		return nil, &BuilderError{Stage: stageUpload, Err: finalUploadErr}
	case writeErr != nil:
		return nil, &BuilderError{Stage: stageWrite, Err: writeErr}
	}

	sort.Slice(finalParts, func(i, j int) bool {
		return finalParts[i].PartNumber < finalParts[j].PartNumber
	})

	if err := b.store.CompleteMultipart(ctx, destKey, uploadID, finalParts); err != nil {
		return nil, &BuilderError{Stage: stageComplete, Err: err}
	}

	return &Result{
		Key:       destKey,
		Size:      slicer.Written(),
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
		PartCount: len(finalParts),
	}, nil
}

func (b *Builder) writeEntries(ctx context.Context, archiveWriter *zip.Writer, sources []Source) error {
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := archiveWriter.CreateHeader(&zip.FileHeader{
			Name:   source.Name,
			Method: zip.Store,
		})
		if err != nil {
			return fmt.Errorf("create entry %s: %w", source.Name, err)
		}
		if err := b.copySource(ctx, entry, source); err != nil {
			return fmt.Errorf("pack %s: %w", source.Key, err)
		}
	}
	return nil
}

// copySource streams one staged object into the archive in bounded ranged
// reads. When the size probe fails it falls back to a single streaming read.
func (b *Builder) copySource(ctx context.Context, dst io.Writer, source Source) error {
	size, err := b.store.HeadSize(ctx, source.Key)
	if err != nil {
		b.logger.Warnf("Failed to probe size of %s (%s), falling back to a full read", source.Key, err)
		return b.copyWhole(ctx, dst, source)
	}
	if source.Size > 0 && size != source.Size {
		return fmt.Errorf("staged object is %d bytes, session recorded %d", size, source.Size)
	}

	window := int64(b.config.ReadWindow)
	for offset := int64(0); offset < size; offset += window {
		end := offset + window - 1
		if end > size-1 {
			end = size - 1
		}

		data, err := b.store.GetRange(ctx, source.Key, offset, end)
		if err != nil {
			return err
		}
		if int64(len(data)) != end-offset+1 {
			return fmt.Errorf("range %d-%d returned %d bytes", offset, end, len(data))
		}
		if _, err := dst.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) copyWhole(ctx context.Context, dst io.Writer, source Source) error {
	body, err := b.store.GetObject(ctx, source.Key)
	if err != nil {
		return err
	}
	defer body.Close() //nolint:errcheck

	_, err = io.Copy(dst, body)
	return err
}

// cleanupSources deletes the staged chunk objects once the archive holds
// their content. Failures only leave garbage behind, so they are logged
// and swallowed.
func (b *Builder) cleanupSources(ctx context.Context, sources []Source) {
	for _, source := range sources {
		if err := b.store.DeleteObject(ctx, source.Key); err != nil {
			b.logger.Warnf("Failed to delete staged object %s: %s", source.Key, err)
		}
	}
}
