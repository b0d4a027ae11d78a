package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zipline-io/zipline/transfer/kvstore"
)

const (
	listPageSize    = 256
	defaultFetchers = 8
)

// Record is one confirmed chunk upload.
type Record struct {
	SessionID   string    `json:"session_id"`
	FileName    string    `json:"file_name"`
	ChunkIndex  int       `json:"chunk_index"`
	PartNumber  int32     `json:"part_number"`
	ETag        string    `json:"etag"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Receipt is the outcome of a confirmation.
type Receipt struct {
	IsNew         bool
	UploadedCount int
}

// ETagMismatchError means a chunk was re-confirmed with a different storage
// receipt than the one on record. The ledger never overwrites silently; this
// points at a client bug or remote inconsistency.
type ETagMismatchError struct {
	FileName   string
	ChunkIndex int
	Existing   string
	Proposed   string
}

func (e *ETagMismatchError) Error() string {
	return fmt.Sprintf("chunk %d of %s already confirmed with etag %s, refusing %s",
		e.ChunkIndex, e.FileName, e.Existing, e.Proposed)
}

// Ledger records confirmed chunks idempotently and keeps a constant-time
// uploaded counter per file. Confirmations within a session are serialized in
// process; across processes the etag-equality rule resolves duplicates.
type Ledger struct {
	store    kvstore.Store
	fetchers int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New ...
func New(store kvstore.Store) *Ledger {
	return &Ledger{
		store:    store,
		fetchers: defaultFetchers,
		locks:    map[string]*sync.Mutex{},
	}
}

// Confirm records a finished chunk upload. Replaying a confirmation with the
// same etag is a no-op answering the current count; a different etag is
// rejected. The record write and the counter bump happen under the session
// lock so concurrent confirmations never double-count.
func (l *Ledger) Confirm(ctx context.Context, sessionID, fileName string, chunkIndex int, partNumber int32, eTag string) (Receipt, error) {
	if eTag == "" {
		return Receipt{}, fmt.Errorf("etag must not be empty")
	}

	lock := l.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	key := chunkKey(sessionID, fileName, chunkIndex)
	existing, err := l.store.Get(ctx, key)
	switch {
	case err == nil:
		var record Record
		if err := json.Unmarshal(existing, &record); err != nil {
			return Receipt{}, fmt.Errorf("decode chunk record %s: %w", key, err)
		}
		if record.ETag != eTag {
			return Receipt{}, &ETagMismatchError{
				FileName:   fileName,
				ChunkIndex: chunkIndex,
				Existing:   record.ETag,
				Proposed:   eTag,
			}
		}
		count, err := l.readCount(ctx, sessionID, fileName)
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{IsNew: false, UploadedCount: count}, nil
	case !errors.Is(err, kvstore.ErrNotFound):
		return Receipt{}, fmt.Errorf("read chunk record %s: %w", key, err)
	}

	record := Record{
		SessionID:   sessionID,
		FileName:    fileName,
		ChunkIndex:  chunkIndex,
		PartNumber:  partNumber,
		ETag:        eTag,
		ConfirmedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode chunk record: %w", err)
	}
	if err := l.store.Put(ctx, key, value); err != nil {
		return Receipt{}, fmt.Errorf("write chunk record %s: %w", key, err)
	}

	count, err := l.bumpCount(ctx, sessionID, fileName)
	if err != nil {
		return Receipt{}, err
	}

	return Receipt{IsNew: true, UploadedCount: count}, nil
}

// UploadedCount answers from the counter key without touching the records.
func (l *Ledger) UploadedCount(ctx context.Context, sessionID, fileName string) (int, error) {
	return l.readCount(ctx, sessionID, fileName)
}

// ListConfirmed returns every confirmed chunk of the file ordered by index.
// Keys come from a paged prefix listing and the values are fetched with a
// bounded parallel fan-out rather than one blocking read per chunk.
func (l *Ledger) ListConfirmed(ctx context.Context, sessionID, fileName string) ([]Record, error) {
	var keys []string
	err := l.store.List(ctx, chunkPrefix(sessionID, fileName), listPageSize, func(page []string) error {
		keys = append(keys, page...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chunk records: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	type fetchResult struct {
		index  int
		record Record
		err    error
	}

	resultChan := make(chan fetchResult, len(keys))
	semaphore := make(chan struct{}, l.fetchers)

	for i, key := range keys {
		go func(index int, key string) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			value, err := l.store.Get(ctx, key)
			if err != nil {
				resultChan <- fetchResult{index: index, err: fmt.Errorf("read chunk record %s: %w", key, err)}
				return
			}
			var record Record
			if err := json.Unmarshal(value, &record); err != nil {
				resultChan <- fetchResult{index: index, err: fmt.Errorf("decode chunk record %s: %w", key, err)}
				return
			}
			resultChan <- fetchResult{index: index, record: record}
		}(i, key)
	}

	records := make([]Record, len(keys))
	for range keys {
		result := <-resultChan
		if result.err != nil {
			return nil, result.err
		}
		records[result.index] = result.record
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ChunkIndex < records[j].ChunkIndex })
	return records, nil
}

// Purge removes every record and counter of the session.
func (l *Ledger) Purge(ctx context.Context, sessionID string) error {
	for _, prefix := range []string{sessionChunkPrefix(sessionID), sessionCountPrefix(sessionID)} {
		var keys []string
		err := l.store.List(ctx, prefix, listPageSize, func(page []string) error {
			keys = append(keys, page...)
			return nil
		})
		if err != nil {
			return fmt.Errorf("list ledger keys for %s: %w", sessionID, err)
		}
		for _, key := range keys {
			if err := l.store.Delete(ctx, key); err != nil {
				return fmt.Errorf("delete ledger key %s: %w", key, err)
			}
		}
	}

	l.mu.Lock()
	delete(l.locks, sessionID)
	l.mu.Unlock()
	return nil
}

func (l *Ledger) sessionLock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[sessionID] = lock
	}
	return lock
}

func (l *Ledger) readCount(ctx context.Context, sessionID, fileName string) (int, error) {
	value, err := l.store.Get(ctx, countKey(sessionID, fileName))
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read chunk counter: %w", err)
	}

	count, err := strconv.Atoi(string(value))
	if err != nil {
		return 0, fmt.Errorf("decode chunk counter: %w", err)
	}
	return count, nil
}

func (l *Ledger) bumpCount(ctx context.Context, sessionID, fileName string) (int, error) {
	count, err := l.readCount(ctx, sessionID, fileName)
	if err != nil {
		return 0, err
	}

	count++
	if err := l.store.Put(ctx, countKey(sessionID, fileName), []byte(strconv.Itoa(count))); err != nil {
		return 0, fmt.Errorf("write chunk counter: %w", err)
	}
	return count, nil
}
