package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/zipline-io/zipline/transfer/archive"
	"github.com/zipline-io/zipline/transfer/kvstore"
	"github.com/zipline-io/zipline/transfer/ledger"
	"github.com/zipline-io/zipline/transfer/storage"
)

// MultipartStore is the slice of the object storage client the manager
// drives. Satisfied by storage.Client.
type MultipartStore interface {
	CreateMultipart(ctx context.Context, key string) (string, error)
	PresignPartUpload(ctx context.Context, key, uploadID string, partNumber int32) (storage.PartTarget, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string)
	DeleteObject(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string) (string, error)
}

// ArchiveBuilder repacks the staged objects into the final archive.
// Satisfied by archive.Builder.
type ArchiveBuilder interface {
	Build(ctx context.Context, destKey string, sources []archive.Source) (*archive.Result, error)
}

// Manager owns the upload session lifecycle from init to archive
// hand-off.
type Manager struct {
	config   Config
	store    kvstore.Store
	ledger   *ledger.Ledger
	storage  MultipartStore
	builder  ArchiveBuilder
	verifier CredentialVerifier
	logger   log.Logger

	// mu serializes seals and the state writes of finished builds, so two
	// racing Complete calls cannot start two builds for one session.
	mu     sync.Mutex
	builds sync.WaitGroup
}

// NewManager wires the session manager. The chunk ledger is created over
// the same metadata store that holds the session records. A nil verifier
// falls back to SHA256Verifier.
func NewManager(config Config, store kvstore.Store, multipart MultipartStore, builder ArchiveBuilder, verifier CredentialVerifier, logger log.Logger) *Manager {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ChunkSize < MinChunkSize {
		config.ChunkSize = MinChunkSize
	}
	if config.ChunkSize > MaxChunkSize {
		config.ChunkSize = MaxChunkSize
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	if config.BuildTimeout <= 0 {
		config.BuildTimeout = DefaultBuildTimeout
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	if verifier == nil {
		verifier = SHA256Verifier{}
	}

	return &Manager{
		config:   config,
		store:    store,
		ledger:   ledger.New(store),
		storage:  multipart,
		builder:  builder,
		verifier: verifier,
		logger:   logger,
	}
}

// FileSpec describes one file the client wants to send.
type FileSpec struct {
	Name string
	Size int64
	// ChunkSize is an optional per-file override, 0 means the service
	// default.
	ChunkSize int64
}

// InitRequest ...
type InitRequest struct {
	Files      []FileSpec
	Credential string
}

// FilePlan carries everything the client needs to push one file's chunks
// without further round trips.
type FilePlan struct {
	Name        string               `json:"name"`
	ChunkSize   int64                `json:"chunk_size"`
	TotalChunks int                  `json:"total_chunks"`
	Targets     []storage.PartTarget `json:"targets"`
}

// SessionDescriptor is the init response.
type SessionDescriptor struct {
	SessionID string     `json:"session_id"`
	Files     []FilePlan `json:"files"`
}

// Init validates the request, opens one multipart upload per file and
// pre-authorizes every part. Validation runs before the first remote
// call; a remote failure partway aborts whatever was already created.
func (m *Manager) Init(ctx context.Context, request InitRequest) (*SessionDescriptor, error) {
	if !m.verifier.Verify(ctx, request.Credential) {
		return nil, ErrInvalidCredential
	}
	if len(request.Files) == 0 {
		return nil, ErrNoFiles
	}
	seen := make(map[string]bool, len(request.Files))
	for _, spec := range request.Files {
		if spec.Name == "" {
			return nil, fmt.Errorf("file name is empty")
		}
		if spec.Size < 0 {
			return nil, fmt.Errorf("file %s: size is negative", spec.Name)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate file name: %s", spec.Name)
		}
		seen[spec.Name] = true
	}

	sessionID := uuid.NewString()
	session := &Session{
		ID:             sessionID,
		CredentialHash: m.verifier.Hash(request.Credential),
		State:          StateIngesting,
		CreatedAt:      time.Now().UTC(),
	}

	descriptor := &SessionDescriptor{SessionID: sessionID}
	for fileIndex, spec := range request.Files {
		chunkSize := m.clampChunkSize(spec.ChunkSize)
		numChunks := totalChunks(spec.Size, chunkSize)
		storageKey := m.storageKey(sessionID, fileIndex, spec.Name)

		uploadID, err := m.storage.CreateMultipart(ctx, storageKey)
		if err != nil {
			m.abandonInit(ctx, session)
			return nil, fmt.Errorf("create multipart upload for %s: %w", spec.Name, err)
		}
		session.Files = append(session.Files, SourceFile{
			Name:        spec.Name,
			Size:        spec.Size,
			ChunkSize:   chunkSize,
			TotalChunks: numChunks,
			StorageKey:  storageKey,
			UploadID:    uploadID,
		})

		targets := make([]storage.PartTarget, 0, numChunks)
		for part := 1; part <= numChunks; part++ {
			target, err := m.storage.PresignPartUpload(ctx, storageKey, uploadID, int32(part))
			if err != nil {
				m.abandonInit(ctx, session)
				return nil, fmt.Errorf("authorize part %d of %s: %w", part, spec.Name, err)
			}
			targets = append(targets, target)
		}
		descriptor.Files = append(descriptor.Files, FilePlan{
			Name:        spec.Name,
			ChunkSize:   chunkSize,
			TotalChunks: numChunks,
			Targets:     targets,
		})

		m.logger.Debugf("File %s: %s in %d chunks of %s", spec.Name,
			units.HumanSizeWithPrecision(float64(spec.Size), 3), numChunks,
			units.HumanSizeWithPrecision(float64(chunkSize), 3))
	}

	if err := m.saveSession(ctx, session); err != nil {
		m.abandonInit(ctx, session)
		return nil, err
	}

	m.logger.Infof("Session %s initialized with %d files", sessionID, len(session.Files))
	return descriptor, nil
}

// abandonInit aborts the uploads a failed init already created, so
// nothing stays pending on the provider side.
func (m *Manager) abandonInit(ctx context.Context, session *Session) {
	for _, file := range session.Files {
		m.storage.AbortMultipart(ctx, file.StorageKey, file.UploadID)
	}
}

// ConfirmResult reports progress after one chunk confirmation.
type ConfirmResult struct {
	IsNew         bool `json:"is_new"`
	UploadedCount int  `json:"uploaded_count"`
	TotalChunks   int  `json:"total_chunks"`
}

// ConfirmChunk records one uploaded chunk. Replays with the same ETag are
// acknowledged without double counting; a different ETag for a recorded
// chunk is rejected.
func (m *Manager) ConfirmChunk(ctx context.Context, sessionID, fileName string, chunkIndex int, partNumber int32, eTag string) (*ConfirmResult, error) {
	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != StateIngesting {
		return nil, &StateError{SessionID: sessionID, State: session.State, Op: "confirm chunks"}
	}

	file := session.file(fileName)
	if file == nil {
		return nil, fmt.Errorf("session %s has no file named %s", sessionID, fileName)
	}
	if chunkIndex < 0 || chunkIndex >= file.TotalChunks {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", chunkIndex, file.TotalChunks)
	}
	if int(partNumber) != chunkIndex+1 {
		return nil, fmt.Errorf("part number %d does not belong to chunk %d, expected %d", partNumber, chunkIndex, chunkIndex+1)
	}

	receipt, err := m.ledger.Confirm(ctx, sessionID, fileName, chunkIndex, partNumber, eTag)
	if err != nil {
		return nil, err
	}

	return &ConfirmResult{
		IsNew:         receipt.IsNew,
		UploadedCount: receipt.UploadedCount,
		TotalChunks:   file.TotalChunks,
	}, nil
}

// ArchiveURL returns a pre-signed download URL for the finished archive.
func (m *Manager) ArchiveURL(ctx context.Context, sessionID string) (string, error) {
	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.State != StateDone {
		return "", &StateError{SessionID: sessionID, State: session.State, Op: "download the archive"}
	}
	url, err := m.storage.PresignGet(ctx, session.ArchiveKey)
	if err != nil {
		return "", fmt.Errorf("presign archive download: %w", err)
	}
	return url, nil
}

// Discard abandons a session: aborts outstanding uploads, removes staged
// objects and the archive, and purges every metadata record. Storage
// failures are logged and skipped so one stubborn object cannot block the
// expiry sweep.
func (m *Manager) Discard(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	for _, file := range session.Files {
		if !file.Completed {
			m.storage.AbortMultipart(ctx, file.StorageKey, file.UploadID)
		}
		if err := m.storage.DeleteObject(ctx, file.StorageKey); err != nil {
			m.logger.Warnf("Failed to delete staged object %s: %s", file.StorageKey, err)
		}
	}
	if session.ArchiveKey != "" {
		if err := m.storage.DeleteObject(ctx, session.ArchiveKey); err != nil {
			m.logger.Warnf("Failed to delete archive %s: %s", session.ArchiveKey, err)
		}
	}

	if err := m.ledger.Purge(ctx, sessionID); err != nil {
		return fmt.Errorf("purge chunk records of session %s: %w", sessionID, err)
	}
	if err := m.store.Delete(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}

	m.logger.Infof("Session %s discarded", sessionID)
	return nil
}

// ExpiredSessions returns the ids of sessions untouched since the cutoff.
// The expiry sweep pairs it with Discard.
func (m *Manager) ExpiredSessions(ctx context.Context, olderThan time.Time) ([]string, error) {
	var expired []string
	err := m.store.List(ctx, "session/", kvstore.DefaultPageSize, func(keys []string) error {
		for _, key := range keys {
			value, err := m.store.Get(ctx, key)
			if err != nil {
				if errors.Is(err, kvstore.ErrNotFound) {
					continue
				}
				return err
			}
			var session Session
			if err := json.Unmarshal(value, &session); err != nil {
				m.logger.Warnf("Skipping undecodable session record %s: %s", key, err)
				continue
			}
			if session.UpdatedAt.Before(olderThan) {
				expired = append(expired, session.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return expired, nil
}

// Wait blocks until every background archive build kicked off by this
// manager has finished. Meant for shutdown and tests.
func (m *Manager) Wait() {
	m.builds.Wait()
}

func (m *Manager) clampChunkSize(requested int64) int64 {
	chunkSize := requested
	if chunkSize == 0 {
		chunkSize = m.config.ChunkSize
	}
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}
	if chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}
	return chunkSize
}

// totalChunks is never zero: an empty file still gets one (empty) chunk,
// so its upload and confirmation follow the same path as any other.
func totalChunks(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func sessionKey(sessionID string) string {
	return "session/" + sessionID
}

// storageKey places staged objects under the session, indexed to keep
// same-named files apart. Base name only, client paths do not reach the
// key space.
func (m *Manager) storageKey(sessionID string, fileIndex int, name string) string {
	return fmt.Sprintf("%s/%s/%d/%s", m.config.KeyPrefix, sessionID, fileIndex, filepath.Base(name))
}

func (m *Manager) archiveKey(sessionID string) string {
	return fmt.Sprintf("%s/%s/archive.zip", m.config.KeyPrefix, sessionID)
}

func (m *Manager) loadSession(ctx context.Context, sessionID string) (*Session, error) {
	value, err := m.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var session Session
	if err := json.Unmarshal(value, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (m *Manager) saveSession(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now().UTC()
	value, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	if err := m.store.Put(ctx, sessionKey(session.ID), value); err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// transition moves the session forward and persists it. The state machine
// only moves forward; failed is reachable from any non-terminal state.
func (m *Manager) transition(ctx context.Context, session *Session, to State) error {
	if !canTransition(session.State, to) {
		return &StateError{SessionID: session.ID, State: session.State, Op: fmt.Sprintf("enter state %s", to)}
	}
	session.State = to
	return m.saveSession(ctx, session)
}
