package transfer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/zipline-io/zipline/transfer/archive"
	"github.com/zipline-io/zipline/transfer/ledger"
	"github.com/zipline-io/zipline/transfer/storage"
)

// finishTimeout bounds the metadata writes that record a finished or
// failed build.
const finishTimeout = 30 * time.Second

// CompleteResult ...
type CompleteResult struct {
	Status    State  `json:"status"`
	ArchiveID string `json:"archive_id,omitempty"`
}

// Complete seals the session once every chunk of every file is confirmed,
// then starts the archive build in the background. An incomplete file
// leaves the session untouched so the caller can finish uploading and
// retry. Calling Complete again while the build runs, or after it
// finished, reports the current state, so clients can poll it safely.
func (m *Manager) Complete(ctx context.Context, sessionID string) (*CompleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.State {
	case StateIngesting:
		if err := m.seal(ctx, session); err != nil {
			return nil, err
		}
	case StateSealed:
		// an earlier Complete sealed the files but died before the build
	case StateArchiving, StateDone:
		return &CompleteResult{Status: session.State, ArchiveID: session.ArchiveID}, nil
	default:
		return nil, &StateError{SessionID: sessionID, State: session.State, Op: "complete"}
	}

	if err := m.startBuild(ctx, session); err != nil {
		return nil, err
	}
	return &CompleteResult{Status: session.State, ArchiveID: session.ArchiveID}, nil
}

// seal checks every file for gaps first, then finishes the per-file
// multipart uploads. All files are verified before the first remote
// completion, so an incomplete file is reported without side effects.
// A remote failure partway persists which files already completed and
// leaves the session ingesting; the remote completes are idempotent, so
// retrying the seal settles the rest.
func (m *Manager) seal(ctx context.Context, session *Session) error {
	confirmed := make(map[string][]ledger.Record, len(session.Files))
	for _, file := range session.Files {
		records, err := m.ledger.ListConfirmed(ctx, session.ID, file.Name)
		if err != nil {
			return fmt.Errorf("list confirmed chunks of %s: %w", file.Name, err)
		}
		if missing := missingIndices(records, file.TotalChunks); len(missing) > 0 {
			return &IncompleteError{FileName: file.Name, Missing: missing, Total: file.TotalChunks}
		}
		confirmed[file.Name] = records
	}

	for i := range session.Files {
		file := &session.Files[i]
		if file.Completed {
			continue
		}
		if err := m.storage.CompleteMultipart(ctx, file.StorageKey, file.UploadID, toParts(confirmed[file.Name])); err != nil {
			if saveErr := m.saveSession(ctx, session); saveErr != nil {
				m.logger.Warnf("Failed to record partial seal progress: %s", saveErr)
			}
			return fmt.Errorf("complete upload of %s: %w", file.Name, err)
		}
		file.Completed = true
	}

	now := time.Now().UTC()
	session.SealedAt = &now
	session.ArchiveKey = m.archiveKey(session.ID)
	if err := m.transition(ctx, session, StateSealed); err != nil {
		return err
	}

	m.logger.Donef("Session %s sealed, all %d files confirmed complete", session.ID, len(session.Files))
	return nil
}

// missingIndices reports the gaps by presence, not by count: a replayed
// confirmation can never hide a missing chunk.
func missingIndices(records []ledger.Record, total int) []int {
	present := make([]bool, total)
	for _, record := range records {
		if record.ChunkIndex >= 0 && record.ChunkIndex < total {
			present[record.ChunkIndex] = true
		}
	}
	var missing []int
	for index, ok := range present {
		if !ok {
			missing = append(missing, index)
		}
	}
	return missing
}

func toParts(records []ledger.Record) []storage.CompletedPart {
	parts := make([]storage.CompletedPart, len(records))
	for i, record := range records {
		parts[i] = storage.CompletedPart{PartNumber: record.PartNumber, ETag: record.ETag}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

// startBuild moves the session to archiving and launches the build
// goroutine. The build runs on its own context so it survives the
// completing request, bounded by the configured build timeout.
func (m *Manager) startBuild(ctx context.Context, session *Session) error {
	if err := m.transition(ctx, session, StateArchiving); err != nil {
		return err
	}

	buildSession := *session
	buildSession.Files = append([]SourceFile(nil), session.Files...)

	m.builds.Add(1)
	go func() {
		defer m.builds.Done()
		m.runBuild(&buildSession)
	}()

	m.logger.Infof("Session %s: archive build started", session.ID)
	return nil
}

func (m *Manager) runBuild(session *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.BuildTimeout)
	defer cancel()

	sources := make([]archive.Source, len(session.Files))
	for i, file := range session.Files {
		sources[i] = archive.Source{Name: file.Name, Key: file.StorageKey, Size: file.Size}
	}

	result, err := m.builder.Build(ctx, session.ArchiveKey, sources)
	if err != nil {
		m.failSession(session.ID, fmt.Errorf("archive build: %w", err))
		return
	}
	m.finishBuild(session.ID, result)
}

// failSession reloads the record before writing: the build ran detached,
// and the session may have moved (or been discarded) meanwhile.
func (m *Manager) failSession(sessionID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		m.logger.Errorf("Session %s failed (%s), and the record could not be loaded: %s", sessionID, cause, err)
		return
	}
	session.FailureReason = cause.Error()
	if err := m.transition(ctx, session, StateFailed); err != nil {
		m.logger.Errorf("Session %s failed (%s), and the failure could not be recorded: %s", sessionID, cause, err)
		return
	}
	m.logger.Errorf("Session %s failed: %s", sessionID, cause)
}

func (m *Manager) finishBuild(sessionID string, result *archive.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		m.logger.Errorf("Archive of session %s is ready, but the record could not be loaded: %s", sessionID, err)
		return
	}
	session.ArchiveID = uuid.NewString()
	session.ArchiveSHA256 = result.SHA256
	session.ArchiveSize = result.Size
	if err := m.transition(ctx, session, StateDone); err != nil {
		m.logger.Errorf("Archive of session %s is ready, but the state could not be recorded: %s", sessionID, err)
		return
	}
	m.logger.Donef("Session %s done: archive %s (%s, %d parts)", session.ID, session.ArchiveID,
		units.HumanSizeWithPrecision(float64(result.Size), 3), result.PartCount)
}
