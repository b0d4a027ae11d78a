// Package transfer coordinates chunked upload sessions: init issues one
// remote multipart upload per file with every part pre-authorized, chunks
// are confirmed idempotently as clients push them, and completion seals
// the session and repacks the staged objects into a single archive.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is an upload session's lifecycle position.
type State string

const (
	StateIngesting State = "ingesting"
	StateSealed    State = "sealed"
	StateArchiving State = "archiving"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

var stateOrder = map[State]int{
	StateIngesting: 0,
	StateSealed:    1,
	StateArchiving: 2,
	StateDone:      3,
}

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// canTransition allows forward moves only. Failed is reachable from any
// non-terminal state; terminal states allow nothing.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	fromOrder, fromKnown := stateOrder[from]
	toOrder, toKnown := stateOrder[to]
	return fromKnown && toKnown && toOrder > fromOrder
}

var (
	// ErrSessionNotFound ...
	ErrSessionNotFound = errors.New("upload session not found")
	// ErrNoFiles ...
	ErrNoFiles = errors.New("file list is empty")
	// ErrInvalidCredential ...
	ErrInvalidCredential = errors.New("invalid credential")
)

// StateError reports an operation attempted in a state that does not
// allow it.
type StateError struct {
	SessionID string
	State     State
	Op        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s: cannot %s in state %s", e.SessionID, e.Op, e.State)
}

// IncompleteError reports the chunk indices still missing when a seal was
// attempted too early.
type IncompleteError struct {
	FileName string
	Missing  []int
	Total    int
}

func (e *IncompleteError) Error() string {
	preview := e.Missing
	suffix := ""
	if len(preview) > 8 {
		preview = preview[:8]
		suffix = ", ..."
	}
	indices := make([]string, len(preview))
	for i, index := range preview {
		indices[i] = strconv.Itoa(index)
	}
	return fmt.Sprintf("file %s is missing %d of %d chunks (indices %s%s)",
		e.FileName, len(e.Missing), e.Total, strings.Join(indices, ", "), suffix)
}

// SourceFile is one logical file within a session.
type SourceFile struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
	StorageKey  string `json:"storage_key"`
	UploadID    string `json:"upload_id"`
	// Completed marks that this file's multipart upload was finished
	// remotely. Lets a retried seal skip files it already settled.
	Completed bool `json:"completed"`
}

// Session is the persisted record of one transfer.
type Session struct {
	ID             string       `json:"id"`
	CredentialHash string       `json:"credential_hash"`
	Files          []SourceFile `json:"files"`
	State          State        `json:"state"`
	// ArchiveID is the public handle of the finished archive. It is set
	// exactly when the session reaches done.
	ArchiveID     string     `json:"archive_id,omitempty"`
	ArchiveKey    string     `json:"archive_key,omitempty"`
	ArchiveSHA256 string     `json:"archive_sha256,omitempty"`
	ArchiveSize   int64      `json:"archive_size,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SealedAt      *time.Time `json:"sealed_at,omitempty"`
}

func (s *Session) file(name string) *SourceFile {
	for i := range s.Files {
		if s.Files[i].Name == name {
			return &s.Files[i]
		}
	}
	return nil
}

// CredentialVerifier validates the access secret presented at init and
// produces the one-way hash stored on the session.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) bool
	Hash(credential string) string
}

// SHA256Verifier accepts any non-empty credential and hashes it with
// SHA-256. It stands in where no external credential service is wired.
type SHA256Verifier struct{}

// Verify ...
func (SHA256Verifier) Verify(ctx context.Context, credential string) bool {
	return credential != ""
}

// Hash ...
func (SHA256Verifier) Hash(credential string) string {
	digest := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(digest[:])
}
