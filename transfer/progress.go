package transfer

import (
	"context"
	"fmt"
)

// StatusResponse is the progress projection the orchestrator polls.
type StatusResponse struct {
	SessionID string  `json:"session_id"`
	State     State   `json:"state"`
	Progress  float64 `json:"progress"`
	ArchiveID string  `json:"archive_id,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Status projects the session's progress. There is no in-process progress
// cache: every call recomputes from the ledger counters, so restarts and
// concurrent processes all see the same truth.
func (m *Manager) Status(ctx context.Context, sessionID string) (*StatusResponse, error) {
	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	response := &StatusResponse{
		SessionID: sessionID,
		State:     session.State,
		ArchiveID: session.ArchiveID,
		Error:     session.FailureReason,
	}

	switch session.State {
	case StateSealed, StateArchiving, StateDone:
		response.Progress = 1
	default:
		response.Progress, err = m.ingestProgress(ctx, session)
		if err != nil {
			return nil, err
		}
	}
	return response, nil
}

// ingestProgress is the confirmed fraction across all files. Counts are
// clamped per file, so a replay anomaly can never report more than 100%.
func (m *Manager) ingestProgress(ctx context.Context, session *Session) (float64, error) {
	var total, uploaded int
	for _, file := range session.Files {
		total += file.TotalChunks
		count, err := m.ledger.UploadedCount(ctx, session.ID, file.Name)
		if err != nil {
			return 0, fmt.Errorf("count confirmed chunks of %s: %w", file.Name, err)
		}
		if count > file.TotalChunks {
			count = file.TotalChunks
		}
		uploaded += count
	}
	if total == 0 {
		return 0, nil
	}
	return float64(uploaded) / float64(total), nil
}
