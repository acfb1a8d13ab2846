package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
)

// ProcessingRecord tracks one submitted batch from dispatch to terminal outcome.
type ProcessingRecord struct {
	ID                   uuid.UUID                  `json:"id"`
	BatchContext         string                     `json:"batch_context"`
	Kind                 constants.DocumentKind     `json:"kind"`
	Period               string                     `json:"period"`
	FileIDs              []uuid.UUID                `json:"file_ids"`
	Status               constants.ProcessingStatus `json:"status"`
	Progress             int                        `json:"progress"`
	EstimatedTimeMinutes *int                       `json:"estimated_time_minutes,omitempty"`
	ResultURL            *string                    `json:"result_url,omitempty"`
	WorkerResponse       json.RawMessage            `json:"worker_response,omitempty"`
	ErrorMessage         *string                    `json:"error_message,omitempty"`
	StartedAt            time.Time                  `json:"started_at"`
	CompletedAt          *time.Time                 `json:"completed_at,omitempty"`
	InitiatedBy          string                     `json:"initiated_by"`

	// Version increments on every persisted update. Watchers use it to refuse
	// stale snapshots; the repository uses it for compare-and-swap writes.
	Version int64 `json:"version"`
}

// Fingerprint identifies a batch by context, kind, period and file set.
// Two submissions of the same file set share a fingerprint, which is how
// concurrent double-dispatch is refused while one of them is still active.
func Fingerprint(batchContext string, kind constants.DocumentKind, period string, fileIDs []uuid.UUID) string {
	ids := make([]string, len(fileIDs))
	for i, id := range fileIDs {
		ids[i] = id.String()
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(batchContext + "|" + string(kind) + "|" + period + "|" + strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}

// ProcessingPatch is a partial update applied through the record manager.
// Nil fields are left untouched.
type ProcessingPatch struct {
	Status               *constants.ProcessingStatus
	Progress             *int
	EstimatedTimeMinutes *int
	ResultURL            *string
	WorkerResponse       json.RawMessage
	ErrorMessage         *string
}
