package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
)

// ProcessingLogEntry is one line of the append-only audit trail for a batch.
// Entries are never mutated or deleted and never drive state transitions.
type ProcessingLogEntry struct {
	ID           uuid.UUID          `json:"id"`
	ProcessingID uuid.UUID          `json:"processing_id"`
	Level        constants.LogLevel `json:"level"`
	Message      string             `json:"message"`
	Metadata     json.RawMessage    `json:"metadata,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}
