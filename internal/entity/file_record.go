package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
)

// FileRecord represents one admitted input file for data transfer between layers.
type FileRecord struct {
	ID               uuid.UUID              `json:"id"`
	BatchContext     string                 `json:"batch_context"`
	Filename         string                 `json:"filename"`
	OriginalFilename string                 `json:"original_filename"`
	SizeBytes        int64                  `json:"size_bytes"`
	Period           string                 `json:"period"`
	Kind             constants.DocumentKind `json:"kind"`
	Status           constants.FileStatus   `json:"status"`
	ResultRef        *string                `json:"result_ref,omitempty"`
	ExtractedData    json.RawMessage        `json:"extracted_data,omitempty"`
	ErrorMessage     *string                `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	ProcessedAt      *time.Time             `json:"processed_at,omitempty"`

	// Content holds the transfer-encoded (base64) bytes between admission and
	// dispatch. It is never persisted and is dropped once the batch is sent.
	Content string `json:"-"`
}
