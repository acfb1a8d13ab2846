package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
)

// HistoryRow is the read-view projection of a terminal processing record.
type HistoryRow struct {
	ID                    uuid.UUID                  `json:"id"`
	BatchContext          string                     `json:"batch_context"`
	Kind                  constants.DocumentKind     `json:"kind"`
	Period                string                     `json:"period"`
	Status                constants.ProcessingStatus `json:"status"`
	Progress              int                        `json:"progress"`
	FileCount             int                        `json:"file_count"`
	ResultURL             *string                    `json:"result_url,omitempty"`
	ErrorMessage          *string                    `json:"error_message,omitempty"`
	StartedAt             time.Time                  `json:"started_at"`
	CompletedAt           *time.Time                 `json:"completed_at,omitempty"`
	InitiatedBy           string                     `json:"initiated_by"`
	CanDownload           bool                       `json:"can_download"`
	ProcessingTimeMinutes *float64                   `json:"processing_time_minutes,omitempty"`
}

// HistorySortField is one of the whitelisted sort columns.
type HistorySortField string

const (
	SortStartedAt   HistorySortField = "started_at"
	SortCompletedAt HistorySortField = "completed_at"
	SortPeriod      HistorySortField = "period"
	SortStatus      HistorySortField = "status"
	SortProgress    HistorySortField = "progress"
)

// HistoryQuery carries filters, sort and pagination for the history view.
// BatchContext is mandatory; rows are never returned across contexts.
type HistoryQuery struct {
	BatchContext string
	Statuses     []constants.ProcessingStatus
	Period       string
	Kind         constants.DocumentKind
	StartedFrom  *time.Time
	StartedTo    *time.Time
	SortBy       HistorySortField
	SortDesc     bool
	Page         int // 1-based
	PerPage      int
}

// HistoryPage is one page of history rows.
type HistoryPage struct {
	Rows       []HistoryRow `json:"rows"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	PerPage    int          `json:"per_page"`
	TotalPages int          `json:"total_pages"`
}
