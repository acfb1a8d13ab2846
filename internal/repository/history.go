package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/entity"
)

type HistoryRepository interface {
	List(ctx context.Context, q entity.HistoryQuery) ([]entity.HistoryRow, int, error)
}

type historyRepo struct {
	db  *DB
	log *slog.Logger
}

func NewHistoryRepository(db *DB, logger *slog.Logger) HistoryRepository {
	return &historyRepo{db: db, log: logger}
}

var historySortColumns = map[entity.HistorySortField]string{
	entity.SortStartedAt:   "started_at",
	entity.SortCompletedAt: "completed_at",
	entity.SortPeriod:      "period",
	entity.SortStatus:      "status",
	entity.SortProgress:    "progress",
}

// List returns one page of terminal processing records for a single context,
// plus the total row count for the filter.
func (r *historyRepo) List(ctx context.Context, q entity.HistoryQuery) ([]entity.HistoryRow, int, error) {
	where := []string{"batch_context = ?", "status IN " + terminalStatuses}
	args := []any{q.BatchContext}

	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if q.Period != "" {
		where = append(where, "period = ?")
		args = append(args, q.Period)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.StartedFrom != nil {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(*q.StartedFrom))
	}
	if q.StartedTo != nil {
		where = append(where, "started_at <= ?")
		args = append(args, formatTime(*q.StartedTo))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := r.db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processing_records WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting history rows: %w", err)
	}

	sortCol, ok := historySortColumns[q.SortBy]
	if !ok {
		sortCol = "started_at"
	}
	direction := "ASC"
	if q.SortDesc {
		direction = "DESC"
	}

	offset := (q.Page - 1) * q.PerPage
	query := fmt.Sprintf(`SELECT id, batch_context, kind, period, status, progress, result_url,
			error_message, started_at, completed_at, initiated_by,
			(SELECT COUNT(*) FROM processing_files pf WHERE pf.processing_id = processing_records.id)
		FROM processing_records
		WHERE %s
		ORDER BY %s %s
		LIMIT ? OFFSET ?`, whereClause, sortCol, direction)
	args = append(args, q.PerPage, offset)

	rows, err := r.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		r.log.Error("history query failed", "batch_context", q.BatchContext, "error", err)
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]entity.HistoryRow, 0, q.PerPage)
	for rows.Next() {
		var (
			row               entity.HistoryRow
			id, kind, status  string
			resultURL, errMsg sql.NullString
			started           string
			completedNS       sql.NullString
		)
		if err := rows.Scan(&id, &row.BatchContext, &kind, &row.Period, &status, &row.Progress,
			&resultURL, &errMsg, &started, &completedNS, &row.InitiatedBy, &row.FileCount); err != nil {
			return nil, 0, err
		}
		if row.ID, err = uuid.Parse(id); err != nil {
			return nil, 0, err
		}
		row.Kind = constants.DocumentKind(kind)
		row.Status = constants.ProcessingStatus(status)
		row.ResultURL = strPtr(resultURL)
		row.ErrorMessage = strPtr(errMsg)
		if row.StartedAt, err = parseTime(started); err != nil {
			return nil, 0, err
		}
		if row.CompletedAt, err = parseTimePtr(completedNS); err != nil {
			return nil, 0, err
		}
		out = append(out, row)
	}
	return out, total, rows.Err()
}
