package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/common"
	"github.com/rmacedo/docproc/internal/entity"
)

// ErrStaleVersion is returned when an update lost a compare-and-swap race.
var ErrStaleVersion = errors.New("processing record version is stale")

// ErrDuplicateBatch is returned when a non-terminal record already exists for
// the same fingerprint (same context, kind, period and file set).
var ErrDuplicateBatch = errors.New("an active processing record already exists for this batch")

type ProcessingRepository interface {
	Create(ctx context.Context, rec *entity.ProcessingRecord) error
	Get(ctx context.Context, id uuid.UUID) (*entity.ProcessingRecord, error)
	// Update persists rec guarded by its Version; on success rec.Version is
	// incremented. A lost race returns ErrStaleVersion and writes nothing.
	Update(ctx context.Context, rec *entity.ProcessingRecord) error
	ListActive(ctx context.Context, batchContext string) ([]entity.ProcessingRecord, error)
}

type processingRepo struct {
	db  *DB
	log *slog.Logger
}

func NewProcessingRepository(db *DB, logger *slog.Logger) ProcessingRepository {
	return &processingRepo{db: db, log: logger}
}

const processingColumns = `id, batch_context, kind, period, status, progress, estimated_time_minutes,
	result_url, worker_response, error_message, started_at, completed_at, initiated_by, fingerprint, version`

var terminalStatuses = fmt.Sprintf("('%s', '%s', '%s')",
	constants.ProcessingCompleted, constants.ProcessingError, constants.ProcessingPartial)

func (r *processingRepo) Create(ctx context.Context, rec *entity.ProcessingRecord) error {
	tx, err := r.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processing_records WHERE fingerprint = ? AND status NOT IN `+terminalStatuses,
		fingerprintOf(rec)).Scan(&active)
	if err != nil {
		return fmt.Errorf("checking active fingerprint: %w", err)
	}
	if active > 0 {
		r.log.Warn("duplicate batch refused", "processing_id", rec.ID, "batch_context", rec.BatchContext)
		return ErrDuplicateBatch
	}

	var workerResp any
	if len(rec.WorkerResponse) > 0 {
		workerResp = string(rec.WorkerResponse)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO processing_records (`+processingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.BatchContext, string(rec.Kind), rec.Period, string(rec.Status), rec.Progress,
		nullInt(rec.EstimatedTimeMinutes), nullStr(rec.ResultURL), workerResp, nullStr(rec.ErrorMessage),
		formatTime(rec.StartedAt), formatTimePtr(rec.CompletedAt), rec.InitiatedBy, fingerprintOf(rec), rec.Version)
	if err != nil {
		r.log.Error("processing_record create failed", "processing_id", rec.ID, "error", err)
		return err
	}

	for i, fileID := range rec.FileIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processing_files (processing_id, file_id, position) VALUES (?, ?, ?)`,
			rec.ID.String(), fileID.String(), i); err != nil {
			return fmt.Errorf("associating file %s: %w", fileID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing create: %w", err)
	}
	r.log.Info("processing_record created", "processing_id", rec.ID, "kind", rec.Kind, "files", len(rec.FileIDs))
	return nil
}

func (r *processingRepo) Get(ctx context.Context, id uuid.UUID) (*entity.ProcessingRecord, error) {
	row := r.db.sql.QueryRowContext(ctx,
		`SELECT `+processingColumns+` FROM processing_records WHERE id = ?`, id.String())
	rec, err := scanProcessingRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.FileIDs, err = r.fileIDs(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *processingRepo) Update(ctx context.Context, rec *entity.ProcessingRecord) error {
	var workerResp any
	if len(rec.WorkerResponse) > 0 {
		workerResp = string(rec.WorkerResponse)
	}
	res, err := r.db.sql.ExecContext(ctx, `UPDATE processing_records
		SET status = ?, progress = ?, estimated_time_minutes = ?, result_url = ?, worker_response = ?,
		    error_message = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(rec.Status), rec.Progress, nullInt(rec.EstimatedTimeMinutes), nullStr(rec.ResultURL),
		workerResp, nullStr(rec.ErrorMessage), formatTimePtr(rec.CompletedAt),
		rec.ID.String(), rec.Version)
	if err != nil {
		r.log.Error("processing_record update failed", "processing_id", rec.ID, "error", err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		r.log.Warn("processing_record update lost version race", "processing_id", rec.ID, "version", rec.Version)
		return ErrStaleVersion
	}
	rec.Version++
	return nil
}

func (r *processingRepo) ListActive(ctx context.Context, batchContext string) ([]entity.ProcessingRecord, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT `+processingColumns+` FROM processing_records
		 WHERE batch_context = ? AND status NOT IN `+terminalStatuses+`
		 ORDER BY started_at`, batchContext)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.ProcessingRecord
	for rows.Next() {
		rec, err := scanProcessingRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].FileIDs, err = r.fileIDs(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *processingRepo) fileIDs(ctx context.Context, processingID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT file_id FROM processing_files WHERE processing_id = ? ORDER BY position`, processingID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parsing file id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func fingerprintOf(rec *entity.ProcessingRecord) string {
	return entity.Fingerprint(rec.BatchContext, rec.Kind, rec.Period, rec.FileIDs)
}

func scanProcessingRecord(row rowScanner) (*entity.ProcessingRecord, error) {
	var (
		rec                         entity.ProcessingRecord
		id, kind, status, started   string
		estimated                   sql.NullInt64
		resultURL, workerResp       sql.NullString
		errMsg, completed           sql.NullString
		fingerprint                 string
	)
	if err := row.Scan(&id, &rec.BatchContext, &kind, &rec.Period, &status, &rec.Progress,
		&estimated, &resultURL, &workerResp, &errMsg, &started, &completed,
		&rec.InitiatedBy, &fingerprint, &rec.Version); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing processing id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.Kind = constants.DocumentKind(kind)
	rec.Status = constants.ProcessingStatus(status)
	rec.EstimatedTimeMinutes = intPtr(estimated)
	rec.ResultURL = strPtr(resultURL)
	rec.ErrorMessage = strPtr(errMsg)
	if workerResp.Valid {
		rec.WorkerResponse = []byte(workerResp.String)
	}
	if rec.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	return &rec, nil
}
