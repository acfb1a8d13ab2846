package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/common"
	"github.com/rmacedo/docproc/internal/entity"
)

type FileRepository interface {
	Create(ctx context.Context, rec *entity.FileRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.FileRecord, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]entity.FileRecord, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status constants.FileStatus, resultRef, errorMessage *string) error
}

type fileRepo struct {
	db  *DB
	log *slog.Logger
}

func NewFileRepository(db *DB, logger *slog.Logger) FileRepository {
	return &fileRepo{db: db, log: logger}
}

const fileColumns = `id, batch_context, filename, original_filename, size_bytes, period, kind, status,
	result_ref, extracted_data, error_message, created_at, updated_at, processed_at`

func (r *fileRepo) Create(ctx context.Context, rec *entity.FileRecord) error {
	var extracted any
	if len(rec.ExtractedData) > 0 {
		extracted = string(rec.ExtractedData)
	}
	_, err := r.db.sql.ExecContext(ctx, `INSERT INTO file_records (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.BatchContext, rec.Filename, rec.OriginalFilename, rec.SizeBytes,
		rec.Period, string(rec.Kind), string(rec.Status),
		nullStr(rec.ResultRef), extracted, nullStr(rec.ErrorMessage),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatTimePtr(rec.ProcessedAt))
	if err != nil {
		r.log.Error("file_record create failed", "file_id", rec.ID, "error", err)
		return err
	}
	r.log.Info("file_record created", "file_id", rec.ID, "filename", rec.Filename, "kind", rec.Kind)
	return nil
}

func (r *fileRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.FileRecord, error) {
	row := r.db.sql.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM file_records WHERE id = ?`, id.String())
	rec, err := scanFileRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return rec, err
}

func (r *fileRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]entity.FileRecord, error) {
	out := make([]entity.FileRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading file %s: %w", id, err)
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (r *fileRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status constants.FileStatus, resultRef, errorMessage *string) error {
	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !cur.Status.CanTransition(status) {
		return &common.StateError{Message: fmt.Sprintf("file %s cannot move from %s to %s", id, cur.Status, status)}
	}

	now := time.Now()
	var processedAt any
	if status == constants.FileCompleted || status == constants.FileError {
		processedAt = formatTime(now)
	} else {
		processedAt = formatTimePtr(cur.ProcessedAt)
	}
	_, err = r.db.sql.ExecContext(ctx, `UPDATE file_records
		SET status = ?, result_ref = COALESCE(?, result_ref), error_message = COALESCE(?, error_message),
		    updated_at = ?, processed_at = ?
		WHERE id = ?`,
		string(status), nullStr(resultRef), nullStr(errorMessage), formatTime(now), processedAt, id.String())
	if err != nil {
		r.log.Error("file_record status update failed", "file_id", id, "status", status, "error", err)
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(row rowScanner) (*entity.FileRecord, error) {
	var (
		rec                             entity.FileRecord
		id, kind, status, created, upd  string
		resultRef, extracted, errMsg    sql.NullString
		processed                       sql.NullString
	)
	if err := row.Scan(&id, &rec.BatchContext, &rec.Filename, &rec.OriginalFilename, &rec.SizeBytes,
		&rec.Period, &kind, &status, &resultRef, &extracted, &errMsg, &created, &upd, &processed); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing file id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.Kind = constants.DocumentKind(kind)
	rec.Status = constants.FileStatus(status)
	rec.ResultRef = strPtr(resultRef)
	rec.ErrorMessage = strPtr(errMsg)
	if extracted.Valid {
		rec.ExtractedData = []byte(extracted.String)
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, err
	}
	if rec.ProcessedAt, err = parseTimePtr(processed); err != nil {
		return nil, err
	}
	return &rec, nil
}
