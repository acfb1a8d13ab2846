package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/entity"
)

type LogRepository interface {
	Append(ctx context.Context, processingID uuid.UUID, level constants.LogLevel, message string, metadata []byte) (*entity.ProcessingLogEntry, error)
	ListByProcessing(ctx context.Context, processingID uuid.UUID) ([]entity.ProcessingLogEntry, error)
}

type logRepo struct {
	db  *DB
	log *slog.Logger
}

func NewLogRepository(db *DB, logger *slog.Logger) LogRepository {
	return &logRepo{db: db, log: logger}
}

func (r *logRepo) Append(ctx context.Context, processingID uuid.UUID, level constants.LogLevel, message string, metadata []byte) (*entity.ProcessingLogEntry, error) {
	entry := &entity.ProcessingLogEntry{
		ID:           uuid.New(),
		ProcessingID: processingID,
		Level:        level,
		Message:      message,
		Metadata:     metadata,
		CreatedAt:    time.Now(),
	}
	var meta any
	if len(metadata) > 0 {
		meta = string(metadata)
	}
	_, err := r.db.sql.ExecContext(ctx,
		`INSERT INTO processing_logs (id, processing_id, level, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), processingID.String(), string(level), message, meta, formatTime(entry.CreatedAt))
	if err != nil {
		r.log.Error("processing_log append failed", "processing_id", processingID, "error", err)
		return nil, err
	}
	return entry, nil
}

func (r *logRepo) ListByProcessing(ctx context.Context, processingID uuid.UUID) ([]entity.ProcessingLogEntry, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT id, processing_id, level, message, metadata, created_at
		 FROM processing_logs WHERE processing_id = ? ORDER BY created_at`, processingID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.ProcessingLogEntry
	for rows.Next() {
		var (
			e          entity.ProcessingLogEntry
			id, pid    string
			level      string
			meta       sql.NullString
			created    string
		)
		if err := rows.Scan(&id, &pid, &level, &e.Message, &meta, &created); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if e.ProcessingID, err = uuid.Parse(pid); err != nil {
			return nil, err
		}
		e.Level = constants.LogLevel(level)
		if meta.Valid {
			e.Metadata = []byte(meta.String)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
