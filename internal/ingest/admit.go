// Package ingest turns validated candidate files into persisted file records.
package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/common"
	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/repository"
	"github.com/rmacedo/docproc/internal/validate"
)

// Admitter encodes admitted files for transfer and persists their records.
type Admitter struct {
	files  repository.FileRepository
	logger *slog.Logger
}

func NewAdmitter(files repository.FileRepository, logger *slog.Logger) *Admitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admitter{files: files, logger: logger}
}

// Outcome is the admission result for one candidate file.
type Outcome struct {
	Filename string
	Record   *entity.FileRecord
	Err      error
}

// Admit encodes one candidate and persists a pending FileRecord. A
// persistence failure aborts only this file and is reported as a StorageError.
func (a *Admitter) Admit(ctx context.Context, c validate.Candidate, batchContext string, kind constants.DocumentKind, period string) (*entity.FileRecord, error) {
	now := time.Now()
	rec := &entity.FileRecord{
		ID:               uuid.New(),
		BatchContext:     batchContext,
		Filename:         storedName(c.Filename, now),
		OriginalFilename: c.Filename,
		SizeBytes:        c.SizeBytes,
		Period:           period,
		Kind:             kind,
		Status:           constants.FilePending,
		CreatedAt:        now,
		UpdatedAt:        now,
		Content:          base64.StdEncoding.EncodeToString(c.Content),
	}

	if err := a.files.Create(ctx, rec); err != nil {
		return nil, &common.StorageError{Op: "admit " + c.Filename, Cause: err}
	}
	return rec, nil
}

// AdmitAll admits candidates concurrently, bounded by the kind's batch cap.
// Every candidate gets an outcome; one file's failure never aborts the rest.
func (a *Admitter) AdmitAll(ctx context.Context, candidates []validate.Candidate, batchContext string, kind constants.DocumentKind, period string) []Outcome {
	outcomes := make([]Outcome, len(candidates))

	limit := len(candidates)
	if spec, ok := constants.SpecFor(kind); ok && spec.MaxBatchFiles < limit {
		limit = spec.MaxBatchFiles
	}
	if limit < 1 {
		limit = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			rec, err := a.Admit(gctx, c, batchContext, kind, period)
			mu.Lock()
			outcomes[i] = Outcome{Filename: c.Filename, Record: rec, Err: err}
			mu.Unlock()
			if err != nil {
				a.logger.Error("file admission failed", "batch_context", batchContext, "filename", c.Filename, "error", err)
			}
			return nil // collected per file, never aborts the group
		})
	}
	_ = g.Wait()

	return outcomes
}

// storedName namespaces the original filename with a timestamp so repeated
// uploads of the same document stay distinguishable.
func storedName(original string, now time.Time) string {
	return fmt.Sprintf("%d_%s", now.UnixMilli(), original)
}
