// Package processing owns the ProcessingRecord state machine. Every write to
// a record goes through Manager.Update, which is what keeps status, progress,
// result URL and completion timestamp mutually consistent.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/common"
	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/repository"
)

// casAttempts bounds the read-modify-write retry loop on version races.
const casAttempts = 3

type Manager struct {
	repo   repository.ProcessingRepository
	logger *slog.Logger
	notify func(entity.ProcessingRecord)
}

func NewManager(repo repository.ProcessingRepository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repo: repo, logger: logger}
}

// SetNotifier registers a hook invoked after every persisted change. The
// watch layer's change bus plugs in here; set it before any writes happen.
func (m *Manager) SetNotifier(fn func(entity.ProcessingRecord)) {
	m.notify = fn
}

// Create stamps a new pending record for the batch. It refuses an empty or
// over-cap file set, and refuses the whole call while a non-terminal record
// for the same context, kind, period and file set exists (double-dispatch
// guard; the fingerprint check and insert share one transaction).
func (m *Manager) Create(ctx context.Context, batchContext string, kind constants.DocumentKind, period string, fileIDs []uuid.UUID, initiatedBy string) (*entity.ProcessingRecord, error) {
	if len(fileIDs) == 0 {
		return nil, &common.StateError{Message: "a batch needs at least one file"}
	}
	spec, ok := constants.SpecFor(kind)
	if !ok {
		return nil, &common.StateError{Message: fmt.Sprintf("unknown document kind %q", kind)}
	}
	if len(fileIDs) > spec.MaxBatchFiles {
		return nil, &common.StateError{Message: fmt.Sprintf("batch of %d files exceeds the cap of %d for %s", len(fileIDs), spec.MaxBatchFiles, kind)}
	}

	rec := &entity.ProcessingRecord{
		ID:           uuid.New(),
		BatchContext: batchContext,
		Kind:         kind,
		Period:       period,
		FileIDs:      fileIDs,
		Status:       constants.ProcessingPending,
		Progress:     0,
		StartedAt:    time.Now(),
		InitiatedBy:  initiatedBy,
		Version:      1,
	}
	if err := m.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicateBatch) {
			return nil, &common.StateError{Message: "this batch is already being processed"}
		}
		return nil, err
	}
	m.logger.Info("processing created", "processing_id", rec.ID, "batch_context", batchContext, "kind", kind, "period", period, "files", len(fileIDs))
	if m.notify != nil {
		m.notify(*rec)
	}
	return rec, nil
}

// Get returns the record or common.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*entity.ProcessingRecord, error) {
	return m.repo.Get(ctx, id)
}

// ListActive returns the non-terminal records for one context.
func (m *Manager) ListActive(ctx context.Context, batchContext string) ([]entity.ProcessingRecord, error) {
	return m.repo.ListActive(ctx, batchContext)
}

// Update applies patch all-or-nothing. The returned bool is false when the
// patch was an idempotent re-application of the record's terminal state (a
// no-op by design, so callers skip their side effects). Invariant violations
// return a StateError and write nothing.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, patch entity.ProcessingPatch) (*entity.ProcessingRecord, bool, error) {
	for attempt := 1; ; attempt++ {
		rec, err := m.repo.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}

		next, changed, err := applyPatch(rec, patch)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return rec, false, nil
		}

		if err := m.repo.Update(ctx, next); err != nil {
			if errors.Is(err, repository.ErrStaleVersion) && attempt < casAttempts {
				continue
			}
			return nil, false, err
		}

		m.logger.Info("processing updated",
			"processing_id", id, "status", next.Status, "progress", next.Progress, "version", next.Version)
		if m.notify != nil {
			m.notify(*next)
		}
		return next, true, nil
	}
}

// applyPatch computes the next record state, enforcing the invariants:
// status never regresses, terminal records are immutable (same-status
// re-application is a no-op), progress is monotonic while non-terminal,
// result URL exists only on completed records, completedAt iff terminal.
func applyPatch(rec *entity.ProcessingRecord, patch entity.ProcessingPatch) (*entity.ProcessingRecord, bool, error) {
	if rec.Status.Terminal() {
		if patch.Status != nil && *patch.Status == rec.Status {
			return rec, false, nil
		}
		return nil, false, &common.StateError{Message: fmt.Sprintf("record %s is already %s", rec.ID, rec.Status)}
	}

	next := *rec
	next.FileIDs = rec.FileIDs

	if patch.Status != nil {
		s := *patch.Status
		if !s.Valid() {
			return nil, false, &common.StateError{Message: fmt.Sprintf("unknown status %q", s)}
		}
		if s == constants.ProcessingPending && rec.Status != constants.ProcessingPending {
			return nil, false, &common.StateError{Message: "status cannot regress to PENDING"}
		}
		next.Status = s
	}

	if patch.Progress != nil {
		p := *patch.Progress
		if p < 0 || p > 100 {
			return nil, false, &common.StateError{Message: fmt.Sprintf("progress %d out of range", p)}
		}
		if p < rec.Progress {
			return nil, false, &common.StateError{Message: fmt.Sprintf("progress cannot drop from %d to %d", rec.Progress, p)}
		}
		next.Progress = p
	}

	if patch.EstimatedTimeMinutes != nil {
		next.EstimatedTimeMinutes = patch.EstimatedTimeMinutes
	}
	if patch.ErrorMessage != nil {
		next.ErrorMessage = patch.ErrorMessage
	}
	if len(patch.WorkerResponse) > 0 {
		next.WorkerResponse = patch.WorkerResponse
	}

	if patch.ResultURL != nil {
		if next.Status != constants.ProcessingCompleted {
			return nil, false, &common.StateError{Message: "result URL is only valid on a COMPLETED record"}
		}
		next.ResultURL = patch.ResultURL
	}

	if next.Status.Terminal() {
		now := time.Now()
		next.CompletedAt = &now
		if next.Status == constants.ProcessingCompleted {
			next.Progress = 100
		}
		if next.Status == constants.ProcessingError && (next.ErrorMessage == nil || *next.ErrorMessage == "") {
			return nil, false, &common.StateError{Message: "an ERROR record needs a non-empty error message"}
		}
	}

	return &next, true, nil
}
