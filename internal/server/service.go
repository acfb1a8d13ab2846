// Package server is the inbound surface of the pipeline: batch submission,
// status and log reads, history, and the worker's callback endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/common"
	"github.com/rmacedo/docproc/internal/dispatch"
	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/ingest"
	"github.com/rmacedo/docproc/internal/processing"
	"github.com/rmacedo/docproc/internal/repository"
	"github.com/rmacedo/docproc/internal/validate"
)

// Service wires the pipeline together behind the operations callers use.
type Service struct {
	admitter *ingest.Admitter
	manager  *processing.Manager
	queue    *dispatch.Queue
	logs     repository.LogRepository
	logger   *slog.Logger
}

func NewService(admitter *ingest.Admitter, manager *processing.Manager, queue *dispatch.Queue, logs repository.LogRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		admitter: admitter,
		manager:  manager,
		queue:    queue,
		logs:     logs,
		logger:   logger,
	}
}

// SubmitFile is one candidate file in a submission.
type SubmitFile struct {
	Filename  string
	MediaType string
	Content   []byte
}

// SubmitRequest carries one batch submission.
type SubmitRequest struct {
	BatchContext string
	Kind         string
	Period       string
	InitiatedBy  string
	Files        []SubmitFile
}

// FileOutcome reports what happened to one submitted file.
type FileOutcome struct {
	Filename string     `json:"filename"`
	Admitted bool       `json:"admitted"`
	FileID   *uuid.UUID `json:"file_id,omitempty"`
	Errors   []string   `json:"errors,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
}

// SubmitResult is the submission response: the created record plus per-file
// outcomes, so a partially admitted batch reports exactly which files made it.
type SubmitResult struct {
	Record   *entity.ProcessingRecord `json:"record"`
	Outcomes []FileOutcome            `json:"files"`
}

// SubmitBatch validates, admits and enqueues one batch. An invalid period or
// kind rejects the whole call before any record is created; individual file
// failures are reported per file while the rest of the batch proceeds.
func (s *Service) SubmitBatch(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	batchContext := strings.TrimSpace(req.BatchContext)
	if batchContext == "" {
		return nil, &common.ValidationError{Rule: "batch_context", Message: "batch context is required"}
	}
	kind, ok := constants.ParseKind(req.Kind)
	if !ok {
		return nil, &common.ValidationError{Rule: "kind", Message: fmt.Sprintf("unknown document kind %q", req.Kind)}
	}
	if err := validate.ValidatePeriod(req.Period, time.Now()); err != nil {
		return nil, &common.ValidationError{Rule: "period", Message: err.Error()}
	}
	if len(req.Files) == 0 {
		return nil, &common.ValidationError{Rule: "files", Message: "a batch needs at least one file"}
	}

	candidates := make([]validate.Candidate, len(req.Files))
	for i, f := range req.Files {
		candidates[i] = validate.Candidate{
			Filename:  f.Filename,
			MediaType: f.MediaType,
			SizeBytes: int64(len(f.Content)),
			Content:   f.Content,
		}
	}

	results := validate.Validate(candidates, nil, kind)
	outcomes := make([]FileOutcome, len(candidates))
	var valid []validate.Candidate
	var validIdx []int
	for i, res := range results {
		outcomes[i] = FileOutcome{Filename: res.Filename, Errors: res.Errors, Warnings: res.Warnings}
		if res.Valid {
			valid = append(valid, candidates[i])
			validIdx = append(validIdx, i)
		}
	}
	if len(valid) == 0 {
		s.logger.Warn("submission rejected: no valid files", "batch_context", batchContext, "kind", kind, "files", len(req.Files))
		return &SubmitResult{Outcomes: outcomes}, &common.ValidationError{Rule: "files", Message: "no file passed validation"}
	}

	admissions := s.admitter.AdmitAll(ctx, valid, batchContext, kind, req.Period)
	var records []entity.FileRecord
	var fileIDs []uuid.UUID
	for j, adm := range admissions {
		i := validIdx[j]
		if adm.Err != nil {
			outcomes[i].Errors = append(outcomes[i].Errors, adm.Err.Error())
			continue
		}
		outcomes[i].Admitted = true
		id := adm.Record.ID
		outcomes[i].FileID = &id
		records = append(records, *adm.Record)
		fileIDs = append(fileIDs, id)
	}
	if len(fileIDs) == 0 {
		return &SubmitResult{Outcomes: outcomes}, &common.ValidationError{Rule: "files", Message: "no file could be admitted"}
	}

	rec, err := s.manager.Create(ctx, batchContext, kind, req.Period, fileIDs, req.InitiatedBy)
	if err != nil {
		return &SubmitResult{Outcomes: outcomes}, err
	}

	if _, err := s.logs.Append(ctx, rec.ID, constants.LogInfo,
		fmt.Sprintf("batch submitted with %d of %d files admitted", len(fileIDs), len(req.Files)), nil); err != nil {
		s.logger.Warn("submit.log_append_failed", "processing_id", rec.ID, "error", err)
	}

	if err := s.queue.Enqueue(ctx, dispatch.Job{Record: rec, Files: records, SubmittedAt: time.Now()}); err != nil {
		// The batch will never dispatch; fail the record rather than
		// leaving it pending forever.
		status := constants.ProcessingError
		msg := "batch could not be queued for dispatch"
		if _, _, uerr := s.manager.Update(ctx, rec.ID, entity.ProcessingPatch{
			Status:       &status,
			ErrorMessage: &msg,
		}); uerr != nil {
			s.logger.Error("submit.enqueue_failure_update_failed", "processing_id", rec.ID, "error", uerr)
		}
		return &SubmitResult{Record: rec, Outcomes: outcomes}, err
	}

	s.logger.Info("batch submitted", "processing_id", rec.ID, "batch_context", batchContext, "kind", kind, "admitted", len(fileIDs), "rejected", len(req.Files)-len(fileIDs))
	return &SubmitResult{Record: rec, Outcomes: outcomes}, nil
}

// GetStatus returns the current processing record.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*entity.ProcessingRecord, error) {
	return s.manager.Get(ctx, id)
}

// GetLogs returns the audit trail for one processing record.
func (s *Service) GetLogs(ctx context.Context, id uuid.UUID) ([]entity.ProcessingLogEntry, error) {
	if _, err := s.manager.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.ListByProcessing(ctx, id)
}

// Cancel marks a non-terminal record as failed on behalf of the operator.
// The dispatch retry loop observes the terminal state and stops; cancelling
// an already-terminal record returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*entity.ProcessingRecord, error) {
	rec, err := s.manager.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	status := constants.ProcessingError
	msg := "cancelled by operator"
	updated, changed, err := s.manager.Update(ctx, id, entity.ProcessingPatch{
		Status:       &status,
		ErrorMessage: &msg,
	})
	if err != nil {
		return nil, err
	}
	if changed {
		if _, lerr := s.logs.Append(ctx, id, constants.LogWarn, msg, nil); lerr != nil {
			s.logger.Warn("cancel.log_append_failed", "processing_id", id, "error", lerr)
		}
	}
	return updated, nil
}
