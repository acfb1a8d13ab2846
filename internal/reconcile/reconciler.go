// Package reconcile applies worker-reported outcomes onto local records.
// Results arrive two ways, a result reference in the dispatch response or a
// later asynchronous callback, and both converge on the same update logic.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/processing"
	"github.com/rmacedo/docproc/internal/repository"
)

type Reconciler struct {
	manager         *processing.Manager
	files           repository.FileRepository
	logs            repository.LogRepository
	client          *http.Client
	downloadTimeout time.Duration
	logger          *slog.Logger
}

func NewReconciler(manager *processing.Manager, files repository.FileRepository, logs repository.LogRepository, downloadTimeout time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if downloadTimeout <= 0 {
		downloadTimeout = 30 * time.Second
	}
	return &Reconciler{
		manager:         manager,
		files:           files,
		logs:            logs,
		client:          &http.Client{Timeout: downloadTimeout},
		downloadTimeout: downloadTimeout,
		logger:          logger,
	}
}

// BatchAccepted marks the batch's files in flight after the worker takes the
// batch. File records are only ever mutated here, in the reconciler.
func (r *Reconciler) BatchAccepted(ctx context.Context, rec *entity.ProcessingRecord) error {
	for _, fileID := range rec.FileIDs {
		if err := r.files.UpdateStatus(ctx, fileID, constants.FileProcessing, nil, nil); err != nil {
			return fmt.Errorf("marking file %s processing: %w", fileID, err)
		}
	}
	return nil
}

// ResolveResult downloads the result artifact named by resultRef. Success
// completes the record; a failed download leaves it PROCESSING with an
// explanatory message so an external retry can pick it up later — never a
// false COMPLETED.
func (r *Reconciler) ResolveResult(ctx context.Context, processingID uuid.UUID, resultRef string) error {
	rec, err := r.manager.Get(ctx, processingID)
	if err != nil {
		return err
	}

	if err := r.download(ctx, resultRef); err != nil {
		msg := fmt.Sprintf("batch processed but result not yet retrievable: %v", err)
		r.logger.Warn("reconcile.artifact_download_failed", "processing_id", processingID, "result_ref", resultRef, "error", err)

		status := constants.ProcessingRunning
		if _, _, uerr := r.manager.Update(ctx, processingID, entity.ProcessingPatch{
			Status:       &status,
			ErrorMessage: &msg,
		}); uerr != nil {
			return uerr
		}
		if _, lerr := r.logs.Append(ctx, processingID, constants.LogWarn, msg, nil); lerr != nil {
			r.logger.Warn("reconcile.log_append_failed", "processing_id", processingID, "error", lerr)
		}
		return fmt.Errorf("downloading result for %s: %w", processingID, err)
	}

	return r.complete(ctx, rec, resultRef)
}

// CallbackUpdate is the parsed asynchronous status push from the worker.
type CallbackUpdate struct {
	ProcessingID string `json:"processing_id"`
	Status       string `json:"status"`
	Progress     *int   `json:"progress,omitempty"`
	ResultRef    string `json:"result_ref,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ApplyCallback validates and applies one asynchronous worker callback.
// Re-delivery of a terminal update to an already-terminal record is a no-op:
// no error, no duplicate log entry.
func (r *Reconciler) ApplyCallback(ctx context.Context, body []byte) error {
	if err := validateCallbackBody(body); err != nil {
		return err
	}
	var upd CallbackUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		return fmt.Errorf("parsing callback: %w", err)
	}

	processingID, err := uuid.Parse(upd.ProcessingID)
	if err != nil {
		return fmt.Errorf("parsing processing id %q: %w", upd.ProcessingID, err)
	}
	status := constants.ProcessingStatus(strings.ToUpper(upd.Status))

	_, err = r.manager.Get(ctx, processingID)
	if err != nil {
		return err
	}

	patch := entity.ProcessingPatch{
		Status:   &status,
		Progress: upd.Progress,
	}
	if upd.ErrorMessage != "" {
		patch.ErrorMessage = &upd.ErrorMessage
	}
	if status == constants.ProcessingCompleted && upd.ResultRef != "" {
		patch.ResultURL = &upd.ResultRef
	}

	updated, changed, err := r.manager.Update(ctx, processingID, patch)
	if err != nil {
		return err
	}
	if !changed {
		r.logger.Info("reconcile.callback_noop", "processing_id", processingID, "status", status)
		return nil
	}

	level := constants.LogInfo
	message := fmt.Sprintf("worker reported %s", strings.ToLower(string(status)))
	if status == constants.ProcessingError {
		level = constants.LogError
		if upd.ErrorMessage != "" {
			message = upd.ErrorMessage
		}
	}
	if _, lerr := r.logs.Append(ctx, processingID, level, message, body); lerr != nil {
		r.logger.Warn("reconcile.log_append_failed", "processing_id", processingID, "error", lerr)
	}

	switch status {
	case constants.ProcessingCompleted:
		r.completeFiles(ctx, updated, upd.ResultRef)
	case constants.ProcessingError:
		r.failFiles(ctx, updated, upd.ErrorMessage)
	}

	r.logger.Info("reconcile.callback_applied", "processing_id", processingID, "status", status, "progress", updated.Progress)
	return nil
}

// complete transitions the record and its files to COMPLETED.
func (r *Reconciler) complete(ctx context.Context, rec *entity.ProcessingRecord, resultRef string) error {
	status := constants.ProcessingCompleted
	progress := 100
	updated, changed, err := r.manager.Update(ctx, rec.ID, entity.ProcessingPatch{
		Status:    &status,
		Progress:  &progress,
		ResultURL: &resultRef,
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if _, lerr := r.logs.Append(ctx, rec.ID, constants.LogInfo, "result artifact retrieved", nil); lerr != nil {
		r.logger.Warn("reconcile.log_append_failed", "processing_id", rec.ID, "error", lerr)
	}
	r.completeFiles(ctx, updated, resultRef)
	r.logger.Info("reconcile.completed", "processing_id", rec.ID, "result_ref", resultRef)
	return nil
}

func (r *Reconciler) completeFiles(ctx context.Context, rec *entity.ProcessingRecord, resultRef string) {
	var ref *string
	if resultRef != "" {
		ref = &resultRef
	}
	for _, fileID := range rec.FileIDs {
		if err := r.files.UpdateStatus(ctx, fileID, constants.FileCompleted, ref, nil); err != nil {
			r.logger.Warn("reconcile.file_update_failed", "file_id", fileID, "error", err)
		}
	}
}

func (r *Reconciler) failFiles(ctx context.Context, rec *entity.ProcessingRecord, message string) {
	var msg *string
	if message != "" {
		msg = &message
	}
	for _, fileID := range rec.FileIDs {
		if err := r.files.UpdateStatus(ctx, fileID, constants.FileError, nil, msg); err != nil {
			r.logger.Warn("reconcile.file_update_failed", "file_id", fileID, "error", err)
		}
	}
}

// download fetches the artifact to confirm it is retrievable. The body is
// streamed and discarded; the artifact stays addressed by its URL.
func (r *Reconciler) download(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, r.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("artifact endpoint returned HTTP %d", resp.StatusCode)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}
	return nil
}
