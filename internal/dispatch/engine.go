// Package dispatch sends admitted batches to the external conversion worker
// and guarantees the processing record never stays PENDING afterwards: every
// path out of Dispatch leaves it PROCESSING or ERROR.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/common"
	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/processing"
	"github.com/rmacedo/docproc/internal/repository"
)

// acceptedProgressFloor signals the batch left the queue.
const acceptedProgressFloor = 10

// Config is the engine's explicit configuration; the engine never reads the
// environment itself.
type Config struct {
	Endpoint       string
	CallbackURL    string
	RequestTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
}

// Resolver is the slice of the reconciler the engine needs: marking the
// batch's files in flight on acceptance and chasing a synchronous result.
type Resolver interface {
	BatchAccepted(ctx context.Context, rec *entity.ProcessingRecord) error
	ResolveResult(ctx context.Context, processingID uuid.UUID, resultRef string) error
}

type Engine struct {
	cfg      Config
	client   *http.Client
	manager  *processing.Manager
	logs     repository.LogRepository
	resolver Resolver
	logger   *slog.Logger
}

func NewEngine(cfg Config, manager *processing.Manager, logs repository.LogRepository, resolver Resolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		manager:  manager,
		logs:     logs,
		resolver: resolver,
		logger:   logger,
	}
}

type workerFile struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Filename string `json:"filename"`
}

type workerPayload struct {
	ProcessingID string       `json:"processing_id"`
	BatchContext string       `json:"batch_context"`
	Kind         string       `json:"kind"`
	Period       string       `json:"period"`
	CallbackURL  string       `json:"callback_url"`
	Files        []workerFile `json:"files"`
}

// workerResponse is the optional structured body of a 2xx acknowledgment.
// An empty or unparsable body counts as an implicit acceptance.
type workerResponse struct {
	Success              *bool  `json:"success,omitempty"`
	Status               string `json:"status,omitempty"`
	Progress             *int   `json:"progress,omitempty"`
	ResultURL            string `json:"result_url,omitempty"`
	EstimatedTimeMinutes *int   `json:"estimated_time_minutes,omitempty"`
	Error                string `json:"error,omitempty"`
}

// Dispatch sends the batch as one request, retrying transient failures with
// exponential backoff. Terminal failure marks the record ERROR; acceptance
// marks it PROCESSING with a non-zero progress floor.
func (e *Engine) Dispatch(ctx context.Context, rec *entity.ProcessingRecord, files []entity.FileRecord) error {
	payload := workerPayload{
		ProcessingID: rec.ID.String(),
		BatchContext: rec.BatchContext,
		Kind:         string(rec.Kind),
		Period:       rec.Period,
		CallbackURL:  e.cfg.CallbackURL,
		Files:        make([]workerFile, len(files)),
	}
	for i, f := range files {
		payload.Files[i] = workerFile{ID: f.ID.String(), Content: f.Content, Filename: f.OriginalFilename}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return e.fail(ctx, rec, fmt.Sprintf("encoding dispatch payload: %v", err))
	}

	raw, sendErr := e.sendWithRetry(ctx, rec, body)
	if sendErr != nil {
		return e.fail(ctx, rec, sendErr.Error())
	}

	return e.accepted(ctx, rec, raw)
}

// sendWithRetry posts the payload up to MaxAttempts times. Connection
// failures, timeouts and 5xx responses back off base*2^(attempt-1) and retry;
// 4xx responses are permanent. Before each retry the record is re-read so an
// externally cancelled batch stops the loop.
func (e *Engine) sendWithRetry(ctx context.Context, rec *entity.ProcessingRecord, body []byte) ([]byte, error) {
	reqID := uuid.New().String()
	var lastErr *common.DispatchError

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			cur, err := e.manager.Get(ctx, rec.ID)
			if err == nil && cur.Status.Terminal() {
				e.logger.Warn("dispatch.cancelled_externally", "req_id", reqID, "processing_id", rec.ID, "status", cur.Status)
				return nil, lastErr
			}
			delay := e.cfg.BackoffBase * (1 << (attempt - 2))
			select {
			case <-ctx.Done():
				return nil, &common.DispatchError{Transient: true, Message: "dispatch cancelled", Cause: ctx.Err()}
			case <-time.After(delay):
			}
		}

		raw, derr := e.send(ctx, reqID, attempt, body)
		if derr == nil {
			return raw, nil
		}
		lastErr = derr
		if !derr.Transient {
			return nil, derr
		}
	}
	return nil, lastErr
}

func (e *Engine) send(ctx context.Context, reqID string, attempt int, body []byte) ([]byte, *common.DispatchError) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &common.DispatchError{Transient: false, Message: "building worker request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	e.logger.Info("dispatch.request", "req_id", reqID, "attempt", attempt, "url", e.cfg.Endpoint, "content_length", len(body))

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Error("dispatch.send_error", "req_id", reqID, "attempt", attempt, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, &common.DispatchError{Transient: true, Message: "worker unreachable", Cause: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	e.logger.Info("dispatch.response", "req_id", reqID, "attempt", attempt, "status", resp.StatusCode, "bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode/100 == 2:
		return raw, nil
	case resp.StatusCode/100 == 5:
		return nil, &common.DispatchError{StatusCode: resp.StatusCode, Transient: true,
			Message: fmt.Sprintf("worker returned HTTP %d", resp.StatusCode)}
	default:
		return nil, &common.DispatchError{StatusCode: resp.StatusCode, Transient: false,
			Message: fmt.Sprintf("worker rejected the batch with HTTP %d", resp.StatusCode)}
	}
}

// accepted interprets a 2xx body and moves the record to PROCESSING, or to
// ERROR when the body is a well-formed rejection.
func (e *Engine) accepted(ctx context.Context, rec *entity.ProcessingRecord, raw []byte) error {
	var resp workerResponse
	parsed := len(raw) > 0 && json.Unmarshal(raw, &resp) == nil

	if parsed && resp.Success != nil && !*resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "worker rejected the batch"
		}
		return e.fail(ctx, rec, msg)
	}

	progress := acceptedProgressFloor
	if parsed && resp.Progress != nil && *resp.Progress > progress {
		progress = *resp.Progress
	}
	status := constants.ProcessingRunning
	patch := entity.ProcessingPatch{
		Status:   &status,
		Progress: &progress,
	}
	if parsed {
		patch.EstimatedTimeMinutes = resp.EstimatedTimeMinutes
	}
	if len(raw) > 0 {
		patch.WorkerResponse = raw
	}

	if _, _, err := e.manager.Update(ctx, rec.ID, patch); err != nil {
		return fmt.Errorf("marking %s accepted: %w", rec.ID, err)
	}
	if _, err := e.logs.Append(ctx, rec.ID, constants.LogInfo, "batch accepted by worker", raw); err != nil {
		e.logger.Warn("dispatch.log_append_failed", "processing_id", rec.ID, "error", err)
	}
	if err := e.resolver.BatchAccepted(ctx, rec); err != nil {
		e.logger.Warn("dispatch.mark_files_failed", "processing_id", rec.ID, "error", err)
	}

	// A synchronous result reference short-circuits the callback path.
	if parsed && resp.ResultURL != "" {
		if err := e.resolver.ResolveResult(ctx, rec.ID, resp.ResultURL); err != nil {
			e.logger.Warn("dispatch.sync_result_failed", "processing_id", rec.ID, "error", err)
		}
	}
	return nil
}

// fail marks the record ERROR with a human-readable message and appends an
// error-level log entry.
func (e *Engine) fail(ctx context.Context, rec *entity.ProcessingRecord, message string) error {
	if message == "" {
		message = "dispatch failed"
	}
	status := constants.ProcessingError
	if _, _, err := e.manager.Update(ctx, rec.ID, entity.ProcessingPatch{
		Status:       &status,
		ErrorMessage: &message,
	}); err != nil {
		e.logger.Error("dispatch.fail_transition_failed", "processing_id", rec.ID, "error", err)
		return err
	}
	if _, err := e.logs.Append(ctx, rec.ID, constants.LogError, message, nil); err != nil {
		e.logger.Warn("dispatch.log_append_failed", "processing_id", rec.ID, "error", err)
	}
	return fmt.Errorf("dispatch failed for %s: %s", rec.ID, message)
}
