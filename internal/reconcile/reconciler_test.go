package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/common"
	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/processing"
	"github.com/rmacedo/docproc/internal/repository"
)

type reconcilerFixture struct {
	reconciler *Reconciler
	manager    *processing.Manager
	files      repository.FileRepository
	logs       repository.LogRepository
	record     *entity.ProcessingRecord
	fileIDs    []uuid.UUID
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	files := repository.NewFileRepository(db, logger)
	logs := repository.NewLogRepository(db, logger)
	mgr := processing.NewManager(repository.NewProcessingRepository(db, logger), logger)

	fileIDs := make([]uuid.UUID, 2)
	now := time.Now()
	for i := range fileIDs {
		fileIDs[i] = uuid.New()
		rec := &entity.FileRecord{
			ID:               fileIDs[i],
			BatchContext:     "acct-1",
			Filename:         fmt.Sprintf("stored_%d.pdf", i),
			OriginalFilename: fmt.Sprintf("payslip_%d.pdf", i),
			SizeBytes:        1024,
			Period:           "05/2024",
			Kind:             constants.KindPayslip,
			Status:           constants.FilePending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := files.Create(ctx, rec); err != nil {
			t.Fatalf("creating file record: %v", err)
		}
	}

	rec, err := mgr.Create(ctx, "acct-1", constants.KindPayslip, "05/2024", fileIDs, "tester")
	if err != nil {
		t.Fatalf("creating processing record: %v", err)
	}

	return &reconcilerFixture{
		reconciler: NewReconciler(mgr, files, logs, time.Second, logger),
		manager:    mgr,
		files:      files,
		logs:       logs,
		record:     rec,
		fileIDs:    fileIDs,
	}
}

// markRunning simulates the dispatch engine's acceptance transition.
func (fx *reconcilerFixture) markRunning(t *testing.T) {
	t.Helper()
	status := constants.ProcessingRunning
	if _, _, err := fx.manager.Update(context.Background(), fx.record.ID, entity.ProcessingPatch{Status: &status}); err != nil {
		t.Fatalf("marking record running: %v", err)
	}
	if err := fx.reconciler.BatchAccepted(context.Background(), fx.record); err != nil {
		t.Fatalf("BatchAccepted: %v", err)
	}
}

func (fx *reconcilerFixture) reload(t *testing.T) *entity.ProcessingRecord {
	t.Helper()
	rec, err := fx.manager.Get(context.Background(), fx.record.ID)
	if err != nil {
		t.Fatalf("reloading record: %v", err)
	}
	return rec
}

func (fx *reconcilerFixture) logCount(t *testing.T) int {
	t.Helper()
	entries, err := fx.logs.ListByProcessing(context.Background(), fx.record.ID)
	if err != nil {
		t.Fatalf("listing logs: %v", err)
	}
	return len(entries)
}

func TestBatchAcceptedMarksFilesInFlight(t *testing.T) {
	fx := newReconcilerFixture(t)
	fx.markRunning(t)

	for _, id := range fx.fileIDs {
		f, err := fx.files.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("loading file: %v", err)
		}
		if f.Status != constants.FileProcessing {
			t.Fatalf("file %s status = %s, want PROCESSING", id, f.Status)
		}
	}
}

func TestApplyCallbackCompletesRecordAndFiles(t *testing.T) {
	fx := newReconcilerFixture(t)
	fx.markRunning(t)

	body := fmt.Sprintf(`{"processing_id": %q, "status": "completed", "result_ref": "https://worker.example/out/1.zip"}`, fx.record.ID)
	if err := fx.reconciler.ApplyCallback(context.Background(), []byte(body)); err != nil {
		t.Fatalf("ApplyCallback: %v", err)
	}

	rec := fx.reload(t)
	if rec.Status != constants.ProcessingCompleted {
		t.Fatalf("record status = %s, want COMPLETED", rec.Status)
	}
	if rec.Progress != 100 {
		t.Fatalf("record progress = %d, want 100", rec.Progress)
	}
	if rec.ResultURL == nil || *rec.ResultURL != "https://worker.example/out/1.zip" {
		t.Fatalf("record result URL = %v", rec.ResultURL)
	}

	for _, id := range fx.fileIDs {
		f, err := fx.files.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("loading file: %v", err)
		}
		if f.Status != constants.FileCompleted {
			t.Fatalf("file %s status = %s, want COMPLETED", id, f.Status)
		}
		if f.ResultRef == nil {
			t.Fatalf("file %s has no result reference", id)
		}
		if f.ProcessedAt == nil {
			t.Fatalf("file %s has no processed timestamp", id)
		}
	}
}

func TestApplyCallbackTerminalRedeliveryIsNoOp(t *testing.T) {
	fx := newReconcilerFixture(t)
	fx.markRunning(t)

	body := fmt.Sprintf(`{"processing_id": %q, "status": "completed", "result_ref": "https://worker.example/out/1.zip"}`, fx.record.ID)
	if err := fx.reconciler.ApplyCallback(context.Background(), []byte(body)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	logsBefore := fx.logCount(t)
	versionBefore := fx.reload(t).Version

	// The worker retries the same terminal callback.
	if err := fx.reconciler.ApplyCallback(context.Background(), []byte(body)); err != nil {
		t.Fatalf("re-delivery must not error: %v", err)
	}

	if got := fx.logCount(t); got != logsBefore {
		t.Fatalf("re-delivery appended a log entry: %d -> %d", logsBefore, got)
	}
	if v := fx.reload(t).Version; v != versionBefore {
		t.Fatalf("re-delivery bumped the version: %d -> %d", versionBefore, v)
	}
}

func TestApplyCallbackErrorFailsRecordAndFiles(t *testing.T) {
	fx := newReconcilerFixture(t)
	fx.markRunning(t)

	body := fmt.Sprintf(`{"processing_id": %q, "status": "error", "error_message": "conversion blew up"}`, fx.record.ID)
	if err := fx.reconciler.ApplyCallback(context.Background(), []byte(body)); err != nil {
		t.Fatalf("ApplyCallback: %v", err)
	}

	rec := fx.reload(t)
	if rec.Status != constants.ProcessingError {
		t.Fatalf("record status = %s, want ERROR", rec.Status)
	}
	if rec.ErrorMessage == nil || *rec.ErrorMessage != "conversion blew up" {
		t.Fatalf("record error message = %v", rec.ErrorMessage)
	}

	entries, err := fx.logs.ListByProcessing(context.Background(), fx.record.ID)
	if err != nil {
		t.Fatalf("listing logs: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Level != constants.LogError || last.Message != "conversion blew up" {
		t.Fatalf("last log entry = %s %q", last.Level, last.Message)
	}

	for _, id := range fx.fileIDs {
		f, _ := fx.files.GetByID(context.Background(), id)
		if f.Status != constants.FileError {
			t.Fatalf("file %s status = %s, want ERROR", id, f.Status)
		}
	}
}

func TestApplyCallbackProgressOnly(t *testing.T) {
	fx := newReconcilerFixture(t)
	fx.markRunning(t)

	body := fmt.Sprintf(`{"processing_id": %q, "status": "processing", "progress": 60}`, fx.record.ID)
	if err := fx.reconciler.ApplyCallback(context.Background(), []byte(body)); err != nil {
		t.Fatalf("ApplyCallback: %v", err)
	}

	rec := fx.reload(t)
	if rec.Status != constants.ProcessingRunning || rec.Progress != 60 {
		t.Fatalf("record = %s/%d, want PROCESSING/60", rec.Status, rec.Progress)
	}
}

func TestApplyCallbackRejectsMalformedBodies(t *testing.T) {
	fx := newReconcilerFixture(t)
	fx.markRunning(t)
	versionBefore := fx.reload(t).Version

	bad := []string{
		`{"status": "completed"}`,                             // missing processing_id
		fmt.Sprintf(`{"processing_id": %q}`, fx.record.ID),    // missing status
		fmt.Sprintf(`{"processing_id": %q, "status": "exploded"}`, fx.record.ID),
		fmt.Sprintf(`{"processing_id": %q, "status": "processing", "progress": 250}`, fx.record.ID),
		fmt.Sprintf(`{"processing_id": %q, "status": "processing", "flavor": "mint"}`, fx.record.ID),
		`not json at all`,
	}
	for _, body := range bad {
		if err := fx.reconciler.ApplyCallback(context.Background(), []byte(body)); err == nil {
			t.Errorf("body %q was accepted", body)
		}
	}

	if v := fx.reload(t).Version; v != versionBefore {
		t.Fatalf("a rejected callback mutated the record: version %d -> %d", versionBefore, v)
	}
}

func TestApplyCallbackUnknownRecord(t *testing.T) {
	fx := newReconcilerFixture(t)

	body := fmt.Sprintf(`{"processing_id": %q, "status": "completed"}`, uuid.New())
	err := fx.reconciler.ApplyCallback(context.Background(), []byte(body))
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveResultDownloadsAndCompletes(t *testing.T) {
	fx := newReconcilerFixture(t)
	fx.markRunning(t)

	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("zip bytes"))
	}))
	defer artifact.Close()

	if err := fx.reconciler.ResolveResult(context.Background(), fx.record.ID, artifact.URL); err != nil {
		t.Fatalf("ResolveResult: %v", err)
	}

	rec := fx.reload(t)
	if rec.Status != constants.ProcessingCompleted {
		t.Fatalf("record status = %s, want COMPLETED", rec.Status)
	}
	if rec.ResultURL == nil || *rec.ResultURL != artifact.URL {
		t.Fatalf("record result URL = %v", rec.ResultURL)
	}
}

func TestResolveResultFailedDownloadKeepsProcessing(t *testing.T) {
	fx := newReconcilerFixture(t)
	fx.markRunning(t)

	var healthy bool
	artifact := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("zip bytes"))
	}))
	defer artifact.Close()

	if err := fx.reconciler.ResolveResult(context.Background(), fx.record.ID, artifact.URL); err == nil {
		t.Fatal("expected a download error")
	}

	rec := fx.reload(t)
	if rec.Status != constants.ProcessingRunning {
		t.Fatalf("record status = %s, want PROCESSING (never a false COMPLETED)", rec.Status)
	}
	if rec.ErrorMessage == nil {
		t.Fatal("record carries no explanation for the missing artifact")
	}

	// The artifact becomes retrievable later and the retry completes the batch.
	healthy = true
	if err := fx.reconciler.ResolveResult(context.Background(), fx.record.ID, artifact.URL); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if rec := fx.reload(t); rec.Status != constants.ProcessingCompleted {
		t.Fatalf("record status = %s, want COMPLETED", rec.Status)
	}
}
