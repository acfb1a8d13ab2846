package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/processing"
	"github.com/rmacedo/docproc/internal/repository"
)

type resolverStub struct {
	accepted []uuid.UUID
	resolved []string
}

func (r *resolverStub) BatchAccepted(_ context.Context, rec *entity.ProcessingRecord) error {
	r.accepted = append(r.accepted, rec.ID)
	return nil
}

func (r *resolverStub) ResolveResult(_ context.Context, _ uuid.UUID, resultRef string) error {
	r.resolved = append(r.resolved, resultRef)
	return nil
}

type engineFixture struct {
	manager  *processing.Manager
	logs     repository.LogRepository
	resolver *resolverStub
	record   *entity.ProcessingRecord
	files    []entity.FileRecord
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mgr := processing.NewManager(repository.NewProcessingRepository(db, logger), logger)
	fileID := uuid.New()
	rec, err := mgr.Create(context.Background(), "acct-1", constants.KindPayslip, "05/2024", []uuid.UUID{fileID}, "tester")
	if err != nil {
		t.Fatalf("creating record: %v", err)
	}
	return &engineFixture{
		manager:  mgr,
		logs:     repository.NewLogRepository(db, logger),
		resolver: &resolverStub{},
		record:   rec,
		files:    []entity.FileRecord{{ID: fileID, OriginalFilename: "jan.pdf", Content: "ZGF0YQ=="}},
	}
}

func (fx *engineFixture) engine(t *testing.T, endpoint string, maxAttempts int) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(Config{
		Endpoint:       endpoint,
		CallbackURL:    "http://localhost/v1/callbacks/processing",
		RequestTimeout: 2 * time.Second,
		MaxAttempts:    maxAttempts,
		BackoffBase:    time.Millisecond,
	}, fx.manager, fx.logs, fx.resolver, logger)
}

func (fx *engineFixture) reload(t *testing.T) *entity.ProcessingRecord {
	t.Helper()
	rec, err := fx.manager.Get(context.Background(), fx.record.ID)
	if err != nil {
		t.Fatalf("reloading record: %v", err)
	}
	return rec
}

func TestDispatchEmptyAcknowledgmentAccepts(t *testing.T) {
	fx := newEngineFixture(t)
	var requests atomic.Int32
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer worker.Close()

	if err := fx.engine(t, worker.URL, 3).Dispatch(context.Background(), fx.record, fx.files); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	rec := fx.reload(t)
	if rec.Status != constants.ProcessingRunning {
		t.Fatalf("record status = %s, want PROCESSING", rec.Status)
	}
	if rec.Progress != 10 {
		t.Fatalf("record progress = %d, want the accepted floor of 10", rec.Progress)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("worker saw %d requests, want 1", got)
	}
	if len(fx.resolver.accepted) != 1 {
		t.Fatalf("resolver saw %d accepted batches, want 1", len(fx.resolver.accepted))
	}

	entries, err := fx.logs.ListByProcessing(context.Background(), fx.record.ID)
	if err != nil {
		t.Fatalf("listing logs: %v", err)
	}
	if len(entries) != 1 || entries[0].Level != constants.LogInfo {
		t.Fatalf("expected one info log entry, got %+v", entries)
	}
}

func TestDispatchStructuredAcknowledgment(t *testing.T) {
	fx := newEngineFixture(t)
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "progress": 55, "estimated_time_minutes": 7}`))
	}))
	defer worker.Close()

	if err := fx.engine(t, worker.URL, 3).Dispatch(context.Background(), fx.record, fx.files); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	rec := fx.reload(t)
	if rec.Status != constants.ProcessingRunning {
		t.Fatalf("record status = %s, want PROCESSING", rec.Status)
	}
	if rec.Progress != 55 {
		t.Fatalf("record progress = %d, want the worker's 55", rec.Progress)
	}
	if rec.EstimatedTimeMinutes == nil || *rec.EstimatedTimeMinutes != 7 {
		t.Fatalf("record estimate = %v, want 7", rec.EstimatedTimeMinutes)
	}
	if len(rec.WorkerResponse) == 0 {
		t.Fatal("raw worker response was not stored")
	}
}

func TestDispatchSynchronousResultResolves(t *testing.T) {
	fx := newEngineFixture(t)
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "result_url": "https://worker.example/out/1.zip"}`))
	}))
	defer worker.Close()

	if err := fx.engine(t, worker.URL, 3).Dispatch(context.Background(), fx.record, fx.files); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(fx.resolver.resolved) != 1 || fx.resolver.resolved[0] != "https://worker.example/out/1.zip" {
		t.Fatalf("resolver resolved = %v", fx.resolver.resolved)
	}
}

func TestDispatchWellFormedRejectionFails(t *testing.T) {
	fx := newEngineFixture(t)
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "error": "archive is corrupt"}`))
	}))
	defer worker.Close()

	if err := fx.engine(t, worker.URL, 3).Dispatch(context.Background(), fx.record, fx.files); err == nil {
		t.Fatal("expected Dispatch to report the rejection")
	}

	rec := fx.reload(t)
	if rec.Status != constants.ProcessingError {
		t.Fatalf("record status = %s, want ERROR", rec.Status)
	}
	if rec.ErrorMessage == nil || *rec.ErrorMessage != "archive is corrupt" {
		t.Fatalf("record error message = %v", rec.ErrorMessage)
	}
	if len(fx.resolver.accepted) != 0 {
		t.Fatal("a rejected batch must not mark files in flight")
	}
}

func TestDispatchRetriesServerErrorsThenFails(t *testing.T) {
	fx := newEngineFixture(t)
	var requests atomic.Int32
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer worker.Close()

	if err := fx.engine(t, worker.URL, 3).Dispatch(context.Background(), fx.record, fx.files); err == nil {
		t.Fatal("expected Dispatch to fail after exhausting attempts")
	}

	if got := requests.Load(); got != 3 {
		t.Fatalf("worker saw %d requests, want exactly 3", got)
	}
	rec := fx.reload(t)
	if rec.Status != constants.ProcessingError {
		t.Fatalf("record status = %s, want ERROR", rec.Status)
	}

	entries, err := fx.logs.ListByProcessing(context.Background(), fx.record.ID)
	if err != nil {
		t.Fatalf("listing logs: %v", err)
	}
	if len(entries) != 1 || entries[0].Level != constants.LogError {
		t.Fatalf("expected one error log entry, got %+v", entries)
	}
}

func TestDispatchClientErrorIsPermanent(t *testing.T) {
	fx := newEngineFixture(t)
	var requests atomic.Int32
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer worker.Close()

	if err := fx.engine(t, worker.URL, 3).Dispatch(context.Background(), fx.record, fx.files); err == nil {
		t.Fatal("expected Dispatch to fail")
	}

	if got := requests.Load(); got != 1 {
		t.Fatalf("worker saw %d requests, want 1 (4xx must not retry)", got)
	}
	if rec := fx.reload(t); rec.Status != constants.ProcessingError {
		t.Fatalf("record status = %s, want ERROR", rec.Status)
	}
}

func TestDispatchUnreachableWorkerNeverLeavesPending(t *testing.T) {
	fx := newEngineFixture(t)
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	worker.Close() // connection refused from the first attempt

	if err := fx.engine(t, worker.URL, 2).Dispatch(context.Background(), fx.record, fx.files); err == nil {
		t.Fatal("expected Dispatch to fail")
	}

	rec := fx.reload(t)
	if rec.Status == constants.ProcessingPending {
		t.Fatal("record must never remain PENDING after dispatch")
	}
	if rec.Status != constants.ProcessingError {
		t.Fatalf("record status = %s, want ERROR", rec.Status)
	}
}

func TestDispatchStopsWhenCancelledExternally(t *testing.T) {
	fx := newEngineFixture(t)
	var requests atomic.Int32
	cancelled := "cancelled by operator"
	status := constants.ProcessingError
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// An operator cancels between the first attempt and the retry.
		if requests.Add(1) == 1 {
			if _, _, err := fx.manager.Update(r.Context(), fx.record.ID, entity.ProcessingPatch{
				Status:       &status,
				ErrorMessage: &cancelled,
			}); err != nil {
				t.Errorf("cancelling record: %v", err)
			}
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer worker.Close()

	fx.engine(t, worker.URL, 3).Dispatch(context.Background(), fx.record, fx.files)

	if got := requests.Load(); got != 1 {
		t.Fatalf("worker saw %d requests, want 1 (retry loop must observe the cancel)", got)
	}
	rec := fx.reload(t)
	if rec.ErrorMessage == nil || *rec.ErrorMessage != cancelled {
		t.Fatalf("cancel message was overwritten: %v", rec.ErrorMessage)
	}
}
