package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEnqueueAfterShutdownReturnsError(t *testing.T) {
	fx := newEngineFixture(t)
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer worker.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := NewQueue(fx.engine(t, worker.URL, 1), logger, WithWorkers(1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	err := q.Enqueue(context.Background(), Job{Record: fx.record, Files: fx.files, SubmittedAt: time.Now()})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after shutdown = %v, want ErrQueueClosed", err)
	}
}
