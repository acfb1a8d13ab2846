package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/entity"
)

// progressStep is the granularity for progress notifications: callers hear
// about progress only when it crosses a multiple of this, which keeps a
// chatty worker from turning into a notification storm.
const progressStep = 25

// EventType classifies a watch notification.
type EventType string

const (
	EventAppeared EventType = "appeared"
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
)

// Event is one notification delivered to a watch callback.
type Event struct {
	Type   EventType
	Record entity.ProcessingRecord
}

// Target selects what a watch observes: one record, or every active record
// for a batch context.
type Target struct {
	BatchContext string
	ProcessingID *uuid.UUID // nil watches all active records for the context
}

// recordSource is the slice of the processing manager the watcher reads from.
type recordSource interface {
	Get(ctx context.Context, id uuid.UUID) (*entity.ProcessingRecord, error)
	ListActive(ctx context.Context, batchContext string) ([]entity.ProcessingRecord, error)
}

// Config holds the poll intervals; the all-active view polls faster than a
// single-record view.
type Config struct {
	PollAllInterval    time.Duration
	PollSingleInterval time.Duration
}

type Watcher struct {
	source recordSource
	bus    Bus
	cfg    Config
	logger *slog.Logger
}

func NewWatcher(source recordSource, bus Bus, cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollAllInterval <= 0 {
		cfg.PollAllInterval = 5 * time.Second
	}
	if cfg.PollSingleInterval <= 0 {
		cfg.PollSingleInterval = 10 * time.Second
	}
	return &Watcher{source: source, bus: bus, cfg: cfg, logger: logger}
}

// Handle tears a watch down. Stop is synchronous: once it returns, no
// further notification is delivered.
type Handle struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Stop cancels the push subscription and the poll timer and waits for the
// watch loop to exit.
func (h *Handle) Stop() {
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

// Done reports watch termination, either via Stop or self-termination once
// no batch is active.
func (h *Handle) Done() <-chan struct{} { return h.done }

// snapshot is the per-record state a watch compares changes against.
type snapshot struct {
	version  int64
	status   string
	progress int
}

// Watch starts observing target and invokes onChange from a single goroutine
// for every notable change, in arrival order. The watch self-terminates when
// the target's active set becomes empty.
func (w *Watcher) Watch(ctx context.Context, target Target, onChange func(Event)) (*Handle, error) {
	interval := w.cfg.PollSingleInterval
	if target.ProcessingID == nil {
		interval = w.cfg.PollAllInterval
	}

	changes, unsubscribe := w.bus.Subscribe(target.BatchContext)

	h := &Handle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer unsubscribe()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		seen := make(map[uuid.UUID]snapshot)

		// Seed from the current state so the first poll does not replay
		// history as new events.
		active, err := w.fetch(ctx, target)
		if err != nil {
			w.logger.Warn("watch.initial_fetch_failed", "batch_context", target.BatchContext, "error", err)
		}
		activeCount := 0
		for _, rec := range active {
			seen[rec.ID] = snap(rec)
			if !rec.Status.Terminal() {
				activeCount++
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return

			case rec, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				if !w.relevant(target, rec) {
					continue
				}
				activeCount += w.apply(seen, rec, onChange)
				if activeCount <= 0 {
					w.logger.Info("watch.self_terminated", "batch_context", target.BatchContext)
					return
				}

			case <-ticker.C:
				recs, err := w.fetch(ctx, target)
				if err != nil {
					w.logger.Warn("watch.poll_failed", "batch_context", target.BatchContext, "error", err)
					continue
				}
				fetched := make(map[uuid.UUID]struct{}, len(recs))
				activeCount = 0
				for _, rec := range recs {
					fetched[rec.ID] = struct{}{}
					w.apply(seen, rec, onChange)
					if !rec.Status.Terminal() {
						activeCount++
					}
				}
				// A record missing from the active set finished between
				// polls. If the push notification for that transition was
				// dropped, fetch the final state so it still surfaces.
				for id, prev := range seen {
					if _, ok := fetched[id]; ok {
						continue
					}
					if constants.ProcessingStatus(prev.status).Terminal() {
						continue
					}
					rec, err := w.source.Get(ctx, id)
					if err != nil {
						w.logger.Warn("watch.vanished_record_fetch_failed", "processing_id", id, "error", err)
						continue
					}
					w.apply(seen, *rec, onChange)
					if !rec.Status.Terminal() {
						activeCount++
					}
				}
				if activeCount == 0 {
					w.logger.Info("watch.self_terminated", "batch_context", target.BatchContext)
					return
				}
			}
		}
	}()

	return h, nil
}

// fetch loads the watched set: the single record, or all active records for
// the context.
func (w *Watcher) fetch(ctx context.Context, target Target) ([]entity.ProcessingRecord, error) {
	if target.ProcessingID != nil {
		rec, err := w.source.Get(ctx, *target.ProcessingID)
		if err != nil {
			return nil, err
		}
		return []entity.ProcessingRecord{*rec}, nil
	}
	return w.source.ListActive(ctx, target.BatchContext)
}

func (w *Watcher) relevant(target Target, rec entity.ProcessingRecord) bool {
	if rec.BatchContext != target.BatchContext {
		return false
	}
	return target.ProcessingID == nil || *target.ProcessingID == rec.ID
}

// apply folds one observed record into the snapshot map and notifies the
// callback for changes worth surfacing. Stale versions never overwrite a
// newer snapshot. The return value is the active-count delta (-1 when the
// record just went terminal, +1 when a new active record appeared).
func (w *Watcher) apply(seen map[uuid.UUID]snapshot, rec entity.ProcessingRecord, onChange func(Event)) int {
	prev, known := seen[rec.ID]
	if known && rec.Version <= prev.version {
		return 0
	}
	seen[rec.ID] = snap(rec)

	switch {
	case !known:
		onChange(Event{Type: EventAppeared, Record: rec})
		if rec.Status.Terminal() {
			return 0
		}
		return 1

	case string(rec.Status) != prev.status:
		onChange(Event{Type: EventStatus, Record: rec})
		if rec.Status.Terminal() {
			return -1
		}
		return 0

	case rec.Progress/progressStep > prev.progress/progressStep:
		onChange(Event{Type: EventProgress, Record: rec})
		return 0
	}
	return 0
}

func snap(rec entity.ProcessingRecord) snapshot {
	return snapshot{version: rec.Version, status: string(rec.Status), progress: rec.Progress}
}
