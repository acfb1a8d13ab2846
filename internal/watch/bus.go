// Package watch fans processing record changes out to interested callers,
// by push subscription where a change bus is available and by adaptive
// polling otherwise. Every watch has exactly one teardown path.
package watch

import (
	"sync"

	"github.com/rmacedo/docproc/internal/entity"
)

// Bus carries record changes to subscribers. Publish never blocks the
// writer; a slow subscriber loses intermediate changes and catches up from
// the poll path.
type Bus interface {
	Publish(rec entity.ProcessingRecord)
	// Subscribe returns a change channel for one batch context and a
	// cancel function that closes it.
	Subscribe(batchContext string) (<-chan entity.ProcessingRecord, func())
}

// MemoryBus is the in-process Bus used when no redis address is configured,
// and by tests.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan entity.ProcessingRecord
	next int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]chan entity.ProcessingRecord)}
}

func (b *MemoryBus) Publish(rec entity.ProcessingRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[rec.BatchContext] {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (b *MemoryBus) Subscribe(batchContext string) (<-chan entity.ProcessingRecord, func()) {
	ch := make(chan entity.ProcessingRecord, 64)

	b.mu.Lock()
	if b.subs[batchContext] == nil {
		b.subs[batchContext] = make(map[int]chan entity.ProcessingRecord)
	}
	id := b.next
	b.next++
	b.subs[batchContext][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[batchContext][id]; ok {
			delete(b.subs[batchContext], id)
			close(sub)
		}
	}
	return ch, cancel
}
