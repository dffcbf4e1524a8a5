// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package changes

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/schema"
)

// Listener receives debounced batches. It must not block: the processor
// spawns its work and returns.
type Listener func(ctx context.Context, batch Batch)

// Debouncer sinks individual change events and emits coalesced batches
// to a single listener after a quiet window. The latest event for a
// given object identifier replaces any earlier one, so a create
// followed by a modify and a delete within one window emits a single
// delete.
//
// architecture: Service
type Debouncer struct {
	log      *zap.Logger
	window   time.Duration
	listener Listener

	mu      sync.Mutex
	ctx     context.Context
	buckets map[uuid.UUID]*bucket
	closed  bool

	nowFn func() time.Time
}

type bucket struct {
	mu        sync.Mutex
	pending   map[string]Change
	startedAt time.Time
	timer     *time.Timer
}

// NewDebouncer creates a debouncer emitting to listener after window of
// quiet per subscription.
func NewDebouncer(log *zap.Logger, window time.Duration, listener Listener) *Debouncer {
	return &Debouncer{
		log:      log,
		window:   window,
		listener: listener,
		ctx:      context.Background(),
		buckets:  map[uuid.UUID]*bucket{},
		nowFn:    time.Now,
	}
}

// Run parks until the context is canceled; batches emitted while
// running carry this context to the listener.
func (d *Debouncer) Run(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	<-ctx.Done()
	return nil
}

// TestingSetNow allows tests to control batch timestamps.
func (d *Debouncer) TestingSetNow(nowFn func() time.Time) {
	d.nowFn = nowFn
}

// Record sinks one change event. Events for the same object identifier
// within a window coalesce, last kind wins; every event restarts the
// subscription's quiet window.
func (d *Debouncer) Record(subscriptionID uuid.UUID, objectID string, source Source, kind Kind, objectType schema.ObjectType) {
	id, err := uuid.New()
	if err != nil {
		d.log.Error("failed to allocate change id", zap.Error(err))
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	b, ok := d.buckets[subscriptionID]
	if !ok {
		b = &bucket{pending: map[string]Change{}}
		d.buckets[subscriptionID] = b
	}
	d.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.startedAt = d.nowFn().UTC()
	}
	b.pending[objectID] = Change{
		ID:             id,
		SubscriptionID: subscriptionID,
		Source:         source,
		Kind:           kind,
		ObjectID:       objectID,
		ObjectType:     objectType,
		DetectedAt:     d.nowFn().UTC(),
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(d.window, func() { d.flush(subscriptionID, b) })
	} else {
		b.timer.Reset(d.window)
	}
}

// flush emits the accumulated batch for one subscription.
func (d *Debouncer) flush(subscriptionID uuid.UUID, b *bucket) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	ctx := d.ctx
	d.mu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := Batch{
		SubscriptionID: subscriptionID,
		Changes:        make([]Change, 0, len(b.pending)),
		StartedAt:      b.startedAt,
		CompletedAt:    d.nowFn().UTC(),
	}
	for _, change := range b.pending {
		batch.Changes = append(batch.Changes, change)
	}
	b.pending = map[string]Change{}
	b.mu.Unlock()

	mon.IntVal("debounced_batch_size").Observe(int64(len(batch.Changes)))
	d.listener(ctx, batch)
}

// Forget drops any pending state for a subscription, for example after
// it is deleted.
func (d *Debouncer) Forget(subscriptionID uuid.UUID) {
	d.mu.Lock()
	b, ok := d.buckets[subscriptionID]
	delete(d.buckets, subscriptionID)
	d.mu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.pending = map[string]Change{}
}

// Close cancels all pending timers and drops unemitted batches. The
// reconciler recovers anything lost.
func (d *Debouncer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, b := range d.buckets {
		b.mu.Lock()
		if b.timer != nil {
			b.timer.Stop()
		}
		b.pending = map[string]Change{}
		b.mu.Unlock()
	}
	d.buckets = map[uuid.UUID]*bucket{}
	return nil
}
