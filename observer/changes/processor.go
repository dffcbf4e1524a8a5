// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package changes

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/compare"
	"github.com/schemawatch/schemawatch/observer/events"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

var mon = monkit.Package()

// Comparer runs comparisons on behalf of the processor.
type Comparer interface {
	Run(ctx context.Context, subscriptionID uuid.UUID, full bool, trigger compare.Trigger) (*compare.Result, error)
}

// Processor consumes debounced batches: it persists their members,
// emits the changes-detected event, and triggers a comparison when the
// subscription's options ask for one.
//
// architecture: Service
type Processor struct {
	log           *zap.Logger
	db            DB
	subscriptions subscriptions.DB
	compares      Comparer
	events        *events.Publisher

	nowFn func() time.Time
}

// NewProcessor creates a change processor.
func NewProcessor(log *zap.Logger, db DB, subs subscriptions.DB, compares Comparer, publisher *events.Publisher) *Processor {
	return &Processor{
		log:           log,
		db:            db,
		subscriptions: subs,
		compares:      compares,
		events:        publisher,
		nowFn:         time.Now,
	}
}

// Handle is the debouncer listener. It spawns the actual processing so
// the debouncer's timer goroutine never blocks.
func (p *Processor) Handle(ctx context.Context, batch Batch) {
	go func() {
		if err := p.Process(ctx, batch); err != nil {
			p.log.Error("failed to process change batch",
				zap.Stringer("subscription", batch.SubscriptionID),
				zap.Error(err))
		}
	}()
}

// Process persists the batch's members and, for an active subscription,
// emits the changes-detected event and possibly triggers an incremental
// comparison. On success every member of the batch is marked processed;
// when a comparison is already in progress the members stay unprocessed
// so reconciliation mops them up.
func (p *Processor) Process(ctx context.Context, batch Batch) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(batch.Changes) == 0 {
		return nil
	}
	mon.Counter("changes_detected").Inc(int64(len(batch.Changes)))

	ids := make([]uuid.UUID, 0, len(batch.Changes))
	for i := range batch.Changes {
		if err := p.db.Insert(ctx, &batch.Changes[i]); err != nil {
			return Error.Wrap(err)
		}
		ids = append(ids, batch.Changes[i].ID)
	}

	sub, err := p.subscriptions.Get(ctx, batch.SubscriptionID)
	if err != nil {
		if subscriptions.ErrNotFound.Has(err) {
			return nil
		}
		return Error.Wrap(err)
	}
	if sub.State != subscriptions.StateActive {
		return nil
	}

	p.events.Publish(sub.ID, events.ChangesDetected, map[string]interface{}{
		"count":   len(batch.Changes),
		"changes": batch.Changes,
	})

	hasDatabase, hasFilesystem := batch.Sources()
	shouldCompare := sub.Options.AutoCompare &&
		((hasFilesystem && sub.Options.CompareOnFileChange) ||
			(hasDatabase && sub.Options.CompareOnDatabaseChange))
	if !shouldCompare {
		return nil
	}

	trigger := compare.TriggerDatabaseChange
	if hasFilesystem {
		trigger = compare.TriggerFileChange
	}

	_, err = p.compares.Run(ctx, sub.ID, false, trigger)
	if err != nil {
		if compare.ErrInProgress.Has(err) {
			p.log.Debug("comparison already in progress, leaving batch for reconciliation",
				zap.Stringer("subscription", sub.ID))
			return nil
		}
		p.log.Warn("comparison failed for change batch",
			zap.Stringer("subscription", sub.ID), zap.Error(err))
		return nil
	}

	return Error.Wrap(p.db.MarkProcessed(ctx, ids, p.nowFn().UTC()))
}
