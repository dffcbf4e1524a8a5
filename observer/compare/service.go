// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package compare

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/events"
	"github.com/schemawatch/schemawatch/observer/normalize"
	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

var (
	// Error is the default error class for the package.
	Error = errs.Class("compare")
	// ErrInProgress is returned when a comparison for the same
	// subscription is already running.
	ErrInProgress = errs.Class("comparison in progress")
	// ErrResultNotFound is returned when a comparison result does not
	// exist.
	ErrResultNotFound = errs.Class("comparison result not found")

	mon = monkit.Package()
)

// Config contains configurable values for the comparison orchestrator.
type Config struct {
	MaxConcurrent  int           `help:"maximum number of comparisons running at once" default:"2" testDefault:"4"`
	SnapshotMaxAge time.Duration `help:"how fresh the latest snapshot must be for an incremental comparison to reuse it" default:"5m"`
}

// DatabaseBuilder extracts schema snapshots from a live database.
type DatabaseBuilder interface {
	// Snapshot captures all supported objects. partial reports that some
	// objects could not be read.
	Snapshot(ctx context.Context, sub *subscriptions.Subscription) (snapshot *schema.Snapshot, partial bool, err error)
	// SnapshotType captures only objects of the given type.
	SnapshotType(ctx context.Context, sub *subscriptions.Subscription, objectType schema.ObjectType) (snapshot *schema.Snapshot, partial bool, err error)
}

// FileBuilder scans a project folder and builds the file-side model.
type FileBuilder interface {
	Build(ctx context.Context, sub *subscriptions.Subscription) (*schema.FileModel, error)
}

// Service is the comparison orchestrator. It enforces at most one
// concurrent comparison per subscription and a global concurrency cap.
//
// architecture: Service
type Service struct {
	log           *zap.Logger
	config        Config
	subscriptions subscriptions.DB
	snapshots     schema.Snapshots
	history       History
	databases     DatabaseBuilder
	files         FileBuilder
	events        *events.Publisher

	limit sync2.Semaphore

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}

	nowFn func() time.Time
}

// NewService creates a comparison orchestrator.
func NewService(log *zap.Logger, config Config, subs subscriptions.DB, snapshots schema.Snapshots, history History, databases DatabaseBuilder, files FileBuilder, publisher *events.Publisher) *Service {
	service := &Service{
		log:           log,
		config:        config,
		subscriptions: subs,
		snapshots:     snapshots,
		history:       history,
		databases:     databases,
		files:         files,
		events:        publisher,
		inflight:      map[uuid.UUID]struct{}{},
		nowFn:         time.Now,
	}
	service.limit.Init(config.MaxConcurrent)
	return service
}

// Close releases waiters blocked on the concurrency cap.
func (service *Service) Close() error {
	service.limit.Close()
	return nil
}

// TestingSetNow allows tests to control the service clock.
func (service *Service) TestingSetNow(nowFn func() time.Time) {
	service.nowFn = nowFn
}

// Run executes a comparison for a subscription. With full set the
// database snapshot is always rebuilt; otherwise a fresh-enough cached
// snapshot is reused. A second call for the same subscription while one
// is running fails fast with ErrInProgress.
func (service *Service) Run(ctx context.Context, subscriptionID uuid.UUID, full bool, trigger Trigger) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	sub, err := service.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if !service.tryLock(subscriptionID) {
		return nil, ErrInProgress.New("subscription %s", subscriptionID)
	}
	defer service.unlock(subscriptionID)

	if !service.limit.Lock() {
		return nil, Error.New("orchestrator closed")
	}
	defer service.limit.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	service.events.Publish(subscriptionID, events.ComparisonStarted, map[string]interface{}{
		"trigger": trigger,
		"full":    full,
	})

	started := service.nowFn()
	result := &Result{
		SubscriptionID: subscriptionID,
		ComparedAt:     started.UTC(),
		Trigger:        trigger,
	}
	result.ID, err = uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	snapshot, snapshotIsNew, partial, err := service.databaseSide(ctx, sub, full, started)
	if err != nil {
		return result, service.fail(ctx, result, started, trigger, err)
	}
	service.progress(subscriptionID, result.ID, "database-model", len(snapshot.Objects))

	fileModel, err := service.files.Build(ctx, sub)
	if err != nil {
		return result, service.fail(ctx, result, started, trigger, err)
	}
	service.progress(subscriptionID, result.ID, "file-model", len(fileModel.Entries))

	outcome := Diff(snapshot, fileModel, sub.Options)
	for i := range outcome.Differences {
		outcome.Differences[i].ID, err = uuid.New()
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	result.Differences = outcome.Differences
	result.Unsupported = outcome.Unsupported
	result.Summary = Summarize(outcome)
	result.Duration = service.nowFn().Sub(started)
	switch {
	case partial:
		result.Status = StatusPartial
	case len(result.Differences) == 0:
		result.Status = StatusSynchronized
	default:
		result.Status = StatusHasDifferences
	}

	if snapshotIsNew {
		if err := service.snapshots.Insert(ctx, snapshot); err != nil {
			return result, service.fail(ctx, result, started, trigger, err)
		}
	}
	if err := service.history.Insert(ctx, result); err != nil {
		return result, service.fail(ctx, result, started, trigger, err)
	}
	if err := service.subscriptions.SetLastCompared(ctx, subscriptionID, result.ComparedAt); err != nil {
		return result, Error.Wrap(err)
	}

	mon.Counter("comparisons_completed").Inc(1)
	service.log.Debug("comparison completed",
		zap.Stringer("subscription", subscriptionID),
		zap.String("status", string(result.Status)),
		zap.Int("differences", result.Summary.TotalDifferences),
		zap.Duration("duration", result.Duration))
	service.events.Publish(subscriptionID, events.ComparisonCompleted, map[string]interface{}{
		"comparisonId": result.ID,
		"status":       result.Status,
		"summary":      result.Summary,
	})
	return result, nil
}

// RunObject executes a targeted comparison limited to a single schema
// object. The result is persisted to history but never updates the
// subscription's last-compared instant: only runs covering the whole
// allow-set count.
func (service *Service) RunObject(ctx context.Context, subscriptionID uuid.UUID, schemaName, objectName string, objectType schema.ObjectType, trigger Trigger) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	sub, err := service.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if !service.tryLock(subscriptionID) {
		return nil, ErrInProgress.New("subscription %s", subscriptionID)
	}
	defer service.unlock(subscriptionID)

	if !service.limit.Lock() {
		return nil, Error.New("orchestrator closed")
	}
	defer service.limit.Unlock()

	started := service.nowFn()
	result := &Result{
		SubscriptionID: subscriptionID,
		ComparedAt:     started.UTC(),
		Trigger:        trigger,
	}
	result.ID, err = uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	snapshot, partial, err := service.databases.SnapshotType(ctx, sub, objectType)
	if err != nil {
		return result, service.fail(ctx, result, started, trigger, err)
	}
	fileModel, err := service.files.Build(ctx, sub)
	if err != nil {
		return result, service.fail(ctx, result, started, trigger, err)
	}

	key := schema.ObjectKey{Type: objectType, Schema: schemaName, Name: objectName}
	outcome := Diff(filterSnapshot(snapshot, key), filterFiles(fileModel, key), sub.Options)
	for i := range outcome.Differences {
		outcome.Differences[i].ID, err = uuid.New()
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	result.Differences = outcome.Differences
	result.Unsupported = nil
	result.Summary = Summarize(Outcome{
		Differences:      outcome.Differences,
		ObjectsCompared:  outcome.ObjectsCompared,
		ObjectsUnchanged: outcome.ObjectsUnchanged,
	})
	result.Duration = service.nowFn().Sub(started)
	switch {
	case partial:
		result.Status = StatusPartial
	case len(result.Differences) == 0:
		result.Status = StatusSynchronized
	default:
		result.Status = StatusHasDifferences
	}

	if err := service.history.Insert(ctx, result); err != nil {
		return result, service.fail(ctx, result, started, trigger, err)
	}

	service.events.Publish(subscriptionID, events.ComparisonCompleted, map[string]interface{}{
		"comparisonId": result.ID,
		"status":       result.Status,
		"summary":      result.Summary,
		"object":       key,
	})
	return result, nil
}

// databaseSide decides between reusing the latest cached snapshot and
// extracting a fresh one.
func (service *Service) databaseSide(ctx context.Context, sub *subscriptions.Subscription, full bool, now time.Time) (snapshot *schema.Snapshot, isNew, partial bool, err error) {
	if !full {
		latest, err := service.snapshots.Latest(ctx, sub.ID)
		if err != nil {
			return nil, false, false, err
		}
		if latest != nil &&
			latest.NormalizeVersion == normalize.Version &&
			now.Sub(latest.CapturedAt) <= service.config.SnapshotMaxAge {
			return latest, false, false, nil
		}
	}
	snapshot, partial, err = service.databases.Snapshot(ctx, sub)
	if err != nil {
		return nil, false, false, err
	}
	return snapshot, true, partial, nil
}

// progress reports a finished build phase to subscribed listeners.
func (service *Service) progress(subscriptionID, comparisonID uuid.UUID, phase string, objects int) {
	service.events.Publish(subscriptionID, events.ComparisonProgress, map[string]interface{}{
		"comparisonId": comparisonID,
		"phase":        phase,
		"objects":      objects,
	})
}

// fail persists an error result and surfaces the original failure.
func (service *Service) fail(ctx context.Context, result *Result, started time.Time, trigger Trigger, cause error) error {
	result.Status = StatusError
	result.Differences = nil
	result.Unsupported = nil
	result.Summary = Summary{}
	result.Duration = service.nowFn().Sub(started)

	if err := service.history.Insert(ctx, result); err != nil {
		service.log.Error("failed to persist error result", zap.Error(err))
	}

	mon.Counter("comparisons_failed").Inc(1)
	service.log.Warn("comparison failed",
		zap.Stringer("subscription", result.SubscriptionID),
		zap.String("trigger", string(trigger)),
		zap.Error(cause))
	service.events.Publish(result.SubscriptionID, events.ComparisonFailed, map[string]interface{}{
		"comparisonId": result.ID,
		"error":        cause.Error(),
	})
	return Error.Wrap(cause)
}

func (service *Service) tryLock(id uuid.UUID) bool {
	service.mu.Lock()
	defer service.mu.Unlock()
	if _, busy := service.inflight[id]; busy {
		return false
	}
	service.inflight[id] = struct{}{}
	return true
}

func (service *Service) unlock(id uuid.UUID) {
	service.mu.Lock()
	defer service.mu.Unlock()
	delete(service.inflight, id)
}

func filterSnapshot(snapshot *schema.Snapshot, key schema.ObjectKey) *schema.Snapshot {
	filtered := &schema.Snapshot{
		ID:               snapshot.ID,
		SubscriptionID:   snapshot.SubscriptionID,
		CapturedAt:       snapshot.CapturedAt,
		NormalizeVersion: snapshot.NormalizeVersion,
	}
	for _, object := range snapshot.Objects {
		if object.Key() == key {
			filtered.Objects = append(filtered.Objects, object)
		}
	}
	filtered.Hash = schema.CalculateHash(filtered.Objects)
	return filtered
}

func filterFiles(files *schema.FileModel, key schema.ObjectKey) *schema.FileModel {
	filtered := &schema.FileModel{
		SubscriptionID: files.SubscriptionID,
		CapturedAt:     files.CapturedAt,
		Entries:        map[string]schema.FileEntry{},
	}
	for path, entry := range files.Entries {
		if entry.Summary().Key() == key {
			filtered.Entries[path] = entry
		}
	}
	return filtered
}
