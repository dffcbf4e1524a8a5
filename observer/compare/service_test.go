// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package compare_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/compare"
	"github.com/schemawatch/schemawatch/observer/events"
	"github.com/schemawatch/schemawatch/observer/normalize"
	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
	"github.com/schemawatch/schemawatch/observerdb"
)

type fakeDatabases struct {
	mu      sync.Mutex
	objects []schema.ObjectSummary
	partial bool
	err     error
	calls   int
	block   chan struct{}
}

func (f *fakeDatabases) Snapshot(ctx context.Context, sub *subscriptions.Subscription) (*schema.Snapshot, bool, error) {
	f.mu.Lock()
	f.calls++
	objects, partial, err, block := f.objects, f.partial, f.err, f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	if err != nil {
		return nil, false, err
	}
	snapshot := &schema.Snapshot{
		SubscriptionID:   sub.ID,
		CapturedAt:       time.Now().UTC(),
		NormalizeVersion: normalize.Version,
		Objects:          objects,
	}
	snapshot.ID = testrand.UUID()
	snapshot.Hash = schema.CalculateHash(objects)
	return snapshot, partial, nil
}

func (f *fakeDatabases) SnapshotType(ctx context.Context, sub *subscriptions.Subscription, objectType schema.ObjectType) (*schema.Snapshot, bool, error) {
	return f.Snapshot(ctx, sub)
}

type fakeFiles struct {
	entries []schema.FileEntry
	err     error
}

func (f *fakeFiles) Build(ctx context.Context, sub *subscriptions.Subscription) (*schema.FileModel, error) {
	if f.err != nil {
		return nil, f.err
	}
	model := &schema.FileModel{
		SubscriptionID: sub.ID,
		CapturedAt:     time.Now().UTC(),
		Entries:        map[string]schema.FileEntry{},
	}
	for _, entry := range f.entries {
		model.Entries[entry.Path] = entry
	}
	return model, nil
}

type orchestratorTest struct {
	db        *observerdb.DB
	sub       *subscriptions.Subscription
	databases *fakeDatabases
	files     *fakeFiles
	publisher *events.Publisher
	service   *compare.Service
}

func newOrchestratorTest(t *testing.T, ctx *testcontext.Context, config compare.Config) *orchestratorTest {
	log := zaptest.NewLogger(t)

	db, err := observerdb.Open(ctx, log, filepath.Join(ctx.Dir("db"), "observer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	sub := &subscriptions.Subscription{
		ID:    testrand.UUID(),
		Name:  "orchestrated",
		State: subscriptions.StateActive,
		Database: subscriptions.DatabaseConnection{
			Server: "localhost", Database: "app", Auth: subscriptions.AuthIntegrated,
		},
		Folder: subscriptions.ProjectFolder{RootPath: "/tmp/project"},
	}
	require.NoError(t, db.Subscriptions().Insert(ctx, sub))

	databases := &fakeDatabases{}
	files := &fakeFiles{}
	publisher := events.NewPublisher(log)
	t.Cleanup(func() { require.NoError(t, publisher.Close()) })

	service := compare.NewService(log, config,
		db.Subscriptions(), db.Snapshots(), db.History(), databases, files, publisher)
	t.Cleanup(func() { require.NoError(t, service.Close()) })

	return &orchestratorTest{
		db:        db,
		sub:       sub,
		databases: databases,
		files:     files,
		publisher: publisher,
		service:   service,
	}
}

func TestServiceFullRunPersistsEverything(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tt := newOrchestratorTest(t, ctx, compare.Config{MaxConcurrent: 2, SnapshotMaxAge: 5 * time.Minute})
	tt.databases.objects = []schema.ObjectSummary{
		dbObject(schema.TypeTable, "dbo", "Orders", "CREATE TABLE dbo.Orders (Id int)"),
	}

	listener := tt.publisher.Join(tt.sub.ID)

	result, err := tt.service.Run(ctx, tt.sub.ID, true, compare.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, compare.StatusHasDifferences, result.Status)
	require.Equal(t, compare.TriggerManual, result.Trigger)
	require.Equal(t, 1, result.Summary.TotalDifferences)

	// snapshot, history entry and last-compared timestamp all persisted
	latest, err := tt.db.Snapshots().Latest(ctx, tt.sub.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, schema.CalculateHash(latest.Objects), latest.Hash)

	history, err := tt.db.History().ListBySubscription(ctx, tt.sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, result.ID, history[0].ID)

	stored, err := tt.db.Subscriptions().Get(ctx, tt.sub.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastComparedAt)

	var names []string
	for i := 0; i < 4; i++ {
		select {
		case event := <-listener.Events():
			names = append(names, event.Name)
		case <-time.After(time.Second):
			t.Fatal("missing comparison event")
		}
	}
	require.Equal(t, []string{
		events.ComparisonStarted,
		events.ComparisonProgress,
		events.ComparisonProgress,
		events.ComparisonCompleted,
	}, names)
}

func TestServiceIncrementalReusesFreshSnapshot(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tt := newOrchestratorTest(t, ctx, compare.Config{MaxConcurrent: 2, SnapshotMaxAge: 5 * time.Minute})

	_, err := tt.service.Run(ctx, tt.sub.ID, true, compare.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, tt.databases.calls)

	// incremental run within the max age reuses the cached snapshot
	_, err = tt.service.Run(ctx, tt.sub.ID, false, compare.TriggerFileChange)
	require.NoError(t, err)
	require.Equal(t, 1, tt.databases.calls)

	// a full run always re-extracts
	_, err = tt.service.Run(ctx, tt.sub.ID, true, compare.TriggerReconciliation)
	require.NoError(t, err)
	require.Equal(t, 2, tt.databases.calls)
}

func TestServiceInProgressFailsFast(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tt := newOrchestratorTest(t, ctx, compare.Config{MaxConcurrent: 4, SnapshotMaxAge: 5 * time.Minute})

	block := make(chan struct{})
	tt.databases.block = block

	firstDone := make(chan error, 1)
	go func() {
		_, err := tt.service.Run(ctx, tt.sub.ID, true, compare.TriggerManual)
		firstDone <- err
	}()

	// wait until the first run holds the per-subscription lock
	require.Eventually(t, func() bool {
		tt.databases.mu.Lock()
		defer tt.databases.mu.Unlock()
		return tt.databases.calls == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := tt.service.Run(ctx, tt.sub.ID, true, compare.TriggerManual)
	require.True(t, compare.ErrInProgress.Has(err))

	close(block)
	require.NoError(t, <-firstDone)

	// exactly one result was persisted
	history, err := tt.db.History().ListBySubscription(ctx, tt.sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestServiceGlobalConcurrencyCap(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tt := newOrchestratorTest(t, ctx, compare.Config{MaxConcurrent: 1, SnapshotMaxAge: 5 * time.Minute})

	other := &subscriptions.Subscription{
		ID:    testrand.UUID(),
		Name:  "capped",
		State: subscriptions.StateActive,
		Database: subscriptions.DatabaseConnection{
			Server: "localhost", Database: "app", Auth: subscriptions.AuthIntegrated,
		},
		Folder: subscriptions.ProjectFolder{RootPath: "/tmp/project"},
	}
	require.NoError(t, tt.db.Subscriptions().Insert(ctx, other))

	block := make(chan struct{})
	tt.databases.block = block

	firstDone := make(chan error, 1)
	go func() {
		_, err := tt.service.Run(ctx, tt.sub.ID, true, compare.TriggerManual)
		firstDone <- err
	}()

	require.Eventually(t, func() bool {
		tt.databases.mu.Lock()
		defer tt.databases.mu.Unlock()
		return tt.databases.calls == 1
	}, 5*time.Second, 10*time.Millisecond)

	// a different subscription passes the per-subscription lock but must
	// wait for the global slot: it never reaches extraction while the
	// first run holds it
	secondDone := make(chan error, 1)
	go func() {
		_, err := tt.service.Run(ctx, other.ID, true, compare.TriggerManual)
		secondDone <- err
	}()

	time.Sleep(100 * time.Millisecond)
	tt.databases.mu.Lock()
	require.Equal(t, 1, tt.databases.calls)
	tt.databases.mu.Unlock()

	close(block)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	tt.databases.mu.Lock()
	require.Equal(t, 2, tt.databases.calls)
	tt.databases.mu.Unlock()

	for _, id := range []uuid.UUID{tt.sub.ID, other.ID} {
		history, err := tt.db.History().ListBySubscription(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
	}
}

func TestServiceErrorPersistsErrorResult(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tt := newOrchestratorTest(t, ctx, compare.Config{MaxConcurrent: 2, SnapshotMaxAge: 5 * time.Minute})
	tt.databases.err = context.DeadlineExceeded

	listener := tt.publisher.Join(tt.sub.ID)

	_, err := tt.service.Run(ctx, tt.sub.ID, true, compare.TriggerManual)
	require.Error(t, err)
	require.False(t, compare.ErrInProgress.Has(err))

	history, err := tt.db.History().ListBySubscription(ctx, tt.sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, compare.StatusError, history[0].Status)
	require.Empty(t, history[0].Differences)
	require.Zero(t, history[0].Summary.TotalDifferences)

	var names []string
	for i := 0; i < 2; i++ {
		select {
		case event := <-listener.Events():
			names = append(names, event.Name)
		case <-time.After(time.Second):
			t.Fatal("missing comparison event")
		}
	}
	require.Equal(t, []string{events.ComparisonStarted, events.ComparisonFailed}, names)
}

func TestServicePartialStatus(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tt := newOrchestratorTest(t, ctx, compare.Config{MaxConcurrent: 2, SnapshotMaxAge: 5 * time.Minute})
	tt.databases.partial = true

	result, err := tt.service.Run(ctx, tt.sub.ID, true, compare.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, compare.StatusPartial, result.Status)
}

func TestServiceUnknownSubscription(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tt := newOrchestratorTest(t, ctx, compare.Config{MaxConcurrent: 2, SnapshotMaxAge: 5 * time.Minute})

	_, err := tt.service.Run(ctx, testrand.UUID(), true, compare.TriggerManual)
	require.True(t, subscriptions.ErrNotFound.Has(err))
}
