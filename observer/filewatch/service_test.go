// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package filewatch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"

	"github.com/schemawatch/schemawatch/observer/changes"
	"github.com/schemawatch/schemawatch/observer/events"
	"github.com/schemawatch/schemawatch/observer/filewatch"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

type fakeSubs struct {
	subscriptions.DB
	active []*subscriptions.Subscription
}

func (f *fakeSubs) ListActive(ctx context.Context) ([]*subscriptions.Subscription, error) {
	return f.active, nil
}

func waitForBatch(t *testing.T, batches <-chan changes.Batch) changes.Batch {
	t.Helper()
	select {
	case batch := <-batches:
		return batch
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a change batch")
		return changes.Batch{}
	}
}

func TestServiceDetectsFileChanges(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	root := ctx.Dir("project")

	sub := &subscriptions.Subscription{
		ID:     testrand.UUID(),
		State:  subscriptions.StateActive,
		Folder: subscriptions.ProjectFolder{RootPath: root, Layout: subscriptions.LayoutFlat},
	}

	batches := make(chan changes.Batch, 8)
	debouncer := changes.NewDebouncer(log, 50*time.Millisecond, func(ctx context.Context, batch changes.Batch) {
		batches <- batch
	})
	defer ctx.Check(debouncer.Close)

	publisher := events.NewPublisher(log)
	defer ctx.Check(publisher.Close)

	service := filewatch.NewService(log,
		filewatch.Config{Enabled: true, SyncInterval: 50 * time.Millisecond, BackoffMax: time.Second},
		&fakeSubs{active: []*subscriptions.Subscription{sub}}, debouncer, publisher)
	defer ctx.Check(service.Close)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx.Go(func() error { return service.Run(runCtx) })

	// wait for the initial sync to establish the watch
	time.Sleep(200 * time.Millisecond)

	target := filepath.Join(root, "Orders.sql")
	require.NoError(t, os.WriteFile(target, []byte("CREATE TABLE dbo.Orders (Id int)"), 0o644))

	batch := waitForBatch(t, batches)
	require.Equal(t, sub.ID, batch.SubscriptionID)
	require.NotEmpty(t, batch.Changes)
	change := batch.Changes[0]
	require.Equal(t, changes.SourceFilesystem, change.Source)
	require.Equal(t, target, change.ObjectID)

	// a non-sql file is ignored
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	// deletion of a .sql file is reported
	require.NoError(t, os.Remove(target))
	batch = waitForBatch(t, batches)
	require.Equal(t, changes.KindDeleted, batch.Changes[0].Kind)
}

func TestServiceHonorsExcludePatterns(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	root := ctx.Dir("project")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "generated"), 0o755))

	sub := &subscriptions.Subscription{
		ID:    testrand.UUID(),
		State: subscriptions.StateActive,
		Folder: subscriptions.ProjectFolder{
			RootPath: root,
			Exclude:  []string{"generated/*"},
			Layout:   subscriptions.LayoutFlat,
		},
	}

	batches := make(chan changes.Batch, 8)
	debouncer := changes.NewDebouncer(log, 50*time.Millisecond, func(ctx context.Context, batch changes.Batch) {
		batches <- batch
	})
	defer ctx.Check(debouncer.Close)

	publisher := events.NewPublisher(log)
	defer ctx.Check(publisher.Close)

	service := filewatch.NewService(log,
		filewatch.Config{Enabled: true, SyncInterval: 50 * time.Millisecond, BackoffMax: time.Second},
		&fakeSubs{active: []*subscriptions.Subscription{sub}}, debouncer, publisher)
	defer ctx.Check(service.Close)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx.Go(func() error { return service.Run(runCtx) })

	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "generated", "Gen.sql"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Kept.sql"), []byte("x"), 0o644))

	batch := waitForBatch(t, batches)
	for _, change := range batch.Changes {
		require.Equal(t, filepath.Join(root, "Kept.sql"), change.ObjectID)
	}
}
