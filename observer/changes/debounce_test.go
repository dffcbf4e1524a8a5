// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package changes_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testrand"

	"github.com/schemawatch/schemawatch/observer/changes"
	"github.com/schemawatch/schemawatch/observer/schema"
)

func TestDebouncerCoalescesLastKindWins(t *testing.T) {
	batches := make(chan changes.Batch, 4)
	debouncer := changes.NewDebouncer(zaptest.NewLogger(t), 100*time.Millisecond,
		func(ctx context.Context, batch changes.Batch) { batches <- batch })
	defer func() { require.NoError(t, debouncer.Close()) }()

	subID := testrand.UUID()
	debouncer.Record(subID, "/p/X.sql", changes.SourceFilesystem, changes.KindCreated, schema.TypeUnknown)
	time.Sleep(20 * time.Millisecond)
	debouncer.Record(subID, "/p/X.sql", changes.SourceFilesystem, changes.KindModified, schema.TypeUnknown)
	time.Sleep(20 * time.Millisecond)
	debouncer.Record(subID, "/p/X.sql", changes.SourceFilesystem, changes.KindDeleted, schema.TypeUnknown)

	select {
	case batch := <-batches:
		require.Equal(t, subID, batch.SubscriptionID)
		require.Len(t, batch.Changes, 1)
		require.Equal(t, changes.KindDeleted, batch.Changes[0].Kind)
		require.False(t, batch.StartedAt.IsZero())
		require.False(t, batch.CompletedAt.Before(batch.StartedAt))
	case <-time.After(5 * time.Second):
		t.Fatal("expected a coalesced batch")
	}
}

func TestDebouncerRenameKeepsBothPaths(t *testing.T) {
	batches := make(chan changes.Batch, 4)
	debouncer := changes.NewDebouncer(zaptest.NewLogger(t), 50*time.Millisecond,
		func(ctx context.Context, batch changes.Batch) { batches <- batch })
	defer func() { require.NoError(t, debouncer.Close()) }()

	// a rename arrives as delete(old) + create(new)
	subID := testrand.UUID()
	debouncer.Record(subID, "/p/Old.sql", changes.SourceFilesystem, changes.KindDeleted, schema.TypeUnknown)
	debouncer.Record(subID, "/p/New.sql", changes.SourceFilesystem, changes.KindCreated, schema.TypeUnknown)

	select {
	case batch := <-batches:
		require.Len(t, batch.Changes, 2)
		kinds := map[string]changes.Kind{}
		for _, change := range batch.Changes {
			kinds[change.ObjectID] = change.Kind
		}
		require.Equal(t, changes.KindDeleted, kinds["/p/Old.sql"])
		require.Equal(t, changes.KindCreated, kinds["/p/New.sql"])
	case <-time.After(5 * time.Second):
		t.Fatal("expected a batch")
	}
}

func TestDebouncerSeparatesSubscriptions(t *testing.T) {
	batches := make(chan changes.Batch, 4)
	debouncer := changes.NewDebouncer(zaptest.NewLogger(t), 50*time.Millisecond,
		func(ctx context.Context, batch changes.Batch) { batches <- batch })
	defer func() { require.NoError(t, debouncer.Close()) }()

	first := testrand.UUID()
	second := testrand.UUID()
	debouncer.Record(first, "dbo.A", changes.SourceDatabase, changes.KindModified, schema.TypeTable)
	debouncer.Record(second, "dbo.A", changes.SourceDatabase, changes.KindModified, schema.TypeTable)

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case batch := <-batches:
			got[batch.SubscriptionID.String()] += len(batch.Changes)
		case <-time.After(5 * time.Second):
			t.Fatal("expected two batches")
		}
	}
	require.Equal(t, 1, got[first.String()])
	require.Equal(t, 1, got[second.String()])
}

func TestDebouncerForgetDropsPending(t *testing.T) {
	batches := make(chan changes.Batch, 4)
	debouncer := changes.NewDebouncer(zaptest.NewLogger(t), 50*time.Millisecond,
		func(ctx context.Context, batch changes.Batch) { batches <- batch })
	defer func() { require.NoError(t, debouncer.Close()) }()

	subID := testrand.UUID()
	debouncer.Record(subID, "/p/X.sql", changes.SourceFilesystem, changes.KindCreated, schema.TypeUnknown)
	debouncer.Forget(subID)

	select {
	case batch := <-batches:
		t.Fatalf("unexpected batch after forget: %+v", batch)
	case <-time.After(200 * time.Millisecond):
	}
}
