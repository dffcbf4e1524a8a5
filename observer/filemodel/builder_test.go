// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package filemodel_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"

	"github.com/schemawatch/schemawatch/observer/filemodel"
	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

func writeProject(t *testing.T, root string, files map[string]string) {
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestBuilderWalk(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	root := ctx.Dir("project")
	writeProject(t, root, map[string]string{
		"sales/Orders.sql":       "CREATE TABLE sales.Orders (Id int)",
		"dbo/ActiveOrders.sql":   "CREATE VIEW dbo.ActiveOrders AS SELECT 1 AS x",
		"notes/readme.md":        "not sql",
		"generated/Orders.sql":   "CREATE TABLE sales.Orders (Id int)",
		"scripts/seed.sql":       "INSERT INTO dbo.Seed VALUES (1)",
		"scripts/seed.sql.bak":   "stale",
		"sales/Orders.Test.sql~": "editor droppings",
	})

	sub := &subscriptions.Subscription{
		ID: testrand.UUID(),
		Folder: subscriptions.ProjectFolder{
			RootPath: root,
			Exclude:  []string{"generated/*"},
			Layout:   subscriptions.LayoutBySchema,
		},
	}

	builder := filemodel.NewBuilder(zaptest.NewLogger(t))
	model, err := builder.Build(ctx, sub)
	require.NoError(t, err)

	require.Len(t, model.Entries, 3)
	require.Equal(t, sub.ID, model.SubscriptionID)

	orders, ok := model.Entries["sales/Orders.sql"]
	require.True(t, ok)
	require.Equal(t, "sales", orders.SchemaName)
	require.Equal(t, "Orders", orders.ObjectName)
	require.Equal(t, schema.TypeTable, orders.Type)
	require.NotEmpty(t, orders.ContentHash)
	require.False(t, orders.LastModifiedAt.IsZero())

	seed, ok := model.Entries["scripts/seed.sql"]
	require.True(t, ok)
	require.Equal(t, schema.TypeUnknown, seed.Type)

	_, excluded := model.Entries["generated/Orders.sql"]
	require.False(t, excluded)
}

func TestBuilderIncludePatterns(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	root := ctx.Dir("project")
	writeProject(t, root, map[string]string{
		"tables/Orders.sql":    "CREATE TABLE dbo.Orders (Id int)",
		"views/ActiveView.sql": "CREATE VIEW dbo.ActiveView AS SELECT 1 AS x",
		"tables/Legacy.sql":    "CREATE TABLE dbo.Legacy (Id int)",
	})

	sub := &subscriptions.Subscription{
		ID: testrand.UUID(),
		Folder: subscriptions.ProjectFolder{
			RootPath: root,
			Include:  []string{"tables/*.sql"},
			Exclude:  []string{"tables/Legacy.sql"},
			Layout:   subscriptions.LayoutByType,
		},
	}

	builder := filemodel.NewBuilder(zaptest.NewLogger(t))
	model, err := builder.Build(ctx, sub)
	require.NoError(t, err)

	// exclude wins over include
	require.Len(t, model.Entries, 1)
	orders, ok := model.Entries["tables/Orders.sql"]
	require.True(t, ok)
	require.Equal(t, schema.TypeTable, orders.Type)
}

func TestBuilderMissingRoot(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	sub := &subscriptions.Subscription{
		ID: testrand.UUID(),
		Folder: subscriptions.ProjectFolder{
			RootPath: filepath.Join(ctx.Dir("base"), "missing"),
		},
	}

	builder := filemodel.NewBuilder(zaptest.NewLogger(t))
	_, err := builder.Build(ctx, sub)
	require.Error(t, err)
}

func TestBuilderHashMatchesNormalizedContent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	root := ctx.Dir("project")
	writeProject(t, root, map[string]string{
		"a.sql": "CREATE VIEW dbo.V AS  SELECT   1 AS x -- trailing\n",
		"b.sql": "CREATE VIEW dbo.V AS SELECT 1 AS x",
	})

	sub := &subscriptions.Subscription{
		ID:     testrand.UUID(),
		Folder: subscriptions.ProjectFolder{RootPath: root, Layout: subscriptions.LayoutFlat},
		Options: subscriptions.Options{
			IgnoreWhitespace: true,
			IgnoreComments:   true,
		},
	}

	builder := filemodel.NewBuilder(zaptest.NewLogger(t))
	model, err := builder.Build(ctx, sub)
	require.NoError(t, err)

	require.Equal(t, model.Entries["b.sql"].ContentHash, model.Entries["a.sql"].ContentHash)
}
