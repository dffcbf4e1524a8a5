// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package filemodel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

func TestClassifyLeadingStatement(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantSchema string
		wantName   string
		wantType   schema.ObjectType
	}{
		{
			name:       "table",
			content:    "CREATE TABLE [sales].[Orders] (Id int)",
			wantSchema: "sales", wantName: "Orders", wantType: schema.TypeTable,
		},
		{
			name:       "view with or alter",
			content:    "CREATE OR ALTER VIEW dbo.ActiveOrders AS SELECT 1 AS x",
			wantSchema: "dbo", wantName: "ActiveOrders", wantType: schema.TypeView,
		},
		{
			name:       "proc shorthand",
			content:    "create proc GetOrders as select 1",
			wantSchema: "dbo", wantName: "GetOrders", wantType: schema.TypeStoredProcedure,
		},
		{
			name: "leading comments and go",
			content: `-- deployment script
/* generated */
GO
CREATE TRIGGER audit.trgOrders ON sales.Orders AFTER INSERT AS RETURN`,
			wantSchema: "audit", wantName: "trgOrders", wantType: schema.TypeTrigger,
		},
		{
			name:       "scalar function",
			content:    "CREATE FUNCTION dbo.Total(@a int) RETURNS int AS BEGIN RETURN @a END",
			wantSchema: "dbo", wantName: "Total", wantType: schema.TypeScalarFunction,
		},
		{
			name:       "inline table valued function",
			content:    "CREATE FUNCTION dbo.Rows() RETURNS TABLE AS RETURN (SELECT 1 AS x)",
			wantSchema: "dbo", wantName: "Rows", wantType: schema.TypeInlineTableValuedFunction,
		},
		{
			name: "multi statement table valued function",
			content: `CREATE FUNCTION dbo.Split(@s nvarchar(max))
RETURNS @out TABLE (part nvarchar(max))
AS BEGIN RETURN END`,
			wantSchema: "dbo", wantName: "Split", wantType: schema.TypeTableValuedFunction,
		},
		{
			name:       "user",
			content:    `CREATE USER [app_reader] WITHOUT LOGIN`,
			wantSchema: "dbo", wantName: "app_reader", wantType: schema.TypeUser,
		},
		{
			name:       "role",
			content:    "CREATE ROLE db_readers",
			wantSchema: "dbo", wantName: "db_readers", wantType: schema.TypeRole,
		},
		{
			name:       "quoted identifiers",
			content:    `CREATE TABLE "odd schema"."odd ""name""" (x int)`,
			wantSchema: "odd schema", wantName: `odd "name"`, wantType: schema.TypeTable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schemaName, objectName, objectType := classify("whatever.sql", tt.content, subscriptions.LayoutFlat)
			require.Equal(t, tt.wantSchema, schemaName)
			require.Equal(t, tt.wantName, objectName)
			require.Equal(t, tt.wantType, objectType)
		})
	}
}

func TestClassifyLayoutFallback(t *testing.T) {
	// content that cannot be parsed falls back to the path layout
	content := "INSERT INTO dbo.Seed VALUES (1)"

	schemaName, objectName, objectType := classify("sales/Orders.sql", content, subscriptions.LayoutBySchema)
	require.Equal(t, "sales", schemaName)
	require.Equal(t, "Orders", objectName)
	require.Equal(t, schema.TypeUnknown, objectType)

	schemaName, objectName, objectType = classify("Tables/Orders.sql", content, subscriptions.LayoutByType)
	require.Equal(t, "dbo", schemaName)
	require.Equal(t, "Orders", objectName)
	require.Equal(t, schema.TypeTable, objectType)

	schemaName, objectName, objectType = classify("sales/Views/ActiveOrders.sql", content, subscriptions.LayoutBySchemaAndType)
	require.Equal(t, "sales", schemaName)
	require.Equal(t, "ActiveOrders", objectName)
	require.Equal(t, schema.TypeView, objectType)
}

func TestClassifyDottedFileName(t *testing.T) {
	schemaName, objectName, objectType := classify("sales.Orders.sql", "SELECT 1", subscriptions.LayoutFlat)
	require.Equal(t, "sales", schemaName)
	require.Equal(t, "Orders", objectName)
	require.Equal(t, schema.TypeUnknown, objectType)
}

func TestClassifyStatementOverridesLayout(t *testing.T) {
	// the leading statement wins over a contradictory folder
	schemaName, objectName, objectType := classify(
		"Views/Orders.sql",
		"CREATE TABLE archive.Orders (Id int)",
		subscriptions.LayoutByType)
	require.Equal(t, "archive", schemaName)
	require.Equal(t, "Orders", objectName)
	require.Equal(t, schema.TypeTable, objectType)
}
