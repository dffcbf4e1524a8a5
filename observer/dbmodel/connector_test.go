// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package dbmodel_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"github.com/schemawatch/schemawatch/observer/dbmodel"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

func TestOpenAuthKinds(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// sql.Open validates the DSN without dialing
	for _, auth := range []subscriptions.AuthKind{
		subscriptions.AuthIntegrated,
		subscriptions.AuthPassword,
		subscriptions.AuthCloudInteractive,
		subscriptions.AuthCloudNonInteractive,
	} {
		db, err := dbmodel.Open(ctx, subscriptions.DatabaseConnection{
			Server:   "localhost",
			Database: "app",
			Auth:     auth,
			Username: "svc",
			Secret:   "opaque",
		})
		require.NoError(t, err, auth)
		require.NoError(t, db.Close())
	}

	_, err := dbmodel.Open(ctx, subscriptions.DatabaseConnection{
		Server:   "localhost",
		Database: "app",
		Auth:     subscriptions.AuthKind("kerberos"),
	})
	require.Error(t, err)
}

func TestPingPropagatesOpenFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	failing := func(ctx context.Context, conn subscriptions.DatabaseConnection) (*sql.DB, error) {
		return nil, dbmodel.Error.New("unreachable")
	}
	err := dbmodel.Ping(ctx, failing, subscriptions.DatabaseConnection{})
	require.Error(t, err)
	require.True(t, dbmodel.Error.Has(err))
}
