// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package observer_test

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/schemawatch/schemawatch/observer"
	"github.com/schemawatch/schemawatch/observer/compare"
	"github.com/schemawatch/schemawatch/observer/console"
	"github.com/schemawatch/schemawatch/observer/dbpoll"
	"github.com/schemawatch/schemawatch/observer/filewatch"
	"github.com/schemawatch/schemawatch/observer/health"
	"github.com/schemawatch/schemawatch/observer/reconcile"
	"github.com/schemawatch/schemawatch/observer/retention"
	"github.com/schemawatch/schemawatch/observerdb"
)

func testConfig() observer.Config {
	return observer.Config{
		DebounceWindow: 50 * time.Millisecond,
		Console:        console.Config{Address: "127.0.0.1:0"},
		Compare:        compare.Config{MaxConcurrent: 2, SnapshotMaxAge: 5 * time.Minute},
		DBPoll:         dbpoll.Config{Enabled: true, Interval: time.Hour},
		FileWatch:      filewatch.Config{Enabled: true, SyncInterval: time.Hour, BackoffMax: time.Minute},
		Reconcile:      reconcile.Config{Enabled: true, Interval: time.Hour},
		Retention: retention.Config{
			Enabled:           true,
			Interval:          time.Hour,
			SnapshotRetention: 168 * time.Hour,
			MaxSnapshots:      10,
			HistoryRetention:  720 * time.Hour,
			ChangeRetention:   24 * time.Hour,
		},
		Health: health.Config{Enabled: true, Interval: time.Hour, PingTimeout: 5 * time.Second},
	}
}

func TestPeerRunsAndShutsDown(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	db, err := observerdb.Open(ctx, log, filepath.Join(ctx.Dir("db"), "observer.db"))
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	peer, err := observer.New(log, db, testConfig())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- peer.Run(runCtx) }()

	// the console is reachable while the peer runs
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + peer.Console.Server.Addr() + "/api/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("peer did not shut down")
	}
	require.NoError(t, peer.Close())
}

func TestPeerConfigVerify(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	db, err := observerdb.Open(ctx, log, filepath.Join(ctx.Dir("db"), "observer.db"))
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	config := testConfig()
	config.DebounceWindow = 0
	_, err = observer.New(log, db, config)
	require.Error(t, err)

	config = testConfig()
	config.Compare.MaxConcurrent = 0
	_, err = observer.New(log, db, config)
	require.Error(t, err)
}
