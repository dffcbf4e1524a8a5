// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package subscriptions_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/events"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
	"github.com/schemawatch/schemawatch/observerdb"
)

type recordingCascade struct {
	deleted []uuid.UUID
}

func (c *recordingCascade) DeleteBySubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	c.deleted = append(c.deleted, subscriptionID)
	return nil
}

func newService(t *testing.T, ctx *testcontext.Context, cascades ...subscriptions.Cascade) (*subscriptions.Service, *events.Publisher) {
	log := zaptest.NewLogger(t)
	db, err := observerdb.Open(ctx, log, filepath.Join(ctx.Dir("db"), "observer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	publisher := events.NewPublisher(log)
	t.Cleanup(func() { require.NoError(t, publisher.Close()) })

	return subscriptions.NewService(log, db.Subscriptions(), publisher, cascades...), publisher
}

func validSubscription(name string) subscriptions.Subscription {
	return subscriptions.Subscription{
		Name: name,
		Database: subscriptions.DatabaseConnection{
			Server:   "localhost",
			Database: "app",
			Auth:     subscriptions.AuthIntegrated,
		},
		Folder: subscriptions.ProjectFolder{
			RootPath: "/srv/project",
			Layout:   subscriptions.LayoutBySchema,
		},
		Options: subscriptions.Options{AutoCompare: true, CompareOnFileChange: true},
	}
}

func TestServiceCreate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, publisher := newService(t, ctx)
	listener := publisher.JoinAll()

	created, err := service.Create(ctx, validSubscription("Production"))
	require.NoError(t, err)
	require.Equal(t, subscriptions.StateActive, created.State)
	require.Equal(t, subscriptions.HealthUnknown, created.Health.Status)
	require.False(t, created.CreatedAt.IsZero())
	require.Nil(t, created.LastComparedAt)

	select {
	case event := <-listener.Events():
		require.Equal(t, events.SubscriptionCreated, event.Name)
		require.Equal(t, created.ID, event.SubscriptionID)
	case <-time.After(time.Second):
		t.Fatal("missing created event")
	}

	// duplicate names collide case-insensitively
	_, err = service.Create(ctx, validSubscription("production"))
	require.True(t, subscriptions.ErrNameInUse.Has(err))

	// required fields
	_, err = service.Create(ctx, validSubscription(""))
	require.Error(t, err)
	invalid := validSubscription("NoFolder")
	invalid.Folder.RootPath = ""
	_, err = service.Create(ctx, invalid)
	require.Error(t, err)
	invalid = validSubscription("NoServer")
	invalid.Database.Server = ""
	_, err = service.Create(ctx, invalid)
	require.Error(t, err)
}

func TestServicePauseResume(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newService(t, ctx)
	created, err := service.Create(ctx, validSubscription("Production"))
	require.NoError(t, err)

	// resume on an active subscription is a conflict
	_, err = service.Resume(ctx, created.ID)
	require.True(t, subscriptions.ErrNotPaused.Has(err))

	paused, err := service.Pause(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptions.StatePaused, paused.State)
	require.NotNil(t, paused.PausedAt)

	// pause is idempotent
	again, err := service.Pause(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptions.StatePaused, again.State)

	resumed, err := service.Resume(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptions.StateActive, resumed.State)
	require.NotNil(t, resumed.ResumedAt)
}

func TestServiceUpdate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _ := newService(t, ctx)
	created, err := service.Create(ctx, validSubscription("Production"))
	require.NoError(t, err)

	folder := created.Folder
	folder.RootPath = "/srv/other"
	options := created.Options
	options.IgnoreWhitespace = true

	updated, err := service.Update(ctx, created.ID, "Renamed", created.Database, folder, options)
	require.NoError(t, err)
	require.Equal(t, "Renamed", updated.Name)
	require.Equal(t, "/srv/other", updated.Folder.RootPath)
	require.True(t, updated.Options.IgnoreWhitespace)

	_, err = service.Update(ctx, testrand.UUID(), "x", created.Database, folder, options)
	require.True(t, subscriptions.ErrNotFound.Has(err))
}

func TestServiceDeleteCascades(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cascade := &recordingCascade{}
	service, publisher := newService(t, ctx, cascade)
	listener := publisher.JoinAll()

	created, err := service.Create(ctx, validSubscription("Production"))
	require.NoError(t, err)

	require.NoError(t, service.Delete(ctx, created.ID))
	require.Equal(t, []uuid.UUID{created.ID}, cascade.deleted)

	_, err = service.Get(ctx, created.ID)
	require.True(t, subscriptions.ErrNotFound.Has(err))

	var names []string
	for i := 0; i < 2; i++ {
		select {
		case event := <-listener.Events():
			names = append(names, event.Name)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	require.Equal(t, []string{events.SubscriptionCreated, events.SubscriptionDeleted}, names)

	require.True(t, subscriptions.ErrNotFound.Has(service.Delete(ctx, created.ID)))
}
