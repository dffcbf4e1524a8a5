// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package subscriptions

import (
	"context"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/events"
)

var mon = monkit.Package()

// Cascade deletes data owned by a subscription. Snapshot, history and
// pending-change stores implement it so deletes cascade without the
// service depending on their packages.
type Cascade interface {
	DeleteBySubscription(ctx context.Context, subscriptionID uuid.UUID) error
}

// Service manages the subscription lifecycle.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	db       DB
	events   *events.Publisher
	cascades []Cascade

	nowFn func() time.Time
}

// NewService creates a subscription service.
func NewService(log *zap.Logger, db DB, publisher *events.Publisher, cascades ...Cascade) *Service {
	return &Service{
		log:      log,
		db:       db,
		events:   publisher,
		cascades: cascades,
		nowFn:    time.Now,
	}
}

// TestingSetNow allows tests to control the service clock.
func (service *Service) TestingSetNow(nowFn func() time.Time) {
	service.nowFn = nowFn
}

// Create registers a new subscription and returns it in state active.
func (service *Service) Create(ctx context.Context, sub Subscription) (_ *Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	if strings.TrimSpace(sub.Name) == "" {
		return nil, Error.New("name is required")
	}
	if sub.Folder.RootPath == "" {
		return nil, Error.New("project folder root path is required")
	}
	if sub.Database.Server == "" || sub.Database.Database == "" {
		return nil, Error.New("database server and name are required")
	}

	sub.ID, err = uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	now := service.nowFn().UTC()
	sub.State = StateActive
	sub.Health = Health{Status: HealthUnknown}
	sub.CreatedAt = now
	sub.UpdatedAt = now
	sub.PausedAt = nil
	sub.ResumedAt = nil
	sub.LastComparedAt = nil

	if err := service.db.Insert(ctx, &sub); err != nil {
		return nil, err
	}

	service.log.Info("subscription created",
		zap.Stringer("id", sub.ID), zap.String("name", sub.Name))
	service.events.Publish(sub.ID, events.SubscriptionCreated, map[string]interface{}{
		"name": sub.Name,
	})
	return &sub, nil
}

// Update replaces the connection, folder and options of an existing
// subscription.
func (service *Service) Update(ctx context.Context, id uuid.UUID, name string, database DatabaseConnection, folder ProjectFolder, options Options) (_ *Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	sub, err := service.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if name != "" {
		sub.Name = name
	}
	sub.Database = database
	sub.Folder = folder
	sub.Options = options
	sub.UpdatedAt = service.nowFn().UTC()

	if err := service.db.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Get returns a subscription by id.
func (service *Service) Get(ctx context.Context, id uuid.UUID) (_ *Subscription, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.Get(ctx, id)
}

// List returns all subscriptions.
func (service *Service) List(ctx context.Context) (_ []*Subscription, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.List(ctx)
}

// Pause moves a subscription to state paused. Paused subscriptions are
// invisible to all workers but keep their persisted data.
func (service *Service) Pause(ctx context.Context, id uuid.UUID) (_ *Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	sub, err := service.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.State == StatePaused {
		return sub, nil
	}

	now := service.nowFn().UTC()
	sub.State = StatePaused
	sub.PausedAt = &now
	sub.UpdatedAt = now
	if err := service.db.Update(ctx, sub); err != nil {
		return nil, err
	}

	service.events.Publish(sub.ID, events.SubscriptionStateChanged, map[string]interface{}{
		"state": sub.State,
	})
	return sub, nil
}

// Resume moves a paused subscription back to active. It fails with
// ErrNotPaused when the subscription is in any other state.
func (service *Service) Resume(ctx context.Context, id uuid.UUID) (_ *Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	sub, err := service.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.State != StatePaused {
		return nil, ErrNotPaused.New("%s is %s", sub.Name, sub.State)
	}

	now := service.nowFn().UTC()
	sub.State = StateActive
	sub.ResumedAt = &now
	sub.UpdatedAt = now
	if err := service.db.Update(ctx, sub); err != nil {
		return nil, err
	}

	service.events.Publish(sub.ID, events.SubscriptionStateChanged, map[string]interface{}{
		"state": sub.State,
	})
	return sub, nil
}

// Delete removes a subscription and cascades to the data it owns.
func (service *Service) Delete(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	sub, err := service.db.Get(ctx, id)
	if err != nil {
		return err
	}

	for _, cascade := range service.cascades {
		if err := cascade.DeleteBySubscription(ctx, id); err != nil {
			return Error.Wrap(err)
		}
	}
	if err := service.db.Delete(ctx, id); err != nil {
		return err
	}

	service.log.Info("subscription deleted",
		zap.Stringer("id", id), zap.String("name", sub.Name))
	service.events.Publish(id, events.SubscriptionDeleted, map[string]interface{}{
		"name": sub.Name,
	})
	return nil
}
