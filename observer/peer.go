// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package observer is the drift observer peer: it watches SQL Server
// databases and local .sql project folders, compares the two sides and
// reports divergence without ever writing to either.
package observer

import (
	"context"
	"net"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/changes"
	"github.com/schemawatch/schemawatch/observer/compare"
	"github.com/schemawatch/schemawatch/observer/console"
	"github.com/schemawatch/schemawatch/observer/dbmodel"
	"github.com/schemawatch/schemawatch/observer/dbpoll"
	"github.com/schemawatch/schemawatch/observer/events"
	"github.com/schemawatch/schemawatch/observer/filemodel"
	"github.com/schemawatch/schemawatch/observer/filewatch"
	"github.com/schemawatch/schemawatch/observer/health"
	"github.com/schemawatch/schemawatch/observer/reconcile"
	"github.com/schemawatch/schemawatch/observer/retention"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
	"github.com/schemawatch/schemawatch/private/lifecycle"
)

var (
	// Error is the default error class for the package.
	Error = errs.Class("observer")

	mon = monkit.Package()
)

// Peer is the observer process: every service and chore wired together
// over one master database.
//
// architecture: Peer
type Peer struct {
	Log    *zap.Logger
	DB     DB
	Config Config

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Events *events.Publisher

	Models struct {
		Database *dbmodel.Builder
		Files    *filemodel.Builder
	}

	Compare struct {
		Service *compare.Service
	}

	Changes struct {
		Debouncer *changes.Debouncer
		Processor *changes.Processor
	}

	Subscriptions struct {
		Service *subscriptions.Service
	}

	DBPoll struct {
		Chore *dbpoll.Chore
	}

	FileWatch struct {
		Service *filewatch.Service
	}

	Reconcile struct {
		Chore *reconcile.Chore
	}

	Retention struct {
		Chore *retention.Chore
	}

	Health struct {
		Chore *health.Chore
	}

	Console struct {
		Listener net.Listener
		Server   *console.Server
	}
}

// cascadeFunc adapts a function to the subscription delete cascade.
type cascadeFunc func(ctx context.Context, subscriptionID uuid.UUID) error

func (f cascadeFunc) DeleteBySubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	return f(ctx, subscriptionID)
}

// New creates a new observer peer.
func New(log *zap.Logger, db DB, config Config) (*Peer, error) {
	if err := config.Verify(log); err != nil {
		return nil, err
	}

	peer := &Peer{
		Log:    log,
		DB:     db,
		Config: config,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup events
		peer.Events = events.NewPublisher(log.Named("events"))
		peer.Services.Add(lifecycle.Item{
			Name:  "events",
			Close: peer.Events.Close,
		})
	}

	{ // setup model builders
		peer.Models.Database = dbmodel.NewBuilder(log.Named("dbmodel"))
		peer.Models.Files = filemodel.NewBuilder(log.Named("filemodel"))
	}

	{ // setup comparison orchestrator
		peer.Compare.Service = compare.NewService(log.Named("compare"),
			config.Compare,
			db.Subscriptions(),
			db.Snapshots(),
			db.History(),
			peer.Models.Database,
			peer.Models.Files,
			peer.Events,
		)
		peer.Services.Add(lifecycle.Item{
			Name:  "compare",
			Close: peer.Compare.Service.Close,
		})
	}

	{ // setup change pipeline
		peer.Changes.Processor = changes.NewProcessor(log.Named("changes"),
			db.PendingChanges(),
			db.Subscriptions(),
			peer.Compare.Service,
			peer.Events,
		)
		peer.Changes.Debouncer = changes.NewDebouncer(log.Named("debouncer"),
			config.DebounceWindow,
			peer.Changes.Processor.Handle,
		)
		peer.Services.Add(lifecycle.Item{
			Name:  "changes:debouncer",
			Run:   peer.Changes.Debouncer.Run,
			Close: peer.Changes.Debouncer.Close,
		})
	}

	{ // setup detectors
		peer.DBPoll.Chore = dbpoll.NewChore(log.Named("dbpoll"),
			config.DBPoll,
			db.Subscriptions(),
			peer.Models.Database,
			peer.Changes.Debouncer,
			peer.Events,
		)
		peer.Services.Add(lifecycle.Item{
			Name:  "dbpoll",
			Run:   peer.DBPoll.Chore.Run,
			Close: peer.DBPoll.Chore.Close,
		})

		peer.FileWatch.Service = filewatch.NewService(log.Named("filewatch"),
			config.FileWatch,
			db.Subscriptions(),
			peer.Changes.Debouncer,
			peer.Events,
		)
		peer.Services.Add(lifecycle.Item{
			Name:  "filewatch",
			Run:   peer.FileWatch.Service.Run,
			Close: peer.FileWatch.Service.Close,
		})
	}

	{ // setup subscriptions
		peer.Subscriptions.Service = subscriptions.NewService(log.Named("subscriptions"),
			db.Subscriptions(),
			peer.Events,
			db.Snapshots(),
			db.History(),
			db.PendingChanges(),
			cascadeFunc(func(ctx context.Context, id uuid.UUID) error {
				peer.Changes.Debouncer.Forget(id)
				peer.DBPoll.Chore.Forget(id)
				return nil
			}),
		)
	}

	{ // setup maintenance chores
		peer.Reconcile.Chore = reconcile.NewChore(log.Named("reconcile"),
			config.Reconcile,
			db.Subscriptions(),
			db.PendingChanges(),
			peer.Compare.Service,
		)
		peer.Services.Add(lifecycle.Item{
			Name:  "reconcile",
			Run:   peer.Reconcile.Chore.Run,
			Close: peer.Reconcile.Chore.Close,
		})

		peer.Retention.Chore = retention.NewChore(log.Named("retention"),
			config.Retention,
			db.Subscriptions(),
			db.Snapshots(),
			db.History(),
			db.PendingChanges(),
		)
		peer.Services.Add(lifecycle.Item{
			Name:  "retention",
			Run:   peer.Retention.Chore.Run,
			Close: peer.Retention.Chore.Close,
		})

		peer.Health.Chore = health.NewChore(log.Named("health"),
			config.Health,
			db.Subscriptions(),
			peer.Events,
		)
		peer.Services.Add(lifecycle.Item{
			Name:  "health",
			Run:   peer.Health.Chore.Run,
			Close: peer.Health.Chore.Close,
		})
	}

	{ // setup console
		listener, err := net.Listen("tcp", config.Console.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Console.Listener = listener
		peer.Console.Server = console.NewServer(log.Named("console"),
			config.Console,
			peer.Subscriptions.Service,
			peer.Compare.Service,
			db.History(),
			peer.Events,
			peer.Console.Listener,
		)
		peer.Servers.Add(lifecycle.Item{
			Name:  "console",
			Run:   peer.Console.Server.Run,
			Close: peer.Console.Server.Close,
		})
	}

	return peer, nil
}

// Run runs the observer until the context is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Servers.Run(ctx, group)
	peer.Services.Run(ctx, group)
	return group.Wait()
}

// Close announces the shutdown to connected clients and closes all
// resources in reverse order.
func (peer *Peer) Close() error {
	peer.Events.PublishAll(events.ServiceShuttingDown, nil)
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
