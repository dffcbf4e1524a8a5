// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package health periodically checks each active subscription's
// database reachability and project folder, persists the outcome, and
// emits an event when the derived status changes.
package health

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/dbmodel"
	"github.com/schemawatch/schemawatch/observer/events"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("health")
)

// Config contains configurable values for the health chore.
type Config struct {
	Enabled     bool          `help:"whether health checking runs" default:"true"`
	Interval    time.Duration `help:"how often each subscription is health-checked" default:"1m" testDefault:"$TESTINTERVAL"`
	PingTimeout time.Duration `help:"upper bound on a database reachability probe" default:"5s"`
}

// IssueType classifies a health issue.
type IssueType string

// Issue types carried in the subscription-health-changed event.
const (
	IssueDatabase IssueType = "database"
	IssueFolder   IssueType = "folder"
	IssueFiles    IssueType = "files"
)

// Issue is one reason a subscription is not healthy.
type Issue struct {
	Type    IssueType `json:"type"`
	Message string    `json:"message"`
	Since   time.Time `json:"since"`
}

// Chore probes the database and folder of every active subscription.
//
// architecture: Chore
type Chore struct {
	log           *zap.Logger
	config        Config
	subscriptions subscriptions.DB
	events        *events.Publisher
	open          dbmodel.OpenFunc

	Loop *sync2.Cycle

	// issue start instants, owned by the Run goroutine
	since map[uuid.UUID]map[IssueType]time.Time

	nowFn func() time.Time
}

// NewChore creates the health chore.
func NewChore(log *zap.Logger, config Config, subs subscriptions.DB, publisher *events.Publisher) *Chore {
	return &Chore{
		log:           log,
		config:        config,
		subscriptions: subs,
		events:        publisher,
		open:          dbmodel.Open,
		Loop:          sync2.NewCycle(config.Interval),
		since:         map[uuid.UUID]map[IssueType]time.Time{},
		nowFn:         time.Now,
	}
}

// TestingSetOpen replaces the connection factory, for tests.
func (chore *Chore) TestingSetOpen(open dbmodel.OpenFunc) { chore.open = open }

// TestingSetNow allows tests to control check instants.
func (chore *Chore) TestingSetNow(nowFn func() time.Time) { chore.nowFn = nowFn }

// Run executes the health loop until the context is canceled.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if !chore.config.Enabled {
		return nil
	}
	return chore.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("health pass failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce checks every active subscription.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	subs, err := chore.subscriptions.ListActive(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	active := map[uuid.UUID]struct{}{}
	for _, sub := range subs {
		active[sub.ID] = struct{}{}
		if err := chore.checkOne(ctx, sub); err != nil {
			chore.log.Warn("health check failed",
				zap.Stringer("subscription", sub.ID),
				zap.Error(err))
		}
	}
	for id := range chore.since {
		if _, ok := active[id]; !ok {
			delete(chore.since, id)
		}
	}
	return nil
}

func (chore *Chore) checkOne(ctx context.Context, sub *subscriptions.Subscription) (err error) {
	defer mon.Task()(&ctx)(&err)
	now := chore.nowFn().UTC()

	health := subscriptions.Health{LastCheckedAt: now}
	var issues []Issue

	pingCtx, cancel := context.WithTimeout(ctx, chore.config.PingTimeout)
	pingErr := dbmodel.Ping(pingCtx, chore.open, sub.Database)
	cancel()
	if pingErr == nil {
		health.DatabaseConnectable = true
	} else {
		health.LastError = pingErr.Error()
		issues = append(issues, chore.issue(sub.ID, IssueDatabase,
			fmt.Sprintf("database unreachable: %v", pingErr), now))
	}

	files, folderErr := countProjectFiles(sub.Folder.RootPath)
	if folderErr == nil {
		health.FolderAccessible = true
		health.FilesPresent = files > 0
		if files == 0 {
			issues = append(issues, chore.issue(sub.ID, IssueFiles,
				"project folder contains no .sql files", now))
		}
	} else {
		health.LastError = folderErr.Error()
		issues = append(issues, chore.issue(sub.ID, IssueFolder,
			fmt.Sprintf("project folder inaccessible: %v", folderErr), now))
	}

	health.Status = subscriptions.DeriveStatus(
		health.DatabaseConnectable, health.FolderAccessible, health.FilesPresent)

	chore.dropResolved(sub.ID, issues)

	if err := chore.subscriptions.UpdateHealth(ctx, sub.ID, health); err != nil {
		return Error.Wrap(err)
	}

	if health.Status != sub.Health.Status {
		mon.Counter("health_transitions").Inc(1)
		chore.log.Info("subscription health changed",
			zap.Stringer("subscription", sub.ID),
			zap.String("from", string(sub.Health.Status)),
			zap.String("to", string(health.Status)))
		chore.events.Publish(sub.ID, events.SubscriptionHealthChanged, map[string]interface{}{
			"status": health.Status,
			"issues": issues,
		})
	}
	return nil
}

// issue builds an Issue preserving the instant it first appeared.
func (chore *Chore) issue(subscriptionID uuid.UUID, issueType IssueType, message string, now time.Time) Issue {
	byType, ok := chore.since[subscriptionID]
	if !ok {
		byType = map[IssueType]time.Time{}
		chore.since[subscriptionID] = byType
	}
	since, ok := byType[issueType]
	if !ok {
		since = now
		byType[issueType] = since
	}
	return Issue{Type: issueType, Message: message, Since: since}
}

// dropResolved clears start instants of issues no longer present.
func (chore *Chore) dropResolved(subscriptionID uuid.UUID, current []Issue) {
	byType, ok := chore.since[subscriptionID]
	if !ok {
		return
	}
	present := map[IssueType]struct{}{}
	for _, issue := range current {
		present[issue.Type] = struct{}{}
	}
	for issueType := range byType {
		if _, ok := present[issueType]; !ok {
			delete(byType, issueType)
		}
	}
}

// countProjectFiles verifies the folder is a readable directory and
// counts the .sql files under it.
func countProjectFiles(root string) (count int, err error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 0, Error.New("%q is not a directory", root)
	}
	err = filepath.WalkDir(root, func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == root {
				return walkErr
			}
			return nil
		}
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(p), ".sql") {
			count++
		}
		return nil
	})
	return count, err
}

// Close stops the health loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
