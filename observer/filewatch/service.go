// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package filewatch detects file-side changes. It keeps recursive
// fsnotify watches over the project folders of active subscriptions and
// feeds .sql events into the debouncer. A periodic sync pass picks up
// subscriptions that were created, deleted, paused or repointed.
package filewatch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/changes"
	"github.com/schemawatch/schemawatch/observer/events"
	"github.com/schemawatch/schemawatch/observer/filemodel"
	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("filewatch")
)

// Config contains configurable values for the filesystem watcher.
type Config struct {
	Enabled      bool          `help:"whether filesystem watching runs" default:"true"`
	SyncInterval time.Duration `help:"how often watched folders are reconciled with active subscriptions" default:"30s" testDefault:"$TESTINTERVAL"`
	BackoffMax   time.Duration `help:"maximum delay before recreating a failed watcher" default:"5m"`
}

type watched struct {
	root   string
	folder subscriptions.ProjectFolder
}

// Service owns the fsnotify watcher. When the watcher itself fails it
// is disposed and recreated with exponential backoff; individual event
// errors only log.
//
// architecture: Service
type Service struct {
	log           *zap.Logger
	config        Config
	subscriptions subscriptions.DB
	debouncer     *changes.Debouncer
	events        *events.Publisher

	// watches and dirs are owned by the Run goroutine.
	watches map[uuid.UUID]watched
	dirs    map[string]struct{}
}

// NewService creates the filesystem watcher service.
func NewService(log *zap.Logger, config Config, subs subscriptions.DB, debouncer *changes.Debouncer, publisher *events.Publisher) *Service {
	return &Service{
		log:           log,
		config:        config,
		subscriptions: subs,
		debouncer:     debouncer,
		events:        publisher,
		watches:       map[uuid.UUID]watched{},
		dirs:          map[string]struct{}{},
	}
}

// Run watches project folders until the context is canceled. Each
// watcher failure doubles the restart delay up to the configured
// maximum; a healthy run resets it.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if !service.config.Enabled {
		return nil
	}

	backoff := time.Second
	for {
		started := time.Now()
		err := service.runWatcher(ctx)
		if ctx.Err() != nil {
			return nil
		}
		service.log.Error("watcher failed, recreating", zap.Error(err))
		mon.Counter("filewatch_restarts").Inc(1)

		if time.Since(started) > service.config.BackoffMax {
			backoff = time.Second
		}
		if !sync2.Sleep(ctx, backoff) {
			return nil
		}
		backoff *= 2
		if backoff > service.config.BackoffMax {
			backoff = service.config.BackoffMax
		}
	}
}

func (service *Service) runWatcher(ctx context.Context) (err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(watcher.Close())) }()

	service.watches = map[uuid.UUID]watched{}
	service.dirs = map[string]struct{}{}
	if err := service.sync(ctx, watcher); err != nil {
		service.log.Warn("initial folder sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(service.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := service.sync(ctx, watcher); err != nil {
				service.log.Warn("folder sync failed", zap.Error(err))
			}
		case event, ok := <-watcher.Events:
			if !ok {
				return Error.New("event channel closed")
			}
			service.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return Error.New("error channel closed")
			}
			return Error.Wrap(err)
		}
	}
}

// sync reconciles the watched folders with the current set of active
// subscriptions: folders of new or repointed subscriptions are added,
// folders of paused or deleted ones removed.
func (service *Service) sync(ctx context.Context, watcher *fsnotify.Watcher) (err error) {
	defer mon.Task()(&ctx)(&err)

	subs, err := service.subscriptions.ListActive(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	desired := map[uuid.UUID]watched{}
	for _, sub := range subs {
		root, err := filepath.Abs(sub.Folder.RootPath)
		if err != nil {
			service.log.Warn("unresolvable project folder",
				zap.Stringer("subscription", sub.ID),
				zap.String("path", sub.Folder.RootPath))
			continue
		}
		desired[sub.ID] = watched{root: root, folder: sub.Folder}
	}

	for id, current := range service.watches {
		want, ok := desired[id]
		if ok && want.root == current.root {
			continue
		}
		delete(service.watches, id)
		service.removeOrphanDirs(watcher, desired)
	}

	for id, want := range desired {
		if current, ok := service.watches[id]; ok && current.root == want.root {
			service.watches[id] = want // refresh patterns
			continue
		}
		if err := service.addTree(watcher, want.root); err != nil {
			service.log.Warn("failed to watch project folder",
				zap.Stringer("subscription", id),
				zap.String("path", want.root),
				zap.Error(err))
			continue
		}
		service.watches[id] = want
	}
	return nil
}

// removeOrphanDirs drops watched directories no longer under any
// desired root.
func (service *Service) removeOrphanDirs(watcher *fsnotify.Watcher, desired map[uuid.UUID]watched) {
	for dir := range service.dirs {
		owned := false
		for _, want := range desired {
			if underRoot(want.root, dir) {
				owned = true
				break
			}
		}
		if !owned {
			_ = watcher.Remove(dir)
			delete(service.dirs, dir)
		}
	}
}

// addTree watches root and every directory below it.
func (service *Service) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(dir string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if _, ok := service.dirs[dir]; ok {
			return nil
		}
		if err := watcher.Add(dir); err != nil {
			return err
		}
		service.dirs[dir] = struct{}{}
		return nil
	})
}

func (service *Service) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	// a created directory must be watched before events inside it fire
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := service.addTree(watcher, event.Name); err != nil {
				service.log.Warn("failed to watch new directory",
					zap.String("path", event.Name), zap.Error(err))
			}
			return
		}
	}
	if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		if _, ok := service.dirs[event.Name]; ok {
			delete(service.dirs, event.Name)
			return
		}
	}

	if !strings.EqualFold(filepath.Ext(event.Name), ".sql") {
		return
	}

	var kind changes.Kind
	switch {
	case event.Op.Has(fsnotify.Create):
		kind = changes.KindCreated
	case event.Op.Has(fsnotify.Write):
		kind = changes.KindModified
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		kind = changes.KindDeleted
	default:
		return
	}

	for id, want := range service.watches {
		if !underRoot(want.root, event.Name) {
			continue
		}
		rel, err := filepath.Rel(want.root, event.Name)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if !filemodel.Eligible(want.folder, rel) {
			continue
		}

		mon.Counter("filewatch_changes").Inc(1)
		service.events.Publish(id, events.FileChanged, map[string]interface{}{
			"path": rel,
			"kind": kind,
		})
		service.debouncer.Record(id, event.Name, changes.SourceFilesystem, kind, schema.TypeUnknown)
	}
}

func underRoot(root, p string) bool {
	root = filepath.ToSlash(root)
	p = filepath.ToSlash(p)
	return p == root || strings.HasPrefix(p, root+"/")
}

// Close stops the service; cancellation of the Run context does the
// actual teardown.
func (service *Service) Close() error {
	return nil
}
