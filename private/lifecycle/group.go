// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package lifecycle allows controlling a group of items.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var mon = monkit.Package()

// Group implements a collection of items that have a life cycle.
type Group struct {
	log   *zap.Logger
	items []Item
}

// Item is the lifecycle item that group runs and closes.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// NewGroup creates a new lifecycle group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all the items in the group, each on their own goroutine.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	defer mon.Task()(&ctx)(nil)

	var started []string
	for _, item := range group.items {
		item := item
		started = append(started, item.Name)
		if item.Run == nil {
			continue
		}

		shutdownCtx, shutdownFinished := context.WithCancel(context.Background())
		go func() {
			select {
			case <-ctx.Done():
			case <-shutdownCtx.Done():
				return
			}
			t := time.NewTicker(15 * time.Second)
			defer t.Stop()
			select {
			case <-shutdownCtx.Done():
			case <-t.C:
				group.log.Warn("slow shutdown", zap.String("item", item.Name))
			}
		}()

		g.Go(func() error {
			defer shutdownFinished()

			var err error
			defer mon.TaskNamed(item.Name)(&ctx)(&err)

			err = item.Run(ctx)
			if errors.Is(ctx.Err(), context.Canceled) {
				err = errs2IgnoreCanceled(err)
			}
			if err != nil {
				group.log.Error("unexpected shutdown of a runner", zap.String("name", item.Name), zap.Error(err))
			}
			return err
		})
	}

	group.log.Debug("started", zap.Strings("items", started))
}

// Close closes all items in the group in reverse order.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		errlist.Add(item.Close())
	}

	return errlist.Err()
}

func errs2IgnoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
