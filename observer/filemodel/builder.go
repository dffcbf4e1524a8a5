// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package filemodel scans a subscription's project folder and builds
// the file side of a comparison: one fingerprinted entry per .sql file,
// classified by path layout or by the script's leading statement.
package filemodel

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/schemawatch/schemawatch/observer/normalize"
	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("filemodel")
)

// Builder scans project folders into file models.
//
// architecture: Service
type Builder struct {
	log *zap.Logger

	nowFn func() time.Time
}

// NewBuilder creates a file model builder.
func NewBuilder(log *zap.Logger) *Builder {
	return &Builder{log: log, nowFn: time.Now}
}

// TestingSetNow allows tests to control capture instants.
func (b *Builder) TestingSetNow(nowFn func() time.Time) { b.nowFn = nowFn }

// Build walks the subscription's folder and returns the file model.
// Unreadable individual files are skipped with a warning; a missing or
// unreadable root is an error.
func (b *Builder) Build(ctx context.Context, sub *subscriptions.Subscription) (_ *schema.FileModel, err error) {
	defer mon.Task()(&ctx)(&err)

	root := sub.Folder.RootPath
	info, err := os.Stat(root)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !info.IsDir() {
		return nil, Error.New("project folder %q is not a directory", root)
	}

	opts := normalize.Options{
		StripComments:      sub.Options.IgnoreComments,
		CollapseWhitespace: sub.Options.IgnoreWhitespace,
	}

	model := &schema.FileModel{
		SubscriptionID: sub.ID,
		CapturedAt:     b.nowFn().UTC(),
		Entries:        map[string]schema.FileEntry{},
	}

	err = filepath.WalkDir(root, func(fullPath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if entry != nil && entry.IsDir() {
				b.log.Warn("skipping unreadable directory",
					zap.String("path", fullPath), zap.Error(walkErr))
				return filepath.SkipDir
			}
			b.log.Warn("skipping unreadable entry",
				zap.String("path", fullPath), zap.Error(walkErr))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, fullPath)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if entry.IsDir() {
			if rel != "." && matchesAny(sub.Folder.Exclude, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(path.Ext(rel), ".sql") {
			return nil
		}
		if !Eligible(sub.Folder, rel) {
			return nil
		}

		fileEntry, err := b.readEntry(fullPath, rel, sub.Folder.Layout, opts)
		if err != nil {
			b.log.Warn("skipping unreadable file",
				zap.String("path", fullPath), zap.Error(err))
			return nil
		}
		model.Entries[rel] = fileEntry
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	mon.IntVal("file_model_entries").Observe(int64(len(model.Entries)))
	return model, nil
}

func (b *Builder) readEntry(fullPath, rel string, layout subscriptions.LayoutKind, opts normalize.Options) (schema.FileEntry, error) {
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return schema.FileEntry{}, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		return schema.FileEntry{}, err
	}

	text := string(content)
	schemaName, objectName, objectType := classify(rel, text, layout)
	normalized := normalize.Normalize(text, opts)

	return schema.FileEntry{
		Path:           rel,
		SchemaName:     schemaName,
		ObjectName:     objectName,
		Type:           objectType,
		ContentHash:    schema.HashDefinition(normalized),
		Definition:     normalized,
		LastModifiedAt: info.ModTime().UTC(),
	}, nil
}

// Eligible reports whether a slash-separated path relative to the
// folder root passes the folder's include and exclude patterns.
// Exclude wins over include; an empty include set admits everything.
func Eligible(folder subscriptions.ProjectFolder, rel string) bool {
	if matchesAny(folder.Exclude, rel) {
		return false
	}
	if len(folder.Include) == 0 {
		return true
	}
	return matchesAny(folder.Include, rel)
}

// matchesAny matches glob patterns against the relative path and, for
// patterns without a separator, against the base name alone.
func matchesAny(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, rel); err == nil && ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, err := path.Match(pattern, base); err == nil && ok {
				return true
			}
		}
	}
	return false
}
