// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package compare

import (
	"sort"

	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

// Outcome is the raw output of a comparison before it is persisted.
type Outcome struct {
	Differences []SchemaDifference
	Unsupported []UnsupportedObject

	ObjectsCompared  int
	ObjectsUnchanged int
}

// Diff compares a database snapshot against a file model.
//
// Supported objects are keyed by (schema, name, type) and matched
// across sides; objects whose type is outside the supported set are
// reported through the unsupported channel regardless of the
// subscription's allow-set. Objects of a supported type excluded by the
// allow-set are skipped entirely.
func Diff(snapshot *schema.Snapshot, files *schema.FileModel, opts subscriptions.Options) Outcome {
	var out Outcome

	dbSide := map[schema.ObjectKey]schema.ObjectSummary{}
	for _, object := range snapshot.Objects {
		switch {
		case !object.Type.Supported():
			out.Unsupported = append(out.Unsupported, UnsupportedObject{
				Source:     SourceDatabase,
				Type:       object.Type,
				SchemaName: object.SchemaName,
				ObjectName: object.ObjectName,
			})
		case opts.TypeAllowed(object.Type):
			dbSide[object.Key()] = object
		}
	}

	fileSide := map[schema.ObjectKey]schema.FileEntry{}
	for _, entry := range files.Entries {
		switch {
		case !entry.Type.Supported():
			out.Unsupported = append(out.Unsupported, UnsupportedObject{
				Source:     SourceFilesystem,
				Type:       entry.Type,
				SchemaName: entry.SchemaName,
				ObjectName: entry.ObjectName,
				FilePath:   entry.Path,
			})
		case opts.TypeAllowed(entry.Type):
			fileSide[entry.Summary().Key()] = entry
		}
	}

	seen := map[schema.ObjectKey]struct{}{}
	for key, object := range dbSide {
		seen[key] = struct{}{}
		entry, onBothSides := fileSide[key]
		if !onBothSides {
			out.Differences = append(out.Differences, SchemaDifference{
				Type:               key.Type,
				SchemaName:         key.Schema,
				ObjectName:         key.Name,
				Kind:               DiffAdd,
				Source:             SourceDatabase,
				DatabaseDefinition: object.Definition,
			})
			continue
		}
		if object.DefinitionHash == entry.ContentHash {
			out.ObjectsUnchanged++
			continue
		}
		out.Differences = append(out.Differences, SchemaDifference{
			Type:               key.Type,
			SchemaName:         key.Schema,
			ObjectName:         key.Name,
			Kind:               DiffModify,
			Source:             SourceDatabase,
			DatabaseDefinition: object.Definition,
			FileDefinition:     entry.Definition,
			FilePath:           entry.Path,
			Properties: []PropertyDifference{{
				Property:      "DefinitionHash",
				DatabaseValue: object.DefinitionHash,
				FileValue:     entry.ContentHash,
			}},
		})
	}
	for key, entry := range fileSide {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out.Differences = append(out.Differences, SchemaDifference{
			Type:           key.Type,
			SchemaName:     key.Schema,
			ObjectName:     key.Name,
			Kind:           DiffAdd,
			Source:         SourceFilesystem,
			FileDefinition: entry.Definition,
			FilePath:       entry.Path,
		})
	}

	out.ObjectsCompared = len(seen)

	sort.Slice(out.Differences, func(i, j int) bool {
		return out.Differences[i].Key().Less(out.Differences[j].Key())
	})
	sort.Slice(out.Unsupported, func(i, j int) bool {
		a, b := out.Unsupported[i], out.Unsupported[j]
		if a.Source != b.Source {
			return a.Source == SourceDatabase
		}
		ka := schema.ObjectKey{Type: a.Type, Schema: a.SchemaName, Name: a.ObjectName}
		kb := schema.ObjectKey{Type: b.Type, Schema: b.SchemaName, Name: b.ObjectName}
		return ka.Less(kb)
	})

	return out
}

// Summarize derives the summary counts from an outcome in a single
// pass.
func Summarize(out Outcome) Summary {
	summary := Summary{
		TotalDifferences: len(out.Differences),
		ObjectsCompared:  out.ObjectsCompared,
		ObjectsUnchanged: out.ObjectsUnchanged,
	}
	if len(out.Differences) > 0 {
		summary.ByType = map[schema.ObjectType]int{}
	}
	for _, diff := range out.Differences {
		summary.ByType[diff.Type]++
		switch diff.Kind {
		case DiffAdd:
			summary.Additions++
		case DiffModify:
			summary.Modifications++
		case DiffDelete:
			summary.Deletions++
		}
	}
	for _, unsupported := range out.Unsupported {
		if unsupported.Source == SourceDatabase {
			summary.UnsupportedDatabaseCount++
		} else {
			summary.UnsupportedFileCount++
		}
	}
	return summary
}
