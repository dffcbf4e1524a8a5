// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package dbmodel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/normalize"
	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

var mon = monkit.Package()

// typeFromCode maps sys.objects type codes to object types.
func typeFromCode(code string) schema.ObjectType {
	switch strings.TrimSpace(code) {
	case "U":
		return schema.TypeTable
	case "V":
		return schema.TypeView
	case "P":
		return schema.TypeStoredProcedure
	case "FN":
		return schema.TypeScalarFunction
	case "IF":
		return schema.TypeInlineTableValuedFunction
	case "TF":
		return schema.TypeTableValuedFunction
	case "TR":
		return schema.TypeTrigger
	default:
		return schema.TypeUnknown
	}
}

func codeFromType(t schema.ObjectType) string {
	switch t {
	case schema.TypeTable:
		return "U"
	case schema.TypeView:
		return "V"
	case schema.TypeStoredProcedure:
		return "P"
	case schema.TypeScalarFunction:
		return "FN"
	case schema.TypeInlineTableValuedFunction:
		return "IF"
	case schema.TypeTableValuedFunction:
		return "TF"
	case schema.TypeTrigger:
		return "TR"
	default:
		return ""
	}
}

// Builder extracts schema snapshots from live databases.
//
// architecture: Service
type Builder struct {
	log  *zap.Logger
	open OpenFunc

	nowFn func() time.Time
}

// NewBuilder creates a database model builder.
func NewBuilder(log *zap.Logger) *Builder {
	return &Builder{log: log, open: Open, nowFn: time.Now}
}

// TestingSetOpen replaces the connection factory, for tests.
func (b *Builder) TestingSetOpen(open OpenFunc) { b.open = open }

// TestingSetNow allows tests to control capture instants.
func (b *Builder) TestingSetNow(nowFn func() time.Time) { b.nowFn = nowFn }

// Snapshot captures all supported objects of the subscription's
// database, plus server logins carried as unsupported. partial reports
// that one or more categories or objects could not be read.
func (b *Builder) Snapshot(ctx context.Context, sub *subscriptions.Subscription) (_ *schema.Snapshot, partial bool, err error) {
	defer mon.Task()(&ctx)(&err)
	return b.snapshot(ctx, sub, "")
}

// SnapshotType captures only objects of the given type.
func (b *Builder) SnapshotType(ctx context.Context, sub *subscriptions.Subscription, objectType schema.ObjectType) (_ *schema.Snapshot, partial bool, err error) {
	defer mon.Task()(&ctx)(&err)
	return b.snapshot(ctx, sub, objectType)
}

func (b *Builder) snapshot(ctx context.Context, sub *subscriptions.Subscription, only schema.ObjectType) (_ *schema.Snapshot, partial bool, err error) {
	db, err := b.open(ctx, sub.Database)
	if err != nil {
		return nil, false, err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	opts := normalize.Options{
		StripComments:      sub.Options.IgnoreComments,
		CollapseWhitespace: sub.Options.IgnoreWhitespace,
	}

	var objects []schema.ObjectSummary
	collect := func(read func() ([]schema.ObjectSummary, bool, error), category string) {
		summaries, incomplete, err := read()
		if err != nil {
			partial = true
			b.log.Warn("failed to read category",
				zap.String("category", category),
				zap.Stringer("subscription", sub.ID),
				zap.Error(err))
			return
		}
		partial = partial || incomplete
		objects = append(objects, summaries...)
	}

	switch {
	case only == "":
		collect(func() ([]schema.ObjectSummary, bool, error) { return b.readModules(ctx, db, opts, "") }, "modules")
		collect(func() ([]schema.ObjectSummary, bool, error) { return b.readTables(ctx, db, opts) }, "tables")
		collect(func() ([]schema.ObjectSummary, bool, error) { return b.readPrincipals(ctx, db, opts, "") }, "principals")
		collect(func() ([]schema.ObjectSummary, bool, error) { return b.readLogins(ctx, db, opts) }, "logins")
	case only == schema.TypeTable:
		collect(func() ([]schema.ObjectSummary, bool, error) { return b.readTables(ctx, db, opts) }, "tables")
	case only == schema.TypeUser || only == schema.TypeRole:
		collect(func() ([]schema.ObjectSummary, bool, error) { return b.readPrincipals(ctx, db, opts, only) }, "principals")
	case only == schema.TypeLogin:
		collect(func() ([]schema.ObjectSummary, bool, error) { return b.readLogins(ctx, db, opts) }, "logins")
	case codeFromType(only) != "":
		collect(func() ([]schema.ObjectSummary, bool, error) { return b.readModules(ctx, db, opts, only) }, "modules")
	default:
		return nil, false, Error.New("cannot snapshot object type %q", only)
	}

	snapshot := &schema.Snapshot{
		SubscriptionID:   sub.ID,
		CapturedAt:       b.nowFn().UTC(),
		NormalizeVersion: normalize.Version,
		Objects:          objects,
	}
	snapshot.ID, err = uuid.New()
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	snapshot.Hash = schema.CalculateHash(objects)
	return snapshot, partial, nil
}

// readModules reads every object whose definition text lives in
// sys.sql_modules: views, procedures, functions and triggers.
func (b *Builder) readModules(ctx context.Context, db *sql.DB, opts normalize.Options, only schema.ObjectType) (_ []schema.ObjectSummary, partial bool, err error) {
	query := `
		SELECT s.name, o.name, o.type, m.definition, o.modify_date
		FROM sys.objects o
		JOIN sys.schemas s ON s.schema_id = o.schema_id
		JOIN sys.sql_modules m ON m.object_id = o.object_id
		WHERE o.type IN ('V', 'P', 'FN', 'IF', 'TF', 'TR')`
	args := []interface{}{}
	if only != "" {
		query += ` AND o.type = @only`
		args = append(args, sql.Named("only", codeFromType(only)))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var objects []schema.ObjectSummary
	for rows.Next() {
		var schemaName, objectName, typeCode string
		var definition sql.NullString
		var modified time.Time
		if err := rows.Scan(&schemaName, &objectName, &typeCode, &definition, &modified); err != nil {
			return nil, false, Error.Wrap(err)
		}
		if !definition.Valid {
			// encrypted module; its text cannot be read
			partial = true
			b.log.Debug("skipping object without readable definition",
				zap.String("schema", schemaName), zap.String("object", objectName))
			continue
		}
		objects = append(objects, b.summary(schemaName, objectName, typeFromCode(typeCode), definition.String, modified, opts))
	}
	return objects, partial, Error.Wrap(rows.Err())
}

// readTables synthesizes a canonical CREATE TABLE script per table from
// the column catalog, since tables carry no definition text.
func (b *Builder) readTables(ctx context.Context, db *sql.DB, opts normalize.Options) (_ []schema.ObjectSummary, partial bool, err error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.name, t.name, c.name, ty.name,
		       c.max_length, c.precision, c.scale, c.is_nullable, c.is_identity,
		       t.modify_date
		FROM sys.tables t
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		JOIN sys.columns c ON c.object_id = t.object_id
		JOIN sys.types ty ON ty.user_type_id = c.user_type_id
		ORDER BY s.name, t.name, c.column_id`)
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var objects []schema.ObjectSummary
	var current struct {
		schemaName string
		tableName  string
		modified   time.Time
		columns    []string
	}
	flush := func() {
		if current.tableName == "" {
			return
		}
		definition := fmt.Sprintf("CREATE TABLE [%s].[%s] (\n\t%s\n)",
			current.schemaName, current.tableName, strings.Join(current.columns, ",\n\t"))
		objects = append(objects, b.summary(current.schemaName, current.tableName, schema.TypeTable, definition, current.modified, opts))
		current.columns = nil
	}

	for rows.Next() {
		var schemaName, tableName, columnName, typeName string
		var maxLength int64
		var precision, scale int64
		var nullable, identity bool
		var modified time.Time
		if err := rows.Scan(&schemaName, &tableName, &columnName, &typeName,
			&maxLength, &precision, &scale, &nullable, &identity, &modified); err != nil {
			return nil, false, Error.Wrap(err)
		}
		if schemaName != current.schemaName || tableName != current.tableName {
			flush()
			current.schemaName, current.tableName, current.modified = schemaName, tableName, modified
		}
		current.columns = append(current.columns, renderColumn(columnName, typeName, maxLength, precision, scale, nullable, identity))
	}
	flush()
	return objects, false, Error.Wrap(rows.Err())
}

// renderColumn renders one column of a synthesized table definition.
func renderColumn(name, typeName string, maxLength, precision, scale int64, nullable, identity bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", name, typeName)

	switch typeName {
	case "char", "varchar", "binary", "varbinary":
		if maxLength < 0 {
			sb.WriteString("(MAX)")
		} else {
			fmt.Fprintf(&sb, "(%d)", maxLength)
		}
	case "nchar", "nvarchar":
		if maxLength < 0 {
			sb.WriteString("(MAX)")
		} else {
			fmt.Fprintf(&sb, "(%d)", maxLength/2)
		}
	case "decimal", "numeric":
		fmt.Fprintf(&sb, "(%d, %d)", precision, scale)
	}
	if identity {
		sb.WriteString(" IDENTITY")
	}
	if nullable {
		sb.WriteString(" NULL")
	} else {
		sb.WriteString(" NOT NULL")
	}
	return sb.String()
}

// readPrincipals reads database users and roles.
func (b *Builder) readPrincipals(ctx context.Context, db *sql.DB, opts normalize.Options, only schema.ObjectType) (_ []schema.ObjectSummary, partial bool, err error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, type, modify_date
		FROM sys.database_principals
		WHERE type IN ('S', 'U', 'R')
		  AND principal_id > 4
		  AND is_fixed_role = 0`)
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var objects []schema.ObjectSummary
	for rows.Next() {
		var name, typeCode string
		var modified time.Time
		if err := rows.Scan(&name, &typeCode, &modified); err != nil {
			return nil, false, Error.Wrap(err)
		}

		objectType := schema.TypeUser
		definition := fmt.Sprintf("CREATE USER [%s]", name)
		if strings.TrimSpace(typeCode) == "R" {
			objectType = schema.TypeRole
			definition = fmt.Sprintf("CREATE ROLE [%s]", name)
		}
		if only != "" && only != objectType {
			continue
		}
		objects = append(objects, b.summary("", name, objectType, definition, modified, opts))
	}
	return objects, false, Error.Wrap(rows.Err())
}

// readLogins reads server-level principals. Logins are outside the
// supported set; they surface only through the unsupported channel.
func (b *Builder) readLogins(ctx context.Context, db *sql.DB, opts normalize.Options) (_ []schema.ObjectSummary, partial bool, err error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, modify_date
		FROM sys.server_principals
		WHERE type IN ('S', 'U', 'G', 'X') AND name NOT LIKE '##%'`)
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var objects []schema.ObjectSummary
	for rows.Next() {
		var name string
		var modified time.Time
		if err := rows.Scan(&name, &modified); err != nil {
			return nil, false, Error.Wrap(err)
		}
		objects = append(objects, b.summary("", name, schema.TypeLogin,
			fmt.Sprintf("CREATE LOGIN [%s]", name), modified, opts))
	}
	return objects, false, Error.Wrap(rows.Err())
}

// summary normalizes a definition and assembles the object fingerprint.
func (b *Builder) summary(schemaName, objectName string, objectType schema.ObjectType, definition string, modified time.Time, opts normalize.Options) schema.ObjectSummary {
	normalized := normalize.Normalize(definition, opts)
	modifiedAt := modified.UTC()
	return schema.ObjectSummary{
		SchemaName:     schemaName,
		ObjectName:     objectName,
		Type:           objectType,
		DefinitionHash: schema.HashDefinition(normalized),
		Definition:     normalized,
		ModifiedAt:     &modifiedAt,
	}
}

