// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package dbmodel

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

// Stamp is a lightweight (object, modify-instant) pair used by the
// polling detector. Reading stamps touches only sys.objects, so a poll
// is far cheaper than a snapshot.
type Stamp struct {
	Key        schema.ObjectKey
	ModifiedAt time.Time
}

// Stamps reads the current modify instants of every supported object in
// the subscription's database.
func (b *Builder) Stamps(ctx context.Context, sub *subscriptions.Subscription) (_ []Stamp, err error) {
	defer mon.Task()(&ctx)(&err)

	db, err := b.open(ctx, sub.Database)
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	rows, err := db.QueryContext(ctx, `
		SELECT s.name, o.name, o.type, o.modify_date
		FROM sys.objects o
		JOIN sys.schemas s ON s.schema_id = o.schema_id
		WHERE o.type IN ('U', 'V', 'P', 'FN', 'IF', 'TF', 'TR')`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var stamps []Stamp
	for rows.Next() {
		var schemaName, objectName, typeCode string
		var modified time.Time
		if err := rows.Scan(&schemaName, &objectName, &typeCode, &modified); err != nil {
			return nil, Error.Wrap(err)
		}
		stamps = append(stamps, Stamp{
			Key: schema.ObjectKey{
				Type:   typeFromCode(typeCode),
				Schema: schemaName,
				Name:   objectName,
			},
			ModifiedAt: modified.UTC(),
		})
	}
	return stamps, Error.Wrap(rows.Err())
}
