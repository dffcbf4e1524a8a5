// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package dbmodel extracts normalized schema snapshots from a live SQL
// Server database. The observer only ever reads: every statement issued
// here is a sys-catalog query.
package dbmodel

import (
	"context"
	"database/sql"
	"net/url"
	"strconv"
	"time"

	"github.com/microsoft/go-mssqldb/azuread"
	"github.com/zeebo/errs"

	_ "github.com/microsoft/go-mssqldb" // registers the sqlserver driver

	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

// Error is the default error class for the package.
var Error = errs.Class("dbmodel")

const defaultConnectTimeout = 30 * time.Second

// OpenFunc opens a database handle for a connection description. It is
// injectable so tests can supply a fake.
type OpenFunc func(ctx context.Context, conn subscriptions.DatabaseConnection) (*sql.DB, error)

// Open builds a DSN for the connection description and opens a handle.
// The secret is an opaque blob decrypted upstream; it passes through
// untouched.
func Open(ctx context.Context, conn subscriptions.DatabaseConnection) (*sql.DB, error) {
	timeout := conn.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	query := url.Values{}
	query.Set("database", conn.Database)
	query.Set("app name", "schemawatch")
	query.Set("dial timeout", strconv.Itoa(int(timeout/time.Second)))
	if conn.TrustServerCertificate {
		query.Set("trustservercertificate", "true")
	}

	driver := "sqlserver"
	dsn := &url.URL{Scheme: "sqlserver", Host: conn.Server}
	switch conn.Auth {
	case subscriptions.AuthPassword:
		dsn.User = url.UserPassword(conn.Username, conn.Secret)
	case subscriptions.AuthIntegrated:
		// no credentials; the driver uses the process identity
	case subscriptions.AuthCloudInteractive:
		driver = azuread.DriverName
		query.Set("fedauth", "ActiveDirectoryInteractive")
		if conn.Username != "" {
			query.Set("user id", conn.Username)
		}
	case subscriptions.AuthCloudNonInteractive:
		driver = azuread.DriverName
		query.Set("fedauth", "ActiveDirectoryDefault")
	default:
		return nil, Error.New("unrecognized auth kind %q", conn.Auth)
	}
	dsn.RawQuery = query.Encode()

	db, err := sql.Open(driver, dsn.String())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return db, nil
}

// Ping verifies the database is reachable within the context deadline.
func Ping(ctx context.Context, open OpenFunc, conn subscriptions.DatabaseConnection) error {
	db, err := open(ctx, conn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return Error.Wrap(db.PingContext(ctx))
}
