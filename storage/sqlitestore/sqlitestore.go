// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package sqlitestore

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"

	"cloudkit.io/cloudkit/storage"
	"cloudkit.io/cloudkit/storage/sqlstore"
)

// Error is the sqlitestore error class
var Error = errs.Class("sqlitestore error")

var dialect = sqlstore.Dialect{
	Name:   "sqlite3",
	Rebind: func(query string) string { return query },
	Serial: "INTEGER PRIMARY KEY AUTOINCREMENT",
	Bool:   "INTEGER",
	ConflictErr: func(err error) bool {
		if sqliteErr, ok := err.(sqlite3.Error); ok {
			return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
		}
		return false
	},
}

// New instantiates a new sqlite-backed adapter at path. Use ":memory:" for an
// ephemeral database.
func New(path string) (storage.Adapter, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// sqlite cannot serve concurrent writers over a single file
	db.SetMaxOpenConns(1)

	client, err := sqlstore.New(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}
	return client, nil
}
