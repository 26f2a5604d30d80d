// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package postgresstore

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/zeebo/errs"

	"cloudkit.io/cloudkit/storage"
	"cloudkit.io/cloudkit/storage/sqlstore"
)

// Error is the postgresstore error class
var Error = errs.Class("postgresstore error")

const uniqueViolation = "23505"

var dialect = sqlstore.Dialect{
	Name:   "postgres",
	Rebind: rebind,
	Serial: "BIGSERIAL PRIMARY KEY",
	Bool:   "BOOLEAN",
	ConflictErr: func(err error) bool {
		if pqErr, ok := err.(*pq.Error); ok {
			return string(pqErr.Code) == uniqueViolation
		}
		return false
	},
}

// rebind rewrites ? placeholders into postgres $n form
func rebind(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// New instantiates a new postgres-backed adapter given a db URL
func New(dbURL string) (storage.Adapter, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	client, err := sqlstore.New(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}
	return client, nil
}
