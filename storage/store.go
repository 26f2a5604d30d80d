// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package storage

import (
	"context"

	"github.com/zeebo/errs"
)

// TableName is the name of the primary row table every adapter must provide.
const TableName = "cloudkit_store"

var (
	// Error is the default storage error class
	Error = errs.Class("storage error")

	// ErrNotFound is returned when a row addressed by URI does not exist
	ErrNotFound = errs.Class("not found")

	// ErrURIConflict is returned when an insert or rewrite would violate
	// the unique constraint on uri
	ErrURIConflict = errs.Class("uri conflict")

	// ErrInvalidFilter is returned when a filter key does not name a known column
	ErrInvalidFilter = errs.Class("invalid filter")
)

// Entry is one row of the cloudkit_store table.
//
// A row is "current" when URI == ResourceReference, "historical" when its URI
// has been rewritten to a /versions/ address, and a tombstone when Deleted is
// set. CollectionReference and ResourceReference never change after insert.
type Entry struct {
	ID                  int64
	URI                 string
	ETag                string
	CollectionReference string
	ResourceReference   string
	LastModified        string
	RemoteUser          string
	Content             string
	Deleted             bool
}

// Query selects entries from the row table. Zero-valued string fields do not
// constrain the result. Rows always come back newest first (descending id).
type Query struct {
	URI                 string
	CollectionReference string
	ResourceReference   string

	// Deleted constrains the tombstone flag when non-nil.
	Deleted *bool

	// CurrentOnly restricts the result to rows whose uri equals their
	// resource_reference, i.e. the current version of each resource.
	CurrentOnly bool

	// MetadataOnly is a hint that the caller does not need Content. Adapters
	// may leave Content empty on the returned entries.
	MetadataOnly bool

	// Filters are extra column = value equality constraints. Keys must name
	// columns of the row table; adapters reject unknown keys with
	// ErrInvalidFilter.
	Filters map[string]string
}

// ViewSchema describes the table backing one view: its name and the columns
// holding extracted document keys. Every view table also carries uri and
// collection_reference columns.
type ViewSchema struct {
	Name    string
	Columns []string
}

// ViewRow is one entry of a view table.
type ViewRow struct {
	URI                 string
	CollectionReference string
	Keys                map[string]string
}

// Tx is the write side of an adapter, only valid inside Transaction.
type Tx interface {
	// Insert adds a new row and fills in its assigned id.
	Insert(ctx context.Context, entry *Entry) error

	// RewriteURI changes the uri of the row currently stored at oldURI.
	// Returns ErrNotFound when no row lives at oldURI.
	RewriteURI(ctx context.Context, oldURI, newURI string) error

	// ViewPut replaces the view row for row.URI with row.
	ViewPut(ctx context.Context, view string, row ViewRow) error

	// ViewDelete removes the view row for uri, if any.
	ViewDelete(ctx context.Context, view string, uri string) error
}

// Adapter is the contract a storage backend satisfies.
//
// Writes happen only through Transaction: either everything inside fn commits
// or nothing does. Reads outside a transaction observe committed state.
type Adapter interface {
	// Query returns matching rows, newest first.
	Query(ctx context.Context, q Query) ([]Entry, error)

	// ViewQuery returns the uris indexed by the named view that match all
	// filters, most recently indexed first.
	ViewQuery(ctx context.Context, view string, filters map[string]string) ([]string, error)

	// Transaction runs fn atomically.
	Transaction(ctx context.Context, fn func(Tx) error) error

	// InitViews creates the tables for the given view schemas if needed.
	InitViews(ctx context.Context, views []ViewSchema) error

	// Reset truncates the row table and all view tables.
	Reset(ctx context.Context) error

	Close() error
}

// Columns lists the filterable columns of the row table.
var Columns = map[string]bool{
	"uri":                  true,
	"etag":                 true,
	"collection_reference": true,
	"resource_reference":   true,
	"last_modified":        true,
	"remote_user":          true,
}
