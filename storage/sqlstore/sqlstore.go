// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"cloudkit.io/cloudkit/storage"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name string

	// Rebind rewrites ? placeholders into the engine's syntax.
	Rebind func(query string) string

	// Serial is the column definition for the auto-incrementing id.
	Serial string

	// Bool is the column type for the deleted flag.
	Bool string

	// ConflictErr reports whether err is a unique constraint violation.
	ConflictErr func(err error) bool
}

// Client is a storage.Adapter over a database/sql connection
type Client struct {
	db      *sql.DB
	dialect Dialect
	schemas map[string][]string
}

// New creates the row table if needed and returns a client over db.
func New(db *sql.DB, dialect Dialect) (*Client, error) {
	client := &Client{
		db:      db,
		dialect: dialect,
		schemas: map[string][]string{},
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id %s,
			uri TEXT UNIQUE NOT NULL,
			etag TEXT NOT NULL,
			collection_reference TEXT NOT NULL,
			resource_reference TEXT NOT NULL,
			last_modified TEXT NOT NULL,
			remote_user TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			deleted %s NOT NULL DEFAULT %s
		)`,
		storage.TableName, dialect.Serial, dialect.Bool, dialect.falseLiteral())
	if _, err := db.Exec(schema); err != nil {
		return nil, storage.Error.Wrap(err)
	}
	return client, nil
}

func (d Dialect) falseLiteral() string {
	if d.Bool == "BOOLEAN" {
		return "FALSE"
	}
	return "0"
}

// Query returns matching rows, newest first
func (client *Client) Query(ctx context.Context, q storage.Query) (_ []storage.Entry, err error) {
	columns := "id, uri, etag, collection_reference, resource_reference, last_modified, remote_user, content, deleted"
	if q.MetadataOnly {
		columns = "id, uri, etag, collection_reference, resource_reference, last_modified, remote_user, '' AS content, deleted"
	}

	var conds []string
	var args []interface{}
	appendCond := func(column string, value interface{}) {
		conds = append(conds, column+" = ?")
		args = append(args, value)
	}
	if q.URI != "" {
		appendCond("uri", q.URI)
	}
	if q.CollectionReference != "" {
		appendCond("collection_reference", q.CollectionReference)
	}
	if q.ResourceReference != "" {
		appendCond("resource_reference", q.ResourceReference)
	}
	if q.Deleted != nil {
		appendCond("deleted", *q.Deleted)
	}
	if q.CurrentOnly {
		conds = append(conds, "resource_reference = uri")
	}
	for _, key := range sortedKeys(q.Filters) {
		if !storage.Columns[key] {
			return nil, storage.ErrInvalidFilter.New(key)
		}
		appendCond(key, q.Filters[key])
	}

	query := "SELECT " + columns + " FROM " + storage.TableName
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"

	rows, err := client.db.QueryContext(ctx, client.dialect.Rebind(query), args...)
	if err != nil {
		return nil, storage.Error.Wrap(err)
	}
	defer func() {
		if closeErr := rows.Close(); err == nil {
			err = storage.Error.Wrap(closeErr)
		}
	}()

	var result []storage.Entry
	for rows.Next() {
		var entry storage.Entry
		err := rows.Scan(&entry.ID, &entry.URI, &entry.ETag,
			&entry.CollectionReference, &entry.ResourceReference,
			&entry.LastModified, &entry.RemoteUser, &entry.Content, &entry.Deleted)
		if err != nil {
			return nil, storage.Error.Wrap(err)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Error.Wrap(err)
	}
	return result, nil
}

func sortedKeys(filters map[string]string) []string {
	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ViewQuery returns uris indexed by the named view, newest first
func (client *Client) ViewQuery(ctx context.Context, view string, filters map[string]string) (_ []string, err error) {
	columns, ok := client.schemas[view]
	if !ok {
		return nil, storage.ErrNotFound.New(view)
	}

	var conds []string
	var args []interface{}
	for _, key := range sortedKeys(filters) {
		if !viewColumn(columns, key) {
			return nil, storage.ErrInvalidFilter.New(key)
		}
		conds = append(conds, quoteIdent(key)+" = ?")
		args = append(args, filters[key])
	}

	query := "SELECT uri FROM " + quoteIdent(view)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"

	rows, err := client.db.QueryContext(ctx, client.dialect.Rebind(query), args...)
	if err != nil {
		return nil, storage.Error.Wrap(err)
	}
	defer func() {
		if closeErr := rows.Close(); err == nil {
			err = storage.Error.Wrap(closeErr)
		}
	}()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, storage.Error.Wrap(err)
		}
		uris = append(uris, uri)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Error.Wrap(err)
	}
	return uris, nil
}

func viewColumn(columns []string, key string) bool {
	if key == "uri" || key == "collection_reference" {
		return true
	}
	for _, column := range columns {
		if column == key {
			return true
		}
	}
	return false
}

// quoteIdent double-quotes an identifier. View and column names are validated
// at configuration time; quoting is a second line of defense.
func quoteIdent(name string) string {
	return `"` + strings.Replace(name, `"`, `""`, -1) + `"`
}

// Transaction runs fn inside a database transaction
func (client *Client) Transaction(ctx context.Context, fn func(storage.Tx) error) error {
	sqltx, err := client.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Error.Wrap(err)
	}
	if err := fn(&tx{client: client, tx: sqltx}); err != nil {
		if rollbackErr := sqltx.Rollback(); rollbackErr != nil {
			return storage.Error.Wrap(rollbackErr)
		}
		return err
	}
	if err := sqltx.Commit(); err != nil {
		return storage.Error.Wrap(err)
	}
	return nil
}

type tx struct {
	client *Client
	tx     *sql.Tx
}

func (tx *tx) Insert(ctx context.Context, entry *storage.Entry) error {
	if entry.URI == "" {
		return storage.Error.New("empty uri")
	}
	dialect := tx.client.dialect
	query := `INSERT INTO ` + storage.TableName + `
		(uri, etag, collection_reference, resource_reference, last_modified, remote_user, content, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	args := []interface{}{
		entry.URI, entry.ETag, entry.CollectionReference, entry.ResourceReference,
		entry.LastModified, entry.RemoteUser, entry.Content, entry.Deleted,
	}

	if dialect.Name == "postgres" {
		row := tx.tx.QueryRowContext(ctx, dialect.Rebind(query+" RETURNING id"), args...)
		if err := row.Scan(&entry.ID); err != nil {
			if dialect.ConflictErr(err) {
				return storage.ErrURIConflict.New(entry.URI)
			}
			return storage.Error.Wrap(err)
		}
		return nil
	}

	result, err := tx.tx.ExecContext(ctx, dialect.Rebind(query), args...)
	if err != nil {
		if dialect.ConflictErr(err) {
			return storage.ErrURIConflict.New(entry.URI)
		}
		return storage.Error.Wrap(err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return storage.Error.Wrap(err)
	}
	entry.ID = id
	return nil
}

func (tx *tx) RewriteURI(ctx context.Context, oldURI, newURI string) error {
	dialect := tx.client.dialect
	query := dialect.Rebind("UPDATE " + storage.TableName + " SET uri = ? WHERE uri = ?")
	result, err := tx.tx.ExecContext(ctx, query, newURI, oldURI)
	if err != nil {
		if dialect.ConflictErr(err) {
			return storage.ErrURIConflict.New(newURI)
		}
		return storage.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Error.Wrap(err)
	}
	if affected == 0 {
		return storage.ErrNotFound.New(oldURI)
	}
	return nil
}

func (tx *tx) ViewPut(ctx context.Context, view string, row storage.ViewRow) error {
	columns, ok := tx.client.schemas[view]
	if !ok {
		return storage.ErrNotFound.New(view)
	}
	if err := tx.ViewDelete(ctx, view, row.URI); err != nil {
		return err
	}

	names := []string{"uri", "collection_reference"}
	args := []interface{}{row.URI, row.CollectionReference}
	for _, column := range columns {
		names = append(names, quoteIdent(column))
		args = append(args, row.Keys[column])
	}
	query := "INSERT INTO " + quoteIdent(view) + " (" + strings.Join(names, ", ") + ")" +
		" VALUES (" + strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ") + ")"
	_, err := tx.tx.ExecContext(ctx, tx.client.dialect.Rebind(query), args...)
	return storage.Error.Wrap(err)
}

func (tx *tx) ViewDelete(ctx context.Context, view string, uri string) error {
	if _, ok := tx.client.schemas[view]; !ok {
		return storage.ErrNotFound.New(view)
	}
	query := tx.client.dialect.Rebind("DELETE FROM " + quoteIdent(view) + " WHERE uri = ?")
	_, err := tx.tx.ExecContext(ctx, query, uri)
	return storage.Error.Wrap(err)
}

// InitViews creates the table for each view schema
func (client *Client) InitViews(ctx context.Context, views []storage.ViewSchema) error {
	for _, view := range views {
		var columns []string
		for _, column := range view.Columns {
			columns = append(columns, quoteIdent(column)+" TEXT NOT NULL DEFAULT ''")
		}
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id %s,
				uri TEXT UNIQUE NOT NULL,
				collection_reference TEXT NOT NULL,
				%s
			)`,
			quoteIdent(view.Name), client.dialect.Serial, strings.Join(columns, ",\n\t\t\t\t"))
		if len(view.Columns) == 0 {
			schema = fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id %s,
					uri TEXT UNIQUE NOT NULL,
					collection_reference TEXT NOT NULL
				)`,
				quoteIdent(view.Name), client.dialect.Serial)
		}
		if _, err := client.db.ExecContext(ctx, schema); err != nil {
			return storage.Error.Wrap(err)
		}
		client.schemas[view.Name] = append([]string(nil), view.Columns...)
	}
	return nil
}

// Reset truncates the row table and all view tables
func (client *Client) Reset(ctx context.Context) error {
	if _, err := client.db.ExecContext(ctx, "DELETE FROM "+storage.TableName); err != nil {
		return storage.Error.Wrap(err)
	}
	for view := range client.schemas {
		if _, err := client.db.ExecContext(ctx, "DELETE FROM "+quoteIdent(view)); err != nil {
			return storage.Error.Wrap(err)
		}
	}
	return nil
}

// Close closes the underlying database handle
func (client *Client) Close() error {
	return storage.Error.Wrap(client.db.Close())
}
