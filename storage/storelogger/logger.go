// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package storelogger

import (
	"context"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"cloudkit.io/cloudkit/storage"
)

var mon = monkit.Package()

var id int64

// Logger implements a zap.Logger for storage.Adapter
type Logger struct {
	log     *zap.Logger
	adapter storage.Adapter
}

// New creates a new Logger with log and adapter
func New(log *zap.Logger, adapter storage.Adapter) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{log.Named(name), adapter}
}

// Query returns matching rows, newest first
func (store *Logger) Query(ctx context.Context, q storage.Query) (_ []storage.Entry, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Query",
		zap.String("uri", q.URI),
		zap.String("collection_reference", q.CollectionReference),
		zap.String("resource_reference", q.ResourceReference),
		zap.Bool("current only", q.CurrentOnly),
		zap.Any("filters", q.Filters),
	)
	return store.adapter.Query(ctx, q)
}

// ViewQuery returns uris indexed by the named view, newest first
func (store *Logger) ViewQuery(ctx context.Context, view string, filters map[string]string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("ViewQuery", zap.String("view", view), zap.Any("filters", filters))
	return store.adapter.ViewQuery(ctx, view, filters)
}

// Transaction runs fn atomically, logging each write inside it
func (store *Logger) Transaction(ctx context.Context, fn func(storage.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Transaction begin")
	err = store.adapter.Transaction(ctx, func(tx storage.Tx) error {
		return fn(&loggerTx{log: store.log, tx: tx})
	})
	if err != nil {
		store.log.Debug("Transaction rolled back", zap.Error(err))
		return err
	}
	store.log.Debug("Transaction commit")
	return nil
}

type loggerTx struct {
	log *zap.Logger
	tx  storage.Tx
}

func (tx *loggerTx) Insert(ctx context.Context, entry *storage.Entry) error {
	tx.log.Debug("  Insert",
		zap.String("uri", entry.URI),
		zap.String("etag", entry.ETag),
		zap.Bool("deleted", entry.Deleted),
		zap.Int("content length", len(entry.Content)),
	)
	return tx.tx.Insert(ctx, entry)
}

func (tx *loggerTx) RewriteURI(ctx context.Context, oldURI, newURI string) error {
	tx.log.Debug("  RewriteURI", zap.String("old", oldURI), zap.String("new", newURI))
	return tx.tx.RewriteURI(ctx, oldURI, newURI)
}

func (tx *loggerTx) ViewPut(ctx context.Context, view string, row storage.ViewRow) error {
	tx.log.Debug("  ViewPut", zap.String("view", view), zap.String("uri", row.URI), zap.Any("keys", row.Keys))
	return tx.tx.ViewPut(ctx, view, row)
}

func (tx *loggerTx) ViewDelete(ctx context.Context, view string, uri string) error {
	tx.log.Debug("  ViewDelete", zap.String("view", view), zap.String("uri", uri))
	return tx.tx.ViewDelete(ctx, view, uri)
}

// InitViews creates the tables for the given view schemas if needed
func (store *Logger) InitViews(ctx context.Context, views []storage.ViewSchema) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("InitViews", zap.Int("views", len(views)))
	return store.adapter.InitViews(ctx, views)
}

// Reset truncates the row table and all view tables
func (store *Logger) Reset(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.log.Debug("Reset")
	return store.adapter.Reset(ctx)
}

// Close closes the underlying adapter
func (store *Logger) Close() error {
	store.log.Debug("Close")
	return store.adapter.Close()
}
