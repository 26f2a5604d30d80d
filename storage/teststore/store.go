// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package teststore

import (
	"context"
	"sort"
	"sync"

	"cloudkit.io/cloudkit/storage"
)

// Client implements an in-memory storage.Adapter
type Client struct {
	mu sync.Mutex

	nextID  int64
	entries []storage.Entry

	schemas map[string][]string
	viewSeq int64
	views   map[string][]viewItem

	CallCount struct {
		Query       int
		ViewQuery   int
		Transaction int
		InitViews   int
		Reset       int
		Close       int
	}
}

type viewItem struct {
	seq int64
	row storage.ViewRow
}

// New creates a new in-memory adapter
func New() *Client {
	return &Client{
		schemas: map[string][]string{},
		views:   map[string][]viewItem{},
	}
}

// Query returns matching rows, newest first
func (client *Client) Query(ctx context.Context, q storage.Query) ([]storage.Entry, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.Query++

	for key := range q.Filters {
		if !storage.Columns[key] {
			return nil, storage.ErrInvalidFilter.New(key)
		}
	}

	var result []storage.Entry
	for i := len(client.entries) - 1; i >= 0; i-- {
		entry := client.entries[i]
		if !matches(&entry, q) {
			continue
		}
		if q.MetadataOnly {
			entry.Content = ""
		}
		result = append(result, entry)
	}
	return result, nil
}

func matches(entry *storage.Entry, q storage.Query) bool {
	if q.URI != "" && entry.URI != q.URI {
		return false
	}
	if q.CollectionReference != "" && entry.CollectionReference != q.CollectionReference {
		return false
	}
	if q.ResourceReference != "" && entry.ResourceReference != q.ResourceReference {
		return false
	}
	if q.Deleted != nil && entry.Deleted != *q.Deleted {
		return false
	}
	if q.CurrentOnly && entry.URI != entry.ResourceReference {
		return false
	}
	for key, value := range q.Filters {
		if columnValue(entry, key) != value {
			return false
		}
	}
	return true
}

func columnValue(entry *storage.Entry, column string) string {
	switch column {
	case "uri":
		return entry.URI
	case "etag":
		return entry.ETag
	case "collection_reference":
		return entry.CollectionReference
	case "resource_reference":
		return entry.ResourceReference
	case "last_modified":
		return entry.LastModified
	case "remote_user":
		return entry.RemoteUser
	}
	return ""
}

// ViewQuery returns uris indexed by the named view, newest first
func (client *Client) ViewQuery(ctx context.Context, view string, filters map[string]string) ([]string, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.ViewQuery++

	columns, ok := client.schemas[view]
	if !ok {
		return nil, storage.ErrNotFound.New(view)
	}
	for key := range filters {
		if !viewColumn(columns, key) {
			return nil, storage.ErrInvalidFilter.New(key)
		}
	}

	items := append([]viewItem(nil), client.views[view]...)
	sort.Slice(items, func(i, k int) bool { return items[i].seq > items[k].seq })

	var uris []string
	for _, item := range items {
		if viewMatches(item.row, filters) {
			uris = append(uris, item.row.URI)
		}
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

func viewMatches(row storage.ViewRow, filters map[string]string) bool {
	for key, value := range filters {
		switch key {
		case "uri":
			if row.URI != value {
				return false
			}
		case "collection_reference":
			if row.CollectionReference != value {
				return false
			}
		default:
			if row.Keys[key] != value {
				return false
			}
		}
	}
	return true
}

// Transaction runs fn against a snapshot, keeping the result only on success
func (client *Client) Transaction(ctx context.Context, fn func(storage.Tx) error) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.Transaction++

	entries := append([]storage.Entry(nil), client.entries...)
	views := map[string][]viewItem{}
	for name, items := range client.views {
		views[name] = append([]viewItem(nil), items...)
	}
	nextID, viewSeq := client.nextID, client.viewSeq

	if err := fn(&tx{client: client}); err != nil {
		client.entries = entries
		client.views = views
		client.nextID, client.viewSeq = nextID, viewSeq
		return err
	}
	return nil
}

type tx struct {
	client *Client
}

// Insert adds a row, assigning the next id. The caller already holds the lock.
func (tx *tx) Insert(ctx context.Context, entry *storage.Entry) error {
	client := tx.client
	if entry.URI == "" {
		return storage.Error.New("empty uri")
	}
	for i := range client.entries {
		if client.entries[i].URI == entry.URI {
			return storage.ErrURIConflict.New(entry.URI)
		}
	}
	client.nextID++
	entry.ID = client.nextID
	client.entries = append(client.entries, *entry)
	return nil
}

func (tx *tx) RewriteURI(ctx context.Context, oldURI, newURI string) error {
	client := tx.client
	for i := range client.entries {
		if client.entries[i].URI == newURI {
			return storage.ErrURIConflict.New(newURI)
		}
	}
	for i := range client.entries {
		if client.entries[i].URI == oldURI {
			client.entries[i].URI = newURI
			return nil
		}
	}
	return storage.ErrNotFound.New(oldURI)
}

func (tx *tx) ViewPut(ctx context.Context, view string, row storage.ViewRow) error {
	client := tx.client
	if _, ok := client.schemas[view]; !ok {
		return storage.ErrNotFound.New(view)
	}
	if err := tx.ViewDelete(ctx, view, row.URI); err != nil {
		return err
	}
	keys := map[string]string{}
	for key, value := range row.Keys {
		keys[key] = value
	}
	row.Keys = keys
	client.viewSeq++
	client.views[view] = append(client.views[view], viewItem{seq: client.viewSeq, row: row})
	return nil
}

func (tx *tx) ViewDelete(ctx context.Context, view string, uri string) error {
	client := tx.client
	if _, ok := client.schemas[view]; !ok {
		return storage.ErrNotFound.New(view)
	}
	items := client.views[view]
	for i := range items {
		if items[i].row.URI == uri {
			client.views[view] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

// InitViews registers view schemas
func (client *Client) InitViews(ctx context.Context, views []storage.ViewSchema) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.InitViews++

	for _, view := range views {
		if _, ok := client.schemas[view.Name]; ok {
			continue
		}
		client.schemas[view.Name] = append([]string(nil), view.Columns...)
	}
	return nil
}

// Reset truncates all tables
func (client *Client) Reset(ctx context.Context) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.Reset++

	client.entries = nil
	for name := range client.views {
		client.views[name] = nil
	}
	return nil
}

// Close closes the adapter
func (client *Client) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.Close++
	return nil
}
