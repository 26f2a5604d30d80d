// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package boltstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"

	"cloudkit.io/cloudkit/storage"
)

var (
	// Error is the boltstore error class
	Error = errs.Class("boltstore error")

	defaultTimeout = 1 * time.Second
)

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600

	entriesBucket = "cloudkit_store"
	viewPrefix    = "view:"
)

// Client is a storage.Adapter over a Bolt database. Rows are stored as JSON
// keyed by uri; each view lives in its own bucket.
type Client struct {
	db      *bolt.DB
	schemas map[string][]string
	Path    string
}

type record struct {
	ID                  int64  `json:"id"`
	URI                 string `json:"uri"`
	ETag                string `json:"etag"`
	CollectionReference string `json:"collection_reference"`
	ResourceReference   string `json:"resource_reference"`
	LastModified        string `json:"last_modified"`
	RemoteUser          string `json:"remote_user"`
	Content             string `json:"content"`
	Deleted             bool   `json:"deleted"`
}

type viewRecord struct {
	Seq                 uint64            `json:"seq"`
	URI                 string            `json:"uri"`
	CollectionReference string            `json:"collection_reference"`
	Keys                map[string]string `json:"keys"`
}

// New instantiates a new BoltDB-backed adapter
func New(path string) (*Client, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}
	return &Client{
		db:      db,
		schemas: map[string][]string{},
		Path:    path,
	}, nil
}

// Query returns matching rows, newest first
func (client *Client) Query(ctx context.Context, q storage.Query) ([]storage.Entry, error) {
	for key := range q.Filters {
		if !storage.Columns[key] {
			return nil, storage.ErrInvalidFilter.New(key)
		}
	}

	var result []storage.Entry
	err := client.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		return bucket.ForEach(func(_, value []byte) error {
			var rec record
			if err := json.Unmarshal(value, &rec); err != nil {
				return err
			}
			entry := entryFromRecord(rec)
			if !matches(&entry, q) {
				return nil
			}
			if q.MetadataOnly {
				entry.Content = ""
			}
			result = append(result, entry)
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].ID > result[k].ID })
	return result, nil
}

func entryFromRecord(rec record) storage.Entry {
	return storage.Entry{
		ID:                  rec.ID,
		URI:                 rec.URI,
		ETag:                rec.ETag,
		CollectionReference: rec.CollectionReference,
		ResourceReference:   rec.ResourceReference,
		LastModified:        rec.LastModified,
		RemoteUser:          rec.RemoteUser,
		Content:             rec.Content,
		Deleted:             rec.Deleted,
	}
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
		switch key {
		case "uri":
			if entry.URI != value {
				return false
			}
		case "etag":
			if entry.ETag != value {
				return false
			}
		case "collection_reference":
			if entry.CollectionReference != value {
				return false
			}
		case "resource_reference":
			if entry.ResourceReference != value {
				return false
			}
		case "last_modified":
			if entry.LastModified != value {
				return false
			}
		case "remote_user":
			if entry.RemoteUser != value {
				return false
			}
		}
	}
	return true
}

// ViewQuery returns uris indexed by the named view, newest first
func (client *Client) ViewQuery(ctx context.Context, view string, filters map[string]string) ([]string, error) {
	columns, ok := client.schemas[view]
	if !ok {
		return nil, storage.ErrNotFound.New(view)
	}
	for key := range filters {
		if !viewColumn(columns, key) {
			return nil, storage.ErrInvalidFilter.New(key)
		}
	}

	var recs []viewRecord
	err := client.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(viewPrefix + view))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			var rec viewRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return err
			}
			if viewMatches(rec, filters) {
				recs = append(recs, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Slice(recs, func(i, k int) bool { return recs[i].Seq > recs[k].Seq })

	var uris []string
	for _, rec := range recs {
		uris = append(uris, rec.URI)
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

func viewMatches(rec viewRecord, filters map[string]string) bool {
	for key, value := range filters {
		switch key {
		case "uri":
			if rec.URI != value {
				return false
			}
		case "collection_reference":
			if rec.CollectionReference != value {
				return false
			}
		default:
			if rec.Keys[key] != value {
				return false
			}
		}
	}
	return true
}

// Transaction runs fn inside a bolt update transaction
func (client *Client) Transaction(ctx context.Context, fn func(storage.Tx) error) error {
	return client.db.Update(func(boltTx *bolt.Tx) error {
		return fn(&tx{client: client, tx: boltTx})
	})
}

type tx struct {
	client *Client
	tx     *bolt.Tx
}

func (tx *tx) Insert(ctx context.Context, entry *storage.Entry) error {
	if entry.URI == "" {
		return storage.Error.New("empty uri")
	}
	bucket := tx.tx.Bucket([]byte(entriesBucket))
	if bucket.Get([]byte(entry.URI)) != nil {
		return storage.ErrURIConflict.New(entry.URI)
	}
	seq, err := bucket.NextSequence()
	if err != nil {
		return Error.Wrap(err)
	}
	entry.ID = int64(seq)
	return tx.putEntry(bucket, entry)
}

func (tx *tx) putEntry(bucket *bolt.Bucket, entry *storage.Entry) error {
	data, err := json.Marshal(record{
		ID:                  entry.ID,
		URI:                 entry.URI,
		ETag:                entry.ETag,
		CollectionReference: entry.CollectionReference,
		ResourceReference:   entry.ResourceReference,
		LastModified:        entry.LastModified,
		RemoteUser:          entry.RemoteUser,
		Content:             entry.Content,
		Deleted:             entry.Deleted,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(bucket.Put([]byte(entry.URI), data))
}

func (tx *tx) RewriteURI(ctx context.Context, oldURI, newURI string) error {
	bucket := tx.tx.Bucket([]byte(entriesBucket))
	data := bucket.Get([]byte(oldURI))
	if data == nil {
		return storage.ErrNotFound.New(oldURI)
	}
	if bucket.Get([]byte(newURI)) != nil {
		return storage.ErrURIConflict.New(newURI)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Error.Wrap(err)
	}
	rec.URI = newURI
	moved, err := json.Marshal(rec)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := bucket.Delete([]byte(oldURI)); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(bucket.Put([]byte(newURI), moved))
}

func (tx *tx) ViewPut(ctx context.Context, view string, row storage.ViewRow) error {
	if _, ok := tx.client.schemas[view]; !ok {
		return storage.ErrNotFound.New(view)
	}
	bucket := tx.tx.Bucket([]byte(viewPrefix + view))
	seq, err := bucket.NextSequence()
	if err != nil {
		return Error.Wrap(err)
	}
	data, err := json.Marshal(viewRecord{
		Seq:                 seq,
		URI:                 row.URI,
		CollectionReference: row.CollectionReference,
		Keys:                row.Keys,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(bucket.Put([]byte(row.URI), data))
}

func (tx *tx) ViewDelete(ctx context.Context, view string, uri string) error {
	if _, ok := tx.client.schemas[view]; !ok {
		return storage.ErrNotFound.New(view)
	}
	bucket := tx.tx.Bucket([]byte(viewPrefix + view))
	return Error.Wrap(bucket.Delete([]byte(uri)))
}

// InitViews creates a bucket per view schema
func (client *Client) InitViews(ctx context.Context, views []storage.ViewSchema) error {
	err := client.db.Update(func(tx *bolt.Tx) error {
		for _, view := range views {
			if _, err := tx.CreateBucketIfNotExists([]byte(viewPrefix + view.Name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}
	for _, view := range views {
		client.schemas[view.Name] = append([]string(nil), view.Columns...)
	}
	return nil
}

// Reset truncates the row bucket and all view buckets
func (client *Client) Reset(ctx context.Context) error {
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(entriesBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucket([]byte(entriesBucket)); err != nil {
			return err
		}
		for view := range client.schemas {
			if err := tx.DeleteBucket([]byte(viewPrefix + view)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(viewPrefix + view)); err != nil {
				return err
			}
		}
		return nil
	}))
}

// Close closes the Bolt database
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}
