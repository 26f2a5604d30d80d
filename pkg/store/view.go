// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package store

import (
	"context"
	"encoding/json"

	"cloudkit.io/cloudkit/storage"
)

// View is a secondary index over one observed collection. It projects the
// configured keys of each document into its own table for equality lookup.
type View struct {
	// Name is the view's collection name; the view is addressable at /{Name}.
	Name string

	// Collection is the observed collection.
	Collection string

	// Keys are the document fields extracted into view columns.
	Keys []string
}

// Schema returns the storage schema for the view's table
func (view *View) Schema() storage.ViewSchema {
	return storage.ViewSchema{
		Name:    view.Name,
		Columns: append([]string(nil), view.Keys...),
	}
}

func (view *View) observes(collectionRef string) bool {
	return collectionRef == "/"+view.Collection
}

// Map indexes the document at uri. Documents missing any extracted key (or
// holding a non-scalar there) are unindexed instead. No-op when the view does
// not observe collectionRef.
func (view *View) Map(ctx context.Context, tx storage.Tx, collectionRef, uri string, data map[string]interface{}) error {
	if !view.observes(collectionRef) {
		return nil
	}
	keys := map[string]string{}
	for _, key := range view.Keys {
		value, ok := scalarString(data[key])
		if !ok {
			return tx.ViewDelete(ctx, view.Name, uri)
		}
		keys[key] = value
	}
	return tx.ViewPut(ctx, view.Name, storage.ViewRow{
		URI:                 uri,
		CollectionReference: collectionRef,
		Keys:                keys,
	})
}

// Unmap removes the document at uri from the index. No-op when the view does
// not observe collectionRef.
func (view *View) Unmap(ctx context.Context, tx storage.Tx, collectionRef, uri string) error {
	if !view.observes(collectionRef) {
		return nil
	}
	return tx.ViewDelete(ctx, view.Name, uri)
}

// scalarString renders a decoded JSON scalar as its column value. Objects,
// arrays and nulls do not index.
func scalarString(value interface{}) (string, bool) {
	switch value := value.(type) {
	case string:
		return value, true
	case json.Number:
		return value.String(), true
	case bool:
		if value {
			return "true", true
		}
		return "false", true
	}
	return "", false
}
