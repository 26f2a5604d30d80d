// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package testsuite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"cloudkit.io/cloudkit/storage"
)

// RunTests runs common storage.Adapter tests
func RunTests(t *testing.T, adapter storage.Adapter) {
	ctx := context.Background()
	require.NoError(t, adapter.InitViews(ctx, []storage.ViewSchema{
		{Name: "notes_by_topic", Columns: []string{"topic"}},
	}))

	run := func(name string, test func(*testing.T, storage.Adapter)) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, adapter.Reset(ctx))
			test(t, adapter)
		})
	}

	run("InsertAndQuery", testInsertAndQuery)
	run("QueryPredicates", testQueryPredicates)
	run("InvalidFilter", testInvalidFilter)
	run("UniqueURI", testUniqueURI)
	run("RewriteURI", testRewriteURI)
	run("Rollback", testRollback)
	run("Views", testViews)
	run("Reset", testReset)
}

func insert(t *testing.T, adapter storage.Adapter, entries ...*storage.Entry) {
	t.Helper()
	ctx := context.Background()
	err := adapter.Transaction(ctx, func(tx storage.Tx) error {
		for _, entry := range entries {
			if err := tx.Insert(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func entry(uri, etag string) *storage.Entry {
	return &storage.Entry{
		URI:                 uri,
		ETag:                etag,
		CollectionReference: "/notes",
		ResourceReference:   uri,
		LastModified:        "Tue, 16 Oct 2018 10:00:00 GMT",
		Content:             `{"topic":"general"}`,
	}
}

func testInsertAndQuery(t *testing.T, adapter storage.Adapter) {
	ctx := context.Background()

	first := entry("/notes/one", "etag-one")
	second := entry("/notes/two", "etag-two")
	insert(t, adapter, first, second)
	require.True(t, first.ID > 0)
	require.True(t, second.ID > first.ID)

	rows, err := adapter.Query(ctx, storage.Query{URI: "/notes/one"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "etag-one", rows[0].ETag)
	require.Equal(t, `{"topic":"general"}`, rows[0].Content)
	require.Equal(t, "/notes", rows[0].CollectionReference)
	require.False(t, rows[0].Deleted)

	// newest first
	rows, err = adapter.Query(ctx, storage.Query{CollectionReference: "/notes"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "/notes/two", rows[0].URI)
	require.Equal(t, "/notes/one", rows[1].URI)

	rows, err = adapter.Query(ctx, storage.Query{URI: "/notes/none"})
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func testQueryPredicates(t *testing.T, adapter storage.Adapter) {
	ctx := context.Background()

	current := entry("/notes/a", "e1")
	current.RemoteUser = "alice"

	historical := entry("/notes/a/versions/e0", "e0")
	historical.ResourceReference = "/notes/a"
	historical.RemoteUser = "alice"

	tombstone := entry("/notes/b", "e2")
	tombstone.Deleted = true

	insert(t, adapter, historical, current, tombstone)

	live := false
	rows, err := adapter.Query(ctx, storage.Query{
		CollectionReference: "/notes",
		Deleted:             &live,
		CurrentOnly:         true,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "/notes/a", rows[0].URI)

	gone := true
	rows, err = adapter.Query(ctx, storage.Query{Deleted: &gone})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "/notes/b", rows[0].URI)

	rows, err = adapter.Query(ctx, storage.Query{
		ResourceReference: "/notes/a",
		Filters:           map[string]string{"remote_user": "alice"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "/notes/a", rows[0].URI)
	require.Equal(t, "/notes/a/versions/e0", rows[1].URI)

	rows, err = adapter.Query(ctx, storage.Query{
		URI:     "/notes/a",
		Filters: map[string]string{"remote_user": "bob"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func testInvalidFilter(t *testing.T, adapter storage.Adapter) {
	ctx := context.Background()

	_, err := adapter.Query(ctx, storage.Query{
		Filters: map[string]string{"no_such_column": "x"},
	})
	require.Error(t, err)
	require.True(t, storage.ErrInvalidFilter.Has(err))

	_, err = adapter.ViewQuery(ctx, "notes_by_topic", map[string]string{"no_such_column": "x"})
	require.Error(t, err)
	require.True(t, storage.ErrInvalidFilter.Has(err))
}

func testUniqueURI(t *testing.T, adapter storage.Adapter) {
	ctx := context.Background()
	insert(t, adapter, entry("/notes/dup", "e1"))

	err := adapter.Transaction(ctx, func(tx storage.Tx) error {
		return tx.Insert(ctx, entry("/notes/dup", "e2"))
	})
	require.Error(t, err)
	require.True(t, storage.ErrURIConflict.Has(err))

	rows, err := adapter.Query(ctx, storage.Query{URI: "/notes/dup"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "e1", rows[0].ETag)
}

func testRewriteURI(t *testing.T, adapter storage.Adapter) {
	ctx := context.Background()
	insert(t, adapter, entry("/notes/move", "e1"), entry("/notes/occupied", "e2"))

	err := adapter.Transaction(ctx, func(tx storage.Tx) error {
		return tx.RewriteURI(ctx, "/notes/move", "/notes/move/versions/e1")
	})
	require.NoError(t, err)

	rows, err := adapter.Query(ctx, storage.Query{URI: "/notes/move"})
	require.NoError(t, err)
	require.Len(t, rows, 0)

	rows, err = adapter.Query(ctx, storage.Query{URI: "/notes/move/versions/e1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "e1", rows[0].ETag)
	require.Equal(t, "/notes/move", rows[0].ResourceReference)

	err = adapter.Transaction(ctx, func(tx storage.Tx) error {
		return tx.RewriteURI(ctx, "/notes/missing", "/notes/elsewhere")
	})
	require.Error(t, err)
	require.True(t, storage.ErrNotFound.Has(err))

	err = adapter.Transaction(ctx, func(tx storage.Tx) error {
		return tx.RewriteURI(ctx, "/notes/move/versions/e1", "/notes/occupied")
	})
	require.Error(t, err)
	require.True(t, storage.ErrURIConflict.Has(err))
}

func testRollback(t *testing.T, adapter storage.Adapter) {
	ctx := context.Background()
	insert(t, adapter, entry("/notes/keep", "e1"))
	boom := errs.New("boom")

	err := adapter.Transaction(ctx, func(tx storage.Tx) error {
		if err := tx.RewriteURI(ctx, "/notes/keep", "/notes/keep/versions/e1"); err != nil {
			return err
		}
		if err := tx.Insert(ctx, entry("/notes/rolled", "e2")); err != nil {
			return err
		}
		if err := tx.ViewPut(ctx, "notes_by_topic", storage.ViewRow{
			URI:                 "/notes/rolled",
			CollectionReference: "/notes",
			Keys:                map[string]string{"topic": "x"},
		}); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)

	rows, err := adapter.Query(ctx, storage.Query{URI: "/notes/keep"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = adapter.Query(ctx, storage.Query{URI: "/notes/rolled"})
	require.NoError(t, err)
	require.Len(t, rows, 0)

	uris, err := adapter.ViewQuery(ctx, "notes_by_topic", nil)
	require.NoError(t, err)
	require.Len(t, uris, 0)
}

func testViews(t *testing.T, adapter storage.Adapter) {
	ctx := context.Background()

	put := func(uri, topic string) {
		err := adapter.Transaction(ctx, func(tx storage.Tx) error {
			return tx.ViewPut(ctx, "notes_by_topic", storage.ViewRow{
				URI:                 uri,
				CollectionReference: "/notes",
				Keys:                map[string]string{"topic": topic},
			})
		})
		require.NoError(t, err)
	}

	put("/notes/one", "work")
	put("/notes/two", "home")
	put("/notes/three", "work")

	uris, err := adapter.ViewQuery(ctx, "notes_by_topic", map[string]string{"topic": "work"})
	require.NoError(t, err)
	require.Equal(t, []string{"/notes/three", "/notes/one"}, uris)

	// replacing an entry moves it to the front
	put("/notes/one", "work")
	uris, err = adapter.ViewQuery(ctx, "notes_by_topic", map[string]string{"topic": "work"})
	require.NoError(t, err)
	require.Equal(t, []string{"/notes/one", "/notes/three"}, uris)

	// reindex under a different value
	put("/notes/one", "home")
	uris, err = adapter.ViewQuery(ctx, "notes_by_topic", map[string]string{"topic": "work"})
	require.NoError(t, err)
	require.Equal(t, []string{"/notes/three"}, uris)

	err = adapter.Transaction(ctx, func(tx storage.Tx) error {
		return tx.ViewDelete(ctx, "notes_by_topic", "/notes/three")
	})
	require.NoError(t, err)
	uris, err = adapter.ViewQuery(ctx, "notes_by_topic", map[string]string{"topic": "work"})
	require.NoError(t, err)
	require.Len(t, uris, 0)

	_, err = adapter.ViewQuery(ctx, "no_such_view", nil)
	require.Error(t, err)
}

func testReset(t *testing.T, adapter storage.Adapter) {
	ctx := context.Background()
	insert(t, adapter, entry("/notes/gone", "e1"))
	err := adapter.Transaction(ctx, func(tx storage.Tx) error {
		return tx.ViewPut(ctx, "notes_by_topic", storage.ViewRow{
			URI:                 "/notes/gone",
			CollectionReference: "/notes",
			Keys:                map[string]string{"topic": "x"},
		})
	})
	require.NoError(t, err)

	require.NoError(t, adapter.Reset(ctx))

	rows, err := adapter.Query(ctx, storage.Query{})
	require.NoError(t, err)
	require.Len(t, rows, 0)

	uris, err := adapter.ViewQuery(ctx, "notes_by_topic", nil)
	require.NoError(t, err)
	require.Len(t, uris, 0)
}
