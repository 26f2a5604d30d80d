// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cloudkit.io/cloudkit/storage"
	"cloudkit.io/cloudkit/storage/teststore"
)

var ctx = context.Background()

func newTestStore(t *testing.T, config Config) (*Store, *teststore.Client) {
	adapter := teststore.New()
	st, err := New(ctx, zaptest.NewLogger(t), adapter, config)
	require.NoError(t, err)
	return st, adapter
}

func foosStore(t *testing.T) *Store {
	st, _ := newTestStore(t, Config{Collections: []string{"foos"}})
	return st
}

func decodeMeta(t *testing.T, resp *Response) metadata {
	t.Helper()
	var meta metadata
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &meta))
	return meta
}

type uriList struct {
	Total  int      `json:"total"`
	Offset int      `json:"offset"`
	URIs   []string `json:"uris"`
}

func decodeURIList(t *testing.T, resp *Response) uriList {
	t.Helper()
	var list uriList
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &list))
	return list
}

func TestPostAndGet(t *testing.T) {
	st := foosStore(t)

	resp := st.Post(ctx, "/foos", Options{JSON: `{"a":1}`})
	require.Equal(t, 201, resp.Status)
	meta := decodeMeta(t, resp)
	require.True(t, strings.HasPrefix(meta.URI, "/foos/"))
	require.NotEmpty(t, meta.ETag)
	require.NotEmpty(t, meta.LastModified)
	require.Equal(t, meta.ETag, resp.ETag())
	require.Equal(t, meta.LastModified, resp.LastModified())

	list := st.Get(ctx, "/foos", Options{})
	require.Equal(t, 200, list.Status)
	decoded := decodeURIList(t, list)
	assert.Equal(t, 1, decoded.Total)
	assert.Equal(t, 0, decoded.Offset)
	assert.Equal(t, []string{meta.URI}, decoded.URIs)
	assert.Equal(t, meta.LastModified, list.LastModified())
	assert.NotEmpty(t, list.ETag())

	doc := st.Get(ctx, meta.URI, Options{})
	require.Equal(t, 200, doc.Status)
	assert.Equal(t, `{"a":1}`, doc.Content)
	assert.Equal(t, meta.ETag, doc.ETag())
	assert.Equal(t, `"`+meta.ETag+`"`, doc.Headers["ETag"])
}

func TestPutCreateAndUpdate(t *testing.T) {
	st := foosStore(t)

	created := st.Put(ctx, "/foos/one", Options{JSON: `{"a":1}`})
	require.Equal(t, 201, created.Status)
	etag1 := decodeMeta(t, created).ETag

	// update without the etag precondition
	resp := st.Put(ctx, "/foos/one", Options{JSON: `{"a":2}`})
	require.Equal(t, 400, resp.Status)
	assert.JSONEq(t, `{"error":"etag required"}`, resp.Content)

	// stale etag
	resp = st.Put(ctx, "/foos/one", Options{JSON: `{"a":2}`, ETag: "bogus"})
	require.Equal(t, 412, resp.Status)

	updated := st.Put(ctx, "/foos/one", Options{JSON: `{"a":2}`, ETag: etag1})
	require.Equal(t, 200, updated.Status)
	etag2 := decodeMeta(t, updated).ETag
	require.NotEmpty(t, etag2)
	require.NotEqual(t, etag1, etag2)

	doc := st.Get(ctx, "/foos/one", Options{})
	require.Equal(t, 200, doc.Status)
	assert.Equal(t, `{"a":2}`, doc.Content)
	assert.Equal(t, etag2, doc.ETag())
}

func TestVersionHistory(t *testing.T) {
	st := foosStore(t)

	created := st.Put(ctx, "/foos/one", Options{JSON: `{"a":1}`})
	require.Equal(t, 201, created.Status)
	etag1 := decodeMeta(t, created).ETag

	updated := st.Put(ctx, "/foos/one", Options{JSON: `{"a":2}`, ETag: etag1})
	require.Equal(t, 200, updated.Status)
	etag2 := decodeMeta(t, updated).ETag

	versions := st.Get(ctx, "/foos/one/versions", Options{})
	require.Equal(t, 200, versions.Status)
	decoded := decodeURIList(t, versions)
	assert.Equal(t, 2, decoded.Total)
	assert.Equal(t, []string{"/foos/one", "/foos/one/versions/" + etag1}, decoded.URIs)

	old := st.Get(ctx, "/foos/one/versions/"+etag1, Options{})
	require.Equal(t, 200, old.Status)
	assert.Equal(t, `{"a":1}`, old.Content)
	assert.Equal(t, etag1, old.ETag())

	current := st.Get(ctx, "/foos/one", Options{})
	assert.Equal(t, etag2, current.ETag())

	missing := st.Get(ctx, "/foos/none/versions", Options{})
	assert.Equal(t, 404, missing.Status)
}

func TestResolvedCollections(t *testing.T) {
	st := foosStore(t)

	created := st.Put(ctx, "/foos/one", Options{JSON: `{"a":1}`})
	etag1 := decodeMeta(t, created).ETag
	st.Put(ctx, "/foos/one", Options{JSON: `{"a":2}`, ETag: etag1})
	st.Put(ctx, "/foos/two", Options{JSON: `{"b":1}`})

	resolved := st.Get(ctx, "/foos/_resolved", Options{})
	require.Equal(t, 200, resolved.Status)

	var result struct {
		Total     int `json:"total"`
		Offset    int `json:"offset"`
		Documents []struct {
			URI          string          `json:"uri"`
			ETag         string          `json:"etag"`
			LastModified string          `json:"last_modified"`
			Document     json.RawMessage `json:"document"`
		} `json:"documents"`
	}
	require.NoError(t, json.Unmarshal([]byte(resolved.Content), &result))
	require.Equal(t, 2, result.Total)
	require.Len(t, result.Documents, 2)
	// newest first
	assert.Equal(t, "/foos/two", result.Documents[0].URI)
	assert.Equal(t, `{"b":1}`, string(result.Documents[0].Document))
	assert.Equal(t, "/foos/one", result.Documents[1].URI)
	assert.Equal(t, `{"a":2}`, string(result.Documents[1].Document))

	resolvedVersions := st.Get(ctx, "/foos/one/versions/_resolved", Options{})
	require.Equal(t, 200, resolvedVersions.Status)
	require.NoError(t, json.Unmarshal([]byte(resolvedVersions.Content), &result))
	require.Equal(t, 2, result.Total)
	assert.Equal(t, `{"a":2}`, string(result.Documents[0].Document))
	assert.Equal(t, `{"a":1}`, string(result.Documents[1].Document))
}

func TestDelete(t *testing.T) {
	st := foosStore(t)

	created := st.Put(ctx, "/foos/one", Options{JSON: `{"a":1}`})
	etag1 := decodeMeta(t, created).ETag
	updated := st.Put(ctx, "/foos/one", Options{JSON: `{"a":2}`, ETag: etag1})
	etag2 := decodeMeta(t, updated).ETag
	lastModified2 := decodeMeta(t, updated).LastModified

	resp := st.Delete(ctx, "/foos/one", Options{})
	require.Equal(t, 400, resp.Status)
	assert.JSONEq(t, `{"error":"etag required"}`, resp.Content)

	resp = st.Delete(ctx, "/foos/one", Options{ETag: etag1})
	require.Equal(t, 412, resp.Status, "stale etag")

	resp = st.Delete(ctx, "/foos/one", Options{ETag: etag2})
	require.Equal(t, 200, resp.Status)
	meta := decodeMeta(t, resp)
	assert.Equal(t, "/foos/one/versions/"+etag2, meta.URI)
	assert.Equal(t, etag2, meta.ETag)
	assert.Equal(t, lastModified2, meta.LastModified)

	// terminal state
	gone := st.Get(ctx, "/foos/one", Options{})
	require.Equal(t, 410, gone.Status)
	assert.Equal(t, "/foos/one/versions/"+etag2, decodeMeta(t, gone).URI)

	assert.Equal(t, 410, st.Put(ctx, "/foos/one", Options{JSON: `{"a":3}`}).Status)
	assert.Equal(t, 410, st.Delete(ctx, "/foos/one", Options{ETag: etag2}).Status)

	archived := st.Get(ctx, "/foos/one/versions/"+etag2, Options{})
	require.Equal(t, 200, archived.Status)
	assert.Equal(t, `{"a":2}`, archived.Content)

	versions := st.Get(ctx, "/foos/one/versions", Options{})
	require.Equal(t, 200, versions.Status)
	assert.Equal(t, []string{
		"/foos/one/versions/" + etag2,
		"/foos/one/versions/" + etag1,
	}, decodeURIList(t, versions).URIs)

	// collection no longer lists the resource
	list := st.Get(ctx, "/foos", Options{})
	assert.Equal(t, 0, decodeURIList(t, list).Total)

	missing := st.Delete(ctx, "/foos/none", Options{ETag: "x"})
	assert.Equal(t, 404, missing.Status)
}

func TestRemoteUserScoping(t *testing.T) {
	st := foosStore(t)

	created := st.Put(ctx, "/foos/x", Options{JSON: `{"a":1}`, RemoteUser: "alice"})
	require.Equal(t, 201, created.Status)
	etag := decodeMeta(t, created).ETag

	// existence is hidden from non-owners
	assert.Equal(t, 404, st.Get(ctx, "/foos/x", Options{RemoteUser: "bob"}).Status)
	assert.Equal(t, 404, st.Get(ctx, "/foos/x", Options{}).Status)
	assert.Equal(t, 404, st.Put(ctx, "/foos/x", Options{JSON: `{"a":2}`, ETag: etag, RemoteUser: "bob"}).Status)
	assert.Equal(t, 404, st.Delete(ctx, "/foos/x", Options{ETag: etag, RemoteUser: "bob"}).Status)
	assert.Equal(t, 404, st.Get(ctx, "/foos/x/versions", Options{RemoteUser: "bob"}).Status)

	list := st.Get(ctx, "/foos", Options{RemoteUser: "bob"})
	assert.Equal(t, 0, decodeURIList(t, list).Total)

	owned := st.Get(ctx, "/foos/x", Options{RemoteUser: "alice"})
	require.Equal(t, 200, owned.Status)
	assert.Equal(t, etag, owned.ETag())

	list = st.Get(ctx, "/foos", Options{RemoteUser: "alice"})
	assert.Equal(t, 1, decodeURIList(t, list).Total)
}

func TestOptionsAndMethodNotAllowed(t *testing.T) {
	st := foosStore(t)

	resp := st.Options("/foos/one")
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "GET, HEAD, PUT, DELETE, OPTIONS", resp.Headers["Allow"])

	resp = st.Options("/foos")
	assert.Equal(t, "GET, HEAD, POST, OPTIONS", resp.Headers["Allow"])

	resp = st.Post(ctx, "/foos/one", Options{JSON: `{"a":1}`})
	require.Equal(t, 405, resp.Status)
	assert.Equal(t, "GET, HEAD, PUT, DELETE, OPTIONS", resp.Headers["Allow"])

	resp = st.Put(ctx, "/foos", Options{JSON: `{"a":1}`})
	require.Equal(t, 405, resp.Status)
	assert.Equal(t, "GET, HEAD, POST, OPTIONS", resp.Headers["Allow"])

	assert.Equal(t, 405, st.Delete(ctx, "/foos/one/versions/abc", Options{ETag: "abc"}).Status)
	assert.Equal(t, 405, st.Put(ctx, "/cloudkit-meta", Options{JSON: `{}`}).Status)

	resp = st.MethodNotAllowed("/foos/one")
	require.Equal(t, 405, resp.Status)
	assert.Equal(t, "GET, HEAD, PUT, DELETE, OPTIONS", resp.Headers["Allow"])
}

func TestValidationFailures(t *testing.T) {
	st := foosStore(t)

	resp := st.Get(ctx, "/widgets", Options{})
	require.Equal(t, 400, resp.Status)
	assert.JSONEq(t, `{"error":"invalid entity type"}`, resp.Content)

	assert.Equal(t, 404, st.Get(ctx, "/foos/a/b", Options{}).Status)

	resp = st.Put(ctx, "/foos/one", Options{})
	require.Equal(t, 400, resp.Status)
	assert.JSONEq(t, `{"error":"data required"}`, resp.Content)

	resp = st.Post(ctx, "/foos", Options{})
	require.Equal(t, 400, resp.Status)
	assert.JSONEq(t, `{"error":"data required"}`, resp.Content)

	assert.Equal(t, 422, st.Put(ctx, "/foos/one", Options{JSON: "not json"}).Status)
	assert.Equal(t, 422, st.Post(ctx, "/foos", Options{JSON: `{"a":`}).Status)

	// malformed json on an existing resource still needs the resource checks first
	created := st.Put(ctx, "/foos/two", Options{JSON: `{"a":1}`})
	require.Equal(t, 201, created.Status)
	assert.Equal(t, 422, st.Put(ctx, "/foos/two", Options{JSON: "not json", ETag: decodeMeta(t, created).ETag}).Status)
}

func TestMeta(t *testing.T) {
	st, _ := newTestStore(t, Config{Collections: []string{"foos", "bars"}})

	resp := st.Get(ctx, "/cloudkit-meta", Options{})
	require.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"uris":["/foos","/bars"]}`, resp.Content)
	assert.NotEmpty(t, resp.ETag())
}

func TestHead(t *testing.T) {
	st := foosStore(t)

	created := st.Put(ctx, "/foos/one", Options{JSON: `{"a":1}`})
	etag := decodeMeta(t, created).ETag

	head := st.Head(ctx, "/foos/one", Options{})
	require.Equal(t, 200, head.Status)
	assert.Equal(t, "", head.Content)
	assert.Equal(t, etag, head.ETag())
	assert.NotEmpty(t, head.LastModified())

	assert.Equal(t, 404, st.Head(ctx, "/foos/none", Options{}).Status)

	get := st.Get(ctx, "/foos", Options{})
	head = st.Head(ctx, "/foos", Options{})
	require.Equal(t, 200, head.Status)
	assert.Equal(t, "", head.Content)
	assert.Equal(t, get.Headers, head.Headers)
}

func TestPagination(t *testing.T) {
	st := foosStore(t)

	var uris []string
	for i := 0; i < 3; i++ {
		resp := st.Put(ctx, fmt.Sprintf("/foos/doc%d", i), Options{JSON: fmt.Sprintf(`{"n":%d}`, i)})
		require.Equal(t, 201, resp.Status)
		uris = append(uris, decodeMeta(t, resp).URI)
	}

	limit := func(n int) *int { return &n }

	list := decodeURIList(t, st.Get(ctx, "/foos", Options{Limit: limit(2)}))
	assert.Equal(t, 3, list.Total)
	assert.Equal(t, []string{uris[2], uris[1]}, list.URIs)

	list = decodeURIList(t, st.Get(ctx, "/foos", Options{Offset: 1, Limit: limit(2)}))
	assert.Equal(t, 3, list.Total)
	assert.Equal(t, 1, list.Offset)
	assert.Equal(t, []string{uris[1], uris[0]}, list.URIs)

	// limit=0 keeps the total but returns nothing
	list = decodeURIList(t, st.Get(ctx, "/foos", Options{Limit: limit(0)}))
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.URIs, 0)

	list = decodeURIList(t, st.Get(ctx, "/foos", Options{Offset: 10}))
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.URIs, 0)
}

func TestViewLifecycle(t *testing.T) {
	st, adapter := newTestStore(t, Config{
		Collections: []string{"fruits", "veggies"},
		Views: []*View{
			{Name: "fruits_by_color", Collection: "fruits", Keys: []string{"color"}},
			{Name: "veggies_by_color", Collection: "veggies", Keys: []string{"color"}},
		},
	})

	created := st.Post(ctx, "/fruits", Options{JSON: `{"color":"red","kind":"apple"}`})
	require.Equal(t, 201, created.Status)
	meta := decodeMeta(t, created)

	resp := st.Get(ctx, "/fruits_by_color", Options{Filters: map[string]string{"color": "red"}})
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, []string{meta.URI}, decodeURIList(t, resp).URIs)

	// a view over another collection sees nothing
	other := st.Get(ctx, "/veggies_by_color", Options{Filters: map[string]string{"color": "red"}})
	assert.Equal(t, 0, decodeURIList(t, other).Total)

	// update reindexes under the new value
	updated := st.Put(ctx, meta.URI, Options{JSON: `{"color":"green","kind":"apple"}`, ETag: meta.ETag})
	require.Equal(t, 200, updated.Status)

	resp = st.Get(ctx, "/fruits_by_color", Options{Filters: map[string]string{"color": "red"}})
	assert.Equal(t, 0, decodeURIList(t, resp).Total)
	resp = st.Get(ctx, "/fruits_by_color", Options{Filters: map[string]string{"color": "green"}})
	assert.Equal(t, []string{meta.URI}, decodeURIList(t, resp).URIs)

	// a document missing the extracted key is not indexed
	etag2 := decodeMeta(t, updated).ETag
	stripped := st.Put(ctx, meta.URI, Options{JSON: `{"kind":"apple"}`, ETag: etag2})
	require.Equal(t, 200, stripped.Status)
	resp = st.Get(ctx, "/fruits_by_color", Options{Filters: map[string]string{"color": "green"}})
	assert.Equal(t, 0, decodeURIList(t, resp).Total)

	reindexed := st.Put(ctx, meta.URI, Options{JSON: `{"color":"green"}`, ETag: decodeMeta(t, stripped).ETag})
	require.Equal(t, 200, reindexed.Status)

	// delete unmaps
	resp = st.Delete(ctx, meta.URI, Options{ETag: decodeMeta(t, reindexed).ETag})
	require.Equal(t, 200, resp.Status)
	resp = st.Get(ctx, "/fruits_by_color", Options{Filters: map[string]string{"color": "green"}})
	assert.Equal(t, 0, decodeURIList(t, resp).Total)

	// unknown filter columns are rejected
	resp = st.Get(ctx, "/fruits_by_color", Options{Filters: map[string]string{"flavor": "sweet"}})
	require.Equal(t, 400, resp.Status)
	assert.JSONEq(t, `{"error":"invalid filter"}`, resp.Content)

	uris, err := adapter.ViewQuery(ctx, "fruits_by_color", nil)
	require.NoError(t, err)
	assert.Len(t, uris, 0)
}

func TestRowInvariants(t *testing.T) {
	st, adapter := newTestStore(t, Config{Collections: []string{"foos"}})

	created := st.Put(ctx, "/foos/one", Options{JSON: `{"a":1}`})
	etag1 := decodeMeta(t, created).ETag
	updated := st.Put(ctx, "/foos/one", Options{JSON: `{"a":2}`, ETag: etag1})
	etag2 := decodeMeta(t, updated).ETag

	rows, err := adapter.Query(ctx, storage.Query{ResourceReference: "/foos/one"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// exactly one current row, ids strictly increasing, references immutable
	assert.Equal(t, "/foos/one", rows[0].URI)
	assert.Equal(t, etag2, rows[0].ETag)
	assert.Equal(t, "/foos/one/versions/"+etag1, rows[1].URI)
	assert.True(t, rows[0].ID > rows[1].ID)
	for _, row := range rows {
		assert.Equal(t, "/foos", row.CollectionReference)
		assert.Equal(t, "/foos/one", row.ResourceReference)
	}

	resp := st.Delete(ctx, "/foos/one", Options{ETag: etag2})
	require.Equal(t, 200, resp.Status)

	rows, err = adapter.Query(ctx, storage.Query{ResourceReference: "/foos/one"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "/foos/one", rows[0].URI)
	assert.True(t, rows[0].Deleted)
	assert.Equal(t, `{"a":2}`, rows[0].Content, "tombstone keeps the superseded content")
}

func TestResolveURIs(t *testing.T) {
	st := foosStore(t)

	created := st.Put(ctx, "/foos/one", Options{JSON: `{"a":1}`})
	require.Equal(t, 201, created.Status)

	responses := st.ResolveURIs(ctx, []string{"/foos/one", "/foos/none"}, Options{})
	require.Len(t, responses, 2)
	assert.Equal(t, 200, responses[0].Status)
	assert.Equal(t, `{"a":1}`, responses[0].Content)
	assert.Equal(t, 404, responses[1].Status)
}

func TestReset(t *testing.T) {
	st := foosStore(t)

	require.Equal(t, 201, st.Put(ctx, "/foos/one", Options{JSON: `{"a":1}`}).Status)
	require.NoError(t, st.Reset(ctx))

	assert.Equal(t, 404, st.Get(ctx, "/foos/one", Options{}).Status)
	assert.Equal(t, 0, decodeURIList(t, st.Get(ctx, "/foos", Options{})).Total)
}

func TestVersion(t *testing.T) {
	assert.Equal(t, 1, foosStore(t).Version())
}

func TestParseJSON(t *testing.T) {
	data, ok := parseJSON(`{"a":1,"b":"x"}`)
	require.True(t, ok)
	assert.Equal(t, json.Number("1"), data["a"])

	_, ok = parseJSON("not json")
	assert.False(t, ok)
	_, ok = parseJSON(`{"a":1} trailing`)
	assert.False(t, ok)

	// valid non-object documents store fine but index nothing
	data, ok = parseJSON(`[1,2,3]`)
	assert.True(t, ok)
	assert.Nil(t, data)
}
