// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Collections: []string{"items"},
		Views: []*View{
			{Name: "items_by_kind", Collection: "items", Keys: []string{"kind"}},
		},
	}
}

func TestClassify(t *testing.T) {
	config := testConfig()

	tests := []struct {
		uri  string
		kind Kind
	}{
		{"/cloudkit-meta", KindMeta},
		{"/items", KindResourceCollection},
		{"/items/", KindResourceCollection},
		{"items", KindResourceCollection},
		{"/items/_resolved", KindResolvedResourceCollection},
		{"/items/123", KindResource},
		{"/items/123/versions", KindVersionCollection},
		{"/items/123/versions/_resolved", KindResolvedVersionCollection},
		{"/items/123/versions/abc", KindResourceVersion},
		{"/items_by_kind", KindView},
		{"", KindUnknown},
		{"/", KindUnknown},
		{"/widgets", KindUnknown},
		{"/widgets/1", KindUnknown},
		{"/widgets/1/versions", KindUnknown},
		{"/items/1/history", KindUnknown},
		{"/items/1/versions/a/b", KindUnknown},
		{"/items_by_kind/1", KindUnknown},
		{"/cloudkit-meta/1", KindUnknown},
	}

	for _, test := range tests {
		assert.Equal(t, test.kind, config.Classify(test.uri), "uri: %q", test.uri)
	}
}

func TestKindMethods(t *testing.T) {
	assert.Equal(t, "GET, HEAD, PUT, DELETE, OPTIONS", KindResource.Allow())
	assert.Equal(t, "GET, HEAD, POST, OPTIONS", KindResourceCollection.Allow())
	assert.Equal(t, "GET, HEAD, OPTIONS", KindVersionCollection.Allow())
	assert.Equal(t, "GET, HEAD, OPTIONS", KindView.Allow())
	assert.Equal(t, "", KindUnknown.Allow())

	assert.True(t, KindResource.Allows("PUT"))
	assert.False(t, KindResource.Allows("POST"))
	assert.True(t, KindResourceCollection.Allows("POST"))
	assert.False(t, KindResourceVersion.Allows("DELETE"))
	assert.False(t, KindUnknown.Allows("GET"))
}

func TestURIHelpers(t *testing.T) {
	assert.Equal(t, "/items", collectionURIFragment("/items/123/versions/abc"))
	assert.Equal(t, "/items", collectionURIFragment("/items"))
	assert.Equal(t, "", collectionURIFragment("/"))

	assert.Equal(t, "items", collectionType("/items/123"))
	assert.Equal(t, "", collectionType(""))

	assert.Equal(t, "/items/123", currentResourceURI("/items/123/versions/abc"))
	assert.Equal(t, "/items/123", currentResourceURI("/items/123"))
	assert.Equal(t, "", currentResourceURI("/items"))

	assert.Equal(t, "/items/123/versions/abc", versionURI("/items/123", "abc"))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	assert.Error(t, Config{Collections: []string{"items", "items"}}.Validate())
	assert.Error(t, Config{Collections: []string{"Bad Name"}}.Validate())
	assert.Error(t, Config{Collections: []string{"with/slash"}}.Validate())
	assert.Error(t, Config{Collections: []string{"cloudkit-meta"}}.Validate())
	assert.Error(t, Config{Collections: []string{"versions"}}.Validate())
	assert.Error(t, Config{Collections: []string{"_resolved"}}.Validate())

	assert.Error(t, Config{
		Collections: []string{"items"},
		Views:       []*View{{Name: "items", Collection: "items"}},
	}.Validate(), "view colliding with a collection name")

	assert.Error(t, Config{
		Collections: []string{"items"},
		Views:       []*View{{Name: "by_kind", Collection: "widgets"}},
	}.Validate(), "view observing an unknown collection")

	assert.Error(t, Config{
		Collections: []string{"items"},
		Views:       []*View{{Name: "by_kind", Collection: "items", Keys: []string{"uri"}}},
	}.Validate(), "reserved view key")

	assert.Error(t, Config{
		Collections: []string{"items"},
		Views:       []*View{{Name: "by_kind", Collection: "items", Keys: []string{"drop table"}}},
	}.Validate(), "invalid view key")
}
