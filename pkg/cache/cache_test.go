// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package cache

import (
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cloudkit.io/cloudkit/pkg/store"
)

func newTestCache(t *testing.T) (*ResponseCache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	responseCache, err := New(zaptest.NewLogger(t), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = responseCache.Close() })

	return responseCache, mr
}

func TestRoundtrip(t *testing.T) {
	responseCache, _ := newTestCache(t)

	_, ok := responseCache.Get("alice", "/notes/1")
	assert.False(t, ok)

	resp := store.NewResponse(200, `{"a":1}`)
	resp.SetETag("abc")
	responseCache.Set("alice", "/notes/1", resp)

	found, ok := responseCache.Get("alice", "/notes/1")
	require.True(t, ok)
	assert.Equal(t, 200, found.Status)
	assert.Equal(t, `{"a":1}`, found.Content)
	assert.Equal(t, "abc", found.ETag())
	assert.Equal(t, "application/json", found.Headers["Content-Type"])

	// keys are scoped per principal
	_, ok = responseCache.Get("bob", "/notes/1")
	assert.False(t, ok)
	_, ok = responseCache.Get("", "/notes/1")
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	responseCache, _ := newTestCache(t)

	responseCache.Set("", "/notes/1", store.NewResponse(200, `{"a":1}`))
	_, ok := responseCache.Get("", "/notes/1")
	require.True(t, ok)

	responseCache.Invalidate("", "/notes/1")
	_, ok = responseCache.Get("", "/notes/1")
	assert.False(t, ok)

	// dropping a missing key is not an error
	responseCache.Invalidate("", "/notes/none")
}

func TestCorruptEntry(t *testing.T) {
	responseCache, mr := newTestCache(t)

	require.NoError(t, mr.Set(key("alice", "/notes/1"), "not json"))
	_, ok := responseCache.Get("alice", "/notes/1")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	responseCache, mr := newTestCache(t)

	responseCache.Set("", "/notes/1", store.NewResponse(200, `{"a":1}`))
	mr.FastForward(defaultTTL + 1)

	_, ok := responseCache.Get("", "/notes/1")
	assert.False(t, ok)
}
