// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponseETag(t *testing.T) {
	resp := NewResponse(200, `{"a":1}`)
	resp.SetETag("abc")

	assert.Equal(t, `"abc"`, resp.Headers["ETag"])
	assert.Equal(t, "abc", resp.ETag())
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
}

func TestResponseHead(t *testing.T) {
	resp := NewResponse(200, `{"a":1}`)
	resp.SetETag("abc")
	resp.SetLastModified("Tue, 16 Oct 2018 10:00:00 GMT")

	head := resp.Head()
	assert.Equal(t, 200, head.Status)
	assert.Equal(t, "", head.Content)
	assert.Equal(t, resp.Headers, head.Headers)

	// copies do not alias
	head.Headers["ETag"] = `"other"`
	assert.Equal(t, `"abc"`, resp.Headers["ETag"])
}

func TestResponseTriple(t *testing.T) {
	resp := NewResponse(412, "")
	status, headers, body := resp.Triple()
	assert.Equal(t, 412, status)
	assert.Equal(t, []string{""}, body)
	assert.NotNil(t, headers)
}

func TestStatusHelpers(t *testing.T) {
	resp := errorResponse(400, "data required")
	assert.Equal(t, 400, resp.Status)
	assert.JSONEq(t, `{"error":"data required"}`, resp.Content)

	resp = metaResponse(201, "/items/1", "abc", "Tue, 16 Oct 2018 10:00:00 GMT")
	assert.Equal(t, 201, resp.Status)
	assert.JSONEq(t, `{"uri":"/items/1","etag":"abc","last_modified":"Tue, 16 Oct 2018 10:00:00 GMT"}`, resp.Content)
	assert.Equal(t, "abc", resp.ETag())
	assert.Equal(t, "Tue, 16 Oct 2018 10:00:00 GMT", resp.LastModified())

	assert.Equal(t, bodyETag("x"), bodyETag("x"))
	assert.NotEqual(t, bodyETag("x"), bodyETag("y"))
}
