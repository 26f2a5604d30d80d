// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package store

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Response carries the outcome of a store operation: an HTTP-style status, a
// header map, and a JSON body. The transport wrapper maps it onto the host
// protocol unchanged.
type Response struct {
	Status  int
	Headers map[string]string
	Content string
}

// NewResponse creates a response with status and content. JSON bodies get a
// Content-Type header.
func NewResponse(status int, content string) *Response {
	resp := &Response{
		Status:  status,
		Headers: map[string]string{},
		Content: content,
	}
	if content != "" {
		resp.Headers["Content-Type"] = "application/json"
	}
	return resp
}

// SetETag stores the quoted form of etag in the headers
func (resp *Response) SetETag(etag string) {
	resp.Headers["ETag"] = `"` + etag + `"`
}

// ETag returns the unquoted ETag header value
func (resp *Response) ETag() string {
	return strings.Trim(resp.Headers["ETag"], `"`)
}

// SetLastModified stores the Last-Modified header
func (resp *Response) SetLastModified(date string) {
	if date != "" {
		resp.Headers["Last-Modified"] = date
	}
}

// LastModified returns the Last-Modified header value
func (resp *Response) LastModified() string {
	return resp.Headers["Last-Modified"]
}

// Head returns a copy of the response without content
func (resp *Response) Head() *Response {
	head := &Response{
		Status:  resp.Status,
		Headers: map[string]string{},
	}
	for key, value := range resp.Headers {
		head.Headers[key] = value
	}
	return head
}

// Triple returns the response as a (status, headers, body list) triple
func (resp *Response) Triple() (int, map[string]string, []string) {
	headers := map[string]string{}
	for key, value := range resp.Headers {
		headers[key] = value
	}
	return resp.Status, headers, []string{resp.Content}
}

// statusResponse creates an empty response carrying only a status
func statusResponse(status int) *Response {
	return NewResponse(status, "")
}

// errorResponse creates a response with an error message body
func errorResponse(status int, message string) *Response {
	body, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return statusResponse(status)
	}
	return NewResponse(status, string(body))
}

type metadata struct {
	URI          string `json:"uri"`
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified"`
}

// metaResponse creates a response whose body and headers reference one
// version of a resource.
func metaResponse(status int, uri, etag, lastModified string) *Response {
	body, err := json.Marshal(metadata{URI: uri, ETag: etag, LastModified: lastModified})
	if err != nil {
		return statusResponse(status)
	}
	resp := NewResponse(status, string(body))
	resp.SetETag(etag)
	resp.SetLastModified(lastModified)
	return resp
}

// bodyETag derives a collection ETag from the rendered body
func bodyETag(body string) string {
	sum := md5.Sum([]byte(body))
	return hex.EncodeToString(sum[:])
}
