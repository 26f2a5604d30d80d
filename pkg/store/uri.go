// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package store

import (
	"strings"
)

// Kind is the shape of an addressable URI.
type Kind int

// The URI kinds the store multiplexes onto the row table.
const (
	KindUnknown Kind = iota
	KindMeta
	KindResourceCollection
	KindResolvedResourceCollection
	KindResource
	KindVersionCollection
	KindResolvedVersionCollection
	KindResourceVersion
	KindView
)

const (
	metaName     = "cloudkit-meta"
	resolvedName = "_resolved"
	versionsName = "versions"
)

// String returns the kind name
func (kind Kind) String() string {
	switch kind {
	case KindMeta:
		return "meta"
	case KindResourceCollection:
		return "resource_collection"
	case KindResolvedResourceCollection:
		return "resolved_resource_collection"
	case KindResource:
		return "resource"
	case KindVersionCollection:
		return "version_collection"
	case KindResolvedVersionCollection:
		return "resolved_version_collection"
	case KindResourceVersion:
		return "resource_version"
	case KindView:
		return "view"
	}
	return "unknown"
}

// methodsByKind lists the allowed methods per kind, in Allow header order.
var methodsByKind = map[Kind][]string{
	KindMeta:                       {"GET", "HEAD", "OPTIONS"},
	KindResourceCollection:         {"GET", "HEAD", "POST", "OPTIONS"},
	KindResolvedResourceCollection: {"GET", "HEAD", "OPTIONS"},
	KindResource:                   {"GET", "HEAD", "PUT", "DELETE", "OPTIONS"},
	KindVersionCollection:          {"GET", "HEAD", "OPTIONS"},
	KindResolvedVersionCollection:  {"GET", "HEAD", "OPTIONS"},
	KindResourceVersion:            {"GET", "HEAD", "OPTIONS"},
	KindView:                       {"GET", "HEAD", "OPTIONS"},
}

// Methods returns the allowed methods for the kind. Unknown URIs allow nothing.
func (kind Kind) Methods() []string {
	return methodsByKind[kind]
}

// Allows reports whether method is allowed for the kind
func (kind Kind) Allows(method string) bool {
	for _, allowed := range kind.Methods() {
		if allowed == method {
			return true
		}
	}
	return false
}

// Allow renders the Allow header value for the kind
func (kind Kind) Allow() string {
	return strings.Join(kind.Methods(), ", ")
}

// segments splits a URI on /, dropping empty segments
func segments(uri string) []string {
	var parts []string
	for _, part := range strings.Split(uri, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// collectionURIFragment returns the collection reference for uri, e.g.
// "/items/123" -> "/items".
func collectionURIFragment(uri string) string {
	parts := segments(uri)
	if len(parts) == 0 {
		return ""
	}
	return "/" + parts[0]
}

// collectionType returns the bare collection (or view) name of uri
func collectionType(uri string) string {
	parts := segments(uri)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// currentResourceURI returns the current-version URI for any resource-scoped
// uri, e.g. "/items/123/versions/abc" -> "/items/123".
func currentResourceURI(uri string) string {
	parts := segments(uri)
	if len(parts) < 2 {
		return ""
	}
	return "/" + parts[0] + "/" + parts[1]
}

// versionURI returns the historical address of uri under etag
func versionURI(uri, etag string) string {
	return uri + "/" + versionsName + "/" + etag
}

// Classify maps a URI onto its kind given the configured collections and views.
func (config Config) Classify(uri string) Kind {
	parts := segments(uri)
	switch len(parts) {
	case 1:
		switch {
		case parts[0] == metaName:
			return KindMeta
		case config.hasCollection(parts[0]):
			return KindResourceCollection
		case config.view(parts[0]) != nil:
			return KindView
		}
	case 2:
		if config.hasCollection(parts[0]) {
			if parts[1] == resolvedName {
				return KindResolvedResourceCollection
			}
			return KindResource
		}
	case 3:
		if config.hasCollection(parts[0]) && parts[2] == versionsName {
			return KindVersionCollection
		}
	case 4:
		if config.hasCollection(parts[0]) && parts[2] == versionsName {
			if parts[3] == resolvedName {
				return KindResolvedVersionCollection
			}
			return KindResourceVersion
		}
	}
	return KindUnknown
}
