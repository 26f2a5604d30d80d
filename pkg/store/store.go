// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skyrings/skyring-common/tools/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"cloudkit.io/cloudkit/storage"
)

var (
	mon = monkit.Package()

	// Error is the store error class
	Error = errs.Class("store error")
)

// Version is the store interface version.
const Version = 1

// Options carries the recognized per-request configuration. RemoteUser scopes
// the dataset to one principal (empty means unowned rows); Filters are extra
// column = value constraints, matched against view columns on view reads.
type Options struct {
	RemoteUser string
	Limit      *int
	Offset     int
	JSON       string
	ETag       string
	Filters    map[string]string
}

// Store orchestrates reads and versioned writes against an adapter, and keeps
// the configured views consistent with every write.
type Store struct {
	log     *zap.Logger
	adapter storage.Adapter
	config  Config
}

// New validates config, prepares view storage, and returns a ready store.
func New(ctx context.Context, log *zap.Logger, adapter storage.Adapter, config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := adapter.InitViews(ctx, config.schemas()); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{
		log:     log,
		adapter: adapter,
		config:  config,
	}, nil
}

// Version returns the store interface version
func (s *Store) Version() int { return Version }

// Classify maps a URI onto its kind under this store's configuration
func (s *Store) Classify(uri string) Kind {
	return s.config.Classify(uri)
}

// Get fetches the representation of uri
func (s *Store) Get(ctx context.Context, uri string, opts Options) *Response {
	resp, err := s.get(ctx, uri, opts, false)
	return s.finish("GET", uri, resp, err)
}

// Head fetches the headers of uri, skipping content retrieval for
// single-resource and single-version URIs.
func (s *Store) Head(ctx context.Context, uri string, opts Options) *Response {
	switch s.config.Classify(uri) {
	case KindResource, KindResourceVersion:
		resp, err := s.get(ctx, uri, opts, true)
		return s.finish("HEAD", uri, resp, err).Head()
	default:
		return s.Get(ctx, uri, opts).Head()
	}
}

// Put creates the resource at uri, or replaces its current version when the
// etag precondition holds.
func (s *Store) Put(ctx context.Context, uri string, opts Options) *Response {
	resp, err := s.put(ctx, uri, opts)
	return s.finish("PUT", uri, resp, err)
}

// Post creates a resource under a collection uri at a fresh UUID address
func (s *Store) Post(ctx context.Context, uri string, opts Options) *Response {
	resp, err := s.post(ctx, uri, opts)
	return s.finish("POST", uri, resp, err)
}

// Delete tombstones the resource at uri when the etag precondition holds
func (s *Store) Delete(ctx context.Context, uri string, opts Options) *Response {
	resp, err := s.delete(ctx, uri, opts)
	return s.finish("DELETE", uri, resp, err)
}

// Options returns the allowed methods for uri
func (s *Store) Options(uri string) *Response {
	resp := statusResponse(http.StatusOK)
	resp.Headers["Allow"] = s.config.Classify(uri).Allow()
	return resp
}

// MethodNotAllowed builds the 405 response for uri
func (s *Store) MethodNotAllowed(uri string) *Response {
	return s.notAllowed(s.config.Classify(uri))
}

// ResolveURIs maps each URI through Get and collects the responses
func (s *Store) ResolveURIs(ctx context.Context, uris []string, opts Options) []*Response {
	responses := make([]*Response, 0, len(uris))
	for _, uri := range uris {
		responses = append(responses, s.Get(ctx, uri, opts))
	}
	return responses
}

// Reset truncates all stored rows and views
func (s *Store) Reset(ctx context.Context) error {
	return Error.Wrap(s.adapter.Reset(ctx))
}

// finish maps storage-layer failures onto responses at the public boundary
func (s *Store) finish(op, uri string, resp *Response, err error) *Response {
	if err == nil {
		return resp
	}
	if storage.ErrInvalidFilter.Has(err) {
		return errorResponse(http.StatusBadRequest, "invalid filter")
	}
	s.log.Error("storage failure",
		zap.String("op", op),
		zap.String("uri", uri),
		zap.Error(err),
	)
	return statusResponse(http.StatusInternalServerError)
}

func (s *Store) notAllowed(kind Kind) *Response {
	resp := statusResponse(http.StatusMethodNotAllowed)
	resp.Headers["Allow"] = kind.Allow()
	return resp
}

// knownEntity reports whether uri addresses a configured collection, view, or
// the meta endpoint.
func (s *Store) knownEntity(uri string) bool {
	name := collectionType(uri)
	return name == metaName || s.config.hasCollection(name) || s.config.view(name) != nil
}

// rowFilters merges the remote_user scope into the extra filters
func rowFilters(opts Options) map[string]string {
	filters := map[string]string{"remote_user": opts.RemoteUser}
	for key, value := range opts.Filters {
		filters[key] = value
	}
	return filters
}

func (s *Store) get(ctx context.Context, uri string, opts Options, metadataOnly bool) (_ *Response, err error) {
	defer mon.Task()(&ctx)(&err)

	if !s.knownEntity(uri) {
		return errorResponse(http.StatusBadRequest, "invalid entity type"), nil
	}

	switch s.config.Classify(uri) {
	case KindMeta:
		return s.meta()
	case KindResource, KindResourceVersion:
		return s.getEntry(ctx, uri, opts, metadataOnly)
	case KindResourceCollection:
		rows, err := s.collectionRows(ctx, uri, opts)
		if err != nil {
			return nil, err
		}
		return s.bundleURIs(rows, opts), nil
	case KindResolvedResourceCollection:
		rows, err := s.collectionRows(ctx, uri, opts)
		if err != nil {
			return nil, err
		}
		return s.bundleDocuments(rows, opts)
	case KindVersionCollection:
		rows, resp, err := s.versionRows(ctx, uri, opts)
		if resp != nil || err != nil {
			return resp, err
		}
		return s.bundleURIs(rows, opts), nil
	case KindResolvedVersionCollection:
		rows, resp, err := s.versionRows(ctx, uri, opts)
		if resp != nil || err != nil {
			return resp, err
		}
		return s.bundleDocuments(rows, opts)
	case KindView:
		return s.getView(ctx, uri, opts)
	}
	return statusResponse(http.StatusNotFound), nil
}

// meta returns the URIs of all configured collections
func (s *Store) meta() (*Response, error) {
	uris := make([]string, 0, len(s.config.Collections))
	for _, collection := range s.config.Collections {
		uris = append(uris, "/"+collection)
	}
	body, err := json.Marshal(map[string][]string{"uris": uris})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp := NewResponse(http.StatusOK, string(body))
	resp.SetETag(bodyETag(string(body)))
	return resp, nil
}

// getEntry serves a single current or historical row
func (s *Store) getEntry(ctx context.Context, uri string, opts Options, metadataOnly bool) (*Response, error) {
	rows, err := s.adapter.Query(ctx, storage.Query{
		URI:          uri,
		MetadataOnly: metadataOnly,
		Filters:      rowFilters(opts),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return statusResponse(http.StatusNotFound), nil
	}
	entry := rows[0]
	if entry.Deleted {
		return s.gone(ctx, entry.ResourceReference, opts)
	}
	resp := NewResponse(http.StatusOK, entry.Content)
	resp.SetETag(entry.ETag)
	resp.SetLastModified(entry.LastModified)
	return resp, nil
}

// gone builds the 410 response referencing the latest surviving version of
// the resource at resourceRef.
func (s *Store) gone(ctx context.Context, resourceRef string, opts Options) (*Response, error) {
	live := false
	rows, err := s.adapter.Query(ctx, storage.Query{
		ResourceReference: resourceRef,
		Deleted:           &live,
		MetadataOnly:      true,
		Filters:           rowFilters(opts),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return statusResponse(http.StatusGone), nil
	}
	latest := rows[0]
	return metaResponse(http.StatusGone, latest.URI, latest.ETag, latest.LastModified), nil
}

// collectionRows returns the live current rows of the collection addressed by
// uri, newest first.
func (s *Store) collectionRows(ctx context.Context, uri string, opts Options) ([]storage.Entry, error) {
	live := false
	return s.adapter.Query(ctx, storage.Query{
		CollectionReference: collectionURIFragment(uri),
		Deleted:             &live,
		CurrentOnly:         true,
		Filters:             rowFilters(opts),
	})
}

// versionRows returns all surviving versions of the resource addressed by a
// version-collection uri, newest first. A non-nil response short-circuits.
func (s *Store) versionRows(ctx context.Context, uri string, opts Options) ([]storage.Entry, *Response, error) {
	current := currentResourceURI(uri)
	found, err := s.adapter.Query(ctx, storage.Query{
		URI:          current,
		MetadataOnly: true,
		Filters:      rowFilters(opts),
	})
	if err != nil {
		return nil, nil, err
	}
	if len(found) == 0 {
		return nil, statusResponse(http.StatusNotFound), nil
	}

	live := false
	rows, err := s.adapter.Query(ctx, storage.Query{
		ResourceReference: current,
		Deleted:           &live,
		Filters:           rowFilters(opts),
	})
	if err != nil {
		return nil, nil, err
	}
	return rows, nil, nil
}

// getView serves an equality lookup against a view table
func (s *Store) getView(ctx context.Context, uri string, opts Options) (*Response, error) {
	view := s.config.view(collectionType(uri))
	uris, err := s.adapter.ViewQuery(ctx, view.Name, opts.Filters)
	if err != nil {
		if storage.ErrInvalidFilter.Has(err) {
			return errorResponse(http.StatusBadRequest, "invalid filter"), nil
		}
		return nil, err
	}

	total := len(uris)
	uris = sliceURIs(uris, opts)
	body, err := renderURIList(total, opts.Offset, uris)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp := NewResponse(http.StatusOK, body)
	resp.SetETag(bodyETag(body))
	return resp, nil
}

func (s *Store) put(ctx context.Context, uri string, opts Options) (_ *Response, err error) {
	defer mon.Task()(&ctx)(&err)

	kind := s.config.Classify(uri)
	if !kind.Allows("PUT") {
		return s.notAllowed(kind), nil
	}
	if !s.config.hasCollection(collectionType(uri)) {
		return errorResponse(http.StatusBadRequest, "invalid entity type"), nil
	}
	if opts.JSON == "" {
		return errorResponse(http.StatusBadRequest, "data required"), nil
	}

	// Peek without the remote_user scope: a resource owned by someone else
	// must not be overwritten by the create path.
	peek, err := s.adapter.Query(ctx, storage.Query{
		URI:          uri,
		MetadataOnly: true,
		Filters:      opts.Filters,
	})
	if err != nil {
		return nil, err
	}
	if len(peek) > 0 {
		if peek[0].Deleted {
			return s.gone(ctx, peek[0].ResourceReference, opts)
		}
		return s.updateResource(ctx, uri, opts)
	}
	return s.createResource(ctx, uri, opts)
}

func (s *Store) post(ctx context.Context, uri string, opts Options) (_ *Response, err error) {
	defer mon.Task()(&ctx)(&err)

	kind := s.config.Classify(uri)
	if !kind.Allows("POST") {
		return s.notAllowed(kind), nil
	}
	if !s.config.hasCollection(collectionType(uri)) {
		return errorResponse(http.StatusBadRequest, "invalid entity type"), nil
	}
	if opts.JSON == "" {
		return errorResponse(http.StatusBadRequest, "data required"), nil
	}

	id, err := newUUID()
	if err != nil {
		return nil, err
	}
	return s.createResource(ctx, collectionURIFragment(uri)+"/"+id, opts)
}

func (s *Store) delete(ctx context.Context, uri string, opts Options) (_ *Response, err error) {
	defer mon.Task()(&ctx)(&err)

	kind := s.config.Classify(uri)
	if !kind.Allows("DELETE") {
		return s.notAllowed(kind), nil
	}
	if !s.config.hasCollection(collectionType(uri)) {
		return errorResponse(http.StatusBadRequest, "invalid entity type"), nil
	}
	if opts.ETag == "" {
		return errorResponse(http.StatusBadRequest, "etag required"), nil
	}

	rows, err := s.adapter.Query(ctx, storage.Query{
		URI:     uri,
		Filters: rowFilters(opts),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return statusResponse(http.StatusNotFound), nil
	}
	current := rows[0]
	if current.Deleted {
		return s.gone(ctx, current.ResourceReference, opts)
	}
	if current.ETag != opts.ETag {
		return statusResponse(http.StatusPreconditionFailed), nil
	}

	tombstoneETag, err := newUUID()
	if err != nil {
		return nil, err
	}
	historyURI := versionURI(uri, current.ETag)

	err = s.adapter.Transaction(ctx, func(tx storage.Tx) error {
		if err := tx.RewriteURI(ctx, uri, historyURI); err != nil {
			return err
		}
		err := tx.Insert(ctx, &storage.Entry{
			URI:                 uri,
			ETag:                tombstoneETag,
			CollectionReference: current.CollectionReference,
			ResourceReference:   uri,
			LastModified:        httpDateNow(),
			RemoteUser:          opts.RemoteUser,
			Content:             current.Content,
			Deleted:             true,
		})
		if err != nil {
			return err
		}
		for _, view := range s.config.Views {
			if err := view.Unmap(ctx, tx, current.CollectionReference, uri); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if raced(err) {
			return statusResponse(http.StatusPreconditionFailed), nil
		}
		return nil, err
	}
	return metaResponse(http.StatusOK, historyURI, current.ETag, current.LastModified), nil
}

// createResource inserts the first version of a resource at uri
func (s *Store) createResource(ctx context.Context, uri string, opts Options) (*Response, error) {
	data, ok := parseJSON(opts.JSON)
	if !ok {
		return statusResponse(http.StatusUnprocessableEntity), nil
	}

	etag, err := newUUID()
	if err != nil {
		return nil, err
	}
	lastModified := httpDateNow()
	collectionRef := collectionURIFragment(uri)

	err = s.adapter.Transaction(ctx, func(tx storage.Tx) error {
		err := tx.Insert(ctx, &storage.Entry{
			URI:                 uri,
			ETag:                etag,
			CollectionReference: collectionRef,
			ResourceReference:   uri,
			LastModified:        lastModified,
			RemoteUser:          opts.RemoteUser,
			Content:             opts.JSON,
		})
		if err != nil {
			return err
		}
		for _, view := range s.config.Views {
			if err := view.Map(ctx, tx, collectionRef, uri, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if raced(err) {
			return statusResponse(http.StatusPreconditionFailed), nil
		}
		return nil, err
	}
	return metaResponse(http.StatusCreated, uri, etag, lastModified), nil
}

// updateResource supersedes the current version of the resource at uri,
// preserving it at its historical address.
func (s *Store) updateResource(ctx context.Context, uri string, opts Options) (*Response, error) {
	data, ok := parseJSON(opts.JSON)
	if !ok {
		return statusResponse(http.StatusUnprocessableEntity), nil
	}

	rows, err := s.adapter.Query(ctx, storage.Query{
		URI:          uri,
		MetadataOnly: true,
		Filters:      rowFilters(opts),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return statusResponse(http.StatusNotFound), nil
	}
	current := rows[0]
	if opts.ETag == "" {
		return errorResponse(http.StatusBadRequest, "etag required"), nil
	}
	if opts.ETag != current.ETag {
		return statusResponse(http.StatusPreconditionFailed), nil
	}

	etag, err := newUUID()
	if err != nil {
		return nil, err
	}
	lastModified := httpDateNow()

	err = s.adapter.Transaction(ctx, func(tx storage.Tx) error {
		if err := tx.RewriteURI(ctx, uri, versionURI(uri, current.ETag)); err != nil {
			return err
		}
		err := tx.Insert(ctx, &storage.Entry{
			URI:                 uri,
			ETag:                etag,
			CollectionReference: current.CollectionReference,
			ResourceReference:   current.ResourceReference,
			LastModified:        lastModified,
			RemoteUser:          opts.RemoteUser,
			Content:             opts.JSON,
		})
		if err != nil {
			return err
		}
		for _, view := range s.config.Views {
			if err := view.Map(ctx, tx, current.CollectionReference, uri, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if raced(err) {
			// Lost the rewrite race: someone else already superseded this etag.
			return statusResponse(http.StatusPreconditionFailed), nil
		}
		return nil, err
	}
	return metaResponse(http.StatusOK, uri, etag, lastModified), nil
}

// raced reports whether a transaction failed because a concurrent write
// superseded or occupied the current row first.
func raced(err error) bool {
	return storage.ErrNotFound.Has(err) || storage.ErrURIConflict.Has(err)
}

// bundleURIs renders the paginated URI-list form of a collection result
func (s *Store) bundleURIs(rows []storage.Entry, opts Options) *Response {
	total := len(rows)
	sliced := sliceRows(rows, opts)
	uris := make([]string, 0, len(sliced))
	for _, row := range sliced {
		uris = append(uris, row.URI)
	}
	body, err := renderURIList(total, opts.Offset, uris)
	if err != nil {
		return statusResponse(http.StatusInternalServerError)
	}
	resp := NewResponse(http.StatusOK, body)
	resp.SetETag(bodyETag(body))
	if len(rows) > 0 {
		resp.SetLastModified(rows[0].LastModified)
	}
	return resp
}

type resolvedDocument struct {
	URI          string          `json:"uri"`
	ETag         string          `json:"etag"`
	LastModified string          `json:"last_modified"`
	Document     json.RawMessage `json:"document"`
}

// bundleDocuments renders the paginated resolved form of a collection result
func (s *Store) bundleDocuments(rows []storage.Entry, opts Options) (*Response, error) {
	total := len(rows)
	sliced := sliceRows(rows, opts)
	documents := make([]resolvedDocument, 0, len(sliced))
	for _, row := range sliced {
		documents = append(documents, resolvedDocument{
			URI:          row.URI,
			ETag:         row.ETag,
			LastModified: row.LastModified,
			Document:     json.RawMessage(row.Content),
		})
	}
	body, err := json.Marshal(struct {
		Total     int                `json:"total"`
		Offset    int                `json:"offset"`
		Documents []resolvedDocument `json:"documents"`
	}{total, opts.Offset, documents})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp := NewResponse(http.StatusOK, string(body))
	resp.SetETag(bodyETag(string(body)))
	if len(rows) > 0 {
		resp.SetLastModified(rows[0].LastModified)
	}
	return resp, nil
}

func renderURIList(total, offset int, uris []string) (string, error) {
	body, err := json.Marshal(struct {
		Total  int      `json:"total"`
		Offset int      `json:"offset"`
		URIs   []string `json:"uris"`
	}{total, offset, uris})
	return string(body), err
}

func sliceRows(rows []storage.Entry, opts Options) []storage.Entry {
	low, high := sliceBounds(len(rows), opts)
	return rows[low:high]
}

func sliceURIs(uris []string, opts Options) []string {
	low, high := sliceBounds(len(uris), opts)
	return uris[low:high]
}

func sliceBounds(total int, opts Options) (low, high int) {
	low = opts.Offset
	if low < 0 {
		low = 0
	}
	if low > total {
		low = total
	}
	high = total
	if opts.Limit != nil {
		high = low + *opts.Limit
		if high > total {
			high = total
		}
		if high < low {
			high = low
		}
	}
	return low, high
}

// parseJSON validates body and decodes its top-level object for view
// extraction. Valid non-object documents yield a nil map.
func parseJSON(body string) (map[string]interface{}, bool) {
	decoder := json.NewDecoder(strings.NewReader(body))
	decoder.UseNumber()

	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return nil, false
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, false
	}
	data, _ := value.(map[string]interface{})
	return data, true
}

func newUUID() (string, error) {
	id, err := uuid.New()
	if err != nil {
		return "", Error.Wrap(err)
	}
	return id.String(), nil
}

func httpDateNow() string {
	return time.Now().UTC().Format(http.TimeFormat)
}
