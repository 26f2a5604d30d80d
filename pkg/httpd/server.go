// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package httpd

import (
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"cloudkit.io/cloudkit/pkg/cache"
	"cloudkit.io/cloudkit/pkg/store"
)

// RemoteUserHeader carries the authenticated principal, set by upstream auth
// middleware. Requests without it operate on unowned rows.
const RemoteUserHeader = "X-Remote-User"

// Server translates HTTP requests into store calls and store responses back
// onto the wire.
type Server struct {
	Log     *zap.Logger
	Store   *store.Store
	Cache   *cache.ResponseCache
	Handler http.Handler
}

// NewServer creates an HTTP front for st. responseCache may be nil.
func NewServer(log *zap.Logger, st *store.Store, responseCache *cache.ResponseCache) *Server {
	server := &Server{
		Log:   log,
		Store: st,
		Cache: responseCache,
	}

	router := mux.NewRouter()
	router.PathPrefix("/").Methods(http.MethodGet).HandlerFunc(server.handleGet)
	router.PathPrefix("/").Methods(http.MethodHead).HandlerFunc(server.handleHead)
	router.PathPrefix("/").Methods(http.MethodPut).HandlerFunc(server.handlePut)
	router.PathPrefix("/").Methods(http.MethodPost).HandlerFunc(server.handlePost)
	router.PathPrefix("/").Methods(http.MethodDelete).HandlerFunc(server.handleDelete)
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(server.handleOptions)
	router.PathPrefix("/").HandlerFunc(server.handleOther)
	server.Handler = router

	return server
}

// Run serves requests on address until the listener fails
func (server *Server) Run(address string) error {
	server.Log.Info("server started", zap.String("address", address))
	return http.ListenAndServe(address, server.Handler)
}

// options collects the store options carried by a request. Reserved query
// parameters map onto typed options; everything else becomes an equality
// filter.
func options(r *http.Request) store.Options {
	opts := store.Options{
		RemoteUser: r.Header.Get(RemoteUserHeader),
		Filters:    map[string]string{},
	}

	for param, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch param {
		case "limit":
			if limit, err := strconv.Atoi(value); err == nil {
				opts.Limit = &limit
			}
		case "offset":
			if offset, err := strconv.Atoi(value); err == nil {
				opts.Offset = offset
			}
		case "etag":
			opts.ETag = value
		default:
			opts.Filters[param] = value
		}
	}

	if match := r.Header.Get("If-Match"); match != "" {
		opts.ETag = strings.Trim(match, `"`)
	}
	return opts
}

func (server *Server) write(w http.ResponseWriter, resp *store.Response) {
	status, headers, body := resp.Triple()
	for key, value := range headers {
		if value != "" {
			w.Header().Set(key, value)
		}
	}
	w.WriteHeader(status)
	for _, chunk := range body {
		if _, err := w.Write([]byte(chunk)); err != nil {
			server.Log.Debug("write failed", zap.Error(err))
			return
		}
	}
}

// cacheable reports whether a GET of uri may be served from the response
// cache: single-resource reads without extra filters.
func (server *Server) cacheable(uri string, opts store.Options) bool {
	if server.Cache == nil || len(opts.Filters) > 0 {
		return false
	}
	return server.Store.Classify(uri) == store.KindResource
}

func (server *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Path
	opts := options(r)

	if server.cacheable(uri, opts) {
		if resp, ok := server.Cache.Get(opts.RemoteUser, uri); ok {
			server.write(w, resp)
			return
		}
		resp := server.Store.Get(r.Context(), uri, opts)
		if resp.Status == http.StatusOK {
			server.Cache.Set(opts.RemoteUser, uri, resp)
		}
		server.write(w, resp)
		return
	}

	server.write(w, server.Store.Get(r.Context(), uri, opts))
}

func (server *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	server.write(w, server.Store.Head(r.Context(), r.URL.Path, options(r)))
}

func (server *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Path
	opts := options(r)
	opts.JSON = readBody(r)

	resp := server.Store.Put(r.Context(), uri, opts)
	if server.Cache != nil && resp.Status < 300 {
		server.Cache.Invalidate(opts.RemoteUser, uri)
	}
	server.write(w, resp)
}

func (server *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	opts := options(r)
	opts.JSON = readBody(r)
	server.write(w, server.Store.Post(r.Context(), r.URL.Path, opts))
}

func (server *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Path
	opts := options(r)

	resp := server.Store.Delete(r.Context(), uri, opts)
	if server.Cache != nil && resp.Status < 300 {
		server.Cache.Invalidate(opts.RemoteUser, uri)
	}
	server.write(w, resp)
}

func (server *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	server.write(w, server.Store.Options(r.URL.Path))
}

func (server *Server) handleOther(w http.ResponseWriter, r *http.Request) {
	server.write(w, server.Store.MethodNotAllowed(r.URL.Path))
}

func readBody(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return ""
	}
	return string(body)
}
