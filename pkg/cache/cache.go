// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package cache

import (
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"cloudkit.io/cloudkit/pkg/store"
)

// Error is the cache error class
var Error = errs.Class("cache error")

const defaultTTL = 10 * time.Minute

// ResponseCache keeps rendered single-resource GET responses in Redis, keyed
// by owner and URI. It is strictly best effort: misses and redis failures fall
// through to the store.
type ResponseCache struct {
	log    *zap.Logger
	client *redis.Client
	ttl    time.Duration
}

// New returns a ResponseCache over the redis instance at address, verifying
// the connection with a ping.
func New(log *zap.Logger, address, password string, db int) (*ResponseCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping().Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return &ResponseCache{
		log:    log,
		client: client,
		ttl:    defaultTTL,
	}, nil
}

type cached struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Content string            `json:"content"`
}

func key(remoteUser, uri string) string {
	return remoteUser + "\n" + uri
}

// Get returns the cached response for uri as seen by remoteUser
func (cache *ResponseCache) Get(remoteUser, uri string) (*store.Response, bool) {
	data, err := cache.client.Get(key(remoteUser, uri)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		cache.log.Warn("cache get failed", zap.String("uri", uri), zap.Error(err))
		return nil, false
	}
	var entry cached
	if err := json.Unmarshal(data, &entry); err != nil {
		cache.log.Warn("cache entry corrupt", zap.String("uri", uri), zap.Error(err))
		return nil, false
	}
	return &store.Response{
		Status:  entry.Status,
		Headers: entry.Headers,
		Content: entry.Content,
	}, true
}

// Set stores the response for uri as seen by remoteUser
func (cache *ResponseCache) Set(remoteUser, uri string, resp *store.Response) {
	data, err := json.Marshal(cached{
		Status:  resp.Status,
		Headers: resp.Headers,
		Content: resp.Content,
	})
	if err != nil {
		return
	}
	if err := cache.client.Set(key(remoteUser, uri), data, cache.ttl).Err(); err != nil {
		cache.log.Warn("cache set failed", zap.String("uri", uri), zap.Error(err))
	}
}

// Invalidate drops the cached response for uri as seen by remoteUser
func (cache *ResponseCache) Invalidate(remoteUser, uri string) {
	if err := cache.client.Del(key(remoteUser, uri)).Err(); err != nil {
		cache.log.Warn("cache invalidate failed", zap.String("uri", uri), zap.Error(err))
	}
}

// Close closes the redis connection
func (cache *ResponseCache) Close() error {
	return Error.Wrap(cache.client.Close())
}
