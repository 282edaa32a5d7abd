// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetchcache implements a durable, on-disk cache of HTTP fetch
// results, keyed by the fetch method name, the resource being fetched, and
// a digest of the method's keyword arguments, backed by a pure-Go sqlite
// database.
package fetchcache

import (
	"context"
	"crypto/sha512"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"

	"github.com/funtoo/metatools/pkg/ferrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS fetch_cache (
	cache_key           TEXT PRIMARY KEY,
	method_name         TEXT NOT NULL,
	url                 TEXT NOT NULL,
	body                BLOB,
	fetched_at          INTEGER NOT NULL DEFAULT 0,
	failed              INTEGER NOT NULL DEFAULT 0,
	fail_reason         TEXT,
	last_failure_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_fetch_cache_url ON fetch_cache(url);
`

// Cache is the durable fetch-result store. One Cache instance backs both
// the fetch cache (this package) and the integrity DB (pkg/integrity),
// sharing the same sqlite database handle.
type Cache struct {
	DB *sql.DB
}

// Open opens (creating if necessary) the sqlite-backed cache at path.
// Pass ":memory:" for an ephemeral, process-local cache.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "fetchcache: opening sqlite database")
	}
	c := &Cache{DB: db}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "fetchcache: initializing schema")
	}
	return c, nil
}

func (c *Cache) Close() error { return c.DB.Close() }

// Record is a single cached fetch result. FetchedAt stamps the last
// successful body write; LastFailureAt the last recorded failure. The two
// advance independently so a failure never makes a stale body look fresh.
type Record struct {
	MethodName    string
	URL           string
	Body          []byte
	FetchedAt     time.Time
	Failed        bool
	FailReason    string
	LastFailureAt time.Time
}

// Key derives the cache key for a (methodName, url, kwargs) triple. kwargs
// is marshaled with sorted keys so the digest is stable across calls with
// the same logical arguments but differing map iteration order.
func Key(methodName, url string, kwargs map[string]any) string {
	h := sha512.New()
	h.Write([]byte(methodName))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	if len(kwargs) > 0 {
		keys := make([]string, 0, len(kwargs))
		for k := range kwargs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]any, len(kwargs))
		for _, k := range keys {
			ordered[k] = kwargs[k]
		}
		b, _ := json.Marshal(ordered)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Read fetches a cached record, enforcing maxAge freshness if non-zero.
// It returns ferrors.NotFound (wrapped) on a cache miss or a stale record.
func (c *Cache) Read(ctx context.Context, methodName, url string, kwargs map[string]any, maxAge time.Duration) (*Record, error) {
	key := Key(methodName, url, kwargs)
	row := c.DB.QueryRowContext(ctx,
		`SELECT method_name, url, body, fetched_at, failed, fail_reason, last_failure_at FROM fetch_cache WHERE cache_key = ?`, key)
	var rec Record
	var fetchedAtUnix int64
	var failed int
	var failReason sql.NullString
	var lastFailureAt sql.NullInt64
	var body []byte
	if err := row.Scan(&rec.MethodName, &rec.URL, &body, &fetchedAtUnix, &failed, &failReason, &lastFailureAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ferrors.NotFound, "fetchcache: cache miss")
		}
		return nil, errors.Wrap(err, "fetchcache: reading record")
	}
	rec.Body = body
	rec.FetchedAt = time.Unix(fetchedAtUnix, 0).UTC()
	rec.Failed = failed != 0
	rec.FailReason = failReason.String
	if lastFailureAt.Valid {
		rec.LastFailureAt = time.Unix(lastFailureAt.Int64, 0).UTC()
	}
	if maxAge > 0 && time.Since(rec.FetchedAt) > maxAge {
		return nil, errors.Wrap(ferrors.NotFound, "fetchcache: cached record stale")
	}
	return &rec, nil
}

// Write stores (or replaces) a successful fetch result.
func (c *Cache) Write(ctx context.Context, methodName, url string, kwargs map[string]any, body []byte, fetchedAt time.Time) error {
	key := Key(methodName, url, kwargs)
	_, err := c.DB.ExecContext(ctx,
		`INSERT INTO fetch_cache (cache_key, method_name, url, body, fetched_at, failed, fail_reason)
		 VALUES (?, ?, ?, ?, ?, 0, NULL)
		 ON CONFLICT(cache_key) DO UPDATE SET body=excluded.body, fetched_at=excluded.fetched_at, failed=0, fail_reason=NULL`,
		key, methodName, url, body, fetchedAt.UTC().Unix())
	if err != nil {
		return errors.Wrap(err, "fetchcache: writing record")
	}
	return nil
}

// RecordFailure notes that a live fetch failed, so callers can distinguish
// "never attempted" from "attempted and failed" when diagnosing misses. An
// existing body and its fetched_at are left untouched.
func (c *Cache) RecordFailure(ctx context.Context, methodName, url string, kwargs map[string]any, reason string) error {
	key := Key(methodName, url, kwargs)
	_, err := c.DB.ExecContext(ctx,
		`INSERT INTO fetch_cache (cache_key, method_name, url, body, failed, fail_reason, last_failure_at)
		 VALUES (?, ?, ?, NULL, 1, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET failed=1, fail_reason=excluded.fail_reason, last_failure_at=excluded.last_failure_at`,
		key, methodName, url, reason, time.Now().UTC().Unix())
	if err != nil {
		return errors.Wrap(err, "fetchcache: recording failure")
	}
	return nil
}
