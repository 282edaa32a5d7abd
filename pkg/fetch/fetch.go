// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch is the fetch-harness policy layer: it composes
// pkg/spider's live fetches with pkg/fetchcache's durable storage,
// applying freshness windows and retry/fallback policy.
package fetch

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/funtoo/metatools/pkg/ferrors"
	"github.com/funtoo/metatools/pkg/fetchcache"
)

// Method is a live fetch operation pluggable into Harness, e.g.
// Spider.GetPage wrapped to match this signature.
type Method func(ctx context.Context, url string) (string, error)

// Harness composes a live Method with a durable fetchcache.Cache.
type Harness struct {
	Cache       *fetchcache.Cache
	MaxAttempts int
}

// NewHarness constructs a Harness with the default attempt count.
func NewHarness(cache *fetchcache.Cache) *Harness {
	return &Harness{Cache: cache, MaxAttempts: 3}
}

// Options configures a single FetchHarness call.
type Options struct {
	// MaxAge bounds how old a cached record may be when used as a
	// last-resort fallback after all live attempts fail.
	MaxAge time.Duration
	// RefreshInterval, if set, permits returning a cached record without
	// attempting a live fetch at all, so long as it is within this window.
	RefreshInterval time.Duration
	// Kwargs is included in the cache key digest alongside method name and URL.
	Kwargs map[string]any
}

// Fetch runs methodName/method against url: honor
// RefreshInterval as a cache-first short-circuit, else attempt live fetch
// up to MaxAttempts times, writing successes back to cache; on exhaustion
// fall back to a cached copy no older than MaxAge, recording failure if
// even that misses.
func (h *Harness) Fetch(ctx context.Context, methodName string, method Method, url string, opts Options) (string, error) {
	if opts.RefreshInterval > 0 {
		if rec, err := h.Cache.Read(ctx, methodName, url, opts.Kwargs, opts.RefreshInterval); err == nil {
			return string(rec.Body), nil
		} else if !errors.Is(err, ferrors.NotFound) {
			return "", err
		}
	}
	attempts := h.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		body, err := method(ctx, url)
		if err == nil {
			if werr := h.Cache.Write(ctx, methodName, url, opts.Kwargs, []byte(body), time.Now()); werr != nil {
				log.Printf("fetch: caching %s failed: %v", url, werr)
			}
			return body, nil
		}
		lastErr = err
		var fe *ferrors.FetchError
		if errors.As(err, &fe) && !fe.Retryable {
			break
		}
	}
	log.Printf("fetch: live fetch of %s failed (%v); falling back to cache", url, lastErr)
	if rec, err := h.Cache.Read(ctx, methodName, url, opts.Kwargs, opts.MaxAge); err == nil && rec.Body != nil {
		return string(rec.Body), nil
	}
	if rerr := h.Cache.RecordFailure(ctx, methodName, url, opts.Kwargs, lastErr.Error()); rerr != nil {
		log.Printf("fetch: recording failure for %s: %v", url, rerr)
	}
	return "", errors.Wrapf(lastErr, "fetch: unable to retrieve %s live or from cache", url)
}

// FetchJSON fetches url as per Fetch and decodes it as JSON into v. If the
// live body fails to decode, it retries decode against the copy that was
// cached before this fetch (a successful fetch overwrites the cache)
// before giving up.
func (h *Harness) FetchJSON(ctx context.Context, methodName string, method Method, url string, opts Options, v any) error {
	prior, _ := h.Cache.Read(ctx, methodName, url, opts.Kwargs, 0)
	body, err := h.Fetch(ctx, methodName, method, url, opts)
	if err != nil {
		return err
	}
	decodeErr := json.Unmarshal([]byte(body), v)
	if decodeErr == nil {
		return nil
	}
	log.Printf("fetch: JSON decode of %s failed, trying cached copy", url)
	if prior == nil || prior.Body == nil {
		return errors.Wrapf(decodeErr, "fetch: %s returned invalid JSON and no cached copy was available", url)
	}
	if jerr := json.Unmarshal(prior.Body, v); jerr != nil {
		return errors.Wrapf(jerr, "fetch: cached copy of %s is also invalid JSON", url)
	}
	return nil
}
