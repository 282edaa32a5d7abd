// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package spider implements the concurrent web fetcher: a per-host
// bounded, retrying, in-flight-coalescing HTTP client that streams
// downloads through a hash bundle.
package spider

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/funtoo/metatools/pkg/blos"
	"github.com/funtoo/metatools/pkg/ferrors"
)

// Credentials is HTTP basic-auth for a given host.
type Credentials struct {
	Username string
	Password string
}

// Doer is the one-method HTTP client surface the spider needs, satisfied
// by *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config configures a Spider.
type Config struct {
	// TempDir receives streamed downloads before the caller relocates them
	// (typically into a blos.Store). Defaults to os.TempDir()/spider_temp.
	TempDir string
	// HostConcurrency bounds simultaneous in-flight requests per host.
	HostConcurrency int64
	// MaxAttempts bounds total attempts (initial + retries) per request.
	MaxAttempts int
	// BackoffMinimum seeds the per-attempt retry backoff.
	BackoffMinimum time.Duration
	// UserAgent is sent on every request.
	UserAgent string
	// Credentials supplies basic-auth per host (keyed by net/url.Host).
	Credentials map[string]Credentials
	// Client is the underlying transport; defaults to http.DefaultClient.
	Client Doer
}

func (c Config) withDefaults() Config {
	if c.TempDir == "" {
		c.TempDir = filepath.Join(os.TempDir(), "spider_temp")
	}
	if c.HostConcurrency <= 0 {
		c.HostConcurrency = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffMinimum <= 0 {
		c.BackoffMinimum = 500 * time.Millisecond
	}
	if c.UserAgent == "" {
		c.UserAgent = "metatools-spider/1.0"
	}
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	return c
}

// Spider is the concurrent fetcher. Construct with NewSpider; call Close
// when done to stop the background logger goroutine.
type Spider struct {
	cfg Config

	hostMu     sync.Mutex
	hostSems   map[string]*semaphore.Weighted
	hostPacers map[string]*retryPacer

	dlMu     sync.Mutex
	inflight map[string]*inflightDownload

	activeDownloads int64
	activeMu        sync.Mutex

	stopLogger context.CancelFunc
	loggerDone chan struct{}
}

// NewSpider constructs a Spider and starts its background activity logger.
func NewSpider(cfg Config) *Spider {
	s := &Spider{
		cfg:        cfg.withDefaults(),
		hostSems:   map[string]*semaphore.Weighted{},
		hostPacers: map[string]*retryPacer{},
		inflight:   map[string]*inflightDownload{},
		loggerDone: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopLogger = cancel
	go s.logActiveDownloads(ctx)
	return s
}

// Close stops the background logger. It does not cancel in-flight requests.
func (s *Spider) Close() error {
	s.stopLogger()
	<-s.loggerDone
	return nil
}

func (s *Spider) logActiveDownloads(ctx context.Context) {
	defer close(s.loggerDone)
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.activeMu.Lock()
			n := s.activeDownloads
			s.activeMu.Unlock()
			if n > 0 {
				log.Printf("spider: %d active download(s)", n)
			}
		}
	}
}

func (s *Spider) hostSemaphore(host string) *semaphore.Weighted {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	sem, ok := s.hostSems[host]
	if !ok {
		sem = semaphore.NewWeighted(s.cfg.HostConcurrency)
		s.hostSems[host] = sem
	}
	return sem
}

func (s *Spider) hostPacer(host string) *retryPacer {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	p, ok := s.hostPacers[host]
	if !ok {
		p = newRetryPacer(s.cfg.BackoffMinimum)
		s.hostPacers[host] = p
	}
	return p
}

// prepare stamps the User-Agent and any per-host basic-auth onto req.
func (s *Spider) prepare(req *http.Request) {
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	if cr, ok := s.cfg.Credentials[req.URL.Host]; ok {
		req.SetBasicAuth(cr.Username, cr.Password)
	}
}

// withHostGate runs fn while holding a slot in the per-host semaphore.
func (s *Spider) withHostGate(ctx context.Context, host string, fn func() error) error {
	sem := s.hostSemaphore(host)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)
	return fn()
}

// doWithRetry executes attempt (one HTTP round trip) up to cfg.MaxAttempts
// times, honoring per-host backoff pacing and FetchError retryability.
func (s *Spider) doWithRetry(ctx context.Context, host string, attempt func() (*http.Response, error)) (*http.Response, error) {
	pacer := s.hostPacer(host)
	var lastErr error
	for i := 0; i < s.cfg.MaxAttempts; i++ {
		if i > 0 {
			if err := pacer.wait(ctx); err != nil {
				return nil, err
			}
		}
		resp, err := attempt()
		if err == nil {
			pacer.success()
			return resp, nil
		}
		lastErr = err
		var fe *ferrors.FetchError
		if errors.As(err, &fe) && !fe.Retryable {
			return nil, err
		}
		pacer.failure()
	}
	return nil, lastErr
}

func statusFetchError(resp *http.Response) error {
	return ferrors.NewFetchError(
		errors.Errorf("unexpected status %s", resp.Status),
		ferrors.RetryableStatus(resp.StatusCode),
	)
}

// GetPage fetches url and returns its body as text.
func (s *Spider) GetPage(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "spider: building request")
	}
	s.prepare(req)
	host := req.URL.Host
	var body []byte
	err = s.withHostGate(ctx, host, func() error {
		resp, err := s.doWithRetry(ctx, host, func() (*http.Response, error) {
			resp, err := s.cfg.Client.Do(req.Clone(ctx))
			if err != nil {
				return nil, ferrors.NewFetchError(err, true)
			}
			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()
				return nil, statusFetchError(resp)
			}
			return resp, nil
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return ferrors.NewFetchError(err, true)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Head issues a HEAD request and returns the response headers.
func (s *Spider) Head(ctx context.Context, url string) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "spider: building request")
	}
	s.prepare(req)
	host := req.URL.Host
	var headers http.Header
	err = s.withHostGate(ctx, host, func() error {
		resp, err := s.doWithRetry(ctx, host, func() (*http.Response, error) {
			resp, err := s.cfg.Client.Do(req.Clone(ctx))
			if err != nil {
				return nil, ferrors.NewFetchError(err, true)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, statusFetchError(resp)
			}
			return resp, nil
		})
		if err != nil {
			return err
		}
		headers = resp.Header
		return nil
	})
	return headers, err
}

// GetRedirect issues a single-hop, non-following GET and returns the
// Location header value, or "" if the response was not a redirect.
func (s *Spider) GetRedirect(ctx context.Context, url string) (string, error) {
	noRedirect := &http.Client{
		Transport:     roundTripperOf(s.cfg.Client),
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "spider: building request")
	}
	s.prepare(req)
	host := req.URL.Host
	var location string
	err = s.withHostGate(ctx, host, func() error {
		resp, err := s.doWithRetry(ctx, host, func() (*http.Response, error) {
			resp, err := noRedirect.Do(req.Clone(ctx))
			if err != nil {
				return nil, ferrors.NewFetchError(err, true)
			}
			return resp, nil
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location = resp.Header.Get("Location")
		}
		return nil
	})
	return location, err
}

// roundTripperOf adapts a Doer into an http.RoundTripper so it can back a
// *http.Client with custom redirect policy. Works for the common case of
// http.DefaultClient, which has no RoundTrip method of its own.
func roundTripperOf(c Doer) http.RoundTripper {
	if rt, ok := c.(http.RoundTripper); ok {
		return rt
	}
	return http.DefaultTransport
}

// DownloadResult is the outcome of a Download call.
type DownloadResult struct {
	TempPath string
	Hashes   map[string]string
	Size     int64
}

// inflightDownload is one coalesced transfer: every Download call for the
// same URL attaches to it as an awaiter. The transfer runs on its own
// context so that a single awaiter's cancellation cannot abort it for the
// rest; only the last awaiter's cancellation tears it down.
type inflightDownload struct {
	refs   int // live awaiters, guarded by Spider.dlMu
	cancel context.CancelFunc
	done   chan struct{}
	result *DownloadResult
	err    error
}

// Download streams url to a unique file under cfg.TempDir, computing each
// of wantHashes in a single pass. Concurrent calls for the same URL share
// one transfer; all awaiters observe the same result. Callers of the same
// URL are expected to want the same hash set.
func (s *Spider) Download(ctx context.Context, url string, wantHashes []string) (*DownloadResult, error) {
	s.dlMu.Lock()
	d, ok := s.inflight[url]
	if !ok {
		dctx, cancel := context.WithCancel(context.Background())
		d = &inflightDownload{cancel: cancel, done: make(chan struct{})}
		s.inflight[url] = d
		go func() {
			result, err := s.downloadUncoalesced(dctx, url, wantHashes)
			s.dlMu.Lock()
			d.result, d.err = result, err
			if err != nil && s.inflight[url] == d {
				// Failed transfers don't stay coalesced; the next caller
				// gets a fresh attempt.
				delete(s.inflight, url)
			}
			s.dlMu.Unlock()
			close(d.done)
		}()
	}
	d.refs++
	s.dlMu.Unlock()

	select {
	case <-d.done:
		return s.finishAwait(d)
	case <-ctx.Done():
	}
	// The caller's context is gone; if the transfer finished in the
	// meantime, hand its result over anyway.
	select {
	case <-d.done:
		return s.finishAwait(d)
	default:
	}
	s.dlMu.Lock()
	d.refs--
	if d.refs == 0 {
		// Last awaiter out cancels the transfer; the aborted streaming
		// pass removes its temp file.
		d.cancel()
		if s.inflight[url] == d {
			delete(s.inflight, url)
		}
	}
	s.dlMu.Unlock()
	return nil, ctx.Err()
}

func (s *Spider) finishAwait(d *inflightDownload) (*DownloadResult, error) {
	s.dlMu.Lock()
	d.refs--
	s.dlMu.Unlock()
	return d.result, d.err
}

func (s *Spider) downloadUncoalesced(ctx context.Context, url string, wantHashes []string) (*DownloadResult, error) {
	if err := os.MkdirAll(s.cfg.TempDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "spider: creating temp dir")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "spider: building request")
	}
	s.prepare(req)
	host := req.URL.Host

	s.activeMu.Lock()
	s.activeDownloads++
	s.activeMu.Unlock()
	defer func() {
		s.activeMu.Lock()
		s.activeDownloads--
		s.activeMu.Unlock()
	}()

	var result *DownloadResult
	err = s.withHostGate(ctx, host, func() error {
		resp, err := s.doWithRetry(ctx, host, func() (*http.Response, error) {
			resp, err := s.cfg.Client.Do(req.Clone(ctx))
			if err != nil {
				return nil, ferrors.NewFetchError(err, true)
			}
			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()
				return nil, statusFetchError(resp)
			}
			return resp, nil
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		tempPath := filepath.Join(s.cfg.TempDir, uuid.NewString())
		f, err := os.Create(tempPath)
		if err != nil {
			return errors.Wrap(err, "spider: creating temp file")
		}
		defer f.Close()

		hashes, size, err := blos.ComputeHashes(io.TeeReader(resp.Body, f), wantHashes)
		if err != nil {
			os.Remove(tempPath)
			return ferrors.NewFetchError(errors.Wrap(err, "streaming download"), true)
		}
		result = &DownloadResult{TempPath: tempPath, Hashes: hashes, Size: size}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
