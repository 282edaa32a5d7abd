// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package spider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/funtoo/metatools/pkg/blos"
)

func newTestSpider(t *testing.T) *Spider {
	t.Helper()
	s := NewSpider(Config{
		TempDir:        t.TempDir(),
		BackoffMinimum: 5 * time.Millisecond,
		MaxAttempts:    3,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSpider_GetPage_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	s := newTestSpider(t)
	body, err := s.GetPage(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if body != "hello world" {
		t.Fatalf("GetPage() = %q, want %q", body, "hello world")
	}
}

func TestSpider_GetPage_NonRetryableStatusStopsAfterOneAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := newTestSpider(t)
	_, err := s.GetPage(context.Background(), srv.URL)
	if err == nil {
		t.Fatalf("GetPage() against a 404 succeeded, want error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("server received %d requests, want 1 (404 is non-retryable)", got)
	}
}

func TestSpider_GetPage_RetriesOnServerErrorThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("third time lucky"))
	}))
	defer srv.Close()

	s := newTestSpider(t)
	body, err := s.GetPage(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if body != "third time lucky" {
		t.Fatalf("GetPage() = %q, want %q", body, "third time lucky")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("server received %d requests, want 3", got)
	}
}

func TestSpider_GetPage_RetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestSpider(t)
	_, err := s.GetPage(context.Background(), srv.URL)
	if err == nil {
		t.Fatalf("GetPage() against a permanently-failing server succeeded, want error")
	}
}

func TestSpider_Head_ReturnsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="foo-1.0.tar.gz"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSpider(t)
	headers, err := s.Head(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if got := headers.Get("Content-Disposition"); got != `attachment; filename="foo-1.0.tar.gz"` {
		t.Fatalf("Head() Content-Disposition = %q, want filename header", got)
	}
}

func TestSpider_GetRedirect_DoesNotFollow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final" {
			w.Write([]byte("should not be reached via GetRedirect"))
			return
		}
		http.Redirect(w, r, "/final", http.StatusFound)
	}))
	defer srv.Close()

	s := newTestSpider(t)
	location, err := s.GetRedirect(context.Background(), srv.URL+"/start")
	if err != nil {
		t.Fatalf("GetRedirect: %v", err)
	}
	if location != "/final" {
		t.Fatalf("GetRedirect() = %q, want /final", location)
	}
}

func TestSpider_GetRedirect_NonRedirectReturnsEmptyLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := newTestSpider(t)
	location, err := s.GetRedirect(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("GetRedirect: %v", err)
	}
	if location != "" {
		t.Fatalf("GetRedirect() on a 200 response = %q, want empty", location)
	}
}

func TestSpider_Download_StreamsAndHashes(t *testing.T) {
	body := []byte("tarball bytes for hashing")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	s := newTestSpider(t)
	result, err := s.Download(context.Background(), srv.URL, []string{blos.NameSHA512})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.Size != int64(len(body)) {
		t.Fatalf("result.Size = %d, want %d", result.Size, len(body))
	}
	got, err := os.ReadFile(result.TempPath)
	if err != nil {
		t.Fatalf("reading downloaded temp file: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("downloaded bytes = %q, want %q", got, body)
	}
	if _, ok := result.Hashes[blos.NameSHA512]; !ok {
		t.Fatalf("result.Hashes missing SHA512: %v", result.Hashes)
	}
}

func TestSpider_Download_CoalescesConcurrentRequests(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		w.Write([]byte("coalesced payload"))
	}))
	defer srv.Close()

	s := newTestSpider(t)
	const k = 5
	var wg sync.WaitGroup
	results := make([]*DownloadResult, k)
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Download(context.Background(), srv.URL, []string{blos.NameSHA512})
		}(i)
	}
	// Give every goroutine a chance to register as an awaiter before letting
	// the single in-flight transfer complete.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Download() awaiter %d failed: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("server received %d requests for %d concurrent Download() callers, want exactly 1", got, k)
	}
	for i := 1; i < k; i++ {
		if results[i].Hashes[blos.NameSHA512] != results[0].Hashes[blos.NameSHA512] {
			t.Fatalf("awaiter %d observed a different hash than awaiter 0", i)
		}
	}
}

func TestSpider_HostConcurrencyBound(t *testing.T) {
	const bound = int64(2)
	var current, max int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&max)
			if n <= old || atomic.CompareAndSwapInt32(&max, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&current, -1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := NewSpider(Config{
		TempDir:         t.TempDir(),
		HostConcurrency: bound,
		BackoffMinimum:  5 * time.Millisecond,
	})
	defer s.Close()

	const n = 6
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.GetPage(context.Background(), srv.URL+"/"+strconv.Itoa(i))
		}(i)
	}
	time.Sleep(150 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&max); got > int32(bound) {
		t.Fatalf("observed %d concurrent requests to one host, want <= %d", got, bound)
	}
}

func TestSpider_Download_CancelledAwaiterDoesNotAbortOthers(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		w.Write([]byte("survivor payload"))
	}))
	defer srv.Close()

	s := newTestSpider(t)
	cancellable, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	var cancelledErr, survivorErr error
	var survivor *DownloadResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, cancelledErr = s.Download(cancellable, srv.URL, []string{blos.NameSHA512})
	}()
	go func() {
		defer wg.Done()
		survivor, survivorErr = s.Download(context.Background(), srv.URL, []string{blos.NameSHA512})
	}()

	// Let both goroutines attach to the shared transfer, then cancel one.
	time.Sleep(100 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if cancelledErr == nil {
		t.Fatalf("cancelled awaiter returned no error")
	}
	if survivorErr != nil {
		t.Fatalf("surviving awaiter failed: %v", survivorErr)
	}
	got, err := os.ReadFile(survivor.TempPath)
	if err != nil {
		t.Fatalf("reading survivor's download: %v", err)
	}
	if string(got) != "survivor payload" {
		t.Fatalf("survivor read %q, want the full payload", got)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("server received %d requests, want 1 shared transfer", n)
	}
}

func TestSpider_Download_LastAwaiterCancellationTearsDownTransfer(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Send headers and a partial body so the client is mid-stream (temp
		// file on disk) when the cancellation lands.
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		close(started)
		<-release
	}))
	defer srv.Close()
	// Deferred after srv.Close so it runs first: Close waits for the
	// handler, which is parked on release.
	defer close(release)

	tempDir := t.TempDir()
	s := NewSpider(Config{TempDir: tempDir, BackoffMinimum: 5 * time.Millisecond, MaxAttempts: 1})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Download(ctx, srv.URL, []string{blos.NameSHA512})
		errc <- err
	}()
	<-started
	cancel()
	if err := <-errc; err == nil {
		t.Fatalf("Download with cancelled sole awaiter succeeded, want error")
	}

	s.dlMu.Lock()
	remaining := len(s.inflight)
	s.dlMu.Unlock()
	if remaining != 0 {
		t.Fatalf("%d in-flight entries remain after sole-awaiter cancellation, want 0", remaining)
	}

	// The torn-down transfer removes its temp file once the aborted stream
	// unwinds.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := os.ReadDir(tempDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("temp dir still holds %d file(s) after teardown", len(entries))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRetryPacer_GrowsOnFailureDecaysToFloor(t *testing.T) {
	p := newRetryPacer(90 * time.Millisecond)
	p.failure()
	if p.delay != 120*time.Millisecond {
		t.Fatalf("delay after failure = %v, want 120ms", p.delay)
	}
	p.success()
	if p.delay != 108*time.Millisecond {
		t.Fatalf("delay after success = %v, want 108ms", p.delay)
	}
	for i := 0; i < 10; i++ {
		p.success()
	}
	if p.delay != 90*time.Millisecond {
		t.Fatalf("delay = %v, want it clamped at the 90ms floor", p.delay)
	}
}
