// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fetch is the Checksum & Fetch Primitive: a
// streamed HTTPS download with retry, a concurrency gate, and
// algorithm-agnostic digest verification.
//
// The concurrency gate uses golang.org/x/sync's weighted semaphore rather
// than a hand-rolled channel pool. The
// downloaded bytes are placed atomically: streamed to a temp file
// colocated with the target, fsync'd, then renamed into place (with
// fallback-to-copy across devices).
package fetch

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Artifact is a pending fetch.
type Artifact struct {
	URL        string
	Checksums  []Checksum
	TargetPath string // destination inside the output cache
	MaxSize    int64  // 0 means unlimited

	// MissingHashFile, when non-empty, is recorded by the caller (not this
	// package) as a cachi2:missing_hash:in_file property when Checksums is
	// empty. fetch.Fetcher does not itself know about SBOM components, so
	// it only refuses to verify; attaching the property is the resolver's
	// job.
	MissingHashFile string
}

// Result is the outcome of fetching a single Artifact.
type Result struct {
	Artifact Artifact
	Err      error
}

const (
	defaultConcurrency = 5
	defaultMaxAttempts = 5
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 32 * time.Second
	defaultReadTimeout = 60 * time.Second
	defaultTotalBudget = 600 * time.Second
)

// Fetcher downloads Artifacts under a bounded concurrency gate.
type Fetcher struct {
	Client      *http.Client
	Concurrency int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ReadTimeout time.Duration
	TotalBudget time.Duration

	// rand is overridable for deterministic tests of the jitter policy.
	rand func() float64
}

// NewFetcher returns a Fetcher with the default policy: concurrency 5,
// 5 attempts, base 1s / cap 32s exponential backoff with full jitter.
func NewFetcher() *Fetcher {
	return &Fetcher{
		Client:      &http.Client{CheckRedirect: checkRedirectHTTPS},
		Concurrency: defaultConcurrency,
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		ReadTimeout: defaultReadTimeout,
		TotalBudget: defaultTotalBudget,
		rand:        rand.Float64,
	}
}

// FetchOne downloads a single artifact, verifying its digest when
// Checksums is non-empty (an artifact without checksums is written
// unverified) and writing it atomically to TargetPath.
func (f *Fetcher) FetchOne(ctx context.Context, a Artifact) error {
	ctx, cancel := context.WithTimeout(ctx, f.totalBudget())
	defer cancel()

	// A target that already verifies is a finished download from an
	// earlier run (inject-files re-resolves against a populated cache).
	if len(a.Checksums) > 0 {
		if err := f.verifyFile(a.TargetPath, a.Checksums); err == nil {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(a.TargetPath), 0o755); err != nil {
		return errors.Wrapf(err, "creating parent directory for %s", a.TargetPath)
	}

	tmp, err := os.CreateTemp(filepath.Dir(a.TargetPath), ".cachi2-fetch-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file for download")
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath) // no-op once renamed away

	if err := f.downloadWithRetry(ctx, a, tmpPath); err != nil {
		return err
	}

	if len(a.Checksums) > 0 {
		if err := f.verifyFile(tmpPath, a.Checksums); err != nil {
			os.Remove(tmpPath)
			return err
		}
	}

	if err := fsyncFile(tmpPath); err != nil {
		return errors.Wrap(err, "fsyncing downloaded artifact")
	}
	if err := renameWithFallback(tmpPath, a.TargetPath); err != nil {
		return errors.Wrapf(err, "placing artifact at %s", a.TargetPath)
	}
	return nil
}

// FetchMany downloads every artifact under a semaphore-bounded worker
// pool, returning one Result per artifact in the same order they were
// given.
// Completion order is not significant; the slice order is only for caller
// convenience.
func (f *Fetcher) FetchMany(ctx context.Context, artifacts []Artifact) []Result {
	concurrency := f.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	results := make([]Result, len(artifacts))

	var wg sync.WaitGroup
	for i, a := range artifacts {
		i, a := i, a
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{Artifact: a, Err: err}
			continue
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()
			results[i] = Result{Artifact: a, Err: f.FetchOne(ctx, a)}
		}()
	}
	wg.Wait()
	return results
}

func (f *Fetcher) totalBudget() time.Duration {
	if f.TotalBudget <= 0 {
		return defaultTotalBudget
	}
	return f.TotalBudget
}

func (f *Fetcher) verifyFile(path string, checksums []Checksum) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	return Verify(fh, checksums)
}

func fsyncFile(path string) error {
	fh, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer fh.Close()
	return fh.Sync()
}

// downloadWithRetry retries transient failures: up to MaxAttempts with
// exponential back-off and full jitter on network errors, 5xx, 408 and
// 429. Any other 4xx is fatal immediately.
func (f *Fetcher) downloadWithRetry(ctx context.Context, a Artifact, dst string) error {
	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	base := f.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	cap := f.MaxDelay
	if cap <= 0 {
		cap = defaultMaxDelay
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := fullJitterBackoff(base, cap, attempt, f.randFunc()())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := f.downloadAttempt(ctx, a, dst)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return errors.Wrapf(lastErr, "giving up after %d attempts fetching %s", maxAttempts, a.URL)
}

// downloadAttempt bounds a single attempt by the per-attempt read timeout,
// on top of the caller's total-budget context.
func (f *Fetcher) downloadAttempt(ctx context.Context, a Artifact, dst string) error {
	timeout := f.ReadTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f.downloadOnce(ctx, a, dst)
}

func (f *Fetcher) randFunc() func() float64 {
	if f.rand != nil {
		return f.rand
	}
	return rand.Float64
}

// fullJitterBackoff implements the "full jitter" policy: sleep for a
// uniformly random duration in [0, min(cap, base*2^attempt)].
func fullJitterBackoff(base, cap time.Duration, attempt int, rnd float64) time.Duration {
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff > cap {
			backoff = cap
			break
		}
	}
	return time.Duration(rnd * float64(backoff))
}

func (f *Fetcher) downloadOnce(ctx context.Context, a Artifact, dst string) error {
	if err := validateHTTPSURL(a.URL); err != nil {
		return &permanentError{err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return &permanentError{err}
	}

	client := f.Client
	if client == nil {
		client = defaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return &transientError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return &permanentError{err}
		}
		defer out.Close()

		var body io.Reader = resp.Body
		if a.MaxSize > 0 {
			body = io.LimitReader(resp.Body, a.MaxSize+1)
		}
		n, err := io.Copy(out, body)
		if err != nil {
			return &transientError{err}
		}
		if a.MaxSize > 0 && n > a.MaxSize {
			return &permanentError{errors.Errorf("artifact at %s exceeds size limit of %d bytes", a.URL, a.MaxSize)}
		}
		return nil
	}

	retryableStatus := resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests
	httpErr := errors.Errorf("unexpected status %d fetching %s", resp.StatusCode, a.URL)
	if retryableStatus {
		return &transientError{httpErr}
	}
	return &permanentError{httpErr}
}

// defaultClient enforces the same https-only redirect policy as the
// client NewFetcher builds.
var defaultClient = &http.Client{CheckRedirect: checkRedirectHTTPS}

// checkRedirectHTTPS refuses any redirect hop that leaves https.
func checkRedirectHTTPS(req *http.Request, via []*http.Request) error {
	return validateHTTPSURL(req.URL.String())
}

func validateHTTPSURL(rawURL string) error {
	if len(rawURL) < 8 || rawURL[:8] != "https://" {
		return errors.Errorf("refusing non-https registry URL %q", rawURL)
	}
	return nil
}

// transientError/permanentError classify retry eligibility; isRetryable
// walks the chain looking for a transientError.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
