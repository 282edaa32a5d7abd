// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package ferrors defines the logical error kinds shared across the fetch
// pipeline, recipe orchestrator, and kit assembler.
package ferrors

import "github.com/pkg/errors"

// Sentinel error kinds. Callers classify with errors.Is; wrapped context is
// added with errors.Wrap/Wrapf.
var (
	// NotFound indicates the requested object or record is absent.
	NotFound = errors.New("not found")
	// AlreadyExists indicates an attempt to insert a duplicate object or record.
	AlreadyExists = errors.New("already exists")
	// HashMismatch indicates caller-supplied, recorded, and on-disk hashes disagree.
	HashMismatch = errors.New("hash mismatch")
	// Corruption indicates the recorded hash disagrees with the recomputed on-disk hash.
	Corruption = errors.New("object corrupt")
	// InvalidRequest indicates the caller omitted hashes required by store configuration.
	InvalidRequest = errors.New("invalid request")
	// IncompleteRecord indicates a record is missing required hashes and backfill is disabled.
	IncompleteRecord = errors.New("incomplete record")
	// RecipeError indicates a generator raised or produced structurally invalid output.
	RecipeError = errors.New("recipe error")
	// GitTreeError indicates an underlying VCS operation failed.
	GitTreeError = errors.New("git tree error")
	// ConfigurationError indicates invalid YAML, a missing remote, a duplicate eclass, etc.
	ConfigurationError = errors.New("configuration error")
)

// FetchError wraps a transport failure, carrying whether it is retryable.
type FetchError struct {
	Retryable bool
	Cause     error
}

func (e *FetchError) Error() string {
	if e.Retryable {
		return "fetch error (retryable): " + e.Cause.Error()
	}
	return "fetch error (non-retryable): " + e.Cause.Error()
}

func (e *FetchError) Unwrap() error { return e.Cause }

// NewFetchError wraps err as a FetchError with the given retryability.
func NewFetchError(err error, retryable bool) *FetchError {
	return &FetchError{Retryable: retryable, Cause: err}
}

// RetryableStatus reports whether an HTTP status code should be retried.
// HTTP 400, 404, and 410 are never retryable.
func RetryableStatus(statusCode int) bool {
	switch statusCode {
	case 400, 404, 410:
		return false
	default:
		return true
	}
}
