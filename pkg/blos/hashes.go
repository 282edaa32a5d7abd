// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package blos

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Canonical hash names as they appear in Manifest DIST lines and the
// store's hash-set configuration. SIZE names the byte count rather than a
// digest; hash-set helpers accept and skip it, since every streaming pass
// yields the size for free.
const (
	NameSHA512  = "SHA512"
	NameSHA256  = "SHA256"
	NameBLAKE2B = "BLAKE2B"
	NameSize    = "SIZE"
)

// digestSet streams bytes through one hash.Hash per requested algorithm
// name, so a single read of an object yields its full hash bundle.
type digestSet struct {
	names  []string
	hashes []hash.Hash
}

func newDigestSet(names []string) (*digestSet, error) {
	d := &digestSet{}
	for _, n := range names {
		if n == NameSize {
			continue
		}
		h, err := newHashFor(n)
		if err != nil {
			return nil, err
		}
		d.names = append(d.names, n)
		d.hashes = append(d.hashes, h)
	}
	return d, nil
}

func newHashFor(name string) (hash.Hash, error) {
	switch name {
	case NameSHA512:
		return sha512.New(), nil
	case NameSHA256:
		return sha256.New(), nil
	case NameBLAKE2B:
		return blake2b.New512(nil)
	default:
		return nil, errors.Errorf("blos: unknown hash algorithm %q", name)
	}
}

func (d *digestSet) Write(p []byte) (int, error) {
	for _, h := range d.hashes {
		h.Write(p)
	}
	return len(p), nil
}

func (d *digestSet) sums() map[string]string {
	out := make(map[string]string, len(d.names))
	for i, h := range d.hashes {
		out[d.names[i]] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

// ComputeHashes streams src through every named algorithm in one pass,
// returning hex digests keyed by canonical name plus the total byte count.
// The spider uses it to hash a download while streaming it, ahead of
// Insert; the store itself uses it for disk verification.
func ComputeHashes(src io.Reader, names []string) (map[string]string, int64, error) {
	d, err := newDigestSet(names)
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(d, src)
	if err != nil {
		return nil, 0, err
	}
	return d.sums(), n, nil
}
