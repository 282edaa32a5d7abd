// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package blos

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/funtoo/metatools/pkg/ferrors"
)

func writeTemp(t *testing.T, dir, name string, body []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, body, 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return p
}

func hashesFor(t *testing.T, body []byte) map[string]string {
	t.Helper()
	hexes, _, err := ComputeHashes(strings.NewReader(string(body)), []string{NameSHA512})
	if err != nil {
		t.Fatalf("ComputeHashes: %v", err)
	}
	return hexes
}

func TestStore_InsertGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := []byte("hello blos")
	tmp := writeTemp(t, dir, "tmp1", body)
	hexes := hashesFor(t, body)

	ref, err := store.Insert(tmp, hexes)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ref.SHA512 != hexes[NameSHA512] {
		t.Fatalf("ref.SHA512 = %s, want %s", ref.SHA512, hexes[NameSHA512])
	}

	got, err := store.Get(map[string]string{NameSHA512: ref.SHA512})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := os.ReadFile(got.DiskPath)
	if err != nil {
		t.Fatalf("reading stored object: %v", err)
	}
	if string(data) != string(body) {
		t.Fatalf("stored bytes = %q, want %q", data, body)
	}
	wantDir := filepath.Join(dir, ref.SHA512[0:2], ref.SHA512[2:4], ref.SHA512[4:6])
	if filepath.Dir(got.DiskPath) != wantDir {
		t.Fatalf("splay dir = %s, want %s", filepath.Dir(got.DiskPath), wantDir)
	}
}

func TestStore_InsertIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := []byte("duplicate content")
	hexes := hashesFor(t, body)

	tmp1 := writeTemp(t, dir, "tmp1", body)
	ref1, err := store.Insert(tmp1, hexes)
	if err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	tmp2 := writeTemp(t, dir, "tmp2", body)
	ref2, err := store.Insert(tmp2, hexes)
	if err != nil {
		t.Fatalf("second Insert (should be idempotent): %v", err)
	}
	if ref1.DiskPath != ref2.DiskPath {
		t.Fatalf("ref1.DiskPath = %s, ref2.DiskPath = %s, want equal", ref1.DiskPath, ref2.DiskPath)
	}
}

func TestStore_GetMissingRequiredClientHash(t *testing.T) {
	dir := t.TempDir()
	store, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = store.Get(map[string]string{})
	if !errors.Is(err, ferrors.InvalidRequest) {
		t.Fatalf("Get with no hashes err = %v, want InvalidRequest", err)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = store.Get(map[string]string{NameSHA512: strings.Repeat("a", 128)})
	if !errors.Is(err, ferrors.NotFound) {
		t.Fatalf("Get of absent object err = %v, want NotFound", err)
	}
}

func TestStore_CorruptOnDiskQuarantinedThenReinsertable(t *testing.T) {
	dir := t.TempDir()
	store, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := []byte("original content")
	hexes := hashesFor(t, body)
	tmp := writeTemp(t, dir, "tmp1", body)
	ref, err := store.Insert(tmp, hexes)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Corrupt the on-disk bytes in place without touching the sidecar record.
	if err := os.WriteFile(ref.DiskPath, []byte("corrupted content!"), 0o644); err != nil {
		t.Fatalf("corrupting object: %v", err)
	}

	_, err = store.Get(map[string]string{NameSHA512: ref.SHA512})
	if !errors.Is(err, ferrors.Corruption) {
		t.Fatalf("Get of corrupted object err = %v, want Corruption", err)
	}
	if _, statErr := os.Stat(ref.DiskPath); !os.IsNotExist(statErr) {
		t.Fatalf("corrupt object was not unlinked after Get")
	}

	// Re-inserting good bytes under the same hash must succeed.
	tmp2 := writeTemp(t, dir, "tmp2", body)
	if _, err := store.Insert(tmp2, hexes); err != nil {
		t.Fatalf("re-Insert after quarantine: %v", err)
	}
	got, err := store.Get(map[string]string{NameSHA512: ref.SHA512})
	if err != nil {
		t.Fatalf("Get after re-insert: %v", err)
	}
	data, _ := os.ReadFile(got.DiskPath)
	if string(data) != string(body) {
		t.Fatalf("re-inserted bytes = %q, want %q", data, body)
	}
}

func TestStore_GetHashMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := []byte("mismatch test")
	// Record both SHA512 and BLAKE2B so the record actually holds a BLAKE2B
	// value the caller-supplied one can disagree with.
	allHexes, _, err := ComputeHashes(strings.NewReader(string(body)), []string{NameSHA512, NameBLAKE2B})
	if err != nil {
		t.Fatalf("ComputeHashes: %v", err)
	}
	tmp := writeTemp(t, dir, "tmp1", body)
	ref, err := store.Insert(tmp, allHexes)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	req := map[string]string{
		NameSHA512:  ref.SHA512,
		NameBLAKE2B: strings.Repeat("0", 128),
	}
	_, err = store.Get(req)
	if !errors.Is(err, ferrors.HashMismatch) {
		t.Fatalf("Get with wrong caller hash err = %v, want HashMismatch", err)
	}
}

func TestStore_Delete(t *testing.T) {
	dir := t.TempDir()
	store, err := New(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := []byte("to be deleted")
	hexes := hashesFor(t, body)
	tmp := writeTemp(t, dir, "tmp1", body)
	ref, err := store.Insert(tmp, hexes)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Delete(map[string]string{NameSHA512: ref.SHA512}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err = store.Get(map[string]string{NameSHA512: ref.SHA512})
	if !errors.Is(err, ferrors.NotFound) {
		t.Fatalf("Get after Delete err = %v, want NotFound", err)
	}
}
