// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package blos implements the Base Layer Object Store: a content-addressed
// file store keyed by SHA-512, with a configurable integrity policy.
// Objects are splayed onto disk by the first six hex characters of their
// SHA-512 digest.
package blos

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/funtoo/metatools/pkg/ferrors"
)

// BackfillStrategy controls whether a Get that finds a record short of
// DesiredHashes computes and persists the missing ones.
type BackfillStrategy int

const (
	BackfillNone BackfillStrategy = iota
	BackfillDesired
	BackfillAll
)

// Config enumerates the HashingStore's integrity policy knobs.
type Config struct {
	Root string

	// RequiredClientHashes are the hash names a caller must supply to Get.
	RequiredClientHashes []string
	// RequiredRecordHashes are the hash names a record must contain to be
	// considered complete.
	RequiredRecordHashes []string
	// DesiredHashes are the hash names the store aims to record for every object.
	DesiredHashes []string
	// DiskVerifyHashes are recomputed from on-disk bytes on every Get.
	DiskVerifyHashes []string

	BackfillStrategy BackfillStrategy
}

// DefaultConfig returns the store's default integrity policy.
func DefaultConfig(root string) Config {
	return Config{
		Root:                 root,
		RequiredClientHashes: []string{NameSHA512},
		RequiredRecordHashes: []string{NameSHA512, NameSize},
		DesiredHashes:        []string{NameSHA512, NameSize, NameBLAKE2B, NameSHA256},
		DiskVerifyHashes:     []string{NameSHA512, NameSize},
		BackfillStrategy:     BackfillNone,
	}
}

// record is the on-disk sidecar persisted next to each object.
type record struct {
	Size  int64             `json:"size"`
	Hexes map[string]string `json:"hexes"`
}

// ObjectRef identifies a stored object and the hashes verified on lookup.
type ObjectRef struct {
	SHA512   string
	DiskPath string
	Size     int64
	Hexes    map[string]string
}

// Store is a HashingStore instance rooted at Config.Root.
type Store struct {
	cfg Config
	// mu is one store-wide lock serializing every insert/delete, so splay
	// directory mkdir/removal cannot race; reads never block on it.
	mu sync.Mutex
}

// New constructs a Store, creating its root directory if necessary.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("blos: Config.Root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, errors.Wrap(err, "blos: creating root")
	}
	return &Store{cfg: cfg}, nil
}

// splay returns the 3-level splayed directory and full object path for a
// SHA-512 hex digest (bytes 0..2, 2..4, 4..6, then the full digest).
func (s *Store) splay(sha512hex string) (dir, path string) {
	if len(sha512hex) < 6 {
		// Degenerate input; caller-validated hex length makes this unreachable
		// in practice, but avoid a panic on malformed keys.
		dir = filepath.Join(s.cfg.Root, "_short")
		return dir, filepath.Join(dir, sha512hex)
	}
	dir = filepath.Join(s.cfg.Root, sha512hex[0:2], sha512hex[2:4], sha512hex[4:6])
	path = filepath.Join(dir, sha512hex)
	return dir, path
}

func sidecarPath(objPath string) string { return objPath + ".json" }

func (s *Store) readRecord(objPath string) (*record, error) {
	b, err := os.ReadFile(sidecarPath(objPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) writeRecord(objPath string, r *record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tmp := sidecarPath(objPath) + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, sidecarPath(objPath))
}

func hasAll(have map[string]string, want []string) bool {
	for _, w := range want {
		if w == NameSize {
			continue
		}
		if _, ok := have[w]; !ok {
			return false
		}
	}
	return true
}

// Insert hard-links tempPath into the splayed location for the SHA-512
// recorded in pregenHashes. Racing inserts of identical bytes are idempotent.
func (s *Store) Insert(tempPath string, pregenHashes map[string]string) (*ObjectRef, error) {
	sha512hex, ok := pregenHashes[NameSHA512]
	if !ok {
		return nil, errors.Wrap(ferrors.InvalidRequest, "blos: insert requires SHA512")
	}
	fi, err := os.Stat(tempPath)
	if err != nil {
		return nil, errors.Wrap(err, "blos: stat temp path")
	}
	dir, objPath := s.splay(sha512hex)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "blos: creating splay dir")
	}
	hexes := make(map[string]string, len(pregenHashes))
	for k, v := range pregenHashes {
		if k != NameSize {
			hexes[k] = v
		}
	}
	err = os.Link(tempPath, objPath)
	switch {
	case err == nil:
		if werr := s.writeRecord(objPath, &record{Size: fi.Size(), Hexes: hexes}); werr != nil {
			return nil, errors.Wrap(werr, "blos: writing sidecar record")
		}
	case os.IsExist(err):
		// Idempotent: another writer won the race for this content. Merge any
		// additional hash names we were given into the existing record.
		existing, rerr := s.readRecord(objPath)
		if rerr != nil {
			return nil, errors.Wrap(rerr, "blos: reading existing record")
		}
		if existing == nil {
			existing = &record{Size: fi.Size(), Hexes: map[string]string{}}
		}
		changed := false
		for k, v := range hexes {
			if _, have := existing.Hexes[k]; !have {
				existing.Hexes[k] = v
				changed = true
			}
		}
		if changed {
			if werr := s.writeRecord(objPath, existing); werr != nil {
				return nil, errors.Wrap(werr, "blos: merging sidecar record")
			}
		}
		hexes = existing.Hexes
	default:
		return nil, errors.Wrap(err, "blos: hard-linking object")
	}
	return &ObjectRef{SHA512: sha512hex, DiskPath: objPath, Size: fi.Size(), Hexes: hexes}, nil
}

// Get looks up an object by the caller-supplied hash set, verifying
// agreement between the caller, the record, and recomputed on-disk hashes.
func (s *Store) Get(hashes map[string]string) (*ObjectRef, error) {
	for _, req := range s.cfg.RequiredClientHashes {
		if _, ok := hashes[req]; !ok {
			return nil, errors.Wrapf(ferrors.InvalidRequest, "blos: missing required client hash %s", req)
		}
	}
	sha512hex, ok := hashes[NameSHA512]
	if !ok {
		return nil, errors.Wrap(ferrors.InvalidRequest, "blos: get requires SHA512")
	}
	_, objPath := s.splay(sha512hex)
	rec, err := s.readRecord(objPath)
	if err != nil {
		return nil, errors.Wrap(err, "blos: reading record")
	}
	if rec == nil {
		if _, statErr := os.Stat(objPath); statErr != nil {
			return nil, errors.Wrap(ferrors.NotFound, "blos: object absent")
		}
		rec = &record{Hexes: map[string]string{}}
	}
	if !hasAll(rec.Hexes, s.cfg.RequiredRecordHashes) {
		if s.cfg.BackfillStrategy == BackfillNone {
			return nil, errors.Wrap(ferrors.IncompleteRecord, "blos: record missing required hashes")
		}
	}
	// Caller vs record agreement (on common hash names).
	for name, wantHex := range hashes {
		if name == NameSHA512 {
			continue // identity key, already matched by path
		}
		if haveHex, ok := rec.Hexes[name]; ok && haveHex != wantHex {
			return nil, errors.Wrapf(ferrors.HashMismatch, "blos: caller/record disagree on %s", name)
		}
	}
	// Recompute disk-verify hashes and compare against record.
	diskHexes, size, err := s.hashDisk(objPath)
	if err != nil {
		return nil, errors.Wrap(err, "blos: hashing on-disk object")
	}
	for _, name := range s.cfg.DiskVerifyHashes {
		if name == NameSize {
			continue
		}
		diskHex, ok := diskHexes[name]
		if !ok {
			continue
		}
		if recHex, ok := rec.Hexes[name]; ok && recHex != diskHex {
			if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "blos: unlinking corrupt object")
			}
			return nil, errors.Wrapf(ferrors.Corruption, "blos: %s record/disk disagreement, object quarantined", name)
		}
		if wantHex, ok := hashes[name]; ok && wantHex != diskHex {
			if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "blos: unlinking corrupt object")
			}
			return nil, errors.Wrapf(ferrors.Corruption, "blos: %s caller/disk disagreement, object quarantined", name)
		}
	}
	merged := make(map[string]string, len(rec.Hexes))
	for k, v := range rec.Hexes {
		merged[k] = v
	}
	if s.cfg.BackfillStrategy != BackfillNone {
		toCompute := s.cfg.RequiredRecordHashes
		if s.cfg.BackfillStrategy == BackfillDesired {
			toCompute = s.cfg.DesiredHashes
		}
		var missing []string
		for _, name := range toCompute {
			if name == NameSize {
				continue
			}
			if _, ok := merged[name]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			computed, _, err := s.hashDiskFor(objPath, missing)
			if err != nil {
				return nil, errors.Wrap(err, "blos: backfilling hashes")
			}
			for k, v := range computed {
				merged[k] = v
			}
			if err := s.writeRecord(objPath, &record{Size: size, Hexes: merged}); err != nil {
				return nil, errors.Wrap(err, "blos: persisting backfilled record")
			}
		}
	}
	return &ObjectRef{SHA512: sha512hex, DiskPath: objPath, Size: size, Hexes: merged}, nil
}

func (s *Store) hashDisk(objPath string) (map[string]string, int64, error) {
	return s.hashDiskFor(objPath, s.cfg.DiskVerifyHashes)
}

func (s *Store) hashDiskFor(objPath string, names []string) (map[string]string, int64, error) {
	f, err := os.Open(objPath)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return ComputeHashes(f, names)
}

// Delete removes an object administratively. Not used by any automated flow.
func (s *Store) Delete(hashes map[string]string) error {
	sha512hex, ok := hashes[NameSHA512]
	if !ok {
		return errors.Wrap(ferrors.InvalidRequest, "blos: delete requires SHA512")
	}
	dir, objPath := s.splay(sha512hex)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(sidecarPath(objPath)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "blos: removing sidecar")
	}
	if err := os.Remove(objPath); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(ferrors.NotFound, "blos: object absent")
		}
		return errors.Wrap(err, "blos: removing object")
	}
	// Best-effort cleanup of now-empty splay directories.
	for d := dir; d != s.cfg.Root && d != "."; d = filepath.Dir(d) {
		if os.Remove(d) != nil {
			break
		}
	}
	return nil
}
