// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package kit

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/funtoo/metatools/pkg/ferrors"
)

// eclassEntry is one named eclass's current hash plus the directory it was
// last scanned from, kept so duplicate-name collisions can name both
// sources.
type eclassEntry struct {
	md5       string
	sourceDir string
}

// EclassHashSet is a layered eclass-name -> md5 map, built by adding
// directories one layer at a time; a later layer's entries override an
// earlier layer's of the same name, while a duplicate name within a
// single layer is a fatal configuration error.
type EclassHashSet struct {
	hashes map[string]eclassEntry
	paths  []string // most-recently-added first, for PORTAGE_ECLASS_LOCATIONS
}

// NewEclassHashSet returns an empty set.
func NewEclassHashSet() *EclassHashSet {
	return &EclassHashSet{hashes: map[string]eclassEntry{}}
}

// AddLayer scans every dir for *.eclass files and merges the result as one
// layer: a name appearing twice across the dirs passed in this single call
// is a fatal ConfigurationError identifying both source paths; a name
// already present from a previous AddLayer call is silently overridden
// (layers are ordered by precedence, later wins).
func (s *EclassHashSet) AddLayer(dirs ...string) error {
	layer := map[string]eclassEntry{}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "kit: scanning eclass dir %s", dir)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".eclass") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ".eclass")
			path := filepath.Join(dir, e.Name())
			sum, err := md5File(path)
			if err != nil {
				return errors.Wrapf(err, "kit: hashing eclass %s", path)
			}
			if prior, ok := layer[name]; ok {
				return errors.Wrapf(ferrors.ConfigurationError,
					"kit: duplicate eclass %q found in both %s and %s", name, prior.sourceDir, dir)
			}
			layer[name] = eclassEntry{md5: sum, sourceDir: dir}
		}
	}
	for name, entry := range layer {
		s.hashes[name] = entry
	}
	s.paths = append(dirs, s.paths...)
	return nil
}

// Lookup returns the md5 for an eclass name.
func (s *EclassHashSet) Lookup(name string) (string, bool) {
	e, ok := s.hashes[name]
	return e.md5, ok
}

// Pairs returns (name, md5) for each of names, sorted by name; an unknown
// name is a fatal ConfigurationError.
func (s *EclassHashSet) Pairs(names []string) ([][2]string, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	out := make([][2]string, 0, len(sorted))
	for _, name := range sorted {
		md5sum, ok := s.Lookup(name)
		if !ok {
			return nil, errors.Wrapf(ferrors.ConfigurationError, "kit: no eclass hash available for %q", name)
		}
		out = append(out, [2]string{name, md5sum})
	}
	return out, nil
}

// Paths returns every eclass directory added so far, most recently added
// first, for PORTAGE_ECLASS_LOCATIONS.
func (s *EclassHashSet) Paths() []string {
	return append([]string(nil), s.paths...)
}

// names returns every eclass name currently known to the set, in no
// particular order.
func (s *EclassHashSet) names() []string {
	out := make([]string, 0, len(s.hashes))
	for name := range s.hashes {
		out = append(out, name)
	}
	return out
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
