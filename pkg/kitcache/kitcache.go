// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package kitcache is the per-(kit, branch) JSON cache of extracted
// ebuild metadata, keyed by atom and invalidated by a combination of
// ebuild/Manifest/eclass checksums.
package kitcache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// CacheDataVersion is bumped whenever the cache's stored schema changes; a
// document written under an earlier version is treated as empty (matches
// original_source/metatools/kit.py).
const CacheDataVersion = "1.0.6"

// Record is one atom's cached metadata.
type Record struct {
	Atom        string            `json:"atom"`
	MD5         string            `json:"md5"`
	ManifestMD5 string            `json:"manifest_md5"`
	Eclasses    [][2]string       `json:"eclasses"` // [name, md5] pairs, order-preserving
	Metadata    map[string]string `json:"metadata"`
	MetadataOut string            `json:"metadata_out"`
}

type document struct {
	CacheDataVersion string            `json:"cache_data_version"`
	Atoms            map[string]Record `json:"atoms"`
}

// Cache is one (kit, branch)'s in-memory working copy of the metadata
// cache, loaded from and saved back to OutDir.
type Cache struct {
	Kit    string
	Branch string
	OutDir string

	atoms     map[string]Record
	retrieved map[string]struct{}
	misses    map[string]struct{}
	writes    map[string]struct{}
}

func outPath(outDir, kit, branch string) string {
	return filepath.Join(outDir, kit+"-"+branch)
}

// Load reads the on-disk document for (kit, branch), or starts empty if
// absent or stamped with a mismatched CacheDataVersion.
func Load(outDir, kit, branch string) (*Cache, error) {
	c := &Cache{
		Kit: kit, Branch: branch, OutDir: outDir,
		atoms:     map[string]Record{},
		retrieved: map[string]struct{}{},
		misses:    map[string]struct{}{},
		writes:    map[string]struct{}{},
	}
	path := outPath(outDir, kit, branch)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrapf(err, "kitcache: reading %s", path)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrapf(err, "kitcache: parsing %s", path)
	}
	if doc.CacheDataVersion == CacheDataVersion {
		c.atoms = doc.Atoms
	}
	return c, nil
}

// Get returns the cached record for atom if it exists and passes every
// freshness check against ebuildMD5, manifestMD5, and eclassHashes. A hit
// marks atom as retrieved; a miss marks it a miss.
func (c *Cache) Get(atom, ebuildMD5, manifestMD5 string, eclassHashes map[string]string) (*Record, bool) {
	rec, ok := c.atoms[atom]
	if !ok || rec.MD5 != ebuildMD5 {
		c.misses[atom] = struct{}{}
		return nil, false
	}
	if rec.ManifestMD5 != manifestMD5 {
		c.misses[atom] = struct{}{}
		return nil, false
	}
	for _, pair := range rec.Eclasses {
		name, md5 := pair[0], pair[1]
		if have, ok := eclassHashes[name]; !ok || have != md5 {
			c.misses[atom] = struct{}{}
			return nil, false
		}
	}
	c.retrieved[atom] = struct{}{}
	return &rec, true
}

// Put inserts or replaces rec in the in-memory cache, marking it written
// this run.
func (c *Cache) Put(rec Record) {
	c.atoms[rec.Atom] = rec
	c.writes[rec.Atom] = struct{}{}
}

// Save writes the cache document back to disk atomically (temp file +
// rename). If prune is true, any atom neither retrieved nor written this
// run is dropped first.
func (c *Cache) Save(prune bool) error {
	if prune {
		keep := map[string]struct{}{}
		for k := range c.retrieved {
			keep[k] = struct{}{}
		}
		for k := range c.writes {
			keep[k] = struct{}{}
		}
		for atom := range c.atoms {
			if _, ok := keep[atom]; !ok {
				delete(c.atoms, atom)
			}
		}
	}
	doc := document{CacheDataVersion: CacheDataVersion, Atoms: c.atoms}
	b, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "kitcache: marshaling document")
	}
	if err := os.MkdirAll(c.OutDir, 0o755); err != nil {
		return errors.Wrap(err, "kitcache: creating output dir")
	}
	path := outPath(c.OutDir, c.Kit, c.Branch)
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "kitcache: writing temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "kitcache: renaming temp file into place")
	}
	return nil
}
