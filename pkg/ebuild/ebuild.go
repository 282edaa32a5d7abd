// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package ebuild builds ebuild files: given a Unit, it ensures the
// unit's artifacts are fully hashed and stored, renders the ebuild file,
// and accumulates DIST lines into a shared, per-catpkg Manifest line
// set.
package ebuild

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/pkg/errors"

	"github.com/funtoo/metatools/pkg/blos"
	"github.com/funtoo/metatools/pkg/ferrors"
	"github.com/funtoo/metatools/pkg/integrity"
)

// Artifact is a single distfile referenced by an ebuild: a final on-disk
// name, a URL it can be fetched from, and (once complete) its hash bundle.
type Artifact struct {
	FinalName string
	URL       string
	Size      int64
	Hexes     map[string]string // populated by Builder.CompleteArtifact
}

// Complete reports whether the artifact's hash bundle satisfies names.
func (a *Artifact) Complete(names []string) bool {
	for _, n := range names {
		if n == blos.NameSize {
			continue
		}
		if _, ok := a.Hexes[n]; !ok {
			return false
		}
	}
	return true
}

// DownloadFunc obtains artifact bytes, streams them through a hash bundle,
// and returns the temp file path plus computed hashes. A *spider.Spider is
// adapted to this signature by its caller, keeping pkg/ebuild decoupled
// from pkg/spider.
type DownloadFunc func(ctx context.Context, url string, wantHashes []string) (tempPath string, hashes map[string]string, size int64, err error)

// Unit is one ebuild to be built: its identity, its artifacts, and the
// resolved content used to render it.
type Unit struct {
	Name         string
	Version      string
	Revision     int
	CatPkgDir    string // destination directory, e.g. <repo>/<cat>/<pkg>
	Template     string // template source text
	TemplateVars map[string]any
	Artifacts    []*Artifact
}

// Filename renders the ebuild filename: the -rN suffix appears only for
// a nonzero revision.
func (u Unit) Filename() string {
	if u.Revision == 0 {
		return fmt.Sprintf("%s-%s.ebuild", u.Name, u.Version)
	}
	return fmt.Sprintf("%s-%s-r%d.ebuild", u.Name, u.Version, u.Revision)
}

// Renderer renders a template against a variable set. Kept as an
// interface so callers may substitute a test double or alternate engine.
type Renderer interface {
	Render(templateSrc string, vars map[string]any) ([]byte, error)
}

// TemplateRenderer is the default Renderer, backed by text/template.
type TemplateRenderer struct{}

func (TemplateRenderer) Render(templateSrc string, vars map[string]any) ([]byte, error) {
	tmpl, err := template.New("ebuild").Parse(templateSrc)
	if err != nil {
		return nil, errors.Wrap(err, "ebuild: parsing template")
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, errors.Wrap(err, "ebuild: executing template")
	}
	return buf.Bytes(), nil
}

// ManifestSet accumulates DIST lines per catpkg directory, deduplicated,
// for a single write-out after all units in a run complete, so each
// catpkg_dir/Manifest is written exactly once.
type ManifestSet struct {
	mu    sync.Mutex
	lines map[string]map[string]struct{} // catpkg dir -> set of DIST lines
}

// NewManifestSet constructs an empty ManifestSet.
func NewManifestSet() *ManifestSet {
	return &ManifestSet{lines: map[string]map[string]struct{}{}}
}

// Add inserts a DIST line for catpkgDir, deduplicating identical lines.
func (m *ManifestSet) Add(catpkgDir, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.lines[catpkgDir]
	if !ok {
		set = map[string]struct{}{}
		m.lines[catpkgDir] = set
	}
	set[line] = struct{}{}
}

// Flush writes each catpkg's Manifest file with sorted lines, once.
func (m *ManifestSet) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dir, set := range m.lines {
		lines := make([]string, 0, len(set))
		for l := range set {
			lines = append(lines, l)
		}
		sort.Strings(lines)
		out := strings.Join(lines, "\n")
		if len(lines) > 0 {
			out += "\n"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "ebuild: creating %s", dir)
		}
		if err := os.WriteFile(filepath.Join(dir, "Manifest"), []byte(out), 0o644); err != nil {
			return errors.Wrapf(err, "ebuild: writing Manifest in %s", dir)
		}
	}
	return nil
}

// DistLine formats one DIST line: hash names sorted
// lexicographically, one line per artifact.
func DistLine(finalName string, size int64, hexes map[string]string) string {
	names := make([]string, 0, len(hexes))
	for n := range hexes {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	fmt.Fprintf(&b, "DIST %s %d", finalName, size)
	for _, n := range names {
		fmt.Fprintf(&b, " %s %s", n, hexes[n])
	}
	return b.String()
}

// Builder is the EbuildBuilder.
type Builder struct {
	Store     *blos.Store
	Integrity *integrity.DB
	Manifest  *ManifestSet
	Renderer  Renderer
	// DesiredHashes is the hash set every completed artifact must carry.
	DesiredHashes []string
	// Scope is the IntegrityDB scope this builder's artifacts are recorded under.
	Scope string
}

// NewBuilder constructs a Builder with TemplateRenderer as the default Renderer.
func NewBuilder(store *blos.Store, idb *integrity.DB, manifest *ManifestSet, scope string, desiredHashes []string) *Builder {
	return &Builder{
		Store:         store,
		Integrity:     idb,
		Manifest:      manifest,
		Renderer:      TemplateRenderer{},
		DesiredHashes: desiredHashes,
		Scope:         scope,
	}
}

// CompleteArtifact ensures a as fetched (via download) and its hashes are
// known, then inserts it into BLOS and binds (FinalName, hashes) into the
// IntegrityDB.
func (b *Builder) CompleteArtifact(ctx context.Context, a *Artifact, download DownloadFunc) error {
	if a.Complete(b.DesiredHashes) {
		return nil
	}
	tempPath, hashes, size, err := download(ctx, a.URL, b.DesiredHashes)
	if err != nil {
		return errors.Wrapf(err, "ebuild: downloading artifact %s", a.FinalName)
	}
	ref, err := b.Store.Insert(tempPath, hashes)
	if err != nil {
		return errors.Wrapf(err, "ebuild: inserting artifact %s into store", a.FinalName)
	}
	if err := b.Integrity.Record(ctx, b.Scope, a.FinalName, ref.SHA512, size); err != nil {
		return errors.Wrapf(err, "ebuild: recording artifact %s in integrity db", a.FinalName)
	}
	a.Hexes = ref.Hexes
	a.Size = size
	return nil
}

// Build renders u's ebuild to CatPkgDir/Filename(), appending each
// artifact's DIST line to the shared ManifestSet for CatPkgDir. All
// artifacts must already be Complete (see CompleteArtifact).
func (b *Builder) Build(u Unit) error {
	for _, a := range u.Artifacts {
		if !a.Complete(b.DesiredHashes) {
			return errors.Wrapf(ferrors.IncompleteRecord, "ebuild: artifact %s is not yet complete", a.FinalName)
		}
	}
	content, err := b.Renderer.Render(u.Template, u.TemplateVars)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(u.CatPkgDir, 0o755); err != nil {
		return errors.Wrapf(err, "ebuild: creating %s", u.CatPkgDir)
	}
	path := filepath.Join(u.CatPkgDir, u.Filename())
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return errors.Wrapf(err, "ebuild: writing %s", path)
	}
	for _, a := range u.Artifacts {
		b.Manifest.Add(u.CatPkgDir, DistLine(a.FinalName, a.Size, a.Hexes))
	}
	return nil
}
