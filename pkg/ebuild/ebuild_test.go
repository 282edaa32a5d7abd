// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package ebuild

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/funtoo/metatools/pkg/blos"
	"github.com/funtoo/metatools/pkg/integrity"

	"database/sql"

	_ "modernc.org/sqlite"
)

func TestUnit_Filename(t *testing.T) {
	cases := []struct {
		name, version string
		revision      int
		want          string
	}{
		{"foo", "1.0", 0, "foo-1.0.ebuild"},
		{"foo", "1.0", 2, "foo-1.0-r2.ebuild"},
		{"bar-baz", "2.3.4", 0, "bar-baz-2.3.4.ebuild"},
	}
	for _, c := range cases {
		u := Unit{Name: c.name, Version: c.version, Revision: c.revision}
		if got := u.Filename(); got != c.want {
			t.Errorf("Filename(%s,%s,r%d) = %q, want %q", c.name, c.version, c.revision, got, c.want)
		}
	}
}

func TestDistLine_HashNamesSortedLexicographically(t *testing.T) {
	got := DistLine("foo-1.0.tar.gz", 1024, map[string]string{
		blos.NameSHA512:  "deadbeef",
		blos.NameBLAKE2B: "cafef00d",
		blos.NameSHA256:  "0badc0de",
	})
	want := "DIST foo-1.0.tar.gz 1024 BLAKE2B cafef00d SHA256 0badc0de SHA512 deadbeef"
	if got != want {
		t.Fatalf("DistLine() = %q, want %q", got, want)
	}
}

func TestManifestSet_DedupAndSort(t *testing.T) {
	dir := t.TempDir()
	catpkg := filepath.Join(dir, "dev-libs", "foo")
	ms := NewManifestSet()
	ms.Add(catpkg, "DIST z-1.0.tar.gz 10 SHA512 aaa")
	ms.Add(catpkg, "DIST a-1.0.tar.gz 10 SHA512 bbb")
	ms.Add(catpkg, "DIST z-1.0.tar.gz 10 SHA512 aaa") // duplicate from a second BreezyBuild
	if err := ms.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	body, err := os.ReadFile(filepath.Join(catpkg, "Manifest"))
	if err != nil {
		t.Fatalf("reading Manifest: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Manifest has %d lines, want 2 (deduped): %v", len(lines), lines)
	}
	if lines[0] != "DIST a-1.0.tar.gz 10 SHA512 bbb" || lines[1] != "DIST z-1.0.tar.gz 10 SHA512 aaa" {
		t.Fatalf("Manifest lines not sorted: %v", lines)
	}
}

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	dir := t.TempDir()
	store, err := blos.New(blos.DefaultConfig(filepath.Join(dir, "blos")))
	if err != nil {
		t.Fatalf("blos.New: %v", err)
	}
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { sqldb.Close() })
	idb, err := integrity.Open(sqldb)
	if err != nil {
		t.Fatalf("integrity.Open: %v", err)
	}
	return NewBuilder(store, idb, NewManifestSet(), "scopeA", []string{blos.NameSHA512})
}

func TestBuilder_CompleteArtifactThenBuild(t *testing.T) {
	b := newTestBuilder(t)
	dir := t.TempDir()
	body := []byte("tarball contents")

	download := func(ctx context.Context, url string, wantHashes []string) (string, map[string]string, int64, error) {
		tmp := filepath.Join(dir, "dl-tmp")
		if err := os.WriteFile(tmp, body, 0o644); err != nil {
			return "", nil, 0, err
		}
		hexes, size, err := blos.ComputeHashes(strings.NewReader(string(body)), wantHashes)
		if err != nil {
			return "", nil, 0, err
		}
		return tmp, hexes, size, nil
	}

	artifact := &Artifact{FinalName: "foo-1.0.tar.gz", URL: "https://example/foo-1.0.tar.gz"}
	if err := b.CompleteArtifact(context.Background(), artifact, download); err != nil {
		t.Fatalf("CompleteArtifact: %v", err)
	}
	if !artifact.Complete([]string{blos.NameSHA512}) {
		t.Fatalf("artifact not complete after CompleteArtifact: %+v", artifact)
	}

	unit := Unit{
		Name:         "foo",
		Version:      "1.0",
		CatPkgDir:    filepath.Join(dir, "dev-libs", "foo"),
		Template:     "# ebuild for {{.Name}}-{{.Version}}\n",
		TemplateVars: map[string]any{"Name": "foo", "Version": "1.0"},
		Artifacts:    []*Artifact{artifact},
	}
	if err := b.Build(unit); err != nil {
		t.Fatalf("Build: %v", err)
	}
	ebuildPath := filepath.Join(unit.CatPkgDir, "foo-1.0.ebuild")
	if _, err := os.Stat(ebuildPath); err != nil {
		t.Fatalf("ebuild file not written: %v", err)
	}
	if err := b.Manifest.Flush(); err != nil {
		t.Fatalf("Manifest.Flush: %v", err)
	}
	manifestBody, err := os.ReadFile(filepath.Join(unit.CatPkgDir, "Manifest"))
	if err != nil {
		t.Fatalf("reading Manifest: %v", err)
	}
	if !strings.Contains(string(manifestBody), "foo-1.0.tar.gz") {
		t.Fatalf("Manifest missing DIST line for artifact: %s", manifestBody)
	}
}

func TestBuilder_BuildRejectsIncompleteArtifact(t *testing.T) {
	b := newTestBuilder(t)
	unit := Unit{
		Name:      "foo",
		Version:   "1.0",
		CatPkgDir: t.TempDir(),
		Template:  "ebuild\n",
		Artifacts: []*Artifact{{FinalName: "incomplete.tar.gz"}},
	}
	if err := b.Build(unit); err == nil {
		t.Fatalf("Build() with incomplete artifact succeeded, want error")
	}
}
