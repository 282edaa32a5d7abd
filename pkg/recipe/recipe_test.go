// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package recipe

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("MkdirAll(%s): %v", path, err)
	}
}

func mustWriteFile(t *testing.T, path, body string) {
	t.Helper()
	mustMkdirAll(t, filepath.Dir(path))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func TestDiscover_StandaloneScript(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "dev-libs", "bar", "autogen.py"), "# generate()\n")

	units, err := Discover(root, "", nil, Filter{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("Discover() returned %d units, want 1: %+v", len(units), units)
	}
	if len(units[0].PkgInfoList) != 1 {
		t.Fatalf("unit.PkgInfoList = %v, want 1 entry", units[0].PkgInfoList)
	}
	pi := units[0].PkgInfoList[0]
	if pi["name"] != "bar" || pi["cat"] != "dev-libs" {
		t.Fatalf("pkginfo = %v, want name=bar cat=dev-libs", pi)
	}
}

func TestDiscover_YAMLBundleStringAndVersionsExpansion(t *testing.T) {
	fixups := t.TempDir()
	catDir := filepath.Join(fixups, "dev-python")
	mustWriteFile(t, filepath.Join(catDir, "generators", "mygen.py"), "# generate(pkginfo)\n")
	mustWriteFile(t, filepath.Join(catDir, "autogen.yaml"), `rule1:
  generator: mygen
  defaults:
    homepage: "https://example.org"
  packages:
    - simple-pkg
    - versioned-pkg:
        versions:
          "1.0":
            note: first
          latest:
            note: newest
`)

	units, err := Discover(fixups, fixups, nil, Filter{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("Discover() returned %d units, want 1", len(units))
	}
	u := units[0]
	if u.Defaults["cat"] != "dev-python" {
		t.Fatalf("unit.Defaults[cat] = %v, want dev-python (inferred)", u.Defaults["cat"])
	}
	if u.Defaults["homepage"] != "https://example.org" {
		t.Fatalf("unit.Defaults[homepage] = %v, want https://example.org", u.Defaults["homepage"])
	}

	names := make([]string, 0, len(u.PkgInfoList))
	for _, pi := range u.PkgInfoList {
		names = append(names, nameOf(pi))
	}
	sort.Strings(names)
	if len(u.PkgInfoList) != 3 {
		t.Fatalf("pkginfo list = %v, want 3 entries (simple-pkg + 2 versions)", u.PkgInfoList)
	}

	var simple, v1, vLatest PkgInfo
	for _, pi := range u.PkgInfoList {
		switch {
		case pi["name"] == "simple-pkg":
			simple = pi
		case pi["name"] == "versioned-pkg" && pi["version"] == "1.0":
			v1 = pi
		case pi["name"] == "versioned-pkg":
			if _, hasVersion := pi["version"]; !hasVersion {
				vLatest = pi
			}
		}
	}
	if simple == nil {
		t.Fatalf("missing simple-pkg entry among %v", u.PkgInfoList)
	}
	if v1 == nil || v1["note"] != "first" {
		t.Fatalf("missing/incorrect 1.0 entry: %v", v1)
	}
	if vLatest == nil || vLatest["note"] != "newest" {
		t.Fatalf("missing/incorrect latest entry (should have version field stripped): %v", vLatest)
	}
}

func nameOf(pi PkgInfo) string {
	if n, ok := pi["name"].(string); ok {
		return n
	}
	return ""
}

func TestDiscover_FilterByCategoryAndPackage(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "dev-libs", "bar", "autogen.py"), "# generate()\n")
	mustWriteFile(t, filepath.Join(root, "sys-apps", "baz", "autogen.py"), "# generate()\n")

	units, err := Discover(root, "", nil, Filter{Category: "dev-libs", Package: "bar"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("filtered Discover() returned %d units, want 1", len(units))
	}
	if units[0].PkgInfoList[0]["name"] != "bar" {
		t.Fatalf("filtered unit pkginfo = %v, want name=bar", units[0].PkgInfoList[0])
	}
}

func TestDiscover_FilterExcludesAllDropsUnit(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "dev-libs", "bar", "autogen.py"), "# generate()\n")

	units, err := Discover(root, "", nil, Filter{Package: "nonexistent"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(units) != 0 {
		t.Fatalf("Discover() with no matches returned %d units, want 0", len(units))
	}
}

func TestNormalizeVersionKey(t *testing.T) {
	cases := []struct {
		in       string
		wantVal  string
		wantKept bool
	}{
		{"1.0", "1.0", true},
		{"latest", "", false},
		{"", "", false},
		{"1.5", "1.5", true},
	}
	for _, c := range cases {
		got, ok := normalizeVersionKey(c.in)
		if ok != c.wantKept {
			t.Errorf("normalizeVersionKey(%q) kept = %v, want %v", c.in, ok, c.wantKept)
			continue
		}
		if ok && got != c.wantVal {
			t.Errorf("normalizeVersionKey(%q) = %q, want %q", c.in, got, c.wantVal)
		}
	}
}

func TestNormalizeVersionKey_QuotedVersionKeptVerbatim(t *testing.T) {
	got, ok := normalizeVersionKey("1.20")
	if !ok || got != "1.20" {
		t.Fatalf("normalizeVersionKey(1.20) = (%q, %v), want (1.20, true)", got, ok)
	}
}

func TestParsePackageEntry_String(t *testing.T) {
	_, out, err := parsePackageEntry("simple-pkg")
	if err != nil {
		t.Fatalf("parsePackageEntry: %v", err)
	}
	if len(out) != 1 || out[0]["name"] != "simple-pkg" {
		t.Fatalf("parsePackageEntry(string) = %v, want one entry named simple-pkg", out)
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int // sign only
	}{
		{"1.9", "1.10", -1},
		{"1.10", "1.9", 1},
		{"2.0", "2.0", 0},
		{"1.2", "1.2.1", -1},
		{"1.0b", "1.0a", 1},
	}
	for _, c := range cases {
		got := compareVersions(c.a, c.b)
		switch {
		case c.want < 0 && got >= 0, c.want > 0 && got <= 0, c.want == 0 && got != 0:
			t.Errorf("compareVersions(%q, %q) = %d, want sign %d", c.a, c.b, got, c.want)
		}
	}
}
