// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildEnv_ParsesFilenameFields(t *testing.T) {
	env := BuildEnv("sys-apps", "foo-1.2.3-r4", []byte("EAPI=7\n"))
	if env.PN != "foo" || env.PV != "1.2.3" || env.PR != "r4" {
		t.Fatalf("BuildEnv() = %+v, want PN=foo PV=1.2.3 PR=r4", env)
	}
	if env.P != "foo-1.2.3" || env.PVR != "foo-1.2.3" {
		t.Fatalf("BuildEnv() P/PVR = %q/%q, want foo-1.2.3/foo-1.2.3", env.P, env.PVR)
	}
	if env.EAPI != "7" {
		t.Fatalf("BuildEnv() EAPI = %q, want 7", env.EAPI)
	}
}

func TestBuildEnv_NoRevisionDefaultsToR0(t *testing.T) {
	env := BuildEnv("dev-libs", "foo-1.0", nil)
	if env.PR != "r0" {
		t.Fatalf("BuildEnv() PR = %q, want r0", env.PR)
	}
	if env.EAPI != "0" {
		t.Fatalf("BuildEnv() EAPI with no ebuild content = %q, want 0 (default)", env.EAPI)
	}
}

func TestBuildEnv_EAPIQuotedAssignment(t *testing.T) {
	env := BuildEnv("dev-libs", "foo-1.0", []byte("# comment\nEAPI=\"8\"\ninherit eutils\n"))
	if env.EAPI != "8" {
		t.Fatalf("BuildEnv() EAPI = %q, want 8", env.EAPI)
	}
}

func TestAuxdbBlock_OmitsEmptyFieldsAndOrdersCanonically(t *testing.T) {
	result := Result{
		"DESCRIPTION": "a package",
		"SLOT":        "0",
		"EAPI":        "8",
		// DEPEND/RDEPEND/etc. intentionally left empty.
	}
	block := AuxdbBlock(result, [][2]string{{"eutils", "abc123"}}, "ebuildmd5")
	lines := strings.Split(strings.TrimRight(block, "\n"), "\n")

	var contentLines []string
	for _, l := range lines {
		if !strings.HasPrefix(l, "_") {
			contentLines = append(contentLines, l)
		}
	}
	want := []string{"SLOT=0", "DESCRIPTION=a package", "EAPI=8"}
	if diff := cmp.Diff(want, contentLines); diff != "" {
		t.Fatalf("AuxdbBlock content lines mismatch (-want +got):\n%s", diff)
	}
	if lines[len(lines)-2] != "_eclasses_=eutils\tabc123" {
		t.Fatalf("AuxdbBlock _eclasses_ line = %q, want eutils/abc123 pair", lines[len(lines)-2])
	}
	if lines[len(lines)-1] != "_md5_=ebuildmd5" {
		t.Fatalf("AuxdbBlock _md5_ line = %q, want ebuildmd5", lines[len(lines)-1])
	}
}

func TestAuxdbBlock_MultipleEclassesTabSeparated(t *testing.T) {
	block := AuxdbBlock(Result{}, [][2]string{{"a", "1"}, {"b", "2"}}, "md5")
	if !strings.Contains(block, "_eclasses_=a\t1\tb\t2\n") {
		t.Fatalf("AuxdbBlock multi-eclass line missing or malformed: %q", block)
	}
}

func TestParseSRCURI_BasicAndRename(t *testing.T) {
	got := ParseSRCURI("https://example.org/foo-1.0.tar.gz -> renamed.tar.gz")
	want := map[string][]string{"renamed.tar.gz": {"https://example.org/foo-1.0.tar.gz"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseSRCURI() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSRCURI_SkipsStructuralTokens(t *testing.T) {
	got := ParseSRCURI(`x86? ( https://example.org/foo-x86.tar.gz ) || ( https://example.org/foo.tar.gz )`)
	if len(got) != 2 {
		t.Fatalf("ParseSRCURI() = %v, want 2 filenames", got)
	}
	if _, ok := got["foo-x86.tar.gz"]; !ok {
		t.Fatalf("ParseSRCURI() missing foo-x86.tar.gz: %v", got)
	}
	if _, ok := got["foo.tar.gz"]; !ok {
		t.Fatalf("ParseSRCURI() missing foo.tar.gz: %v", got)
	}
}

func TestParseSRCURI_MultipleURIsSameFilename(t *testing.T) {
	got := ParseSRCURI("https://mirror1.example/foo.tar.gz https://mirror2.example/foo.tar.gz")
	if len(got["foo.tar.gz"]) != 2 {
		t.Fatalf("ParseSRCURI() foo.tar.gz = %v, want 2 URIs", got["foo.tar.gz"])
	}
}

func TestParseSRCURI_TrailingArrowTolerated(t *testing.T) {
	got := ParseSRCURI("https://example.org/foo.tar.gz ->")
	want := map[string][]string{"foo.tar.gz": {"https://example.org/foo.tar.gz"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseSRCURI() with trailing arrow mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLicenses_DropsStructuralTokens(t *testing.T) {
	got := ParseLicenses("GPL-2 ( MIT || Apache-2.0 ) x86? ( BSD ) !foo? ( LGPL-2.1 )")
	want := []string{"GPL-2", "MIT", "Apache-2.0", "BSD", "LGPL-2.1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseLicenses() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLicenses_Dedup(t *testing.T) {
	got := ParseLicenses("GPL-2 GPL-2 MIT")
	want := []string{"GPL-2", "MIT"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseLicenses() mismatch (-want +got):\n%s", diff)
	}
}

func TestScriptExtractor_ParsesStdoutByPosition(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "ebuild.sh")
	// Emits MetadataLines in canonical order (indices 0..2 populated, rest empty).
	lines := make([]string, len(MetadataLines))
	lines[0] = "dev-libs/bar" // DEPEND
	lines[1] = "dev-libs/bar" // RDEPEND
	lines[2] = "0"            // SLOT
	body := "#!/bin/bash\nprintf '%s\\n' " + quoteAll(lines) + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("writing fake extraction script: %v", err)
	}

	x := ScriptExtractor{ScriptPath: script}
	env := BuildEnv("dev-libs", "bar-1.0", nil)
	result, err := x.Extract(context.Background(), filepath.Join(dir, "bar-1.0.ebuild"), env, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result["SLOT"] != "0" {
		t.Fatalf("result[SLOT] = %q, want 0", result["SLOT"])
	}
	if result["DEPEND"] != "dev-libs/bar" {
		t.Fatalf("result[DEPEND] = %q, want dev-libs/bar", result["DEPEND"])
	}
	if _, ok := result["EAPI"]; ok {
		t.Fatalf("result[EAPI] should be empty/absent from a script that emitted nothing for it")
	}
}

func quoteAll(lines []string) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('\'')
		b.WriteString(l)
		b.WriteByte('\'')
	}
	return b.String()
}
