// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata implements ebuild metadata extraction: building the
// deterministic environment an ebuild's dependency-scanning phase runs
// under, invoking it, and parsing its stdout into the canonical
// METADATA_LINES order. Extraction sits behind the Extractor interface
// so callers may substitute a fake.
package metadata

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/funtoo/metatools/pkg/ferrors"
)

// MetadataLines is the canonical stdout-line order an extraction phase
// must emit.
var MetadataLines = []string{
	"DEPEND", "RDEPEND", "SLOT", "SRC_URI", "RESTRICT", "HOMEPAGE",
	"LICENSE", "DESCRIPTION", "KEYWORDS", "INHERITED", "IUSE",
	"REQUIRED_USE", "PDEPEND", "BDEPEND", "EAPI", "PROPERTIES",
	"DEFINED_PHASES", "HDEPEND", "PYTHON_COMPAT",
}

// AuxdbFields is the subset and order of MetadataLines actually written to
// metadata/md5-cache/<atom>.
var AuxdbFields = []string{
	"DEPEND", "RDEPEND", "SLOT", "SRC_URI", "RESTRICT", "HOMEPAGE",
	"LICENSE", "DESCRIPTION", "KEYWORDS", "IUSE", "REQUIRED_USE",
	"PDEPEND", "BDEPEND", "EAPI", "PROPERTIES", "DEFINED_PHASES",
}

// Go's RE2 engine has no backreferences, so the quote wrapping the value
// (if any) is matched permissively rather than required to match itself;
// the value charset already excludes quote characters, so this can't
// misparse a quoted value.
var eapiRE = regexp.MustCompile(`^[ \t]*EAPI=['"]?([A-Za-z0-9+_.-]*)['"]?`)

// eapiOf scans an ebuild's head for an explicit EAPI assignment.
// Absence means EAPI 0.
func eapiOf(ebuildContent []byte) string {
	for _, line := range strings.Split(string(ebuildContent), "\n") {
		if m := eapiRE.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return "0"
}

// Env is the deterministic extraction environment for one ebuild, built
// from its filename (PF, CATEGORY, PN, PV, PR, P, PVR parsed from the
// filename by stripping trailing -rN) plus the fixed variables every
// extraction run carries.
type Env struct {
	PF       string
	Category string
	PN       string
	PV       string
	PR       string
	P        string
	PVR      string
	EAPI     string
}

var revisionRE = regexp.MustCompile(`^(?P<pvr>.+)-r(?P<rev>\d+)$`)

// BuildEnv parses atom's PF (the ebuild's basename, sans ".ebuild") and
// category into PF/CATEGORY/PN/PV/PR/P/PVR, then scans ebuildContent
// for an explicit EAPI assignment.
func BuildEnv(category, pf string, ebuildContent []byte) Env {
	pvr := pf
	pr := "r0"
	if m := revisionRE.FindStringSubmatch(pf); m != nil {
		pvr = m[1]
		pr = "r" + m[2]
	}
	idx := strings.LastIndex(pvr, "-")
	pn, pv := pvr, ""
	if idx >= 0 {
		pn, pv = pvr[:idx], pvr[idx+1:]
	}
	return Env{
		PF: pf, Category: category, PN: pn, PV: pv, PR: pr,
		P: pn + "-" + pv, PVR: pvr, EAPI: eapiOf(ebuildContent),
	}
}

// toOSEnv renders e plus the fixed extraction variables as a KEY=VALUE
// slice suitable for exec.Cmd.Env, with eclassPaths folded into
// PORTAGE_ECLASS_LOCATIONS for the shell harness to export as an array.
func (e Env) toOSEnv(ebuildPath string, eclassPaths []string) []string {
	return []string{
		"PF=" + e.PF,
		"CATEGORY=" + e.Category,
		"PN=" + e.PN,
		"PV=" + e.PV,
		"PR=" + e.PR,
		"P=" + e.P,
		"PVR=" + e.PVR,
		"EAPI=" + e.EAPI,
		"PATH=/bin:/usr/bin",
		"LC_COLLATE=POSIX",
		"LANG=en_US.UTF-8",
		"EBUILD=" + ebuildPath,
		"EBUILD_PHASE=depend",
		"PORTAGE_PIPE_FD=1",
		"PORTAGE_GID=250",
		"PORTAGE_ECLASS_LOCATIONS=" + strings.Join(eclassPaths, " "),
	}
}

// Result is one ebuild's extracted metadata, keyed by MetadataLines name.
type Result map[string]string

// Extractor runs an ebuild's depend phase and returns its metadata.
// Tests substitute a fake; production uses ScriptExtractor.
type Extractor interface {
	Extract(ctx context.Context, ebuildPath string, env Env, eclassPaths []string) (Result, error)
}

// ScriptExtractor invokes ScriptPath (an ebuild.sh-equivalent) as a
// subprocess with the deterministic Env and parses its stdout by
// position into MetadataLines.
type ScriptExtractor struct {
	// ScriptPath is the ebuild.sh-equivalent sourced to run the depend
	// phase. Typically invoked as `/bin/bash -c ". <ScriptPath>"`.
	ScriptPath string
}

func (x ScriptExtractor) Extract(ctx context.Context, ebuildPath string, env Env, eclassPaths []string) (Result, error) {
	cmdstr := ". " + x.ScriptPath
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", cmdstr)
	cmd.Env = env.toOSEnv(ebuildPath, eclassPaths)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(ferrors.RecipeError, "metadata: extracting %s: %v: %s", ebuildPath, err, stderr.String())
	}
	lines := strings.Split(stdout.String(), "\n")
	result := make(Result, len(MetadataLines))
	for i, name := range MetadataLines {
		if i >= len(lines) {
			return nil, errors.Wrapf(ferrors.RecipeError, "metadata: %s: missing %s", ebuildPath, strings.Join(MetadataLines[i:], " "))
		}
		if lines[i] != "" {
			result[name] = lines[i]
		}
	}
	return result, nil
}

// AuxdbBlock renders result's AuxdbFields in canonical order (omitting
// empty values), followed by the _eclasses_ and _md5_ trailer lines.
func AuxdbBlock(result Result, eclasses [][2]string, ebuildMD5 string) string {
	var b strings.Builder
	for _, field := range AuxdbFields {
		if v := result[field]; v != "" {
			b.WriteString(field)
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}
	b.WriteString("_eclasses_=")
	for i, pair := range eclasses {
		if i > 0 {
			b.WriteByte('\t')
		}
		b.WriteString(pair[0])
		b.WriteByte('\t')
		b.WriteString(pair[1])
	}
	b.WriteByte('\n')
	b.WriteString("_md5_=")
	b.WriteString(ebuildMD5)
	b.WriteByte('\n')
	return b.String()
}

// ParseSRCURI tokenizes a SRC_URI value: "(", ")",
// "||", and conditional-guard tokens ("x86?") are skipped; "A -> B" renames
// A's resolved filename to B; otherwise the filename is the URI's last
// path segment. Multiple URIs may map to the same filename.
func ParseSRCURI(srcURI string) map[string][]string {
	fields := strings.Fields(srcURI)
	byFilename := map[string][]string{}
	for i := 0; i < len(fields); i++ {
		tok := fields[i]
		switch {
		case tok == "(", tok == ")", tok == "||", tok == "->":
			continue
		case strings.HasSuffix(tok, "?"):
			continue
		}
		uri := tok
		filename := lastSegment(uri)
		if i+2 < len(fields) && fields[i+1] == "->" {
			filename = fields[i+2]
			i += 2
		}
		byFilename[filename] = append(byFilename[filename], uri)
	}
	return byFilename
}

func lastSegment(uri string) string {
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}

// ParseLicenses extracts the set of referenced license identifiers from a
// LICENSE value, dropping "||", parens, USE-conditional guard tokens, and
// blockers.
func ParseLicenses(license string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, tok := range strings.Fields(license) {
		tok = strings.Trim(tok, "()")
		if tok == "" || tok == "||" {
			continue
		}
		if strings.HasSuffix(tok, "?") {
			continue
		}
		if strings.HasPrefix(tok, "!") {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
