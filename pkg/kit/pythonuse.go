// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package kit

import (
	"sort"
	"strings"
)

// normalizePythonCompat applies the PYTHON_COMPAT -> USE normalization
// table, mirroring python-utils-r1.eclass's own bump logic so default-impl
// detection agrees with what portage itself will compute at merge time.
func normalizePythonCompat(tokens []string, defaultImpl string) []string {
	set := map[string]struct{}{}
	add := func(impls ...string) {
		for _, i := range impls {
			set[i] = struct{}{}
		}
	}
	for _, tok := range tokens {
		switch tok {
		case "python3_5", "python3_6":
			add(defaultImpl)
		case "python3+", "python3_7+":
			add("python3_7", "python3_8", "python3_9")
		case "python3.8+":
			add("python3_8", "python3_9")
		case "python3.9+":
			add("python3_9")
		case "python2+":
			add("python2_7", "python3_7", "python3_8", "python3_9")
		default:
			add(tok)
		}
	}
	out := make([]string, 0, len(set))
	for impl := range set {
		out = append(out, impl)
	}
	sort.Strings(out)
	return out
}

// pythonUseLine implements do_package_use_line: a catpkg (or a specific
// "=cat/pkg-version" atom) only needs a USE line when its normalized
// PYTHON_COMPAT excludes the default implementation.
func pythonUseLine(pkgSpec string, defaultImpl, backupImpl string, impls []string) (string, bool) {
	inSet := func(target string) bool {
		for _, i := range impls {
			if i == target {
				return true
			}
		}
		return false
	}
	if inSet(defaultImpl) {
		return "", false
	}
	if inSet(backupImpl) {
		return pkgSpec + " python_single_target_" + backupImpl, true
	}
	if len(impls) == 0 {
		return "", false
	}
	return pkgSpec + " python_single_target_" + impls[0] + " python_targets_" + impls[0], true
}

// pythonUseLinesForCatpkg generates the python-use lines
// for one catpkg: cpvCompat maps each version atom ("cat/pkg-version") to
// its raw PYTHON_COMPAT tokens. If every version normalizes identically,
// one catpkg-wide line is emitted; otherwise one per-version line.
func pythonUseLinesForCatpkg(catpkg string, cpvCompat map[string][]string, defaultImpl, backupImpl string) []string {
	normalized := map[string][]string{}
	for cpv, tokens := range cpvCompat {
		if n := normalizePythonCompat(tokens, defaultImpl); len(n) > 0 {
			normalized[cpv] = n
		}
	}
	if len(normalized) == 0 {
		return nil
	}
	var first []string
	split := false
	for _, impls := range normalized {
		if first == nil {
			first = impls
			continue
		}
		if strings.Join(first, ",") != strings.Join(impls, ",") {
			split = true
			break
		}
	}
	var lines []string
	if !split {
		if line, ok := pythonUseLine(catpkg, defaultImpl, backupImpl, first); ok {
			lines = append(lines, line)
		}
		return lines
	}
	cpvs := make([]string, 0, len(normalized))
	for cpv := range normalized {
		cpvs = append(cpvs, cpv)
	}
	sort.Strings(cpvs)
	for _, cpv := range cpvs {
		if line, ok := pythonUseLine("="+cpv, defaultImpl, backupImpl, normalized[cpv]); ok {
			lines = append(lines, line)
		}
	}
	return lines
}
