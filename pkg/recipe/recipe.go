// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package recipe implements recipe discovery: walking a tree for
// standalone autogen scripts and autogen.yaml bundles, and expanding each
// into one or more work Units ready for pkg/autogen to schedule.
package recipe

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/funtoo/metatools/pkg/ferrors"
	"github.com/funtoo/metatools/pkg/yamlmerge"
)

// PkgInfo is a single package entry destined for a generator.
type PkgInfo = map[string]yamlmerge.Value

// Unit is one work unit dispatched to a generator by the orchestrator.
type Unit struct {
	GenPath      string
	GeneratorRef string // resolved path to the generator executable/script
	TemplatePath string
	Defaults     map[string]yamlmerge.Value
	PkgInfoList  []PkgInfo
	AutogenID    string
}

// Filter restricts discovery to a category and/or package name.
type Filter struct {
	Category string
	Package  string
}

func (f Filter) matches(p PkgInfo) bool {
	if f.Category != "" {
		if cat, _ := p["cat"].(string); cat != f.Category {
			return false
		}
	}
	if f.Package != "" {
		if name, _ := p["name"].(string); name != f.Package {
			return false
		}
	}
	return true
}

const (
	standaloneScriptName = "autogen.py"
	yamlBundleName       = "autogen.yaml"
	globalDefaultsName   = "global_defaults.yaml"
)

// Discover walks startPath (or, if explicitFiles is non-empty, considers
// only those files) and returns the resulting work units, filtered per
// filters (a unit is kept if any of its pkginfo entries matches every
// supplied filter). fixupsRoot is the kit-fixups repository root used as
// the final generator-lookup fallback.
func Discover(startPath, fixupsRoot string, explicitFiles []string, filters Filter) ([]Unit, error) {
	files := explicitFiles
	if len(files) == 0 {
		var err error
		files, err = findRecipeFiles(startPath)
		if err != nil {
			return nil, errors.Wrap(err, "recipe: walking tree")
		}
	}
	var units []Unit
	for _, file := range files {
		switch filepath.Base(file) {
		case standaloneScriptName:
			u, err := standaloneUnit(file, fixupsRoot)
			if err != nil {
				return nil, err
			}
			units = append(units, filterUnit(u, filters))
		case yamlBundleName:
			us, err := yamlUnits(file, fixupsRoot)
			if err != nil {
				return nil, err
			}
			for _, u := range us {
				units = append(units, filterUnit(u, filters))
			}
		}
	}
	var out []Unit
	for _, u := range units {
		if len(u.PkgInfoList) > 0 {
			out = append(out, u)
		}
	}
	return out, nil
}

func filterUnit(u Unit, f Filter) Unit {
	if f.Category == "" && f.Package == "" {
		return u
	}
	var kept []PkgInfo
	for _, p := range u.PkgInfoList {
		if f.matches(p) {
			kept = append(kept, p)
		}
	}
	u.PkgInfoList = kept
	return u
}

func findRecipeFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch d.Name() {
		case standaloneScriptName, yamlBundleName:
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// standaloneUnit builds the single unit for an autogen.py-equivalent
// script, whose pkginfo is derived from its parent/grandparent directory
// names and whose defaults come from an optional sibling
// global_defaults.yaml.
func standaloneUnit(file, fixupsRoot string) (Unit, error) {
	dir := filepath.Dir(file)
	pkgName := filepath.Base(dir)
	cat := filepath.Base(filepath.Dir(dir))
	defaults := map[string]yamlmerge.Value{}
	if gd, err := os.ReadFile(filepath.Join(dir, globalDefaultsName)); err == nil {
		var parsed map[string]any
		if err := yaml.Unmarshal(gd, &parsed); err != nil {
			return Unit{}, errors.Wrapf(ferrors.ConfigurationError, "recipe: %s: %v", globalDefaultsName, err)
		}
		defaults = yamlmerge.ToMap(yamlmerge.FromAny(parsed))
	}
	return Unit{
		GenPath:      dir,
		GeneratorRef: file,
		TemplatePath: filepath.Join(dir, "templates"),
		Defaults:     defaults,
		PkgInfoList:  []PkgInfo{{"name": pkgName, "cat": cat}},
		AutogenID:    dir,
	}, nil
}

// yamlRule mirrors the shape of one top-level entry in an autogen.yaml
// bundle: { defaults, generator, packages }.
type yamlRule struct {
	Defaults  map[string]any `yaml:"defaults"`
	Generator string         `yaml:"generator"`
	Packages  []any          `yaml:"packages"`
}

func yamlUnits(file, fixupsRoot string) ([]Unit, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "recipe: reading autogen.yaml")
	}
	var bundle map[string]yamlRule
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, errors.Wrapf(ferrors.ConfigurationError, "recipe: %s: %v", file, err)
	}
	yamlBase := filepath.Dir(file)
	cat := inferCategory(yamlBase, fixupsRoot)

	globalDefaults := map[string]yamlmerge.Value{}
	if gd, err := os.ReadFile(filepath.Join(yamlBase, globalDefaultsName)); err == nil {
		var parsed map[string]any
		if err := yaml.Unmarshal(gd, &parsed); err != nil {
			return nil, errors.Wrapf(ferrors.ConfigurationError, "recipe: %s: %v", globalDefaultsName, err)
		}
		globalDefaults = yamlmerge.ToMap(yamlmerge.FromAny(parsed))
	}

	var units []Unit
	for ruleName, rule := range bundle {
		genPath, genRef, err := resolveGenerator(yamlBase, rule.Generator, fixupsRoot)
		if err != nil {
			return nil, errors.Wrapf(err, "recipe: rule %q in %s", ruleName, file)
		}
		defaults := yamlmerge.ToMap(yamlmerge.FromAny(rule.Defaults))
		if _, ok := defaults["cat"]; !ok && cat != "" {
			defaults["cat"] = cat
		}
		defaults, err = yamlmerge.Merge(globalDefaults, defaults, true)
		if err != nil {
			return nil, errors.Wrapf(err, "recipe: merging global defaults for rule %q", ruleName)
		}

		var pkginfoList []PkgInfo
		for _, pkg := range rule.Packages {
			ruleDefaults, entries, err := parsePackageEntry(pkg)
			if err != nil {
				return nil, errors.Wrapf(err, "recipe: rule %q", ruleName)
			}
			defaults, err = yamlmerge.Merge(defaults, ruleDefaults, true)
			if err != nil {
				return nil, errors.Wrapf(err, "recipe: merging package-local defaults for rule %q", ruleName)
			}
			pkginfoList = append(pkginfoList, entries...)
		}

		units = append(units, Unit{
			GenPath:      yamlBase,
			GeneratorRef: genRef,
			TemplatePath: filepath.Join(yamlBase, "templates"),
			Defaults:     defaults,
			PkgInfoList:  pkginfoList,
			AutogenID:    genPath + "#" + ruleName,
		})
	}
	return units, nil
}

func inferCategory(yamlBase, fixupsRoot string) string {
	rel, err := filepath.Rel(fixupsRoot, yamlBase)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) > 0 && parts[0] != "." {
		return parts[0]
	}
	return ""
}

// resolveGenerator looks up <name>.py in (1) the generators/ directory
// next to the YAML, then (2) fixupsRoot's generators/ directory. No other
// repository's generators/ directory is searched.
func resolveGenerator(yamlBase, name, fixupsRoot string) (genPath, genRef string, err error) {
	if name == "" {
		// Ad-hoc fallback: generator.py alongside the autogen.yaml.
		ref := filepath.Join(yamlBase, "generator.py")
		if _, statErr := os.Stat(ref); statErr == nil {
			return yamlBase, ref, nil
		}
		return "", "", errors.Wrap(ferrors.RecipeError, "recipe: no generator specified and no ad-hoc generator.py present")
	}
	candidates := []string{filepath.Join(yamlBase, "generators")}
	if fixupsRoot != "" {
		candidates = append(candidates, filepath.Join(fixupsRoot, "generators"))
	}
	for _, dir := range candidates {
		ref := filepath.Join(dir, name+".py")
		if _, statErr := os.Stat(ref); statErr == nil {
			return dir, ref, nil
		}
	}
	return "", "", errors.Wrapf(ferrors.RecipeError, "recipe: required generator %q not found", name)
}

// parsePackageEntry expands one `packages` list item into zero or more
// pkginfo entries plus any package-local defaults, per the
// package-entry forms.
func parsePackageEntry(entry any) (defaults map[string]yamlmerge.Value, out []PkgInfo, err error) {
	switch v := entry.(type) {
	case string:
		return map[string]yamlmerge.Value{}, []PkgInfo{{"name": v}}, nil
	case map[string]any:
		if len(v) != 1 {
			return nil, nil, errors.Wrapf(ferrors.ConfigurationError, "recipe: package mapping must have exactly one key, got %d", len(v))
		}
		var pkgName string
		var section map[string]any
		for k, val := range v {
			pkgName = k
			sm, ok := val.(map[string]any)
			if !ok {
				return nil, nil, errors.Wrapf(ferrors.ConfigurationError, "recipe: package %q value must be a mapping", k)
			}
			section = sm
		}
		return expandPkgSection(pkgName, section)
	default:
		return nil, nil, errors.Wrapf(ferrors.ConfigurationError, "recipe: unrecognized package entry type %T", entry)
	}
}

func expandPkgSection(pkgName string, section map[string]any) (defaults map[string]yamlmerge.Value, out []PkgInfo, err error) {
	versionsRaw, hasVersions := section["versions"]
	if !hasVersions {
		entry := yamlmerge.ToMap(yamlmerge.FromAny(section))
		entry["name"] = pkgName
		return map[string]yamlmerge.Value{}, []PkgInfo{entry}, nil
	}
	versions, ok := versionsRaw.(map[string]any)
	if !ok {
		if versionsFloat, ok := versionsRaw.(map[any]any); ok {
			versions = map[string]any{}
			for k, val := range versionsFloat {
				versions[fmt.Sprint(k)] = val
			}
		} else {
			return nil, nil, errors.Wrap(ferrors.ConfigurationError, "recipe: 'versions' must be a mapping; lists are not supported")
		}
	}
	localDefaults := map[string]any{}
	for k, val := range section {
		if k == "versions" {
			continue
		}
		localDefaults[k] = val
	}
	for _, version := range sortedVersionKeys(versions) {
		vSectionRaw := versions[version]
		vSection, _ := vSectionRaw.(map[string]any)
		merged, err := yamlmerge.Merge(
			yamlmerge.ToMap(yamlmerge.FromAny(localDefaults)),
			yamlmerge.ToMap(yamlmerge.FromAny(vSection)),
			true,
		)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "recipe: merging version %q of %q", version, pkgName)
		}
		merged["name"] = pkgName
		if normalized, ok := normalizeVersionKey(version); ok {
			merged["version"] = normalized
		} else {
			delete(merged, "version")
		}
		out = append(out, merged)
	}
	return map[string]yamlmerge.Value{}, out, nil
}

// sortedVersionKeys orders a package's declared `versions` keys so that
// expandPkgSection's output is deterministic across runs (map iteration
// order is not), comparing version-aware where segments are numeric and
// falling back to a lexical tie-break otherwise.
func sortedVersionKeys(versions map[string]any) []string {
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := compareVersions(keys[i], keys[j]); c != 0 {
			return c < 0
		}
		return keys[i] < keys[j]
	})
	return keys
}

// compareVersions orders two version keys by their dot-separated segments:
// numerically where both segments parse as integers (so "1.10" sorts after
// "1.9"), lexically otherwise, with the shorter version first on a shared
// prefix.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if as[i] != bs[i] {
			return strings.Compare(as[i], bs[i])
		}
	}
	return len(as) - len(bs)
}

// normalizeVersionKey applies the version-key rules: "latest", null, or
// empty strips the version field. Float-valued keys (YAML parses an
// unquoted "1.2" key as a number) were already coerced to text when the
// decoded map[any]any was stringified, so a key arriving here is kept
// verbatim; re-parsing it as a float would corrupt a quoted "1.20".
func normalizeVersionKey(key string) (string, bool) {
	if key == "" || key == "latest" || key == "null" || key == "<nil>" {
		return "", false
	}
	return key, true
}
