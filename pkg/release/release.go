// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package release parses the release definition
// (`releases/<name>/repositories.yaml`) and the per-kit package YAML
// consumed by the kit assembler, using pkg/yamlmerge for the
// kit-defaults merge rule.
package release

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/funtoo/metatools/pkg/ferrors"
	"github.com/funtoo/metatools/pkg/yamlmerge"
)

// Kind distinguishes the two kit variants; an Assembler dispatches on it
// rather than on a type hierarchy.
type Kind string

const (
	KindAuto    Kind = "auto"
	KindSourced Kind = "sourced"
)

// EclassesSpec is one kit's `eclasses:` block: `mask` names are always
// skipped; `include` maps a source repo name to either ["*"] (every
// eclass from that repo, less mask) or an explicit name list.
type EclassesSpec struct {
	Mask    []string            `yaml:"mask"`
	Include map[string][]string `yaml:"include"`
}

// RemoteSpec is one of `remotes.dev` / `remotes.prod` in the release YAML.
type RemoteSpec struct {
	URL     string   `yaml:"url"`
	Mirrors []string `yaml:"mirrors"`
}

// RepositoryDef is one entry of the release YAML's `repositories:` list.
type RepositoryDef struct {
	Name      string `yaml:"-"`
	URL       string `yaml:"url"`
	Branch    string `yaml:"branch"`
	SrcSHA1   string `yaml:"src_sha1"`
	Copyright string `yaml:"copyright"`
	Eclasses  string `yaml:"eclasses"`
	Notes     string `yaml:"notes"`
}

// KitDef is one entry of `kit-definitions.kits`.
type KitDef struct {
	Name       string            `yaml:"-"`
	Kind       Kind              `yaml:"kind"`
	Source     string            `yaml:"source"`
	Stability  map[string]string `yaml:"stability"`
	Branch     string            `yaml:"branch"`
	Eclasses   EclassesSpec      `yaml:"eclasses"`
	Priority   int               `yaml:"priority"`
	Aliases    []string          `yaml:"aliases"`
	Masters    []string          `yaml:"masters"`
	SyncURL    string            `yaml:"sync_url"`
	Group      string            `yaml:"group"`
	Settings   map[string]any    `yaml:"settings"`
	Deprecated bool              `yaml:"deprecated"`
}

// Definition is the fully parsed release YAML.
type Definition struct {
	Copyright         string                   `yaml:"copyright"`
	Metadata          map[string]any           `yaml:"metadata"`
	Remotes           map[string]RemoteSpec    `yaml:"remotes"`
	Repositories      map[string]RepositoryDef `yaml:"-"`
	SourceCollections map[string][]string      `yaml:"-"`
	Kits              map[string]KitDef        `yaml:"-"`
}

type rawDoc struct {
	Release struct {
		Copyright         string                `yaml:"copyright"`
		Metadata          map[string]any        `yaml:"metadata"`
		Remotes           map[string]RemoteSpec `yaml:"remotes"`
		Repositories      []map[string]any      `yaml:"repositories"`
		SourceCollections map[string][]any      `yaml:"source-collections"`
		KitDefinitions    struct {
			Defaults map[string]any `yaml:"defaults"`
			Kits     []any          `yaml:"kits"`
		} `yaml:"kit-definitions"`
	} `yaml:"release"`
}

// Load parses a repositories.yaml document at path into a Definition.
func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "release: reading %s", path)
	}
	return Parse(raw)
}

// Parse decodes the raw YAML bytes of a repositories.yaml document.
func Parse(raw []byte) (*Definition, error) {
	var doc rawDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(ferrors.ConfigurationError, "release: parsing repositories.yaml: %v", err)
	}
	def := &Definition{
		Copyright:         doc.Release.Copyright,
		Metadata:          doc.Release.Metadata,
		Remotes:           doc.Release.Remotes,
		Repositories:      map[string]RepositoryDef{},
		SourceCollections: map[string][]string{},
		Kits:              map[string]KitDef{},
	}
	for _, entry := range doc.Release.Repositories {
		name, repo, err := parseRepositoryEntry(entry)
		if err != nil {
			return nil, err
		}
		def.Repositories[name] = repo
	}
	for name, items := range doc.Release.SourceCollections {
		var names []string
		for _, item := range items {
			switch v := item.(type) {
			case string:
				names = append(names, v)
			case map[string]any:
				for k := range v {
					names = append(names, k)
				}
			}
		}
		def.SourceCollections[name] = names
	}
	globalDefaults := yamlmerge.ToMap(yamlmerge.FromAny(doc.Release.KitDefinitions.Defaults))
	for _, item := range doc.Release.KitDefinitions.Kits {
		kit, err := parseKitEntry(item, globalDefaults)
		if err != nil {
			return nil, err
		}
		def.Kits[kit.Name] = kit
	}
	return def, nil
}

func parseRepositoryEntry(entry map[string]any) (string, RepositoryDef, error) {
	if len(entry) != 1 {
		return "", RepositoryDef{}, errors.Wrapf(ferrors.ConfigurationError, "release: repository entry must have exactly one key, got %d", len(entry))
	}
	for name, body := range entry {
		section, _ := body.(map[string]any)
		repo := RepositoryDef{Name: name}
		if v, ok := section["url"].(string); ok {
			repo.URL = v
			if canon, ok := canonicalRepoURL(v); ok {
				repo.URL = canon
			}
		}
		if v, ok := section["branch"].(string); ok {
			repo.Branch = v
		}
		if v, ok := section["src_sha1"].(string); ok {
			repo.SrcSHA1 = v
		}
		if v, ok := section["copyright"].(string); ok {
			repo.Copyright = v
		}
		if v, ok := section["eclasses"].(string); ok {
			repo.Eclasses = v
		}
		if v, ok := section["notes"].(string); ok {
			repo.Notes = v
		}
		return name, repo, nil
	}
	panic("unreachable")
}

func parseKitEntry(item any, globalDefaults map[string]yamlmerge.Value) (KitDef, error) {
	switch v := item.(type) {
	case string:
		return KitDef{Name: v, Kind: KindAuto}, nil
	case map[string]any:
		if len(v) != 1 {
			return KitDef{}, errors.Wrapf(ferrors.ConfigurationError, "release: kit entry must have exactly one key, got %d", len(v))
		}
		for name, body := range v {
			section, _ := body.(map[string]any)
			merged, err := yamlmerge.Merge(globalDefaults, yamlmerge.ToMap(yamlmerge.FromAny(section)), true)
			if err != nil {
				return KitDef{}, errors.Wrapf(err, "release: merging defaults into kit %q", name)
			}
			return decodeKitDef(name, merged)
		}
	}
	return KitDef{}, errors.Wrapf(ferrors.ConfigurationError, "release: unrecognized kit entry type %T", item)
}

func decodeKitDef(name string, section map[string]yamlmerge.Value) (KitDef, error) {
	kit := KitDef{Name: name, Kind: KindAuto}
	if v, ok := section["kind"].(string); ok {
		kit.Kind = Kind(v)
	}
	if v, ok := section["source"].(string); ok {
		kit.Source = v
	}
	if v, ok := section["branch"].(string); ok {
		kit.Branch = v
	}
	if v, ok := section["group"].(string); ok {
		kit.Group = v
	}
	if v, ok := section["sync_url"].(string); ok {
		kit.SyncURL = v
	}
	if v, ok := section["priority"].(int); ok {
		kit.Priority = v
	}
	if v, ok := section["deprecated"].(bool); ok {
		kit.Deprecated = v
	}
	kit.Aliases = stringSlice(section["aliases"])
	kit.Masters = stringSlice(section["masters"])
	if v, ok := section["stability"].(map[string]yamlmerge.Value); ok {
		kit.Stability = map[string]string{}
		for branch, stab := range v {
			if s, ok := stab.(string); ok {
				kit.Stability[branch] = s
			}
		}
	}
	if v, ok := section["settings"].(map[string]yamlmerge.Value); ok {
		kit.Settings = make(map[string]any, len(v))
		for k, val := range v {
			kit.Settings[k] = val
		}
	}
	if v, ok := section["eclasses"].(map[string]yamlmerge.Value); ok {
		kit.Eclasses.Mask = stringSlice(v["mask"])
		if inc, ok := v["include"].(map[string]yamlmerge.Value); ok {
			kit.Eclasses.Include = map[string][]string{}
			for repo, names := range inc {
				kit.Eclasses.Include[repo] = stringSlice(names)
			}
		}
	}
	return kit, nil
}

// stringSlice extracts a []string from a merged yamlmerge.Value sequence,
// skipping non-string leaves.
func stringSlice(v yamlmerge.Value) []string {
	items, ok := v.([]yamlmerge.Value)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// PackagesYAML is one `<fixups>/<kit>[/<branch>|/curated]/packages.yaml`
// document.
type PackagesYAML struct {
	Packages  map[string][]string   `yaml:"-"`
	Eclasses  map[string][]string   `yaml:"-"`
	Copyfiles map[string][]Copyfile `yaml:"-"` // source repo name -> files to copy
	Exclude   []string              `yaml:"exclude"`
}

// Copyfile is one `copyfiles:` entry: copy Src to Dest (Dest defaults to
// Src's basename when empty).
type Copyfile struct {
	Src  string
	Dest string
}

type rawPackagesYAML struct {
	Packages  []map[string]any `yaml:"packages"`
	Eclasses  []map[string]any `yaml:"eclasses"`
	Copyfiles []map[string]any `yaml:"copyfiles"`
	Exclude   []string         `yaml:"exclude"`
}

// LoadPackagesYAML parses a packages.yaml document at path.
func LoadPackagesYAML(path string) (*PackagesYAML, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PackagesYAML{Packages: map[string][]string{}, Eclasses: map[string][]string{}}, nil
		}
		return nil, errors.Wrapf(err, "release: reading %s", path)
	}
	var doc rawPackagesYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(ferrors.ConfigurationError, "release: parsing %s: %v", path, err)
	}
	py := &PackagesYAML{
		Packages:  map[string][]string{},
		Eclasses:  map[string][]string{},
		Copyfiles: map[string][]Copyfile{},
		Exclude:   doc.Exclude,
	}
	for _, entry := range doc.Packages {
		for repo, catpkgs := range entry {
			py.Packages[repo] = append(py.Packages[repo], flattenLeaves(catpkgs)...)
		}
	}
	for _, entry := range doc.Eclasses {
		for repo, names := range entry {
			py.Eclasses[repo] = append(py.Eclasses[repo], flattenLeaves(names)...)
		}
	}
	// copyfiles has the same per-repo shape as packages/eclasses, but each
	// leaf is a {src, dest?} mapping rather than a bare catpkg string.
	for _, entry := range doc.Copyfiles {
		for repo, files := range entry {
			items, _ := files.([]any)
			for _, item := range items {
				m, _ := item.(map[string]any)
				src, _ := m["src"].(string)
				dest, _ := m["dest"].(string)
				if src != "" {
					py.Copyfiles[repo] = append(py.Copyfiles[repo], Copyfile{Src: src, Dest: dest})
				}
			}
		}
	}
	return py, nil
}

// flattenLeaves recursively collects the string leaves of an arbitrarily
// nested packages/eclasses list value; catpkg lists may be arbitrarily
// nested and only the leaves are taken.
func flattenLeaves(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, flattenLeaves(item)...)
		}
		return out
	default:
		return nil
	}
}
