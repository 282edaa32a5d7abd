// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package kit

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ManifestFiledata is one DIST entry of a parsed Manifest: its hash names
// mapped to hex values, plus its recorded size.
type ManifestFiledata struct {
	Size  string
	Hexes map[string]string
}

// ParseManifest parses a Manifest file's DIST lines per the Manifest
// parsing rule: "DIST name size (hashname hexvalue)+". Non-DIST lines
// (OLD Manifest format's EBUILD/MISC/AUX lines) are ignored.
func ParseManifest(path string) (map[string]ManifestFiledata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ManifestFiledata{}, nil
		}
		return nil, errors.Wrapf(err, "kit: reading %s", path)
	}
	out := map[string]ManifestFiledata{}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "DIST" {
			continue
		}
		name, size, rest := fields[1], fields[2], fields[3:]
		hexes := map[string]string{}
		for i := 0; i+1 < len(rest); i += 2 {
			hexes[rest[i]] = rest[i+1]
		}
		out[name] = ManifestFiledata{Size: size, Hexes: hexes}
	}
	return out, nil
}

// ReduceToDistLines rewrites path to contain only its DIST lines, dropping
// any other recorded entry type.
func ReduceToDistLines(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "kit: reading %s", path)
	}
	var kept []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "DIST ") {
			kept = append(kept, line)
		}
	}
	out := strings.Join(kept, "\n")
	if len(kept) > 0 {
		out += "\n"
	}
	return os.WriteFile(path, []byte(out), 0o644)
}

// reduceAllManifests walks root for every Manifest file and reduces each
// to its DIST lines.
func reduceAllManifests(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == "Manifest" {
			return ReduceToDistLines(p)
		}
		return nil
	})
}
