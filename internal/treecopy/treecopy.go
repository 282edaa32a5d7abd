// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package treecopy is a rule-driven directory copy supporting
// exclude/mask filtering, as used by the kit assembler's
// eclass/catpkg/file population steps. Operates on real OS filesystems
// via go-billy's osfs.
package treecopy

import (
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"
)

// Rules filters what Copy transfers from src to dst.
type Rules struct {
	// Exclude is a set of ** glob patterns (see matchPattern); any source path
	// (relative to the copy root, always "/"-separated) matching one is
	// skipped, along with its descendants if it is a directory.
	Exclude []string
	// PruneDirNames are directory basenames removed wholesale wherever
	// encountered, e.g. "__pycache__".
	PruneDirNames []string
}

func (r Rules) excluded(relPath string) bool {
	for _, name := range r.PruneDirNames {
		for _, part := range strings.Split(relPath, "/") {
			if part == name {
				return true
			}
		}
	}
	for _, pattern := range r.Exclude {
		if matchPattern(pattern, relPath) {
			return true
		}
	}
	return false
}

// matchPattern matches a "/"-separated relative path against pattern. A
// "**" occupying a whole pattern segment matches any run of path segments,
// including none; every other segment matches per path.Match.
func matchPattern(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, name []string) bool {
	if len(pat) == 0 {
		return len(name) == 0
	}
	if pat[0] == "**" {
		for i := 0; i <= len(name); i++ {
			if matchSegments(pat[1:], name[i:]) {
				return true
			}
		}
		return false
	}
	if len(name) == 0 {
		return false
	}
	if ok, err := path.Match(pat[0], name[0]); err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], name[1:])
}

// Copy mirrors srcDir into dstDir on the real OS filesystem, applying
// rules. Destination files are overwritten; destination-only files are
// left untouched (the kit assembler's Clean step is responsible for
// establishing a blank destination where "replace" semantics are wanted).
func Copy(srcDir, dstDir string, rules Rules) error {
	src := osfs.New(srcDir)
	dst := osfs.New(dstDir)
	return copyFS(dst, src, rules)
}

// CopyTree copies every named top-level entry (a catpkg dir, a single
// eclass file, etc.) from srcDir/name to dstDir/name.
func CopyTree(srcDir, dstDir string, names []string, rules Rules) error {
	src := osfs.New(srcDir)
	dst := osfs.New(dstDir)
	for _, name := range names {
		info, err := src.Lstat(name)
		if err != nil {
			return errors.Wrapf(err, "treecopy: statting %s", name)
		}
		if info.IsDir() {
			if err := copySubtree(dst, src, name, rules); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(dst, src, name, info); err != nil {
			return err
		}
	}
	return nil
}

func copyFS(dst, src billy.Filesystem, rules Rules) error {
	return util.Walk(src, "/", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(p, "/")
		if rel == "" {
			return nil
		}
		if rules.excluded(rel) {
			if info.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return dst.MkdirAll(p, info.Mode())
		}
		return copyFile(dst, src, p, info)
	})
}

func copySubtree(dst, src billy.Filesystem, rootRel string, rules Rules) error {
	return util.Walk(src, rootRel, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(p, "/")
		if rules.excluded(rel) {
			if info.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return dst.MkdirAll(p, info.Mode())
		}
		return copyFile(dst, src, p, info)
	})
}

func copyFile(dst, src billy.Filesystem, p string, info fs.FileInfo) error {
	srcFile, err := src.Open(p)
	if err != nil {
		return errors.Wrapf(err, "treecopy: opening %s", p)
	}
	defer srcFile.Close()
	if dir := path.Dir(p); dir != "." && dir != "/" {
		if err := dst.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "treecopy: creating %s", dir)
		}
	}
	dstFile, err := dst.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return errors.Wrapf(err, "treecopy: creating %s", p)
	}
	defer dstFile.Close()
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return errors.Wrapf(err, "treecopy: copying %s", p)
	}
	return nil
}
