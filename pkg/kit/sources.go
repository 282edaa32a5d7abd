// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package kit

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/funtoo/metatools/pkg/ferrors"
	"github.com/funtoo/metatools/pkg/gittree"
	"github.com/funtoo/metatools/pkg/release"
)

// SourceManager materializes SourceRepository definitions onto
// disk as singleton checkouts keyed by repo name: re-requesting a repo
// already checked out to a different branch/SHA re-points the existing
// worktree via Tree.Checkout rather than cloning again.
type SourceManager struct {
	Root string // base directory; each repo lives at Root/<name>

	mu    sync.Mutex
	trees map[string]*gittree.Tree
	refs  map[string]string // name -> "branch@sha" the tree currently reflects
}

// NewSourceManager returns a SourceManager rooted at root.
func NewSourceManager(root string) *SourceManager {
	return &SourceManager{Root: root, trees: map[string]*gittree.Tree{}, refs: map[string]string{}}
}

// Checkout ensures def's repository is cloned under Root and checked out
// to def.Branch (or def.SrcSHA1, which takes precedence), returning the
// local checkout path.
func (m *SourceManager) Checkout(ctx context.Context, def release.RepositoryDef) (string, error) {
	if def.Name == "" {
		return "", errors.Wrap(ferrors.ConfigurationError, "kit: source repository has no name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	want := def.Branch + "@" + def.SrcSHA1
	path := filepath.Join(m.Root, def.Name)

	tree, cached := m.trees[def.Name]
	if !cached {
		t, err := m.openOrClone(ctx, def, path)
		if err != nil {
			return "", err
		}
		tree = t
		m.trees[def.Name] = t
	}
	if m.refs[def.Name] != want {
		if err := tree.Checkout(ctx, def.Branch, def.SrcSHA1); err != nil {
			return "", err
		}
		m.refs[def.Name] = want
	}
	return path, nil
}

func (m *SourceManager) openOrClone(ctx context.Context, def release.RepositoryDef, path string) (*gittree.Tree, error) {
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return gittree.Open(path)
	}
	if def.URL == "" {
		return nil, errors.Wrapf(ferrors.ConfigurationError, "kit: source repository %q has no url and no existing checkout", def.Name)
	}
	return gittree.Clone(ctx, def.URL, path, def.Branch)
}

// CollectionLicenses is a LicenseSource over an ordered list of source
// repository checkout paths. FindLicense searches licenses/<name> in
// reverse precedence order, so a later repository in the collection wins.
type CollectionLicenses struct {
	Paths []string
}

// FindLicense returns the named license's content from the last
// repository in Paths that carries it.
func (c CollectionLicenses) FindLicense(name string) ([]byte, bool, error) {
	for i := len(c.Paths) - 1; i >= 0; i-- {
		content, err := os.ReadFile(filepath.Join(c.Paths[i], "licenses", name))
		if err == nil {
			return content, true, nil
		}
		if !os.IsNotExist(err) {
			return nil, false, errors.Wrapf(err, "kit: reading license %s", name)
		}
	}
	return nil, false, nil
}

// OrderedPaths maps collection member names to their checkout paths,
// preserving the collection's declared order.
func OrderedPaths(names []string, repos SourceRepos) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if p, ok := repos[n]; ok {
			out = append(out, p)
		}
	}
	return out
}

// CheckoutCollection resolves every repository name referenced by a
// source-collection into a materialized checkout, returning name -> path.
func (m *SourceManager) CheckoutCollection(ctx context.Context, def *release.Definition, collectionOrRepo string) (SourceRepos, error) {
	out := SourceRepos{}
	names, isCollection := def.SourceCollections[collectionOrRepo]
	if !isCollection {
		names = []string{collectionOrRepo}
	}
	for _, name := range names {
		repoDef, ok := def.Repositories[name]
		if !ok {
			return nil, errors.Wrapf(ferrors.ConfigurationError, "kit: unknown source repository %q", name)
		}
		path, err := m.Checkout(ctx, repoDef)
		if err != nil {
			return nil, errors.Wrapf(err, "kit: checking out source repository %q", name)
		}
		out[name] = path
	}
	return out, nil
}
