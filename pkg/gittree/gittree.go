// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package gittree is the GitTree collaborator the kit assembler and
// meta-repo controller use for VCS operations: clone/open/checkout,
// whole-tree commits with optional path exclusion, and mirror pushes,
// backed by go-git with a native-git fast path for clones.
package gittree

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"

	"github.com/funtoo/metatools/pkg/ferrors"
)

var (
	nativeGitAvailable     bool
	nativeGitAvailableOnce sync.Once
)

// hasNativeGit reports whether the native git binary is on PATH.
// Cloning a full Gentoo or Funtoo package tree is large enough that
// shelling out to native git materially beats go-git's pure-Go
// implementation, so Clone prefers it when present and falls back to
// go-git otherwise. gittree only ever deals in OS-backed worktrees.
func hasNativeGit() bool {
	nativeGitAvailableOnce.Do(func() {
		_, err := exec.LookPath("git")
		nativeGitAvailable = err == nil
	})
	return nativeGitAvailable
}

// nativeClone shells out to `git clone` and hands the result back to
// go-git via PlainOpen so the rest of Tree's API stays storer-agnostic.
func nativeClone(ctx context.Context, url, path, referenceName string) (*git.Repository, error) {
	args := []string{"clone"}
	if referenceName != "" {
		args = append(args, "--branch", referenceName)
	}
	args = append(args, url, path)
	cmd := exec.CommandContext(ctx, "git", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, errors.Errorf("native git clone failed: %s", output)
	}
	return git.PlainOpen(path)
}

// Tree wraps an on-disk git worktree.
type Tree struct {
	Path string
	repo *git.Repository
}

// Open opens an existing repository at path, or Init creates one.
func Open(path string) (*Tree, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, errors.Wrapf(ferrors.GitTreeError, "gittree: opening %s: %v", path, err)
	}
	return &Tree{Path: path, repo: repo}, nil
}

// Init creates a new repository at path.
func Init(path string) (*Tree, error) {
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, errors.Wrapf(ferrors.GitTreeError, "gittree: initializing %s: %v", path, err)
	}
	return &Tree{Path: path, repo: repo}, nil
}

// OpenOrInit opens path as a git repository, initializing one if absent.
func OpenOrInit(path string) (*Tree, error) {
	t, err := Open(path)
	if err == nil {
		return t, nil
	}
	return Init(path)
}

// Clone clones url into path, preferring the native git binary when
// available and falling back to go-git otherwise.
func Clone(ctx context.Context, url, path string, referenceName string) (*Tree, error) {
	if hasNativeGit() {
		if repo, err := nativeClone(ctx, url, path, referenceName); err == nil {
			return &Tree{Path: path, repo: repo}, nil
		}
		os.RemoveAll(path)
	}
	opts := &git.CloneOptions{URL: url}
	if referenceName != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(referenceName)
	}
	repo, err := git.PlainCloneContext(ctx, path, false, opts)
	if err != nil {
		return nil, errors.Wrapf(ferrors.GitTreeError, "gittree: cloning %s: %v", url, err)
	}
	return &Tree{Path: path, repo: repo}, nil
}

// CloneBare makes a bare clone of the repository at srcPath (a local
// filesystem path) into destPath, for the meta-repo controller's mirror
// flow (clone bare to a temp dir, add the mirror as a remote, then
// push --mirror).
func CloneBare(ctx context.Context, srcPath, destPath string) (*Tree, error) {
	repo, err := git.PlainCloneContext(ctx, destPath, true, &git.CloneOptions{URL: srcPath})
	if err != nil {
		return nil, errors.Wrapf(ferrors.GitTreeError, "gittree: bare-cloning %s: %v", srcPath, err)
	}
	return &Tree{Path: destPath, repo: repo}, nil
}

// CommitAll stages every change in the worktree and commits with message,
// returning the new commit's SHA. Used by the kit assembler's finalize
// step and the meta-repo controller.
func (t *Tree) CommitAll(message string, author object.Signature) (string, error) {
	return t.CommitAllExcluding(message, author, nil)
}

// CommitAllExcluding stages every top-level entry of the worktree except
// those named in exclude, and commits with message. Used by the meta-repo
// controller to commit everything except the nested kits/ tree.
func (t *Tree) CommitAllExcluding(message string, author object.Signature, exclude []string) (string, error) {
	wt, err := t.repo.Worktree()
	if err != nil {
		return "", errors.Wrap(ferrors.GitTreeError, "gittree: getting worktree")
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		skip[name] = struct{}{}
	}
	entries, err := os.ReadDir(t.Path)
	if err != nil {
		return "", errors.Wrapf(ferrors.GitTreeError, "gittree: reading %s: %v", t.Path, err)
	}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		if _, ok := skip[e.Name()]; ok {
			continue
		}
		if _, err := wt.Add(e.Name()); err != nil {
			return "", errors.Wrapf(ferrors.GitTreeError, "gittree: staging %s: %v", e.Name(), err)
		}
	}
	if author.When.IsZero() {
		author.When = time.Now()
	}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: &author})
	if err != nil {
		return "", errors.Wrap(ferrors.GitTreeError, "gittree: committing")
	}
	return hash.String(), nil
}

// Checkout fetches from origin and switches the worktree to referenceName
// (a branch name) or, if sha is non-empty, to that exact commit. This
// implements the data model's "re-initializing to a different branch/SHA
// requires a checkout, not a re-clone" rule for SourceRepository.
func (t *Tree) Checkout(ctx context.Context, referenceName, sha string) error {
	err := t.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin", Force: true})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.Wrapf(ferrors.GitTreeError, "gittree: fetching %s: %v", t.Path, err)
	}
	wt, err := t.repo.Worktree()
	if err != nil {
		return errors.Wrap(ferrors.GitTreeError, "gittree: getting worktree")
	}
	opts := &git.CheckoutOptions{Force: true}
	switch {
	case sha != "":
		opts.Hash = plumbing.NewHash(sha)
	case referenceName != "":
		opts.Branch = plumbing.NewRemoteReferenceName("origin", referenceName)
	}
	if err := wt.Checkout(opts); err != nil {
		return errors.Wrapf(ferrors.GitTreeError, "gittree: checking out %s in %s: %v", referenceName, t.Path, err)
	}
	return nil
}

// Head returns the current HEAD commit SHA.
func (t *Tree) Head() (string, error) {
	ref, err := t.repo.Head()
	if err != nil {
		return "", errors.Wrap(ferrors.GitTreeError, "gittree: resolving HEAD")
	}
	return ref.Hash().String(), nil
}

// AddRemote adds (or replaces) a named remote pointing at url.
func (t *Tree) AddRemote(name, url string) error {
	_ = t.repo.DeleteRemote(name)
	_, err := t.repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
	if err != nil {
		return errors.Wrapf(ferrors.GitTreeError, "gittree: adding remote %s: %v", name, err)
	}
	return nil
}

// PushMirror force-pushes every local ref to remoteName, mirroring
// `git push --mirror`.
func (t *Tree) PushMirror(ctx context.Context, remoteName string) error {
	err := t.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{"+refs/*:refs/*"},
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return errors.Wrapf(ferrors.GitTreeError, "gittree: pushing mirror to %s: %v", remoteName, err)
	}
	return nil
}

// Push pushes the current branch to remoteName.
func (t *Tree) Push(ctx context.Context, remoteName string) error {
	err := t.repo.PushContext(ctx, &git.PushOptions{RemoteName: remoteName})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return errors.Wrapf(ferrors.GitTreeError, "gittree: pushing to %s: %v", remoteName, err)
	}
	return nil
}

// Repository exposes the underlying *git.Repository for callers (e.g.
// pkg/metarepo's bare-clone-and-push-mirror flow) that need lower-level
// go-git access this wrapper doesn't cover.
func (t *Tree) Repository() *git.Repository { return t.repo }
