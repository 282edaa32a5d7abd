// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

package gittree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func testAuthor() object.Signature {
	return object.Signature{Name: "metatools", Email: "metatools@funtoo.org"}
}

func writeAndCommit(t *testing.T, tree *Tree, name, content, message string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(tree.Path, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	sha, err := tree.CommitAll(message, testAuthor())
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	return sha
}

func TestInitAndCommitAll(t *testing.T) {
	dir := t.TempDir()
	tree, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	sha := writeAndCommit(t, tree, "README", "hello", "initial commit")
	if sha == "" {
		t.Fatal("expected a non-empty commit sha")
	}
	head, err := tree.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != sha {
		t.Errorf("Head() = %s, want %s", head, sha)
	}
}

func TestOpenOrInit(t *testing.T) {
	dir := t.TempDir()
	// First call initializes.
	t1, err := OpenOrInit(dir)
	if err != nil {
		t.Fatalf("OpenOrInit (init): %v", err)
	}
	writeAndCommit(t, t1, "a", "1", "first")

	// Second call opens the same repo rather than re-initializing.
	t2, err := OpenOrInit(dir)
	if err != nil {
		t.Fatalf("OpenOrInit (open): %v", err)
	}
	head, err := t2.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head == "" {
		t.Error("expected the re-opened repo to already have a commit")
	}
}

func TestCommitAllExcluding(t *testing.T) {
	dir := t.TempDir()
	tree, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "kits", "core-kit"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "kits", "core-kit", "x"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	sha, err := tree.CommitAllExcluding("meta-repo update", testAuthor(), []string{"kits"})
	if err != nil {
		t.Fatalf("CommitAllExcluding: %v", err)
	}
	if sha == "" {
		t.Fatal("expected a commit sha")
	}

	commit, err := tree.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		t.Fatalf("CommitObject: %v", err)
	}
	commitTree, err := commit.Tree()
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if _, err := commitTree.FindEntry("kits"); err == nil {
		t.Error("expected kits/ to be excluded from the commit")
	}
	if _, err := commitTree.FindEntry("metadata.json"); err != nil {
		t.Error("expected metadata.json to be included in the commit")
	}
}

func TestCheckoutBySHA(t *testing.T) {
	ctx := context.Background()
	upstreamDir := t.TempDir()
	upstream, err := Init(upstreamDir)
	if err != nil {
		t.Fatalf("Init upstream: %v", err)
	}
	first := writeAndCommit(t, upstream, "f", "v1", "v1")
	writeAndCommit(t, upstream, "f", "v2", "v2")

	cloneDir := t.TempDir()
	clone, err := Clone(ctx, "file://"+upstreamDir, cloneDir, "")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if err := clone.Checkout(ctx, "", first); err != nil {
		t.Fatalf("Checkout(sha): %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(cloneDir, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "v1" {
		t.Errorf("after checking out the first commit, f = %q, want %q", raw, "v1")
	}
}

func TestCloneBareAndPushMirror(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	src, err := Init(srcDir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	writeAndCommit(t, src, "a", "1", "initial")

	bareDir := t.TempDir()
	bare, err := CloneBare(ctx, srcDir, filepath.Join(bareDir, "bare.git"))
	if err != nil {
		t.Fatalf("CloneBare: %v", err)
	}

	mirrorUpstreamDir := t.TempDir()
	if _, err := git.PlainInit(filepath.Join(mirrorUpstreamDir, "mirror.git"), true); err != nil {
		t.Fatalf("Init mirror upstream: %v", err)
	}
	if err := bare.AddRemote("mirror", "file://"+filepath.Join(mirrorUpstreamDir, "mirror.git")); err != nil {
		t.Fatalf("AddRemote: %v", err)
	}
	if err := bare.PushMirror(ctx, "mirror"); err != nil {
		t.Fatalf("PushMirror: %v", err)
	}
}
