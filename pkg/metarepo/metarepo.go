// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package metarepo orchestrates a release's kits respecting
// master/dependent ordering, writes the meta-repo's own metadata files
// (kit SHAs, kit settings, release info), commits the meta-repo, and
// mirrors it (and each kit) to configured remotes.
package metarepo

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/funtoo/metatools/pkg/ferrors"
	"github.com/funtoo/metatools/pkg/gittree"
	"github.com/funtoo/metatools/pkg/release"
)

// KitBuilder runs one kit's full regeneration cycle (typically backed by
// a *kit.Assembler the caller constructs with that kit's source/fixups
// wiring) and reports its finalize commit SHA.
type KitBuilder func(ctx context.Context, def release.KitDef) (headSHA string, err error)

// KitFailure records one dependent kit's regeneration failure. A
// dependent-kit failure skips only that kit rather than aborting the
// release.
type KitFailure struct {
	Kit string
	Err error
}

// Config configures one release's meta-repo regeneration.
type Config struct {
	Release *release.Definition
	Build   KitBuilder

	// MetaRepoDir is the meta-repo's own git worktree root; kit worktrees
	// conventionally live under MetaRepoDir/kits/<name> but are committed
	// to their own repositories, not the meta-repo's; the meta-repo commit
	// skips the nested kits/ tree.
	MetaRepoDir string

	// RemoteMode selects which of the release YAML's remotes.{dev,prod}
	// entries supplies mirror URL templates ("{repo}" substituted with
	// the kit/meta-repo's own remote repo name).
	RemoteMode   string // "dev" or "prod"
	Mirror       bool
	Push         bool
	CommitAuthor object.Signature

	// Strict, if true, skips writing the meta-repo metadata entirely when
	// any kit failed this run. The default (false) writes what succeeded.
	Strict bool
}

// Result is what one meta-repo regeneration produced.
type Result struct {
	KitSHAs         map[string]map[string]string // kit -> branch -> sha1
	Failures        []KitFailure
	MetaRepoHeadSHA string
}

// Controller runs one release's meta-repo regeneration.
type Controller struct {
	cfg Config
}

// New constructs a Controller for cfg.
func New(cfg Config) *Controller {
	if cfg.RemoteMode == "" {
		cfg.RemoteMode = "dev"
	}
	return &Controller{cfg: cfg}
}

// Run validates the kit graph, builds master kits then dependent kits,
// writes meta-repo metadata, commits, and (if configured) mirrors.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	masterNames, err := c.validateMasters()
	if err != nil {
		return nil, err
	}

	var masterDefs, dependentDefs []release.KitDef
	for _, name := range sortedKitNames(c.cfg.Release) {
		def := c.cfg.Release.Kits[name]
		if _, isMaster := masterNames[name]; isMaster {
			masterDefs = append(masterDefs, def)
		} else {
			dependentDefs = append(dependentDefs, def)
		}
	}

	result := &Result{KitSHAs: map[string]map[string]string{}}

	// Master-kit jobs run concurrently among themselves, but every one of
	// them must finish before any dependent job starts; a single master
	// failure aborts the whole release.
	mg, mgctx := errgroup.WithContext(ctx)
	var mmu sync.Mutex
	for _, def := range masterDefs {
		def := def
		mg.Go(func() error {
			sha, err := c.cfg.Build(mgctx, def)
			if err != nil {
				return errors.Wrapf(err, "metarepo: master kit %s failed", def.Name)
			}
			mmu.Lock()
			recordSHA(result, def, sha)
			mmu.Unlock()
			return nil
		})
	}
	if err := mg.Wait(); err != nil {
		return nil, err
	}

	// Dependent-kit jobs run concurrently; a failure is recorded but does
	// not cancel siblings or abort the release.
	dg, dgctx := errgroup.WithContext(ctx)
	var dmu sync.Mutex
	for _, def := range dependentDefs {
		def := def
		dg.Go(func() error {
			sha, err := c.cfg.Build(dgctx, def)
			if err != nil {
				dmu.Lock()
				result.Failures = append(result.Failures, KitFailure{Kit: def.Name, Err: err})
				dmu.Unlock()
				return nil
			}
			dmu.Lock()
			recordSHA(result, def, sha)
			dmu.Unlock()
			return nil
		})
	}
	_ = dg.Wait()

	if len(result.Failures) > 0 && c.cfg.Strict {
		return result, nil
	}

	if err := c.writeMetadata(result); err != nil {
		return nil, err
	}
	sha, err := c.commit()
	if err != nil {
		return nil, err
	}
	result.MetaRepoHeadSHA = sha

	if c.cfg.Mirror {
		if err := c.mirrorAll(ctx, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func recordSHA(result *Result, def release.KitDef, sha string) {
	if result.KitSHAs[def.Name] == nil {
		result.KitSHAs[def.Name] = map[string]string{}
	}
	result.KitSHAs[def.Name][def.Branch] = sha
}

// validateMasters computes all_masters = ∪ kit.masters and checks every
// named master exists exactly once (map-keyed storage already guarantees
// at-most-one; this adds the existence check).
func (c *Controller) validateMasters() (map[string]struct{}, error) {
	all := map[string]struct{}{}
	for _, def := range c.cfg.Release.Kits {
		for _, m := range def.Masters {
			if _, ok := c.cfg.Release.Kits[m]; !ok {
				return nil, errors.Wrapf(ferrors.ConfigurationError, "metarepo: kit %q declares undefined master %q", def.Name, m)
			}
			all[m] = struct{}{}
		}
	}
	if err := detectMasterCycle(c.cfg.Release); err != nil {
		return nil, err
	}
	return all, nil
}

// detectMasterCycle fails at load time if kit.masters forms a cycle.
func detectMasterCycle(def *release.Definition) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return errors.Wrapf(ferrors.ConfigurationError, "metarepo: cycle in kit masters: %s", strings.Join(append(stack, name), " -> "))
		}
		color[name] = gray
		for _, m := range def.Kits[name].Masters {
			if err := visit(m, append(stack, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range def.Kits {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

func sortedKitNames(def *release.Definition) []string {
	names := make([]string, 0, len(def.Kits))
	for name := range def.Kits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// writeMetadata writes metadata/kit-sha1.json, metadata/kit-info.json, and
// metadata/version.json.
func (c *Controller) writeMetadata(result *Result) error {
	dir := filepath.Join(c.cfg.MetaRepoDir, "metadata")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "metarepo: creating %s", dir)
	}
	if err := writeJSON(filepath.Join(dir, "kit-sha1.json"), result.KitSHAs); err != nil {
		return err
	}

	kitOrder := sortedKitNames(c.cfg.Release)
	kitSettings := map[string]any{}
	releaseDefs := map[string][]string{}
	for _, name := range kitOrder {
		def := c.cfg.Release.Kits[name]
		kitSettings[name] = map[string]any{
			"stability": def.Stability,
			"type":      "auto",
		}
		if !def.Deprecated {
			releaseDefs[name] = []string{def.Branch}
		}
	}
	kitInfo := map[string]any{
		"kit_order":    kitOrder,
		"kit_settings": kitSettings,
		"release_defs": releaseDefs,
		"release_info": c.cfg.Release.Metadata,
	}
	if err := writeJSON(filepath.Join(dir, "kit-info.json"), kitInfo); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "version.json"), c.cfg.Release.Metadata)
}

func writeJSON(path string, v any) error {
	// Deterministic output: encoding/json already sorts map keys.
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "metarepo: marshaling %s", path)
	}
	b = append(b, '\n')
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrapf(err, "metarepo: writing %s", path)
	}
	return nil
}

func (c *Controller) commit() (string, error) {
	tree, err := gittree.OpenOrInit(c.cfg.MetaRepoDir)
	if err != nil {
		return "", err
	}
	return tree.CommitAllExcluding("kit updates", c.cfg.CommitAuthor, []string{"kits"})
}

// templateRemote substitutes the "{repo}" placeholder in a remote URL
// template with repoName.
func templateRemote(tmpl, repoName string) string {
	return strings.ReplaceAll(tmpl, "{repo}", repoName)
}

// mirrorAll pushes the meta-repo and every successfully built kit to each
// of its configured mirror URLs.
func (c *Controller) mirrorAll(ctx context.Context, result *Result) error {
	remote, ok := c.cfg.Release.Remotes[c.cfg.RemoteMode]
	if !ok {
		return nil
	}
	if err := c.mirrorOne(ctx, c.cfg.MetaRepoDir, "meta-repo", remote.Mirrors); err != nil {
		return err
	}
	for name := range result.KitSHAs {
		kitDir := filepath.Join(c.cfg.MetaRepoDir, "kits", name)
		if _, err := os.Stat(kitDir); err != nil {
			continue
		}
		if err := c.mirrorOne(ctx, kitDir, name, remote.Mirrors); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) mirrorOne(ctx context.Context, localPath, repoName string, mirrorTemplates []string) error {
	for _, tmpl := range mirrorTemplates {
		url := templateRemote(tmpl, repoName)
		tmp, err := os.MkdirTemp("", "metatools-mirror-")
		if err != nil {
			return errors.Wrap(err, "metarepo: creating mirror temp dir")
		}
		bare, err := gittree.CloneBare(ctx, localPath, tmp)
		if err != nil {
			os.RemoveAll(tmp)
			return err
		}
		if err := bare.AddRemote("mirror", url); err != nil {
			os.RemoveAll(tmp)
			return err
		}
		err = bare.PushMirror(ctx, "mirror")
		os.RemoveAll(tmp)
		if err != nil {
			return errors.Wrapf(err, "metarepo: mirroring %s to %s", repoName, url)
		}
	}
	return nil
}
