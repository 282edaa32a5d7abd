// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package kit implements the kit assembler: the per-kit
// clean/seed/populate/post-process/metadata/licenses/finalize pipeline
// that turns a release's kit definition plus its checked-out source trees
// and kit-fixups overlay into a committed, ready-to-publish kit git
// repository.
package kit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/funtoo/metatools/internal/treecopy"
	"github.com/funtoo/metatools/pkg/ferrors"
	"github.com/funtoo/metatools/pkg/gittree"
	"github.com/funtoo/metatools/pkg/kitcache"
	"github.com/funtoo/metatools/pkg/metadata"
	"github.com/funtoo/metatools/pkg/release"
)

// SourceRepos maps a source repository name to its materialized local
// checkout path, as produced by SourceManager.CheckoutCollection.
type SourceRepos map[string]string

// AutogenRunner runs the full recipe-discovery + orchestration pipeline
// rooted at startPath, writing any produced ebuilds
// directly into the destination tree via the caller's shared
// EbuildBuilder/ManifestSet. fixupsRoot is passed through as the
// generator-lookup fallback root. Left as a collaborator so pkg/kit does
// not need to know how pkg/blos/pkg/spider/pkg/autogen are wired together;
// the engine composes those once and hands this closure to every
// Assembler it runs.
type AutogenRunner func(ctx context.Context, startPath, fixupsRoot string) error

// LicenseSource resolves a license identifier to file bytes, searching the
// source collection in reverse precedence order.
type LicenseSource interface {
	FindLicense(name string) (content []byte, found bool, err error)
}

// Config is everything one kit's assembly cycle needs.
type Config struct {
	Release    *release.Definition
	Kit        release.KitDef
	DestDir    string
	FixupsRoot string // kit-fixups repository root
	Repos      SourceRepos

	// MasterEclasses is the eclass hash set inherited from this kit's
	// master kits, already built by the caller in master-before-dependent
	// order; this kit's own eclass layer is added on top. Nil for a kit
	// with no masters.
	MasterEclasses *EclassHashSet

	Cache       *kitcache.Cache
	Extractor   metadata.Extractor
	MetaPool    int // metadata extraction worker count; 0 defaults to runtime.NumCPU()
	Licenses    LicenseSource
	Autogen     AutogenRunner
	ReleaseYear string

	// RepoName is the value seeded into metadata/layout.conf's repo-name
	// (defaults to Kit.Name).
	RepoName string
	// CopyrightDefault is the release's default copyright fragment;
	// per-repo fragments from active sources are appended.
	CopyrightDefault string
	// CommitAuthor signs the finalize commit.
	CommitAuthor object.Signature
}

// Result is what one kit regeneration produced.
type Result struct {
	HeadSHA  string
	Licenses []string // every license identifier referenced by this kit's ebuilds
}

// Assembler runs one kit's regeneration cycle.
type Assembler struct {
	cfg Config

	pcMu         sync.Mutex
	pythonCompat map[string]string // atom -> raw PYTHON_COMPAT token string, collected during step 5
}

// New constructs an Assembler for cfg.
func New(cfg Config) *Assembler {
	if cfg.RepoName == "" {
		cfg.RepoName = cfg.Kit.Name
	}
	return &Assembler{cfg: cfg}
}

// Run executes the full regeneration pipeline and commits the result.
func (a *Assembler) Run(ctx context.Context) (*Result, error) {
	if err := a.clean(); err != nil {
		return nil, err
	}
	if err := a.seedMetadata(); err != nil {
		return nil, err
	}
	switch a.cfg.Kit.Kind {
	case release.KindSourced:
		if err := a.populateSourced(ctx); err != nil {
			return nil, err
		}
	default:
		if err := a.populateAutogenerated(ctx); err != nil {
			return nil, err
		}
	}
	if err := a.postProcess(); err != nil {
		return nil, err
	}
	licenses, err := a.regenerateMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.copyLicenses(licenses); err != nil {
		return nil, err
	}
	sha, err := a.finalize()
	if err != nil {
		return nil, err
	}
	return &Result{HeadSHA: sha, Licenses: licenses}, nil
}

// --- step 1: clean ---------------------------------------------------

func (a *Assembler) clean() error {
	dest := a.cfg.DestDir
	entries, err := os.ReadDir(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dest, 0o755)
		}
		return errors.Wrapf(err, "kit: reading %s", dest)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dest, e.Name())); err != nil {
			return errors.Wrapf(err, "kit: cleaning %s", e.Name())
		}
	}
	return nil
}

// --- step 2: seed metadata -------------------------------------------

func (a *Assembler) seedMetadata() error {
	dest := a.cfg.DestDir
	if err := os.MkdirAll(filepath.Join(dest, "metadata"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dest, "profiles"), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "repo-name = %s\n", a.cfg.RepoName)
	b.WriteString("thin-manifests = true\n")
	b.WriteString("sign-manifests = false\n")
	b.WriteString("profile-formats = portage-2\n")
	b.WriteString("cache-formats = md5-dict\n")
	if len(a.cfg.Kit.Aliases) > 0 {
		fmt.Fprintf(&b, "aliases = %s\n", strings.Join(a.cfg.Kit.Aliases, " "))
	}
	if len(a.cfg.Kit.Masters) > 0 {
		fmt.Fprintf(&b, "masters = %s\n", strings.Join(a.cfg.Kit.Masters, " "))
	}
	if err := os.WriteFile(filepath.Join(dest, "metadata", "layout.conf"), []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "kit: writing layout.conf")
	}
	if err := os.WriteFile(filepath.Join(dest, "profiles", "repo_name"), []byte(a.cfg.RepoName+"\n"), 0o644); err != nil {
		return errors.Wrap(err, "kit: writing profiles/repo_name")
	}
	if a.cfg.CopyrightDefault != "" {
		// LICENSE.txt carries only the rendered release default; the
		// per-source copyright fragments go into COPYRIGHT.rst, written
		// in postProcess.
		licPath := filepath.Join(dest, "LICENSE.txt")
		if err := os.WriteFile(licPath, []byte(renderCopyright(a.cfg.CopyrightDefault, a.cfg.ReleaseYear)), 0o644); err != nil {
			return errors.Wrap(err, "kit: writing LICENSE.txt")
		}
	}
	return nil
}

func renderCopyright(fragment, year string) string {
	return strings.ReplaceAll(fragment, "{{cur_year}}", year)
}

// --- step 3: populate --------------------------------------------------

func (a *Assembler) populateSourced(ctx context.Context) error {
	srcDir, ok := a.cfg.Repos[a.cfg.Kit.Source]
	if !ok {
		return errors.Wrapf(ferrors.ConfigurationError, "kit: sourced kit %s references unknown source %q", a.cfg.Kit.Name, a.cfg.Kit.Source)
	}
	if a.cfg.Autogen != nil {
		if err := a.cfg.Autogen(ctx, srcDir, ""); err != nil {
			return errors.Wrapf(err, "kit: running autogen in sourced tree %s", srcDir)
		}
	}
	rules := treecopy.Rules{Exclude: []string{
		"profiles/repo_name",
		"profiles/categories",
		"metadata/**",
	}}
	if err := treecopy.Copy(srcDir, a.cfg.DestDir, rules); err != nil {
		return errors.Wrapf(err, "kit: mirroring sourced tree %s", srcDir)
	}
	return nil
}

func (a *Assembler) populateAutogenerated(ctx context.Context) error {
	if err := a.copyEclasses(a.cfg.Kit.Eclasses); err != nil {
		return err
	}
	pkgYAML, err := a.loadPackagesYAML()
	if err != nil {
		return err
	}
	if pkgYAML != nil {
		if len(pkgYAML.Eclasses) > 0 {
			// packages.yaml may name additional per-repo eclasses beyond the
			// kit definition's own include block; the kit's mask still applies.
			extra := release.EclassesSpec{Include: pkgYAML.Eclasses, Mask: a.cfg.Kit.Eclasses.Mask}
			if err := a.copyEclasses(extra); err != nil {
				return err
			}
		}
		if err := a.copyCopyfiles(pkgYAML.Copyfiles); err != nil {
			return err
		}
		if err := a.copyPackages(pkgYAML.Packages); err != nil {
			return err
		}
		if err := a.removeExcluded(pkgYAML.Exclude); err != nil {
			return err
		}
	}
	return a.runFixupsSlices(ctx)
}

// loadPackagesYAML reads this kit's own packages.yaml, located next to its
// source definition under the kit-fixups tree's <kit>/packages.yaml, if
// present. Kits with no such file (e.g. those composed purely from
// fixups slices) simply skip the packages/eclasses/exclude copy rules.
func (a *Assembler) loadPackagesYAML() (*release.PackagesYAML, error) {
	if a.cfg.FixupsRoot == "" {
		return nil, nil
	}
	path := filepath.Join(a.cfg.FixupsRoot, a.cfg.Kit.Name, "packages.yaml")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "kit: statting %s", path)
	}
	return release.LoadPackagesYAML(path)
}

func (a *Assembler) copyEclasses(spec release.EclassesSpec) error {
	mask := map[string]struct{}{}
	for _, m := range spec.Mask {
		mask[m] = struct{}{}
	}
	for repoName, names := range spec.Include {
		srcDir, ok := a.cfg.Repos[repoName]
		if !ok {
			return errors.Wrapf(ferrors.ConfigurationError, "kit: eclasses source repo %q not checked out", repoName)
		}
		eclassSrc := filepath.Join(srcDir, "eclass")
		eclassDst := filepath.Join(a.cfg.DestDir, "eclass")
		if len(names) == 1 && names[0] == "*" {
			entries, err := os.ReadDir(eclassSrc)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return errors.Wrapf(err, "kit: reading %s", eclassSrc)
			}
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".eclass") {
					continue
				}
				base := strings.TrimSuffix(e.Name(), ".eclass")
				if _, masked := mask[base]; masked {
					continue
				}
				if err := copySingleFile(filepath.Join(eclassSrc, e.Name()), filepath.Join(eclassDst, e.Name())); err != nil {
					return err
				}
			}
			continue
		}
		for _, name := range names {
			if _, masked := mask[name]; masked {
				continue
			}
			fname := name + ".eclass"
			if err := copySingleFile(filepath.Join(eclassSrc, fname), filepath.Join(eclassDst, fname)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Assembler) copyCopyfiles(copyfiles map[string][]release.Copyfile) error {
	for repoName, files := range copyfiles {
		srcDir, ok := a.cfg.Repos[repoName]
		if !ok {
			return errors.Wrapf(ferrors.ConfigurationError, "kit: copyfiles source repo %q not checked out", repoName)
		}
		for _, f := range files {
			dest := f.Dest
			if dest == "" {
				dest = filepath.Base(f.Src)
			}
			if err := copySingleFile(filepath.Join(srcDir, f.Src), filepath.Join(a.cfg.DestDir, dest)); err != nil {
				return err
			}
		}
	}
	return nil
}

var pycachePrune = []string{"__pycache__"}

func (a *Assembler) copyPackages(packages map[string][]string) error {
	for repoName, catpkgs := range packages {
		srcDir, ok := a.cfg.Repos[repoName]
		if !ok {
			return errors.Wrapf(ferrors.ConfigurationError, "kit: packages source repo %q not checked out", repoName)
		}
		for _, catpkg := range catpkgs {
			dst := filepath.Join(a.cfg.DestDir, catpkg)
			if err := os.RemoveAll(dst); err != nil {
				return errors.Wrapf(err, "kit: replacing %s", catpkg)
			}
			if err := treecopy.CopyTree(srcDir, a.cfg.DestDir, []string{catpkg}, treecopy.Rules{PruneDirNames: pycachePrune}); err != nil {
				return errors.Wrapf(err, "kit: copying %s from %s", catpkg, repoName)
			}
		}
	}
	return nil
}

func (a *Assembler) removeExcluded(exclude []string) error {
	for _, rel := range exclude {
		if err := os.RemoveAll(filepath.Join(a.cfg.DestDir, rel)); err != nil {
			return errors.Wrapf(err, "kit: excluding %s", rel)
		}
	}
	return nil
}

// fixupsSlices returns this kit's kit-fixups overlay directories in
// ascending precedence order: group global, kit global, curated, then
// the branch slice.
func (a *Assembler) fixupsSlices() []string {
	root := a.cfg.FixupsRoot
	if root == "" {
		return nil
	}
	var slices []string
	if a.cfg.Kit.Group != "" {
		slices = append(slices, filepath.Join(root, a.cfg.Kit.Group, "global"))
	}
	slices = append(slices,
		filepath.Join(root, a.cfg.Kit.Name, "global"),
		filepath.Join(root, a.cfg.Kit.Name, "curated"),
	)
	if a.cfg.Kit.Branch != "" {
		slices = append(slices, filepath.Join(root, a.cfg.Kit.Name, a.cfg.Kit.Branch))
	}
	return slices
}

// runFixupsSlices applies each existing fixups slice in precedence order:
// copy its eclass/licenses/profiles/README, run autogen there, then insert
// its ebuilds with replace semantics.
func (a *Assembler) runFixupsSlices(ctx context.Context) error {
	for _, slice := range a.fixupsSlices() {
		info, err := os.Stat(slice)
		if err != nil || !info.IsDir() {
			continue
		}
		if err := a.copySliceSupportDirs(slice); err != nil {
			return err
		}
		if a.cfg.Autogen != nil {
			if err := a.cfg.Autogen(ctx, slice, a.cfg.FixupsRoot); err != nil {
				return errors.Wrapf(err, "kit: running autogen in fixups slice %s", slice)
			}
		}
		if err := a.insertSliceEbuilds(slice); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) copySliceSupportDirs(slice string) error {
	for _, dir := range []string{"eclass", "licenses"} {
		src := filepath.Join(slice, dir)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := treecopy.Copy(src, filepath.Join(a.cfg.DestDir, dir), treecopy.Rules{}); err != nil {
			return errors.Wrapf(err, "kit: copying %s from fixups slice %s", dir, slice)
		}
	}
	profilesSrc := filepath.Join(slice, "profiles")
	if _, err := os.Stat(profilesSrc); err == nil {
		rules := treecopy.Rules{Exclude: []string{"repo_name", "categories"}}
		if err := treecopy.Copy(profilesSrc, filepath.Join(a.cfg.DestDir, "profiles"), rules); err != nil {
			return errors.Wrapf(err, "kit: copying profiles from fixups slice %s", slice)
		}
	}
	if readme := filepath.Join(slice, "README"); fileExists(readme) {
		if err := copySingleFile(readme, filepath.Join(a.cfg.DestDir, "README")); err != nil {
			return err
		}
	}
	if readme := filepath.Join(slice, "README.rst"); fileExists(readme) {
		if err := copySingleFile(readme, filepath.Join(a.cfg.DestDir, "README.rst")); err != nil {
			return err
		}
	}
	return nil
}

// insertSliceEbuilds copies every catpkg directory the fixups slice
// contains directly into the destination, replacing any existing version
// of the same catpkg.
func (a *Assembler) insertSliceEbuilds(slice string) error {
	entries, err := os.ReadDir(slice)
	if err != nil {
		return errors.Wrapf(err, "kit: reading fixups slice %s", slice)
	}
	for _, catEntry := range entries {
		if !catEntry.IsDir() || isReservedSliceDir(catEntry.Name()) {
			continue
		}
		catDir := filepath.Join(slice, catEntry.Name())
		pkgEntries, err := os.ReadDir(catDir)
		if err != nil {
			return errors.Wrapf(err, "kit: reading %s", catDir)
		}
		for _, pkgEntry := range pkgEntries {
			if !pkgEntry.IsDir() {
				continue
			}
			catpkg := filepath.Join(catEntry.Name(), pkgEntry.Name())
			dst := filepath.Join(a.cfg.DestDir, catpkg)
			if err := os.RemoveAll(dst); err != nil {
				return errors.Wrapf(err, "kit: replacing %s", catpkg)
			}
			if err := treecopy.CopyTree(slice, a.cfg.DestDir, []string{catpkg}, treecopy.Rules{PruneDirNames: pycachePrune}); err != nil {
				return errors.Wrapf(err, "kit: inserting %s from fixups slice %s", catpkg, slice)
			}
		}
	}
	return nil
}

func isReservedSliceDir(name string) bool {
	switch name {
	case "eclass", "licenses", "profiles", "generators", "metadata":
		return true
	default:
		return false
	}
}

// --- step 4: post-process ----------------------------------------------

var changelogRE = regexp.MustCompile(`(?i)^changelog$`)

func (a *Assembler) postProcess() error {
	dest := a.cfg.DestDir
	if err := removePycache(dest); err != nil {
		return err
	}
	if err := removeChangelogs(dest); err != nil {
		return err
	}
	if err := reduceAllManifests(dest); err != nil {
		return err
	}
	if err := a.rebuildCategories(); err != nil {
		return err
	}
	if err := a.writeCopyright(); err != nil {
		return err
	}
	if a.cfg.Kit.Name == "core-kit" {
		if err := a.applyCoreKitFixups(); err != nil {
			return err
		}
	}
	return nil
}

func removePycache(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "__pycache__" {
			dirs = append(dirs, p)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			return err
		}
	}
	return nil
}

func removeChangelogs(root string) error {
	var files []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && changelogRE.MatchString(d.Name()) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			return err
		}
	}
	return nil
}

// rebuildCategories regenerates profiles/categories from the set of
// top-level directories matching "*-*" or "virtual".
func (a *Assembler) rebuildCategories() error {
	entries, err := os.ReadDir(a.cfg.DestDir)
	if err != nil {
		return errors.Wrapf(err, "kit: reading %s", a.cfg.DestDir)
	}
	var cats []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == "virtual" || strings.Contains(e.Name(), "-") {
			cats = append(cats, e.Name())
		}
	}
	sort.Strings(cats)
	out := strings.Join(cats, "\n")
	if len(cats) > 0 {
		out += "\n"
	}
	path := filepath.Join(a.cfg.DestDir, "profiles", "categories")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(out), 0o644)
}

// writeCopyright composes COPYRIGHT.rst from the release default plus
// each active source repo's copyright fragment.
func (a *Assembler) writeCopyright() error {
	var b strings.Builder
	b.WriteString(renderCopyright(a.cfg.CopyrightDefault, a.cfg.ReleaseYear))
	names := make([]string, 0, len(a.cfg.Repos))
	for name := range a.cfg.Repos {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		repoDef := a.cfg.Release.Repositories[name]
		if repoDef.Copyright != "" {
			b.WriteString("\n")
			b.WriteString(renderCopyright(repoDef.Copyright, a.cfg.ReleaseYear))
		}
	}
	return os.WriteFile(filepath.Join(a.cfg.DestDir, "COPYRIGHT.rst"), []byte(b.String()), 0o644)
}

var gentooMirrorRE = regexp.MustCompile(`^gentoo\s+(\S+)(.*)$`)

const fastpullMirror = "https://fastpull-us.funtoo.org/distfiles"

// applyCoreKitFixups is core-kit's special-cased post-process step: ensure
// eclass/ELT-patches/ exists, and rewrite profiles/thirdpartymirrors so the
// gentoo mirror list is Funtoo-mirror-prefixed and a funtoo line is
// appended.
func (a *Assembler) applyCoreKitFixups() error {
	if err := os.MkdirAll(filepath.Join(a.cfg.DestDir, "eclass", "ELT-patches"), 0o755); err != nil {
		return errors.Wrap(err, "kit: creating eclass/ELT-patches")
	}
	path := filepath.Join(a.cfg.DestDir, "profiles", "thirdpartymirrors")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "kit: reading %s", path)
	}
	lines := strings.Split(string(raw), "\n")
	for i, line := range lines {
		if m := gentooMirrorRE.FindStringSubmatch(line); m != nil {
			lines[i] = "gentoo\t" + fastpullMirror + " " + m[1] + m[2]
		}
	}
	out := strings.TrimRight(strings.Join(lines, "\n"), "\n")
	out += "\nfuntoo " + fastpullMirror + "\n"
	return os.WriteFile(path, []byte(out), 0o644)
}

// --- helpers shared by steps -------------------------------------------

func copySingleFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "kit: opening %s", src)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "kit: creating %s", filepath.Dir(dst))
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return errors.Wrapf(err, "kit: creating %s", dst)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "kit: copying %s to %s", src, dst)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// --- step 5: metadata regeneration --------------------------------------

// regenerateMetadata walks every ebuild in the destination tree, computes
// its md5/Manifest-md5/eclass-hash triple, consults the cache, and on miss
// invokes Extractor via a bounded worker pool. It returns the sorted set
// of distinct license identifiers referenced across every ebuild.
func (a *Assembler) regenerateMetadata(ctx context.Context) ([]string, error) {
	eclasses, err := a.buildEclassHashSet()
	if err != nil {
		return nil, err
	}
	ebuilds, err := findEbuilds(a.cfg.DestDir)
	if err != nil {
		return nil, err
	}

	poolSize := int64(a.cfg.MetaPool)
	if poolSize <= 0 {
		poolSize = int64(runtime.NumCPU())
	}
	sem := semaphore.NewWeighted(poolSize)
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	licenseSet := map[string]struct{}{}
	a.pythonCompat = map[string]string{}

	for _, eb := range ebuilds {
		eb := eb
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			licenses, pythonCompat, err := a.extractOne(gctx, eb, eclasses)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, l := range licenses {
				licenseSet[l] = struct{}{}
			}
			mu.Unlock()
			if pythonCompat != "" {
				a.pcMu.Lock()
				a.pythonCompat[eb.Atom] = pythonCompat
				a.pcMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(licenseSet))
	for l := range licenseSet {
		out = append(out, l)
	}
	sort.Strings(out)
	return out, nil
}

func (a *Assembler) buildEclassHashSet() (*EclassHashSet, error) {
	set := NewEclassHashSet()
	if a.cfg.MasterEclasses != nil {
		if err := set.AddLayer(a.cfg.MasterEclasses.Paths()...); err != nil {
			return nil, err
		}
	}
	if err := set.AddLayer(filepath.Join(a.cfg.DestDir, "eclass")); err != nil {
		return nil, err
	}
	return set, nil
}

type ebuildFile struct {
	CatPkgDir string // e.g. <dest>/dev-libs/foo
	Atom      string // dev-libs/foo-1.0
	Category  string
	PF        string
	Path      string
}

func findEbuilds(dest string) ([]ebuildFile, error) {
	var out []ebuildFile
	entries, err := os.ReadDir(dest)
	if err != nil {
		return nil, errors.Wrapf(err, "kit: reading %s", dest)
	}
	for _, catEntry := range entries {
		if !catEntry.IsDir() || isReservedSliceDir(catEntry.Name()) || strings.HasPrefix(catEntry.Name(), ".") {
			continue
		}
		catDir := filepath.Join(dest, catEntry.Name())
		pkgEntries, err := os.ReadDir(catDir)
		if err != nil {
			return nil, errors.Wrapf(err, "kit: reading %s", catDir)
		}
		for _, pkgEntry := range pkgEntries {
			if !pkgEntry.IsDir() {
				continue
			}
			pkgDir := filepath.Join(catDir, pkgEntry.Name())
			files, err := os.ReadDir(pkgDir)
			if err != nil {
				return nil, errors.Wrapf(err, "kit: reading %s", pkgDir)
			}
			for _, f := range files {
				if f.IsDir() || !strings.HasSuffix(f.Name(), ".ebuild") {
					continue
				}
				pf := strings.TrimSuffix(f.Name(), ".ebuild")
				out = append(out, ebuildFile{
					CatPkgDir: pkgDir,
					Atom:      catEntry.Name() + "/" + pf,
					Category:  catEntry.Name(),
					PF:        pf,
					Path:      filepath.Join(pkgDir, f.Name()),
				})
			}
		}
	}
	return out, nil
}

func (a *Assembler) extractOne(ctx context.Context, eb ebuildFile, eclasses *EclassHashSet) (licenses []string, pythonCompat string, err error) {
	content, err := os.ReadFile(eb.Path)
	if err != nil {
		return nil, "", errors.Wrapf(err, "kit: reading %s", eb.Path)
	}
	ebuildMD5 := hexMD5(content)

	manifestPath := filepath.Join(eb.CatPkgDir, "Manifest")
	manifestMD5 := ""
	if m, err := os.ReadFile(manifestPath); err == nil {
		manifestMD5 = hexMD5(m)
	} else if !os.IsNotExist(err) {
		return nil, "", errors.Wrapf(err, "kit: reading %s", manifestPath)
	}

	// A first extraction pass is required before we know which eclasses
	// this ebuild inherits (INHERITED is itself a metadata field), so the
	// cache key's eclass set must be resolved after extraction on a miss,
	// and the record validated on the next run using the recorded set.
	result, inherited, cached, err := a.extractWithCache(ctx, eb, ebuildMD5, manifestMD5, eclasses)
	if err != nil {
		return nil, "", err
	}
	pairs, err := eclasses.Pairs(inherited)
	if err != nil {
		return nil, "", errors.Wrapf(err, "kit: resolving eclasses for %s", eb.Atom)
	}
	if !cached {
		block := metadata.AuxdbBlock(result, pairs, ebuildMD5)
		outPath := filepath.Join(a.cfg.DestDir, "metadata", "md5-cache", eb.Atom)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return nil, "", errors.Wrapf(err, "kit: creating %s", filepath.Dir(outPath))
		}
		if err := os.WriteFile(outPath, []byte(block), 0o644); err != nil {
			return nil, "", errors.Wrapf(err, "kit: writing %s", outPath)
		}
		a.cfg.Cache.Put(kitcache.Record{
			Atom:        eb.Atom,
			MD5:         ebuildMD5,
			ManifestMD5: manifestMD5,
			Eclasses:    pairs,
			Metadata:    result,
			MetadataOut: block,
		})
	}
	return metadata.ParseLicenses(result["LICENSE"]), result["PYTHON_COMPAT"], nil
}

// extractWithCache returns the extraction result plus the resolved
// eclass-name list (for cache-key freshness), trying the cache first with
// every currently-known eclass of the right name, falling back to a live
// extraction that determines INHERITED on its own.
func (a *Assembler) extractWithCache(ctx context.Context, eb ebuildFile, ebuildMD5, manifestMD5 string, eclasses *EclassHashSet) (metadata.Result, []string, bool, error) {
	// Try every previously-recorded record for this atom: if its eclass set
	// still hashes equal, it is fresh regardless of which eclasses it named.
	if rec, ok := a.cfg.Cache.Get(eb.Atom, ebuildMD5, manifestMD5, currentHashes(eclasses)); ok {
		names := make([]string, 0, len(rec.Eclasses))
		for _, pair := range rec.Eclasses {
			names = append(names, pair[0])
		}
		return rec.Metadata, names, true, nil
	}
	result, err := a.cfg.Extractor.Extract(ctx, eb.Path, metadata.BuildEnv(eb.Category, eb.PF, mustRead(eb.Path)), eclasses.Paths())
	if err != nil {
		return nil, nil, false, errors.Wrapf(err, "kit: extracting metadata for %s", eb.Atom)
	}
	inherited := strings.Fields(result["INHERITED"])
	return result, inherited, false, nil
}

func mustRead(path string) []byte {
	b, _ := os.ReadFile(path)
	return b
}

// currentHashes materializes every known eclass name -> md5 pair so
// kitcache.Get can validate a record's recorded eclass set regardless of
// which eclasses that particular record named.
func currentHashes(eclasses *EclassHashSet) map[string]string {
	out := map[string]string{}
	for _, name := range eclasses.names() {
		if md5sum, ok := eclasses.Lookup(name); ok {
			out[name] = md5sum
		}
	}
	return out
}

func hexMD5(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// --- step 6: licenses ----------------------------------------------------

func (a *Assembler) copyLicenses(names []string) error {
	if a.cfg.Licenses == nil {
		return nil
	}
	licDir := filepath.Join(a.cfg.DestDir, "licenses")
	for _, name := range names {
		dst := filepath.Join(licDir, name)
		if fileExists(dst) {
			continue
		}
		content, found, err := a.cfg.Licenses.FindLicense(name)
		if err != nil {
			return errors.Wrapf(err, "kit: looking up license %s", name)
		}
		if !found {
			continue
		}
		if err := os.MkdirAll(licDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return errors.Wrapf(err, "kit: writing license %s", name)
		}
	}
	return nil
}

// --- step 7: finalize ----------------------------------------------------

func (a *Assembler) finalize() (string, error) {
	if err := a.writePythonUseFiles(); err != nil {
		return "", err
	}
	if err := a.cfg.Cache.Save(true); err != nil {
		return "", errors.Wrap(err, "kit: saving metadata cache")
	}
	tree, err := gittree.OpenOrInit(a.cfg.DestDir)
	if err != nil {
		return "", err
	}
	author := a.cfg.CommitAuthor
	if author.When.IsZero() {
		author.When = time.Now()
	}
	sha, err := tree.CommitAll(fmt.Sprintf("metatools autogen: %s kit regeneration", a.cfg.Kit.Name), author)
	if err != nil {
		return "", err
	}
	return sha, nil
}

// writePythonUseFiles generates the per-catpkg python-use lines by
// reading PYTHON_COMPAT for every version of every catpkg,
// emitting one global line per catpkg when all versions agree, else a
// per-version line, as implemented by pkg/kit's pythonuse.go helpers.
func (a *Assembler) writePythonUseFiles() error {
	compatByCatpkg := map[string]map[string][]string{} // catpkg -> cpv -> tokens
	for atom, compat := range a.pythonCompat {
		if compat == "" {
			continue
		}
		catpkg := catpkgOfAtom(atom)
		if compatByCatpkg[catpkg] == nil {
			compatByCatpkg[catpkg] = map[string][]string{}
		}
		compatByCatpkg[catpkg][atom] = strings.Fields(compat)
	}
	var catpkgs []string
	for c := range compatByCatpkg {
		catpkgs = append(catpkgs, c)
	}
	sort.Strings(catpkgs)
	var lines []string
	for _, catpkg := range catpkgs {
		lines = append(lines, pythonUseLinesForCatpkg(catpkg, compatByCatpkg[catpkg], defaultPythonImpl, backupPythonImpl)...)
	}
	if len(lines) == 0 {
		return nil
	}
	path := filepath.Join(a.cfg.DestDir, "profiles", "package.use")
	out := strings.Join(lines, "\n") + "\n"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(out), 0o644)
}

// catpkgOfAtom reduces "cat/pkg-1.0-r2" to "cat/pkg".
func catpkgOfAtom(atom string) string {
	slash := strings.IndexByte(atom, '/')
	if slash < 0 {
		return atom
	}
	cat, pf := atom[:slash], atom[slash+1:]
	return cat + "/" + metadata.BuildEnv(cat, pf, nil).PN
}

// defaultPythonImpl/backupPythonImpl anchor the PYTHON_COMPAT
// normalization table; bumping the default implementation for a new
// release is a one-line change here.
const (
	defaultPythonImpl = "python3_9"
	backupPythonImpl  = "python3_8"
)
