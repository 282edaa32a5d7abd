// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// merge-kits regenerates every kit of a release and the meta-repo that
// references them: source trees are checked out, each kit is assembled
// (masters first), ebuild metadata is regenerated, and the results are
// committed and optionally pushed/mirrored.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/funtoo/metatools/pkg/autogen"
	"github.com/funtoo/metatools/pkg/blos"
	"github.com/funtoo/metatools/pkg/ebuild"
	"github.com/funtoo/metatools/pkg/fetchcache"
	"github.com/funtoo/metatools/pkg/integrity"
	"github.com/funtoo/metatools/pkg/kit"
	"github.com/funtoo/metatools/pkg/kitcache"
	"github.com/funtoo/metatools/pkg/metadata"
	"github.com/funtoo/metatools/pkg/metarepo"
	"github.com/funtoo/metatools/pkg/recipe"
	"github.com/funtoo/metatools/pkg/release"
	"github.com/funtoo/metatools/pkg/spider"
)

var (
	releaseYAML  = flag.String("release", "", "Path to the release's repositories.yaml. Required.")
	metaRepoDir  = flag.String("dest", envOr("METATOOLS_OUT_PATH", "meta-repo"), "Meta-repo worktree root; kits are assembled under <dest>/kits/<name>.")
	fixups       = flag.String("fixups", os.Getenv("METATOOLS_FIXUPS_PATH"), "kit-fixups repository root.")
	workDir      = flag.String("work", envOr("METATOOLS_WORK_PATH", defaultWorkDir()), "Directory holding the object store, caches, sources, and temp files.")
	ebuildScript = flag.String("extract-script", "/usr/lib/metatools/ebuild.sh", "ebuild.sh-equivalent sourced to extract ebuild metadata.")
	interpreter  = flag.String("interpreter", "python3", "Interpreter prefixed to generator scripts; empty runs them directly.")
	remoteMode   = flag.String("remote-mode", "dev", "Which remotes entry (dev or prod) supplies push/mirror URLs.")
	push         = flag.Bool("push", false, "Push the meta-repo after committing.")
	mirror       = flag.Bool("mirror", false, "Mirror kits and meta-repo to each declared mirror URL.")
	strict       = flag.Bool("strict", false, "Skip writing meta-repo metadata when any kit failed.")
	authorName   = flag.String("author-name", "Funtoo Metatools", "Commit author name.")
	authorEmail  = flag.String("author-email", "repomirror@funtoo.org", "Commit author email.")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultWorkDir() string {
	return filepath.Join(os.TempDir(), "metatools")
}

// engine holds the fetch/store infrastructure shared by every kit's
// autogen pass.
type engine struct {
	store *blos.Store
	idb   *integrity.DB
	sp    *spider.Spider
}

func (e *engine) download(ctx context.Context, url string, wantHashes []string) (string, map[string]string, int64, error) {
	res, err := e.sp.Download(ctx, url, wantHashes)
	if err != nil {
		return "", nil, 0, err
	}
	return res.TempPath, res.Hashes, res.Size, nil
}

// autogenRunner runs the recipe pipeline rooted at startPath, recording
// artifacts under scope. Each call gets its own manifest set so Manifests
// are written once per autogen pass.
func (e *engine) autogenRunner(scope string) kit.AutogenRunner {
	return func(ctx context.Context, startPath, fixupsRoot string) error {
		units, err := recipe.Discover(startPath, fixupsRoot, nil, recipe.Filter{})
		if err != nil {
			return err
		}
		if len(units) == 0 {
			return nil
		}
		manifest := ebuild.NewManifestSet()
		builder := ebuild.NewBuilder(e.store, e.idb, manifest, scope,
			[]string{blos.NameSHA512, blos.NameSHA256, blos.NameBLAKE2B, blos.NameSize})
		orch := autogen.NewOrchestrator(autogen.Registry{Interpreter: *interpreter}, builder, e.download)
		if err := orch.Run(ctx, units); err != nil {
			return err
		}
		if err := manifest.Flush(); err != nil {
			return err
		}
		if failures := orch.Failures(); len(failures) > 0 {
			for _, f := range failures {
				log.Printf("FAILED: %s: %v", f.Info, f.Err)
			}
			return fmt.Errorf("%d autogen(s) failed under %s", len(failures), startPath)
		}
		return nil
	}
}

func main() {
	flag.Parse()
	if *releaseYAML == "" {
		log.Fatal("-release is required")
	}
	ctx := context.Background()

	def, err := release.Load(*releaseYAML)
	if err != nil {
		log.Fatalf("loading release: %v", err)
	}

	store, err := blos.New(blos.DefaultConfig(filepath.Join(*workDir, "blos")))
	if err != nil {
		log.Fatalf("opening object store: %v", err)
	}
	cache, err := fetchcache.Open(filepath.Join(*workDir, "fetch_cache.db"))
	if err != nil {
		log.Fatalf("opening fetch cache: %v", err)
	}
	defer cache.Close()
	idb, err := integrity.Open(cache.DB)
	if err != nil {
		log.Fatalf("opening integrity database: %v", err)
	}
	sp := spider.NewSpider(spider.Config{TempDir: filepath.Join(*workDir, "spider_temp")})
	defer sp.Close()
	eng := &engine{store: store, idb: idb, sp: sp}

	srcMgr := kit.NewSourceManager(filepath.Join(*workDir, "sources"))
	cacheDir := filepath.Join(*workDir, "kit_cache")
	author := object.Signature{Name: *authorName, Email: *authorEmail, When: time.Now()}
	kitsDir := filepath.Join(*metaRepoDir, "kits")
	year := strconv.Itoa(time.Now().Year())

	build := func(ctx context.Context, kd release.KitDef) (string, error) {
		repos, err := srcMgr.CheckoutCollection(ctx, def, kd.Source)
		if err != nil {
			return "", err
		}
		collectionNames, ok := def.SourceCollections[kd.Source]
		if !ok {
			collectionNames = []string{kd.Source}
		}
		kc, err := kitcache.Load(cacheDir, kd.Name, kd.Branch)
		if err != nil {
			return "", err
		}
		var masterEclasses *kit.EclassHashSet
		if len(kd.Masters) > 0 {
			masterEclasses = kit.NewEclassHashSet()
			for _, m := range kd.Masters {
				if err := masterEclasses.AddLayer(filepath.Join(kitsDir, m, "eclass")); err != nil {
					return "", err
				}
			}
		}
		asm := kit.New(kit.Config{
			Release:          def,
			Kit:              kd,
			DestDir:          filepath.Join(kitsDir, kd.Name),
			FixupsRoot:       *fixups,
			Repos:            repos,
			MasterEclasses:   masterEclasses,
			Cache:            kc,
			Extractor:        metadata.ScriptExtractor{ScriptPath: *ebuildScript},
			Licenses:         kit.CollectionLicenses{Paths: kit.OrderedPaths(collectionNames, repos)},
			Autogen:          eng.autogenRunner(kd.Name),
			ReleaseYear:      year,
			CopyrightDefault: def.Copyright,
			CommitAuthor:     author,
		})
		res, err := asm.Run(ctx)
		if err != nil {
			return "", err
		}
		return res.HeadSHA, nil
	}

	ctl := metarepo.New(metarepo.Config{
		Release:      def,
		Build:        build,
		MetaRepoDir:  *metaRepoDir,
		RemoteMode:   *remoteMode,
		Mirror:       *mirror,
		Push:         *push,
		Strict:       *strict,
		CommitAuthor: author,
	})
	result, err := ctl.Run(ctx)
	if err != nil {
		log.Fatalf("regenerating release: %v", err)
	}
	for _, f := range result.Failures {
		log.Printf("FAILED kit %s: %v", f.Kit, f.Err)
	}
	log.Printf("meta-repo committed at %s", result.MetaRepoHeadSHA)
	if len(result.Failures) > 0 {
		os.Exit(1)
	}
}
