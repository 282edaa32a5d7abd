// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// doit discovers and runs every autogen recipe under the start path,
// writing generated ebuilds and Manifests into the output tree.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/funtoo/metatools/pkg/autogen"
	"github.com/funtoo/metatools/pkg/blos"
	"github.com/funtoo/metatools/pkg/ebuild"
	"github.com/funtoo/metatools/pkg/fetchcache"
	"github.com/funtoo/metatools/pkg/integrity"
	"github.com/funtoo/metatools/pkg/recipe"
	"github.com/funtoo/metatools/pkg/spider"
)

var (
	start       = flag.String("start", envOr("METATOOLS_START_PATH", "."), "Path searched for autogen recipes.")
	fixups      = flag.String("fixups", os.Getenv("METATOOLS_FIXUPS_PATH"), "kit-fixups repository root used as the generator-lookup fallback.")
	workDir     = flag.String("work", envOr("METATOOLS_WORK_PATH", defaultWorkDir()), "Directory holding the object store, fetch cache, and download temp files.")
	scope       = flag.String("scope", envOr("METATOOLS_REPO_NAME", "local"), "Integrity-database scope generated artifacts are recorded under.")
	category    = flag.String("category", "", "Only run recipes whose packages match this category.")
	pkgName     = flag.String("pkg", "", "Only run recipes whose packages match this package name.")
	interpreter = flag.String("interpreter", "python3", "Interpreter prefixed to generator scripts; empty runs them directly.")
	workers     = flag.Int64("workers", 16, "Concurrent autogen work units.")
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

func main() {
	flag.Parse()
	ctx := context.Background()

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
	download := func(ctx context.Context, url string, wantHashes []string) (string, map[string]string, int64, error) {
		res, err := sp.Download(ctx, url, wantHashes)
		if err != nil {
			return "", nil, 0, err
		}
		return res.TempPath, res.Hashes, res.Size, nil
	}

	manifest := ebuild.NewManifestSet()
	builder := ebuild.NewBuilder(store, idb, manifest, *scope,
		[]string{blos.NameSHA512, blos.NameSHA256, blos.NameBLAKE2B, blos.NameSize})

	units, err := recipe.Discover(*start, *fixups, flag.Args(), recipe.Filter{Category: *category, Package: *pkgName})
	if err != nil {
		log.Fatalf("discovering recipes: %v", err)
	}
	log.Printf("discovered %d autogen work units under %s", len(units), *start)

	orch := autogen.NewOrchestrator(autogen.Registry{Interpreter: *interpreter}, builder, download)
	orch.MaxWorkers = *workers
	if err := orch.Run(ctx, units); err != nil {
		log.Fatalf("running autogens: %v", err)
	}
	if err := manifest.Flush(); err != nil {
		log.Fatalf("writing Manifests: %v", err)
	}

	failures := orch.Failures()
	for _, f := range failures {
		log.Printf("FAILED: %s: %v", f.Info, f.Err)
	}
	if len(failures) > 0 {
		log.Fatalf("%d autogen(s) failed", len(failures))
	}
}
