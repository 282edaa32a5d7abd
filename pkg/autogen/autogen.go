// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package autogen schedules recipe work units across a bounded worker
// pool, each unit invoking its generator as an external subprocess
// speaking a line-delimited JSON protocol over stdio.
package autogen

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/funtoo/metatools/pkg/ebuild"
	"github.com/funtoo/metatools/pkg/ferrors"
	"github.com/funtoo/metatools/pkg/recipe"
	"github.com/funtoo/metatools/pkg/yamlmerge"
)

// GenRequest is sent to a generator subprocess once per pkginfo entry.
type GenRequest struct {
	PkgInfo  recipe.PkgInfo `json:"pkginfo"`
	Defaults map[string]any `json:"defaults"`
}

// GenMessage is one line of a generator's streamed response: exactly one
// of Artifact, Ebuild, or Error is set.
type GenMessage struct {
	Artifact *GenArtifact `json:"artifact,omitempty"`
	Ebuild   *GenEbuild   `json:"ebuild,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// GenArtifact is a distfile the generator wants fetched and hashed.
type GenArtifact struct {
	FinalName string `json:"final_name"`
	URL       string `json:"url"`
}

// GenEbuild is a rendered-ebuild request from the generator.
type GenEbuild struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Revision     int            `json:"revision"`
	CatPkgDir    string         `json:"catpkg_dir"`
	Template     string         `json:"template"`
	TemplateVars map[string]any `json:"template_vars"`
	Artifacts    []string       `json:"artifacts"` // final_name references into prior GenArtifact messages
}

// Registry resolves a generator reference (as produced by RecipeDiscovery)
// to an executable command.
type Registry struct {
	// Interpreter is prefixed to GeneratorRef when invoking, e.g. "python3".
	// Empty means GeneratorRef is itself directly executable.
	Interpreter string
}

func (r Registry) command(ctx context.Context, generatorRef string) *exec.Cmd {
	if r.Interpreter == "" {
		return exec.CommandContext(ctx, generatorRef)
	}
	return exec.CommandContext(ctx, r.Interpreter, generatorRef)
}

// Invoke runs the generator at generatorRef as a subprocess, writes req as
// a single JSON line to its stdin, and streams back GenMessages until EOF.
func (r Registry) Invoke(ctx context.Context, generatorRef string, req GenRequest) ([]GenMessage, error) {
	cmd := r.command(ctx, generatorRef)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "autogen: opening generator stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "autogen: opening generator stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(ferrors.RecipeError, "autogen: starting generator %s: %v", generatorRef, err)
	}

	enc := json.NewEncoder(stdin)
	var messages []GenMessage
	var scanErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var msg GenMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				scanErr = errors.Wrapf(ferrors.RecipeError, "autogen: malformed generator output: %v", err)
				return
			}
			messages = append(messages, msg)
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			scanErr = errors.Wrap(err, "autogen: reading generator output")
		}
	}()

	encodeErr := enc.Encode(req)
	stdin.Close()
	wg.Wait()
	waitErr := cmd.Wait()
	if encodeErr != nil {
		return nil, errors.Wrap(encodeErr, "autogen: writing generator request")
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if waitErr != nil {
		return nil, errors.Wrapf(ferrors.RecipeError, "autogen: generator %s exited with error: %v", generatorRef, waitErr)
	}
	for _, m := range messages {
		if m.Error != "" {
			return messages, errors.Wrapf(ferrors.RecipeError, "autogen: generator reported: %s", m.Error)
		}
	}
	return messages, nil
}

// Failure records an attributed failure for one pkginfo within a unit,
// so the orchestrator's summary can name what broke.
type Failure struct {
	Info string // "sub_path (cat/name)"
	Err  error
}

// Orchestrator runs RecipeDiscovery units through a bounded worker pool.
type Orchestrator struct {
	Registry   Registry
	Builder    *ebuild.Builder
	Download   ebuild.DownloadFunc
	MaxWorkers int64

	mu       sync.Mutex
	failures []Failure
}

// NewOrchestrator constructs an Orchestrator with the default of 16
// concurrent workers.
func NewOrchestrator(registry Registry, builder *ebuild.Builder, download ebuild.DownloadFunc) *Orchestrator {
	return &Orchestrator{Registry: registry, Builder: builder, Download: download, MaxWorkers: 16}
}

// Failures returns every attributed failure recorded during Run.
func (o *Orchestrator) Failures() []Failure {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Failure, len(o.failures))
	copy(out, o.failures)
	return out
}

func (o *Orchestrator) recordFailure(info string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, Failure{Info: info, Err: err})
	log.Printf("autogen: %s failed: %+v", info, err)
}

// Run schedules units across MaxWorkers workers. Each unit's pkginfo
// entries are processed as child tasks within the unit's own worker slot;
// a failing pkginfo is attributed and recorded but does not cancel
// sibling units or sibling pkginfo entries.
func (o *Orchestrator) Run(ctx context.Context, units []recipe.Unit) error {
	maxWorkers := o.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 16
	}
	sem := semaphore.NewWeighted(maxWorkers)
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		u := u
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			o.runUnit(gctx, u)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runUnit(ctx context.Context, u recipe.Unit) {
	childGroup, childCtx := errgroup.WithContext(ctx)
	for _, pkginfo := range u.PkgInfoList {
		pkginfo := pkginfo
		info := fmt.Sprintf("%s (%v/%v)", u.GenPath, pkginfo["cat"], pkginfo["name"])
		childGroup.Go(func() error {
			if err := o.runPkgInfo(childCtx, u, pkginfo); err != nil {
				o.recordFailure(info, err)
			}
			return nil
		})
	}
	_ = childGroup.Wait()
}

func (o *Orchestrator) runPkgInfo(ctx context.Context, u recipe.Unit, pkginfo recipe.PkgInfo) error {
	messages, err := o.Registry.Invoke(ctx, u.GeneratorRef, GenRequest{PkgInfo: pkginfo, Defaults: toAnyMap(u.Defaults)})
	if err != nil {
		return err
	}
	artifactsByName := map[string]*ebuild.Artifact{}
	var renderGroup errgroup.Group
	for _, msg := range messages {
		switch {
		case msg.Artifact != nil:
			a := msg.Artifact
			artifactsByName[a.FinalName] = &ebuild.Artifact{FinalName: a.FinalName, URL: a.URL}
		case msg.Ebuild != nil:
			eb := msg.Ebuild
			renderGroup.Go(func() error {
				return o.renderEbuild(ctx, u, eb, artifactsByName)
			})
		}
	}
	return renderGroup.Wait()
}

func (o *Orchestrator) renderEbuild(ctx context.Context, u recipe.Unit, eb *GenEbuild, artifactsByName map[string]*ebuild.Artifact) error {
	var artifacts []*ebuild.Artifact
	for _, name := range eb.Artifacts {
		a, ok := artifactsByName[name]
		if !ok {
			return errors.Wrapf(ferrors.RecipeError, "autogen: ebuild %s references unknown artifact %s", eb.Name, name)
		}
		if err := o.Builder.CompleteArtifact(ctx, a, o.Download); err != nil {
			return err
		}
		artifacts = append(artifacts, a)
	}
	return o.Builder.Build(ebuild.Unit{
		Name:         eb.Name,
		Version:      eb.Version,
		Revision:     eb.Revision,
		CatPkgDir:    eb.CatPkgDir,
		Template:     eb.Template,
		TemplateVars: eb.TemplateVars,
		Artifacts:    artifacts,
	})
}

func toAnyMap(m map[string]yamlmerge.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
