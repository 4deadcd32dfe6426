// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Dispatcher: routes each Package by Kind to its
// resolver, runs resolvers concurrently (golang.org/x/sync/errgroup, one
// goroutine per package, with no limit on how many run at once), and
// merges every per-package Result into one Result for the Request.
package cachi2

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/containerbuildsystem/cachi2/internal/fetch"
	"github.com/containerbuildsystem/cachi2/internal/resolver/bundler"
	"github.com/containerbuildsystem/cachi2/internal/resolver/cargo"
	"github.com/containerbuildsystem/cachi2/internal/resolver/generic"
	"github.com/containerbuildsystem/cachi2/internal/resolver/gomod"
	"github.com/containerbuildsystem/cachi2/internal/resolver/npm"
	"github.com/containerbuildsystem/cachi2/internal/resolver/pip"
	"github.com/containerbuildsystem/cachi2/internal/resolver/yarnberry"
	"github.com/containerbuildsystem/cachi2/internal/resolver/yarnclassic"
	"github.com/containerbuildsystem/cachi2/internal/sbom"
)

// Dispatch resolves every Package in the Request, one resolver invocation
// per package, and merges the results. Resolvers run
// concurrently, one goroutine per package. Neither the goroutine count nor
// the shared Fetcher bounds outstanding network work across resolvers:
// resolvers download through FetchOne, which takes no semaphore, and
// only the artifacts passed to a single FetchMany call share a gate.
func Dispatch(ctx context.Context, r *Request) (*Result, error) {
	fetcher := fetch.NewFetcher()

	results := make([]*Result, len(r.Packages))
	g, gctx := errgroup.WithContext(ctx)
	for i, pkg := range r.Packages {
		i, pkg := i, pkg
		g.Go(func() error {
			res, err := resolveOne(gctx, r, pkg, fetcher)
			if err != nil {
				return errors.Wrapf(err, "resolving package %d (%s %s)", i, pkg.Kind, pkg.Path)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := NewResult()
	for _, res := range results {
		merged.Merge(res)
	}

	if err := detectPurlConflicts(merged.BOM.Components()); err != nil {
		return nil, err
	}

	return merged, nil
}

// resolveOne dispatches a single Package to its resolver by Kind.
func resolveOne(ctx context.Context, r *Request, pkg Package, fetcher *fetch.Fetcher) (*Result, error) {
	dir, err := r.PackageSourceDir(pkg)
	if err != nil {
		return nil, err
	}

	switch pkg.Kind {
	case KindGomod:
		return resolveGomod(ctx, r, pkg, dir)
	case KindPip:
		return resolvePip(ctx, r, pkg, dir, fetcher)
	case KindNpm:
		return resolveNpm(ctx, r, pkg, dir, fetcher)
	case KindYarn:
		return resolveYarn(ctx, r, pkg, dir)
	case KindCargo:
		return resolveCargo(ctx, r, pkg, dir)
	case KindBundler:
		return resolveBundler(ctx, r, pkg, dir, fetcher)
	case KindGeneric:
		return resolveGeneric(ctx, r, pkg, dir, fetcher)
	default:
		return nil, errors.Errorf("unsupported package kind %q", pkg.Kind)
	}
}

func componentsToResult(components []sbom.Component) *Result {
	res := NewResult()
	for _, c := range components {
		res.BOM.Add(c)
	}
	return res
}

func resolveGomod(ctx context.Context, r *Request, pkg Package, dir string) (*Result, error) {
	cacheRoot, err := r.EnsureDepsDir("gomod")
	if err != nil {
		return nil, err
	}
	out, err := gomod.Resolve(ctx, gomod.Input{
		Dir:       dir,
		CacheRoot: cacheRoot,
		Options: gomod.Options{
			CGODisable:     r.Flags.CGODisable,
			ForceGomodTidy: r.Flags.ForceGomodTidy,
			VendorCheck:    r.Flags.GomodVendorCheck,
		},
		Log: r.Log.With("pm", "gomod").With("path", pkg.Path),
	})
	if err != nil {
		return nil, err
	}
	res := componentsToResult(out.Components)
	for _, e := range out.Env {
		res.Env = append(res.Env, EnvVar{Name: e.Name, Value: e.Value, IsPath: e.IsPath})
	}
	return res, nil
}

func resolvePip(ctx context.Context, r *Request, pkg Package, dir string, fetcher *fetch.Fetcher) (*Result, error) {
	cacheRoot, err := r.EnsureDepsDir("pip")
	if err != nil {
		return nil, err
	}
	reqFiles := append(append([]string(nil), defaultRequirementsFiles(pkg)...), pkg.RequirementsBuildFiles...)
	out, err := pip.Resolve(ctx, pip.Input{
		Dir:               dir,
		RequirementsFiles: reqFiles,
		OutputDepsDir:     cacheRoot,
		Options:           pip.Options{AllowBinary: pkg.AllowBinary},
		Fetcher:           fetcher,
		Cache:             r.MetadataCache,
	})
	if err != nil {
		return nil, err
	}
	res := componentsToResult(out.Components)
	for _, e := range out.Edits {
		res.Edits = append(res.Edits, FileEdit{
			Path:        filepath.Join(pkg.Path, e.Path),
			Description: e.Description,
			Apply:       rebasedContentApply(e.NewContent, r.OutputDir),
		})
	}
	return res, nil
}

func resolveNpm(ctx context.Context, r *Request, pkg Package, dir string, fetcher *fetch.Fetcher) (*Result, error) {
	cacheRoot, err := r.EnsureDepsDir("npm")
	if err != nil {
		return nil, err
	}
	out, err := npm.Resolve(ctx, npm.Input{
		Dir:           dir,
		OutputDepsDir: cacheRoot,
		Fetcher:       fetcher,
		Cache:         r.MetadataCache,
	})
	if err != nil {
		return nil, err
	}
	res := componentsToResult(out.Components)
	for _, e := range out.Edits {
		res.Edits = append(res.Edits, FileEdit{
			Path:        filepath.Join(pkg.Path, e.Path),
			Description: e.Description,
			Apply:       rebasedContentApply(e.NewContent, r.OutputDir),
		})
	}
	return res, nil
}

// resolveYarn picks Classic or Berry by sniffing yarn.lock: the lockfile
// declares which dialect the project uses.
func resolveYarn(ctx context.Context, r *Request, pkg Package, dir string) (*Result, error) {
	isClassic, err := yarnLockIsClassic(dir)
	if err != nil {
		return nil, err
	}

	yarnGlobalDir, err := r.EnsureDepsDir("yarn")
	if err != nil {
		return nil, err
	}

	if isClassic {
		cacheRoot, err := r.EnsureDepsDir("yarn-classic")
		if err != nil {
			return nil, err
		}
		out, err := yarnclassic.Resolve(ctx, yarnclassic.Input{
			Dir:           dir,
			OutputDepsDir: cacheRoot,
			YarnGlobalDir: yarnGlobalDir,
		})
		if err != nil {
			return nil, err
		}
		res := componentsToResult(out.Components)
		for _, e := range out.Env {
			res.Env = append(res.Env, EnvVar{Name: e.Name, Value: e.Value, IsPath: e.IsPath})
		}
		return res, nil
	}

	out, err := yarnberry.Resolve(ctx, yarnberry.Input{
		Dir:           dir,
		SourceDir:     r.SourceDir,
		YarnGlobalDir: yarnGlobalDir,
	})
	if err != nil {
		return nil, err
	}
	res := componentsToResult(out.Components)
	for _, e := range out.Env {
		res.Env = append(res.Env, EnvVar{Name: e.Name, Value: e.Value, IsPath: e.IsPath})
	}
	return res, nil
}

func yarnLockIsClassic(dir string) (bool, error) {
	path := filepath.Join(dir, "yarn.lock")
	data, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrapf(err, "reading %s", path)
	}
	head := data
	if len(head) > 4096 {
		head = head[:4096]
	}
	return strings.Contains(string(head), "yarn lockfile v1"), nil
}

func resolveCargo(ctx context.Context, r *Request, pkg Package, dir string) (*Result, error) {
	cacheRoot, err := r.EnsureDepsDir("cargo")
	if err != nil {
		return nil, err
	}
	out, err := cargo.Resolve(ctx, cargo.Input{Dir: dir, CacheRoot: cacheRoot})
	if err != nil {
		return nil, err
	}
	res := componentsToResult(out.Components)
	for _, e := range out.Edits {
		res.Edits = append(res.Edits, FileEdit{
			Path:        filepath.Join(pkg.Path, e.Path),
			Description: e.Description,
			Apply:       rebasedContentApply(e.NewContent, r.OutputDir),
		})
	}
	return res, nil
}

func resolveBundler(ctx context.Context, r *Request, pkg Package, dir string, fetcher *fetch.Fetcher) (*Result, error) {
	cacheRoot, err := r.EnsureDepsDir("bundler")
	if err != nil {
		return nil, err
	}
	origin, head := gitHeadInfo(r.SourceDir)
	out, err := bundler.Resolve(ctx, bundler.Input{
		Dir:           dir,
		SourceDir:     r.SourceDir,
		OutputDepsDir: cacheRoot,
		Options:       bundler.Options{AllowBinary: pkg.AllowBinary},
		Fetcher:       fetcher,
		RepoOrigin:    origin,
		RepoHead:      head,
		Cache:         r.MetadataCache,
	})
	if err != nil {
		return nil, err
	}
	res := componentsToResult(out.Components)
	for _, e := range out.Env {
		res.Env = append(res.Env, EnvVar{Name: e.Name, Value: e.Value, IsPath: e.IsPath})
	}
	return res, nil
}

func resolveGeneric(ctx context.Context, r *Request, pkg Package, dir string, fetcher *fetch.Fetcher) (*Result, error) {
	cacheRoot, err := r.EnsureDepsDir("generic")
	if err != nil {
		return nil, err
	}
	out, err := generic.Resolve(ctx, generic.Input{
		Dir:           dir,
		Lockfile:      pkg.Lockfile,
		OutputDepsDir: cacheRoot,
		Fetcher:       fetcher,
	})
	if err != nil {
		return nil, err
	}
	return componentsToResult(out.Components), nil
}

func defaultRequirementsFiles(pkg Package) []string {
	if len(pkg.RequirementsFiles) > 0 {
		return pkg.RequirementsFiles
	}
	return []string{"requirements.txt"}
}

// gitHeadInfo best-effort reads the enclosing git working tree's origin
// remote and HEAD commit for bundler's PATH-gem vcs_url qualifier. Absence
// of a .git directory, or of an "origin" remote, is simply "no qualifier",
// not an error -- bundler.Resolve already treats an empty RepoOrigin or
// RepoHead as "omit the qualifier".
func gitHeadInfo(sourceDir string) (origin, head string) {
	if out, err := exec.Command("git", "-C", sourceDir, "rev-parse", "HEAD").Output(); err == nil {
		head = strings.TrimSpace(string(out))
	}
	if out, err := exec.Command("git", "-C", sourceDir, "remote", "get-url", "origin").Output(); err == nil {
		origin = strings.TrimSpace(string(out))
	}
	return origin, head
}

// rebasedContentApply builds a FileEdit.Apply that writes a resolver's
// replacement content after rebasing every reference to the output
// directory: cargo's explicit placeholder, and the literal output path the
// pip and npm rewrites embedded at resolve time.
func rebasedContentApply(content []byte, outputDir string) func(absPath, forOutputDir string) error {
	return func(absPath, forOutputDir string) error {
		b := bytes.ReplaceAll(content, []byte(cargo.Placeholder), []byte(forOutputDir))
		if outputDir != "" && outputDir != forOutputDir {
			b = bytes.ReplaceAll(b, []byte(outputDir), []byte(forOutputDir))
		}
		return writeFileAtomic(absPath, b)
	}
}

// detectPurlConflicts rejects two Components that share a purl's base
// identity (type/namespace/name@version, i.e. everything before the query
// string) but disagree on their qualifiers -- e.g. two resolvers computing
// a different checksum for what should be the same artifact.
func detectPurlConflicts(components []sbom.Component) error {
	byBase := map[string][]sbom.Component{}
	for _, c := range components {
		base, _, _ := strings.Cut(c.Purl, "?")
		byBase[base] = append(byBase[base], c)
	}
	for base, cs := range byBase {
		for _, c := range cs[1:] {
			if c.Purl != cs[0].Purl {
				return errors.Errorf("conflicting attributes for %s: %q vs %q", base, cs[0].Purl, c.Purl)
			}
		}
	}
	return nil
}
