// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gomod is the gomod Resolver: it drives the Go
// toolchain in an isolated cache and parses its JSON outputs to produce a
// module cache usable offline and a full SBOM of modules and packages.
//
// The go.mod and go.work manifests are read up front with
// golang.org/x/mod/modfile, since the toolchain floor/ceiling decision
// must happen before any subprocess runs; everything else comes from the
// go tool's own JSON output.
package gomod

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
	"github.com/termie/go-shutil"
	"golang.org/x/mod/modfile"

	"github.com/containerbuildsystem/cachi2/internal/pathguard"
	"github.com/containerbuildsystem/cachi2/internal/rlog"
	"github.com/containerbuildsystem/cachi2/internal/sbom"
)

// Options are the gomod-specific request settings.
type Options struct {
	CGODisable       bool
	ForceGomodTidy   bool
	VendorCheck      bool
	ToolchainCeiling string // e.g. "1.23.0"; empty means "no ceiling enforced"
}

// Input is everything one gomod resolution needs.
type Input struct {
	// Dir is the absolute, already path-guard-confined directory
	// containing go.mod.
	Dir string
	// CacheRoot is <output>/deps/gomod, already created.
	CacheRoot string
	Options   Options
	Log       *rlog.Logger
}

// Output carries the resolver's share of the request result (no file
// edits; gomod never rewrites the source tree).
type Output struct {
	Components []sbom.Component
	Env        []EnvVar
}

// EnvVar is a resolver-local alias kept distinct from the root cachi2.EnvVar
// type so this package has no import-cycle dependency on the root package;
// the dispatcher adapts between the two.
type EnvVar struct {
	Name, Value string
	IsPath      bool
}

// moduleRecord mirrors one JSON object from `go mod download -json` (and,
// where overlapping, `go list -m -json`).
type moduleRecord struct {
	Path     string
	Version  string
	Main     bool
	Indirect bool
	GoMod    string
	Zip      string
	Sum      string
	GoModSum string
	Dir      string
}

// packageRecord mirrors one JSON object from
// `go list -deps -json=ImportPath,Module,Standard,Deps all`.
type packageRecord struct {
	ImportPath string
	Standard   bool
	Module     *moduleRecord
	Deps       []string
}

// Resolve populates the module cache and builds the SBOM for one gomod
// package, or for every member of a go.work workspace.
func Resolve(ctx context.Context, in Input) (*Output, error) {
	log := in.Log
	if log == nil {
		log = rlog.Default()
	}
	goModPath := filepath.Join(in.Dir, "go.mod")
	data, goModErr := os.ReadFile(goModPath)

	workPath := filepath.Join(in.Dir, "go.work")
	workData, workErr := os.ReadFile(workPath)
	if goModErr != nil && workErr != nil {
		return nil, errors.Wrapf(goModErr, "reading go.mod at %s (gomod requires a go.mod or go.work at the package path)", goModPath)
	}

	env, err := buildEnv(in)
	if err != nil {
		return nil, err
	}

	if goModErr == nil {
		mf, err := modfile.Parse(goModPath, data, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s", goModPath)
		}
		if mf.Go != nil {
			toolchain, err := checkToolchainPolicy(mf.Go.Version, in.Options.ToolchainCeiling)
			if err != nil {
				return nil, err
			}
			if toolchain != "" {
				env = append(env, "GOTOOLCHAIN="+toolchain)
			}
		}
	}

	if vendored, err := vendorHasContent(filepath.Join(in.Dir, "vendor")); err != nil {
		return nil, err
	} else if !vendored {
		env = append(env, "GOFLAGS=-mod=mod")
	}

	var components []sbom.Component
	if workErr == nil {
		components, err = resolveWorkspace(ctx, in, workPath, workData, env, log)
	} else if goModErr == nil {
		components, err = resolveModuleDir(ctx, in.Dir, env, in.Options, log)
	} else {
		return nil, errors.Wrapf(workErr, "reading %s", workPath)
	}
	if err != nil {
		return nil, err
	}

	out := &Output{Env: env2slice(env, in.CacheRoot), Components: components}
	return out, nil
}

// resolveWorkspace handles a go.work manifest: it names a set of module
// directories (relative to the workspace root);
// each is resolved with the same per-module algorithm as a standalone
// gomod package and the resulting components are merged. The module
// cache (GOMODCACHE) is shared across every workspace member so a
// dependency pulled in by two members is only downloaded once.
func resolveWorkspace(ctx context.Context, in Input, workPath string, workData []byte, env []string, log *rlog.Logger) ([]sbom.Component, error) {
	wf, err := modfile.ParseWork(workPath, workData, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", workPath)
	}
	if len(wf.Use) == 0 {
		return nil, errors.Errorf("%s declares no use directives", workPath)
	}

	var out []sbom.Component
	for _, use := range wf.Use {
		dir := filepath.Join(filepath.Dir(workPath), use.Path)
		data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
		if err != nil {
			return nil, errors.Wrapf(err, "reading go.mod for workspace member %s", use.Path)
		}
		mf, err := modfile.Parse(filepath.Join(dir, "go.mod"), data, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing go.mod for workspace member %s", use.Path)
		}
		if mf.Go != nil {
			if _, err := checkToolchainPolicy(mf.Go.Version, in.Options.ToolchainCeiling); err != nil {
				return nil, err
			}
		}

		log.Infof("resolving workspace member %s", use.Path)
		components, err := resolveModuleDir(ctx, dir, append([]string(nil), env...), in.Options, log.With("workspace-member", use.Path))
		if err != nil {
			return nil, errors.Wrapf(err, "workspace member %s", use.Path)
		}
		out = append(out, components...)
	}
	return out, nil
}

// resolveModuleDir resolves a single module directory (either a
// standalone gomod package or one go.work member) and returns its SBOM
// components.
func resolveModuleDir(ctx context.Context, dir string, env []string, opts Options, log *rlog.Logger) ([]sbom.Component, error) {
	vendorDir := filepath.Join(dir, "vendor")
	vendored, err := vendorHasContent(vendorDir)
	if err != nil {
		return nil, err
	}

	var modules []moduleRecord
	var packages []packageRecord

	if vendored {
		log.Infof("vendor/ detected at %s; skipping module cache population", dir)
		if opts.VendorCheck {
			if err := checkVendorDivergence(ctx, dir, env, log); err != nil {
				return nil, err
			}
		}
		modules, packages, err = listFromVendor(ctx, dir, env)
		if err != nil {
			return nil, err
		}
	} else {
		modules, err = downloadModules(ctx, dir, env)
		if err != nil {
			return nil, err
		}
		if opts.ForceGomodTidy {
			if err := runGo(ctx, dir, env, nil, "mod", "tidy"); err != nil {
				return nil, errors.Wrap(err, "go mod tidy")
			}
		}
		packages, err = listPackages(ctx, dir, env)
		if err != nil {
			return nil, err
		}
	}

	goSumMissing, err := goSumMissingModules(dir, modules)
	if err != nil {
		return nil, err
	}

	return buildComponents(modules, packages, goSumMissing), nil
}

func buildEnv(in Input) ([]string, error) {
	gopath := in.CacheRoot
	gomodcache := filepath.Join(in.CacheRoot, "pkg", "mod")
	gocache := filepath.Join(in.CacheRoot, "cache", "build")
	for _, d := range []string{gopath, gomodcache, gocache} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating gomod cache directory %s", d)
		}
	}

	env := os.Environ()
	env = append(env,
		"GOPATH="+gopath,
		"GOMODCACHE="+gomodcache,
		"GOCACHE="+gocache,
		"GOSUMDB=sum.golang.org",
	)
	if in.Options.CGODisable {
		env = append(env, "CGO_ENABLED=0")
	}
	return env, nil
}

func env2slice(env []string, cacheRoot string) []EnvVar {
	// Surface only the variables a build environment actually needs;
	// GOPROXY=off is an internal enforcement detail of the resolver run,
	// not something the later offline build should inherit verbatim.
	names := []string{"GOPATH", "GOMODCACHE", "GOCACHE", "GOFLAGS", "GOTOOLCHAIN", "GOSUMDB"}
	last := map[string]string{}
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			last[k] = v
		}
	}
	var out []EnvVar
	for _, k := range names {
		v, ok := last[k]
		if !ok {
			continue
		}
		out = append(out, EnvVar{Name: k, Value: v, IsPath: strings.HasPrefix(v, cacheRoot)})
	}
	return out
}

// checkToolchainPolicy decides the GOTOOLCHAIN setting for a module. Below
// go 1.21 the host toolchain is used as-is (empty return). From 1.21 on the
// directive floors the toolchain at <major>.<minor>.0 and "auto" lets the
// go command self-upgrade; a floor above the configured ceiling is clamped
// to the ceiling's <major>.<minor>.0 toolchain rather than refused.
func checkToolchainPolicy(goDirective, ceiling string) (string, error) {
	v, err := semver.NewVersion(goDirective)
	if err != nil {
		return "", errors.Wrapf(err, "parsing go directive version %q", goDirective)
	}
	if v.Major() == 1 && v.Minor() < 21 {
		return "", nil // host toolchain is used as-is below 1.21
	}
	if ceiling == "" {
		return "auto", nil
	}
	floor, err := semver.NewVersion(fmt.Sprintf("%d.%d.0", v.Major(), v.Minor()))
	if err != nil {
		return "", errors.Wrapf(err, "building toolchain floor for go directive %q", goDirective)
	}
	ceilingV, err := semver.NewVersion(ceiling)
	if err != nil {
		return "", errors.Wrapf(err, "parsing toolchain ceiling %q", ceiling)
	}
	if floor.Compare(ceilingV) > 0 {
		return fmt.Sprintf("go%d.%d.0", ceilingV.Major(), ceilingV.Minor()), nil
	}
	return "auto", nil
}

func vendorHasContent(vendorDir string) (bool, error) {
	ok, err := pathguard.IsDir(vendorDir)
	if err != nil || !ok {
		return false, err
	}
	entries, err := os.ReadDir(vendorDir)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func runGo(ctx context.Context, dir string, env []string, stdout *[]byte, args ...string) error {
	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = dir
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if stdout != nil {
		*stdout = out
	}
	if err != nil {
		return errors.Errorf("go %s failed: %s\n%s", strings.Join(args, " "), err, truncate(out, 4096))
	}
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return append(b[:n:n], []byte("... (truncated)")...)
}

func downloadModules(ctx context.Context, dir string, env []string) ([]moduleRecord, error) {
	cmd := exec.CommandContext(ctx, "go", "mod", "download", "-json")
	cmd.Dir = dir
	cmd.Env = env
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "go mod download -json")
	}
	return decodeModuleStream(out)
}

func listFromVendor(ctx context.Context, dir string, env []string) ([]moduleRecord, []packageRecord, error) {
	cmd := exec.CommandContext(ctx, "go", "list", "-mod=vendor", "-m", "-json", "all")
	cmd.Dir = dir
	cmd.Env = append(append([]string(nil), env...), "GOPROXY=off")
	out, err := cmd.Output()
	if err != nil {
		return nil, nil, errors.Wrap(err, "go list -mod=vendor -m -json all")
	}
	modules, err := decodeModuleStream(out)
	if err != nil {
		return nil, nil, err
	}
	packages, err := listPackagesWith(ctx, dir, env, "-mod=vendor")
	return modules, packages, err
}

func decodeModuleStream(out []byte) ([]moduleRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(out))
	var modules []moduleRecord
	for dec.More() {
		var m moduleRecord
		if err := dec.Decode(&m); err != nil {
			return nil, errors.Wrap(err, "decoding go module JSON stream")
		}
		if m.Main {
			continue
		}
		modules = append(modules, m)
	}
	return modules, nil
}

func listPackages(ctx context.Context, dir string, env []string) ([]packageRecord, error) {
	return listPackagesWith(ctx, dir, env)
}

func listPackagesWith(ctx context.Context, dir string, env []string, extraArgs ...string) ([]packageRecord, error) {
	args := append([]string{"list"}, extraArgs...)
	args = append(args, "-deps", "-json=ImportPath,Module,Standard,Deps", "all")
	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = dir
	// Enumeration happens after the cache is populated; any further
	// network access by the go tool at this point is a bug.
	cmd.Env = append(append([]string(nil), env...), "GOPROXY=off")
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "go %s", strings.Join(args, " "))
	}

	dec := json.NewDecoder(bytes.NewReader(out))
	var pkgs []packageRecord
	for dec.More() {
		var p packageRecord
		if err := dec.Decode(&p); err != nil {
			return nil, errors.Wrap(err, "decoding go package JSON stream")
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, nil
}

// checkVendorDivergence runs `go mod vendor` in a scratch copy of dir and
// fails if the result differs from the repo's committed vendor/.
func checkVendorDivergence(ctx context.Context, dir string, env []string, log *rlog.Logger) error {
	scratch, err := os.MkdirTemp("", "cachi2-gomod-vendor-check-*")
	if err != nil {
		return errors.Wrap(err, "creating scratch dir for vendor check")
	}
	defer os.RemoveAll(scratch)

	if err := copyTree(dir, scratch); err != nil {
		return errors.Wrap(err, "copying source tree for vendor check")
	}

	if err := runGo(ctx, scratch, env, nil, "mod", "vendor"); err != nil {
		return errors.Wrap(err, "go mod vendor (vendor divergence check)")
	}

	diffs, err := diffDirs(filepath.Join(dir, "vendor"), filepath.Join(scratch, "vendor"))
	if err != nil {
		return err
	}
	if len(diffs) > 0 {
		log.Warnf("vendor/ diverges from `go mod vendor` output: %s", strings.Join(diffs, "; "))
		return errors.Errorf("vendor/ is out of sync with go.mod/go.sum: %s", strings.Join(diffs, ", "))
	}
	return nil
}

// copyTree duplicates dir into a scratch location for the vendor
// divergence check, skipping .git since the scratch copy never needs
// version-control metadata.
func copyTree(src, dst string) error {
	opts := &shutil.CopyTreeOptions{
		Symlinks:               true,
		IgnoreDanglingSymlinks: true,
		Ignore: func(_ string, contents []os.FileInfo) []string {
			var ignored []string
			for _, fi := range contents {
				if fi.Name() == ".git" {
					ignored = append(ignored, fi.Name())
				}
			}
			return ignored
		},
	}
	return shutil.CopyTree(src, dst, opts)
}

func diffDirs(a, b string) ([]string, error) {
	filesA := map[string]bool{}
	if ok, _ := pathguard.IsDir(a); ok {
		if err := pathguard.WalkFiles(a, func(rel string) error {
			filesA[rel] = true
			return nil
		}); err != nil {
			return nil, err
		}
	}
	var diffs []string
	if err := pathguard.WalkFiles(b, func(rel string) error {
		if !filesA[rel] {
			diffs = append(diffs, "added: "+rel)
			return nil
		}
		delete(filesA, rel)
		ca, errA := os.ReadFile(filepath.Join(a, rel))
		cb, errB := os.ReadFile(filepath.Join(b, rel))
		if errA != nil || errB != nil {
			diffs = append(diffs, "unreadable: "+rel)
			return nil
		}
		if string(ca) != string(cb) {
			diffs = append(diffs, "changed: "+rel)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	for rel := range filesA {
		diffs = append(diffs, "removed: "+rel)
	}
	return diffs, nil
}

// goSumMissingModules returns the set of module paths that have no go.sum
// entry. Such a module gets a cachi2:missing_hash:in_file property, as
// does every package it provides.
func goSumMissingModules(dir string, modules []moduleRecord) (map[string]bool, error) {
	sumPath := filepath.Join(dir, "go.sum")
	present := map[string]bool{}
	f, err := os.Open(sumPath)
	if err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) >= 2 {
				present[fields[0]+"@"+fields[1]] = true
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "reading %s", sumPath)
	}

	missing := map[string]bool{}
	for _, m := range modules {
		key := m.Path + "@" + m.Version
		goModKey := m.Path + "@" + m.Version + "/go.mod"
		if !present[key] && !present[goModKey] {
			missing[m.Path] = true
		}
	}
	return missing, nil
}

func buildComponents(modules []moduleRecord, packages []packageRecord, goSumMissing map[string]bool) []sbom.Component {
	var out []sbom.Component
	moduleVersion := map[string]string{}

	for _, m := range modules {
		c := sbom.Component{
			Name:    m.Path,
			Version: m.Version,
			Purl:    sbom.Purl("golang", "", m.Path, m.Version, nil),
			Type:    sbom.TypeLibrary,
		}
		c.AddProperty(sbom.PropFoundBy, "cachi2:gomod")
		if goSumMissing[m.Path] {
			c.AddProperty(sbom.PropMissingHash, "go.sum")
		}
		out = append(out, c)
		moduleVersion[m.Path] = m.Version
	}

	for _, p := range packages {
		if p.Standard {
			c := sbom.Component{
				Name: p.ImportPath,
				Purl: sbom.Purl("golang", "", p.ImportPath, "", nil),
				Type: sbom.TypeLibrary,
			}
			c.AddProperty(sbom.PropFoundBy, "cachi2:gomod")
			out = append(out, c)
			continue
		}
		if p.Module == nil {
			continue
		}
		c := sbom.Component{
			Name:    p.ImportPath,
			Version: p.Module.Version,
			Purl:    sbom.Purl("golang", "", p.ImportPath, p.Module.Version, nil),
			Type:    sbom.TypeLibrary,
		}
		c.AddProperty(sbom.PropFoundBy, "cachi2:gomod")
		if goSumMissing[p.Module.Path] {
			c.AddProperty(sbom.PropMissingHash, "go.sum")
		}
		out = append(out, c)
	}
	return out
}
