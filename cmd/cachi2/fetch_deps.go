// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/containerbuildsystem/cachi2/internal/cachedb"
	"github.com/containerbuildsystem/cachi2/internal/rlog"

	cachi2 "github.com/containerbuildsystem/cachi2"
)

type fetchDepsCommand struct {
	source      string
	output      string
	logLevel    string
	sbomFormat  string
	cgoDisable  bool
	forceTidy   bool
	vendorCheck bool
	devPkgMgrs  bool
	cacheDir    string
}

func (c *fetchDepsCommand) Name() string { return "fetch-deps" }
func (c *fetchDepsCommand) Args() string { return "<package-json>" }
func (c *fetchDepsCommand) ShortHelp() string {
	return "resolve one or more package managers and populate the offline cache"
}
func (c *fetchDepsCommand) LongHelp() string {
	return `fetch-deps reads a JSON package description (a single package object, an
array of package objects, or {"packages": [...]}), resolves every declared
package manager into <output>/deps/<pm>, rewrites project files that need
to point at the offline cache, and writes output.json, bom.json (or
bom.spdx.json with --sbom-format spdx) and cachi2.env.json to <output>.`
}

func (c *fetchDepsCommand) Register(fs *pflag.FlagSet) {
	fs.StringVar(&c.source, "source", ".", "the source repository to fetch dependencies for")
	fs.StringVar(&c.output, "output", "", "the directory to populate with fetched dependencies (required)")
	fs.StringVar(&c.logLevel, "log-level", "info", "debug, info, warn, or error")
	fs.StringVar(&c.sbomFormat, "sbom-format", "cyclonedx", "cyclonedx or spdx")
	fs.BoolVar(&c.cgoDisable, "cgo-disable", false, "set CGO_ENABLED=0 semantics for the gomod resolver")
	fs.BoolVar(&c.forceTidy, "force-gomod-tidy", false, "run go mod tidy before resolving gomod packages")
	fs.BoolVar(&c.vendorCheck, "gomod-vendor-check", false, "verify an existing vendor/ matches go.mod/go.sum")
	fs.BoolVar(&c.devPkgMgrs, "dev-package-managers", false, "allow package managers marked experimental")
	fs.StringVar(&c.cacheDir, "cache-dir", "", "a directory for the persistent cross-run metadata cache (optional)")
}

func (c *fetchDepsCommand) Run(ctx context.Context, cfg *Config, args []string) error {
	if c.output == "" {
		return errors.New("--output is required")
	}
	if len(args) != 1 {
		return errors.Errorf("expected exactly one JSON package argument, got %d", len(args))
	}

	data, err := readArgOrFile(args[0])
	if err != nil {
		return err
	}
	inputs, err := parsePackagesJSON(data)
	if err != nil {
		return err
	}

	packages := make([]cachi2.Package, 0, len(inputs))
	for i, pi := range inputs {
		if err := validatePackageKind(pi.Type); err != nil {
			return errors.Wrapf(err, "package %d", i)
		}
		packages = append(packages, cachi2.Package{
			Kind:                   cachi2.Kind(pi.Type),
			Path:                   pi.Path,
			AllowBinary:            pi.AllowBinary,
			RequirementsFiles:      pi.RequirementsFiles,
			RequirementsBuildFiles: pi.RequirementsBuildFiles,
			Lockfile:               pi.Lockfile,
		})
	}

	log := rlog.New(cfg.Stderr, rlog.ParseLevel(c.logLevel))
	flags := cachi2.Flags{
		CGODisable:         c.cgoDisable,
		ForceGomodTidy:     c.forceTidy,
		GomodVendorCheck:   c.vendorCheck,
		DevPackageManagers: c.devPkgMgrs,
	}

	req, err := cachi2.NewRequest(c.source, c.output, packages, flags, log)
	if err != nil {
		return errors.Wrap(err, "invalid request")
	}

	if c.cacheDir != "" {
		db, err := cachedb.Open(filepath.Join(c.cacheDir, "cachi2.db"))
		if err != nil {
			return errors.Wrap(err, "opening --cache-dir")
		}
		defer db.Close()
		req.MetadataCache = db
	}

	result, err := cachi2.Dispatch(ctx, req)
	if err != nil {
		return err
	}

	if err := cachi2.InjectFiles(req, result, req.OutputDir); err != nil {
		return errors.Wrap(err, "applying file edits")
	}
	if err := cachi2.WriteEnvFile(req, result); err != nil {
		return errors.Wrap(err, "writing cachi2.env.json")
	}
	if err := cachi2.WriteOutputs(req, result, c.sbomFormat); err != nil {
		return err
	}

	log.Infof("resolved %d package(s) into %s", len(packages), req.OutputDir)
	return nil
}

// readArgOrFile treats arg as literal JSON unless it names an existing
// file, in which case the file's contents are used -- a small convenience
// so large package lists don't have to be crammed onto one shell argument.
// A bare package-kind word (e.g. "gomod", unquoted) is the shortest
// accepted form; it is quoted into a JSON string literal before
// parsePackagesJSON ever sees it.
func readArgOrFile(arg string) ([]byte, error) {
	if len(arg) > 0 && (arg[0] == '{' || arg[0] == '[' || arg[0] == '"') {
		return []byte(arg), nil
	}
	if validKinds[arg] {
		return []byte(`"` + arg + `"`), nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, errors.Wrapf(err, "reading package input %q", arg)
	}
	return data, nil
}
