// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/containerbuildsystem/cachi2/internal/cachedb"
	"github.com/containerbuildsystem/cachi2/internal/rlog"

	cachi2 "github.com/containerbuildsystem/cachi2"
)

// injectFilesCommand implements the `inject-files` subcommand: rewrite
// the project files a fetch-deps run requested (npm
// lockfiles, cargo's .cargo/config.toml, pip's requirements.txt) by
// re-running Dispatch against the already-populated output directory.
// The Fetch Primitive skips an artifact whose target path already matches
// its expected checksums; artifacts without checksums are downloaded
// again, VCS dependencies are cloned again unless --cache-dir supplies a
// metadata-cache hit, and the gomod, yarn and cargo resolvers run their
// package-manager tools again.
type injectFilesCommand struct {
	source       string
	output       string
	logLevel     string
	forOutputDir string
	cacheDir     string
}

func (c *injectFilesCommand) Name() string { return "inject-files" }
func (c *injectFilesCommand) Args() string { return "<package-json>" }
func (c *injectFilesCommand) ShortHelp() string {
	return "rewrite project files to point at an already-populated offline cache"
}
func (c *injectFilesCommand) LongHelp() string {
	return `inject-files re-derives the same file edits fetch-deps would have requested
for the given package JSON (the same shapes fetch-deps accepts: a bare
package-kind string, a single package object, an array, or
{"packages": [...]}) and applies them against --source.

--for-output-dir rebases any reference the edits make to --output onto a
different path, for use after the deps/ tree has been copied elsewhere.`
}

func (c *injectFilesCommand) Register(fs *pflag.FlagSet) {
	fs.StringVar(&c.source, "source", ".", "the source repository the edits apply to")
	fs.StringVar(&c.output, "output", "", "the output directory a fetch-deps run populated (required)")
	fs.StringVar(&c.logLevel, "log-level", "info", "debug, info, warn, or error")
	fs.StringVar(&c.forOutputDir, "for-output-dir", "", "rebase edits onto this directory instead of --output")
	fs.StringVar(&c.cacheDir, "cache-dir", "", "a directory for the persistent cross-run metadata cache (optional)")
}

func (c *injectFilesCommand) Run(ctx context.Context, cfg *Config, args []string) error {
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
	// inject-files re-derives edits for whatever fetch-deps already
	// resolved, so the experimental-kind gate has already been passed.
	req, err := cachi2.NewRequest(c.source, c.output, packages, cachi2.Flags{DevPackageManagers: true}, log)
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

	if err := cachi2.InjectFiles(req, result, c.forOutputDir); err != nil {
		return errors.Wrap(err, "applying file edits")
	}

	log.Infof("applied %d file edit(s) against %s", len(result.Edits), req.SourceDir)
	return nil
}
