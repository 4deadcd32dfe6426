// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cachi2 carries the Request / Output Layout:
// the immutable, validated description of one fetch-deps invocation, and
// the canonical on-disk cache shape its resolvers populate.
//
// Request is the sole carrier of configuration and logging context for a
// run. Nothing here is a package-level global; every resolver receives its
// Request (and a request-scoped *rlog.Logger) as an explicit argument
// rather than reaching for ambient state.
package cachi2

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/containerbuildsystem/cachi2/internal/cachedb"
	"github.com/containerbuildsystem/cachi2/internal/pathguard"
	"github.com/containerbuildsystem/cachi2/internal/rlog"
)

// Kind names a supported package manager: gomod, pip, npm, yarn, cargo,
// bundler or generic. Dispatch on Kind is a switch in the Dispatcher,
// never an interface hierarchy.
type Kind string

const (
	KindGomod   Kind = "gomod"
	KindPip     Kind = "pip"
	KindNpm     Kind = "npm"
	KindYarn    Kind = "yarn"
	KindCargo   Kind = "cargo"
	KindBundler Kind = "bundler"
	KindGeneric Kind = "generic"
)

// AllKinds lists every supported Kind, used for input validation and help
// text.
func AllKinds() []Kind {
	return []Kind{KindGomod, KindPip, KindNpm, KindYarn, KindCargo, KindBundler, KindGeneric}
}

// devKinds are the resolvers still considered experimental; selecting one
// requires the dev-package-managers flag.
var devKinds = map[Kind]bool{KindBundler: true, KindGeneric: true}

// Package is one input package entry: a package-manager kind, a path
// relative to the Request's SourceDir, and kind-specific options.
//
// Each resolver package validates its own option fields from this shared
// shape, so adding an ecosystem-specific flag never has to touch more than
// the resolver that reads it.
type Package struct {
	Kind Kind
	Path string // relative to SourceDir

	// AllowBinary permits resolvers that otherwise reject prebuilt
	// binaries (pip wheels, bundler platform gems) to fetch them anyway.
	AllowBinary bool

	// RequirementsFiles / RequirementsBuildFiles are pip-specific but
	// live here because the CLI's JSON input schema puts them on the
	// package object directly, not in a nested dict.
	RequirementsFiles      []string
	RequirementsBuildFiles []string

	// Lockfile overrides the generic resolver's default
	// artifacts.lock.yaml filename with an explicit path, either absolute
	// or relative to the package's own directory (SourceDir joined with
	// Path).
	Lockfile string
}

// Flags are the global, request-wide switches.
type Flags struct {
	CGODisable         bool
	ForceGomodTidy     bool
	GomodVendorCheck   bool
	DevPackageManagers bool
}

// Request describes one fetch-deps invocation. Construct one with
// NewRequest; apart from MetadataCache, its fields are not mutated
// afterward.
type Request struct {
	SourceDir string
	OutputDir string
	Packages  []Package
	Flags     Flags

	Log *rlog.Logger

	// MetadataCache is the optional, disk-backed cache of resolved VCS
	// commits and archives. A nil value (the default) is a fully valid
	// always-miss cache: every VCS fetch falls back to a full
	// clone. Callers that want it enabled open one with cachedb.Open and
	// assign it here before calling Dispatch.
	MetadataCache *cachedb.DB

	sourceGuard *pathguard.Guard
	outputGuard *pathguard.Guard
}

// NewRequest validates and constructs a Request: SourceDir must exist and
// be a directory, every Package's Path must normalize inside SourceDir,
// and every file named in RequirementsFiles must exist.
func NewRequest(sourceDir, outputDir string, packages []Package, flags Flags, log *rlog.Logger) (*Request, error) {
	absSource, err := filepath.Abs(sourceDir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving absolute path for source dir %q", sourceDir)
	}
	absOutput, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving absolute path for output dir %q", outputDir)
	}

	if ok, err := pathguard.IsDir(absSource); err != nil {
		return nil, errors.Wrapf(err, "checking source dir %q", absSource)
	} else if !ok {
		return nil, errors.Errorf("source dir %q does not exist", absSource)
	}

	sourceGuard, err := pathguard.New(absSource)
	if err != nil {
		return nil, err
	}
	outputGuard, err := pathguard.New(absOutput)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = rlog.Default()
	}

	req := &Request{
		SourceDir:   absSource,
		OutputDir:   absOutput,
		Packages:    packages,
		Flags:       flags,
		Log:         log,
		sourceGuard: sourceGuard,
		outputGuard: outputGuard,
	}

	for i, pkg := range packages {
		if devKinds[pkg.Kind] && !flags.DevPackageManagers {
			return nil, errors.Errorf("package %d: %s support is experimental; pass --dev-package-managers to enable it", i, pkg.Kind)
		}
		if _, err := req.PackageSourceDir(pkg); err != nil {
			return nil, errors.Wrapf(err, "package %d (%s)", i, pkg.Kind)
		}
		for _, rf := range pkg.RequirementsFiles {
			full, err := req.ResolveSourcePath(filepath.Join(pkg.Path, rf))
			if err != nil {
				return nil, errors.Wrapf(err, "package %d requirements file %q", i, rf)
			}
			if ok, err := pathguard.IsRegular(full); err != nil {
				return nil, err
			} else if !ok {
				return nil, errors.Errorf("package %d: requirements file %q does not exist", i, full)
			}
		}
	}

	return req, nil
}

// ResolveSourcePath confines rel inside SourceDir.
func (r *Request) ResolveSourcePath(rel string) (string, error) {
	return r.sourceGuard.Resolve(rel)
}

// ResolveOutputPath confines rel inside OutputDir.
func (r *Request) ResolveOutputPath(rel string) (string, error) {
	return r.outputGuard.Resolve(rel)
}

// PackageSourceDir returns the confined, absolute directory for a Package.
func (r *Request) PackageSourceDir(pkg Package) (string, error) {
	return r.ResolveSourcePath(pkg.Path)
}

// DepsDir returns (and confines) the <output>/deps/<pm> cache root for a
// package-manager kind.
func (r *Request) DepsDir(pm string) (string, error) {
	return r.ResolveOutputPath(filepath.Join("deps", pm))
}
