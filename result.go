// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cachi2

import "github.com/containerbuildsystem/cachi2/internal/sbom"

// EnvVar is one outgoing environment variable a resolver wants the build
// environment to carry.
type EnvVar struct {
	Name  string
	Value string
	// IsPath distinguishes a literal value from one that needs
	// --for-output-dir rebasing at generate-env time (e.g. an absolute
	// path into the output cache). generate-env is a thin, mostly
	// mechanical component, so
	// the distinction is a single bool rather than a type hierarchy.
	IsPath bool
}

// FileEdit is a project-file rewrite a resolver requests. inject-files
// applies these after every fetch in the Request succeeds, and output.json
// lists every one of them.
type FileEdit struct {
	// Path is relative to the Request's SourceDir.
	Path string
	// Description is a short human-readable summary recorded in
	// output.json.
	Description string
	// Apply performs the rewrite; it receives the already-resolved,
	// guard-confined absolute path as produced by Request.ResolveSourcePath,
	// and forOutputDir, the (possibly rebased) output directory the
	// rewritten references should point at.
	Apply func(absPath string, forOutputDir string) error
}

// Result is what a resolver hands back: a BOM, a list of environment
// variables, and a list of file edits. Resolvers return one
// per input Package; the Dispatcher merges them.
type Result struct {
	BOM   *sbom.BOM
	Env   []EnvVar
	Edits []FileEdit
}

// NewResult returns an empty, mergeable Result.
func NewResult() *Result {
	return &Result{BOM: sbom.NewBOM("")}
}

// Merge unions other into r. BOM merge is commutative (sbom.BOM.Merge);
// Env and Edits are appended in order, since two resolvers contributing
// the same env var name is a caller (Dispatcher) conflict-detection
// concern, not something Result itself dedupes.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.BOM.Merge(other.BOM)
	r.Env = append(r.Env, other.Env...)
	r.Edits = append(r.Edits, other.Edits...)
}
