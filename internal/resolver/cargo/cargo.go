// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cargo is the cargo Resolver: it drives
// `cargo vendor --locked --frozen` into the output cache and parses
// Cargo.lock to emit SBOM components and a source-replacement config the
// later offline build consumes.
//
// Cargo.lock is TOML, so it is parsed with github.com/pelletier/go-toml.
// The synthesized .cargo/config.toml, by contrast, is `cargo vendor`'s own
// stdout verbatim (plus a placeholder substitution), so no TOML encoding
// is needed for that half.
package cargo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/containerbuildsystem/cachi2/internal/sbom"
)

// Placeholder is substituted into the vendor directory line of the
// generated .cargo/config.toml; the enclosing inject-files step rebases it
// with --for-output-dir.
const Placeholder = "{cachi2-output}"

// Input is everything one cargo resolution needs.
type Input struct {
	Dir       string // package directory containing Cargo.toml/Cargo.lock
	CacheRoot string // <output>/deps/cargo
}

// Output carries the resolver's share of the request result.
type Output struct {
	Components []sbom.Component
	Edits      []Edit
}

// Edit describes the synthesized .cargo/config.toml write.
type Edit struct {
	Path        string // relative to Dir: ".cargo/config.toml"
	Description string
	NewContent  []byte
}

type lockPackage struct {
	Name        string
	Version     string
	Source      string
	Checksum    string
	IsWorkspace bool
}

// Resolve vendors the crate graph and builds SBOM components from
// Cargo.lock.
func Resolve(ctx context.Context, in Input) (*Output, error) {
	lockPath := filepath.Join(in.Dir, "Cargo.lock")
	lockData, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s (cargo requires a committed Cargo.lock)", lockPath)
	}
	if _, err := os.Stat(filepath.Join(in.Dir, "Cargo.toml")); err != nil {
		return nil, errors.Wrapf(err, "cargo requires a Cargo.toml at %s", in.Dir)
	}

	packages, err := parseCargoLock(lockData)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", lockPath)
	}

	vendorDir := filepath.Join(in.CacheRoot, "vendor")
	if err := os.MkdirAll(vendorDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", vendorDir)
	}

	cmd := exec.CommandContext(ctx, "cargo", "vendor", "--locked", "--frozen", vendorDir)
	cmd.Dir = in.Dir
	stdout, err := cmd.Output()
	if err != nil {
		var stderr []byte
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = ee.Stderr
		}
		return nil, errors.Errorf("cargo vendor --locked --frozen failed: %s\n%s", err, truncate(stderr, 4096))
	}

	rewritten := strings.ReplaceAll(string(stdout), vendorDir, Placeholder+"/deps/cargo/vendor")

	out := &Output{
		Components: buildComponents(packages),
		Edits: []Edit{{
			Path:        filepath.Join(".cargo", "config.toml"),
			Description: "pointed cargo at the vendored crate directory",
			NewContent:  []byte(rewritten),
		}},
	}
	return out, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return append(b[:n:n], []byte("... (truncated)")...)
}

// parseCargoLock extracts every [[package]] table's name/version/source/
// checksum fields.
func parseCargoLock(data []byte) ([]lockPackage, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, err
	}
	raw := tree.Get("package")
	if raw == nil {
		return nil, errors.New("Cargo.lock has no [[package]] entries")
	}
	tables, ok := raw.([]*toml.Tree)
	if !ok {
		return nil, errors.Errorf("Cargo.lock [[package]] has unexpected shape %T", raw)
	}

	var packages []lockPackage
	for _, tbl := range tables {
		p := lockPackage{
			Name:     getString(tbl, "name"),
			Version:  getString(tbl, "version"),
			Source:   getString(tbl, "source"),
			Checksum: getString(tbl, "checksum"),
		}
		if p.Name == "" {
			continue
		}
		if p.Source == "" {
			p.IsWorkspace = true
		}
		packages = append(packages, p)
	}
	return packages, nil
}

func getString(tree *toml.Tree, key string) string {
	v := tree.Get(key)
	s, _ := v.(string)
	return s
}

// buildComponents emits one component per lockfile package: registry
// packages carry a sha256 checksum qualifier, git packages a vcs_url
// qualifier, and path/workspace packages are emitted once for the
// workspace root and skipped otherwise.
func buildComponents(packages []lockPackage) []sbom.Component {
	var out []sbom.Component
	emittedWorkspaceRoot := false
	for _, p := range packages {
		switch {
		case p.IsWorkspace:
			if emittedWorkspaceRoot {
				continue
			}
			emittedWorkspaceRoot = true
			c := sbom.Component{Name: p.Name, Version: p.Version, Purl: sbom.Purl("cargo", "", p.Name, p.Version, nil), Type: sbom.TypeLibrary}
			c.AddProperty(sbom.PropFoundBy, "cachi2:cargo")
			out = append(out, c)

		case strings.HasPrefix(p.Source, "git+"):
			repo, commit := parseGitSource(p.Source)
			qualifiers := map[string]string{"vcs_url": fmt.Sprintf("git+%s@%s", repo, commit)}
			c := sbom.Component{Name: p.Name, Version: p.Version, Purl: sbom.Purl("cargo", "", p.Name, p.Version, qualifiers), Type: sbom.TypeLibrary}
			c.AddProperty(sbom.PropFoundBy, "cachi2:cargo")
			out = append(out, c)

		default: // registry+... or unspecified: treat as crates.io registry
			qualifiers := map[string]string{}
			if p.Checksum != "" {
				qualifiers["checksum"] = sbom.ChecksumQualifier("sha256", p.Checksum)
			}
			c := sbom.Component{Name: p.Name, Version: p.Version, Purl: sbom.Purl("cargo", "", p.Name, p.Version, qualifiers), Type: sbom.TypeLibrary}
			c.AddProperty(sbom.PropFoundBy, "cachi2:cargo")
			if p.Checksum == "" {
				c.AddProperty(sbom.PropMissingHash, "Cargo.lock")
			}
			out = append(out, c)
		}
	}
	return out
}

// parseGitSource splits a Cargo.lock git source URL of the form
// "git+https://host/ns/repo?rev=<rev>#<commit>" (or "?branch="/"?tag=")
// into the bare repo URL and the resolved commit.
func parseGitSource(source string) (repo, commit string) {
	s := strings.TrimPrefix(source, "git+")
	full, frag, ok := strings.Cut(s, "#")
	if ok {
		commit = frag
	}
	repo, _, _ = strings.Cut(full, "?")
	return repo, commit
}
