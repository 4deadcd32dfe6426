// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bundler is the bundler Resolver. It never runs
// `bundle install`, since installing would execute gem extensions and
// lifecycle hooks; instead it parses
// Gemfile.lock directly, fetches GEM and GIT sources into the output
// cache, validates PATH sources stay inside the source tree, and renders
// a bundler config file the later offline `bundle install` consumes via
// BUNDLE_APP_CONFIG.
//
// Gemfile.lock's indentation-delimited DSL is parsed with hand-written
// line-oriented scanning, the same shape yarnclassic.go uses for
// yarn.lock v1. The rendered config document is
// built with gopkg.in/yaml.v3's Node API so key order is explicit and
// reproducible rather than left to Go map iteration.
package bundler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/containerbuildsystem/cachi2/internal/cachedb"
	"github.com/containerbuildsystem/cachi2/internal/fetch"
	"github.com/containerbuildsystem/cachi2/internal/pathguard"
	"github.com/containerbuildsystem/cachi2/internal/sbom"
	"github.com/containerbuildsystem/cachi2/internal/vcsfetch"
)

// Options are the bundler-specific request settings.
type Options struct {
	AllowBinary bool
}

// Input is everything one bundler resolution needs.
type Input struct {
	Dir           string // package directory containing Gemfile.lock
	SourceDir     string // the Request's SourceDir, for PATH confinement
	OutputDepsDir string // <output>/deps/bundler
	Options       Options
	Fetcher       *fetch.Fetcher

	// RepoOrigin/RepoHead describe the enclosing git working tree, used to
	// build the vcs_url qualifier for PATH-sourced gems.
	// Empty values simply omit that qualifier.
	RepoOrigin string
	RepoHead   string

	// Cache is the optional persistent metadata cache; a nil value always
	// misses and every git-sourced gem is cloned in full.
	Cache *cachedb.DB
}

// Output carries the resolver's share of the request result.
type Output struct {
	Components []sbom.Component
	Env        []EnvVar
}

// EnvVar mirrors the gomod package's resolver-local alias.
type EnvVar struct {
	Name, Value string
	IsPath      bool
}

var platformSuffixes = []string{
	"x86_64-linux", "x86-linux", "x86_64-darwin", "arm64-darwin",
	"universal-darwin", "mingw32", "x64-mingw32", "x64-mingw-ucrt", "java",
}

type gemEntry struct{ name, version string }

type gitSource struct {
	remote, revision string
	gems             []gemEntry
}

type pathSource struct {
	path string
	gems []gemEntry
}

type lockFile struct {
	gemRemote string
	gems      []gemEntry
	gits      []gitSource
	paths     []pathSource
}

// Resolve processes one Gemfile.lock.
func Resolve(ctx context.Context, in Input) (*Output, error) {
	lockPath := filepath.Join(in.Dir, "Gemfile.lock")
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", lockPath)
	}

	lf, err := parseGemfileLock(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", lockPath)
	}

	cacheDir := filepath.Join(in.OutputDepsDir, "vendor", "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", cacheDir)
	}

	fetcher := in.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewFetcher()
	}

	out := &Output{}
	gitEnv := map[string]string{}

	for _, g := range lf.gems {
		c, skip, err := resolveGem(ctx, fetcher, lf.gemRemote, cacheDir, g, in.Options.AllowBinary)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving gem %s-%s", g.name, g.version)
		}
		if skip {
			continue
		}
		out.Components = append(out.Components, c)
	}

	for _, git := range lf.gits {
		for _, g := range git.gems {
			c, localDir, err := resolveGitGem(ctx, cacheDir, git, g, in.Cache)
			if err != nil {
				return nil, errors.Wrapf(err, "resolving git gem %s", g.name)
			}
			out.Components = append(out.Components, c)
			gitEnv["BUNDLE_LOCAL__"+strings.ToUpper(sanitizeEnvName(g.name))] = localDir
		}
	}

	for _, p := range lf.paths {
		guard, err := pathguard.New(in.SourceDir)
		if err != nil {
			return nil, err
		}
		if _, err := guard.Resolve(p.path); err != nil {
			return nil, errors.Wrapf(err, "PATH gem source %q", p.path)
		}
		for _, g := range p.gems {
			qualifiers := map[string]string{}
			if in.RepoOrigin != "" && in.RepoHead != "" {
				qualifiers["vcs_url"] = fmt.Sprintf("git+%s@%s#%s", in.RepoOrigin, in.RepoHead, p.path)
			}
			c := sbom.Component{Name: g.name, Version: g.version, Purl: sbom.Purl("gem", "", g.name, g.version, qualifiers), Type: sbom.TypeLibrary}
			c.AddProperty(sbom.PropFoundBy, "cachi2:bundler")
			out.Components = append(out.Components, c)
		}
	}

	out.Env, err = buildEnv(in, cacheDir, gitEnv)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func resolveGem(ctx context.Context, fetcher *fetch.Fetcher, remote, cacheDir string, g gemEntry, allowBinary bool) (sbom.Component, bool, error) {
	if isPlatformSpecific(g.version) && !allowBinary {
		return sbom.Component{}, true, nil
	}

	fileName := fmt.Sprintf("%s-%s.gem", g.name, g.version)
	url := strings.TrimRight(remote, "/") + "/gems/" + fileName
	localPath := filepath.Join(cacheDir, fileName)

	if err := fetcher.FetchOne(ctx, fetch.Artifact{URL: url, TargetPath: localPath}); err != nil {
		return sbom.Component{}, false, err
	}

	c := sbom.Component{Name: g.name, Version: g.version, Purl: sbom.Purl("gem", "", g.name, g.version, nil), Type: sbom.TypeLibrary}
	c.AddProperty(sbom.PropFoundBy, "cachi2:bundler")
	// Gemfile.lock carries no per-gem digest for registry gems (unlike
	// go.sum/package-lock.json/Cargo.lock), so every GEM-block component
	// documents that absence.
	c.AddProperty(sbom.PropMissingHash, "Gemfile.lock")
	return c, false, nil
}

func resolveGitGem(ctx context.Context, cacheDir string, git gitSource, g gemEntry, cache *cachedb.DB) (sbom.Component, string, error) {
	base := lastPathSegment(strings.TrimSuffix(git.remote, ".git"))
	short := git.revision
	if len(short) > 12 {
		short = short[:12]
	}
	exportDir := filepath.Join(cacheDir, fmt.Sprintf("%s-%s", base, short))

	resolved, err := vcsfetch.FetchTree(ctx, vcsfetch.ExportRequest{
		RepoURL:   git.remote,
		Revision:  git.revision,
		ExportDir: exportDir,
		Cache:     cache,
	})
	if err != nil {
		return sbom.Component{}, "", err
	}

	c := sbom.Component{
		Name:    g.name,
		Version: g.version,
		Purl:    sbom.Purl("gem", "", g.name, g.version, map[string]string{"vcs_url": fmt.Sprintf("git+%s@%s", git.remote, resolved)}),
		Type:    sbom.TypeLibrary,
	}
	c.AddProperty(sbom.PropFoundBy, "cachi2:bundler")
	return c, exportDir, nil
}

func lastPathSegment(s string) string {
	s = strings.TrimSuffix(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func sanitizeEnvName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '.' {
			return '_'
		}
		return r
	}, name)
}

func isPlatformSpecific(version string) bool {
	for _, p := range platformSuffixes {
		if strings.HasSuffix(version, "-"+p) {
			return true
		}
	}
	return false
}

// buildEnv renders the bundler config file and returns the
// BUNDLE_APP_CONFIG variable pointing at it, alongside the flat
// BUNDLE_CACHE_PATH/BUNDLE_DEPLOYMENT/... switches it carries.
func buildEnv(in Input, cacheDir string, gitLocals map[string]string) ([]EnvVar, error) {
	configDir := filepath.Join(in.OutputDepsDir, ".bundle")
	pairs := []struct{ k, v string }{
		{"BUNDLE_CACHE_PATH", cacheDir},
		{"BUNDLE_DEPLOYMENT", "true"},
		{"BUNDLE_NO_PRUNE", "true"},
		{"BUNDLE_ALLOW_OFFLINE_INSTALL", "true"},
		{"BUNDLE_DISABLE_VERSION_CHECK", "true"},
	}
	if len(gitLocals) > 0 {
		pairs = append(pairs, struct{ k, v string }{"BUNDLE_DISABLE_LOCAL_BRANCH_CHECK", "true"})
		pairs = append(pairs, struct{ k, v string }{"BUNDLE_DISABLE_LOCAL_REVISION_CHECK", "true"})
		names := make([]string, 0, len(gitLocals))
		for k := range gitLocals {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			pairs = append(pairs, struct{ k, v string }{k, gitLocals[k]})
		}
	}

	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, p := range pairs {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: p.k},
			&yaml.Node{Kind: yaml.ScalarNode, Value: p.v, Tag: "!!str"},
		)
	}
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{node}}
	content, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "rendering bundler config")
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", configDir)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config"), content, 0o644); err != nil {
		return nil, errors.Wrap(err, "writing bundler config")
	}

	env := []EnvVar{{Name: "BUNDLE_APP_CONFIG", Value: configDir, IsPath: true}}
	for _, p := range pairs {
		isPath := p.k == "BUNDLE_CACHE_PATH" || strings.HasPrefix(p.k, "BUNDLE_LOCAL__")
		env = append(env, EnvVar{Name: p.k, Value: p.v, IsPath: isPath})
	}
	return env, nil
}

// parseGemfileLock is the hand-rolled line-oriented parser for the
// GEM/GIT/PATH source blocks. Sections are
// top-level (unindented) headers; "remote:"/"revision:" are 2-space
// indented keys; gem specs are 4-space indented "name (version)" entries
// under a "specs:" key, with their own dependencies indented a further
// 2 spaces (ignored, since cachi2 never resolves dependency ranges itself).
func parseGemfileLock(data []byte) (*lockFile, error) {
	lines := strings.Split(string(data), "\n")
	lf := &lockFile{}

	var section string
	var curGit *gitSource
	var curPath *pathSource
	inSpecs := false

	for _, raw := range lines {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		indent := leadingSpaces(raw)
		trimmed := strings.TrimSpace(raw)

		if indent == 0 {
			if curGit != nil {
				lf.gits = append(lf.gits, *curGit)
				curGit = nil
			}
			if curPath != nil {
				lf.paths = append(lf.paths, *curPath)
				curPath = nil
			}
			section = trimmed
			inSpecs = false
			switch section {
			case "GIT":
				curGit = &gitSource{}
			case "PATH":
				curPath = &pathSource{}
			}
			continue
		}

		switch section {
		case "GEM":
			if indent == 2 {
				if strings.HasPrefix(trimmed, "remote:") {
					lf.gemRemote = strings.TrimSpace(strings.TrimPrefix(trimmed, "remote:"))
				}
				inSpecs = trimmed == "specs:"
				continue
			}
			if indent == 4 && inSpecs {
				if name, version, ok := parseSpecLine(trimmed); ok {
					lf.gems = append(lf.gems, gemEntry{name: name, version: version})
				}
			}

		case "GIT":
			if curGit == nil {
				continue
			}
			if indent == 2 {
				switch {
				case strings.HasPrefix(trimmed, "remote:"):
					curGit.remote = strings.TrimSpace(strings.TrimPrefix(trimmed, "remote:"))
				case strings.HasPrefix(trimmed, "revision:"):
					curGit.revision = strings.TrimSpace(strings.TrimPrefix(trimmed, "revision:"))
				case trimmed == "specs:":
					inSpecs = true
				}
				continue
			}
			if indent == 4 && inSpecs {
				if name, version, ok := parseSpecLine(trimmed); ok {
					curGit.gems = append(curGit.gems, gemEntry{name: name, version: version})
				}
			}

		case "PATH":
			if curPath == nil {
				continue
			}
			if indent == 2 {
				switch {
				case strings.HasPrefix(trimmed, "remote:"):
					curPath.path = strings.TrimSpace(strings.TrimPrefix(trimmed, "remote:"))
				case trimmed == "specs:":
					inSpecs = true
				}
				continue
			}
			if indent == 4 && inSpecs {
				if name, version, ok := parseSpecLine(trimmed); ok {
					curPath.gems = append(curPath.gems, gemEntry{name: name, version: version})
				}
			}
		}
	}

	if curGit != nil {
		lf.gits = append(lf.gits, *curGit)
	}
	if curPath != nil {
		lf.paths = append(lf.paths, *curPath)
	}
	return lf, nil
}

func leadingSpaces(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' {
			break
		}
		n++
	}
	return n
}

// parseSpecLine parses "name (version)" into its parts; dependency
// sub-entries that happen to land at the same indent without parens are
// rejected so they are never mistaken for a top-level spec.
func parseSpecLine(s string) (name, version string, ok bool) {
	open := strings.LastIndex(s, "(")
	closeParen := strings.LastIndex(s, ")")
	if open < 0 || closeParen < open {
		return "", "", false
	}
	return strings.TrimSpace(s[:open]), strings.TrimSpace(s[open+1 : closeParen]), true
}
