// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package yarnclassic is the yarn Classic Resolver: it
// drives `yarn install` with its offline-mirror machinery pointed at the
// output cache, then parses the resulting yarn.lock (v1 format) to
// enumerate SBOM components and verify every mirrored tarball's checksum.
//
// yarn.lock v1 is a bespoke near-YAML dialect (bare, unquoted top-level
// keys followed by two-space-indented scalars), so the parser below is
// hand-written; the digest comparison reuses internal/fetch's Checksum.
package yarnclassic

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/containerbuildsystem/cachi2/internal/fetch"
	"github.com/containerbuildsystem/cachi2/internal/sbom"
)

// Input is everything one yarn Classic resolution needs.
type Input struct {
	Dir           string // package directory containing yarn.lock
	OutputDepsDir string // <output>/deps/yarn-classic
	YarnGlobalDir string // <output>/deps/yarn, shared with Berry
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

// entry is one parsed yarn.lock v1 block.
type entry struct {
	specifiers []string
	version    string
	resolved   string
	integrity  string
}

// Resolve drives yarn against the offline mirror, then parses yarn.lock
// to enumerate and verify every mirrored tarball.
func Resolve(ctx context.Context, in Input) (*Output, error) {
	lockPath := filepath.Join(in.Dir, "yarn.lock")
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", lockPath)
	}
	if !strings.Contains(string(data[:min(len(data), 4096)]), "yarn lockfile v1") {
		return nil, errors.New("yarn.lock does not declare lockfile v1; use the Berry resolver for v2+ lockfiles")
	}

	if _, err := os.Stat(filepath.Join(in.Dir, ".pnp.cjs")); err == nil {
		return nil, errors.New("Plug'n'Play (.pnp.cjs) projects are not supported")
	}

	entries, err := parseYarnLock(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", lockPath)
	}

	for _, e := range entries {
		if !strings.HasPrefix(e.resolved, "https://") {
			return nil, errors.Errorf("yarn.lock entry %v has a disallowed resolved locator %q (only https mirrors are supported)", e.specifiers, e.resolved)
		}
	}

	env := []string{
		"YARN_YARN_OFFLINE_MIRROR=" + in.OutputDepsDir,
		"YARN_YARN_OFFLINE_MIRROR_PRUNING=false",
		"YARN_IGNORE_PATH=true",
		"YARN_IGNORE_SCRIPTS=true",
		"COREPACK_ENABLE_PROJECT_SPEC=0",
	}
	if err := runYarnInstall(ctx, in.Dir, env); err != nil {
		return nil, errors.Wrap(err, "yarn install --frozen-lockfile")
	}

	out := &Output{}
	for _, e := range entries {
		name := specifierName(e.specifiers[0])
		mirrorName := filepath.Base(strings.SplitN(e.resolved, "#", 2)[0])
		mirrorPath := filepath.Join(in.OutputDepsDir, mirrorName)

		alg, hexDigest, err := verifyMirrorChecksum(mirrorPath, e)
		if err != nil {
			return nil, errors.Wrapf(err, "verifying %s", mirrorName)
		}

		qualifiers := map[string]string{}
		if hexDigest != "" {
			qualifiers["checksum"] = sbom.ChecksumQualifier(alg, hexDigest)
		}
		c := sbom.Component{Name: name, Version: e.version, Purl: sbom.Purl("npm", "", name, e.version, qualifiers), Type: sbom.TypeLibrary}
		c.AddProperty(sbom.PropFoundBy, "cachi2:yarn-classic")
		if hexDigest == "" {
			c.AddProperty(sbom.PropMissingHash, "yarn.lock")
		}
		out.Components = append(out.Components, c)
	}

	workspaces, err := workspaceComponents(in.Dir)
	if err != nil {
		return nil, err
	}
	out.Components = append(out.Components, workspaces...)
	sortComponentsByName(out.Components)

	out.Env = []EnvVar{
		{Name: "YARN_GLOBAL_FOLDER", Value: in.YarnGlobalDir, IsPath: true},
		{Name: "YARN_ENABLE_GLOBAL_CACHE", Value: "false"},
		{Name: "YARN_ENABLE_MIRROR", Value: "true"},
		{Name: "YARN_ENABLE_IMMUTABLE_CACHE", Value: "false"},
	}
	return out, nil
}

func runYarnInstall(ctx context.Context, dir string, extraEnv []string) error {
	cmd := exec.CommandContext(ctx, "yarn", "install",
		"--no-default-rc", "--frozen-lockfile", "--disable-pnp", "--ignore-engines")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Errorf("yarn install failed: %s\n%s", err, out)
	}
	return nil
}

func verifyMirrorChecksum(mirrorPath string, e entry) (alg, hexDigest string, err error) {
	fh, openErr := os.Open(mirrorPath)
	if openErr != nil {
		return "", "", errors.Wrapf(openErr, "offline mirror is missing %s", filepath.Base(mirrorPath))
	}
	defer fh.Close()

	var checksums []fetch.Checksum
	if e.integrity != "" {
		for _, field := range strings.Fields(e.integrity) {
			if c, perr := fetch.ParseChecksum(sriToChecksumForm(field)); perr == nil {
				checksums = append(checksums, c)
			}
		}
	}
	if sha1 := resolvedFragment(e.resolved); sha1 != "" {
		checksums = append(checksums, fetch.Checksum{Algorithm: "sha1", Hex: sha1})
	}
	if len(checksums) == 0 {
		return "", "", nil
	}
	if err := fetch.Verify(fh, checksums); err != nil {
		return "", "", err
	}
	return checksums[0].Algorithm, checksums[0].Hex, nil
}

func resolvedFragment(resolved string) string {
	_, frag, ok := strings.Cut(resolved, "#")
	if !ok {
		return ""
	}
	return frag
}

// sriToChecksumForm converts a yarn.lock "integrity" token, e.g.
// "sha512-<base64>", into the "sha512:<hex>" form fetch.ParseChecksum
// expects. Classic's integrity fields are optional and, when present, use
// the same SRI shape as npm's.
func sriToChecksumForm(token string) string {
	alg, b64, ok := strings.Cut(token, "-")
	if !ok {
		return token
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return token
	}
	return alg + ":" + hex.EncodeToString(raw)
}

// workspaceComponents expands the root package.json's "workspaces" globs
// (either a bare array or the {"packages": [...]} object form) and emits
// one component per member manifest.
func workspaceComponents(dir string) ([]sbom.Component, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading package.json")
	}

	var doc struct {
		Workspaces json.RawMessage `json:"workspaces"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing package.json")
	}
	if doc.Workspaces == nil {
		return nil, nil
	}

	var globs []string
	if err := json.Unmarshal(doc.Workspaces, &globs); err != nil {
		var obj struct {
			Packages []string `json:"packages"`
		}
		if err := json.Unmarshal(doc.Workspaces, &obj); err != nil {
			return nil, errors.New("package.json workspaces field is neither an array nor an object with a packages list")
		}
		globs = obj.Packages
	}

	var out []sbom.Component
	for _, g := range globs {
		matches, err := filepath.Glob(filepath.Join(dir, filepath.FromSlash(g)))
		if err != nil {
			return nil, errors.Wrapf(err, "expanding workspace glob %q", g)
		}
		for _, m := range matches {
			data, err := os.ReadFile(filepath.Join(m, "package.json"))
			if err != nil {
				continue
			}
			var pj struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			}
			if err := json.Unmarshal(data, &pj); err != nil || pj.Name == "" {
				continue
			}
			c := sbom.Component{Name: pj.Name, Version: pj.Version, Purl: workspacePurl(pj.Name, pj.Version), Type: sbom.TypeLibrary}
			c.AddProperty(sbom.PropFoundBy, "cachi2:yarn-classic")
			out = append(out, c)
		}
	}
	return out, nil
}

func workspacePurl(name, version string) string {
	if strings.HasPrefix(name, "@") {
		if scope, pkgName, ok := strings.Cut(name, "/"); ok {
			return sbom.Purl("npm", scope, pkgName, version, nil)
		}
	}
	return sbom.Purl("npm", "", name, version, nil)
}

func specifierName(spec string) string {
	idx := strings.LastIndex(spec, "@")
	if idx <= 0 {
		return spec
	}
	return spec[:idx]
}

func sortComponentsByName(cs []sbom.Component) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Name < cs[j].Name })
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// parseYarnLock implements the hand-rolled line scanner for yarn.lock v1:
// blank lines and comments are skipped; each unindented line starts a
// block with one or more comma-separated "name@range" specifiers
// terminated by a colon, followed by indented "key value" or
// "key \"value\"" lines.
func parseYarnLock(data []byte) ([]entry, error) {
	var entries []entry
	var cur *entry

	sc := bufio.NewScanner(strings.NewReader(string(data)))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if !strings.HasPrefix(line, " ") {
			if cur != nil {
				entries = append(entries, *cur)
			}
			header := strings.TrimSuffix(trimmed, ":")
			var specs []string
			for _, s := range strings.Split(header, ",") {
				specs = append(specs, strings.Trim(strings.TrimSpace(s), "\""))
			}
			cur = &entry{specifiers: specs}
			continue
		}

		if cur == nil {
			continue
		}
		key, value, ok := splitIndentedField(trimmed)
		if !ok {
			continue
		}
		switch key {
		case "version":
			cur.version = value
		case "resolved":
			cur.resolved = value
		case "integrity":
			cur.integrity = value
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func splitIndentedField(line string) (key, value string, ok bool) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	key = parts[0]
	value = strings.Trim(strings.TrimSpace(parts[1]), "\"")
	return key, value, true
}

