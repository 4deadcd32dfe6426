// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package npm is the npm Resolver: it walks a
// package-lock.json v2/v3 tree, fetches every non-local dependency into
// the output cache, verifies npm's Subresource Integrity digests, and
// rewrites the lockfile so `npm install --offline` works without a
// registry.
//
// SRI verification reuses the internal/fetch digest machinery by decoding
// the base64 SRI payload into a hex Checksum.
package npm

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/containerbuildsystem/cachi2/internal/cachedb"
	"github.com/containerbuildsystem/cachi2/internal/fetch"
	"github.com/containerbuildsystem/cachi2/internal/sbom"
	"github.com/containerbuildsystem/cachi2/internal/vcsfetch"
)

// Input is everything one npm resolution needs.
type Input struct {
	Dir           string // package directory containing package-lock.json
	OutputDepsDir string // <output>/deps/npm
	Fetcher       *fetch.Fetcher

	// Cache is the optional persistent metadata cache; a nil value always
	// misses and every git-sourced dependency is cloned in full.
	Cache *cachedb.DB
}

// Output carries the resolver's share of the request result.
type Output struct {
	Components []sbom.Component
	Edits      []Edit
}

// Edit describes a package-lock.json rewrite.
type Edit struct {
	Path        string
	Description string
	NewContent  []byte
}

// lockFile is the subset of package-lock.json v2/v3 this resolver reads.
type lockFile struct {
	Name            string                 `json:"name"`
	LockfileVersion int                    `json:"lockfileVersion"`
	Packages        map[string]lockPackage `json:"packages"`
}

type lockPackage struct {
	Version      string            `json:"version"`
	Resolved     string            `json:"resolved"`
	Integrity    string            `json:"integrity"`
	Link         bool              `json:"link"`
	Dev          bool              `json:"dev"`
	Optional     bool              `json:"optional"`
	DevOptional  bool              `json:"devOptional"`
	Peer         bool              `json:"peer"`
	InBundle     bool              `json:"inBundle"`
	Dependencies map[string]string `json:"dependencies"`
}

// Resolve walks one package-lock.json, fetches every external dependency
// into the npm cache, and rewrites the lockfile to point at it.
func Resolve(ctx context.Context, in Input) (*Output, error) {
	lockPath := filepath.Join(in.Dir, "package-lock.json")
	raw, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", lockPath)
	}

	var lf lockFile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", lockPath)
	}
	if lf.LockfileVersion < 2 {
		return nil, errors.Errorf("package-lock.json v%d is not supported; cachi2 requires lockfileVersion 2 or 3", lf.LockfileVersion)
	}

	fetcher := in.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewFetcher()
	}

	out := &Output{}
	rewritten := make(map[string]rewriteEntry) // keyed by node_modules path
	paths := make([]string, 0, len(lf.Packages))
	for p := range lf.Packages {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, nodePath := range paths {
		entry := lf.Packages[nodePath]
		if nodePath == "" {
			continue // the root project itself, never fetched
		}
		if entry.Link {
			continue // workspace symlink; the referenced package.json is walked via its own nodePath entry
		}
		name := packageNameFromNodePath(nodePath)

		component, localPath, missingHash, err := resolveEntry(ctx, in, fetcher, name, entry)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving %s", nodePath)
		}
		if component == nil {
			continue // local "file:" dependency, resolved in place
		}

		if entry.Dev || entry.DevOptional {
			component.AddProperty(sbom.PropNpmDevelopment, "true")
		}
		if entry.Optional {
			component.AddProperty(sbom.PropNpmOptional, "true")
		}
		if entry.Peer {
			component.AddProperty(sbom.PropNpmPeer, "true")
		}
		if entry.InBundle {
			component.AddProperty(sbom.PropNpmBundled, "true")
		}
		if missingHash {
			component.AddProperty(sbom.PropMissingHash, nodePath)
		}
		out.Components = append(out.Components, *component)

		if localPath != "" {
			rewritten[nodePath] = rewriteEntry{
				resolved: "file://" + localPath,
				// a git tarball is produced locally, so any integrity the
				// CLI recorded for it no longer applies
				dropIntegrity: isGitResolved(entry.Resolved),
			}
		}
	}

	if len(rewritten) > 0 {
		newContent, err := rewriteLockfile(raw, rewritten)
		if err != nil {
			return nil, errors.Wrap(err, "rewriting package-lock.json")
		}
		out.Edits = append(out.Edits, Edit{
			Path:        "package-lock.json",
			Description: "replaced registry/git/https resolved URLs with local cache paths",
			NewContent:  newContent,
		})
	}

	pkgJSONEdits, err := blankRemoteDependencies(in.Dir, lf)
	if err != nil {
		return nil, err
	}
	out.Edits = append(out.Edits, pkgJSONEdits...)

	return out, nil
}

// blankRemoteDependencies rewrites the root and workspace package.json
// files, replacing every git/https version string in a dependencies map
// with the empty string so `npm install --offline` never tries to resolve
// it; the rewritten lockfile already points at the local cache.
func blankRemoteDependencies(dir string, lf lockFile) ([]Edit, error) {
	var edits []Edit
	for nodePath := range lf.Packages {
		if strings.Contains(nodePath, "node_modules") {
			continue // installed dependencies, not project manifests
		}
		rel := filepath.Join(nodePath, "package.json")
		raw, err := os.ReadFile(filepath.Join(dir, rel))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", rel)
		}

		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", rel)
		}
		changed := false
		for _, key := range []string{"dependencies", "devDependencies", "optionalDependencies", "peerDependencies"} {
			rawMap, ok := doc[key]
			if !ok {
				continue
			}
			var deps map[string]string
			if err := json.Unmarshal(rawMap, &deps); err != nil {
				return nil, errors.Wrapf(err, "parsing %s of %s", key, rel)
			}
			mapChanged := false
			for depName, spec := range deps {
				if isGitResolved(spec) || strings.HasPrefix(spec, "https://") || strings.HasPrefix(spec, "http://") {
					deps[depName] = ""
					mapChanged = true
				}
			}
			if mapChanged {
				b, err := json.Marshal(deps)
				if err != nil {
					return nil, err
				}
				doc[key] = b
				changed = true
			}
		}
		if !changed {
			continue
		}
		newContent, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		edits = append(edits, Edit{
			Path:        rel,
			Description: "blanked git/https dependency version strings",
			NewContent:  newContent,
		})
	}
	return edits, nil
}

// rewriteEntry is one lockfile rewrite: a replacement "resolved" value,
// plus whether the entry's integrity attribute must be dropped.
type rewriteEntry struct {
	resolved      string
	dropIntegrity bool
}

// packageNameFromNodePath extracts the installed package name from a
// package-lock.json "packages" key, e.g. "node_modules/@scope/foo" ->
// "@scope/foo", "node_modules/a/node_modules/b" -> "b".
func packageNameFromNodePath(nodePath string) string {
	idx := strings.LastIndex(nodePath, "node_modules/")
	name := nodePath
	if idx >= 0 {
		name = nodePath[idx+len("node_modules/"):]
	}
	return name
}

func resolveEntry(ctx context.Context, in Input, fetcher *fetch.Fetcher, name string, entry lockPackage) (component *sbom.Component, localPath string, missingHash bool, err error) {
	switch {
	case entry.Resolved == "":
		return nil, "", false, nil // no resolved URL: root, or a local workspace member

	case strings.HasPrefix(entry.Resolved, "file:"):
		return nil, "", false, nil // local dependency; resolved in place, no fetch

	case isGitResolved(entry.Resolved):
		return resolveGit(ctx, in, name, entry)

	case isRegistryResolved(entry.Resolved):
		return resolveHTTP(ctx, in, fetcher, name, entry, true)

	case strings.HasPrefix(entry.Resolved, "https://") || strings.HasPrefix(entry.Resolved, "http://"):
		return resolveHTTP(ctx, in, fetcher, name, entry, false)

	default:
		return nil, "", false, errors.Errorf("%s: unsupported resolved locator %q", name, entry.Resolved)
	}
}

func isRegistryResolved(resolved string) bool {
	return strings.Contains(resolved, "registry.npmjs.org/") || strings.Contains(resolved, "/-/")
}

func isGitResolved(resolved string) bool {
	return strings.HasPrefix(resolved, "git+") || strings.HasPrefix(resolved, "git://") ||
		strings.HasPrefix(resolved, "github:")
}

func resolveHTTP(ctx context.Context, in Input, fetcher *fetch.Fetcher, name string, entry lockPackage, registry bool) (*sbom.Component, string, bool, error) {
	alg, hexDigest, missingHash, err := decodeIntegrity(entry.Integrity)
	if err != nil {
		return nil, "", false, err
	}
	if !registry && missingHash {
		return nil, "", false, errors.Errorf("%s: a non-registry https dependency must declare an integrity hash", name)
	}

	var targetDir, fileName string
	if registry {
		targetDir = in.OutputDepsDir
		fileName = filepath.Base(entry.Resolved)
	} else {
		slug := slugify(name)
		targetDir = filepath.Join(in.OutputDepsDir, "external-"+slug)
		fileName = fmt.Sprintf("%s-external-%s-%s.tgz", lastPathSegment(name), alg, hexDigest)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, "", false, err
	}
	localPath := filepath.Join(targetDir, fileName)

	artifact := fetch.Artifact{URL: entry.Resolved, TargetPath: localPath}
	if !missingHash {
		artifact.Checksums = []fetch.Checksum{{Algorithm: alg, Hex: hexDigest}}
	}
	if err := fetcher.FetchOne(ctx, artifact); err != nil {
		return nil, "", false, err
	}

	purl := npmPurl(name, entry.Version, nil)
	c := sbom.Component{Name: name, Version: entry.Version, Purl: purl, Type: sbom.TypeLibrary}
	c.AddProperty(sbom.PropFoundBy, "cachi2:npm")
	if !registry {
		c.Purl = npmPurl(name, entry.Version, map[string]string{
			"download_url": entry.Resolved,
			"checksum":     sbom.ChecksumQualifier(alg, hexDigest),
		})
	}
	return &c, localPath, missingHash, nil
}

func resolveGit(ctx context.Context, in Input, name string, entry lockPackage) (*sbom.Component, string, bool, error) {
	repo, commit, err := parseGitResolved(entry.Resolved)
	if err != nil {
		return nil, "", false, err
	}

	u := strings.TrimPrefix(strings.TrimPrefix(repo, "git+"), "git://")
	host, namespace, repoName := splitGitHost(u)
	archiveName := fmt.Sprintf("%s-external-gitcommit-%s.tgz", lastPathSegment(name), commit)
	targetDir := filepath.Join(in.OutputDepsDir, host, namespace, repoName)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, "", false, err
	}
	archivePath := filepath.Join(targetDir, archiveName)

	resolved, err := vcsfetch.Fetch(ctx, vcsfetch.Request{RepoURL: repo, Revision: commit, ArchivePath: archivePath, Cache: in.Cache})
	if err != nil {
		return nil, "", false, err
	}

	purl := npmPurl(name, entry.Version, map[string]string{"vcs_url": fmt.Sprintf("git+%s@%s", repo, resolved)})
	c := sbom.Component{Name: name, Version: entry.Version, Purl: purl, Type: sbom.TypeLibrary}
	c.AddProperty(sbom.PropFoundBy, "cachi2:npm")
	// any integrity the CLI attached to a git dependency is spurious (the
	// tarball is produced by us, not downloaded verbatim) and is deliberately
	// not carried forward.
	return &c, archivePath, false, nil
}

func parseGitResolved(resolved string) (repo, commit string, err error) {
	s := resolved
	idx := strings.LastIndex(s, "#")
	if idx < 0 {
		return "", "", errors.Errorf("git dependency %q has no pinned commit", resolved)
	}
	return s[:idx], s[idx+1:], nil
}

func splitGitHost(u string) (host, namespace, repoName string) {
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "ssh://")
	u = strings.TrimPrefix(u, "git@")
	u = strings.TrimSuffix(u, ".git")
	u = strings.Replace(u, ":", "/", 1)
	parts := strings.Split(u, "/")
	if len(parts) == 0 {
		return "unknown", "", ""
	}
	host = parts[0]
	if len(parts) >= 3 {
		namespace = strings.Join(parts[1:len(parts)-1], "/")
		repoName = parts[len(parts)-1]
	} else if len(parts) == 2 {
		repoName = parts[1]
	}
	return host, namespace, repoName
}

func lastPathSegment(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func slugify(name string) string {
	return strings.NewReplacer("/", "-", "@", "").Replace(name)
}

// decodeIntegrity decodes an SRI "integrity" attribute ("<alg>-<base64>",
// possibly several space-separated entries) into the first supported
// algorithm's hex digest. An empty Integrity is reported as missingHash.
func decodeIntegrity(integrity string) (alg, hexDigest string, missingHash bool, err error) {
	if integrity == "" {
		return "", "", true, nil
	}
	for _, entry := range strings.Fields(integrity) {
		a, b64, ok := strings.Cut(entry, "-")
		if !ok {
			continue
		}
		switch a {
		case "sha512", "sha384", "sha256", "sha1":
			raw, decodeErr := base64.StdEncoding.DecodeString(b64)
			if decodeErr != nil {
				return "", "", false, errors.Wrapf(decodeErr, "decoding integrity value %q", entry)
			}
			return a, hex.EncodeToString(raw), false, nil
		}
	}
	return "", "", false, errors.Errorf("unsupported integrity value %q", integrity)
}

func npmPurl(name, version string, qualifiers map[string]string) string {
	if strings.HasPrefix(name, "@") {
		scope, pkgName, ok := strings.Cut(name, "/")
		if ok {
			return sbom.Purl("npm", scope, pkgName, version, qualifiers)
		}
	}
	return sbom.Purl("npm", "", name, version, qualifiers)
}

// rewriteLockfile replaces the "resolved" value at each given node_modules
// path with its local file:// location. Every other value is kept, but the
// document is re-serialized: object keys come out sorted and indentation
// is normalized to two spaces.
func rewriteLockfile(raw []byte, rewritten map[string]rewriteEntry) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	var packages map[string]json.RawMessage
	if err := json.Unmarshal(doc["packages"], &packages); err != nil {
		return nil, err
	}
	for nodePath, rw := range rewritten {
		var entry map[string]json.RawMessage
		if err := json.Unmarshal(packages[nodePath], &entry); err != nil {
			return nil, err
		}
		b, err := json.Marshal(rw.resolved)
		if err != nil {
			return nil, err
		}
		entry["resolved"] = b
		if rw.dropIntegrity {
			delete(entry, "integrity")
		}
		merged, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		packages[nodePath] = merged
	}
	mergedPackages, err := json.Marshal(packages)
	if err != nil {
		return nil, err
	}
	doc["packages"] = mergedPackages
	return json.MarshalIndent(doc, "", "  ")
}
