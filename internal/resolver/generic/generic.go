// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package generic is the generic Resolver: it reads an
// artifacts.lock.yaml lockfile naming arbitrary download URLs or Maven
// coordinates, fetches and verifies each one, and emits generic/maven
// purls.
//
// artifacts.lock.yaml is decoded with gopkg.in/yaml.v3, the same decoder
// the yarn Berry resolver uses for .yarnrc.yml.
package generic

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/containerbuildsystem/cachi2/internal/fetch"
	"github.com/containerbuildsystem/cachi2/internal/sbom"
)

const supportedSchemaVersion = "1.0"

// Input is everything one generic resolution needs.
type Input struct {
	Dir           string // package directory, used when Lockfile is relative
	Lockfile      string // absolute path, or relative to Dir; defaults to "artifacts.lock.yaml"
	OutputDepsDir string // <output>/deps/generic
	Fetcher       *fetch.Fetcher
}

// Output carries the resolver's share of the request result (generic
// never edits files).
type Output struct {
	Components []sbom.Component
}

type lockDocument struct {
	Metadata struct {
		Version string `yaml:"version"`
	} `yaml:"metadata"`
	Artifacts []lockArtifact `yaml:"artifacts"`
}

type lockArtifact struct {
	DownloadURL string            `yaml:"download_url"`
	Filename    string            `yaml:"filename"`
	Checksum    string            `yaml:"checksum"`
	Type        string            `yaml:"type"`
	Attributes  map[string]string `yaml:"attributes"`
}

// Resolve fetches and verifies every artifact the lockfile declares.
func Resolve(ctx context.Context, in Input) (*Output, error) {
	lockPath := in.Lockfile
	if lockPath == "" {
		lockPath = "artifacts.lock.yaml"
	}
	if !filepath.IsAbs(lockPath) {
		lockPath = filepath.Join(in.Dir, lockPath)
	}

	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", lockPath)
	}

	var doc lockDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", lockPath)
	}
	if doc.Metadata.Version != supportedSchemaVersion {
		return nil, errors.Errorf("%s: unsupported metadata.version %q, want %q", lockPath, doc.Metadata.Version, supportedSchemaVersion)
	}

	fetcher := in.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewFetcher()
	}
	if err := os.MkdirAll(in.OutputDepsDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", in.OutputDepsDir)
	}

	out := &Output{}
	seenFilenames := map[string]bool{}
	for i, a := range doc.Artifacts {
		c, filename, err := resolveArtifact(ctx, in, fetcher, a)
		if err != nil {
			return nil, errors.Wrapf(err, "artifact %d", i)
		}
		if seenFilenames[filename] {
			return nil, errors.Errorf("artifact %d: filename %q collides with an earlier entry", i, filename)
		}
		seenFilenames[filename] = true
		out.Components = append(out.Components, c)
	}
	sortComponents(out.Components)
	return out, nil
}

func resolveArtifact(ctx context.Context, in Input, fetcher *fetch.Fetcher, a lockArtifact) (sbom.Component, string, error) {
	checksum, err := fetch.ParseChecksum(a.Checksum)
	if err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "artifact checksum %q", a.Checksum)
	}

	if a.Type == "maven" {
		return resolveMavenArtifact(ctx, in, fetcher, a, checksum)
	}
	if a.DownloadURL == "" {
		return sbom.Component{}, "", errors.New("artifact has neither download_url nor type: maven")
	}
	return resolveGenericArtifact(ctx, in, fetcher, a, checksum)
}

func resolveGenericArtifact(ctx context.Context, in Input, fetcher *fetch.Fetcher, a lockArtifact, checksum fetch.Checksum) (sbom.Component, string, error) {
	filename := a.Filename
	if filename == "" {
		filename = filepath.Base(a.DownloadURL)
	}
	targetPath := filepath.Join(in.OutputDepsDir, filename)

	if err := fetcher.FetchOne(ctx, fetch.Artifact{
		URL:        a.DownloadURL,
		Checksums:  []fetch.Checksum{checksum},
		TargetPath: targetPath,
	}); err != nil {
		return sbom.Component{}, "", err
	}

	purl := sbom.Purl("generic", "", filename, "", map[string]string{
		"checksum":     checksum.String(),
		"download_url": a.DownloadURL,
	})
	c := sbom.Component{Name: filename, Purl: purl, Type: sbom.TypeFile}
	c.AddProperty(sbom.PropFoundBy, "cachi2:generic")
	c.ExternalRefs = append(c.ExternalRefs, sbom.ExternalRef{Type: "distribution", URL: a.DownloadURL})
	return c, filename, nil
}

func resolveMavenArtifact(ctx context.Context, in Input, fetcher *fetch.Fetcher, a lockArtifact, checksum fetch.Checksum) (sbom.Component, string, error) {
	repo := a.Attributes["repository_url"]
	group := a.Attributes["group_id"]
	artifact := a.Attributes["artifact_id"]
	version := a.Attributes["version"]
	typ := a.Attributes["type"]
	if typ == "" {
		typ = "jar"
	}
	classifier := a.Attributes["classifier"]
	if repo == "" || group == "" || artifact == "" || version == "" {
		return sbom.Component{}, "", errors.New("maven artifact requires repository_url, group_id, artifact_id and version attributes")
	}

	url, filename := mavenLayout(repo, group, artifact, version, typ, classifier)
	targetPath := filepath.Join(in.OutputDepsDir, filename)

	if err := fetcher.FetchOne(ctx, fetch.Artifact{
		URL:        url,
		Checksums:  []fetch.Checksum{checksum},
		TargetPath: targetPath,
	}); err != nil {
		return sbom.Component{}, "", err
	}

	qualifiers := map[string]string{
		"type":           typ,
		"repository_url": repo,
		"checksum":       checksum.String(),
	}
	if classifier != "" {
		qualifiers["classifier"] = classifier
	}
	purl := sbom.Purl("maven", group, artifact, version, qualifiers)
	c := sbom.Component{Name: fmt.Sprintf("%s:%s", group, artifact), Version: version, Purl: purl, Type: sbom.TypeLibrary}
	c.AddProperty(sbom.PropFoundBy, "cachi2:generic")
	c.ExternalRefs = append(c.ExternalRefs, sbom.ExternalRef{Type: "distribution", URL: url})
	return c, filename, nil
}

// mavenLayout synthesizes the standard Maven2 repository path:
// <repo>/<group, dots-to-slashes>/<artifact>/<version>/<artifact>-<version>[-<classifier>].<type>
func mavenLayout(repo, group, artifact, version, typ, classifier string) (url, filename string) {
	groupPath := dotsToSlashes(group)
	name := fmt.Sprintf("%s-%s", artifact, version)
	if classifier != "" {
		name = fmt.Sprintf("%s-%s", name, classifier)
	}
	filename = fmt.Sprintf("%s.%s", name, typ)
	base := repo
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	url = fmt.Sprintf("%s/%s/%s/%s/%s", base, groupPath, artifact, version, filename)
	return url, filename
}

func dotsToSlashes(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out[i] = '/'
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}

func sortComponents(cs []sbom.Component) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Purl < cs[j].Purl })
}
