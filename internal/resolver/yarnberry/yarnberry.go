// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package yarnberry is the yarn Berry Resolver: it
// validates .yarnrc.yml, refuses Zero-Install repositories and
// non-"exec" plugins, drives `yarn install --mode=skip-build`, and
// parses `yarn info --all --recursive --cache --json`'s
// newline-delimited JSON stream into SBOM components.
//
// .yarnrc.yml is genuine YAML, decoded with gopkg.in/yaml.v3 (the same
// decoder the generic resolver uses for artifacts.lock.yaml); the `yarn
// info --json` stream, by contrast, is one JSON object per line, decoded
// with encoding/json's streaming Decoder exactly as the gomod resolver
// decodes `go mod download -json`'s object stream.
package yarnberry

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/containerbuildsystem/cachi2/internal/pathguard"
	"github.com/containerbuildsystem/cachi2/internal/sbom"
)

// Input is everything one yarn Berry resolution needs.
type Input struct {
	Dir           string // package directory containing yarn.lock/.yarnrc.yml
	SourceDir     string // the Request's SourceDir, for .yarnrc.yml path confinement
	YarnGlobalDir string // <output>/deps/yarn; the cache lands in its cache/ subdir
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

var locatorPattern = regexp.MustCompile(`^(.+)@([a-zA-Z]+):(.*)$`)

// infoRecord mirrors one line of `yarn info --all --recursive --cache
// --json` output.
type infoRecord struct {
	Value    string `json:"value"`
	Children struct {
		Version string `json:"Version"`
		Cache   struct {
			Path     string `json:"Path"`
			Checksum string `json:"Checksum"`
		} `json:"Cache"`
	} `json:"children"`
}

// pathYarnrcKeys are the .yarnrc.yml settings that must stay inside the
// source tree.
var pathYarnrcKeys = []string{"cacheFolder", "pnpDataPath", "virtualFolder", "installStatePath", "patchFolder", "globalFolder"}

// Resolve drives a Berry install against the global cache and enumerates
// the result via yarn info.
func Resolve(ctx context.Context, in Input) (*Output, error) {
	if err := checkZeroInstall(in.Dir); err != nil {
		return nil, err
	}

	if err := validateYarnrc(in); err != nil {
		return nil, err
	}

	installEnv := []string{
		"YARN_GLOBAL_FOLDER=" + in.YarnGlobalDir,
		"YARN_ENABLE_GLOBAL_CACHE=true",
		"YARN_ENABLE_IMMUTABLE_INSTALLS=true",
		"YARN_ENABLE_TELEMETRY=false",
	}
	if err := runYarnInstall(ctx, in.Dir, installEnv); err != nil {
		return nil, errors.Wrap(err, "yarn install --mode=skip-build")
	}

	records, err := runYarnInfo(ctx, in.Dir)
	if err != nil {
		return nil, err
	}

	out := &Output{}
	for _, rec := range records {
		c, err := buildComponent(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "locator %q", rec.Value)
		}
		if c != nil {
			out.Components = append(out.Components, *c)
		}
	}
	sortComponentsByPurl(out.Components)

	out.Env = []EnvVar{
		{Name: "YARN_GLOBAL_FOLDER", Value: in.YarnGlobalDir, IsPath: true},
		{Name: "YARN_ENABLE_GLOBAL_CACHE", Value: "false"},
		{Name: "YARN_ENABLE_MIRROR", Value: "true"},
		{Name: "YARN_ENABLE_IMMUTABLE_CACHE", Value: "false"},
	}
	return out, nil
}

// checkZeroInstall refuses a repository that ships its own unplugged
// dependency tree.
func checkZeroInstall(dir string) error {
	ok, err := pathguard.IsDir(filepath.Join(dir, ".yarn", "unplugged"))
	if err != nil {
		return err
	}
	if ok {
		return errors.New("Zero-Install repository detected (.yarn/unplugged present); cachi2 does not support Zero-Install yarn projects")
	}
	return nil
}

// validateYarnrc checks that every path setting stays inside the source
// tree and every enabled plugin is the vendored "exec" plugin.
func validateYarnrc(in Input) error {
	path := filepath.Join(in.Dir, ".yarnrc.yml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil // no .yarnrc.yml: nothing to validate
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}

	guard, err := pathguard.New(in.SourceDir)
	if err != nil {
		return err
	}
	dirRel, err := filepath.Rel(in.SourceDir, in.Dir)
	if err != nil {
		return errors.Wrapf(err, "computing %q relative to source root %q", in.Dir, in.SourceDir)
	}
	for _, key := range pathYarnrcKeys {
		v, ok := doc[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if _, err := guard.Resolve(filepath.Join(dirRel, s)); err != nil {
			return errors.Wrapf(err, ".yarnrc.yml setting %q", key)
		}
	}

	if rawPlugins, ok := doc["plugins"]; ok {
		plugins, ok := rawPlugins.([]interface{})
		if !ok {
			return errors.Errorf(".yarnrc.yml plugins has unexpected shape %T", rawPlugins)
		}
		for _, p := range plugins {
			entry, _ := p.(map[string]interface{})
			spec, _ := entry["spec"].(string)
			if !strings.Contains(spec, "exec") {
				return errors.Errorf(".yarnrc.yml enables a non-exec plugin %q; only the vendored exec plugin is supported", spec)
			}
		}
	}
	return nil
}

func runYarnInstall(ctx context.Context, dir string, extraEnv []string) error {
	cmd := exec.CommandContext(ctx, "yarn", "install", "--mode=skip-build")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Errorf("yarn install failed: %s\n%s", err, out)
	}
	return nil
}

func runYarnInfo(ctx context.Context, dir string) ([]infoRecord, error) {
	cmd := exec.CommandContext(ctx, "yarn", "info", "--all", "--recursive", "--cache", "--json")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "yarn info --all --recursive --cache --json")
	}

	dec := json.NewDecoder(bytes.NewReader(out))
	var records []infoRecord
	for dec.More() {
		var rec infoRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, errors.Wrap(err, "decoding yarn info JSON stream")
		}
		records = append(records, rec)
	}
	return records, nil
}

// buildComponent classifies one locator and returns its SBOM component, or
// nil for locators that never produce a fetched artifact (workspace, file,
// portal, link). Unsupported locators (exec:, git:, github:) are fatal.
func buildComponent(rec infoRecord) (*sbom.Component, error) {
	m := locatorPattern.FindStringSubmatch(rec.Value)
	if m == nil {
		return nil, errors.Errorf("could not parse locator scheme")
	}
	name, scheme, rest := m[1], m[2], m[3]

	switch scheme {
	case "workspace", "file", "portal", "link":
		return nil, nil

	case "exec", "git", "github":
		return nil, errors.Errorf("locator scheme %q is not supported", scheme)

	case "npm":
		return npmComponent(name, rest, rec), nil

	case "patch":
		// The underlying package is embedded as "<name>@npm%3A<version>"
		// inside the patch locator's rest; cachi2 still attributes the
		// fetched artifact to that underlying package.
		if idx := strings.Index(rest, "npm%3A"); idx >= 0 {
			version := strings.SplitN(rest[idx+len("npm%3A"):], "#", 2)[0]
			return npmComponent(name, version, rec), nil
		}
		return nil, nil

	case "https":
		// e.g. "pkg@https://example.com/pkg-1.0.0.tar.gz"; the regexp split
		// the scheme off, so the URL is scheme + ":" + rest.
		tarballURL := scheme + ":" + rest
		if !strings.HasSuffix(tarballURL, ".tar.gz") {
			return nil, errors.Errorf("https locator %q does not point at a .tar.gz tarball", tarballURL)
		}
		qualifiers := map[string]string{"download_url": tarballURL}
		if rec.Children.Cache.Checksum != "" {
			qualifiers["checksum"] = rec.Children.Cache.Checksum
		}
		c := &sbom.Component{Name: name, Version: rec.Children.Version, Purl: npmPurl(name, rec.Children.Version, qualifiers), Type: sbom.TypeLibrary}
		c.AddProperty(sbom.PropFoundBy, "cachi2:yarn-berry")
		if rec.Children.Cache.Checksum == "" {
			c.AddProperty(sbom.PropMissingHash, "yarn.lock")
		}
		return c, nil

	default:
		return nil, errors.Errorf("locator scheme %q is not supported", scheme)
	}
}

func npmComponent(name, version string, rec infoRecord) *sbom.Component {
	if version == "" {
		version = rec.Children.Version
	}
	qualifiers := map[string]string{}
	if rec.Children.Cache.Checksum != "" {
		qualifiers["checksum"] = rec.Children.Cache.Checksum
	}
	c := &sbom.Component{Name: name, Version: version, Purl: npmPurl(name, version, qualifiers), Type: sbom.TypeLibrary}
	c.AddProperty(sbom.PropFoundBy, "cachi2:yarn-berry")
	if rec.Children.Cache.Checksum == "" {
		c.AddProperty(sbom.PropMissingHash, "yarn.lock")
	}
	return c
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

func sortComponentsByPurl(cs []sbom.Component) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Purl != cs[j].Purl {
			return cs[i].Purl < cs[j].Purl
		}
		return cs[i].Name < cs[j].Name
	})
}
