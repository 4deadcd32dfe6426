// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pip is the pip Resolver: it parses
// requirements-file syntax, fetches every pinned requirement from PyPI
// Simple-index pages, direct URLs, or VCS, verifies digests, and rewrites
// the requirements file to point at the local cache.
//
// The requirements-file grammar (a PEP 508/PEP 440 subset) is parsed by
// a hand-written line scanner. PyPI Simple-index pages are plain HTML;
// this package decodes them with golang.org/x/net/html.
package pip

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/html"

	"github.com/containerbuildsystem/cachi2/internal/cachedb"
	"github.com/containerbuildsystem/cachi2/internal/fetch"
	"github.com/containerbuildsystem/cachi2/internal/sbom"
	"github.com/containerbuildsystem/cachi2/internal/vcsfetch"
)

// Options are the pip-specific request settings.
type Options struct {
	AllowBinary bool
}

// Input is everything one pip resolution needs.
type Input struct {
	Dir                string // package directory, already path-guard-confined
	RequirementsFiles  []string
	OutputDepsDir      string // <output>/deps/pip
	SimpleIndexBaseURL string // defaults to https://pypi.org/simple/ when empty
	Options            Options
	Fetcher            *fetch.Fetcher
	HTTPClient         *http.Client

	// Cache is the optional persistent metadata cache; a nil value always
	// misses and every git-sourced dependency is cloned in full.
	Cache *cachedb.DB
}

// Output carries the resolver's share of the request result.
type Output struct {
	Components []sbom.Component
	Edits      []Edit
}

// Edit describes a requirements.txt rewrite: every non-PyPI requirement's
// right-hand side becomes a file:/// reference into the output cache.
type Edit struct {
	Path        string // relative to Dir
	Description string
	NewContent  []byte
}

// requirement is one parsed, pinned requirements-file line.
type requirement struct {
	name        string
	version     string // "==" pin, or "" for direct URL / VCS
	directURL   string
	sha256      string   // from a #sha256= URL fragment
	hashes      []string // from --hash=sha256:<hex> options
	vcsRepo     string
	vcsRevision string
	isVCS       bool
	isDirect    bool
}

var errUnpinned = errors.New("requirement is not pinned with ==, a direct URL checksum, or a VCS commit hash")

// Resolve materializes every pinned requirement into the pip cache.
func Resolve(ctx context.Context, in Input) (*Output, error) {
	if in.HTTPClient == nil {
		in.HTTPClient = http.DefaultClient
	}
	indexBase := in.SimpleIndexBaseURL
	if indexBase == "" {
		indexBase = "https://pypi.org/simple/"
	}

	out := &Output{}
	for _, reqFile := range in.RequirementsFiles {
		if err := resolveFile(ctx, in, reqFile, indexBase, out); err != nil {
			return nil, errors.Wrapf(err, "resolving %s", reqFile)
		}
	}
	return out, nil
}

func resolveFile(ctx context.Context, in Input, reqFile, indexBase string, out *Output) error {
	path := filepath.Join(in.Dir, reqFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading %s", reqFile)
	}

	lines, err := parseRequirements(data)
	if err != nil {
		return err
	}

	rewritten := make([][]byte, 0, len(lines))
	changed := false
	for _, ln := range lines {
		if ln.blank {
			rewritten = append(rewritten, []byte(ln.raw))
			continue
		}
		req, err := parseRequirementLine(ln.raw)
		if err != nil {
			return errors.Wrapf(err, "line %q", ln.raw)
		}

		component, localPath, err := fetchRequirement(ctx, in, indexBase, reqFile, req)
		if err != nil {
			return err
		}
		out.Components = append(out.Components, component)

		if req.isVCS || req.isDirect {
			newLine := fmt.Sprintf("%s @ file://%s", req.name, localPath)
			rewritten = append(rewritten, []byte(newLine))
			changed = true
		} else {
			rewritten = append(rewritten, []byte(ln.raw))
		}
	}

	if changed {
		content := bytes.Join(rewritten, []byte("\n"))
		if len(content) == 0 || content[len(content)-1] != '\n' {
			content = append(content, '\n')
		}
		out.Edits = append(out.Edits, Edit{
			Path:        reqFile,
			Description: "rewrote non-PyPI requirements to local file:// paths",
			NewContent:  content,
		})
	}
	return nil
}

type rawLine struct {
	raw   string
	blank bool
}

// parseRequirements splits a requirements file into lines, marking blank
// lines and comments as blank (kept verbatim), and rejecting forbidden
// global options
// (--index-url, --extra-index-url, editable installs of remote URLs).
func parseRequirements(data []byte) ([]rawLine, error) {
	var out []rawLine
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, rawLine{raw: line, blank: true})
			continue
		}
		if strings.HasPrefix(trimmed, "--index-url") || strings.HasPrefix(trimmed, "--extra-index-url") {
			return nil, errors.Errorf("requirements file sets a package index (%q); cachi2 only fetches from the configured Simple index", trimmed)
		}
		if strings.HasPrefix(trimmed, "-e ") && (strings.Contains(trimmed, "http://") || strings.Contains(trimmed, "https://") || strings.Contains(trimmed, "git+")) {
			return nil, errors.Errorf("editable installs of remote URLs are not supported: %q", trimmed)
		}
		out = append(out, rawLine{raw: line})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseRequirementLine accepts "name==version", "name @ url#sha256=...",
// and "name @ git+https://host/ns/repo@commit" forms, each optionally
// followed by --hash=<alg>:<hex> options.
func parseRequirementLine(line string) (requirement, error) {
	trimmed, hashes, err := splitHashOptions(strings.TrimSpace(line))
	if err != nil {
		return requirement{}, err
	}

	if idx := strings.Index(trimmed, "@"); idx > 0 && strings.Contains(trimmed[idx:], "://") {
		name := strings.TrimSpace(trimmed[:idx])
		target := strings.TrimSpace(trimmed[idx+1:])
		req, err := parseAtForm(name, target)
		if err != nil {
			return requirement{}, err
		}
		req.hashes = hashes
		if req.isDirect && req.sha256 != "" {
			for _, h := range hashes {
				if alg, hx, _ := strings.Cut(h, ":"); alg == "sha256" && hx != req.sha256 {
					return requirement{}, errors.Errorf("requirement %q declares conflicting digests: URL fragment sha256=%s vs --hash=sha256:%s", name, req.sha256, hx)
				}
			}
		}
		return req, nil
	}

	name, version, ok := strings.Cut(trimmed, "==")
	if !ok {
		return requirement{}, errUnpinned
	}
	return requirement{name: strings.TrimSpace(name), version: strings.TrimSpace(version), hashes: hashes}, nil
}

// splitHashOptions strips every --hash=<alg>:<hex> option off a
// requirements line, returning the remaining spec and the digests.
func splitHashOptions(line string) (spec string, hashes []string, err error) {
	fields := strings.Fields(line)
	var kept []string
	for _, f := range fields {
		if !strings.HasPrefix(f, "--hash=") {
			kept = append(kept, f)
			continue
		}
		h := strings.TrimPrefix(f, "--hash=")
		if _, _, ok := strings.Cut(h, ":"); !ok {
			return "", nil, errors.Errorf("malformed hash option %q, want --hash=<alg>:<hex>", f)
		}
		hashes = append(hashes, h)
	}
	return strings.Join(kept, " "), hashes, nil
}

func parseAtForm(name, target string) (requirement, error) {
	if strings.HasPrefix(target, "git+") {
		repo := strings.TrimPrefix(target, "git+")
		atIdx := strings.LastIndex(repo, "@")
		if atIdx < 0 {
			return requirement{}, errors.Errorf("VCS requirement %q must pin a full commit hash with @<sha>", target)
		}
		rev := repo[atIdx+1:]
		repo = repo[:atIdx]
		if len(rev) != 40 {
			return requirement{}, errors.Errorf("VCS requirement %q must pin a full 40-character commit hash, got %q", target, rev)
		}
		return requirement{name: name, isVCS: true, vcsRepo: repo, vcsRevision: rev}, nil
	}

	u, frag, _ := strings.Cut(target, "#")
	sha := ""
	if strings.HasPrefix(frag, "sha256=") {
		sha = strings.TrimPrefix(frag, "sha256=")
	}
	return requirement{name: name, isDirect: true, directURL: u, sha256: sha}, nil
}

func fetchRequirement(ctx context.Context, in Input, indexBase, reqFile string, req requirement) (sbom.Component, string, error) {
	switch {
	case req.isVCS:
		return fetchVCSRequirement(ctx, in, req)
	case req.isDirect:
		return fetchDirectRequirement(ctx, in, reqFile, req)
	default:
		return fetchPyPIRequirement(ctx, in, indexBase, reqFile, req)
	}
}

// requirementChecksums merges a requirement's --hash digests with an
// optional sha256 from another source (URL fragment or index page),
// dropping exact duplicates.
func requirementChecksums(req requirement, sha256 string) []fetch.Checksum {
	var out []fetch.Checksum
	if sha256 != "" {
		out = append(out, fetch.Checksum{Algorithm: "sha256", Hex: sha256})
	}
	for _, h := range req.hashes {
		c, err := fetch.ParseChecksum(h)
		if err != nil {
			continue
		}
		dup := false
		for _, existing := range out {
			if existing == c {
				dup = true
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

func fetchVCSRequirement(ctx context.Context, in Input, req requirement) (sbom.Component, string, error) {
	u, err := url.Parse(req.vcsRepo)
	if err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "parsing VCS URL %q", req.vcsRepo)
	}
	host := u.Host
	namespace := strings.Trim(filepath.Dir(u.Path), "/")
	archiveName := fmt.Sprintf("%s-external-gitcommit-%s.tar.gz", req.name, req.vcsRevision)
	archiveDir := filepath.Join(in.OutputDepsDir, host, namespace, req.name)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "creating %s", archiveDir)
	}
	archivePath := filepath.Join(archiveDir, archiveName)

	resolved, err := vcsfetch.Fetch(ctx, vcsfetch.Request{
		RepoURL:     req.vcsRepo,
		Revision:    req.vcsRevision,
		ArchivePath: archivePath,
		Cache:       in.Cache,
	})
	if err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "fetching VCS requirement %s", req.name)
	}

	purl := sbom.Purl("pypi", "", req.name, "", map[string]string{
		"vcs_url": fmt.Sprintf("git+%s@%s", req.vcsRepo, resolved),
	})
	c := sbom.Component{Name: req.name, Purl: purl, Type: sbom.TypeLibrary}
	c.AddProperty(sbom.PropFoundBy, "cachi2:pip")
	return c, archivePath, nil
}

func fetchDirectRequirement(ctx context.Context, in Input, reqFile string, req requirement) (sbom.Component, string, error) {
	u, err := url.Parse(req.directURL)
	if err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "parsing direct URL %q", req.directURL)
	}
	fileName := filepath.Base(u.Path)
	dir := filepath.Join(in.OutputDepsDir, "external-"+req.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "creating %s", dir)
	}
	localPath := filepath.Join(dir, fileName)

	artifact := fetch.Artifact{URL: req.directURL, TargetPath: localPath}
	artifact.Checksums = requirementChecksums(req, req.sha256)
	missingHash := len(artifact.Checksums) == 0

	fetcher := in.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewFetcher()
	}
	if err := fetcher.FetchOne(ctx, artifact); err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "fetching direct URL requirement %s", req.name)
	}

	qualifiers := map[string]string{"download_url": req.directURL}
	if req.sha256 != "" {
		qualifiers["checksum"] = sbom.ChecksumQualifier("sha256", req.sha256)
	}
	purl := sbom.Purl("pypi", "", req.name, "", qualifiers)
	c := sbom.Component{Name: req.name, Purl: purl, Type: sbom.TypeLibrary}
	c.AddProperty(sbom.PropFoundBy, "cachi2:pip")
	if missingHash {
		c.AddProperty(sbom.PropMissingHash, reqFile)
	}
	return c, localPath, nil
}

func fetchPyPIRequirement(ctx context.Context, in Input, indexBase, reqFile string, req requirement) (sbom.Component, string, error) {
	canonical := canonicalizeName(req.name)
	indexURL := strings.TrimRight(indexBase, "/") + "/" + canonical + "/"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, nil)
	if err != nil {
		return sbom.Component{}, "", err
	}
	resp, err := in.HTTPClient.Do(httpReq)
	if err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "fetching Simple index page for %s", canonical)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sbom.Component{}, "", errors.Errorf("Simple index page for %s returned HTTP %d", canonical, resp.StatusCode)
	}

	links, err := parseSimpleIndex(resp.Body)
	if err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "parsing Simple index page for %s", canonical)
	}

	pick, err := choosePyPIArtifact(links, req.name, req.version, in.Options.AllowBinary)
	if err != nil {
		return sbom.Component{}, "", err
	}

	// Simple-index pages routinely carry hrefs relative to the page URL.
	base, err := url.Parse(indexURL)
	if err != nil {
		return sbom.Component{}, "", err
	}
	ref, err := url.Parse(pick.url)
	if err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "parsing artifact href %q", pick.url)
	}
	fetchURL := base.ResolveReference(ref).String()

	if err := os.MkdirAll(in.OutputDepsDir, 0o755); err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "creating %s", in.OutputDepsDir)
	}
	localPath := filepath.Join(in.OutputDepsDir, pick.filename)

	artifact := fetch.Artifact{URL: fetchURL, TargetPath: localPath}
	artifact.Checksums = requirementChecksums(req, pick.sha256)
	fetcher := in.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewFetcher()
	}
	if err := fetcher.FetchOne(ctx, artifact); err != nil {
		return sbom.Component{}, "", errors.Wrapf(err, "fetching %s", pick.filename)
	}

	purl := sbom.Purl("pypi", "", canonical, req.version, nil)
	c := sbom.Component{Name: canonical, Version: req.version, Purl: purl, Type: sbom.TypeLibrary}
	c.AddProperty(sbom.PropFoundBy, "cachi2:pip")
	if len(artifact.Checksums) == 0 {
		c.AddProperty(sbom.PropMissingHash, reqFile)
	}
	return c, localPath, nil
}

// canonicalizeName implements PEP 503 name normalization.
func canonicalizeName(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
			continue
		}
		b.WriteRune(r)
		lastDash = false
	}
	return b.String()
}

type simpleLink struct {
	filename string
	url      string
	sha256   string
}

// parseSimpleIndex extracts anchor hrefs and data-dist-info/pypi-hash-style
// sha256 fragments from a PEP 503 Simple-index HTML page.
func parseSimpleIndex(r io.Reader) ([]simpleLink, error) {
	tok := html.NewTokenizer(r)
	var links []simpleLink
	for {
		tt := tok.Next()
		switch tt {
		case html.ErrorToken:
			if err := tok.Err(); err != io.EOF {
				return nil, err
			}
			return links, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tag, hasAttr := tok.TagName()
			if string(tag) != "a" || !hasAttr {
				continue
			}
			var href string
			for {
				key, val, more := tok.TagAttr()
				if string(key) == "href" {
					href = string(val)
				}
				if !more {
					break
				}
			}
			if href == "" {
				continue
			}
			rawURL, frag, _ := strings.Cut(href, "#")
			sha := ""
			if strings.HasPrefix(frag, "sha256=") {
				sha = strings.TrimPrefix(frag, "sha256=")
			}
			links = append(links, simpleLink{filename: filepath.Base(rawURL), url: rawURL, sha256: sha})
		}
	}
}

func choosePyPIArtifact(links []simpleLink, name, version string, allowBinary bool) (simpleLink, error) {
	sdistSuffix := "-" + version + ".tar.gz"
	wheelMarker := "-" + version + "-"

	var sdist, wheel *simpleLink
	for i := range links {
		l := links[i]
		switch {
		case strings.HasSuffix(l.filename, sdistSuffix) || strings.HasSuffix(l.filename, "-"+version+".zip"):
			sdist = &links[i]
		case strings.HasSuffix(l.filename, ".whl") && strings.Contains(l.filename, wheelMarker):
			wheel = &links[i]
		}
	}

	if sdist != nil {
		return *sdist, nil
	}
	if allowBinary && wheel != nil {
		return *wheel, nil
	}
	if wheel != nil && !allowBinary {
		return simpleLink{}, errors.Errorf("%s==%s: only a wheel is available and allow_binary is not set", name, version)
	}
	return simpleLink{}, errors.Errorf("%s==%s: no matching sdist or wheel found on the Simple index", name, version)
}

// sortLinks is used by tests to make Simple-index fixtures deterministic.
func sortLinks(links []simpleLink) {
	sort.Slice(links, func(i, j int) bool { return links[i].filename < links[j].filename })
}
