// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package npm

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerbuildsystem/cachi2/internal/fetch"
)

func testContext() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	_ = cancel
	return ctx
}

func sri(alg string, content string) string {
	sum := sha512.Sum512([]byte(content))
	return alg + "-" + base64.StdEncoding.EncodeToString(sum[:])
}

func TestPackageNameFromNodePath(t *testing.T) {
	cases := map[string]string{
		"node_modules/accepts":                 "accepts",
		"node_modules/@scope/foo":              "@scope/foo",
		"node_modules/a/node_modules/b":        "b",
		"node_modules/@scope/a/node_modules/b": "b",
	}
	for in, want := range cases {
		if got := packageNameFromNodePath(in); got != want {
			t.Errorf("packageNameFromNodePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeIntegrityMissing(t *testing.T) {
	_, _, missing, err := decodeIntegrity("")
	if err != nil || !missing {
		t.Fatalf("expected a missing-hash result, got (%v, %v)", missing, err)
	}
}

func TestDecodeIntegrityDecodesSHA512(t *testing.T) {
	value := sri("sha512", "hello")
	alg, hexDigest, missing, err := decodeIntegrity(value)
	if err != nil {
		t.Fatal(err)
	}
	if missing || alg != "sha512" || hexDigest == "" {
		t.Fatalf("got alg=%q hex=%q missing=%v", alg, hexDigest, missing)
	}
}

func TestParseGitResolvedRequiresCommit(t *testing.T) {
	if _, _, err := parseGitResolved("git+https://github.com/foo/bar.git"); err == nil {
		t.Fatal("expected missing commit fragment to be rejected")
	}
}

func TestParseGitResolvedSplitsCommit(t *testing.T) {
	commit := "deadbeefcafebabe"
	repo, got, err := parseGitResolved("git+https://github.com/foo/bar.git#" + commit)
	if err != nil {
		t.Fatal(err)
	}
	if got != commit || repo != "git+https://github.com/foo/bar.git" {
		t.Fatalf("got repo=%q commit=%q", repo, got)
	}
}

func TestNpmPurlScoped(t *testing.T) {
	got := npmPurl("@scope/foo", "1.0.0", nil)
	want := "pkg:npm/@scope/foo@1.0.0"
	if got != want {
		t.Fatalf("npmPurl() = %q, want %q", got, want)
	}
}

func TestResolveRejectsV1Lockfile(t *testing.T) {
	dir := t.TempDir()
	writeLockFixture(t, dir, `{"name":"x","lockfileVersion":1,"packages":{}}`)
	if _, err := Resolve(testContext(), Input{Dir: dir, OutputDepsDir: t.TempDir()}); err == nil {
		t.Fatal("expected lockfileVersion 1 to be rejected")
	}
}

func TestResolveFetchesRegistryDependencyAndRewritesLockfile(t *testing.T) {
	const content = "tarball bytes"
	integrity := sri("sha512", content)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer srv.Close()

	dir := t.TempDir()
	lock := map[string]interface{}{
		"name":            "root",
		"lockfileVersion": 3,
		"packages": map[string]interface{}{
			"": map[string]interface{}{},
			"node_modules/accepts": map[string]interface{}{
				"version":   "1.3.8",
				"resolved":  srv.URL + "/accepts/-/accepts-1.3.8.tgz",
				"integrity": integrity,
			},
		},
	}
	writeLockFixtureJSON(t, dir, lock)

	fetcher := fetch.NewFetcher()
	fetcher.Client = srv.Client()
	fetcher.MaxAttempts = 1

	out, err := Resolve(testContext(), Input{Dir: dir, OutputDepsDir: t.TempDir(), Fetcher: fetcher})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Components) != 1 || out.Components[0].Name != "accepts" {
		t.Fatalf("got %+v", out.Components)
	}
	if len(out.Edits) != 1 {
		t.Fatalf("expected a lockfile rewrite, got %+v", out.Edits)
	}
	var rewritten lockFile
	if err := json.Unmarshal(out.Edits[0].NewContent, &rewritten); err != nil {
		t.Fatal(err)
	}
	entry := rewritten.Packages["node_modules/accepts"]
	if entry.Resolved == "" || entry.Resolved == srv.URL+"/accepts/-/accepts-1.3.8.tgz" {
		t.Fatalf("expected resolved to be rewritten to a local file:// path, got %q", entry.Resolved)
	}
}

func TestResolveTagsBundledDependency(t *testing.T) {
	const content = "bundled tarball bytes"
	integrity := sri("sha512", content)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer srv.Close()

	dir := t.TempDir()
	lock := map[string]interface{}{
		"name":            "root",
		"lockfileVersion": 3,
		"packages": map[string]interface{}{
			"": map[string]interface{}{},
			"node_modules/npm/node_modules/abbrev": map[string]interface{}{
				"version":   "1.1.1",
				"resolved":  srv.URL + "/abbrev/-/abbrev-1.1.1.tgz",
				"integrity": integrity,
				"inBundle":  true,
			},
		},
	}
	writeLockFixtureJSON(t, dir, lock)

	fetcher := fetch.NewFetcher()
	fetcher.Client = srv.Client()
	fetcher.MaxAttempts = 1

	out, err := Resolve(testContext(), Input{Dir: dir, OutputDepsDir: t.TempDir(), Fetcher: fetcher})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Components) != 1 || out.Components[0].Name != "abbrev" {
		t.Fatalf("got %+v", out.Components)
	}
	if !out.Components[0].HasProperty("cdx:npm:package:bundled", "true") {
		t.Fatalf("expected the bundled property, got %+v", out.Components[0].Properties)
	}
}

func writeLockFixture(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "package-lock.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeLockFixtureJSON(t *testing.T, dir string, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	writeLockFixture(t, dir, string(b))
}
