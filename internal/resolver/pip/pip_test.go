// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pip

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseRequirementLinePin(t *testing.T) {
	req, err := parseRequirementLine("requests==2.31.0")
	if err != nil {
		t.Fatal(err)
	}
	if req.name != "requests" || req.version != "2.31.0" {
		t.Fatalf("got %+v", req)
	}
}

func TestParseRequirementLineRejectsUnpinned(t *testing.T) {
	if _, err := parseRequirementLine("requests>=2.0"); err == nil {
		t.Fatal("expected a range operator to be rejected")
	}
}

func TestParseRequirementLineDirectURL(t *testing.T) {
	req, err := parseRequirementLine("foo @ https://example.com/foo-1.0.tar.gz#sha256=abc123")
	if err != nil {
		t.Fatal(err)
	}
	if !req.isDirect || req.sha256 != "abc123" {
		t.Fatalf("got %+v", req)
	}
}

func TestParseRequirementLineVCS(t *testing.T) {
	commit := strings.Repeat("a", 40)
	req, err := parseRequirementLine("osbs-client @ git+https://github.com/containerbuildsystem/osbs-client@" + commit)
	if err != nil {
		t.Fatal(err)
	}
	if !req.isVCS || req.vcsRevision != commit {
		t.Fatalf("got %+v", req)
	}
}

func TestParseRequirementLineVCSRejectsShortRef(t *testing.T) {
	if _, err := parseRequirementLine("foo @ git+https://example.com/foo@abc123"); err == nil {
		t.Fatal("expected a short VCS ref to be rejected")
	}
}

func TestParseRequirementLineHashOption(t *testing.T) {
	req, err := parseRequirementLine("foo==1.0 --hash=sha256:" + strings.Repeat("a", 64))
	if err != nil {
		t.Fatal(err)
	}
	if req.version != "1.0" || len(req.hashes) != 1 {
		t.Fatalf("got %+v", req)
	}
}

func TestParseRequirementLineConflictingDigests(t *testing.T) {
	line := "foo @ https://example.com/foo-1.0.tar.gz#sha256=" + strings.Repeat("a", 64) +
		" --hash=sha256:" + strings.Repeat("b", 64)
	if _, err := parseRequirementLine(line); err == nil {
		t.Fatal("expected conflicting fragment and --hash digests to be rejected")
	}
}

func TestParseRequirementsRejectsIndexURL(t *testing.T) {
	if _, err := parseRequirements([]byte("--index-url https://internal.example/simple\nfoo==1.0\n")); err == nil {
		t.Fatal("expected --index-url to be rejected")
	}
}

func TestCanonicalizeName(t *testing.T) {
	cases := map[string]string{
		"Foo_Bar":  "foo-bar",
		"foo.bar":  "foo-bar",
		"foo--bar": "foo-bar",
	}
	for in, want := range cases {
		if got := canonicalizeName(in); got != want {
			t.Errorf("canonicalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSimpleIndexExtractsHashes(t *testing.T) {
	html := `<!DOCTYPE html><html><body>
<a href="../../packages/foo-1.0.tar.gz#sha256=deadbeef">foo-1.0.tar.gz</a>
<a href="../../packages/foo-1.0-py3-none-any.whl#sha256=cafebabe">foo-1.0-py3-none-any.whl</a>
</body></html>`
	links, err := parseSimpleIndex(strings.NewReader(html))
	if err != nil {
		t.Fatal(err)
	}
	sortLinks(links)
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(links))
	}
	// sortLinks orders by filename: "foo-1.0-py3..." sorts before
	// "foo-1.0.tar.gz" because '-' < '.', so the sdist lands at index 1.
	if links[1].sha256 != "deadbeef" {
		t.Fatalf("expected sdist sha256 deadbeef, got %+v", links[1])
	}
}

func TestChoosePyPIArtifactPrefersSdist(t *testing.T) {
	links := []simpleLink{
		{filename: "foo-1.0-py3-none-any.whl"},
		{filename: "foo-1.0.tar.gz", sha256: "deadbeef"},
	}
	pick, err := choosePyPIArtifact(links, "foo", "1.0", true)
	if err != nil {
		t.Fatal(err)
	}
	if pick.filename != "foo-1.0.tar.gz" {
		t.Fatalf("expected sdist to be preferred, got %q", pick.filename)
	}
}

func TestChoosePyPIArtifactRejectsWheelWithoutAllowBinary(t *testing.T) {
	links := []simpleLink{{filename: "foo-1.0-py3-none-any.whl"}}
	if _, err := choosePyPIArtifact(links, "foo", "1.0", false); err == nil {
		t.Fatal("expected a wheel-only result to be rejected without allow_binary")
	}
}

func TestResolvePyPIRequirementFetchesAndVerifies(t *testing.T) {
	const content = "sdist contents"
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/simple/foo/":
			w.Write([]byte(`<a href="/packages/foo-1.0.tar.gz#sha256=` + sha256Hex(content) + `">foo-1.0.tar.gz</a>`))
		case "/packages/foo-1.0.tar.gz":
			w.Write([]byte(content))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("foo==1.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()

	out, err := Resolve(testContext(), Input{
		Dir:                dir,
		RequirementsFiles:  []string{"requirements.txt"},
		OutputDepsDir:      outDir,
		SimpleIndexBaseURL: srv.URL + "/simple/",
		HTTPClient:         srv.Client(),
		Fetcher:            testFetcher(srv),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Components) != 1 || out.Components[0].Name != "foo" {
		t.Fatalf("got %+v", out.Components)
	}
	if len(out.Edits) != 0 {
		t.Fatalf("expected no edits for a plain PyPI pin, got %+v", out.Edits)
	}
	if _, err := os.Stat(filepath.Join(outDir, "foo-1.0.tar.gz")); err != nil {
		t.Fatalf("expected the sdist to be cached: %v", err)
	}
}
