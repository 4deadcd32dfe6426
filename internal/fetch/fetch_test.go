// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestVerifyAnyMatchNoMismatch(t *testing.T) {
	// If any named digest matches and none mismatch, Verify succeeds.
	content := "hello world"
	realSum := sha256Hex(content)
	err := Verify(stringsReader(content), []Checksum{{Algorithm: "sha256", Hex: realSum}})
	if err != nil {
		t.Fatalf("expected successful verification, got %v", err)
	}
}

func TestVerifyAnyMismatchFails(t *testing.T) {
	// Any mismatch is a hard failure even if another algorithm would
	// have matched.
	content := "hello world"
	realSum := sha256Hex(content)
	err := Verify(stringsReader(content), []Checksum{
		{Algorithm: "sha256", Hex: realSum},
		{Algorithm: "md5", Hex: "deadbeefdeadbeefdeadbeefdeadbeef"},
	})
	if err == nil {
		t.Fatal("expected verification to fail on md5 mismatch despite sha256 match")
	}
}

func TestParseChecksumRejectsUnsupportedAlgorithm(t *testing.T) {
	if _, err := ParseChecksum("crc32:deadbeef"); err == nil {
		t.Fatal("expected unsupported algorithm to be rejected")
	}
}

func TestFullJitterBackoffRespectsCapAndIsBounded(t *testing.T) {
	base := time.Second
	cap := 32 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		d := fullJitterBackoff(base, cap, attempt, 1.0) // rnd=1.0 -> upper bound
		if d > cap {
			t.Fatalf("attempt %d: backoff %v exceeds cap %v", attempt, d, cap)
		}
		d0 := fullJitterBackoff(base, cap, attempt, 0.0)
		if d0 != 0 {
			t.Fatalf("attempt %d: rnd=0 should yield zero delay, got %v", attempt, d0)
		}
	}
}

func TestValidateHTTPSURLRejectsPlainHTTP(t *testing.T) {
	if err := validateHTTPSURL("http://example.com/foo.tgz"); err == nil {
		t.Fatal("expected plain http:// to be rejected")
	}
	if err := validateHTTPSURL("https://example.com/foo.tgz"); err != nil {
		t.Fatalf("expected https:// to be accepted, got %v", err)
	}
}

func TestFetchOneVerifiesAndWritesAtomically(t *testing.T) {
	const body = "package contents"
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "sub", "artifact.tar.gz")

	f := NewFetcher()
	f.Client = srv.Client()
	f.MaxAttempts = 1

	err := f.FetchOne(testContext(t), Artifact{
		URL:        srv.URL,
		TargetPath: target,
		Checksums:  []Checksum{{Algorithm: "sha256", Hex: sha256Hex(body)}},
	})
	if err != nil {
		t.Fatalf("FetchOne failed: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("expected artifact at %s: %v", target, err)
	}
	if string(got) != body {
		t.Fatalf("got content %q, want %q", got, body)
	}
}

func TestFetchOneRejectsChecksumMismatch(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not what you expected"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "artifact.bin")

	f := NewFetcher()
	f.Client = srv.Client()
	f.MaxAttempts = 1

	err := f.FetchOne(testContext(t), Artifact{
		URL:        srv.URL,
		TargetPath: target,
		Checksums:  []Checksum{{Algorithm: "sha256", Hex: sha256Hex("something else entirely")}},
	})
	if err == nil {
		t.Fatal("expected checksum mismatch to fail FetchOne")
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Fatal("expected no partial file to remain after a checksum mismatch")
	}
}
