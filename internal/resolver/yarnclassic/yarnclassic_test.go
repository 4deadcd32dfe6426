// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package yarnclassic

import "testing"

func TestParseYarnLockSingleEntry(t *testing.T) {
	data := []byte(`# THIS IS AN AUTOGENERATED FILE. DO NOT EDIT THIS FILE DIRECTLY.
# yarn lockfile v1


accepts@^1.3.5, accepts@^1.3.7:
  version "1.3.8"
  resolved "https://registry.yarnpkg.com/accepts/-/accepts-1.3.8.tgz#872b82bb6af16243953bf47e7a24a1ca45dedbf4"
  integrity sha512-PYAthTa2m2VKxuvSD3DPC/Gy+U+sOA1LAuT8mkmRuvw+NACSaeXEQ+NHcVF7rONl6qcaxV3Uuemwawk+7+SJLw==
  dependencies:
    mime-types "~2.1.34"
    negotiator "0.6.3"

negotiator@0.6.3:
  version "0.6.3"
  resolved "https://registry.yarnpkg.com/negotiator/-/negotiator-0.6.3.tgz#58e323a72fedc0d6f9cd4d31fe49f51479590ccd"
`)
	entries, err := parseYarnLock(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].version != "1.3.8" || specifierName(entries[0].specifiers[0]) != "accepts" {
		t.Fatalf("got %+v", entries[0])
	}
	if resolvedFragment(entries[1].resolved) != "58e323a72fedc0d6f9cd4d31fe49f51479590ccd" {
		t.Fatalf("got resolved=%q", entries[1].resolved)
	}
}

func TestSpecifierNameStripsRange(t *testing.T) {
	if got := specifierName("@scope/foo@^1.2.3"); got != "@scope/foo" {
		t.Fatalf("specifierName() = %q", got)
	}
}

func TestSriToChecksumForm(t *testing.T) {
	got := sriToChecksumForm("sha512-aGVsbG8=")
	if got == "" || got == "sha512-aGVsbG8=" {
		t.Fatalf("expected a decoded alg:hex form, got %q", got)
	}
}
