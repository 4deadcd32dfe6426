// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bundler

import "testing"

const sampleLock = `
GIT
  remote: https://github.com/example/mygem
  revision: abcdef0123456789abcdef0123456789abcdef01
  specs:
    mygem (1.0.0)

GEM
  remote: https://rubygems.org/
  specs:
    rake (13.0.6)
    nokogiri (1.15.4-x86_64-linux)
      mini_portile2 (~> 2.8.0)

PLATFORMS
  ruby
  x86_64-linux

DEPENDENCIES
  mygem!
  rake

BUNDLED WITH
   2.4.10
`

func TestParseGemfileLock(t *testing.T) {
	lf, err := parseGemfileLock([]byte(sampleLock))
	if err != nil {
		t.Fatal(err)
	}
	if lf.gemRemote != "https://rubygems.org/" {
		t.Fatalf("got remote %q", lf.gemRemote)
	}
	if len(lf.gems) != 2 {
		t.Fatalf("expected 2 GEM specs (dependency line ignored), got %+v", lf.gems)
	}
	if len(lf.gits) != 1 || lf.gits[0].remote != "https://github.com/example/mygem" {
		t.Fatalf("got gits %+v", lf.gits)
	}
	if lf.gits[0].revision != "abcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("got revision %q", lf.gits[0].revision)
	}
	if len(lf.gits[0].gems) != 1 || lf.gits[0].gems[0].name != "mygem" {
		t.Fatalf("got git gems %+v", lf.gits[0].gems)
	}
}

func TestParseSpecLine(t *testing.T) {
	name, version, ok := parseSpecLine("rake (13.0.6)")
	if !ok || name != "rake" || version != "13.0.6" {
		t.Fatalf("got name=%q version=%q ok=%v", name, version, ok)
	}
}

func TestIsPlatformSpecific(t *testing.T) {
	if !isPlatformSpecific("1.15.4-x86_64-linux") {
		t.Fatal("expected a platform-suffixed version to be detected")
	}
	if isPlatformSpecific("1.0.0") {
		t.Fatal("expected a plain version not to be detected as platform-specific")
	}
}

func TestSanitizeEnvName(t *testing.T) {
	if got := sanitizeEnvName("my-gem.rb"); got != "my_gem_rb" {
		t.Fatalf("got %q", got)
	}
}
