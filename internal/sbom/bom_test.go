// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbom

import (
	"strings"
	"testing"
)

func TestPurlIdempotence(t *testing.T) {
	// Since this package only ever builds purls (never parses arbitrary
	// ones back), the property guaranteed here is that re-building from
	// the same qualifiers always yields the same string, regardless of
	// map iteration order.
	for i := 0; i < 5; i++ {
		got := Purl("npm", "", "accepts", "1.3.8", map[string]string{
			"download_url": "https://registry.npmjs.org/accepts/-/accepts-1.3.8.tgz",
			"checksum":     "sha512:deadbeef",
		})
		want := "pkg:npm/accepts@1.3.8?checksum=sha512%3Adeadbeef&download_url=https%3A%2F%2Fregistry.npmjs.org%2Faccepts%2F-%2Faccepts-1.3.8.tgz"
		if got != want {
			t.Fatalf("iteration %d: Purl() = %q, want %q", i, got, want)
		}
	}
}

func TestPurlNamespace(t *testing.T) {
	got := Purl("npm", "@scope", "name", "1.0.0", nil)
	want := "pkg:npm/@scope/name@1.0.0"
	if got != want {
		t.Fatalf("Purl() = %q, want %q", got, want)
	}
}

func TestBOMMergeIsCommutative(t *testing.T) {
	// Dispatcher merge must be commutative for disjoint package lists.
	a := Component{Name: "accepts", Version: "1.3.8", Purl: "pkg:npm/accepts@1.3.8", Type: TypeLibrary}
	a.AddProperty(PropFoundBy, "cachi2:npm")
	b := Component{Name: "accepts", Version: "1.3.8", Purl: "pkg:npm/accepts@1.3.8", Type: TypeLibrary}
	b.AddProperty(PropNpmDevelopment, "true")

	left := NewBOM("test")
	left.Add(a)
	left.Add(b)

	right := NewBOM("test")
	right.Add(b)
	right.Add(a)

	lc := left.Components()
	rc := right.Components()
	if len(lc) != 1 || len(rc) != 1 {
		t.Fatalf("expected a single merged component, got %d and %d", len(lc), len(rc))
	}
	if len(lc[0].Properties) != 2 || len(rc[0].Properties) != 2 {
		t.Fatalf("expected property sets to be unioned, got %v and %v", lc[0].Properties, rc[0].Properties)
	}
}

func TestBOMAddIsIdempotent(t *testing.T) {
	c := Component{Name: "foo", Version: "1.0.0", Purl: "pkg:generic/foo@1.0.0", Type: TypeFile}
	b := NewBOM("test")
	b.Add(c)
	b.Add(c)
	b.Add(c)
	if b.Len() != 1 {
		t.Fatalf("expected idempotent Add to leave a single component, got %d", b.Len())
	}
}

func TestToCycloneDXDeterministicOrder(t *testing.T) {
	b := NewBOM("0.0.0")
	b.Add(Component{Name: "zeta", Version: "1.0.0", Purl: "pkg:generic/zeta@1.0.0", Type: TypeFile})
	b.Add(Component{Name: "alpha", Version: "1.0.0", Purl: "pkg:generic/alpha@1.0.0", Type: TypeFile})

	out, err := b.ToCycloneDX()
	if err != nil {
		t.Fatal(err)
	}
	got := string(out)
	if strings.Index(got, "alpha") > strings.Index(got, "zeta") {
		t.Fatalf("expected alpha (lower purl) before zeta, got:\n%s", got)
	}
	if !strings.Contains(got, `"bomFormat": "CycloneDX"`) {
		t.Fatalf("expected CycloneDX bomFormat header, got:\n%s", got)
	}
}
