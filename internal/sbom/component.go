// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sbom is the SBOM Model: an in-memory set of
// Components plus request-level metadata, with deterministic ordering and
// idempotent merge.
package sbom

import "sort"

// ComponentType mirrors the CycloneDX component "type" field.
type ComponentType string

const (
	TypeLibrary   ComponentType = "library"
	TypeFile      ComponentType = "file"
	TypeContainer ComponentType = "container"
)

// Well-known property names, shared across every resolver.
const (
	PropFoundBy        = "cachi2:found_by"
	PropMissingHash    = "cachi2:missing_hash:in_file"
	PropNpmDevelopment = "cdx:npm:package:development"
	PropNpmBundled     = "cdx:npm:package:bundled"
	PropNpmOptional    = "cdx:npm:package:optional"
	PropNpmPeer        = "cdx:npm:package:peer"
)

// Property is a single CycloneDX property (name, value) pair. A Component
// may carry the same property name more than once (e.g. missing_hash for
// several files), so properties are stored as a slice, not a map.
type Property struct {
	Name  string
	Value string
}

// Component is one SBOM entry. Uniqueness key is (Name, Version, Purl);
// Merge is idempotent under that key.
type Component struct {
	Name       string
	Version    string
	Purl       string
	Type       ComponentType
	Properties []Property

	// ExternalRefs holds CycloneDX externalReferences entries, e.g. the
	// generic resolver's distribution URL.
	ExternalRefs []ExternalRef
}

// ExternalRef is a CycloneDX externalReferences entry.
type ExternalRef struct {
	Type string
	URL  string
}

// key returns a Component's uniqueness tuple.
func (c Component) key() [3]string {
	return [3]string{c.Name, c.Version, c.Purl}
}

// AddProperty appends a property, skipping an exact (name, value) duplicate.
func (c *Component) AddProperty(name, value string) {
	for _, p := range c.Properties {
		if p.Name == name && p.Value == value {
			return
		}
	}
	c.Properties = append(c.Properties, Property{Name: name, Value: value})
}

// HasProperty reports whether a property with the given name and value is
// already present.
func (c Component) HasProperty(name, value string) bool {
	for _, p := range c.Properties {
		if p.Name == name && p.Value == value {
			return true
		}
	}
	return false
}

// mergeInto unions other's properties and external refs into c. Both
// Components are assumed to share the same uniqueness key.
func (c *Component) mergeInto(other Component) {
	for _, p := range other.Properties {
		c.AddProperty(p.Name, p.Value)
	}
outer:
	for _, r := range other.ExternalRefs {
		for _, existing := range c.ExternalRefs {
			if existing == r {
				continue outer
			}
		}
		c.ExternalRefs = append(c.ExternalRefs, r)
	}
}

// sortComponents orders Components deterministically: by purl, then name,
// then version.
func sortComponents(cs []Component) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Purl != cs[j].Purl {
			return cs[i].Purl < cs[j].Purl
		}
		if cs[i].Name != cs[j].Name {
			return cs[i].Name < cs[j].Name
		}
		return cs[i].Version < cs[j].Version
	})
}
