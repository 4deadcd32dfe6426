// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbom

import (
	"encoding/json"
	"fmt"
)

// ToolName/ToolVersion identify cachi2 itself in emitted SBOMs.
const ToolName = "cachi2"

// BOM is the in-memory set of Components plus request-level metadata.
// The zero value is an empty, usable BOM.
type BOM struct {
	ToolVersion string
	components  map[[3]string]Component
}

// NewBOM returns an empty BOM stamped with the given tool version string.
func NewBOM(toolVersion string) *BOM {
	return &BOM{ToolVersion: toolVersion, components: map[[3]string]Component{}}
}

// Add inserts c, merging into any existing Component sharing its uniqueness
// key.
func (b *BOM) Add(c Component) {
	k := c.key()
	if b.components == nil {
		b.components = map[[3]string]Component{}
	}
	if existing, ok := b.components[k]; ok {
		existing.mergeInto(c)
		b.components[k] = existing
		return
	}
	b.components[k] = c
}

// Merge unions other into b. Merge is commutative and idempotent, which is
// what lets the Dispatcher merge per-package Results in any order.
func (b *BOM) Merge(other *BOM) {
	if other == nil {
		return
	}
	for _, c := range other.sorted() {
		b.Add(c)
	}
}

// Components returns every Component, deterministically sorted by purl, then
// name, then version.
func (b *BOM) Components() []Component {
	return b.sorted()
}

func (b *BOM) sorted() []Component {
	out := make([]Component, 0, len(b.components))
	for _, c := range b.components {
		out = append(out, c)
	}
	sortComponents(out)
	return out
}

// Len reports how many distinct components are in the BOM.
func (b *BOM) Len() int { return len(b.components) }

// cyclonedxDoc is the minimal CycloneDX 1.4 document shape cachi2 emits.
type cyclonedxDoc struct {
	BOMFormat   string            `json:"bomFormat"`
	SpecVersion string            `json:"specVersion"`
	Version     int               `json:"version"`
	Metadata    cyclonedxMetadata `json:"metadata"`
	Components  []cyclonedxComp   `json:"components"`
}

type cyclonedxMetadata struct {
	Tools []cyclonedxTool `json:"tools"`
}

type cyclonedxTool struct {
	Vendor  string `json:"vendor"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type cyclonedxComp struct {
	Type               string                 `json:"type"`
	Name               string                 `json:"name"`
	Version            string                 `json:"version,omitempty"`
	Purl               string                 `json:"purl"`
	Properties         []cyclonedxProperty    `json:"properties,omitempty"`
	ExternalReferences []cyclonedxExternalRef `json:"externalReferences,omitempty"`
}

type cyclonedxProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type cyclonedxExternalRef struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ToCycloneDX renders the BOM as CycloneDX 1.4 JSON.
func (b *BOM) ToCycloneDX() ([]byte, error) {
	doc := cyclonedxDoc{
		BOMFormat:   "CycloneDX",
		SpecVersion: "1.4",
		Version:     1,
		Metadata: cyclonedxMetadata{
			Tools: []cyclonedxTool{{Vendor: "containerbuildsystem", Name: ToolName, Version: b.ToolVersion}},
		},
	}
	for _, c := range b.sorted() {
		cc := cyclonedxComp{Type: string(c.Type), Name: c.Name, Version: c.Version, Purl: c.Purl}
		for _, p := range c.Properties {
			cc.Properties = append(cc.Properties, cyclonedxProperty{Name: p.Name, Value: p.Value})
		}
		for _, r := range c.ExternalRefs {
			cc.ExternalReferences = append(cc.ExternalReferences, cyclonedxExternalRef{Type: r.Type, URL: r.URL})
		}
		doc.Components = append(doc.Components, cc)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// spdxDoc is a minimal SPDX 2.3 JSON document.
type spdxDoc struct {
	SPDXVersion  string        `json:"spdxVersion"`
	DataLicense  string        `json:"dataLicense"`
	SPDXID       string        `json:"SPDXID"`
	Name         string        `json:"name"`
	CreationInfo spdxCreation  `json:"creationInfo"`
	Packages     []spdxPackage `json:"packages"`
}

type spdxCreation struct {
	Creators []string `json:"creators"`
}

type spdxPackage struct {
	SPDXID       string            `json:"SPDXID"`
	Name         string            `json:"name"`
	VersionInfo  string            `json:"versionInfo,omitempty"`
	ExternalRefs []spdxExternalRef `json:"externalRefs,omitempty"`
}

type spdxExternalRef struct {
	ReferenceCategory string `json:"referenceCategory"`
	ReferenceType     string `json:"referenceType"`
	ReferenceLocator  string `json:"referenceLocator"`
}

// ToSPDX renders the BOM as an SPDX 2.3 JSON document.
func (b *BOM) ToSPDX() ([]byte, error) {
	doc := spdxDoc{
		SPDXVersion:  "SPDX-2.3",
		DataLicense:  "CC0-1.0",
		SPDXID:       "SPDXRef-DOCUMENT",
		Name:         ToolName,
		CreationInfo: spdxCreation{Creators: []string{fmt.Sprintf("Tool: %s-%s", ToolName, b.ToolVersion)}},
	}
	for i, c := range b.sorted() {
		doc.Packages = append(doc.Packages, spdxPackage{
			SPDXID:      fmt.Sprintf("SPDXRef-Package-%d", i),
			Name:        c.Name,
			VersionInfo: c.Version,
			ExternalRefs: []spdxExternalRef{
				{ReferenceCategory: "PACKAGE-MANAGER", ReferenceType: "purl", ReferenceLocator: c.Purl},
			},
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}
