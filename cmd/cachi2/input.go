// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// packageInput is the JSON shape of one entry in fetch-deps' positional
// argument: a bare "type"
// discriminator plus a flat bag of fields, most of which only matter for
// one or two Kinds. Unused fields are simply left at their zero value for
// Kinds that don't read them.
type packageInput struct {
	Type                   string   `json:"type"`
	Path                   string   `json:"path"`
	AllowBinary            bool     `json:"allow_binary"`
	RequirementsFiles      []string `json:"requirements_files"`
	RequirementsBuildFiles []string `json:"requirements_build_files"`
	Lockfile               string   `json:"lockfile"`
}

// parsePackagesJSON accepts a bare package-kind string (e.g. "gomod",
// meaning that kind rooted at "."), a single package object, an array of
// package objects, or {"packages": [...]}.
func parsePackagesJSON(data []byte) ([]packageInput, error) {
	var asKind string
	if err := json.Unmarshal(data, &asKind); err == nil {
		return []packageInput{{Type: asKind, Path: "."}}, nil
	}

	var asArray []packageInput
	if err := json.Unmarshal(data, &asArray); err == nil {
		return asArray, nil
	}

	var asObject struct {
		Packages []packageInput `json:"packages"`
	}
	if err := json.Unmarshal(data, &asObject); err == nil && asObject.Packages != nil {
		return asObject.Packages, nil
	}

	var single packageInput
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, errors.Wrap(err, "package input is neither a package object, a package array, nor {\"packages\": [...]}")
	}
	return []packageInput{single}, nil
}

// validKinds lists every Kind string a packageInput.Type may name.
var validKinds = map[string]bool{
	"gomod": true, "pip": true, "npm": true, "yarn": true,
	"cargo": true, "bundler": true, "generic": true,
}

func validatePackageKind(t string) error {
	if !validKinds[t] {
		return errors.Errorf("unsupported package type %q", t)
	}
	return nil
}
