// Dunebugger Remote
// Copyright (C) 2025 Dunebugger
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package versioncontrol implements the version ordering used by the update
// orchestrator.
//
// A version splits at the first '-' into a base and an optional prerelease.
// Local build markers (".dev<N>", ".dirty<N>") are stripped before parsing,
// so "1.0.0-beta.3.dev2" orders the same as "1.0.0-beta.3". A release
// always orders above any prerelease of the same base, and prereleases of
// the same base order by (name, number).
package versioncontrol

import (
	"strconv"
	"strings"
)

// Prerelease is the parsed prerelease part of a version, e.g. "beta.3"
// parses into {Name: "beta", Num: 3}.
type Prerelease struct {
	Name string
	Num  int
}

// Version is a parsed version. The zero value orders below every well
// formed release.
type Version struct {
	// Base is the dotted numeric base tuple, e.g. [1 0 0].
	Base []int
	// Release is true when the version carries no prerelease part.
	Release bool
	// Pre is the prerelease part; only meaningful when Release is false.
	Pre Prerelease

	wellFormed bool
}

// Ok reports whether the base tuple parsed as numbers. Versions that did
// not parse ("unknown", "latest") order as base (0,0,0) releases.
func (v Version) Ok() bool { return v.wellFormed }

// Parse parses a version string. Parse is total: malformed input yields the
// (0,0,0) release with Ok() == false.
func Parse(s string) Version {
	s = stripLocalMarkers(strings.TrimSpace(strings.TrimPrefix(s, "v")))

	base := s
	pre := ""
	hasPre := false
	if i := strings.Index(s, "-"); i >= 0 {
		base, pre = s[:i], s[i+1:]
		hasPre = true
	}

	v := Version{Release: !hasPre, wellFormed: true}
	for _, part := range strings.Split(base, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			v.Base = []int{0, 0, 0}
			v.wellFormed = false
			break
		}
		v.Base = append(v.Base, n)
	}
	if len(v.Base) == 0 {
		v.Base = []int{0, 0, 0}
		v.wellFormed = false
	}

	if hasPre {
		if i := strings.LastIndex(pre, "."); i >= 0 {
			if n, err := strconv.Atoi(pre[i+1:]); err == nil {
				v.Pre = Prerelease{Name: pre[:i], Num: n}
				return v
			}
		}
		v.Pre = Prerelease{Name: pre}
	}
	return v
}

// stripLocalMarkers drops ".dev*" and ".dirty*" suffixes anywhere in the
// version string so that local builds compare equal to the version they
// were built from.
func stripLocalMarkers(s string) string {
	for _, marker := range []string{".dev", ".dirty"} {
		if i := strings.Index(s, marker); i >= 0 {
			s = s[:i]
		}
	}
	return s
}

// Compare returns -1, 0 or 1 ordering a against b: base tuples compare
// lexicographically, then releases order above prereleases, then
// prereleases compare by (name, number).
func Compare(a, b Version) int {
	if c := compareBase(a.Base, b.Base); c != 0 {
		return c
	}
	if a.Release != b.Release {
		if a.Release {
			return 1
		}
		return -1
	}
	if a.Release {
		return 0
	}
	if c := strings.Compare(a.Pre.Name, b.Pre.Name); c != 0 {
		return c
	}
	return compareInt(a.Pre.Num, b.Pre.Num)
}

// CompareStrings parses both arguments and compares them.
func CompareStrings(a, b string) int {
	return Compare(Parse(a), Parse(b))
}

// IsCompatible reports whether current satisfies the minimum version. When
// either side fails to parse the check is permissive and returns true.
func IsCompatible(current, minimum string) bool {
	cv, mv := Parse(current), Parse(minimum)
	if !cv.Ok() || !mv.Ok() {
		return true
	}
	return Compare(cv, mv) >= 0
}

func compareBase(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareInt(a[i], b[i]); c != 0 {
			return c
		}
	}
	return compareInt(len(a), len(b))
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
