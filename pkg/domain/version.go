package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// LatestVersion is the alias resolving to the highest provisioned version.
const LatestVersion = "latest"

// Version is a dotted numeric version identifier such as 1.0.3.
type Version struct {
	parts []int
	raw   string
}

// ParseVersion parses a dotted numeric version of any length. A single
// leading "v" is accepted and dropped. Every component must be a
// non-negative integer, so prerelease and build suffixes are rejected.
func ParseVersion(s string) (Version, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(s), "v")
	if clean == "" {
		return Version{}, fmt.Errorf("empty version %q", s)
	}

	fields := strings.Split(clean, ".")
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		if f == "" || strings.TrimLeft(f, "0123456789") != "" {
			return Version{}, fmt.Errorf("invalid version component %q in %q", f, s)
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version component %q in %q: %w", f, s, err)
		}
		parts = append(parts, n)
	}

	return Version{parts: parts, raw: clean}, nil
}

// MustParseVersion is ParseVersion for constants in tests and tables.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version without any "v" prefix, as it was provisioned.
func (v Version) String() string {
	return v.raw
}

// Parts returns a copy of the numeric components.
func (v Version) Parts() []int {
	out := make([]int, len(v.parts))
	copy(out, v.parts)
	return out
}

// Compare orders versions by numeric tuple. Missing trailing components
// count as zero, so 1.2 and 1.2.0 compare equal.
func (v Version) Compare(other Version) int {
	n := len(v.parts)
	if len(other.parts) > n {
		n = len(other.parts)
	}
	for i := 0; i < n; i++ {
		a, b := 0, 0
		if i < len(v.parts) {
			a = v.parts[i]
		}
		if i < len(other.parts) {
			b = other.parts[i]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

// SortVersionsDesc parses raw identifiers, silently drops the ones that are
// not dotted numeric, removes duplicates and returns the rest newest first.
func SortVersionsDesc(raw []string) []Version {
	seen := make(map[string]struct{}, len(raw))
	out := make([]Version, 0, len(raw))
	for _, r := range raw {
		v, err := ParseVersion(r)
		if err != nil {
			continue
		}
		if _, dup := seen[v.String()]; dup {
			continue
		}
		seen[v.String()] = struct{}{}
		out = append(out, v)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Compare(out[j]); c != 0 {
			return c > 0
		}
		return out[i].String() < out[j].String()
	})
	return out
}
