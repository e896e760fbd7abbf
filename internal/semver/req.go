// Package semver evaluates cargo-style version requirements against
// concrete crate versions. The grammar and matching rules mirror the
// registry's own resolver semantics: a bare requirement is a caret
// requirement, comma separates conjunctive comparators, partial
// versions and wildcards are allowed, and pre-release versions only
// match comparators that name a pre-release on the same release triple.
package semver

import (
	"fmt"
	"strconv"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Op is a comparator operator.
type Op int

const (
	opExact Op = iota // =, also produced by "1.2.*" wildcards
	opGreater
	opGreaterEq
	opLess
	opLessEq
	opTilde
	opCaret
	opWildcard
)

// comparator is one parsed requirement term such as ">=1.2" or "^0.3.1".
// minor and patch are nil when the term omitted them.
type comparator struct {
	op    Op
	major uint64
	minor *uint64
	patch *uint64
	pre   string

	hasMajor bool // false only for a bare "*"
}

// Req is a parsed version requirement: the conjunction of its
// comparators. Reqs are immutable once parsed.
type Req struct {
	raw   string
	comps []comparator
}

// Version is a parsed concrete version.
type Version = mm.Version

// ParseVersion parses a concrete version string such as "1.2.3-beta.1".
func ParseVersion(s string) (*Version, error) {
	v, err := mm.StrictNewVersion(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}

// ParseReq parses a cargo requirement string such as ">=1.0.0, <2.0.0".
func ParseReq(s string) (*Req, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("empty version requirement")
	}

	parts := strings.Split(raw, ",")
	comps := make([]comparator, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("invalid requirement %q: empty comparator", s)
		}
		c, err := parseComparator(part)
		if err != nil {
			return nil, fmt.Errorf("invalid requirement %q: %w", s, err)
		}
		comps = append(comps, c)
	}
	return &Req{raw: raw, comps: comps}, nil
}

func (r *Req) String() string { return r.raw }

// Matches reports whether the concrete version satisfies every
// comparator of the requirement, applying the pre-release exclusion
// rule.
func (r *Req) Matches(v *Version) bool {
	for _, c := range r.comps {
		if !c.matches(v) {
			return false
		}
	}
	if v.Prerelease() != "" && !r.preCompatible(v) {
		return false
	}
	return true
}

// MatchesAny reports whether at least one of the concrete versions
// satisfies the requirement.
func (r *Req) MatchesAny(versions []*Version) bool {
	for _, v := range versions {
		if r.Matches(v) {
			return true
		}
	}
	return false
}

// Matches is the convenience form used when both inputs are strings:
// it reports whether version satisfies the requirement range, or an
// error when either side fails to parse.
func Matches(version, requirement string) (bool, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return false, err
	}
	req, err := ParseReq(requirement)
	if err != nil {
		return false, err
	}
	return req.Matches(v), nil
}

// preCompatible implements the pre-release gate: a pre-release version
// may only match when some comparator pins the same release triple and
// itself carries a pre-release.
func (r *Req) preCompatible(v *Version) bool {
	for _, c := range r.comps {
		if c.minor != nil && c.patch != nil &&
			c.major == v.Major() && *c.minor == v.Minor() && *c.patch == v.Patch() &&
			c.pre != "" {
			return true
		}
	}
	return false
}

func parseComparator(s string) (comparator, error) {
	var c comparator
	switch {
	case strings.HasPrefix(s, ">="):
		c.op = opGreaterEq
		s = s[2:]
	case strings.HasPrefix(s, "<="):
		c.op = opLessEq
		s = s[2:]
	case strings.HasPrefix(s, ">"):
		c.op = opGreater
		s = s[1:]
	case strings.HasPrefix(s, "<"):
		c.op = opLess
		s = s[1:]
	case strings.HasPrefix(s, "="):
		c.op = opExact
		s = s[1:]
	case strings.HasPrefix(s, "~"):
		c.op = opTilde
		s = s[1:]
	case strings.HasPrefix(s, "^"):
		c.op = opCaret
		s = s[1:]
	default:
		// A bare version requirement is a caret requirement.
		c.op = opCaret
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return c, fmt.Errorf("missing version after operator")
	}

	if s == "*" {
		// "*" only stands alone; ">*" is malformed.
		if c.op != opCaret {
			return c, fmt.Errorf("wildcard cannot follow an operator")
		}
		c.op = opWildcard
		return c, nil
	}

	// Split off pre-release / build metadata before walking the dotted
	// numeric triple.
	core := s
	if i := strings.IndexByte(core, '+'); i >= 0 {
		core = core[:i]
	}
	if i := strings.IndexByte(core, '-'); i >= 0 {
		c.pre = core[i+1:]
		core = core[:i]
	}

	fields := strings.Split(core, ".")
	if len(fields) > 3 {
		return c, fmt.Errorf("too many version components in %q", s)
	}
	for i, f := range fields {
		if f == "*" || f == "x" || f == "X" {
			if c.pre != "" || i != len(fields)-1 {
				return c, fmt.Errorf("malformed wildcard in %q", s)
			}
			if c.op != opCaret && c.op != opExact {
				return c, fmt.Errorf("wildcard cannot follow an operator in %q", s)
			}
			if i == 0 {
				c.op = opWildcard
				return c, nil
			}
			// "1.*" or "1.2.*" behaves like the corresponding partial
			// exact requirement.
			c.op = opWildcard
			return c, nil
		}
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return c, fmt.Errorf("invalid version component %q", f)
		}
		switch i {
		case 0:
			c.major = n
			c.hasMajor = true
		case 1:
			v := n
			c.minor = &v
		case 2:
			v := n
			c.patch = &v
		}
	}
	if !c.hasMajor {
		return c, fmt.Errorf("missing major version in %q", s)
	}
	if c.pre != "" && c.patch == nil {
		return c, fmt.Errorf("pre-release requires a full version in %q", s)
	}
	return c, nil
}

// matches evaluates one comparator against a concrete version. The
// per-operator partial-version rules follow the registry's resolver.
func (c comparator) matches(v *Version) bool {
	switch c.op {
	case opExact:
		return c.matchesExact(v)
	case opGreater:
		return c.matchesGreater(v)
	case opGreaterEq:
		return c.matchesExact(v) || c.matchesGreater(v)
	case opLess:
		return c.matchesLess(v)
	case opLessEq:
		return c.matchesExact(v) || c.matchesLess(v)
	case opTilde:
		return c.matchesTilde(v)
	case opCaret:
		return c.matchesCaret(v)
	case opWildcard:
		if !c.hasMajor {
			return true
		}
		if v.Major() != c.major {
			return false
		}
		if c.minor != nil && v.Minor() != *c.minor {
			return false
		}
		return true
	}
	return false
}

func (c comparator) matchesExact(v *Version) bool {
	if v.Major() != c.major {
		return false
	}
	if c.minor != nil && v.Minor() != *c.minor {
		return false
	}
	if c.patch != nil && v.Patch() != *c.patch {
		return false
	}
	return v.Prerelease() == c.pre
}

func (c comparator) matchesGreater(v *Version) bool {
	if v.Major() != c.major {
		return v.Major() > c.major
	}
	if c.minor == nil {
		return false
	}
	if v.Minor() != *c.minor {
		return v.Minor() > *c.minor
	}
	if c.patch == nil {
		return false
	}
	if v.Patch() != *c.patch {
		return v.Patch() > *c.patch
	}
	return comparePrerelease(v.Prerelease(), c.pre) > 0
}

func (c comparator) matchesLess(v *Version) bool {
	if v.Major() != c.major {
		return v.Major() < c.major
	}
	if c.minor == nil {
		return false
	}
	if v.Minor() != *c.minor {
		return v.Minor() < *c.minor
	}
	if c.patch == nil {
		return false
	}
	if v.Patch() != *c.patch {
		return v.Patch() < *c.patch
	}
	return comparePrerelease(v.Prerelease(), c.pre) < 0
}

func (c comparator) matchesTilde(v *Version) bool {
	if v.Major() != c.major {
		return false
	}
	if c.minor != nil && v.Minor() != *c.minor {
		return false
	}
	if c.patch != nil {
		if v.Patch() != *c.patch {
			return v.Patch() > *c.patch
		}
		return comparePrerelease(v.Prerelease(), c.pre) >= 0
	}
	return true
}

func (c comparator) matchesCaret(v *Version) bool {
	if v.Major() != c.major {
		return false
	}
	if c.minor == nil {
		return true
	}
	minor := *c.minor
	if c.patch == nil {
		if c.major > 0 {
			return v.Minor() >= minor
		}
		return v.Minor() == minor
	}
	patch := *c.patch

	switch {
	case c.major > 0:
		if v.Minor() != minor {
			return v.Minor() > minor
		}
		if v.Patch() != patch {
			return v.Patch() > patch
		}
	case minor > 0:
		if v.Minor() != minor {
			return false
		}
		if v.Patch() != patch {
			return v.Patch() > patch
		}
	default:
		if v.Minor() != minor || v.Patch() != patch {
			return false
		}
	}
	return comparePrerelease(v.Prerelease(), c.pre) >= 0
}

// comparePrerelease orders two pre-release strings per semver: the empty
// string (a release) sorts above any pre-release; otherwise identifiers
// are compared dot by dot, numerics before alphanumerics.
func comparePrerelease(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		an, aNum := parseNumericIdent(as[i])
		bn, bNum := parseNumericIdent(bs[i])
		switch {
		case aNum && bNum:
			if an < bn {
				return -1
			}
			return 1
		case aNum:
			return -1
		case bNum:
			return 1
		default:
			if as[i] < bs[i] {
				return -1
			}
			return 1
		}
	}
	if len(as) < len(bs) {
		return -1
	}
	return 1
}

func parseNumericIdent(s string) (uint64, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}
