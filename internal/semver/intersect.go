package semver

import (
	"fmt"

	mm "github.com/Masterminds/semver/v3"
)

// bound is one end of an interval. A nil version means unbounded.
type bound struct {
	v         *mm.Version
	inclusive bool
}

// interval is the half-open (or closed) version range a requirement
// denotes once its comparators are desugared. Cargo requirements are
// pure conjunctions, so every requirement reduces to a single interval.
type interval struct {
	lo, hi bound
	empty  bool
}

// Intersects reports whether two requirement ranges can both be
// satisfied by some version, by intersecting their desugared intervals.
// Pre-release gates are not modelled here; the propagation engine always
// re-checks concrete versions with Matches before emitting a subject.
func Intersects(reqA, reqB string) (bool, error) {
	a, err := ParseReq(reqA)
	if err != nil {
		return false, err
	}
	b, err := ParseReq(reqB)
	if err != nil {
		return false, err
	}
	ia, err := a.interval()
	if err != nil {
		return false, err
	}
	ib, err := b.interval()
	if err != nil {
		return false, err
	}
	return intersect(ia, ib), nil
}

// interval folds all comparators of the requirement into one interval.
func (r *Req) interval() (interval, error) {
	acc := interval{} // unbounded both ways
	for _, c := range r.comps {
		ci, err := c.interval()
		if err != nil {
			return acc, err
		}
		acc = clamp(acc, ci)
		if acc.empty {
			return acc, nil
		}
	}
	return acc, nil
}

// interval desugars one comparator to its version interval.
func (c comparator) interval() (interval, error) {
	if c.op == opWildcard && !c.hasMajor {
		return interval{}, nil
	}

	lo := c.lowVersion()
	switch c.op {
	case opExact, opWildcard:
		if c.minor != nil && c.patch != nil {
			return interval{lo: bound{lo, true}, hi: bound{lo, true}}, nil
		}
		return interval{lo: bound{lo, true}, hi: bound{c.partialUpper(), false}}, nil
	case opGreater:
		if c.minor == nil || c.patch == nil {
			// ">1.2" admits nothing in 1.2.x, so it means ">=1.3.0".
			return interval{lo: bound{c.partialUpper(), true}}, nil
		}
		return interval{lo: bound{lo, false}}, nil
	case opGreaterEq:
		return interval{lo: bound{lo, true}}, nil
	case opLess:
		return interval{hi: bound{lo, false}}, nil
	case opLessEq:
		if c.minor == nil || c.patch == nil {
			// "<=1.2" admits every 1.2.x, so it means "<1.3.0".
			return interval{hi: bound{c.partialUpper(), false}}, nil
		}
		return interval{hi: bound{lo, true}}, nil
	case opTilde:
		return interval{lo: bound{lo, true}, hi: bound{c.tildeUpper(), false}}, nil
	case opCaret:
		return interval{lo: bound{lo, true}, hi: bound{c.caretUpper(), false}}, nil
	}
	return interval{}, fmt.Errorf("unknown operator in %v", c)
}

// lowVersion is the comparator's partial version with omitted fields
// zero-filled.
func (c comparator) lowVersion() *mm.Version {
	var minor, patch uint64
	if c.minor != nil {
		minor = *c.minor
	}
	if c.patch != nil {
		patch = *c.patch
	}
	return newVersion(c.major, minor, patch, c.pre)
}

// partialUpper is the first version above everything a partial term
// covers: 1.2 -> 1.3.0, 1 -> 2.0.0.
func (c comparator) partialUpper() *mm.Version {
	if c.minor != nil {
		return newVersion(c.major, *c.minor+1, 0, "")
	}
	return newVersion(c.major+1, 0, 0, "")
}

func (c comparator) tildeUpper() *mm.Version {
	if c.minor != nil {
		return newVersion(c.major, *c.minor+1, 0, "")
	}
	return newVersion(c.major+1, 0, 0, "")
}

func (c comparator) caretUpper() *mm.Version {
	switch {
	case c.major > 0 || c.minor == nil:
		return newVersion(c.major+1, 0, 0, "")
	case *c.minor > 0 || c.patch == nil:
		return newVersion(0, *c.minor+1, 0, "")
	default:
		return newVersion(0, 0, *c.patch+1, "")
	}
}

func newVersion(major, minor, patch uint64, pre string) *mm.Version {
	v := mm.New(major, minor, patch, pre, "")
	return v
}

// clamp narrows acc by other and returns the result.
func clamp(acc, other interval) interval {
	out := acc
	if tighterLow(other.lo, out.lo) {
		out.lo = other.lo
	}
	if tighterHigh(other.hi, out.hi) {
		out.hi = other.hi
	}
	out.empty = emptyInterval(out)
	return out
}

func tighterLow(a, b bound) bool {
	if a.v == nil {
		return false
	}
	if b.v == nil {
		return true
	}
	cmp := a.v.Compare(b.v)
	if cmp != 0 {
		return cmp > 0
	}
	return !a.inclusive && b.inclusive
}

func tighterHigh(a, b bound) bool {
	if a.v == nil {
		return false
	}
	if b.v == nil {
		return true
	}
	cmp := a.v.Compare(b.v)
	if cmp != 0 {
		return cmp < 0
	}
	return !a.inclusive && b.inclusive
}

func emptyInterval(i interval) bool {
	if i.lo.v == nil || i.hi.v == nil {
		return false
	}
	cmp := i.lo.v.Compare(i.hi.v)
	if cmp > 0 {
		return true
	}
	if cmp == 0 {
		return !(i.lo.inclusive && i.hi.inclusive)
	}
	return false
}

func intersect(a, b interval) bool {
	if a.empty || b.empty {
		return false
	}
	return !emptyInterval(clamp(a, b))
}
