package semver

import "testing"

func TestMatchesCaretDefaults(t *testing.T) {
	cases := []struct {
		req     string
		version string
		want    bool
	}{
		// A bare requirement is a caret requirement.
		{"1.2.3", "1.2.3", true},
		{"1.2.3", "1.9.0", true},
		{"1.2.3", "2.0.0", false},
		{"1.2.3", "1.2.2", false},
		{"1", "1.0.0", true},
		{"1", "1.9.9", true},
		{"1", "2.0.0", false},
		// Caret on 0.x pins the minor.
		{"^0.2.3", "0.2.9", true},
		{"^0.2.3", "0.3.0", false},
		{"^0.0.3", "0.0.3", true},
		{"^0.0.3", "0.0.4", false},
		{"^0.0", "0.0.9", true},
		{"^0.0", "0.1.0", false},
		{"^0", "0.9.9", true},
		{"^0", "1.0.0", false},
	}
	for _, tc := range cases {
		got, err := Matches(tc.version, tc.req)
		if err != nil {
			t.Fatalf("Matches(%q, %q): %v", tc.version, tc.req, err)
		}
		if got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.version, tc.req, got, tc.want)
		}
	}
}

func TestMatchesComparisonOperators(t *testing.T) {
	cases := []struct {
		req     string
		version string
		want    bool
	}{
		{">=1.0.0, <2.0.0", "1.5.0", true},
		{">=1.0.0, <2.0.0", "2.0.0", false},
		{">=1.0.0, <2.0.0", "0.9.0", false},
		{"<0.41.0", "0.40.1", true},
		{"<0.41.0", "0.41.0", false},
		{"=1.2.3", "1.2.3", true},
		{"=1.2.3", "1.2.4", false},
		// Partial comparisons follow resolver rules: >1.2 means >=1.3.0.
		{">1.2", "1.2.9", false},
		{">1.2", "1.3.0", true},
		{">1", "1.9.9", false},
		{">1", "2.0.0", true},
		{"<=1.2", "1.2.9", true},
		{"<=1.2", "1.3.0", false},
		// Exact partials cover the whole omitted tail.
		{"=1.2", "1.2.7", true},
		{"=1.2", "1.3.0", false},
	}
	for _, tc := range cases {
		got, err := Matches(tc.version, tc.req)
		if err != nil {
			t.Fatalf("Matches(%q, %q): %v", tc.version, tc.req, err)
		}
		if got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.version, tc.req, got, tc.want)
		}
	}
}

func TestMatchesTildeAndWildcard(t *testing.T) {
	cases := []struct {
		req     string
		version string
		want    bool
	}{
		{"~1.2.3", "1.2.3", true},
		{"~1.2.3", "1.2.9", true},
		{"~1.2.3", "1.3.0", false},
		{"~1.2", "1.2.0", true},
		{"~1.2", "1.3.0", false},
		{"~1", "1.9.0", true},
		{"~1", "2.0.0", false},
		{"*", "0.0.1", true},
		{"*", "99.0.0", true},
		{"1.*", "1.4.7", true},
		{"1.*", "2.0.0", false},
		{"1.2.*", "1.2.9", true},
		{"1.2.*", "1.3.0", false},
	}
	for _, tc := range cases {
		got, err := Matches(tc.version, tc.req)
		if err != nil {
			t.Fatalf("Matches(%q, %q): %v", tc.version, tc.req, err)
		}
		if got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.version, tc.req, got, tc.want)
		}
	}
}

func TestMatchesPrereleaseExclusion(t *testing.T) {
	cases := []struct {
		req     string
		version string
		want    bool
	}{
		// Pre-release versions never match plain requirements.
		{">=1.0.0", "2.0.0-alpha", false},
		{"^1.0", "1.5.0-rc.1", false},
		{"*", "1.0.0-beta", false},
		// They match when the requirement names a pre-release on the
		// same triple.
		{">=1.0.0-alpha", "1.0.0-beta", true},
		{">=1.0.0-alpha", "1.0.0-alpha", true},
		{"^1.2.3-rc.1", "1.2.3-rc.2", true},
		{"^1.2.3-rc.2", "1.2.3-rc.1", false},
		// A different triple does not lift the gate.
		{">=1.0.0-alpha", "1.1.0-beta", false},
		// Numeric identifiers order numerically.
		{">=1.0.0-rc.2", "1.0.0-rc.10", true},
	}
	for _, tc := range cases {
		got, err := Matches(tc.version, tc.req)
		if err != nil {
			t.Fatalf("Matches(%q, %q): %v", tc.version, tc.req, err)
		}
		if got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.version, tc.req, got, tc.want)
		}
	}
}

func TestParseReqRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"foo",
		">=",
		"1.2.3.4",
		">=1.0.0, ",
		">*",
		">=1.*",
	} {
		if _, err := ParseReq(raw); err == nil {
			t.Errorf("ParseReq(%q): expected error", raw)
		}
	}
}

func TestMatchesAny(t *testing.T) {
	req, err := ParseReq("^1")
	if err != nil {
		t.Fatal(err)
	}
	mk := func(s string) *Version {
		v, err := ParseVersion(s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		return v
	}
	if !req.MatchesAny([]*Version{mk("0.9.0"), mk("1.5.0")}) {
		t.Error("expected ^1 to match set containing 1.5.0")
	}
	if req.MatchesAny([]*Version{mk("2.0.0"), mk("0.1.0")}) {
		t.Error("expected ^1 not to match set {2.0.0, 0.1.0}")
	}
}
