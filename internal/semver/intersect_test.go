package semver

import "testing"

func TestIntersects(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"<2.0.0", "^1", true},
		{"<2.0.0", "^2", false},
		{">=1.0.0, <2.0.0", "1.5.0", true},
		{">=1.0.0, <2.0.0", "^2", false},
		{"~1.2", "1.2.7", true},
		{"~1.2", "^1.3", false},
		{"*", "=0.0.1", true},
		{"<0.41.0", "^0.40", true},
		{"<0.41.0", "^0.41", false},
		// Touching endpoints: half-open upper against inclusive lower.
		{"<2.0.0", ">=2.0.0", false},
		{"<=2.0.0", ">=2.0.0", true},
		// A self-contradictory range intersects nothing.
		{">=3.0.0, <2.0.0", "*", false},
	}
	for _, tc := range cases {
		got, err := Intersects(tc.a, tc.b)
		if err != nil {
			t.Fatalf("Intersects(%q, %q): %v", tc.a, tc.b, err)
		}
		if got != tc.want {
			t.Errorf("Intersects(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestIntersectsParseError(t *testing.T) {
	if _, err := Intersects("nonsense", "^1"); err == nil {
		t.Fatal("expected parse error")
	}
}
