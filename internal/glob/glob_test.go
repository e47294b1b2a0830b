package glob_test

import (
	"testing"

	"github.com/HiImSmiley/socketleyd/internal/glob"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"web-*", "web-1", true},
		{"web-*", "api-1", false},
		{"web-?", "web-1", true},
		{"web-?", "web-12", false},
		{"*", "anything", true},
		{"*", "", true},
		{"exact", "exact", true},
		{"exact", "exacts", false},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
		{"??", "ab", true},
		{"??", "a", false},
	}

	for _, c := range cases {
		if got := glob.Match(c.pattern, c.name); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}

func TestHasMeta(t *testing.T) {
	if !glob.HasMeta("web-*") {
		t.Error("expected meta")
	}
	if glob.HasMeta("web-1") {
		t.Error("expected no meta")
	}
}
