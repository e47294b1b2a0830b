package main

import (
	"strings"
	"testing"

	"github.com/HiImSmiley/socketleyd/internal/control"
)

func TestQuoteArgRoundTripsThroughTokenize(t *testing.T) {
	cases := [][]string{
		{"create", "proxy", "p1"},
		{"send", "echo 1", "web-1"},
		{"create", "proxy", "p1", `handler=echo "hi"`},
		{"set", "key", ""},
		{"set", "key", "tab\ttab"},
	}

	for _, args := range cases {
		quoted := make([]string, len(args))
		for i, a := range args {
			quoted[i] = quoteArg(a)
		}
		line := strings.Join(quoted, " ")

		got := control.Tokenize(line)
		if len(got) != len(args) {
			t.Fatalf("Tokenize(%q) = %v, want %d tokens matching %v", line, got, len(args), args)
		}
		for i := range args {
			if got[i] != args[i] {
				t.Fatalf("Tokenize(%q)[%d] = %q, want %q", line, i, got[i], args[i])
			}
		}
	}
}

func TestQuoteArgLeavesPlainArgsBare(t *testing.T) {
	if q := quoteArg("plain"); q != "plain" {
		t.Fatalf("quoteArg(plain) = %q, want unquoted", q)
	}
}
