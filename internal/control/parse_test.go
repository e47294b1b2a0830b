package control_test

import (
	"testing"

	"github.com/HiImSmiley/socketleyd/internal/control"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		name string
		line string
		want []string
	}{
		{"empty", "", nil},
		{"simple", "start web-1", []string{"start", "web-1"}},
		{"extra space", "start   web-1  ", []string{"start", "web-1"}},
		{"quoted arg", `send web-1 "hello world"`, []string{"send", "web-1", "hello world"}},
		{"escaped quote", `create proxy p1 handler="echo \"hi\""`, []string{"create", "proxy", "p1", `handler=echo "hi"`}},
		{"tab separated", "ls\tweb-*", []string{"ls", "web-*"}},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got := control.Tokenize(c.line)
			if len(got) != len(c.want) {
				t.Fatalf("Tokenize(%q) = %#v, want %#v", c.line, got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("Tokenize(%q)[%d] = %q, want %q", c.line, i, got[i], c.want[i])
				}
			}
		})
	}
}
