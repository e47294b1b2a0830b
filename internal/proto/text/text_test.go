package text_test

import (
	"reflect"
	"testing"

	"github.com/HiImSmiley/socketleyd/internal/proto/text"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		in       string
		wantLine string
		wantN    int
		wantOK   bool
	}{
		{"set k v\n", "set k v", 8, true},
		{"set k v\r\n", "set k v", 9, true},
		{"no newline yet", "", 0, false},
		{"\n", "", 1, true},
	}

	for _, c := range cases {
		line, n, ok := text.Split([]byte(c.in))
		if ok != c.wantOK || n != c.wantN || string(line) != c.wantLine {
			t.Errorf("Split(%q) = (%q, %d, %v), want (%q, %d, %v)", c.in, line, n, ok, c.wantLine, c.wantN, c.wantOK)
		}
	}
}

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"set k v", []string{"set", "k", "v"}},
		{`create server web1 port 8080`, []string{"create", "server", "web1", "port", "8080"}},
		{`set k "hello world"`, []string{"set", "k", "hello world"}},
		{"  ", nil},
	}

	for _, c := range cases {
		got := text.Tokenize(c.in)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("Tokenize(%q) = %#v, want %#v", c.in, got, c.want)
		}
	}
}
