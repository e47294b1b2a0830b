package httpmode_test

import "testing"
import "github.com/HiImSmiley/socketleyd/internal/proto/httpmode"

func TestSniff(t *testing.T) {
	if !httpmode.Sniff([]byte("GET / HTTP/1.1\r\n")) {
		t.Error("expected HTTP GET to sniff true")
	}
	if httpmode.Sniff([]byte("set k v\n")) {
		t.Error("expected raw-text line to sniff false")
	}
}

func TestStripLeadingSegment(t *testing.T) {
	cases := []struct{ path, name, want string }{
		{"/edge/api/users", "edge", "/api/users"},
		{"/edge", "edge", "/"},
		{"/other/x", "edge", "/other/x"},
	}
	for _, c := range cases {
		if got := httpmode.StripLeadingSegment(c.path, c.name); got != c.want {
			t.Errorf("StripLeadingSegment(%q, %q) = %q, want %q", c.path, c.name, got, c.want)
		}
	}
}
