// Package httpmode implements the HTTP/1.x request-line and header
// handling the server (static-file GET, WebSocket sniff) and proxy
// (path-segment stripping) runtimes share (spec §4.4, §4.6).
package httpmode

import (
	"bufio"
	"net/http"
	"strings"
)

// Sniff peeks buf (already read from the connection) and reports
// whether it looks like the start of an HTTP request line, for the
// server runtime's per-connection protocol auto-detection (spec §4.4:
// "if the first complete line is an HTTP request line").
func Sniff(buf []byte) bool {
	line := string(buf)
	if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return false
	}
	switch parts[0] {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodDelete, http.MethodOptions, http.MethodPatch:
	default:
		return false
	}
	return strings.HasPrefix(parts[2], "HTTP/")
}

// ParseRequest reads one HTTP/1.x request off r.
func ParseRequest(r *bufio.Reader) (*http.Request, error) {
	req, err := http.ReadRequest(r)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// StripLeadingSegment removes one leading path segment equal to name
// from path, for proxy forwarding (spec §4.6: "strips one leading path
// segment equal to the proxy's own name (/proxyname/rest -> /rest)").
// If the path does not start with /name, it is returned unchanged.
func StripLeadingSegment(path, name string) string {
	prefix := "/" + name
	if path == prefix {
		return "/"
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):]
	}
	return path
}

// RewriteRequestLine renders a request line + Host header for the
// rewritten path against a new target, for forwarding upstream.
func RewriteRequestLine(method, newPath, proto, host string) string {
	return method + " " + newPath + " " + proto + "\r\nHost: " + host + "\r\n"
}

// KeepAlive reports whether the connection should be kept open for
// pipelined reuse, per spec §4.6 ("multiplexes ... when Connection:
// close or HTTP/1.0 is used, else tries pipelined reuse").
func KeepAlive(req *http.Request) bool {
	if req.Close {
		return false
	}
	if req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		return strings.EqualFold(req.Header.Get("Connection"), "keep-alive")
	}
	return !strings.EqualFold(req.Header.Get("Connection"), "close")
}
