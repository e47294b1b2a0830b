// Command socketleyctl is the thin control-plane client of spec §6: it
// joins its arguments into one line, sends it to the daemon's control
// socket, prints the response body, and exits with the response's own
// status byte.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/HiImSmiley/socketleyd/internal/control"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: socketleyctl <verb> [args...]")
		return 1
	}

	conn, err := net.Dial("unix", control.SocketPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "socketleyctl: %v\n", err)
		return 2
	}
	defer conn.Close()

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteArg(a)
	}
	line := strings.Join(quoted, " ") + "\n"
	if _, err := conn.Write([]byte(line)); err != nil {
		fmt.Fprintf(os.Stderr, "socketleyctl: %v\n", err)
		return 2
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "socketleyctl: %v\n", err)
		return 2
	}
	if len(resp) == 0 {
		fmt.Fprintln(os.Stderr, "socketleyctl: empty response")
		return 2
	}

	status := resp[0]
	body := resp[1:]
	if n := len(body); n > 0 && body[n-1] == 0 {
		body = body[:n-1]
	}
	if len(body) > 0 {
		os.Stdout.Write(body)
		os.Stdout.Write([]byte("\n"))
	}
	return int(status)
}

// quoteArg renders one argv element the way the daemon's own
// internal/control.Tokenize expects to receive it back: bare if it has
// no whitespace or quote characters, "..."-wrapped with embedded quotes
// escaped as \" otherwise (spec §4.9's "quoted substrings group
// arguments containing whitespace"). Without this, any arg containing a
// space — a script body passed to `send`, a path with a space — gets
// silently re-split into extra tokens by the daemon's tokenizer.
func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
