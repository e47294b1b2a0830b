package script

import (
	"os"
	"path/filepath"
	"testing"
)

// writeScript writes an executable shell script implementing the
// __hooks__/on_message/on_route contract used by the tests below.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

const echoScript = `#!/bin/sh
case "$1" in
  __hooks__) echo "on_message"; echo "on_route" ;;
  on_message) read -r _; echo '"echoed"' ;;
  on_route) read -r _; echo '0' ;;
esac
`

func TestLoadProbesHooks(t *testing.T) {
	path := writeScript(t, echoScript)
	e, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !e.HasFunc("on_message") || !e.HasFunc("on_route") {
		t.Fatalf("HasFunc() missing declared hooks: %+v", e.hooks)
	}
	if e.HasFunc("on_tick") {
		t.Fatal("HasFunc(on_tick) = true, want false (not declared by script)")
	}
}

func TestOnMessageRoundTrip(t *testing.T) {
	path := writeScript(t, echoScript)
	e, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	reply, err := e.OnMessage("peer-1", []byte("hi"))
	if err != nil {
		t.Fatalf("OnMessage() error: %v", err)
	}
	if string(reply) != "echoed" {
		t.Fatalf("OnMessage() = %q, want %q", reply, "echoed")
	}
}

func TestOnRouteRoundTrip(t *testing.T) {
	path := writeScript(t, echoScript)
	e, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	idx, ok, err := e.OnRoute("GET", "/web-1/")
	if err != nil {
		t.Fatalf("OnRoute() error: %v", err)
	}
	if !ok || idx != 0 {
		t.Fatalf("OnRoute() = (%d, %v), want (0, true)", idx, ok)
	}
}

func TestOnTickNotDeclaredIsError(t *testing.T) {
	path := writeScript(t, echoScript)
	e, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := e.OnTick(); err == nil {
		t.Fatal("OnTick() = nil, want error (on_tick not declared)")
	}
}

func TestLoadRejectsNonExecutableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hook.sh")
	if err := os.WriteFile(path, []byte(echoScript), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load(non-executable) = nil, want error")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nonexistent.sh")); err == nil {
		t.Fatal("Load(missing file) = nil, want error")
	}
}
