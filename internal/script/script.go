// Package script is the core's one seam onto a runtime's script_path
// external collaborator. spec.md places the scripting interpreter
// itself out of scope ("the embedded scripting interpreter that exposes
// runtime operations to user scripts ... where the core interacts with
// them, §6 names only the interface"): the core never parses or
// executes script source. Instead a hook call execs script_path as a
// subprocess, passing the hook name as argv[1] and its arguments as one
// JSON line on stdin, and reading one JSON line of reply from stdout.
// Any executable can implement the contract — a shell script, a
// compiled binary, a language interpreter invoked via shebang — which
// is exactly the "external collaborator" boundary the spec describes.
package script

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

// Engine is the handle on one runtime's script_path.
type Engine struct {
	mu    sync.Mutex
	path  string
	hooks map[string]bool
}

// Load verifies path is present and executable, and probes which hooks
// it implements. A probe failure is reported as a CodeFatal xerr so
// `start` on a runtime with a broken script in strict mode maps to
// running->failed (spec §4.2 "script load failure in strict mode").
func Load(path string) (*Engine, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, xerr.Wrap(xerr.CodeFatal, "script: stat", err)
	}
	if info.Mode()&0o111 == 0 {
		return nil, xerr.New(xerr.CodeFatal, "script: "+path+" is not executable")
	}

	e := &Engine{path: path}
	hooks, err := e.listHooks()
	if err != nil {
		return nil, err
	}
	e.hooks = hooks
	return e, nil
}

// listHooks asks the script which hooks it implements via a reserved
// "__hooks__" invocation, one hook name per line on stdout.
func (e *Engine) listHooks() (map[string]bool, error) {
	out, err := exec.Command(e.path, "__hooks__").Output()
	if err != nil {
		return nil, xerr.Wrap(xerr.CodeFatal, "script: probe hooks", err)
	}

	hooks := make(map[string]bool)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			hooks[line] = true
		}
	}
	return hooks, nil
}

// HasFunc reports whether the script declared name in its __hooks__
// probe response.
func (e *Engine) HasFunc(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hooks[name]
}

// call execs the script for one hook invocation, serializing args to a
// JSON array on stdin and decoding a JSON reply from stdout into out.
// The mutex serializes subprocess invocations the same way goja's own
// single-threaded runtime would have, matching the reactor's
// single-dispatch-goroutine calling convention.
func (e *Engine) call(name string, args []interface{}, out interface{}) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return xerr.Wrap(xerr.CodeBadInput, "script: encode args", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cmd := exec.Command(e.path, name)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return xerr.Wrap(xerr.CodeBadInput, "script: "+name, err)
	}

	trimmed := bytes.TrimSpace(stdout.Bytes())
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return xerr.Wrap(xerr.CodeBadInput, "script: decode "+name+" reply", err)
	}
	return nil
}

// OnMessage calls the script's on_message hook for the server/client
// runtimes' per-message handler (spec §4.4). A nil reply means "no
// reply"; a hook error is returned to the caller rather than silently
// swallowed (the server and client runtimes log it and drop that
// message; the connection stays open).
func (e *Engine) OnMessage(peer string, payload []byte) ([]byte, error) {
	if !e.HasFunc("on_message") {
		return nil, xerr.New(xerr.CodeBadInput, "script: on_message not defined")
	}
	var reply *string
	if err := e.call("on_message", []interface{}{peer, string(payload)}, &reply); err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	return []byte(*reply), nil
}

// OnRoute calls the script's on_route hook for the proxy's "scripted"
// backend-selection strategy (spec §4.6: "nil falls back to
// round-robin").
func (e *Engine) OnRoute(method, path string) (int, bool, error) {
	if !e.HasFunc("on_route") {
		return 0, false, xerr.New(xerr.CodeBadInput, "script: on_route not defined")
	}
	var idx *int
	if err := e.call("on_route", []interface{}{method, path}, &idx); err != nil {
		return 0, false, err
	}
	if idx == nil {
		return 0, false, nil
	}
	return *idx, true, nil
}

// OnTick calls the script's on_tick hook, if declared, once per runtime
// tick (spec §4.5 "runtime tick fires on_tick hooks"). Callers should
// check HasFunc("on_tick") first; calling it when undeclared is itself
// an error.
func (e *Engine) OnTick() error {
	if !e.HasFunc("on_tick") {
		return xerr.New(xerr.CodeBadInput, "script: on_tick not defined")
	}
	return e.call("on_tick", []interface{}{}, new(interface{}))
}

func (e *Engine) String() string {
	return "script(" + e.path + ")"
}
