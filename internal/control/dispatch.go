package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/HiImSmiley/socketleyd/internal/glob"
	"github.com/HiImSmiley/socketleyd/internal/manager"
	"github.com/HiImSmiley/socketleyd/internal/persist"
	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/rtcache"
	"github.com/HiImSmiley/socketleyd/internal/rtclient"
	"github.com/HiImSmiley/socketleyd/internal/rtproxy"
	"github.com/HiImSmiley/socketleyd/internal/rtserver"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

// Dispatcher is the control plane's command-name-to-handler table (spec
// §4.9/§6): it owns no I/O itself (see Server in listener.go for that)
// and is pure given its wired collaborators.
type Dispatcher struct {
	Manager *manager.Manager
	Reactor *reactor.Reactor
	Store   *persist.Store
	Peers   *persist.PeerWatcher // optional, nil if no --peer-dir configured
}

// Handle parses and runs one control-plane line, returning the exit
// status byte and response body of spec §4.9 ("one byte exit status {0
// success, 1 bad input, 2 fatal}, then the response bytes").
func (d *Dispatcher) Handle(line string) (byte, []byte) {
	toks := Tokenize(line)
	if len(toks) == 0 {
		return 1, []byte("error: empty command")
	}

	verb := strings.ToLower(toks[0])
	canon, known := verbHashTable[verbHash(verb)]
	if !known || canon != verb {
		return 1, []byte("error: unknown command")
	}

	args := toks[1:]
	body, err := d.run(canon, args)
	if err != nil && len(body) == 0 {
		msg := err.Error()
		if !strings.HasPrefix(msg, "error:") && !strings.HasPrefix(msg, "denied:") && !strings.HasPrefix(msg, "usage:") {
			msg = "error: " + msg
		}
		body = []byte(msg)
	}
	return xerr.ExitStatus(err), body
}

func (d *Dispatcher) run(verb string, args []string) ([]byte, error) {
	ctx := context.Background()

	switch verb {
	case "create":
		return d.create(args)
	case "start":
		return d.forEachMatch(ctx, args, d.startOne)
	case "stop":
		return d.forEachMatch(ctx, args, d.stopOne)
	case "remove":
		return d.forEachMatch(ctx, args, d.removeOne)
	case "reload":
		return d.forEachMatch(ctx, args, d.reloadOne)
	case "reload-script":
		return d.forEachMatch(ctx, args, d.reloadScriptOne)
	case "edit":
		return d.edit(args)
	case "show":
		return d.show(args)
	case "ls":
		return d.ls()
	case "ps":
		return d.ps()
	case "stats":
		return d.stats(args)
	case "send":
		return d.send(args)
	case "action":
		return d.action(args)
	case "attach":
		return d.attach(args)
	case "add":
		return d.add(args)
	case "daemon":
		return nil, nil // the running cmd/socketleyd process is the daemon; over the socket this verb is a no-op success
	default:
		return nil, xerr.New(xerr.CodeUnknownVerb, "error: unknown command")
	}
}

// forEachMatch expands args[0] as a glob (spec §4.3 "glob-pattern
// matching") and applies fn to every matching runtime name, in sorted
// order, aggregating the first error encountered (subsequent matches
// still run, mirroring the manager's own StopAll-on-shutdown policy).
func (d *Dispatcher) forEachMatch(ctx context.Context, args []string, fn func(context.Context, string) error) ([]byte, error) {
	if len(args) < 1 {
		return nil, xerr.New(xerr.CodeBadInput, "usage: <name|glob>")
	}
	pattern := args[0]

	var names []string
	if glob.HasMeta(pattern) {
		names = d.Manager.Match(pattern)
	} else {
		names = []string{pattern}
	}

	var firstErr error
	for _, n := range names {
		if err := fn(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func (d *Dispatcher) create(args []string) ([]byte, error) {
	if len(args) < 2 {
		return nil, xerr.New(xerr.CodeBadInput, "usage: create <kind> <name> [key=value...]")
	}
	kind, name := args[0], args[1]

	kv := parseFlags(args[2:])
	kv["kind"] = kind
	kv["name"] = name

	cfg, err := persist.FromKV(kv)
	if err != nil {
		return nil, err
	}
	if !cfg.Kind.Valid() {
		return nil, xerr.New(xerr.CodeBadKind, "error: bad kind")
	}

	inst, err := Build(cfg, d.Reactor, d.Manager)
	if err != nil {
		return nil, err
	}
	d.wirePeers(inst)
	if err := d.Manager.Register(inst); err != nil {
		return nil, err
	}
	if err := d.Store.Save(cfg); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Dispatcher) startOne(ctx context.Context, name string) error {
	inst, ok := d.Manager.Get(name)
	if !ok {
		return xerr.New(xerr.CodeUnknownRuntime, fmt.Sprintf("error: unknown runtime %q", name))
	}
	if err := d.Manager.Start(ctx, name); err != nil {
		return err
	}
	inst.Header().Config.WasRunning = true
	return d.Store.Save(inst.Header().Config)
}

func (d *Dispatcher) stopOne(ctx context.Context, name string) error {
	inst, ok := d.Manager.Get(name)
	if !ok {
		return xerr.New(xerr.CodeUnknownRuntime, fmt.Sprintf("error: unknown runtime %q", name))
	}
	if err := d.Manager.Stop(ctx, name); err != nil {
		return err
	}
	inst.Header().Config.WasRunning = false
	return d.Store.Save(inst.Header().Config)
}

func (d *Dispatcher) removeOne(ctx context.Context, name string) error {
	if err := d.Manager.Remove(name); err != nil {
		return err
	}
	return d.Store.Remove(name)
}

// reloadOne restarts a runtime in place so a changed persisted record
// takes effect (the source has no hot-reload path for descriptors
// already bound; stop+start is the faithful equivalent).
func (d *Dispatcher) reloadOne(ctx context.Context, name string) error {
	if _, ok := d.Manager.Get(name); !ok {
		return xerr.New(xerr.CodeUnknownRuntime, fmt.Sprintf("error: unknown runtime %q", name))
	}
	if err := d.Manager.Stop(ctx, name); err != nil {
		return err
	}
	return d.Manager.Start(ctx, name)
}

// scriptReloader is implemented by the runtime kinds that accept a
// script_path (server, client, proxy).
type scriptReloader interface {
	ReloadScript(path string) error
}

func (d *Dispatcher) reloadScriptOne(ctx context.Context, name string) error {
	inst, ok := d.Manager.Get(name)
	if !ok {
		return xerr.New(xerr.CodeUnknownRuntime, fmt.Sprintf("error: unknown runtime %q", name))
	}
	sr, ok := inst.(scriptReloader)
	if !ok {
		return xerr.New(xerr.CodeBadInput, "error: runtime kind has no script")
	}
	return sr.ReloadScript(inst.Header().Config.ScriptPath)
}

func (d *Dispatcher) edit(args []string) ([]byte, error) {
	if len(args) < 1 {
		return nil, xerr.New(xerr.CodeBadInput, "usage: edit <name> [key=value...]")
	}
	name := args[0]
	inst, ok := d.Manager.Get(name)
	if !ok {
		return nil, xerr.New(xerr.CodeUnknownRuntime, fmt.Sprintf("error: unknown runtime %q", name))
	}

	existing := inst.Header().Config
	kv := configToKV(existing)
	for k, v := range parseFlags(args[1:]) {
		kv[k] = v
	}

	cfg, err := persist.FromKV(kv)
	if err != nil {
		return nil, err
	}
	cfg.Normalize()
	inst.Header().Config = cfg
	return nil, d.Store.Save(cfg)
}

func (d *Dispatcher) show(args []string) ([]byte, error) {
	if len(args) < 1 {
		return nil, xerr.New(xerr.CodeBadInput, "usage: show <name>")
	}
	inst, ok := d.Manager.Get(args[0])
	if !ok {
		return nil, xerr.New(xerr.CodeUnknownRuntime, fmt.Sprintf("error: unknown runtime %q", args[0]))
	}
	return persist.Encode(inst.Header().Config), nil
}

func (d *Dispatcher) ls() ([]byte, error) {
	names := d.Manager.List()
	return []byte(strings.Join(names, "\n")), nil
}

func (d *Dispatcher) ps() ([]byte, error) {
	var sb strings.Builder
	for _, inst := range d.Manager.Snapshot() {
		s := inst.Header().Stats()
		fmt.Fprintf(&sb, "%s\t%s\t%s\t%d\n", s.Name, s.Kind, s.State, s.Connections)
	}
	return []byte(strings.TrimRight(sb.String(), "\n")), nil
}

// stats renders the compact text block of SPEC_FULL's "stats output"
// supplement: state, uptime, connection count, and (cache only) key
// count and current_memory.
func (d *Dispatcher) stats(args []string) ([]byte, error) {
	if len(args) < 1 {
		return nil, xerr.New(xerr.CodeBadInput, "usage: stats <name>")
	}
	inst, ok := d.Manager.Get(args[0])
	if !ok {
		return nil, xerr.New(xerr.CodeUnknownRuntime, fmt.Sprintf("error: unknown runtime %q", args[0]))
	}

	s := inst.Header().Stats()
	var sb strings.Builder
	fmt.Fprintf(&sb, "name %s\n", s.Name)
	fmt.Fprintf(&sb, "kind %s\n", s.Kind)
	fmt.Fprintf(&sb, "state %s\n", s.State)
	fmt.Fprintf(&sb, "connections %d\n", s.Connections)
	fmt.Fprintf(&sb, "accepted %d\n", s.Accepted)
	fmt.Fprintf(&sb, "errors %d\n", s.Errors)
	fmt.Fprintf(&sb, "uptime_seconds %d\n", int64(s.Uptime/time.Second))

	if cache, ok := inst.(*rtcache.Cache); ok {
		if r := cache.Action("size", nil); r.Kind == rtcache.ReplyInt {
			fmt.Fprintf(&sb, "keys %d\n", r.Int)
		}
		if r := cache.Action("memory", nil); r.Kind == rtcache.ReplyInt {
			fmt.Fprintf(&sb, "current_memory %d\n", r.Int)
		}
	}

	return []byte(strings.TrimRight(sb.String(), "\n")), nil
}

func (d *Dispatcher) send(args []string) ([]byte, error) {
	if len(args) < 1 {
		return nil, xerr.New(xerr.CodeBadInput, "usage: send <name> [message]")
	}
	inst, ok := d.Manager.Get(args[0])
	if !ok {
		return nil, xerr.New(xerr.CodeUnknownRuntime, fmt.Sprintf("error: unknown runtime %q", args[0]))
	}
	msg := []byte(strings.Join(args[1:], " "))

	switch v := inst.(type) {
	case *rtserver.Server:
		v.Broadcast(msg)
	case *rtclient.Client:
		v.Send(msg)
	default:
		return nil, xerr.New(xerr.CodeBadInput, "error: send not supported for this runtime kind")
	}
	return nil, nil
}

// action runs a cache command (spec §6 `action <cache> <op> [args]`)
// outside any connection context, so pub/sub ops are rejected by the
// dispatcher's own PubSub==nil check.
func (d *Dispatcher) action(args []string) ([]byte, error) {
	if len(args) < 2 {
		return nil, xerr.New(xerr.CodeBadInput, "usage: action <cache> <op> [args]")
	}
	inst, ok := d.Manager.Get(args[0])
	if !ok {
		return nil, xerr.New(xerr.CodeUnknownRuntime, fmt.Sprintf("error: unknown runtime %q", args[0]))
	}
	cache, ok := inst.(*rtcache.Cache)
	if !ok {
		return nil, xerr.New(xerr.CodeBadInput, "error: not a cache runtime")
	}

	op := args[1]
	rest := make([][]byte, len(args)-2)
	for i, a := range args[2:] {
		rest[i] = []byte(a)
	}

	r := cache.Action(op, rest)
	if r.Kind == rtcache.ReplyErr {
		return nil, xerr.New(xerr.CodeBadInput, "error: "+r.Err)
	}
	if r.Kind == rtcache.ReplyDenied {
		return nil, xerr.New(xerr.CodeDenied, "denied:"+r.Err)
	}
	return rtcache.EncodeText(r), nil
}

// attach registers a runtime entry for an already-running process
// (spec §6 `attach <kind> <name> <port> --pid <n> [--managed]`), for
// the kind's protocol to be reachable via the manager/proxy without the
// daemon itself owning the listening descriptor.
func (d *Dispatcher) attach(args []string) ([]byte, error) {
	if len(args) < 3 {
		return nil, xerr.New(xerr.CodeBadInput, "usage: attach <kind> <name> <port> [--pid N] [--managed]")
	}
	kind, name, portStr := args[0], args[1], args[2]
	if _, err := strconv.Atoi(portStr); err != nil {
		return nil, xerr.New(xerr.CodeBadInput, "error: bad port")
	}

	kv := parseFlags(args[3:])
	kv["kind"] = kind
	kv["name"] = name
	kv["port"] = portStr

	cfg, err := persist.FromKV(kv)
	if err != nil {
		return nil, err
	}

	inst, err := Build(cfg, d.Reactor, d.Manager)
	if err != nil {
		return nil, err
	}
	d.wirePeers(inst)
	if err := d.Manager.Register(inst); err != nil {
		return nil, err
	}
	if err := d.Store.Save(cfg); err != nil {
		return nil, err
	}
	return nil, d.Manager.Start(context.Background(), name)
}

// add spawns a daemon-managed external binary (spec §6 `add <path>
// [--name N] [-s]`): the daemon execs it itself and health-checks it,
// as opposed to `attach` which only observes an externally-started pid.
func (d *Dispatcher) add(args []string) ([]byte, error) {
	if len(args) < 1 {
		return nil, xerr.New(xerr.CodeBadInput, "usage: add <path> [--name N] [-s]")
	}
	path := args[0]
	kv := parseFlags(args[1:])

	name := kv["name"]
	if name == "" {
		name = path
	}

	cfg := runtime.Config{
		Name:       name,
		Kind:       runtime.KindExternal,
		BinaryPath: path,
		Managed:    true,
	}
	cfg.Normalize()

	inst, err := Build(cfg, d.Reactor, d.Manager)
	if err != nil {
		return nil, err
	}
	if err := d.Manager.Register(inst); err != nil {
		return nil, err
	}
	if err := d.Store.Save(cfg); err != nil {
		return nil, err
	}
	return nil, d.Manager.Start(context.Background(), name)
}

// parseFlags tokenizes `key=value`, `--flag value` and bare `--flag`/`-f`
// arguments into a flat string map. A dashed flag without `=` takes the
// next argument as its value when that argument neither starts with `-`
// nor contains `=`; otherwise it is recorded as "true" (spec §1 notes
// the controller's own CLI argument-to-command mapping is out of scope;
// this is the control plane's own much simpler wire-level flag shape,
// not that CLI layer).
func parseFlags(args []string) map[string]string {
	kv := make(map[string]string, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		dashed := strings.HasPrefix(a, "-")
		a = strings.TrimPrefix(strings.TrimPrefix(a, "--"), "-")
		if idx := strings.IndexByte(a, '='); idx >= 0 {
			kv[a[:idx]] = a[idx+1:]
			continue
		}
		if dashed && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") && !strings.Contains(args[i+1], "=") {
			kv[a] = args[i+1]
			i++
			continue
		}
		kv[a] = "true"
	}
	return kv
}

// configToKV is edit's starting point: the current live config,
// flattened back to strings so parseFlags overrides can be merged in
// before re-decoding through the same FromKV path create/attach use.
func configToKV(cfg runtime.Config) map[string]string {
	data := persist.Encode(cfg)
	kv := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) == 2 {
			kv[parts[0]] = parts[1]
		}
	}
	return kv
}

// wirePeers gives a freshly built proxy runtime this dispatcher's peer
// watcher, if one is configured, so its @group backends also see sibling
// daemons' runtimes (SPEC_FULL "Directory-based peer discovery"). The
// replay path in cmd/socketleyd's main does the equivalent for runtimes
// reconstructed at startup.
func (d *Dispatcher) wirePeers(inst manager.Instance) {
	if d.Peers == nil {
		return
	}
	if px, ok := inst.(*rtproxy.Proxy); ok {
		px.SetPeers(d.Peers)
	}
}
