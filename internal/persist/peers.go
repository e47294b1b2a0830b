package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/HiImSmiley/socketleyd/internal/logx"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

// PeerWatcher watches one or more sibling daemons' state directories
// (SPEC_FULL "Directory-based peer discovery"): group resolution for a
// proxy's `@group` backend first checks local manager membership, then
// merges in any peer's persisted `was_running`-true runtimes tagged
// with the same group, read directly off disk — read-only, no RPC, no
// consistency guarantee (spec §1 non-goal: no clustering/consensus).
type PeerWatcher struct {
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	peers map[string][]runtime.Config // peer state-dir -> last-seen configs
}

// NewPeerWatcher starts watching each directory in dirs (daemon
// `--peer-dir` flags, each pointing at a peer's <state-dir>/runtimes).
func NewPeerWatcher(dirs []string) (*PeerWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	pw := &PeerWatcher{watcher: w, peers: make(map[string][]runtime.Config)}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			logx.New(logx.WarnLevel, "persist: peer-dir watch failed").
				Field("dir", d).ErrorAdd(true, err).Check(logx.WarnLevel)
			continue
		}
		pw.rescan(d)
	}

	go pw.loop()
	return pw, nil
}

func (pw *PeerWatcher) loop() {
	for {
		select {
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.rescan(filepath.Dir(ev.Name))
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logx.New(logx.WarnLevel, "persist: peer watcher error").ErrorAdd(true, err).Check(logx.WarnLevel)
		}
	}
}

func (pw *PeerWatcher) rescan(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var cfgs []runtime.Config
	for _, n := range names {
		if filepath.Ext(n) != ".state" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			continue
		}
		cfg, err := Decode(data)
		if err != nil {
			continue
		}
		cfgs = append(cfgs, cfg)
	}

	pw.mu.Lock()
	pw.peers[dir] = cfgs
	pw.mu.Unlock()
}

// GroupMembers returns the names of every peer-visible runtime tagged
// with group and last observed with was_running=true.
func (pw *PeerWatcher) GroupMembers(group string) []string {
	pw.mu.RLock()
	defer pw.mu.RUnlock()

	var out []string
	for _, cfgs := range pw.peers {
		for _, c := range cfgs {
			if c.Group == group && c.WasRunning {
				out = append(out, c.Name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// GroupAddrs returns loopback host:port addresses for every peer-visible
// runtime tagged with group, for a proxy's @group backend expansion
// (rtproxy has no other way to reach a name it did not register itself).
func (pw *PeerWatcher) GroupAddrs(group string) []string {
	pw.mu.RLock()
	defer pw.mu.RUnlock()

	var out []string
	for _, cfgs := range pw.peers {
		for _, c := range cfgs {
			if c.Group == group && c.WasRunning && c.Port > 0 {
				out = append(out, fmt.Sprintf("127.0.0.1:%d", c.Port))
			}
		}
	}
	sort.Strings(out)
	return out
}

func (pw *PeerWatcher) Close() error {
	return pw.watcher.Close()
}
