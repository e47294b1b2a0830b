package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

// newTestPeerWatcher builds a PeerWatcher without starting the fsnotify
// loop, so rescan can be driven synchronously from the test instead of
// racing a filesystem-event goroutine.
func newTestPeerWatcher() *PeerWatcher {
	return &PeerWatcher{peers: make(map[string][]runtime.Config)}
}

func writeState(t *testing.T, dir, name string, cfg runtime.Config) {
	t.Helper()
	cfg.Name = name
	cfg.Normalize()
	if err := os.WriteFile(filepath.Join(dir, name+".state"), Encode(cfg), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error: %v", name, err)
	}
}

func TestPeerWatcherGroupMembersAndAddrs(t *testing.T) {
	dir := t.TempDir()
	writeState(t, dir, "edge-1", runtime.Config{Kind: runtime.KindServer, Port: 9001, Group: "edge", WasRunning: true})
	writeState(t, dir, "edge-2", runtime.Config{Kind: runtime.KindServer, Port: 9002, Group: "edge", WasRunning: false})
	writeState(t, dir, "core-1", runtime.Config{Kind: runtime.KindServer, Port: 9003, Group: "core", WasRunning: true})

	pw := newTestPeerWatcher()
	pw.rescan(dir)

	members := pw.GroupMembers("edge")
	if len(members) != 1 || members[0] != "edge-1" {
		t.Fatalf("GroupMembers(edge) = %v, want [edge-1] (edge-2 is not was_running)", members)
	}

	addrs := pw.GroupAddrs("edge")
	if len(addrs) != 1 || addrs[0] != "127.0.0.1:9001" {
		t.Fatalf("GroupAddrs(edge) = %v, want [127.0.0.1:9001]", addrs)
	}

	if got := pw.GroupAddrs("core"); len(got) != 1 || got[0] != "127.0.0.1:9003" {
		t.Fatalf("GroupAddrs(core) = %v, want [127.0.0.1:9003]", got)
	}

	if got := pw.GroupMembers("nonexistent"); len(got) != 0 {
		t.Fatalf("GroupMembers(nonexistent) = %v, want empty", got)
	}
}

func TestPeerWatcherRescanReflectsLatestState(t *testing.T) {
	dir := t.TempDir()
	writeState(t, dir, "edge-1", runtime.Config{Kind: runtime.KindServer, Port: 9001, Group: "edge", WasRunning: true})

	pw := newTestPeerWatcher()
	pw.rescan(dir)
	if got := pw.GroupAddrs("edge"); len(got) != 1 {
		t.Fatalf("GroupAddrs(edge) before stop = %v, want one entry", got)
	}

	writeState(t, dir, "edge-1", runtime.Config{Kind: runtime.KindServer, Port: 9001, Group: "edge", WasRunning: false})
	pw.rescan(dir)

	if got := pw.GroupAddrs("edge"); len(got) != 0 {
		t.Fatalf("GroupAddrs(edge) after stop = %v, want empty", got)
	}
}

func TestPeerWatcherIgnoresNonStateFiles(t *testing.T) {
	dir := t.TempDir()
	writeState(t, dir, "edge-1", runtime.Config{Kind: runtime.KindServer, Port: 9001, Group: "edge", WasRunning: true})
	if err := os.WriteFile(filepath.Join(dir, ".lock"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile(.lock) error: %v", err)
	}

	pw := newTestPeerWatcher()
	pw.rescan(dir)

	if got := pw.GroupMembers("edge"); len(got) != 1 {
		t.Fatalf("GroupMembers(edge) = %v, want one entry (lock file must be ignored)", got)
	}
}
