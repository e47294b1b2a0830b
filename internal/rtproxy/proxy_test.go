package rtproxy

import (
	"context"
	"testing"

	"github.com/HiImSmiley/socketleyd/internal/manager"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

// fakeInstance is a minimal manager.Instance used to populate a manager
// with runtimes at known ports without starting any real listener.
type fakeInstance struct {
	h *runtime.Header
}

func (f *fakeInstance) Header() *runtime.Header  { return f.h }
func (f *fakeInstance) Start(context.Context) error { _ = f.h.TransitionStart(); f.h.CommitRunning(); return nil }
func (f *fakeInstance) Stop(context.Context) error  { return nil }

func newRunning(name string, port int, group string) *fakeInstance {
	f := &fakeInstance{h: runtime.NewHeader(runtime.Config{Name: name, Kind: runtime.KindServer, Port: port, Group: group})}
	_ = f.Start(context.Background())
	return f
}

func TestRotate(t *testing.T) {
	backends := []string{"a", "b", "c"}
	got := rotate(backends, 1)
	want := []string{"b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotate(%v, 1) = %v, want %v", backends, got, want)
		}
	}
}

func TestOrderRoundRobinAdvancesEachCall(t *testing.T) {
	p := &Proxy{hdr: runtime.NewHeader(runtime.Config{Strategy: runtime.StrategyRoundRobin})}
	backends := []string{"a", "b", "c"}

	first := p.order(backends, -1)
	second := p.order(backends, -1)

	if first[0] == second[0] {
		t.Fatalf("round-robin did not advance: %v then %v", first, second)
	}
}

func TestOrderRandomIsPermutation(t *testing.T) {
	p := &Proxy{hdr: runtime.NewHeader(runtime.Config{Strategy: runtime.StrategyRandom})}
	backends := []string{"a", "b", "c", "d"}

	got := p.order(backends, -1)
	if len(got) != len(backends) {
		t.Fatalf("order() returned %d backends, want %d", len(got), len(backends))
	}
	seen := map[string]bool{}
	for _, b := range got {
		seen[b] = true
	}
	for _, b := range backends {
		if !seen[b] {
			t.Fatalf("order() dropped backend %q: %v", b, got)
		}
	}
}

func TestOrderScriptedHonorsRouteHint(t *testing.T) {
	p := &Proxy{hdr: runtime.NewHeader(runtime.Config{Strategy: runtime.StrategyScripted})}
	backends := []string{"a", "b", "c"}

	got := p.order(backends, 2)
	if got[0] != "c" {
		t.Fatalf("order() with routeHint=2 = %v, want first element %q", got, "c")
	}
}

func TestOrderEmptyBackends(t *testing.T) {
	p := &Proxy{hdr: runtime.NewHeader(runtime.Config{Strategy: runtime.StrategyRoundRobin})}
	if got := p.order(nil, -1); got != nil {
		t.Fatalf("order(nil) = %v, want nil", got)
	}
}

func TestLiveBackendsResolvesNameAndLiteral(t *testing.T) {
	mgr := manager.New()
	_ = mgr.Register(newRunning("web-1", 9001, ""))

	p := New(runtime.Config{
		Backends: []string{"web-1", "10.0.0.5:7000"},
	}, nil, mgr)

	got := p.liveBackends()
	want := []string{"127.0.0.1:9001", "10.0.0.5:7000"}
	if len(got) != len(want) {
		t.Fatalf("liveBackends() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("liveBackends()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLiveBackendsSkipsStoppedRuntimes(t *testing.T) {
	mgr := manager.New()
	f := &fakeInstance{h: runtime.NewHeader(runtime.Config{Name: "web-1", Kind: runtime.KindServer, Port: 9001})}
	_ = mgr.Register(f) // never started: stays in state "created"

	p := New(runtime.Config{Backends: []string{"web-1"}}, nil, mgr)

	if got := p.liveBackends(); len(got) != 0 {
		t.Fatalf("liveBackends() = %v, want empty (runtime not running)", got)
	}
}

// fakePeerSource stands in for a *persist.PeerWatcher.
type fakePeerSource struct {
	addrs map[string][]string
}

func (f *fakePeerSource) GroupAddrs(group string) []string { return f.addrs[group] }

func TestLiveBackendsMergesGroupAndPeers(t *testing.T) {
	mgr := manager.New()
	_ = mgr.Register(newRunning("edge-1", 9001, "edge"))

	p := New(runtime.Config{Backends: []string{"@edge"}}, nil, mgr)
	p.SetPeers(&fakePeerSource{addrs: map[string][]string{"edge": {"127.0.0.1:9100"}}})

	got := p.liveBackends()
	want := []string{"127.0.0.1:9001", "127.0.0.1:9100"}
	if len(got) != len(want) {
		t.Fatalf("liveBackends() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("liveBackends()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLiveBackendsNoPeerSourceConfigured(t *testing.T) {
	mgr := manager.New()
	_ = mgr.Register(newRunning("edge-1", 9001, "edge"))

	p := New(runtime.Config{Backends: []string{"@edge"}}, nil, mgr)

	got := p.liveBackends()
	if len(got) != 1 || got[0] != "127.0.0.1:9001" {
		t.Fatalf("liveBackends() = %v, want [127.0.0.1:9001]", got)
	}
}
