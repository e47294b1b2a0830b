package rtexternal

import (
	"context"
	"os"
	"testing"

	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatal("processAlive(self) = false, want true")
	}
	if processAlive(0) {
		t.Fatal("processAlive(0) = true, want false")
	}
}

func TestAttachToLivePid(t *testing.T) {
	rx := reactor.New(reactor.DefaultOptions())
	e := New(runtime.Config{Name: "watched", Kind: runtime.KindExternal, Pid: os.Getpid()}, rx)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if e.Header().State() != runtime.StateRunning {
		t.Fatalf("state = %v, want running", e.Header().State())
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
	if e.Header().State() != runtime.StateStopped {
		t.Fatalf("state = %v, want stopped", e.Header().State())
	}
}

func TestAttachToDeadPidFails(t *testing.T) {
	rx := reactor.New(reactor.DefaultOptions())
	// A pid that is vanishingly unlikely to be alive in the test sandbox.
	e := New(runtime.Config{Name: "ghost", Kind: runtime.KindExternal, Pid: 1 << 30}, rx)

	if err := e.Start(context.Background()); err == nil {
		t.Fatal("Start() with a dead pid = nil, want error")
	}
	if e.Header().State() != runtime.StateFailed {
		t.Fatalf("state = %v, want failed", e.Header().State())
	}
}

func TestStartRequiresPidOrBinaryPath(t *testing.T) {
	rx := reactor.New(reactor.DefaultOptions())
	e := New(runtime.Config{Name: "bare", Kind: runtime.KindExternal}, rx)

	if err := e.Start(context.Background()); err == nil {
		t.Fatal("Start() with neither pid nor binary_path = nil, want error")
	}
	if e.Header().State() != runtime.StateFailed {
		t.Fatalf("state = %v, want failed", e.Header().State())
	}
}

func TestSpawnsManagedBinary(t *testing.T) {
	rx := reactor.New(reactor.DefaultOptions())
	e := New(runtime.Config{Name: "sleeper", Kind: runtime.KindExternal, BinaryPath: "/bin/sleep"}, rx)

	// exec.Command("/bin/sleep") with no args exits immediately with a
	// usage error, but Start only cares that the process launched.
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if e.Header().State() != runtime.StateRunning {
		t.Fatalf("state = %v, want running", e.Header().State())
	}
	if e.pid == 0 {
		t.Fatal("pid not recorded after spawn")
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
}
