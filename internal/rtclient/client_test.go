package rtclient

import (
	"context"
	"testing"

	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

func TestClientStartStopLifecycle(t *testing.T) {
	rx := reactor.New(reactor.DefaultOptions())
	c := New(runtime.Config{Name: "up-1", Kind: runtime.KindClient, Target: "127.0.0.1:1"}, rx)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if c.Header().State() != runtime.StateRunning {
		t.Fatalf("state = %v, want running", c.Header().State())
	}
	if c.State() != "connecting" {
		t.Fatalf("State() = %q, want connecting (dial is async)", c.State())
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
	if c.Header().State() != runtime.StateStopped {
		t.Fatalf("state = %v, want stopped", c.Header().State())
	}
	if c.State() != "closed" {
		t.Fatalf("State() = %q, want closed", c.State())
	}
}

func TestClientSendWhileClosedQueuesAndDoesNotPanic(t *testing.T) {
	rx := reactor.New(reactor.DefaultOptions())
	c := New(runtime.Config{Name: "up-1", Kind: runtime.KindClient, Target: "127.0.0.1:1"}, rx)

	// Send before Start: st is stateConnecting (zero value), queues the message.
	c.Send([]byte("hello"))
	if len(c.queue) != 1 {
		t.Fatalf("queue len = %d, want 1", len(c.queue))
	}
}

func TestClientDoubleStopIsNoop(t *testing.T) {
	rx := reactor.New(reactor.DefaultOptions())
	c := New(runtime.Config{Name: "up-1", Kind: runtime.KindClient, Target: "127.0.0.1:1"}, rx)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() = %v, want nil (no-op transition)", err)
	}
}

func TestClientReloadScriptRejectsMissingFile(t *testing.T) {
	rx := reactor.New(reactor.DefaultOptions())
	c := New(runtime.Config{Name: "up-1", Kind: runtime.KindClient, Target: "127.0.0.1:1"}, rx)

	if err := c.ReloadScript("/nonexistent/path/to/script.js"); err == nil {
		t.Fatal("ReloadScript(missing file) = nil, want error")
	}
}
