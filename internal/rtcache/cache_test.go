package rtcache

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/HiImSmiley/socketleyd/internal/proto/resp"
	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

// TestReplicationSnapshotThenLiveDoesNotInterleave guards the fix to
// startReplication's OnMutate write-through racing with pushSnapshot's
// writes on the same connection (both used to call conn.Write with no
// shared serialization). Every command the peer receives must parse as
// one complete RESP array — a corrupted, interleaved write would make
// resp.ParseCommand fail partway through the stream — and every
// snapshot key must be observed before any key set after Start returns.
func TestReplicationSnapshotThenLiveDoesNotInterleave(t *testing.T) {
	peerLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen peer: %v", err)
	}
	defer peerLn.Close()

	const snapshotKeys = 25
	const liveKeys = 25

	type received struct {
		key string
	}
	seen := make(chan received, snapshotKeys+liveKeys)
	parseErr := make(chan error, 1)

	go func() {
		conn, err := peerLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for i := 0; i < snapshotKeys+liveKeys; i++ {
			args, err := resp.ParseCommand(br)
			if err != nil {
				parseErr <- err
				return
			}
			if len(args) < 2 {
				continue
			}
			seen <- received{key: string(args[1])}
		}
	}()

	rx := reactor.New(reactor.DefaultOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = rx.Run(ctx) }()
	defer rx.RequestStop()

	cfg := runtime.Config{
		Name:            "repl-cache",
		Kind:            runtime.KindCache,
		Port:            0,
		ReplicateTarget: peerLn.Addr().String(),
	}
	c := New(cfg, rx)

	for i := 0; i < snapshotKeys; i++ {
		if err := c.store.Set("snap-"+strconv.Itoa(i), []byte("v")); err != nil {
			t.Fatalf("seed snapshot key: %v", err)
		}
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	for i := 0; i < liveKeys; i++ {
		c.Action("set", [][]byte{[]byte("live-" + strconv.Itoa(i)), []byte("v")})
	}

	snapshotSeen := make(map[string]bool)
	liveSeen := make(map[string]bool)
	lastWasLive := false
	sawLiveBeforeAllSnapshot := false

	deadline := time.After(4 * time.Second)
	for len(snapshotSeen)+len(liveSeen) < snapshotKeys+liveKeys {
		select {
		case err := <-parseErr:
			t.Fatalf("replication stream corrupted: %v", err)
		case r := <-seen:
			if strings.HasPrefix(r.key, "live-") {
				liveSeen[r.key] = true
				lastWasLive = true
			} else {
				snapshotSeen[r.key] = true
				if lastWasLive {
					sawLiveBeforeAllSnapshot = true
				}
			}
		case <-deadline:
			t.Fatalf("timed out: snapshot=%d/%d live=%d/%d", len(snapshotSeen), snapshotKeys, len(liveSeen), liveKeys)
		}
	}

	if len(snapshotSeen) != snapshotKeys {
		t.Fatalf("snapshot keys seen = %d, want %d", len(snapshotSeen), snapshotKeys)
	}
	if len(liveSeen) != liveKeys {
		t.Fatalf("live keys seen = %d, want %d", len(liveSeen), liveKeys)
	}
	if sawLiveBeforeAllSnapshot {
		t.Fatal("a live mutation's bytes were observed interleaved before the snapshot finished")
	}
}
