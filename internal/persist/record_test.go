package persist

import (
	"strings"
	"testing"
	"time"

	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cfg := runtime.Config{
		Name: "web-1", Kind: runtime.KindServer, WasRunning: true,
		Port: 8080, Handler: "echo", ServerMode: runtime.ServerInOut,
		MaxConnections: 50, RateLimit: 10, IdleTimeout: 30 * time.Second,
		Group: "edge",
	}
	cfg.Normalize()

	got, err := Decode(Encode(cfg))
	if err != nil {
		t.Fatalf("Decode(Encode(cfg)) error: %v", err)
	}

	if got.Name != cfg.Name || got.Kind != cfg.Kind || got.WasRunning != cfg.WasRunning {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
	if got.Port != cfg.Port || got.Handler != cfg.Handler || got.Group != cfg.Group {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
	if got.MaxConnections != cfg.MaxConnections || got.RateLimit != cfg.RateLimit {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
	if got.IdleTimeout != cfg.IdleTimeout {
		t.Fatalf("IdleTimeout = %v, want %v", got.IdleTimeout, cfg.IdleTimeout)
	}
}

func TestEncodeDecodeRoundTripProxyBackends(t *testing.T) {
	cfg := runtime.Config{
		Name: "edge-1", Kind: runtime.KindProxy, WasRunning: false,
		Port: 9090, Backends: []string{"web-1", "web-2", "@edge"},
		Strategy: runtime.StrategyRandom,
	}
	cfg.Normalize()

	got, err := Decode(Encode(cfg))
	if err != nil {
		t.Fatalf("Decode(Encode(cfg)) error: %v", err)
	}
	if len(got.Backends) != 3 || got.Backends[0] != "web-1" || got.Backends[2] != "@edge" {
		t.Fatalf("Backends = %v, want [web-1 web-2 @edge]", got.Backends)
	}
	if got.Strategy != runtime.StrategyRandom {
		t.Fatalf("Strategy = %v, want %v", got.Strategy, runtime.StrategyRandom)
	}
}

func TestEncodeDecodeRoundTripCacheMode(t *testing.T) {
	cfg := runtime.Config{
		Name: "cache-1", Kind: runtime.KindCache, Port: 6380,
		CacheMode: runtime.CacheReadOnly, MaxMemory: 1 << 20,
		Eviction: runtime.EvictionLRU,
	}
	cfg.Normalize()

	got, err := Decode(Encode(cfg))
	if err != nil {
		t.Fatalf("Decode(Encode(cfg)) error: %v", err)
	}
	if got.CacheMode != runtime.CacheReadOnly {
		t.Fatalf("CacheMode = %v, want %v", got.CacheMode, runtime.CacheReadOnly)
	}
	if got.MaxMemory != cfg.MaxMemory || got.Eviction != cfg.Eviction {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}

func TestDecodeRejectsMissingNameOrKind(t *testing.T) {
	if _, err := Decode([]byte("port 8080\n")); err == nil {
		t.Fatal("Decode with no name/kind = nil error, want error")
	}
}

func TestDecodeSkipsBlankAndMalformedLines(t *testing.T) {
	data := []byte("name web-1\nkind server\n\nmalformed-line-no-space\nport 9000\n")
	cfg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if cfg.Name != "web-1" || cfg.Port != 9000 {
		t.Fatalf("cfg = %+v, want Name=web-1 Port=9000", cfg)
	}
}

func TestEncodeOmitsZeroValuedOptionalFields(t *testing.T) {
	cfg := runtime.Config{Name: "bare", Kind: runtime.KindClient}
	cfg.Normalize()

	out := string(Encode(cfg))
	if strings.Contains(out, "port ") {
		t.Fatalf("Encode() included zero port: %q", out)
	}
	if !strings.Contains(out, "name bare\n") || !strings.Contains(out, "kind client\n") {
		t.Fatalf("Encode() missing required fields: %q", out)
	}
}
