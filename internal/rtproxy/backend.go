package rtproxy

import (
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

// connectBudget bounds how long a candidate backend gets before it is
// skipped in favor of the next one (spec §4.6 "skip backends unreachable
// within a 200 ms connect budget").
const connectBudget = 200 * time.Millisecond

// liveBackends expands the configured backend list into concrete
// host:port addresses, resolving (a) literal host:port as-is, (b) a bare
// name via the manager's live listening port, and (c) @group into every
// live member's listening port (spec §4.6).
func (p *Proxy) liveBackends() []string {
	out := make([]string, 0, len(p.hdr.Config.Backends))
	for _, b := range p.hdr.Config.Backends {
		switch {
		case strings.HasPrefix(b, "@"):
			group := strings.TrimPrefix(b, "@")
			for _, name := range p.mgr.ListGroup(group) {
				if addr, ok := p.resolveRuntime(name); ok {
					out = append(out, addr)
				}
			}
			if p.peers != nil {
				out = append(out, p.peers.GroupAddrs(group)...)
			}
		case strings.Contains(b, ":"):
			out = append(out, b)
		default:
			if addr, ok := p.resolveRuntime(b); ok {
				out = append(out, addr)
			}
		}
	}
	return out
}

func (p *Proxy) resolveRuntime(name string) (string, bool) {
	if p.mgr == nil {
		return "", false
	}
	inst, ok := p.mgr.Get(name)
	if !ok {
		return "", false
	}
	hdr := inst.Header()
	if hdr.State() != runtime.StateRunning {
		return "", false
	}
	return "127.0.0.1:" + strconv.Itoa(hdr.Config.Port), true
}

// order returns the backend list in the sequence selection should try
// candidates, according to the configured strategy. routeHint is the
// scripted strategy's on_route result when available (-1 if none).
func (p *Proxy) order(backends []string, routeHint int) []string {
	n := len(backends)
	if n == 0 {
		return nil
	}

	switch p.hdr.Config.Strategy {
	case runtime.StrategyRandom:
		perm := rand.Perm(n)
		out := make([]string, n)
		for i, idx := range perm {
			out[i] = backends[idx]
		}
		return out

	case runtime.StrategyScripted:
		start := 0
		if routeHint >= 0 {
			start = routeHint % n
		} else {
			start = int(atomic.AddUint64(&p.rr, 1)-1) % n
		}
		return rotate(backends, start)

	default: // round-robin
		start := int(atomic.AddUint64(&p.rr, 1)-1) % n
		return rotate(backends, start)
	}
}

func rotate(backends []string, start int) []string {
	n := len(backends)
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = backends[(start+i)%n]
	}
	return out
}

// dialFirstReachable tries each candidate in order, honoring the
// connect budget, and calls done with the first live connection or an
// error once every candidate has failed.
func (p *Proxy) dialFirstReachable(candidates []string, done func(conn net.Conn, err error)) {
	p.tryNext(candidates, 0, done)
}

func (p *Proxy) tryNext(candidates []string, i int, done func(net.Conn, error)) {
	if i >= len(candidates) {
		done(nil, errNoBackend)
		return
	}
	p.rx.SubmitConnect("tcp", candidates[i], connectBudget, func(comp reactor.Completion) {
		if comp.Err != nil {
			p.tryNext(candidates, i+1, done)
			return
		}
		done(comp.Conn, nil)
	})
}
