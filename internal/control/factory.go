package control

import (
	"fmt"

	"github.com/HiImSmiley/socketleyd/internal/manager"
	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/rtcache"
	"github.com/HiImSmiley/socketleyd/internal/rtclient"
	"github.com/HiImSmiley/socketleyd/internal/rtexternal"
	"github.com/HiImSmiley/socketleyd/internal/rtproxy"
	"github.com/HiImSmiley/socketleyd/internal/rtserver"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

// Build constructs the concrete runtime kind named by cfg.Kind (spec §9
// "tagged variant with a small capability table ... dispatch on kind at
// the reactor edge"). Both the control plane's `create`/`attach` verbs
// and the persistence layer's startup replay share this one seam.
func Build(cfg runtime.Config, rx *reactor.Reactor, mgr *manager.Manager) (manager.Instance, error) {
	switch cfg.Kind {
	case runtime.KindServer:
		return rtserver.New(cfg, rx), nil
	case runtime.KindClient:
		return rtclient.New(cfg, rx), nil
	case runtime.KindProxy:
		return rtproxy.New(cfg, rx, mgr), nil
	case runtime.KindCache:
		return rtcache.New(cfg, rx), nil
	case runtime.KindExternal:
		return rtexternal.New(cfg, rx), nil
	default:
		return nil, xerr.New(xerr.CodeBadKind, fmt.Sprintf("unknown kind %q", cfg.Kind))
	}
}
