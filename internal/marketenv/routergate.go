package marketenv

import (
	"context"

	"github.com/quantsig/perp-pipeline/internal/router"
)

// RouterGateSource adapts a GateCache to router.GateReader, exposing only the
// two fields the Router's gate cascade consults (spec §4.5 step 2).
type RouterGateSource struct {
	cache *GateCache
}

func NewRouterGateSource(cache *GateCache) *RouterGateSource {
	return &RouterGateSource{cache: cache}
}

func (s *RouterGateSource) Gate(ctx context.Context, sym string) router.GateSnapshot {
	g := s.cache.Gate(ctx, sym)
	return router.GateSnapshot{
		EffMin0:    g.EffMin0,
		CooldownMs: int64(g.CooldownMs),
	}
}
