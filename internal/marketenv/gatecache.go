package marketenv

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantsig/perp-pipeline/internal/model"
	"github.com/quantsig/perp-pipeline/internal/redisx"
	"github.com/quantsig/perp-pipeline/internal/symbols"
)

// StaticParams holds the aggregator/detector inputs that are not driven by
// the Market-Env cycle (spec §4.3.2 "baseline static items").
type StaticParams struct {
	ConsensusK              float64
	ConsensusKHiVolDiscount float64
	SymmetryStrengthEps     float64
	MinStrengthFloor        float64
	DynDeltaK               float64
	LiqK                    float64
}

// GateCache reads dyn:gate:{sym} with a 1s local cache, the resolution the
// Router and Window worker both need (spec §4.5 step 2: "1 s local cache").
type GateCache struct {
	rdb    redis.Cmdable
	static StaticParams
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	gate     model.DynGate
	cachedAt time.Time
}

func NewGateCache(rdb redis.Cmdable, static StaticParams) *GateCache {
	return &GateCache{rdb: rdb, static: static, ttl: time.Second, entries: map[string]cacheEntry{}}
}

// Gate returns the cached-or-freshly-read dyn:gate snapshot for sym.
func (c *GateCache) Gate(ctx context.Context, sym string) model.DynGate {
	c.mu.Lock()
	if e, ok := c.entries[sym]; ok && time.Since(e.cachedAt) < c.ttl {
		c.mu.Unlock()
		return e.gate
	}
	c.mu.Unlock()

	fields, err := redisx.HGetAll(ctx, c.rdb, symbols.DynGateKey(sym))
	var gate model.DynGate
	if err == nil && len(fields) > 0 {
		gate = model.ParseDynGate(fields)
	} else {
		gate = defaultGate()
	}

	c.mu.Lock()
	c.entries[sym] = cacheEntry{gate: gate, cachedAt: time.Now()}
	c.mu.Unlock()
	return gate
}

func defaultGate() model.DynGate {
	return model.DynGate{
		EffMin0:         baseMin,
		MinNotional3s:   baseMinNotional3s,
		MinMoveBp:       2,
		MinMoveAtrRatio: 0.15,
		CooldownMs:      6000,
		DedupMs:         6000,
		BreakoutBandPct: 0.02,
		Version:         "v1.1",
	}
}
