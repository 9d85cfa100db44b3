package marketenv

import (
	"context"

	"github.com/quantsig/perp-pipeline/internal/window"
)

// WindowGateSource adapts a GateCache to window.GateSource, merging the
// dyn:gate:{sym} snapshot with the static detector/aggregator parameters
// (spec §4.3.2).
type WindowGateSource struct {
	cache *GateCache
}

func NewWindowGateSource(cache *GateCache) *WindowGateSource {
	return &WindowGateSource{cache: cache}
}

func (s *WindowGateSource) GateFor(ctx context.Context, sym string) window.GateParams {
	g := s.cache.Gate(ctx, sym)
	st := s.cache.static
	return window.GateParams{
		MinNotional3s:           g.MinNotional3s,
		BreakoutBandPct:         g.BreakoutBandPct,
		DynDeltaK:               st.DynDeltaK,
		LiqK:                    st.LiqK,
		ConsensusK:              st.ConsensusK,
		ConsensusKHiVolDiscount: st.ConsensusKHiVolDiscount,
		SymmetryStrengthEps:     st.SymmetryStrengthEps,
		MinStrengthFloor:        st.MinStrengthFloor,
		MinStrength:             g.EffMin0,
		CooldownMs:              int64(g.CooldownMs),
		DedupMs:                 int64(g.DedupMs),
		MinMoveBp:               g.MinMoveBp,
		MinMoveAtrRatio:         g.MinMoveAtrRatio,
	}
}
