/**
 * @description
 * The intra-bar Aggregator (spec §4.3.2): consolidates D1/D2/D3 candidates
 * through a 9-step gate pipeline (stable ordering, consensus, symmetry,
 * choose, cooldown, min-move, dedup, record) into at most one signal per
 * symbol per tick.
 */

package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/quantsig/perp-pipeline/internal/model"
	"github.com/quantsig/perp-pipeline/internal/numeric"
)

// AggregatorConfig holds the two tiers of gate parameters: baseline static
// items and dyn-gate-driven items (spec §4.3.2).
type AggregatorConfig struct {
	ConsensusK               float64
	ConsensusKHiVolDiscount  float64
	SymmetryStrengthEps      float64
	MinStrengthFloor         float64
	MinStrength              float64
	CooldownMs               int64
	DedupMs                  int64
	MinMoveBp                float64
	MinMoveAtrRatio          float64
	MinNotional3s            float64
	DynAbsDelta              float64
}

// emitState is per (sym,dir) aggregator memory (spec §4.3.2 "state per symbol").
type emitState struct {
	lastEmitTs  int64
	lastEmitPx  float64
	lastSigKey  string
	hasEmitPx   bool
}

// Aggregator owns emission state for every (symbol, direction) pair. It must
// be used by exactly one goroutine (the Window worker), per the pipeline's
// single-owner rule (spec §3 "Ownership").
type Aggregator struct {
	state map[string]*emitState // key = sym+"|"+dir
}

func NewAggregator() *Aggregator {
	return &Aggregator{state: make(map[string]*emitState)}
}

func stateKey(sym string, dir model.Side) string {
	return sym + "|" + string(dir)
}

var sourceRank = map[string]int{"breakout": 3, "delta": 2, "flow": 1}

// sourceRankOf returns the detector's priority rank; unrecognized sources are
// treated as rank 0 per spec §4.3.2 step 2.
func sourceRankOf(src string) int {
	if r, ok := sourceRank[src]; ok {
		return r
	}
	return 0
}

// Consolidate runs the full gate pipeline over one tick's candidates and
// returns a DetectedSignal, or nil if nothing survives (spec §4.3.2).
func (a *Aggregator) Consolidate(sym string, now int64, lastPx, atr float64, candidates []Candidate, cfg AggregatorConfig) *model.DetectedSignal {
	if len(candidates) == 0 {
		return nil
	}

	ordered := stableOrder(candidates)

	survivors := consensusGate(ordered, cfg)
	if len(survivors) == 0 {
		return nil
	}

	if symmetryGate(survivors, cfg.SymmetryStrengthEps) {
		return nil
	}

	chosen := choose(survivors)

	key := stateKey(sym, chosen.Dir)
	st := a.state[key]
	if st == nil {
		st = &emitState{}
		a.state[key] = st
	}

	if st.lastEmitTs != 0 && now-st.lastEmitTs < cfg.CooldownMs {
		return nil
	}

	if st.hasEmitPx && lastPx != 0 {
		moveBp := math.Abs(lastPx-st.lastEmitPx) / lastPx * 1e4
		moveAtrRatio := math.Inf(1) // ATR unavailable: ratio gate degenerates to always-pass
		if atr > 0 {
			moveAtrRatio = math.Abs(lastPx-st.lastEmitPx) / atr
		}
		if moveBp < cfg.MinMoveBp || moveAtrRatio < cfg.MinMoveAtrRatio {
			return nil
		}
	}

	approxKey := buildApproxKey(sym, chosen)
	if approxKey == st.lastSigKey && now-st.lastEmitTs < cfg.DedupMs {
		return nil
	}

	st.lastEmitTs = now
	st.lastEmitPx = lastPx
	st.hasEmitPx = true
	st.lastSigKey = approxKey

	evidence := buildEvidence(sym, ordered, chosen, approxKey)

	return &model.DetectedSignal{
		Ts:         now,
		Sym:        sym,
		Dir:        chosen.Dir,
		Strength:   chosen.Strength,
		Evidence:   evidence,
		ApproxKey:  approxKey,
		StrategyID: "intra.v1",
	}
}

func stableOrder(cands []Candidate) []Candidate {
	out := append([]Candidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := sourceRankOf(out[i].Src), sourceRankOf(out[j].Src)
		if ri != rj {
			return ri > rj
		}
		if out[i].Dir != out[j].Dir {
			return out[i].Dir == model.SideBuy
		}
		return out[i].Strength > out[j].Strength
	})
	return out
}

func consensusGate(cands []Candidate, cfg AggregatorConfig) []Candidate {
	byDir := map[model.Side][]Candidate{}
	for _, c := range cands {
		byDir[c.Dir] = append(byDir[c.Dir], c)
	}

	hiVol := cfg.DynAbsDelta > 1.5*cfg.MinNotional3s
	kEff := cfg.ConsensusK
	if hiVol {
		kEff *= cfg.ConsensusKHiVolDiscount
	}

	var survivors []Candidate
	for _, group := range byDir {
		n := len(group)
		effMin := math.Max(cfg.MinStrengthFloor, cfg.MinStrength-kEff*float64(n-1))
		for _, c := range group {
			if c.Strength >= effMin {
				survivors = append(survivors, c)
			}
		}
	}
	return stableOrder(survivors)
}

func symmetryGate(cands []Candidate, eps float64) bool {
	var buys, sells []Candidate
	for _, c := range cands {
		if c.Dir == model.SideBuy {
			buys = append(buys, c)
		} else {
			sells = append(sells, c)
		}
	}
	if len(buys) == 0 || len(sells) == 0 || len(buys) != len(sells) {
		return false
	}
	maxBuy := maxStrength(buys)
	maxSell := maxStrength(sells)
	return math.Abs(maxBuy-maxSell) < eps
}

func maxStrength(cands []Candidate) float64 {
	m := 0.0
	for _, c := range cands {
		if c.Strength > m {
			m = c.Strength
		}
	}
	return m
}

func choose(cands []Candidate) Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Strength > best.Strength {
			best = c
			continue
		}
		if c.Strength == best.Strength && sourceRankOf(c.Src) > sourceRankOf(best.Src) {
			best = c
		}
	}
	return best
}

func roundTo(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Round(v/step) * step
}

func buildApproxKey(sym string, c Candidate) string {
	return fmt.Sprintf("%s|%s|%s|%d|z:%.2f|sh:%.2f",
		sym, c.Dir, c.Src, int(math.Round(c.Strength*100)), roundTo(c.ZLike, 0.05), roundTo(c.BuyShare, 0.02))
}

func buildEvidence(sym string, ordered []Candidate, chosen Candidate, approxKey string) map[string]interface{} {
	type wireCandidate struct {
		Dir      string  `json:"dir"`
		Src      string  `json:"src"`
		Strength float64 `json:"strength"`
	}
	wire := make([]wireCandidate, 0, len(ordered))
	zMax, shMax := 0.0, 0.0
	for _, c := range ordered {
		wire = append(wire, wireCandidate{Dir: string(c.Dir), Src: c.Src, Strength: c.Strength})
		if c.ZLike > zMax {
			zMax = c.ZLike
		}
		if c.BuyShare > shMax {
			shMax = c.BuyShare
		}
	}
	blob, _ := json.Marshal(wire)

	return map[string]interface{}{
		"src":              chosen.Src,
		"dir":              string(chosen.Dir),
		"candidates_hash":  numeric.FNV1a(blob),
		"approx_key":       approxKey,
		"zLike_max":        zMax,
		"buyShare3s_max":   shMax,
		"kind":             "intra",
	}
}
