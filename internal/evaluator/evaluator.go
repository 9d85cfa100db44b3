/**
 * @description
 * Signal Evaluator (spec §4.6): two cooperating activities sharing one
 * process-local pending-job table. The intake loop consumes signal:final:{sym}
 * and anchors each horizon to an entry price; the resolve tick runs every
 * second, resolves the exit price for due jobs, and appends the net-return
 * audit row to eval:done:{sym}.
 */

package evaluator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quantsig/perp-pipeline/internal/config"
	"github.com/quantsig/perp-pipeline/internal/logger"
	"github.com/quantsig/perp-pipeline/internal/model"
	"github.com/quantsig/perp-pipeline/internal/redisx"
	"github.com/quantsig/perp-pipeline/internal/symbols"
)

const (
	readCount   = 200
	readBlockMs = 200
	resolveTick = time.Second

	reclaimMinIdleMs  = 30000
	reclaimInterval   = 15 * time.Second
	reclaimBatchCount = 100
	reclaimMaxPages   = 10
)

type jobTable struct {
	mu   sync.Mutex
	jobs map[string]*model.EvalJob
}

func newJobTable() *jobTable {
	return &jobTable{jobs: map[string]*model.EvalJob{}}
}

func jobKey(finalID, hzName string) string { return finalID + "|" + hzName }

func (t *jobTable) put(j *model.EvalJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[jobKey(j.FinalID, j.HzName)] = j
}

func (t *jobTable) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, key)
}

func (t *jobTable) dueSnapshot(now int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0)
	for k, j := range t.jobs {
		if j.DueAt <= now {
			out = append(out, k)
		}
	}
	return out
}

func (t *jobTable) get(key string) (*model.EvalJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[key]
	return j, ok
}

func (t *jobTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Evaluator owns the intake and resolve-tick activities for a fixed symbol set.
type Evaluator struct {
	rdb         *redis.Client
	symbols     []string
	cfg         config.EvalConfig
	resolver    *PriceResolver
	consumer    string
	jobs        *jobTable
	lastReclaim time.Time
}

func New(rdb *redis.Client, syms []string, cfg config.EvalConfig, pid int) *Evaluator {
	return &Evaluator{
		rdb:      rdb,
		symbols:  syms,
		cfg:      cfg,
		resolver: NewPriceResolver(rdb, cfg.PxSearchMs, cfg.PricePref),
		consumer: symbols.ConsumerName("eval", pid),
		jobs:     newJobTable(),
	}
}

// OpenJobs reports the number of jobs currently pending resolution.
func (e *Evaluator) OpenJobs() int { return e.jobs.len() }

// RunIntake consumes signal:final:{sym} and enqueues per-horizon jobs.
func (e *Evaluator) RunIntake(ctx context.Context) error {
	keys := make([]string, len(e.symbols))
	for i, s := range e.symbols {
		keys[i] = symbols.FinalKey(s)
	}
	for _, k := range keys {
		if err := redisx.EnsureGroup(ctx, e.rdb, k, symbols.GroupEval); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(e.lastReclaim) >= reclaimInterval {
			e.reclaimStuck(ctx, keys)
			e.lastReclaim = time.Now()
		}

		batch, err := redisx.ReadGroup(ctx, e.rdb, symbols.GroupEval, e.consumer, keys, readCount, readBlockMs)
		if err != nil {
			logger.Error("evaluator: intake read error: %v", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for stream, msgs := range batch {
			for _, m := range msgs {
				e.handleFinal(ctx, stream, m)
			}
		}
	}
}

// reclaimStuck claims signal:final entries left pending by a dead consumer
// (spec §5/§9: XAUTOCLAIM with idle >= 30s) and replays them through intake.
func (e *Evaluator) reclaimStuck(ctx context.Context, keys []string) {
	for _, key := range keys {
		msgs, err := redisx.XAutoClaim(ctx, e.rdb, key, symbols.GroupEval, e.consumer, reclaimMinIdleMs, reclaimBatchCount, reclaimMaxPages)
		if err != nil {
			logger.Error("evaluator: reclaim error on %s: %v", key, err)
			continue
		}
		for _, m := range msgs {
			e.handleFinal(ctx, key, m)
		}
	}
}

func (e *Evaluator) handleFinal(ctx context.Context, stream string, msg redisx.Message) {
	sym := symbolFromKey(stream)

	final, err := model.ParseFinalSignal(sym, msg.Fields)
	if err != nil {
		logger.Error("evaluator: malformed final signal on %s: %v", stream, err)
		redisx.Ack(ctx, e.rdb, stream, symbols.GroupEval, msg.ID)
		return
	}

	p0, p0Src, ok := e.resolveEntryPrice(ctx, final)
	if !ok {
		logger.Error("evaluator: no entry price for finalId=%s sym=%s ts0=%d", final.FinalID, sym, final.Ts)
		redisx.Ack(ctx, e.rdb, stream, symbols.GroupEval, msg.ID)
		return
	}

	for _, hz := range e.cfg.Horizons {
		dueAt := model.CeilToNextMinute(final.Ts + hz.Ms)
		e.jobs.put(&model.EvalJob{
			FinalID: final.FinalID,
			Sym:     sym,
			Dir:     final.Dir,
			Ts0:     final.Ts,
			P0:      p0,
			P0Src:   p0Src,
			HzMs:    hz.Ms,
			HzName:  hz.Name,
			DueAt:   dueAt,
			Retry:   0,
		})
	}

	redisx.Ack(ctx, e.rdb, stream, symbols.GroupEval, msg.ID)
}

// resolveEntryPrice implements spec §4.6 step 2: prefer the Router's refPx
// when fresh enough, else fall back to the full price resolver.
func (e *Evaluator) resolveEntryPrice(ctx context.Context, final model.FinalSignal) (decimal.Decimal, string, bool) {
	if final.RefPx.IsPositive() && !final.RefPxStale && abs64(final.RefPxTs-final.Ts) <= e.cfg.PxSearchMs {
		return final.RefPx, "refPx", true
	}
	res, ok := e.resolver.Resolve(ctx, final.Sym, final.Ts)
	if !ok {
		return decimal.Zero, "", false
	}
	return res.Px, res.Source, true
}

func symbolFromKey(key string) string {
	open, close := -1, -1
	for i, c := range key {
		if c == '{' {
			open = i
		}
		if c == '}' {
			close = i
		}
	}
	if open < 0 || close < 0 || close < open {
		return ""
	}
	return key[open+1 : close]
}

// RunResolve ticks once a second, resolving exit prices for every due job.
func (e *Evaluator) RunResolve(ctx context.Context) error {
	ticker := time.NewTicker(resolveTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.resolveTickOnce(ctx)
		}
	}
}

func (e *Evaluator) resolveTickOnce(ctx context.Context) {
	now := redisx.NowMs()
	for _, key := range e.jobs.dueSnapshot(now) {
		job, ok := e.jobs.get(key)
		if !ok {
			continue
		}
		e.resolveJob(ctx, key, job, now)
	}
}

func (e *Evaluator) resolveJob(ctx context.Context, key string, job *model.EvalJob, now int64) {
	res, ok := e.resolver.Resolve(ctx, job.Sym, job.DueAt)
	if !ok {
		if job.Retry < e.cfg.MaxRetry {
			job.Retry++
			return
		}
		e.appendResult(ctx, job, model.EvalResult{
			Ts0:     job.Ts0,
			DueAt:   job.DueAt,
			Horizon: job.HzName,
			Dir:     job.Dir,
			P0:      job.P0,
			MissPx:  true,
			FinalID: job.FinalID,
			Retry:   job.Retry,
		})
		e.jobs.remove(key)
		return
	}

	p0f, _ := job.P0.Float64()
	p1f, _ := res.Px.Float64()

	var rawBp float64
	if job.Dir == model.SideBuy {
		rawBp = (p1f/p0f - 1) * 1e4
	} else {
		rawBp = (p0f/p1f - 1) * 1e4
	}
	netBp := rawBp - e.cfg.FeeBp
	neutral := math.Abs(netBp) < e.cfg.NeutralBandBp
	success := !neutral && netBp >= e.cfg.SuccessBp
	priceLagMs := res.Ts - job.DueAt
	if priceLagMs < 0 {
		priceLagMs = 0
	}

	e.appendResult(ctx, job, model.EvalResult{
		Ts0:           job.Ts0,
		DueAt:         job.DueAt,
		Horizon:       job.HzName,
		Dir:           job.Dir,
		P0:            job.P0,
		UsedPx:        res.Px,
		UsedPxSource:  res.Source,
		UsedPxTs:      res.Ts,
		PriceLagMs:    priceLagMs,
		RetRawBp:      rawBp,
		RetNetBp:      netBp,
		ThresholdBp:   e.cfg.SuccessBp,
		NeutralBandBp: e.cfg.NeutralBandBp,
		Neutral:       neutral,
		Success:       success,
		FinalID:       job.FinalID,
		Retry:         job.Retry,
	})
	e.jobs.remove(key)
}

func (e *Evaluator) appendResult(ctx context.Context, job *model.EvalJob, res model.EvalResult) {
	fields := model.EvalResultFields(res)
	if _, err := redisx.XAdd(ctx, e.rdb, symbols.EvalDoneKey(job.Sym), fields, redisx.XAddOpts{MaxLenApprox: symbols.MaxLenEvalDone}); err != nil {
		logger.Error("evaluator: append eval:done error for %s: %v", job.Sym, err)
	}
}
