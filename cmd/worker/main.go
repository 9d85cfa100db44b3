/**
 * @description
 * Worker service entry point. Boots a shared Redis connection and runs the
 * pipeline's five cooperating activities as goroutines: Window, Market-Env,
 * Signal Router, and the Evaluator's intake/resolve loops.
 *
 * @dependencies
 * - internal/config
 * - internal/redisx
 * - internal/window
 * - internal/marketenv
 * - internal/router
 * - internal/evaluator
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantsig/perp-pipeline/internal/config"
	"github.com/quantsig/perp-pipeline/internal/evaluator"
	"github.com/quantsig/perp-pipeline/internal/logger"
	"github.com/quantsig/perp-pipeline/internal/marketenv"
	"github.com/quantsig/perp-pipeline/internal/redisx"
	"github.com/quantsig/perp-pipeline/internal/router"
	"github.com/quantsig/perp-pipeline/internal/window"
)

func main() {
	logger.Info("starting perp signal pipeline worker...")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config: %v", err)
	}

	redisClient, err := redisx.Connect(cfg)
	if err != nil {
		logger.Fatal("redis connection failed: %v", err)
	}
	defer redisClient.Close()

	pid := os.Getpid()

	staticParams := marketenv.StaticParams{
		ConsensusK:              0.05,
		ConsensusKHiVolDiscount: 0.5,
		SymmetryStrengthEps:     0.08,
		MinStrengthFloor:        0.45,
		DynDeltaK:               1.0,
		LiqK:                    1.0,
	}
	gateCache := marketenv.NewGateCache(redisClient, staticParams)

	envUpdater := marketenv.New(redisClient, cfg.Symbols.InstIDs)
	windowWorker := window.New(redisClient, cfg.Symbols.InstIDs, marketenv.NewWindowGateSource(gateCache), pid)

	routerCfg := router.Config{
		MinStrengthFloor: cfg.Signal.MinStrengthFloor,
		ExtraCooldownMs: cfg.Signal.ExtraCooldownMs,
		MinSpacingMs:    cfg.Signal.MinSpacingMs,
		HystHi:          cfg.Signal.HystHi,
		HystLo:          cfg.Signal.HystLo,
		IdemBucketMs:    cfg.Signal.IdemBucketMs,
		IdemTTLMs:       cfg.Signal.IdemTTLMs,
		RefPxStaleMs:    cfg.Signal.RefPxStaleMs,
	}
	sigRouter := router.New(redisClient, cfg.Symbols.InstIDs, marketenv.NewRouterGateSource(gateCache), routerCfg, pid)

	eval := evaluator.New(redisClient, cfg.Symbols.InstIDs, cfg.Eval, pid)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("%s exited with error: %v", name, err)
			}
		}()
	}

	run("window", windowWorker.Run)
	run("marketenv", envUpdater.Run)
	if cfg.Signal.Enabled {
		run("signal-router", sigRouter.Run)
	}
	run("evaluator.intake", eval.RunIntake)
	run("evaluator.resolve", eval.RunResolve)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")
	cancel()
	time.Sleep(1 * time.Second) // let in-flight Redis calls drain
	logger.Info("worker exited.")
}
