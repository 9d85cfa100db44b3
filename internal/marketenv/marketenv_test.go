package marketenv

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quantsig/perp-pipeline/internal/redisx"
	"github.com/quantsig/perp-pipeline/internal/symbols"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTickWritesDefaultGateWithNoData(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	u := New(client, []string{"BTC-USDT-SWAP"})

	u.tick(ctx)

	fields, err := redisx.HGetAll(ctx, client, symbols.DynGateKey("BTC-USDT-SWAP"))
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["version"] != "v1.1" {
		t.Errorf("expected version v1.1, got %q", fields["version"])
	}
	if fields["effMin0"] == "" {
		t.Error("expected effMin0 to be populated")
	}
}

func TestFundingEventFlagWithinHorizon(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	u := New(client, []string{"BTC-USDT-SWAP"})

	now := redisx.NowMs()
	if err := redisx.HSet(ctx, client, symbols.FundingStateKey("BTC-USDT-SWAP"), map[string]interface{}{
		"ts": now, "rate": "0.0001", "nextFundingTime": now + 5*60000,
	}); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	if !u.fundingEventFlag(ctx, "BTC-USDT-SWAP", now) {
		t.Error("expected eventFlag=true within 10m funding horizon")
	}
	if u.fundingEventFlag(ctx, "BTC-USDT-SWAP", now-20*60000) {
		t.Error("expected eventFlag=false far from funding horizon")
	}
}

func TestOIRegimePersistenceRequiresTenMinutes(t *testing.T) {
	u := New(nil, []string{"BTC-USDT-SWAP"})
	now := int64(1_000_000_000)

	if got := u.applyPersistence("BTC-USDT-SWAP", now, 1); got != 0 {
		t.Errorf("expected first raw=1 to not surface yet, got %d", got)
	}
	if got := u.applyPersistence("BTC-USDT-SWAP", now+5*60000, 1); got != 0 {
		t.Errorf("expected raw=1 at 5min to not surface yet, got %d", got)
	}
	if got := u.applyPersistence("BTC-USDT-SWAP", now+11*60000, 1); got != 1 {
		t.Errorf("expected raw=1 sustained past 10min to surface, got %d", got)
	}
	if got := u.applyPersistence("BTC-USDT-SWAP", now+12*60000, 0); got != 0 {
		t.Errorf("expected raw=0 to reset, got %d", got)
	}
}
