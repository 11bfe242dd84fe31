package tokencache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
)

var usdt = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")

func TestMemoryCache(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, usdt); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := c.Put(ctx, usdt, Metadata{Symbol: "USDT", Decimals: 6}); err != nil {
		t.Fatalf("put: %v", err)
	}
	meta, ok, err := c.Get(ctx, usdt)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if meta.Symbol != "USDT" || meta.Decimals != 6 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestRedisCache(t *testing.T) {
	srv := miniredis.RunT(t)

	ctx := context.Background()
	c, err := NewRedis(ctx, srv.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if _, ok, err := c.Get(ctx, usdt); err != nil || ok {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
	if err := c.Put(ctx, usdt, Metadata{Symbol: "USDT", Decimals: 6}); err != nil {
		t.Fatalf("put: %v", err)
	}
	meta, ok, err := c.Get(ctx, usdt)
	if err != nil || !ok {
		t.Fatalf("get after put: ok=%v err=%v", ok, err)
	}
	if meta.Symbol != "USDT" || meta.Decimals != 6 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestRedisCacheConnectFailure(t *testing.T) {
	if _, err := NewRedis(context.Background(), "127.0.0.1:1"); err == nil {
		t.Error("expected connection error")
	}
}
