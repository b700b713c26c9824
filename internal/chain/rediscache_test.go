package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "ci")
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestRedisCacheMissOnEmpty(t *testing.T) {
	rc, _ := newTestRedisCache(t)
	_, ok, err := rc.Get(context.Background(), "gasPrice")
	if err != nil {
		t.Fatalf("空缓存读取不应报错: %v", err)
	}
	if ok {
		t.Fatal("空缓存应未命中")
	}
}

func TestRedisCacheSharedBetweenClients(t *testing.T) {
	rc, mr := newTestRedisCache(t)
	clock := clockwork.NewFakeClock()

	p1 := newFakeProvider()
	p1.gasPrice = func(int) (*big.Int, error) { return gwei(33), nil }
	p2 := newFakeProvider()
	p2.gasPrice = func(int) (*big.Int, error) { return gwei(99), nil }

	c1 := newTestClient(p1, clock, Options{Cache: rc})
	c2 := newTestClient(p2, clock, Options{Cache: rc})

	if v, _ := c1.GasPrice(context.Background()); v != "33" {
		t.Fatalf("首次读取应为 33, 实际 %s", v)
	}
	if v, _ := c2.GasPrice(context.Background()); v != "33" {
		t.Fatalf("第二个客户端应命中共享缓存, 实际 %s", v)
	}
	if p2.count("GasPrice") != 0 {
		t.Fatal("命中共享缓存时不应访问网络")
	}
	if !mr.Exists("ci:gasPrice") {
		t.Fatal("缓存键应带前缀写入 redis")
	}

	clock.Advance(2 * time.Minute)
	if !mr.Exists("ci:gasPrice") {
		t.Fatal("过期条目不应被主动删除")
	}
	if v, _ := c2.GasPrice(context.Background()); v != "99" {
		t.Fatalf("过期后应重新获取, 实际 %s", v)
	}
}
