package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestRedisCacheStore_CacheRecords(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rdb, err := DialRedis(ctx, addr, "", 0)
	if err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	defer rdb.Close()

	prefix := fmt.Sprintf("stockscout-test-%d", time.Now().UnixNano())
	cacheStoreContract(t, NewRedisCacheStore(rdb, prefix))

	keys, kerr := rdb.Keys(context.Background(), prefix+":*").Result()
	if kerr == nil && len(keys) > 0 {
		rdb.Del(context.Background(), keys...)
	}
}
