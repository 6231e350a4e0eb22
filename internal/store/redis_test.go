package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestRedisKV(t *testing.T) *RedisKV {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewRedisKVFromClient(client, "test:state:")
}

func TestRedisKV_SetGetDelete(t *testing.T) {
	kv := newTestRedisKV(t)
	ctx := context.Background()

	if err := kv.Set(ctx, "metadata", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := kv.Get(ctx, "metadata")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != `{"v":1}` {
		t.Fatalf("unexpected value %q", val)
	}
	if err := kv.Delete(ctx, "metadata"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := kv.Get(ctx, "metadata"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisKV_ScanPrefix(t *testing.T) {
	kv := newTestRedisKV(t)
	ctx := context.Background()

	for i := 0; i < 450; i++ {
		kv.Set(ctx, "tweet_"+time.Duration(i).String(), []byte(`1`))
	}
	kv.Set(ctx, "replyCount", []byte(`3`))

	items, err := kv.Scan(ctx, "tweet_")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(items) != 450 {
		t.Fatalf("expected 450 tweet records, got %d", len(items))
	}
	if _, ok := items["replyCount"]; ok {
		t.Fatal("scan leaked a key outside the prefix")
	}
}

func TestRedisKV_SetNX(t *testing.T) {
	kv := newTestRedisKV(t)
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "runLock", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX should win: ok=%v err=%v", ok, err)
	}
	ok, err = kv.SetNX(ctx, "runLock", []byte("b"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX should lose: ok=%v err=%v", ok, err)
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Fatalf("unexpected escape: %q", got)
	}
}
