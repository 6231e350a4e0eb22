package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func newTestPostgresKV(t *testing.T) *PostgresKV {
	t.Helper()
	dsn := os.Getenv("HEROQUOTE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("HEROQUOTE_TEST_PG_DSN not set, skipping")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	table := fmt.Sprintf("heroquote_test_%d", time.Now().UnixNano())
	kv, err := NewPostgresKV(ctx, dsn, table)
	if err != nil {
		t.Skipf("Postgres not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		kv.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
		kv.Close()
	})
	return kv
}

func TestPostgresKV_RoundTrip(t *testing.T) {
	kv := newTestPostgresKV(t)
	ctx := context.Background()

	if err := kv.Set(ctx, "replyCount", []byte(`{"value":3}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := kv.Set(ctx, "replyCount", []byte(`{"value":4}`)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, err := kv.Get(ctx, "replyCount")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != `{"value": 4}` && string(val) != `{"value":4}` {
		t.Fatalf("unexpected value %s", val)
	}
	if err := kv.Delete(ctx, "replyCount"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := kv.Get(ctx, "replyCount"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresKV_ScanAndSetNX(t *testing.T) {
	kv := newTestPostgresKV(t)
	ctx := context.Background()

	for i := 0; i < scanPageSize+3; i++ {
		kv.Set(ctx, fmt.Sprintf("tweet_%04d", i), []byte(`{}`))
	}
	items, err := kv.Scan(ctx, "tweet_")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(items) != scanPageSize+3 {
		t.Fatalf("expected %d items, got %d", scanPageSize+3, len(items))
	}

	ok, err := kv.SetNX(ctx, "runLock", []byte(`"a"`), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX should win: ok=%v err=%v", ok, err)
	}
	ok, err = kv.SetNX(ctx, "runLock", []byte(`"b"`), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX should lose: ok=%v err=%v", ok, err)
	}
}

func TestNewPostgresKV_Validation(t *testing.T) {
	if _, err := NewPostgresKV(context.Background(), "", ""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
	if _, err := NewPostgresKV(context.Background(), "postgres://x", "bad;name"); err == nil {
		t.Fatal("expected error for invalid table name")
	}
}
