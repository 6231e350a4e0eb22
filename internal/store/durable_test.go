package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// failingKV errors on every call.
type failingKV struct{}

var errBackendDown = errors.New("backend down")

func (failingKV) Get(context.Context, string) ([]byte, error) { return nil, errBackendDown }
func (failingKV) Set(context.Context, string, []byte) error   { return errBackendDown }
func (failingKV) Delete(context.Context, string) error        { return errBackendDown }
func (failingKV) Ping(context.Context) error                  { return errBackendDown }
func (failingKV) Close() error                                { return nil }
func (failingKV) Scan(context.Context, string) (map[string][]byte, error) {
	return nil, errBackendDown
}
func (failingKV) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errBackendDown
}

type record struct {
	Count int `json:"count"`
}

func TestDurable_RoundTrip(t *testing.T) {
	ctx := context.Background()
	d := NewDurable("memory", NewMemoryKV())

	if !d.Put(ctx, "replyCount", record{Count: 3}) {
		t.Fatal("put failed")
	}
	var got record
	if !d.Get(ctx, "replyCount", &got) || got.Count != 3 {
		t.Fatalf("got %+v", got)
	}
	if d.Get(ctx, "missing", &got) {
		t.Fatal("expected miss")
	}
	if !d.Delete(ctx, "replyCount") {
		t.Fatal("delete failed")
	}
	if d.Get(ctx, "replyCount", &got) {
		t.Fatal("expected miss after delete")
	}
}

func TestDurable_LookupSeparatesMissingFromFailure(t *testing.T) {
	ctx := context.Background()
	var got record

	found, err := NewDurable("memory", NewMemoryKV()).Lookup(ctx, "missing", &got)
	if found || err != nil {
		t.Fatalf("missing key: found=%v err=%v", found, err)
	}
	if _, err := NewDurable("redis", failingKV{}).Lookup(ctx, "lastMentionId", &got); !errors.Is(err, errBackendDown) {
		t.Fatalf("failing backend: err = %v", err)
	}
	if _, err := Disabled("redis", "").Lookup(ctx, "lastMentionId", &got); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled backend: err = %v", err)
	}

	kv := NewMemoryKV()
	kv.Set(ctx, "lastMentionId", []byte("not an envelope"))
	if found, err := NewDurable("memory", kv).Lookup(ctx, "lastMentionId", &got); found || err == nil {
		t.Fatalf("corrupt record: found=%v err=%v", found, err)
	}
}

func TestDurable_QueryByPrefixSkipsCorrupt(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	d := NewDurable("memory", kv)
	d.Put(ctx, "tweet_1", record{Count: 1})
	d.Put(ctx, "tweet_2", record{Count: 2})
	kv.Set(ctx, "tweet_3", []byte("not an envelope"))
	d.Put(ctx, "metadata", record{})

	got, ok := d.QueryByPrefix(ctx, "tweet_")
	if !ok {
		t.Fatal("query failed")
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if string(got["tweet_2"]) != `{"count":2}` {
		t.Fatalf("tweet_2 = %s", got["tweet_2"])
	}
}

func TestDurable_FailuresReturnFalse(t *testing.T) {
	ctx := context.Background()
	d := NewDurable("broken", failingKV{})
	var got record

	if d.Put(ctx, "k", record{}) {
		t.Fatal("put should fail")
	}
	if d.Get(ctx, "k", &got) {
		t.Fatal("get should fail")
	}
	if d.Delete(ctx, "k") {
		t.Fatal("delete should fail")
	}
	if _, ok := d.QueryByPrefix(ctx, "k"); ok {
		t.Fatal("query should fail")
	}
	if d.TryLock(ctx, "runLock", "me", time.Minute) {
		t.Fatal("lock should fail")
	}
	if d.Ping(ctx) == nil {
		t.Fatal("ping should fail")
	}
}

func TestDurable_Disabled(t *testing.T) {
	ctx := context.Background()
	d := Disabled("dynamodb", "no credentials")
	if d.Enabled() {
		t.Fatal("disabled backend reports enabled")
	}
	if d.Put(ctx, "k", 1) {
		t.Fatal("put on disabled backend should fail")
	}
	if d.Name() != "durable:dynamodb" {
		t.Fatalf("name = %s", d.Name())
	}
	if d.Close() != nil {
		t.Fatal("close on disabled backend should be a no-op")
	}
}

func TestDurable_Lock(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	d := NewDurable("memory", kv)

	if !d.TryLock(ctx, "runLock", "a", time.Minute) {
		t.Fatal("first lock should succeed")
	}
	if d.TryLock(ctx, "runLock", "b", time.Minute) {
		t.Fatal("second lock should fail")
	}
	if d.Unlock(ctx, "runLock", "b") {
		t.Fatal("non-owner unlock should fail")
	}
	if !d.Unlock(ctx, "runLock", "a") {
		t.Fatal("owner unlock should succeed")
	}
	if !d.TryLock(ctx, "runLock", "b", time.Minute) {
		t.Fatal("lock should be free")
	}
}
