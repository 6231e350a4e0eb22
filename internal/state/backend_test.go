package state

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPartitioned_RecordLayout(t *testing.T) {
	ctx := context.Background()
	b, kv := newMemoryBackend()

	if _, ok := b.Load(ctx); ok {
		t.Fatal("empty durable store should report no data")
	}
	b.PutCursor(ctx, Cursor{LastMentionID: "55"})
	added, ok := b.AddReply(ctx, "55", ReplyRecord{HeroName: "Zed"}, time.Time{}, time.Now())
	if !added || !ok {
		t.Fatalf("add = %v, %v", added, ok)
	}

	for _, key := range []string{keyMetadata, keyCursor, keyReplyCount, keyHeroStats, tweetPrefix + "55"} {
		if _, err := kv.Get(ctx, key); err != nil {
			t.Fatalf("missing record %q: %v", key, err)
		}
	}

	st, ok := b.Load(ctx)
	if !ok {
		t.Fatal("load failed")
	}
	if st.Twitter.LastMentionID != "55" || st.Replies.Count != 1 || st.Replies.ByHero["zed"] != 1 {
		t.Fatalf("state = %+v", st)
	}
	if st.Metadata.SchemaVersion != SchemaVersion {
		t.Fatalf("schema = %d", st.Metadata.SchemaVersion)
	}
}

func TestPartitioned_ReplaceRemovesStaleTweets(t *testing.T) {
	ctx := context.Background()
	b, kv := newMemoryBackend()
	b.AddReply(ctx, "1", ReplyRecord{}, time.Time{}, time.Now())
	b.AddReply(ctx, "2", ReplyRecord{}, time.Time{}, time.Now())

	st := Default(time.Now())
	st.Replies.History["3"] = ReplyRecord{RepliedAt: time.Now()}
	if !b.Replace(ctx, st) {
		t.Fatal("replace failed")
	}
	items, _ := kv.Scan(ctx, tweetPrefix)
	if len(items) != 1 {
		t.Fatalf("tweet records = %d, want 1", len(items))
	}
	if _, ok := items[tweetPrefix+"3"]; !ok {
		t.Fatal("replacement tweet missing")
	}
}

func TestDocument_RecoversFromBackup(t *testing.T) {
	ctx := context.Background()
	b, fs := newFileBackend(t)
	b.PutCursor(ctx, Cursor{LastMentionID: "88"})
	if !b.Backup(ctx) {
		t.Fatal("backup failed")
	}
	if err := os.WriteFile(fs.Path(documentKey), []byte(`{"metadata": {`), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := b.Cursor(ctx)
	if err != nil || c.LastMentionID != "88" {
		t.Fatalf("cursor = %+v, %v", c, err)
	}
}

func TestDocument_CorruptWithoutBackupUsesDefaults(t *testing.T) {
	ctx := context.Background()
	b, fs := newFileBackend(t)
	if err := os.WriteFile(fs.Path(documentKey), []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.Load(ctx); ok {
		t.Fatal("document without metadata should not load")
	}
	if !b.PutCursor(ctx, Cursor{LastMentionID: "1"}) {
		t.Fatal("write over corrupt document failed")
	}
	st, ok := b.Load(ctx)
	if !ok || st.Metadata.SchemaVersion != SchemaVersion || st.Twitter.LastMentionID != "1" {
		t.Fatalf("state = %+v, %v", st, ok)
	}
}

func TestDocument_SchemaMismatchUpgradedOnWrite(t *testing.T) {
	ctx := context.Background()
	b, fs := newFileBackend(t)
	old := `{"metadata": {"schemaVersion": 1, "createdAt": "2025-01-01T00:00:00Z"}, "twitter": {"lastMentionId": "5"}}`
	if err := os.WriteFile(fs.Path(documentKey), []byte(old), 0644); err != nil {
		t.Fatal(err)
	}
	st, ok := b.Load(ctx)
	if !ok || st.Twitter.LastMentionID != "5" || st.Replies.History == nil {
		t.Fatalf("state = %+v, %v", st, ok)
	}
	b.PutCursor(ctx, Cursor{LastMentionID: "6"})
	st, _ = b.Load(ctx)
	if st.Metadata.SchemaVersion != SchemaVersion {
		t.Fatalf("schema = %d", st.Metadata.SchemaVersion)
	}
}

func TestStateClone_Independent(t *testing.T) {
	st := Default(time.Now())
	st.Replies.History["1"] = ReplyRecord{HeroName: "a"}
	cp := st.Clone()
	cp.Replies.History["2"] = ReplyRecord{}
	cp.Replies.ByHero["a"] = 9
	if len(st.Replies.History) != 1 || st.Replies.ByHero["a"] != 0 {
		t.Fatal("clone shares maps with the original")
	}
}
