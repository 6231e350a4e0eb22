package state

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/oriys/heroquote/internal/logging"
	"github.com/oriys/heroquote/internal/store"
)

// Record keys of the partitioned layout.
const (
	keyMetadata   = "metadata"
	keyCursor     = "lastMentionId"
	keyExecution  = "executionMetrics"
	keyErrors     = "errors"
	keyHeroStats  = "heroStats"
	keyReplyCount = "replyCount"
	keyRunLock    = "runLock"
	tweetPrefix   = "tweet_"
)

// partitioned splits the document into named records on the durable
// backend, one record per replied tweet.
type partitioned struct {
	d      *store.Durable
	schema schemaGuard
}

// NewDurableBackend adapts a durable KV store to the partitioned layout.
func NewDurableBackend(d *store.Durable) Backend {
	return &partitioned{d: d}
}

func (p *partitioned) Name() string {
	if p.d == nil {
		return "durable"
	}
	return p.d.Name()
}

func (p *partitioned) Enabled() bool { return p.d != nil && p.d.Enabled() }

func (p *partitioned) Load(ctx context.Context) (*State, bool) {
	st := Default(time.Now())
	found := false

	var meta Metadata
	if p.d.Get(ctx, keyMetadata, &meta) {
		p.schema.check(p.Name(), meta.SchemaVersion)
		st.Metadata = meta
		found = true
	}
	if p.d.Get(ctx, keyCursor, &st.Twitter) {
		found = true
	}
	if p.d.Get(ctx, keyErrors, &st.Errors) {
		found = true
	}
	if p.d.Get(ctx, keyExecution, &st.ExecutionMetrics) {
		found = true
	}
	if p.d.Get(ctx, keyHeroStats, &st.Replies.ByHero) {
		found = true
	}
	if p.d.Get(ctx, keyReplyCount, &st.Replies.Count) {
		found = true
	}

	tweets, ok := p.d.QueryByPrefix(ctx, tweetPrefix)
	if !ok {
		return nil, false
	}
	for key, raw := range tweets {
		var rec ReplyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			logging.Op().Warn("skipping unreadable reply record", "key", key, "error", err)
			continue
		}
		st.Replies.History[strings.TrimPrefix(key, tweetPrefix)] = rec
		found = true
	}
	if !found {
		return nil, false
	}
	st.normalize()
	return st, true
}

func (p *partitioned) Cursor(ctx context.Context) (Cursor, error) {
	var c Cursor
	found, err := p.d.Lookup(ctx, keyCursor, &c)
	if err != nil {
		return Cursor{}, err
	}
	if !found {
		return Cursor{}, ErrNoRecord
	}
	return c, nil
}

func (p *partitioned) PutCursor(ctx context.Context, c Cursor) bool {
	if !p.d.Put(ctx, keyCursor, c) {
		return false
	}
	p.touch(ctx)
	return true
}

func (p *partitioned) HasReply(ctx context.Context, id string) bool {
	var rec ReplyRecord
	return p.d.Get(ctx, tweetPrefix+id, &rec)
}

func (p *partitioned) AddReply(ctx context.Context, id string, rec ReplyRecord, cutoff, now time.Time) (bool, bool) {
	var existing ReplyRecord
	if p.d.Get(ctx, tweetPrefix+id, &existing) {
		return false, true
	}
	if rec.RepliedAt.IsZero() {
		rec.RepliedAt = now.UTC()
	}
	if !p.d.Put(ctx, tweetPrefix+id, rec) {
		return false, false
	}

	var count int64
	p.d.Get(ctx, keyReplyCount, &count)
	if !p.d.Put(ctx, keyReplyCount, count+1) {
		return false, false
	}

	if hero := heroKey(rec.HeroName); hero != "" {
		stats := make(map[string]int64)
		p.d.Get(ctx, keyHeroStats, &stats)
		if stats == nil {
			stats = make(map[string]int64)
		}
		stats[hero]++
		if !p.d.Put(ctx, keyHeroStats, stats) {
			return false, false
		}
	}

	p.prune(ctx, cutoff)
	p.touch(ctx)
	return true, true
}

// prune deletes tweet records replied before cutoff. Failures only leave
// stale records behind, so they are logged and ignored.
func (p *partitioned) prune(ctx context.Context, cutoff time.Time) {
	items, ok := p.d.QueryByPrefix(ctx, tweetPrefix)
	if !ok {
		return
	}
	removed := 0
	for key, raw := range items {
		var rec ReplyRecord
		if err := json.Unmarshal(raw, &rec); err != nil || !rec.RepliedAt.Before(cutoff) {
			continue
		}
		if p.d.Delete(ctx, key) {
			removed++
		}
	}
	if removed > 0 {
		logging.Op().Debug("pruned reply history", "backend", p.Name(), "removed", removed)
	}
}

func (p *partitioned) Errors(ctx context.Context) (Errors, bool) {
	var e Errors
	ok := p.d.Get(ctx, keyErrors, &e)
	return e, ok
}

func (p *partitioned) PutErrors(ctx context.Context, e Errors) bool {
	if !p.d.Put(ctx, keyErrors, e) {
		return false
	}
	p.touch(ctx)
	return true
}

func (p *partitioned) Execution(ctx context.Context) (ExecutionMetrics, bool) {
	var m ExecutionMetrics
	ok := p.d.Get(ctx, keyExecution, &m)
	return m, ok
}

func (p *partitioned) PutExecution(ctx context.Context, m ExecutionMetrics) bool {
	if !p.d.Put(ctx, keyExecution, m) {
		return false
	}
	p.touch(ctx)
	return true
}

func (p *partitioned) Replace(ctx context.Context, st *State) bool {
	meta := st.Metadata
	meta.SchemaVersion = SchemaVersion
	meta.UpdatedAt = time.Now().UTC()

	ok := p.d.Put(ctx, keyMetadata, meta) &&
		p.d.Put(ctx, keyCursor, st.Twitter) &&
		p.d.Put(ctx, keyErrors, st.Errors) &&
		p.d.Put(ctx, keyExecution, st.ExecutionMetrics) &&
		p.d.Put(ctx, keyHeroStats, st.Replies.ByHero) &&
		p.d.Put(ctx, keyReplyCount, st.Replies.Count)
	if !ok {
		return false
	}

	existing, ok := p.d.QueryByPrefix(ctx, tweetPrefix)
	if !ok {
		return false
	}
	for key := range existing {
		if _, keep := st.Replies.History[strings.TrimPrefix(key, tweetPrefix)]; !keep {
			if !p.d.Delete(ctx, key) {
				return false
			}
		}
	}
	for id, rec := range st.Replies.History {
		if !p.d.Put(ctx, tweetPrefix+id, rec) {
			return false
		}
	}
	return true
}

// Backup is a no-op: the durable layout has no snapshot mechanism.
func (p *partitioned) Backup(context.Context) bool { return false }

func (p *partitioned) TryLock(ctx context.Context, owner string, ttl time.Duration) bool {
	return p.d.TryLock(ctx, keyRunLock, owner, ttl)
}

func (p *partitioned) Unlock(ctx context.Context, owner string) bool {
	return p.d.Unlock(ctx, keyRunLock, owner)
}

// touch rewrites the metadata record with the current schema version.
func (p *partitioned) touch(ctx context.Context) {
	var meta Metadata
	if p.d.Get(ctx, keyMetadata, &meta) {
		p.schema.check(p.Name(), meta.SchemaVersion)
	} else {
		meta = Default(time.Now()).Metadata
	}
	meta.SchemaVersion = SchemaVersion
	meta.UpdatedAt = time.Now().UTC()
	p.d.Put(ctx, keyMetadata, meta)
}
