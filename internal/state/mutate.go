package state

import (
	"strings"
	"time"

	"github.com/oriys/heroquote/internal/domain"
)

// advanceCursor records a processed mention. An id older than the stored one
// still counts as processed but leaves LastMentionID in place.
func advanceCursor(c *Cursor, id string, now time.Time) {
	if c.LastMentionID == "" || domain.CompareIDs(id, c.LastMentionID) > 0 {
		c.LastMentionID = id
	}
	c.ProcessedCount++
	t := now.UTC()
	c.LastProcessedAt = &t
}

// addReply inserts rec under id and bumps the counters. It reports false and
// changes nothing when id is already present.
func addReply(r *Replies, id string, rec ReplyRecord, now time.Time) bool {
	if r.History == nil {
		r.History = make(map[string]ReplyRecord)
	}
	if r.ByHero == nil {
		r.ByHero = make(map[string]int64)
	}
	if _, ok := r.History[id]; ok {
		return false
	}
	if rec.RepliedAt.IsZero() {
		rec.RepliedAt = now.UTC()
	}
	r.History[id] = rec
	r.Count++
	if hero := heroKey(rec.HeroName); hero != "" {
		r.ByHero[hero]++
	}
	return true
}

func heroKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// pruneHistory drops entries replied before cutoff and returns their ids.
// Count and ByHero are left alone.
func pruneHistory(history map[string]ReplyRecord, cutoff time.Time) []string {
	var removed []string
	for id, rec := range history {
		if rec.RepliedAt.Before(cutoff) {
			delete(history, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// pushError prepends rec to the ring buffer.
func pushError(e *Errors, rec ErrorRecord) {
	e.Count++
	last := rec
	e.Last = &last
	e.History = append([]ErrorRecord{rec}, e.History...)
	if len(e.History) > maxErrorHistory {
		e.History = e.History[:maxErrorHistory]
	}
}
