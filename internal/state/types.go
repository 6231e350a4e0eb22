// Package state owns the persisted bot state document and the façade that
// reads and writes it through a primary and a fallback backend.
package state

import (
	"os"
	"runtime"
	"time"
)

// SchemaVersion is the document version this code writes.
const SchemaVersion = 2

// maxErrorHistory bounds Errors.History.
const maxErrorHistory = 20

// State is the whole persisted document.
type State struct {
	Metadata         Metadata         `json:"metadata"`
	Twitter          Cursor           `json:"twitter"`
	Replies          Replies          `json:"replies"`
	Errors           Errors           `json:"errors"`
	ExecutionMetrics ExecutionMetrics `json:"executionMetrics"`
}

type Metadata struct {
	SchemaVersion int       `json:"schemaVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	HostInfo      HostInfo  `json:"hostInfo"`
}

type HostInfo struct {
	Hostname string `json:"hostname"`
	PID      int    `json:"pid"`
	Runtime  string `json:"runtime"`
}

// Cursor is the mention cursor. LastMentionID only moves forward in
// platform id order.
type Cursor struct {
	LastMentionID   string     `json:"lastMentionId,omitempty"`
	ProcessedCount  int64      `json:"processedCount"`
	LastProcessedAt *time.Time `json:"lastProcessedAt,omitempty"`
}

// Replies is the dedup history. ByHero is keyed by lowercased hero name and
// is not reduced when history entries are pruned.
type Replies struct {
	Count   int64                  `json:"count"`
	History map[string]ReplyRecord `json:"history"`
	ByHero  map[string]int64       `json:"byHero"`
}

type ReplyRecord struct {
	RepliedAt        time.Time `json:"repliedAt"`
	HeroName         string    `json:"heroName,omitempty"`
	AuthorUsername   string    `json:"authorUsername,omitempty"`
	ReplyTextPreview string    `json:"replyTextPreview,omitempty"`
}

// Errors holds the persisted error log; History is newest first.
type Errors struct {
	Count   int64         `json:"count"`
	Last    *ErrorRecord  `json:"last,omitempty"`
	History []ErrorRecord `json:"history"`
}

type ErrorRecord struct {
	Timestamp   time.Time      `json:"timestamp"`
	Message     string         `json:"message"`
	Kind        string         `json:"kind,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// ExecutionMetrics tracks batch runs. Durations are milliseconds and
// SuccessRate is a percentage in [0,100].
type ExecutionMetrics struct {
	TotalRuns          int64      `json:"totalRuns"`
	LastRunStart       *time.Time `json:"lastRunStart,omitempty"`
	LastRunTime        *time.Time `json:"lastRunTime,omitempty"`
	LastRunDuration    int64      `json:"lastRunDuration"`
	AvgRunDuration     float64    `json:"avgRunDuration"`
	SuccessRate        float64    `json:"successRate"`
	CurrentExecutionID string     `json:"currentExecutionId"`
	LastRunStats       *RunStats  `json:"lastRunStats,omitempty"`
}

// RunStats are the counters of one batch.
type RunStats struct {
	MentionsFound    int    `json:"mentionsFound"`
	MentionsIterated int    `json:"mentionsIterated"`
	RepliesSent      int    `json:"repliesSent"`
	Errors           int    `json:"errors"`
	Retries          int    `json:"retries"`
	IgnoredErrors    int    `json:"ignoredErrors"`
	Skipped          int    `json:"skipped"`
	Aborted          bool   `json:"aborted,omitempty"`
	AbortReason      string `json:"abortReason,omitempty"`
}

// Default returns a fresh document stamped with now.
func Default(now time.Time) *State {
	now = now.UTC()
	host, _ := os.Hostname()
	return &State{
		Metadata: Metadata{
			SchemaVersion: SchemaVersion,
			CreatedAt:     now,
			UpdatedAt:     now,
			HostInfo: HostInfo{
				Hostname: host,
				PID:      os.Getpid(),
				Runtime:  runtime.Version(),
			},
		},
		Replies: Replies{
			History: make(map[string]ReplyRecord),
			ByHero:  make(map[string]int64),
		},
		Errors: Errors{History: []ErrorRecord{}},
	}
}

// normalize fills nil collections left by older or hand-edited documents.
func (s *State) normalize() {
	if s.Replies.History == nil {
		s.Replies.History = make(map[string]ReplyRecord)
	}
	if s.Replies.ByHero == nil {
		s.Replies.ByHero = make(map[string]int64)
	}
	if s.Errors.History == nil {
		s.Errors.History = []ErrorRecord{}
	}
}

// Clone returns a deep copy, safe to hand to callers.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Twitter.LastProcessedAt = cloneTime(s.Twitter.LastProcessedAt)
	out.Replies.History = make(map[string]ReplyRecord, len(s.Replies.History))
	for k, v := range s.Replies.History {
		out.Replies.History[k] = v
	}
	out.Replies.ByHero = make(map[string]int64, len(s.Replies.ByHero))
	for k, v := range s.Replies.ByHero {
		out.Replies.ByHero[k] = v
	}
	out.Errors.History = append([]ErrorRecord{}, s.Errors.History...)
	if s.Errors.Last != nil {
		last := *s.Errors.Last
		out.Errors.Last = &last
	}
	out.ExecutionMetrics.LastRunStart = cloneTime(s.ExecutionMetrics.LastRunStart)
	out.ExecutionMetrics.LastRunTime = cloneTime(s.ExecutionMetrics.LastRunTime)
	if s.ExecutionMetrics.LastRunStats != nil {
		stats := *s.ExecutionMetrics.LastRunStats
		out.ExecutionMetrics.LastRunStats = &stats
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
