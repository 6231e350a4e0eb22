package state

import (
	"context"
	"time"
)

// Statistics is a read-only view of the state for operators.
type Statistics struct {
	SchemaVersion   int        `json:"schemaVersion"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
	LastMentionID   string     `json:"lastMentionId,omitempty"`
	ProcessedCount  int64      `json:"processedCount"`
	LastProcessedAt *time.Time `json:"lastProcessedAt,omitempty"`

	TotalReplies   int64            `json:"totalReplies"`
	TrackedReplies int              `json:"trackedReplies"`
	RepliesByHero  map[string]int64 `json:"repliesByHero,omitempty"`

	ErrorCount   int64         `json:"errorCount"`
	LastError    *ErrorRecord  `json:"lastError,omitempty"`
	RecentErrors []ErrorRecord `json:"recentErrors,omitempty"`

	TotalRuns          int64      `json:"totalRuns"`
	LastRunTime        *time.Time `json:"lastRunTime,omitempty"`
	LastRunDuration    int64      `json:"lastRunDuration"`
	AvgRunDuration     float64    `json:"avgRunDuration"`
	SuccessRate        float64    `json:"successRate"`
	CurrentExecutionID string     `json:"currentExecutionId,omitempty"`
	LastRunStats       *RunStats  `json:"lastRunStats,omitempty"`

	IgnoredErrors int64         `json:"ignoredErrors"`
	Backends      BackendStatus `json:"backends"`
}

type BackendStatus struct {
	Primary         string `json:"primary"`
	DurableEnabled  bool   `json:"durableEnabled"`
	FileEnabled     bool   `json:"fileEnabled"`
	FallbackEnabled bool   `json:"fallbackEnabled"`
}

func statisticsFrom(st *State) Statistics {
	if st == nil {
		return Statistics{}
	}
	s := Statistics{
		SchemaVersion:      st.Metadata.SchemaVersion,
		LastMentionID:      st.Twitter.LastMentionID,
		ProcessedCount:     st.Twitter.ProcessedCount,
		LastProcessedAt:    cloneTime(st.Twitter.LastProcessedAt),
		TotalReplies:       st.Replies.Count,
		TrackedReplies:     len(st.Replies.History),
		ErrorCount:         st.Errors.Count,
		RecentErrors:       append([]ErrorRecord(nil), st.Errors.History...),
		TotalRuns:          st.ExecutionMetrics.TotalRuns,
		LastRunTime:        cloneTime(st.ExecutionMetrics.LastRunTime),
		LastRunDuration:    st.ExecutionMetrics.LastRunDuration,
		AvgRunDuration:     st.ExecutionMetrics.AvgRunDuration,
		SuccessRate:        st.ExecutionMetrics.SuccessRate,
		CurrentExecutionID: st.ExecutionMetrics.CurrentExecutionID,
	}
	if !st.Metadata.CreatedAt.IsZero() {
		t := st.Metadata.CreatedAt
		s.CreatedAt = &t
	}
	if !st.Metadata.UpdatedAt.IsZero() {
		t := st.Metadata.UpdatedAt
		s.UpdatedAt = &t
	}
	if len(st.Replies.ByHero) > 0 {
		s.RepliesByHero = make(map[string]int64, len(st.Replies.ByHero))
		for k, v := range st.Replies.ByHero {
			s.RepliesByHero[k] = v
		}
	}
	if st.Errors.Last != nil {
		last := *st.Errors.Last
		s.LastError = &last
	}
	if st.ExecutionMetrics.LastRunStats != nil {
		stats := *st.ExecutionMetrics.LastRunStats
		s.LastRunStats = &stats
	}
	return s
}

// fillGaps copies fields from o that are empty in s. Non-empty values in s
// are never replaced.
func (s *Statistics) fillGaps(o Statistics) {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = o.SchemaVersion
	}
	if s.CreatedAt == nil {
		s.CreatedAt = o.CreatedAt
	}
	if s.UpdatedAt == nil {
		s.UpdatedAt = o.UpdatedAt
	}
	if s.LastMentionID == "" {
		s.LastMentionID = o.LastMentionID
	}
	if s.ProcessedCount == 0 {
		s.ProcessedCount = o.ProcessedCount
	}
	if s.LastProcessedAt == nil {
		s.LastProcessedAt = o.LastProcessedAt
	}
	if s.TotalReplies == 0 {
		s.TotalReplies = o.TotalReplies
	}
	if s.TrackedReplies == 0 {
		s.TrackedReplies = o.TrackedReplies
	}
	if len(s.RepliesByHero) == 0 {
		s.RepliesByHero = o.RepliesByHero
	}
	if s.ErrorCount == 0 {
		s.ErrorCount = o.ErrorCount
	}
	if s.LastError == nil {
		s.LastError = o.LastError
	}
	if len(s.RecentErrors) == 0 {
		s.RecentErrors = o.RecentErrors
	}
	if s.TotalRuns == 0 {
		s.TotalRuns = o.TotalRuns
	}
	if s.LastRunTime == nil {
		s.LastRunTime = o.LastRunTime
	}
	if s.LastRunDuration == 0 {
		s.LastRunDuration = o.LastRunDuration
	}
	if s.AvgRunDuration == 0 {
		s.AvgRunDuration = o.AvgRunDuration
	}
	if s.SuccessRate == 0 {
		s.SuccessRate = o.SuccessRate
	}
	if s.CurrentExecutionID == "" {
		s.CurrentExecutionID = o.CurrentExecutionID
	}
	if s.LastRunStats == nil {
		s.LastRunStats = o.LastRunStats
	}
}

// GetStatistics merges the primary snapshot with gaps filled from the
// fallback backend.
func (m *Manager) GetStatistics(ctx context.Context) Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Statistics
	for i, b := range m.chain {
		if !b.Enabled() {
			continue
		}
		var st *State
		m.attempt(b, "statistics", func(b Backend) bool {
			var ok bool
			st, ok = b.Load(ctx)
			return ok
		})
		if st == nil {
			continue
		}
		if i == 0 {
			stats = statisticsFrom(st)
		} else {
			stats.fillGaps(statisticsFrom(st))
		}
	}

	stats.IgnoredErrors = m.ignored.Load()
	stats.Backends = BackendStatus{
		Primary:         m.opts.Primary,
		DurableEnabled:  m.durable != nil && m.durable.Enabled(),
		FileEnabled:     m.file != nil && m.file.Enabled(),
		FallbackEnabled: m.opts.FallbackEnabled,
	}
	return stats
}
