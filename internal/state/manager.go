package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/heroquote/internal/domain"
	"github.com/oriys/heroquote/internal/logging"
	"github.com/oriys/heroquote/internal/metrics"
)

const (
	PrimaryDurable = "durable"
	PrimaryFile    = "file"

	defaultRetention = 7 * 24 * time.Hour
)

// Options is fixed at construction.
type Options struct {
	Primary         string // PrimaryDurable or PrimaryFile
	FallbackEnabled bool
	Retention       time.Duration
	// IgnoredErrors are case-insensitive substrings; an error whose message
	// or context values contain one is logged but not persisted.
	IgnoredErrors []string
	Now           func() time.Time
}

// Manager is the single entry point for state reads and writes. Every
// operation tries the primary backend first and then, when fallback is
// enabled, the other one. Callers only see the outcome.
type Manager struct {
	mu      sync.Mutex
	durable Backend
	file    Backend
	chain   []Backend
	opts    Options
	now     func() time.Time

	ignored    atomic.Int64
	currentRun string
}

// New builds a Manager over the given backends. Either may be nil.
func New(durable, file Backend, opts Options) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Primary == "" {
		opts.Primary = PrimaryDurable
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	first, second := durable, file
	if opts.Primary == PrimaryFile {
		first, second = file, durable
	}
	var chain []Backend
	if first != nil {
		chain = append(chain, first)
	}
	if opts.FallbackEnabled && second != nil {
		chain = append(chain, second)
	}

	return &Manager{
		durable: durable,
		file:    file,
		chain:   chain,
		opts:    opts,
		now:     now,
	}
}

// Usable reports whether any backend in the chain is enabled. A Manager
// that is not usable fails every read and write.
func (m *Manager) Usable() bool {
	for _, b := range m.chain {
		if b.Enabled() {
			return true
		}
	}
	return false
}

// attempt runs fn against b, turning a panic into a failure.
func (m *Manager) attempt(b Backend, op string, fn func(Backend) bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("state backend panicked", "backend", b.Name(), "op", op, "panic", r)
			ok = false
		}
	}()
	return fn(b)
}

// each tries fn on every enabled backend in chain order until one succeeds.
// report is called for each backend that did not.
func (m *Manager) each(op string, fn func(Backend) bool, report func(Backend)) bool {
	for i, b := range m.chain {
		if !b.Enabled() {
			continue
		}
		if m.attempt(b, op, fn) {
			if i > 0 {
				metrics.RecordStateFallback(op)
				logging.Op().Debug("state served by fallback backend", "backend", b.Name(), "op", op)
			}
			return true
		}
		report(b)
	}
	return false
}

// read treats a miss as normal: the next backend is asked quietly.
func (m *Manager) read(op string, fn func(Backend) bool) bool {
	return m.each(op, fn, func(Backend) {})
}

func (m *Manager) write(op string, fn func(Backend) bool) bool {
	ok := m.each(op, fn, func(b Backend) {
		metrics.RecordStateBackendFailure(b.Name(), op)
		logging.Op().Warn("state backend write failed", "backend", b.Name(), "op", op)
	})
	if !ok {
		logging.Op().Error("state write failed on every backend", "op", op)
	}
	return ok
}

// LoadState returns a snapshot from the first backend holding data, or
// defaults.
func (m *Manager) LoadState(ctx context.Context) *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st *State
	m.read("load_state", func(b Backend) bool {
		var ok bool
		st, ok = b.Load(ctx)
		return ok
	})
	if st == nil {
		return Default(m.now())
	}
	return st
}

// LoadLastMentionID returns the stored cursor.
func (m *Manager) LoadLastMentionID(ctx context.Context) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id string
	found := m.read("load_cursor", func(b Backend) bool {
		c, err := b.Cursor(ctx)
		if err != nil || c.LastMentionID == "" {
			return false
		}
		id = c.LastMentionID
		return true
	})
	return id, found
}

// SaveLastMentionID advances the cursor to id. An empty id is rejected. An
// id older than the stored one is counted but does not move the cursor.
func (m *Manager) SaveLastMentionID(ctx context.Context, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		logging.Op().Warn("refusing to save empty mention cursor")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	return m.write("save_cursor", func(b Backend) bool {
		c, err := b.Cursor(ctx)
		if err != nil && !errors.Is(err, ErrNoRecord) {
			logging.Op().Warn("cannot read mention cursor, not overwriting it",
				"backend", b.Name(), "error", err)
			return false
		}
		if c.LastMentionID != "" && domain.CompareIDs(id, c.LastMentionID) < 0 {
			logging.Op().Debug("keeping newer mention cursor", "stored", c.LastMentionID, "offered", id)
		}
		advanceCursor(&c, id, now)
		return b.PutCursor(ctx, c)
	})
}

// HasRepliedToTweet reports whether any backend has a reply recorded for id.
func (m *Manager) HasRepliedToTweet(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.read("has_replied", func(b Backend) bool {
		return b.HasReply(ctx, id)
	})
}

// MarkTweetAsReplied records a reply for id. Marking an id twice succeeds
// without counting it twice.
func (m *Manager) MarkTweetAsReplied(ctx context.Context, id string, rec ReplyRecord) bool {
	if id == "" {
		logging.Op().Warn("refusing to mark empty tweet id as replied")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.opts.Retention)
	return m.write("mark_replied", func(b Backend) bool {
		added, ok := b.AddReply(ctx, id, rec, cutoff, now)
		if ok && !added {
			logging.Op().Debug("tweet already marked as replied", "tweet_id", id, "backend", b.Name())
		}
		return ok
	})
}

// RecordError appends err to the persisted error log unless it matches the
// ignore list. Ignored errors are counted in memory and report true.
func (m *Manager) RecordError(ctx context.Context, err error, errCtx map[string]any) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	kind := string(domain.KindOf(err))

	if pattern := m.ignoredBy(msg, errCtx); pattern != "" {
		m.ignored.Add(1)
		metrics.RecordIgnoredError()
		logging.Op().Info("ignored error not persisted", "error", msg, "pattern", pattern, "kind", kind)
		return true
	}
	logging.Op().Warn("recording error", "error", msg, "kind", kind)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := ErrorRecord{
		Timestamp:   m.now().UTC(),
		Message:     msg,
		Kind:        kind,
		ExecutionID: m.currentRun,
		Context:     sanitizeContext(errCtx),
	}
	return m.write("record_error", func(b Backend) bool {
		e, _ := b.Errors(ctx)
		pushError(&e, rec)
		return b.PutErrors(ctx, e)
	})
}

func (m *Manager) ignoredBy(msg string, errCtx map[string]any) string {
	haystack := []string{strings.ToLower(msg)}
	for _, v := range errCtx {
		haystack = append(haystack, strings.ToLower(fmt.Sprint(v)))
	}
	for _, pattern := range m.opts.IgnoredErrors {
		p := strings.ToLower(strings.TrimSpace(pattern))
		if p == "" {
			continue
		}
		for _, h := range haystack {
			if strings.Contains(h, p) {
				return pattern
			}
		}
	}
	return ""
}

// sanitizeContext keeps JSON-friendly values and stringifies the rest.
func sanitizeContext(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil, string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			out[k] = val
		case error:
			out[k] = val.Error()
		case time.Time:
			out[k] = val.UTC().Format(time.RFC3339Nano)
		case time.Duration:
			out[k] = val.String()
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// IgnoredErrors returns how many errors matched the ignore list since start.
func (m *Manager) IgnoredErrors() int64 { return m.ignored.Load() }

// StartExecution records the start of a batch and returns its run id. The
// id is returned even if nothing could be persisted.
func (m *Manager) StartExecution(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	id := newExecutionID(now)
	m.write("start_execution", func(b Backend) bool {
		em, _ := b.Execution(ctx)
		beginRun(&em, id, now)
		return b.PutExecution(ctx, em)
	})
	m.currentRun = id
	return id
}

// EndExecution folds the finished batch into the execution metrics.
func (m *Manager) EndExecution(ctx context.Context, success bool, stats RunStats) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	ok := m.write("end_execution", func(b Backend) bool {
		em, _ := b.Execution(ctx)
		finishRun(&em, success, stats, now)
		return b.PutExecution(ctx, em)
	})
	m.currentRun = ""
	return ok
}

// CurrentExecutionID is the id of the batch in progress in this process.
func (m *Manager) CurrentExecutionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRun
}

// ResetState backs up the file document and then writes defaults to every
// enabled backend.
func (m *Manager) ResetState(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil && m.file.Enabled() {
		m.attempt(m.file, "backup", func(b Backend) bool { return b.Backup(ctx) })
	}

	fresh := Default(m.now())
	ok, wrote := true, false
	for _, b := range []Backend{m.durable, m.file} {
		if b == nil || !b.Enabled() {
			continue
		}
		wrote = true
		if !m.attempt(b, "reset", func(b Backend) bool { return b.Replace(ctx, fresh) }) {
			logging.Op().Error("state reset failed", "backend", b.Name())
			ok = false
		}
	}
	if ok && wrote {
		logging.Op().Info("state reset to defaults")
	}
	return ok && wrote
}

// Sync copies the file document into the durable backend.
func (m *Manager) Sync(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil || !m.file.Enabled() || m.durable == nil || !m.durable.Enabled() {
		logging.Op().Warn("state sync needs both backends enabled")
		return false
	}
	var st *State
	if !m.attempt(m.file, "sync_load", func(b Backend) bool {
		var ok bool
		st, ok = b.Load(ctx)
		return ok
	}) {
		logging.Op().Warn("no file state to sync")
		return false
	}
	if !m.attempt(m.durable, "sync_replace", func(b Backend) bool { return b.Replace(ctx, st) }) {
		logging.Op().Error("state sync to durable backend failed")
		return false
	}
	logging.Op().Info("state synced to durable backend",
		"replies", len(st.Replies.History), "cursor", st.Twitter.LastMentionID)
	return true
}

// lockBackend is the first enabled backend in chain order. Locks do not
// fall back: a held lock must not be bypassed by asking the other backend.
func (m *Manager) lockBackend() Backend {
	for _, b := range m.chain {
		if b.Enabled() {
			return b
		}
	}
	return nil
}

// AcquireRunLock takes the advisory cross-process run lock for owner.
func (m *Manager) AcquireRunLock(ctx context.Context, owner string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.lockBackend()
	if b == nil {
		return false
	}
	return m.attempt(b, "lock", func(b Backend) bool { return b.TryLock(ctx, owner, ttl) })
}

// ReleaseRunLock releases a lock taken by AcquireRunLock.
func (m *Manager) ReleaseRunLock(ctx context.Context, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.lockBackend()
	if b == nil {
		return false
	}
	return m.attempt(b, "unlock", func(b Backend) bool { return b.Unlock(ctx, owner) })
}
