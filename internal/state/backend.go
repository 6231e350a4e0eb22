package state

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/oriys/heroquote/internal/logging"
)

// ErrNoRecord is returned by Backend.Cursor when nothing is stored yet.
var ErrNoRecord = errors.New("state: no record")

// Backend is one storage layout behind the Manager. Methods report false
// when the backend is unavailable or holds no data; they never panic on
// purpose, but the Manager recovers if one does.
type Backend interface {
	Name() string
	Enabled() bool

	Load(ctx context.Context) (*State, bool)

	// Cursor returns ErrNoRecord when no cursor is stored and another error
	// when the read itself failed.
	Cursor(ctx context.Context) (Cursor, error)
	PutCursor(ctx context.Context, c Cursor) bool

	HasReply(ctx context.Context, id string) bool
	// AddReply stores rec under id, bumps counters and prunes entries older
	// than cutoff. added is false when id was already present.
	AddReply(ctx context.Context, id string, rec ReplyRecord, cutoff, now time.Time) (added, ok bool)

	Errors(ctx context.Context) (Errors, bool)
	PutErrors(ctx context.Context, e Errors) bool

	Execution(ctx context.Context) (ExecutionMetrics, bool)
	PutExecution(ctx context.Context, m ExecutionMetrics) bool

	// Replace overwrites everything with st.
	Replace(ctx context.Context, st *State) bool
	// Backup snapshots the current state where the layout supports it.
	Backup(ctx context.Context) bool

	TryLock(ctx context.Context, owner string, ttl time.Duration) bool
	Unlock(ctx context.Context, owner string) bool
}

// schemaGuard logs a schema version mismatch once per backend.
type schemaGuard struct {
	warned atomic.Bool
}

func (g *schemaGuard) check(backend string, version int) {
	if version == SchemaVersion || version == 0 {
		return
	}
	if g.warned.CompareAndSwap(false, true) {
		logging.Op().Warn("state schema version mismatch, upgrading on next write",
			"backend", backend, "found", version, "expected", SchemaVersion)
	}
}
