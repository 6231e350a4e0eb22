package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/heroquote/internal/store"
)

// fakeClock is a settable time source.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFileBackend(t *testing.T) (Backend, *store.FileStore) {
	t.Helper()
	fs := store.NewFileStore(store.FileConfig{
		SingleFile: filepath.Join(t.TempDir(), "state.json"),
		BackupKeep: 10,
	})
	return NewFileBackend(fs), fs
}

func newMemoryBackend() (Backend, *store.MemoryKV) {
	kv := store.NewMemoryKV()
	return NewDurableBackend(store.NewDurable("memory", kv)), kv
}

var errBroken = errors.New("backend broken")

// brokenBackend fails every call, or panics when panics is set.
type brokenBackend struct {
	panics bool
	calls  int
}

func (b *brokenBackend) fail() bool {
	b.calls++
	if b.panics {
		panic("backend exploded")
	}
	return false
}

func (b *brokenBackend) Name() string  { return "broken" }
func (b *brokenBackend) Enabled() bool { return true }
func (b *brokenBackend) Load(context.Context) (*State, bool) {
	return nil, b.fail()
}
func (b *brokenBackend) Cursor(context.Context) (Cursor, error) {
	b.fail()
	return Cursor{}, errBroken
}
func (b *brokenBackend) PutCursor(context.Context, Cursor) bool { return b.fail() }
func (b *brokenBackend) HasReply(context.Context, string) bool  { return b.fail() }
func (b *brokenBackend) AddReply(context.Context, string, ReplyRecord, time.Time, time.Time) (bool, bool) {
	return false, b.fail()
}
func (b *brokenBackend) Errors(context.Context) (Errors, bool) {
	return Errors{}, b.fail()
}
func (b *brokenBackend) PutErrors(context.Context, Errors) bool { return b.fail() }
func (b *brokenBackend) Execution(context.Context) (ExecutionMetrics, bool) {
	return ExecutionMetrics{}, b.fail()
}
func (b *brokenBackend) PutExecution(context.Context, ExecutionMetrics) bool { return b.fail() }
func (b *brokenBackend) Replace(context.Context, *State) bool                { return b.fail() }
func (b *brokenBackend) Backup(context.Context) bool                         { return b.fail() }
func (b *brokenBackend) TryLock(context.Context, string, time.Duration) bool { return b.fail() }
func (b *brokenBackend) Unlock(context.Context, string) bool                 { return b.fail() }
