package state

import (
	"context"
	"time"

	"github.com/oriys/heroquote/internal/logging"
	"github.com/oriys/heroquote/internal/store"
)

const documentKey = "state"

// document keeps the whole state as one JSON file.
type document struct {
	fs     *store.FileStore
	schema schemaGuard
}

// NewFileBackend adapts a file store to the composite document layout. The
// store should be in single-file mode.
func NewFileBackend(fs *store.FileStore) Backend {
	return &document{fs: fs}
}

func (d *document) Name() string  { return "file" }
func (d *document) Enabled() bool { return d.fs != nil }

// read returns the stored document, recovering from the newest backup when
// the file is present but unreadable.
func (d *document) read(ctx context.Context) (*State, bool) {
	var st State
	if d.fs.Get(ctx, documentKey, &st) && !missingMetadata(&st) {
		d.schema.check(d.Name(), st.Metadata.SchemaVersion)
		st.normalize()
		return &st, true
	}
	if !d.fs.Exists(documentKey) {
		return nil, false
	}

	var recovered State
	path, ok := d.fs.LatestBackup(documentKey, &recovered)
	if !ok || missingMetadata(&recovered) {
		logging.Op().Error("state file is corrupt and no usable backup exists, using defaults",
			"path", d.fs.Path(documentKey))
		return nil, false
	}
	logging.Op().Warn("state file is corrupt, recovered from backup",
		"path", d.fs.Path(documentKey), "backup", path)
	d.schema.check(d.Name(), recovered.Metadata.SchemaVersion)
	recovered.normalize()
	return &recovered, true
}

func missingMetadata(st *State) bool {
	return st.Metadata.SchemaVersion == 0 && st.Metadata.CreatedAt.IsZero()
}

func (d *document) loadOrDefault(ctx context.Context) *State {
	if st, ok := d.read(ctx); ok {
		return st
	}
	return Default(time.Now())
}

func (d *document) save(ctx context.Context, st *State) bool {
	st.Metadata.SchemaVersion = SchemaVersion
	st.Metadata.UpdatedAt = time.Now().UTC()
	return d.fs.Put(ctx, documentKey, st)
}

func (d *document) Load(ctx context.Context) (*State, bool) {
	return d.read(ctx)
}

// Cursor treats an unrecoverable document like a missing one: writes
// already replace it with defaults.
func (d *document) Cursor(ctx context.Context) (Cursor, error) {
	st, ok := d.read(ctx)
	if !ok {
		return Cursor{}, ErrNoRecord
	}
	return st.Twitter, nil
}

func (d *document) PutCursor(ctx context.Context, c Cursor) bool {
	st := d.loadOrDefault(ctx)
	st.Twitter = c
	return d.save(ctx, st)
}

func (d *document) HasReply(ctx context.Context, id string) bool {
	st, ok := d.read(ctx)
	if !ok {
		return false
	}
	_, found := st.Replies.History[id]
	return found
}

func (d *document) AddReply(ctx context.Context, id string, rec ReplyRecord, cutoff, now time.Time) (bool, bool) {
	st := d.loadOrDefault(ctx)
	if !addReply(&st.Replies, id, rec, now) {
		return false, true
	}
	if removed := pruneHistory(st.Replies.History, cutoff); len(removed) > 0 {
		logging.Op().Debug("pruned reply history", "backend", d.Name(), "removed", len(removed))
	}
	return true, d.save(ctx, st)
}

func (d *document) Errors(ctx context.Context) (Errors, bool) {
	st, ok := d.read(ctx)
	if !ok {
		return Errors{}, false
	}
	return st.Errors, true
}

func (d *document) PutErrors(ctx context.Context, e Errors) bool {
	st := d.loadOrDefault(ctx)
	st.Errors = e
	return d.save(ctx, st)
}

func (d *document) Execution(ctx context.Context) (ExecutionMetrics, bool) {
	st, ok := d.read(ctx)
	if !ok {
		return ExecutionMetrics{}, false
	}
	return st.ExecutionMetrics, true
}

func (d *document) PutExecution(ctx context.Context, m ExecutionMetrics) bool {
	st := d.loadOrDefault(ctx)
	st.ExecutionMetrics = m
	return d.save(ctx, st)
}

func (d *document) Replace(ctx context.Context, st *State) bool {
	return d.save(ctx, st.Clone())
}

func (d *document) Backup(context.Context) bool {
	path, err := d.fs.Backup(documentKey)
	if err != nil {
		logging.Op().Warn("state backup failed", "error", err)
		return false
	}
	if path != "" {
		logging.Op().Info("state backup written", "path", path)
	}
	return true
}

func (d *document) TryLock(_ context.Context, owner string, ttl time.Duration) bool {
	return d.fs.TryLock(owner, ttl)
}

func (d *document) Unlock(_ context.Context, owner string) bool {
	return d.fs.Unlock(owner)
}
