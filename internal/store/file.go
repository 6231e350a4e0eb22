package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oriys/heroquote/internal/logging"
)

// FileConfig configures a FileStore.
type FileConfig struct {
	Dir string
	// SingleFile, when set, stores every key in this one file. The composite
	// state document uses it.
	SingleFile  string
	BackupEvery int // take a backup every N successful writes; 0 means 10, negative disables
	BackupKeep  int // newest backups to retain
}

// FileStore is storage backend B: JSON files on a mounted filesystem.
type FileStore struct {
	mu     sync.Mutex
	cfg    FileConfig
	writes int
	now    func() time.Time
}

const (
	defaultBackupEvery = 10
	defaultBackupKeep  = 10
	backupInfix        = ".backup."
	lockFileName       = ".run.lock"
)

// NewFileStore creates a file store. Directories are created lazily.
func NewFileStore(cfg FileConfig) *FileStore {
	if cfg.BackupEvery < 0 {
		cfg.BackupEvery = 0
	} else if cfg.BackupEvery == 0 {
		cfg.BackupEvery = defaultBackupEvery
	}
	if cfg.BackupKeep <= 0 {
		cfg.BackupKeep = defaultBackupKeep
	}
	if cfg.Dir == "" && cfg.SingleFile != "" {
		cfg.Dir = filepath.Dir(cfg.SingleFile)
	}
	return &FileStore{cfg: cfg, now: time.Now}
}

func (f *FileStore) Name() string { return "file" }

// Path returns the file that holds key.
func (f *FileStore) Path(key string) string {
	if f.cfg.SingleFile != "" {
		return f.cfg.SingleFile
	}
	return filepath.Join(f.cfg.Dir, url.PathEscape(key)+".json")
}

// Put writes value as pretty-printed JSON, atomically.
func (f *FileStore) Put(_ context.Context, key string, value any) bool {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		logging.Op().Error("file put: encode value", "key", key, "error", err)
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.Path(key)
	if err := AtomicWriteFile(path, data, 0644); err != nil {
		logging.Op().Warn("file put failed", "path", path, "error", err)
		return false
	}
	f.writes++
	if f.cfg.BackupEvery > 0 && f.writes%f.cfg.BackupEvery == 0 {
		if _, err := f.backupLocked(path); err != nil {
			logging.Op().Warn("periodic state backup failed", "path", path, "error", err)
		}
	}
	return true
}

// Get decodes key into dst; false when missing or unparseable.
func (f *FileStore) Get(_ context.Context, key string, dst any) bool {
	path := f.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Op().Warn("file get failed", "path", path, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		logging.Op().Warn("file get: corrupt json", "path", path, "error", err)
		return false
	}
	return true
}

// Exists reports whether the file for key is present, parseable or not.
func (f *FileStore) Exists(key string) bool {
	_, err := os.Stat(f.Path(key))
	return err == nil
}

// Delete removes the file for key. A missing file counts as deleted.
func (f *FileStore) Delete(_ context.Context, key string) bool {
	path := f.Path(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Op().Warn("file delete failed", "path", path, "error", err)
		return false
	}
	return true
}

// QueryByPrefix returns the JSON of every key starting with prefix. In
// single-file mode there is only one document, so it returns nothing.
func (f *FileStore) QueryByPrefix(_ context.Context, prefix string) (map[string]json.RawMessage, bool) {
	out := make(map[string]json.RawMessage)
	if f.cfg.SingleFile != "" {
		return out, true
	}
	entries, err := os.ReadDir(f.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, true
		}
		logging.Op().Warn("file prefix query failed", "dir", f.cfg.Dir, "error", err)
		return nil, false
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, backupInfix) || strings.HasPrefix(name, ".") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.cfg.Dir, name))
		if err != nil || !json.Valid(data) {
			continue
		}
		out[key] = data
	}
	return out, true
}

// Backup copies the file holding key to <path>.backup.<epochMillis>.json and
// prunes old backups. It returns the backup path.
func (f *FileStore) Backup(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backupLocked(f.Path(key))
}

func (f *FileStore) backupLocked(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read for backup: %w", err)
	}
	ts := f.now().UnixMilli()
	var dest string
	for {
		dest = fmt.Sprintf("%s%s%d.json", path, backupInfix, ts)
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		ts++
	}
	if err := AtomicWriteFile(dest, data, 0644); err != nil {
		return "", err
	}
	f.pruneBackups(path)
	return dest, nil
}

// Backups lists backup files of key's file, newest first.
func (f *FileStore) Backups(key string) []string {
	return f.listBackups(f.Path(key))
}

func (f *FileStore) listBackups(path string) []string {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type backup struct {
		path string
		ts   int64
	}
	var found []backup
	prefix := base + backupInfix
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"), 10, 64)
		if err != nil {
			continue
		}
		found = append(found, backup{path: filepath.Join(dir, name), ts: ts})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ts > found[j].ts })
	out := make([]string, len(found))
	for i, b := range found {
		out[i] = b.path
	}
	return out
}

func (f *FileStore) pruneBackups(path string) {
	backups := f.listBackups(path)
	for _, old := range backups[min(len(backups), f.cfg.BackupKeep):] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			logging.Op().Warn("failed to prune state backup", "path", old, "error", err)
		}
	}
}

// LatestBackup decodes the newest parseable backup of key into dst.
func (f *FileStore) LatestBackup(key string, dst any) (string, bool) {
	for _, path := range f.Backups(key) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, dst); err != nil {
			logging.Op().Warn("skipping corrupt state backup", "path", path, "error", err)
			continue
		}
		return path, true
	}
	return "", false
}

type lockFile struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TryLock creates an exclusive lock file in the store directory. A lock
// whose ttl has elapsed is treated as stale and replaced.
func (f *FileStore) TryLock(owner string, ttl time.Duration) bool {
	path := filepath.Join(f.cfg.Dir, lockFileName)
	if err := os.MkdirAll(f.cfg.Dir, 0755); err != nil {
		logging.Op().Warn("file lock: create directory", "dir", f.cfg.Dir, "error", err)
		return false
	}
	for attempt := 0; attempt < 2; attempt++ {
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			data, _ := json.Marshal(lockFile{Owner: owner, ExpiresAt: f.now().Add(ttl)})
			_, werr := fh.Write(data)
			cerr := fh.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return false
			}
			return true
		}
		if !errors.Is(err, os.ErrExist) {
			logging.Op().Warn("file lock failed", "path", path, "error", err)
			return false
		}
		var held lockFile
		data, rerr := os.ReadFile(path)
		if rerr == nil && json.Unmarshal(data, &held) == nil && f.now().Before(held.ExpiresAt) {
			return false
		}
		logging.Op().Warn("removing stale run lock", "path", path, "owner", held.Owner)
		os.Remove(path)
	}
	return false
}

// Unlock removes the lock file if owner holds it.
func (f *FileStore) Unlock(owner string) bool {
	path := filepath.Join(f.cfg.Dir, lockFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var held lockFile
	if json.Unmarshal(data, &held) != nil || held.Owner != owner {
		return false
	}
	return os.Remove(path) == nil
}
