package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/heroquote/internal/logging"
)

// envelope is the stored form of every durable record.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Durable is storage backend A. It wraps a KV driver with JSON encoding and
// turns every failure into a logged false/nil result; callers never see an
// error from it.
type Durable struct {
	kv      KV
	driver  string
	enabled bool
	now     func() time.Time
}

// NewDurable wraps kv. A nil kv yields a disabled backend.
func NewDurable(driver string, kv KV) *Durable {
	return &Durable{kv: kv, driver: driver, enabled: kv != nil, now: time.Now}
}

// Disabled returns a backend that fails every call. reason is logged once.
func Disabled(driver, reason string) *Durable {
	if reason != "" {
		logging.Op().Info("durable state backend disabled", "driver", driver, "reason", reason)
	}
	return &Durable{driver: driver, now: time.Now}
}

func (d *Durable) Name() string  { return "durable:" + d.driver }
func (d *Durable) Enabled() bool { return d != nil && d.enabled }

// Put serializes value and overwrites key.
func (d *Durable) Put(ctx context.Context, key string, value any) bool {
	if !d.Enabled() {
		return false
	}
	raw, err := json.Marshal(value)
	if err != nil {
		logging.Op().Error("durable put: encode value", "driver", d.driver, "key", key, "error", err)
		return false
	}
	data, err := json.Marshal(envelope{Value: raw, UpdatedAt: d.now().UTC()})
	if err != nil {
		logging.Op().Error("durable put: encode envelope", "driver", d.driver, "key", key, "error", err)
		return false
	}
	if err := d.kv.Set(ctx, key, data); err != nil {
		logging.Op().Warn("durable put failed", "driver", d.driver, "key", key, "error", err)
		return false
	}
	return true
}

// Get decodes key into dst. It reports false when the key is absent, the
// backend is unreachable or the stored value does not parse.
func (d *Durable) Get(ctx context.Context, key string, dst any) bool {
	found, err := d.Lookup(ctx, key, dst)
	if err != nil && !errors.Is(err, ErrDisabled) {
		logging.Op().Warn("durable get failed", "driver", d.driver, "key", key, "error", err)
	}
	return found
}

// Lookup is Get for callers that must tell a missing key from a failed
// read: an absent key is (false, nil).
func (d *Durable) Lookup(ctx context.Context, key string, dst any) (bool, error) {
	if !d.Enabled() {
		return false, ErrDisabled
	}
	data, err := d.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	raw, err := unwrap(data)
	if err != nil {
		return false, fmt.Errorf("corrupt record: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode value: %w", err)
	}
	return true, nil
}

// Delete reports whether the driver's delete call succeeded.
func (d *Durable) Delete(ctx context.Context, key string) bool {
	if !d.Enabled() {
		return false
	}
	if err := d.kv.Delete(ctx, key); err != nil {
		logging.Op().Warn("durable delete failed", "driver", d.driver, "key", key, "error", err)
		return false
	}
	return true
}

// QueryByPrefix returns the raw JSON value of every record whose key starts
// with prefix. Records that fail to parse are skipped.
func (d *Durable) QueryByPrefix(ctx context.Context, prefix string) (map[string]json.RawMessage, bool) {
	if !d.Enabled() {
		return nil, false
	}
	items, err := d.kv.Scan(ctx, prefix)
	if err != nil {
		logging.Op().Warn("durable prefix query failed", "driver", d.driver, "prefix", prefix, "error", err)
		return nil, false
	}
	out := make(map[string]json.RawMessage, len(items))
	for k, data := range items {
		raw, err := unwrap(data)
		if err != nil {
			logging.Op().Warn("durable prefix query: corrupt record", "driver", d.driver, "key", k, "error", err)
			continue
		}
		out[k] = raw
	}
	return out, true
}

// TryLock stores owner under key unless another unexpired owner holds it.
func (d *Durable) TryLock(ctx context.Context, key, owner string, ttl time.Duration) bool {
	if !d.Enabled() {
		return false
	}
	raw, _ := json.Marshal(owner)
	data, _ := json.Marshal(envelope{Value: raw, UpdatedAt: d.now().UTC()})
	ok, err := d.kv.SetNX(ctx, key, data, ttl)
	if err != nil {
		logging.Op().Warn("durable lock failed", "driver", d.driver, "key", key, "error", err)
		return false
	}
	return ok
}

// Unlock deletes key if owner still holds it.
func (d *Durable) Unlock(ctx context.Context, key, owner string) bool {
	var holder string
	if !d.Get(ctx, key, &holder) {
		return false
	}
	if holder != owner {
		return false
	}
	return d.Delete(ctx, key)
}

// Ping checks driver connectivity.
func (d *Durable) Ping(ctx context.Context) error {
	if !d.Enabled() {
		return fmt.Errorf("durable backend %s is disabled", d.driver)
	}
	return d.kv.Ping(ctx)
}

func (d *Durable) Close() error {
	if !d.Enabled() {
		return nil
	}
	return d.kv.Close()
}

func unwrap(data []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if len(env.Value) == 0 {
		return nil, fmt.Errorf("record has no value")
	}
	return env.Value, nil
}
