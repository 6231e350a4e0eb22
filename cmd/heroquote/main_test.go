package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oriys/heroquote/internal/config"
	"github.com/oriys/heroquote/internal/state"
	"github.com/oriys/heroquote/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.File.Dir = t.TempDir()
	cfg.Storage.Durable.Enabled = true
	cfg.Storage.Durable.Driver = "memory"
	cfg.Bot.Username = "herobot"
	cfg.Daemon.LogLevel = "error"
	return cfg
}

func TestNewAppWiresBothBackends(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg, true)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	if a.proc == nil {
		t.Fatal("processor not built")
	}
	ctx := context.Background()
	if !a.state.SaveLastMentionID(ctx, "42") {
		t.Fatal("SaveLastMentionID failed")
	}
	stats := a.state.GetStatistics(ctx)
	if !stats.Backends.DurableEnabled || !stats.Backends.FileEnabled || stats.LastMentionID != "42" {
		t.Fatalf("stats = %+v", stats)
	}
	if got := filepath.Dir(cfg.StatePath()); got != cfg.Storage.File.Dir {
		t.Fatalf("state path %s outside %s", cfg.StatePath(), cfg.Storage.File.Dir)
	}
}

func TestNewAppRequiresBotUsername(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bot.Username = ""
	if _, err := newApp(context.Background(), cfg, true); err == nil {
		t.Fatal("expected error")
	}
	a, err := newApp(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("maintenance app: %v", err)
	}
	a.close()
}

func clearAWSEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "")
	t.Setenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI", "")
	t.Setenv("AWS_CONTAINER_CREDENTIALS_FULL_URI", "")
	t.Setenv("AWS_WEB_IDENTITY_TOKEN_FILE", "")
}

func TestNewAppRejectsUnusableState(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Durable.Enabled = false
	cfg.Storage.FallbackEnabled = false
	if _, err := newApp(context.Background(), cfg, false); err == nil {
		t.Fatal("expected error with the primary disabled and no fallback")
	}

	clearAWSEnv(t)
	cfg = testConfig(t)
	cfg.Storage.Durable.Driver = "dynamodb"
	cfg.Storage.FallbackEnabled = false
	if _, err := newApp(context.Background(), cfg, false); err == nil {
		t.Fatal("expected error when the durable driver cannot connect and fallback is off")
	}
}

func TestOpenDurableDisablesUnreachableDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Durable.Driver = "dynamodb"
	clearAWSEnv(t)
	if d, kv := openDurable(context.Background(), cfg); d.Enabled() || kv != nil {
		t.Fatal("dynamodb enabled without credentials")
	}

	cfg.Storage.Durable.Enabled = false
	if d, _ := openDurable(context.Background(), cfg); d.Enabled() {
		t.Fatal("disabled durable backend reports enabled")
	}
}

func TestReplyBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bot.ReplyBudget = 0
	if replyBudget(cfg, nil) != nil {
		t.Fatal("zero budget should disable the cap")
	}
	cfg.Bot.ReplyBudget = 1
	b := replyBudget(cfg, store.NewMemoryKV())
	if b == nil {
		t.Fatal("budget not built")
	}
	ctx := context.Background()
	if ok, _ := b.Allow(ctx); !ok {
		t.Fatal("first reply denied")
	}
	if ok, _ := b.Allow(ctx); ok {
		t.Fatal("second reply allowed")
	}
}

func TestProcessorOptionsRetries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bot.PostRetries = 0
	if got := processorOptions(cfg).PostRetries; got != -1 {
		t.Fatalf("PostRetries = %d, want -1", got)
	}
	cfg.Bot.PostRetries = 3
	if got := processorOptions(cfg).PostRetries; got != 3 {
		t.Fatalf("PostRetries = %d, want 3", got)
	}
}

type fakeStats struct{ s state.Statistics }

func (f fakeStats) GetStatistics(context.Context) state.Statistics { return f.s }

type fakeSched struct{ err error }

func (fakeSched) Next() time.Time    { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
func (fakeSched) Runs() int          { return 3 }
func (f fakeSched) LastError() error { return f.err }

func TestMux(t *testing.T) {
	mux := newMux(fakeStats{state.Statistics{LastMentionID: "77", TotalReplies: 5}}, fakeSched{err: errors.New("boom")})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/stats status = %d", rec.Code)
	}
	var stats state.Statistics
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.LastMentionID != "77" || stats.TotalReplies != 5 {
		t.Fatalf("stats = %+v", stats)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["last_error"] != "boom" || health["runs"] != float64(3) {
		t.Fatalf("health = %v", health)
	}
}

func TestPrintStats(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStats(&buf, state.Statistics{
		LastMentionID: "9",
		TotalReplies:  2,
		RepliesByHero: map[string]int64{"zed": 2},
		LastRunTime:   &now,
		LastError:     &state.ErrorRecord{Timestamp: now, Message: "oops"},
	})
	out := buf.String()
	for _, want := range []string{"Last mention:", "9", "zed", "oops"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
