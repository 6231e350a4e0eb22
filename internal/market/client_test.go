package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/heroquote/internal/cache"
	"github.com/oriys/heroquote/internal/circuitbreaker"
	"github.com/oriys/heroquote/internal/domain"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestResolve_NormalizesResponse(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/heroes" || r.URL.Query().Get("name") != "Zed" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Errorf("missing api key")
		}
		w.Write([]byte(`{"data": [
			{"id": "", "name": "Broken"},
			{"id": "h1", "name": "Zedd", "handle": "@zedd"},
			{"id": "h2", "name": "Zed", "handle": "@zed_hero", "currency": "ETH",
			 "stats": {"floor_price": "0.42", "last_sale": 0.5, "volume_24h": null, "listings": 12}}
		]}`))
	})
	c := New(Config{BaseURL: srv.URL + "/", APIKey: "k"}, nil)

	info, err := c.Resolve(context.Background(), "Zed")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if info == nil || info.HeroID != "h2" {
		t.Fatalf("info = %+v", info)
	}
	if info.Handle != "zed_hero" || info.FloorPrice != 0.42 || info.LastSale != 0.5 || info.Volume24h != 0 || info.Listings != 12 {
		t.Fatalf("info = %+v", info)
	}
	if info.RetrievedAt.IsZero() {
		t.Fatal("retrieved at not stamped")
	}
}

func TestResolve_BareArray(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": "h9", "name": "Ana"}]`))
	})
	info, err := New(Config{BaseURL: srv.URL}, nil).Resolve(context.Background(), "ana")
	if err != nil || info == nil || info.Name != "Ana" {
		t.Fatalf("info = %+v, err = %v", info, err)
	}
}

func TestResolve_NotFound(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"404":   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
		"empty": func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"data": []}`)) },
	} {
		t.Run(name, func(t *testing.T) {
			srv, _ := newTestServer(t, handler)
			info, err := New(Config{BaseURL: srv.URL}, nil).Resolve(context.Background(), "Nobody")
			if err != nil || info != nil {
				t.Fatalf("info = %+v, err = %v", info, err)
			}
		})
	}
}

func TestResolve_RateLimited(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": "rate_limited", "message": "slow down"}}`))
	})
	_, err := New(Config{BaseURL: srv.URL}, nil).Resolve(context.Background(), "Zed")
	if !domain.IsRateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestResolve_ServerErrorClassified(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	})
	_, err := New(Config{BaseURL: srv.URL}, nil).Resolve(context.Background(), "Zed")
	if domain.KindOf(err) != domain.KindUnknown {
		t.Fatalf("kind = %v", domain.KindOf(err))
	}
}

func TestResolve_CachesResultsAndMisses(t *testing.T) {
	srv, calls := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "Zed" {
			w.Write([]byte(`{"data": [{"id": "h2", "name": "Zed"}]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mem := cache.NewInMemoryCache()
	defer mem.Close()
	c := New(Config{BaseURL: srv.URL, CacheTTL: time.Minute}, mem)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if info, err := c.Resolve(ctx, "Zed"); err != nil || info == nil {
			t.Fatalf("resolve: %+v, %v", info, err)
		}
		if info, err := c.Resolve(ctx, "ghost"); err != nil || info != nil {
			t.Fatalf("resolve ghost: %+v, %v", info, err)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestResolve_NotConfigured(t *testing.T) {
	if _, err := New(Config{}, nil).Resolve(context.Background(), "Zed"); err == nil {
		t.Fatal("expected error without base url")
	}
	if info, err := New(Config{}, nil).Resolve(context.Background(), "  "); info != nil || err != nil {
		t.Fatal("blank name should resolve to nothing")
	}
}

func TestResolve_BreakerOpensOnServerErrors(t *testing.T) {
	srv, calls := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "ghost" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := New(Config{
		BaseURL: srv.URL,
		Breaker: circuitbreaker.Config{FailurePct: 50, MinRequests: 2, OpenDuration: time.Hour},
	}, nil)
	ctx := context.Background()

	// Misses are not upstream failures.
	for i := 0; i < 3; i++ {
		if _, err := c.Resolve(ctx, "ghost"); err != nil {
			t.Fatalf("ghost: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		c.Resolve(ctx, "Zed")
	}
	before := calls.Load()
	_, err := c.Resolve(ctx, "Zed")
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if domain.IsRateLimited(err) {
		t.Fatal("open breaker must not look like a rate limit")
	}
	if calls.Load() != before {
		t.Fatal("request sent while breaker open")
	}
}
