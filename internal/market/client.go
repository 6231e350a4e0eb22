// Package market is the marketplace client that resolves hero names to
// market snapshots.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/heroquote/internal/cache"
	"github.com/oriys/heroquote/internal/circuitbreaker"
	"github.com/oriys/heroquote/internal/domain"
	"github.com/oriys/heroquote/internal/logging"
	"github.com/oriys/heroquote/internal/metrics"
	"github.com/oriys/heroquote/internal/observability"
)

const clientName = "market"

var errNotConfigured = errors.New("market client: base url not configured")

// Config for the marketplace API.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
	Breaker  circuitbreaker.Config
}

// Client resolves hero names. Results, including "not found", are cached.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cache   cache.Cache
	ttl     time.Duration
	group   singleflight.Group
	breaker *circuitbreaker.Breaker
	now     func() time.Time
}

// New creates a client. c may be nil to disable caching.
func New(cfg Config, c cache.Cache) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cl := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		cache:   c,
		ttl:     cfg.CacheTTL,
		now:     time.Now,
	}
	if cfg.Breaker.Enabled() {
		cl.breaker = circuitbreaker.New(clientName, cfg.Breaker)
	}
	return cl
}

// cached is the cache record; a nil Info means the hero does not exist.
type cached struct {
	Info *domain.MarketInfo `json:"info"`
}

// Resolve returns the market snapshot for name, or nil when the
// marketplace does not know it. A 429 is returned as a RateLimited APIError.
func (c *Client) Resolve(ctx context.Context, name string) (*domain.MarketInfo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	key := "market:hero:" + strings.ToLower(name)

	if c.cache != nil && c.ttl > 0 {
		var hit cached
		if err := cache.GetJSON(ctx, c.cache, key, &hit); err == nil {
			return hit.Info, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		info, err := c.guardedFetch(ctx, name)
		if err != nil {
			return nil, err
		}
		if c.cache != nil && c.ttl > 0 {
			if err := cache.SetJSON(ctx, c.cache, key, cached{Info: info}, c.ttl); err != nil {
				logging.Op().Debug("market cache write failed", "hero", name, "error", err)
			}
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.MarketInfo), nil
}

// guardedFetch calls fetch through the circuit breaker when one is
// configured. Only transport errors and 5xx responses count as failures.
func (c *Client) guardedFetch(ctx context.Context, name string) (*domain.MarketInfo, error) {
	if c.breaker == nil {
		return c.fetch(ctx, name)
	}
	var info *domain.MarketInfo
	err := c.breaker.Do(func() error {
		var err error
		info, err = c.fetch(ctx, name)
		return err
	}, upstreamFailure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &domain.APIError{Kind: domain.KindUnknown, Message: "marketplace unavailable", Err: err}
	}
	return info, err
}

func upstreamFailure(err error) bool {
	if errors.Is(err, errNotConfigured) {
		return false
	}
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.Status == 0 || apiErr.Status >= 500
}

func (c *Client) fetch(ctx context.Context, name string) (*domain.MarketInfo, error) {
	if c.baseURL == "" {
		return nil, errNotConfigured
	}
	ctx, span := observability.StartClientSpan(ctx, "market.resolve",
		observability.AttrClient.String(clientName),
		observability.AttrHero.String(name),
	)
	defer span.End()

	u := c.baseURL + "/heroes?" + url.Values{"name": {name}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	observability.InjectHTTPHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordExternalRequest(clientName, 0, time.Since(start).Milliseconds())
		apiErr := &domain.APIError{Kind: domain.KindUnknown, Message: "market request failed", Err: err}
		observability.SetSpanError(span, apiErr)
		return nil, apiErr
	}
	defer resp.Body.Close()
	metrics.RecordExternalRequest(clientName, resp.StatusCode, time.Since(start).Milliseconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		code, msg := parseError(body)
		apiErr := domain.ClassifyHTTP(resp.StatusCode, code, msg)
		observability.SetSpanError(span, apiErr)
		return nil, apiErr
	}

	heroes, err := decodeHeroes(body)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	info := pick(heroes, name)
	if info == nil {
		return nil, nil
	}
	info.RetrievedAt = c.now().UTC()
	observability.SetSpanOK(span)
	return info, nil
}

// pick prefers an exact case-insensitive name match, else the first result.
func pick(heroes []domain.MarketInfo, name string) *domain.MarketInfo {
	if len(heroes) == 0 {
		return nil
	}
	for i := range heroes {
		if strings.EqualFold(heroes[i].Name, name) || strings.EqualFold(heroes[i].Handle, name) {
			return &heroes[i]
		}
	}
	return &heroes[0]
}

// heroDTO is the wire shape of one hero.
type heroDTO struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Handle   string    `json:"handle"`
	Currency string    `json:"currency"`
	Rarity   string    `json:"rarity"`
	URL      string    `json:"url"`
	Stats    *statsDTO `json:"stats"`
}

type statsDTO struct {
	FloorPrice flexFloat `json:"floor_price"`
	LastSale   flexFloat `json:"last_sale"`
	Volume24h  flexFloat `json:"volume_24h"`
	Listings   flexFloat `json:"listings"`
}

// flexFloat accepts a JSON number, a numeric string or null.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	*f = flexFloat(v)
	return nil
}

// decodeHeroes accepts {"data": [...]} or a bare array and drops entries
// without an id or name.
func decodeHeroes(body []byte) ([]domain.MarketInfo, error) {
	var dtos []heroDTO
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &dtos); err != nil {
			return nil, fmt.Errorf("decode heroes: %w", err)
		}
	} else {
		var envelope struct {
			Data []heroDTO `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("decode heroes: %w", err)
		}
		dtos = envelope.Data
	}

	out := make([]domain.MarketInfo, 0, len(dtos))
	for _, d := range dtos {
		if d.ID == "" || d.Name == "" {
			continue
		}
		info := domain.MarketInfo{
			HeroID:   d.ID,
			Name:     d.Name,
			Handle:   strings.TrimPrefix(d.Handle, "@"),
			Currency: d.Currency,
			Rarity:   d.Rarity,
			URL:      d.URL,
		}
		if d.Stats != nil {
			info.FloorPrice = float64(d.Stats.FloorPrice)
			info.LastSale = float64(d.Stats.LastSale)
			info.Volume24h = float64(d.Stats.Volume24h)
			info.Listings = int(d.Stats.Listings)
		}
		out = append(out, info)
	}
	return out, nil
}

func parseError(body []byte) (code, message string) {
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return "", strings.TrimSpace(string(body))
	}
	if e.Error.Message != "" {
		return e.Error.Code, e.Error.Message
	}
	return e.Error.Code, e.Message
}
