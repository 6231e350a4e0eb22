// Package twitter is a minimal X API v2 client: mention timeline, reply
// posting and user lookup. Responses are normalized into domain types and
// failures into domain.APIError before they leave this package.
package twitter

import (
	"bytes"
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
	"github.com/oriys/heroquote/internal/domain"
	"github.com/oriys/heroquote/internal/logging"
	"github.com/oriys/heroquote/internal/metrics"
	"github.com/oriys/heroquote/internal/observability"
)

const (
	clientName     = "twitter"
	maxPages       = 50
	usernameTTL    = 24 * time.Hour
	maxBackoff     = 30 * time.Second
	defaultResults = 50
)

// Config for the X API.
type Config struct {
	BaseURL     string
	BearerToken string
	UserID      string // the bot account
	Timeout     time.Duration
	MaxResults  int
	MaxAttempts int           // read attempts, default 3
	MaxPages    int           // mention pages per fetch, default 50
	BaseBackoff time.Duration // default 1s
}

// Client talks to the X API v2 with an app bearer token.
type Client struct {
	cfg   Config
	http  *http.Client
	users cache.Cache
	group singleflight.Group
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a client. users caches id to username lookups and may be nil.
func New(cfg Config, users cache.Cache) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxResults < 5 || cfg.MaxResults > 100 {
		cfg.MaxResults = defaultResults
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = maxPages
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		users: users,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wire shapes.
type tweetDTO struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	AuthorID  string `json:"author_id"`
	CreatedAt string `json:"created_at"`
	Entities  *struct {
		Mentions []struct {
			Username string `json:"username"`
		} `json:"mentions"`
	} `json:"entities"`
}

type userDTO struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type mentionsResponse struct {
	Data     []tweetDTO `json:"data"`
	Includes struct {
		Users []userDTO `json:"users"`
	} `json:"includes"`
	Meta struct {
		NextToken   string `json:"next_token"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

// ErrPageLimit is returned when the mention timeline still has pages left
// after MaxPages requests. The timeline pages newest first, so a partial
// result would be missing the oldest mentions.
var ErrPageLimit = errors.New("twitter: mention page limit reached")

// FetchMentions returns every mention of the bot account newer than SinceID,
// or within the last MinutesAgo minutes. SinceID wins; with neither, the
// timeline is paged to its end.
func (c *Client) FetchMentions(ctx context.Context, opts domain.FetchOptions) ([]domain.Mention, error) {
	if c.cfg.UserID == "" {
		return nil, errors.New("twitter: bot user id not configured")
	}
	ctx, span := observability.StartClientSpan(ctx, "twitter.fetch_mentions",
		observability.AttrClient.String(clientName))
	defer span.End()

	q := url.Values{}
	q.Set("max_results", strconv.Itoa(c.cfg.MaxResults))
	q.Set("tweet.fields", "created_at,author_id,entities")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "username")
	switch {
	case opts.SinceID != "":
		q.Set("since_id", opts.SinceID)
	case opts.MinutesAgo > 0:
		start := c.now().Add(-time.Duration(opts.MinutesAgo) * time.Minute).UTC()
		q.Set("start_time", start.Format(time.RFC3339))
	}

	var out []domain.Mention
	path := "/2/users/" + url.PathEscape(c.cfg.UserID) + "/mentions"
	for page := 0; ; page++ {
		if page == c.cfg.MaxPages {
			err := fmt.Errorf("%w after %d pages (%d mentions)", ErrPageLimit, page, len(out))
			observability.SetSpanError(span, err)
			return nil, err
		}
		var resp mentionsResponse
		if err := c.getJSON(ctx, path, q, &resp); err != nil {
			observability.SetSpanError(span, err)
			return nil, err
		}
		usernames := make(map[string]string, len(resp.Includes.Users))
		for _, u := range resp.Includes.Users {
			usernames[u.ID] = u.Username
			c.rememberUsername(ctx, u.ID, u.Username)
		}
		for _, t := range resp.Data {
			if m, ok := normalizeTweet(t, usernames); ok {
				out = append(out, m)
			}
		}
		if resp.Meta.NextToken == "" {
			break
		}
		q.Set("pagination_token", resp.Meta.NextToken)
	}

	span.SetAttributes(observability.AttrMentions.Int(len(out)))
	observability.SetSpanOK(span)
	return out, nil
}

func normalizeTweet(t tweetDTO, usernames map[string]string) (domain.Mention, bool) {
	if t.ID == "" {
		return domain.Mention{}, false
	}
	m := domain.Mention{
		ID:             t.ID,
		Text:           t.Text,
		AuthorID:       t.AuthorID,
		AuthorUsername: usernames[t.AuthorID],
	}
	if ts, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil {
		m.CreatedAt = ts
	}
	if t.Entities != nil {
		for _, mention := range t.Entities.Mentions {
			if mention.Username != "" {
				m.MentionedUsernames = append(m.MentionedUsernames, mention.Username)
			}
		}
	}
	return m, true
}

// PostReply posts text, as a reply when replyToID is set. Posts are never
// retried here; the caller decides.
func (c *Client) PostReply(ctx context.Context, text, replyToID string) (*domain.PostResult, error) {
	ctx, span := observability.StartClientSpan(ctx, "twitter.post_reply",
		observability.AttrClient.String(clientName),
		observability.AttrTweetID.String(replyToID),
	)
	defer span.End()

	payload := map[string]any{"text": text}
	if replyToID != "" {
		payload["reply"] = map[string]string{"in_reply_to_tweet_id": replyToID}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	status, body, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/2/tweets", bytes.NewReader(data))
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	if status >= 400 {
		apiErr := classify(status, body)
		observability.SetSpanError(span, apiErr)
		return nil, apiErr
	}

	var resp struct {
		Data struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode post response: %w", err)
	}
	if resp.Data.ID == "" {
		return nil, &domain.APIError{Kind: domain.KindUnknown, Status: status, Message: "post response has no tweet id"}
	}
	observability.SetSpanOK(span)
	return &domain.PostResult{ID: resp.Data.ID, Text: resp.Data.Text}, nil
}

// ResolveUsername returns the handle of authorID. Lookups are cached and
// concurrent lookups of the same id share one request.
func (c *Client) ResolveUsername(ctx context.Context, authorID string) (string, error) {
	if authorID == "" {
		return "", nil
	}
	key := "twitter:user:" + authorID
	if c.users != nil {
		if data, err := c.users.Get(ctx, key); err == nil {
			return string(data), nil
		}
	}

	v, err, _ := c.group.Do(authorID, func() (any, error) {
		var resp struct {
			Data userDTO `json:"data"`
		}
		if err := c.getJSON(ctx, "/2/users/"+url.PathEscape(authorID), nil, &resp); err != nil {
			return "", err
		}
		c.rememberUsername(ctx, authorID, resp.Data.Username)
		return resp.Data.Username, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) rememberUsername(ctx context.Context, id, username string) {
	if c.users == nil || id == "" || username == "" {
		return
	}
	if err := c.users.Set(ctx, "twitter:user:"+id, []byte(username), usernameTTL); err != nil {
		logging.Op().Debug("username cache write failed", "author_id", id, "error", err)
	}
}

// getJSON performs a GET with retries on 429, 5xx and transport errors.
func (c *Client) getJSON(ctx context.Context, path string, q url.Values, dst any) error {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		status, body, retryAfter, err := c.doGet(ctx, u)
		switch {
		case err != nil:
			lastErr = err
		case status >= 400:
			lastErr = classify(status, body)
			if status != http.StatusTooManyRequests && status < 500 {
				return lastErr
			}
		default:
			if err := json.Unmarshal(body, dst); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}
		wait := c.backoff(attempt, retryAfter)
		logging.Op().Debug("retrying twitter read", "path", path, "attempt", attempt, "wait", wait, "error", lastErr)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	wait := c.cfg.BaseBackoff << (attempt - 1)
	if retryAfter > wait {
		wait = retryAfter
	}
	return min(wait, maxBackoff)
}

func (c *Client) doGet(ctx context.Context, u string) (int, []byte, time.Duration, error) {
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, 0, err
	}
	resp, body, err := c.send(req)
	if err != nil {
		return 0, nil, 0, err
	}
	var retryAfter time.Duration
	if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
		retryAfter = time.Duration(s) * time.Second
	}
	return resp.StatusCode, body, retryAfter, nil
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader) (int, []byte, error) {
	req, err := c.newRequest(ctx, method, u, body)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, data, err := c.send(req)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
	observability.InjectHTTPHeaders(ctx, req.Header)
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, []byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordExternalRequest(clientName, 0, time.Since(start).Milliseconds())
		return nil, nil, &domain.APIError{Kind: domain.KindUnknown, Message: "twitter request failed", Err: err}
	}
	defer resp.Body.Close()
	metrics.RecordExternalRequest(clientName, resp.StatusCode, time.Since(start).Milliseconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}

// classify turns an X API error body into an APIError.
func classify(status int, body []byte) *domain.APIError {
	var e struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Type   string `json:"type"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	var code, msg string
	if err := json.Unmarshal(body, &e); err == nil {
		code = e.Title
		msg = e.Detail
		if msg == "" && len(e.Errors) > 0 {
			msg = e.Errors[0].Message
		}
	} else {
		msg = strings.TrimSpace(string(body))
	}
	return domain.ClassifyHTTP(status, code, msg)
}
