package processor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/heroquote/internal/domain"
	"github.com/oriys/heroquote/internal/extract"
	"github.com/oriys/heroquote/internal/state"
	"github.com/oriys/heroquote/internal/store"
)

const botName = "herobot"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu       sync.Mutex
	mentions []domain.Mention
	err      error
	calls    []domain.FetchOptions
}

func (f *fakeFetcher) FetchMentions(_ context.Context, opts domain.FetchOptions) ([]domain.Mention, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.Mention(nil), f.mentions...), nil
}

// fakeResolver knows heroes by lower-case name; errs overrides per name.
type fakeResolver struct {
	heroes map[string]*domain.MarketInfo
	errs   map[string]error
	calls  []string
}

func (r *fakeResolver) Resolve(_ context.Context, name string) (*domain.MarketInfo, error) {
	r.calls = append(r.calls, name)
	key := strings.ToLower(name)
	if err, ok := r.errs[key]; ok {
		return nil, err
	}
	return r.heroes[key], nil
}

type postCall struct {
	text, replyTo string
}

// fakePoster fails with the queued errors first, then succeeds.
type fakePoster struct {
	failures []error
	calls    []postCall
}

func (p *fakePoster) PostReply(_ context.Context, text, replyTo string) (*domain.PostResult, error) {
	p.calls = append(p.calls, postCall{text, replyTo})
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return nil, err
	}
	return &domain.PostResult{ID: "reply-" + replyTo, Text: text}, nil
}

type fakeUsers struct {
	names map[string]string
	err   error
	calls int
}

func (u *fakeUsers) ResolveUsername(_ context.Context, id string) (string, error) {
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	return u.names[id], nil
}

type harness struct {
	fetcher  *fakeFetcher
	resolver *fakeResolver
	poster   *fakePoster
	users    *fakeUsers
	state    *state.Manager
	proc     *Processor
	sleeps   []time.Duration
}

func zed() *domain.MarketInfo {
	return &domain.MarketInfo{HeroID: "h1", Name: "Zed", Handle: "zed_eth", FloorPrice: 0.42, Listings: 3}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	fs := store.NewFileStore(store.FileConfig{SingleFile: filepath.Join(t.TempDir(), "state.json")})
	durable := store.NewDurable("memory", store.NewMemoryKV())
	mgr := state.New(state.NewDurableBackend(durable), state.NewFileBackend(fs), state.Options{
		Primary:         state.PrimaryDurable,
		FallbackEnabled: true,
		IgnoredErrors:   []string{"username_lookup"},
		Now:             func() time.Time { return testNow },
	})

	h := &harness{
		fetcher:  &fakeFetcher{},
		resolver: &fakeResolver{heroes: map[string]*domain.MarketInfo{"zed": zed()}},
		poster:   &fakePoster{},
		users:    &fakeUsers{names: map[string]string{}},
		state:    mgr,
	}
	if opts.BotUsername == "" {
		opts.BotUsername = botName
	}
	if opts.BotUserID == "" {
		opts.BotUserID = "999"
	}
	h.proc = New(Deps{
		Fetcher:   h.fetcher,
		Resolver:  h.resolver,
		Poster:    h.poster,
		Users:     h.users,
		Extractor: extract.New(opts.BotUsername),
		State:     mgr,
	}, opts)
	h.proc.now = func() time.Time { return testNow }
	h.proc.tracker.now = func() time.Time { return testNow }
	h.proc.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func mention(id, text string, age time.Duration) domain.Mention {
	return domain.Mention{
		ID:             id,
		Text:           text,
		AuthorID:       "u" + id,
		AuthorUsername: "fan" + id,
		CreatedAt:      testNow.Add(-age),
	}
}

func (h *harness) cursor(t *testing.T) string {
	t.Helper()
	id, _ := h.state.LoadLastMentionID(context.Background())
	return id
}

func stateRecord(hero string) state.ReplyRecord {
	return state.ReplyRecord{HeroName: hero, AuthorUsername: "someone"}
}
