package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/oriys/heroquote/internal/domain"
	"github.com/oriys/heroquote/internal/logging"
	"github.com/oriys/heroquote/internal/metrics"
	"github.com/oriys/heroquote/internal/observability"
	"github.com/oriys/heroquote/internal/state"
)

// Mention outcomes.
const (
	OutcomeReplied      = "replied"
	OutcomeDuplicate    = "duplicate"
	OutcomeTooOld       = "too_old"
	OutcomeNoCandidates = "no_candidates"
	OutcomeNotFound     = "not_found"
	OutcomePostFailed   = "post_failed"
	OutcomeRateLimited  = "rate_limited"
	OutcomeBudget       = "budget_exhausted"
)

// ErrRunLocked is returned when another process holds the run lock.
var ErrRunLocked = errors.New("another batch holds the run lock")

// Options tune a Processor. Zero values take the defaults.
type Options struct {
	BotUsername    string
	BotUserID      string
	MaxTweetAge    time.Duration // default 60m
	Lookback       time.Duration // default 30m, used without a cursor
	PostRetries    int           // default 2; negative disables
	PostRetryDelay time.Duration // default 5s, multiplied by the attempt
	MaxReplyLength int           // default 280
	RunLock        bool
	RunLockTTL     time.Duration // default 10m
}

func (o *Options) applyDefaults() {
	if o.MaxTweetAge <= 0 {
		o.MaxTweetAge = 60 * time.Minute
	}
	if o.Lookback <= 0 {
		o.Lookback = 30 * time.Minute
	}
	if o.PostRetries == 0 {
		o.PostRetries = 2
	} else if o.PostRetries < 0 {
		o.PostRetries = 0
	}
	if o.PostRetryDelay <= 0 {
		o.PostRetryDelay = 5 * time.Second
	}
	if o.MaxReplyLength <= 0 {
		o.MaxReplyLength = 280
	}
	if o.RunLockTTL <= 0 {
		o.RunLockTTL = 10 * time.Minute
	}
	o.BotUsername = strings.TrimPrefix(o.BotUsername, "@")
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Fetcher   MentionFetcher
	Resolver  EntityResolver
	Poster    ReplyPoster
	Users     UsernameResolver
	Extractor Extractor
	State     StateStore
	Budget    ReplyBudget // optional
}

// Processor handles mention batches. It is not safe for concurrent Run
// calls; the scheduler and the run lock keep batches sequential.
type Processor struct {
	deps    Deps
	opts    Options
	tracker *Tracker
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

func New(deps Deps, opts Options) *Processor {
	opts.applyDefaults()
	return &Processor{
		deps:    deps,
		opts:    opts,
		tracker: NewTracker(deps.State),
		now:     time.Now,
		sleep:   sleepCtx,
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

// MentionOutcome is what happened to one mention.
type MentionOutcome struct {
	TweetID string `json:"tweetId"`
	Outcome string `json:"outcome"`
	Hero    string `json:"hero,omitempty"`
	ReplyID string `json:"replyId,omitempty"`
}

// BatchResult summarizes one Run.
type BatchResult struct {
	ExecutionID string           `json:"executionId"`
	Stats       state.RunStats   `json:"stats"`
	Outcomes    []MentionOutcome `json:"outcomes"`
	Aborted     bool             `json:"aborted"`
}

// Errors that stop the mention loop without advancing the cursor.
var (
	errAbortBatch     = errors.New("batch aborted")
	errBudgetExceeded = errors.New("reply budget exhausted")
)

// Run processes one batch. A rate-limited resolver or a spent reply budget
// aborts the batch without an error; the cursor stays before the aborted
// mention.
func (p *Processor) Run(ctx context.Context) (*BatchResult, error) {
	ctx, span := observability.StartSpan(ctx, "processor.run")
	defer span.End()

	if p.opts.RunLock {
		owner := lockOwner(p.now())
		if !p.deps.State.AcquireRunLock(ctx, owner, p.opts.RunLockTTL) {
			logging.Op().Warn("skipping batch, run lock is held")
			return nil, ErrRunLocked
		}
		defer p.deps.State.ReleaseRunLock(context.WithoutCancel(ctx), owner)
	}

	run := p.tracker.Begin(ctx)
	span.SetAttributes(observability.AttrExecutionID.String(run.ID))
	log := logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).
		With("execution_id", run.ID)
	res := &BatchResult{ExecutionID: run.ID}

	mentions, err := p.fetch(ctx)
	if err != nil {
		p.recordError(ctx, run, err, map[string]any{"operation": "fetch_mentions"})
		if domain.IsRateLimited(err) {
			run.Abort(OutcomeRateLimited)
		}
		res.Stats = run.Finish(context.WithoutCancel(ctx), false)
		observability.SetSpanError(span, err)
		return res, fmt.Errorf("fetch mentions: %w", err)
	}
	run.MentionsFound(len(mentions))
	fetched := len(mentions)
	mentions = p.filter(mentions)
	span.SetAttributes(observability.AttrMentions.Int(len(mentions)))
	log.Info("batch started", "fetched", fetched, "eligible", len(mentions))

	for _, m := range mentions {
		if err := ctx.Err(); err != nil {
			run.Abort("canceled")
			res.Aborted = true
			res.Stats = run.Finish(context.WithoutCancel(ctx), false)
			return res, err
		}
		run.MentionIterated()
		out, err := p.handle(ctx, run, log, m)
		res.Outcomes = append(res.Outcomes, out)
		metrics.RecordMention(out.Outcome)
		if errors.Is(err, errAbortBatch) || errors.Is(err, errBudgetExceeded) {
			log.Warn("aborting batch without advancing the cursor", "tweet_id", m.ID, "reason", out.Outcome)
			run.Abort(out.Outcome)
			res.Aborted = true
			res.Stats = run.Finish(ctx, false)
			span.SetAttributes(observability.AttrOutcome.String(out.Outcome))
			return res, nil
		}
	}

	res.Stats = run.Finish(ctx, true)
	log.Info("batch finished",
		"iterated", res.Stats.MentionsIterated,
		"replies", res.Stats.RepliesSent,
		"errors", res.Stats.Errors,
		"skipped", res.Stats.Skipped)
	observability.SetSpanOK(span)
	return res, nil
}

func lockOwner(now time.Time) string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d:%d", host, os.Getpid(), now.UnixNano())
}

// fetch uses the cursor when there is one and a lookback window otherwise.
func (p *Processor) fetch(ctx context.Context) ([]domain.Mention, error) {
	opts := domain.FetchOptions{}
	if id, ok := p.deps.State.LoadLastMentionID(ctx); ok && id != "" {
		opts.SinceID = id
	} else {
		opts.MinutesAgo = int(p.opts.Lookback / time.Minute)
	}
	return p.deps.Fetcher.FetchMentions(ctx, opts)
}

// filter drops mentions the bot must never answer and sorts the rest
// oldest first.
func (p *Processor) filter(in []domain.Mention) []domain.Mention {
	out := make([]domain.Mention, 0, len(in))
	for _, m := range in {
		switch {
		case m.ID == "":
		case p.opts.BotUserID != "" && m.AuthorID == p.opts.BotUserID:
		case p.opts.BotUsername != "" && strings.EqualFold(m.AuthorUsername, p.opts.BotUsername):
		case m.IsRetweet():
		default:
			out = append(out, m)
			continue
		}
		metrics.RecordMention("filtered")
	}
	sort.SliceStable(out, func(i, j int) bool {
		return domain.CompareIDs(out[i].ID, out[j].ID) < 0
	})
	return out
}

// handle walks one mention through the state machine. It returns
// errAbortBatch when the batch must stop with the cursor untouched.
func (p *Processor) handle(ctx context.Context, run *Run, log *slog.Logger, m domain.Mention) (MentionOutcome, error) {
	ctx, span := observability.StartSpan(ctx, "processor.mention", observability.AttrTweetID.String(m.ID))
	defer span.End()

	out := MentionOutcome{TweetID: m.ID}
	log = log.With("tweet_id", m.ID)

	if p.deps.State.HasRepliedToTweet(ctx, m.ID) {
		run.Skipped()
		out.Outcome = OutcomeDuplicate
		log.Debug("already replied")
		return out, nil
	}

	if !m.CreatedAt.IsZero() && p.now().Sub(m.CreatedAt) > p.opts.MaxTweetAge {
		run.Skipped()
		out.Outcome = OutcomeTooOld
		log.Debug("mention too old", "created_at", m.CreatedAt)
		p.advance(ctx, log, m.ID)
		return out, nil
	}

	kind := domain.Classify(m.Text, p.opts.BotUsername)
	candidates := p.deps.Extractor.Candidates(domain.StripHandles(m.Text, p.opts.BotUsername, kind))
	if len(candidates) == 0 {
		run.Skipped()
		out.Outcome = OutcomeNoCandidates
		log.Debug("no candidates", "kind", kind)
		p.advance(ctx, log, m.ID)
		return out, nil
	}

	info, err := p.resolve(ctx, run, m, candidates)
	if err != nil {
		out.Outcome = OutcomeRateLimited
		span.SetAttributes(observability.AttrOutcome.String(out.Outcome))
		return out, errAbortBatch
	}
	if info == nil {
		run.Skipped()
		out.Outcome = OutcomeNotFound
		log.Info("no candidate resolved", "candidates", candidates)
		p.advance(ctx, log, m.ID)
		return out, nil
	}
	out.Hero = info.Name
	span.SetAttributes(observability.AttrHero.String(info.Name))

	if p.deps.Budget != nil {
		if ok, _ := p.deps.Budget.Allow(ctx); !ok {
			out.Outcome = OutcomeBudget
			return out, errBudgetExceeded
		}
	}

	author := p.authorHandle(ctx, run, m)
	text := composeReply(author, info, p.opts.MaxReplyLength)

	posted, err := p.post(ctx, run, log, m, text)
	if err == nil {
		run.ReplySent()
		metrics.RecordReply()
		out.Outcome = OutcomeReplied
		out.ReplyID = posted.ID
		rec := state.ReplyRecord{
			HeroName:         info.Name,
			AuthorUsername:   author,
			ReplyTextPreview: truncateRunes(text, previewLength),
		}
		if !p.deps.State.MarkTweetAsReplied(ctx, m.ID, rec) {
			log.Error("reply posted but not recorded, it may be repeated next run", "reply_id", posted.ID)
		}
		log.Info("replied", "hero", info.Name, "reply_id", posted.ID)
	} else {
		out.Outcome = OutcomePostFailed
	}
	span.SetAttributes(observability.AttrOutcome.String(out.Outcome))

	p.advance(ctx, log, m.ID)
	return out, nil
}

// resolve tries candidates in order. Only a rate-limit error is returned.
func (p *Processor) resolve(ctx context.Context, run *Run, m domain.Mention, candidates []string) (*domain.MarketInfo, error) {
	for _, name := range candidates {
		info, err := p.deps.Resolver.Resolve(ctx, name)
		if err != nil {
			p.recordError(ctx, run, err, map[string]any{
				"operation": "resolve_entity",
				"tweet_id":  m.ID,
				"candidate": name,
			})
			if domain.IsRateLimited(err) {
				return nil, err
			}
			continue
		}
		if info != nil {
			return info, nil
		}
	}
	return nil, nil
}

// authorHandle returns the mention author's handle, looking it up when the
// fetch did not include it. Failures yield "".
func (p *Processor) authorHandle(ctx context.Context, run *Run, m domain.Mention) string {
	if m.AuthorUsername != "" {
		return m.AuthorUsername
	}
	if m.AuthorID == "" || p.deps.Users == nil {
		return ""
	}
	name, err := p.deps.Users.ResolveUsername(ctx, m.AuthorID)
	if err != nil {
		p.recordError(ctx, run, err, map[string]any{
			"operation": "username_lookup",
			"tweet_id":  m.ID,
			"author_id": m.AuthorID,
		})
		return ""
	}
	return name
}

// post sends the reply, retrying only the not-permitted 403 with a linearly
// growing delay.
func (p *Processor) post(ctx context.Context, run *Run, log *slog.Logger, m domain.Mention, text string) (*domain.PostResult, error) {
	for attempt := 1; ; attempt++ {
		res, err := p.deps.Poster.PostReply(ctx, text, m.ID)
		if err == nil {
			return res, nil
		}
		if domain.IsActionNotPermitted(err) && attempt <= p.opts.PostRetries {
			run.Retry()
			metrics.RecordPostRetry()
			delay := p.opts.PostRetryDelay * time.Duration(attempt)
			log.Warn("reply not permitted, retrying", "attempt", attempt, "delay", delay, "error", err)
			if serr := p.sleep(ctx, delay); serr != nil {
				err = serr
			} else {
				continue
			}
		}
		p.recordError(ctx, run, err, map[string]any{
			"operation": "post_reply",
			"tweet_id":  m.ID,
			"attempts":  attempt,
		})
		return nil, err
	}
}

func (p *Processor) advance(ctx context.Context, log *slog.Logger, id string) {
	if !p.deps.State.SaveLastMentionID(ctx, id) {
		log.Error("failed to persist mention cursor, mention may be processed again")
	}
}

func (p *Processor) recordError(ctx context.Context, run *Run, err error, errCtx map[string]any) {
	run.Error()
	metrics.RecordError(string(domain.KindOf(err)))
	p.deps.State.RecordError(ctx, err, errCtx)
}
