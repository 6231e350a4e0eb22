// Package processor runs one mention batch: fetch, filter, resolve, reply,
// and persist progress after every mention.
package processor

import (
	"context"
	"time"

	"github.com/oriys/heroquote/internal/domain"
	"github.com/oriys/heroquote/internal/state"
)

// MentionFetcher returns mentions of the bot account.
type MentionFetcher interface {
	FetchMentions(ctx context.Context, opts domain.FetchOptions) ([]domain.Mention, error)
}

// EntityResolver looks up market data; (nil, nil) means not found.
type EntityResolver interface {
	Resolve(ctx context.Context, name string) (*domain.MarketInfo, error)
}

type ReplyPoster interface {
	PostReply(ctx context.Context, text, replyToID string) (*domain.PostResult, error)
}

type UsernameResolver interface {
	ResolveUsername(ctx context.Context, authorID string) (string, error)
}

// Extractor proposes candidate hero names, best first.
type Extractor interface {
	Candidates(text string) []string
}

// ReplyBudget caps outbound replies. Allow takes one unit; false means the
// budget is spent.
type ReplyBudget interface {
	Allow(ctx context.Context) (bool, error)
}

// StateStore is the slice of the state façade the processor needs.
// *state.Manager implements it.
type StateStore interface {
	LoadLastMentionID(ctx context.Context) (string, bool)
	SaveLastMentionID(ctx context.Context, id string) bool
	HasRepliedToTweet(ctx context.Context, id string) bool
	MarkTweetAsReplied(ctx context.Context, id string, rec state.ReplyRecord) bool
	RecordError(ctx context.Context, err error, errCtx map[string]any) bool
	StartExecution(ctx context.Context) string
	EndExecution(ctx context.Context, success bool, stats state.RunStats) bool
	AcquireRunLock(ctx context.Context, owner string, ttl time.Duration) bool
	ReleaseRunLock(ctx context.Context, owner string) bool
	IgnoredErrors() int64
}

var _ StateStore = (*state.Manager)(nil)
