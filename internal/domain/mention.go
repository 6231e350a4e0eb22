package domain

import (
	"strings"
	"time"
)

// MentionKind tells whether the bot handle opens the tweet or appears later in it.
type MentionKind string

const (
	MentionDirect   MentionKind = "direct"
	MentionIndirect MentionKind = "indirect"
)

// Mention is a normalized mention record returned by the social client.
type Mention struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	AuthorID       string    `json:"author_id"`
	AuthorUsername string    `json:"author_username,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	// MentionedUsernames lists @handles from the tweet entities, without "@".
	MentionedUsernames []string `json:"mentioned_usernames,omitempty"`
}

// IsRetweet reports whether the text is a classic retweet.
func (m Mention) IsRetweet() bool {
	return strings.HasPrefix(m.Text, "RT @")
}

// Classify returns MentionDirect when the first token of the text is the
// bot handle, MentionIndirect otherwise. The comparison ignores case and
// the leading "@".
func Classify(text, botUsername string) MentionKind {
	fields := strings.Fields(text)
	if len(fields) == 0 || botUsername == "" {
		return MentionIndirect
	}
	first := strings.TrimRight(fields[0], ".,:;!?")
	if strings.EqualFold(strings.TrimPrefix(first, "@"), strings.TrimPrefix(botUsername, "@")) && strings.HasPrefix(first, "@") {
		return MentionDirect
	}
	return MentionIndirect
}

// StripHandles removes @handles from text before entity extraction.
// For direct mentions every leading @handle (the reply chain plus the bot)
// is dropped; for indirect mentions only the bot handle is removed.
func StripHandles(text, botUsername string, kind MentionKind) string {
	fields := strings.Fields(text)
	bot := strings.TrimPrefix(botUsername, "@")
	out := make([]string, 0, len(fields))
	leading := kind == MentionDirect
	for _, f := range fields {
		isHandle := strings.HasPrefix(f, "@")
		if leading && isHandle {
			continue
		}
		leading = false
		if isHandle && bot != "" && strings.EqualFold(strings.TrimRight(strings.TrimPrefix(f, "@"), ".,:;!?"), bot) {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

// FetchOptions select which mentions to fetch. SinceID wins over MinutesAgo.
type FetchOptions struct {
	SinceID    string
	MinutesAgo int
}

// PostResult is the normalized response of a successful post.
type PostResult struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}
