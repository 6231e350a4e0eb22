// Package extract pulls candidate hero names out of mention text.
package extract

import (
	"regexp"
	"strings"
)

var (
	urlRe     = regexp.MustCompile(`https?://\S+`)
	quotedRe  = regexp.MustCompile(`"([^"]{2,40})"|“([^”]{2,40})”`)
	cashtagRe = regexp.MustCompile(`\$([A-Za-z][A-Za-z0-9_]{1,20})`)
	hashtagRe = regexp.MustCompile(`#([A-Za-z][A-Za-z0-9_]{1,30})`)
	handleRe  = regexp.MustCompile(`@([A-Za-z0-9_]{1,15})`)
	capsRe    = regexp.MustCompile(`\b[A-Z][A-Za-z0-9'\-]*(?:\s+[A-Z][A-Za-z0-9'\-]*)*`)
)

// defaultStopwords are capitalized words that start sentences or questions
// rather than name anything.
var defaultStopwords = []string{
	"a", "an", "and", "any", "are", "can", "check", "could", "do", "does",
	"floor", "for", "gm", "hello", "hey", "hi", "how", "i", "i'm", "is", "it",
	"let", "lol", "look", "me", "my", "of", "ok", "please", "price", "show",
	"tell", "thanks", "the", "this", "what", "what's", "whats", "when",
	"where", "which", "who", "why", "would", "yes", "yo", "you",
}

// Extractor returns ordered, de-duplicated candidate names. Stronger
// signals come first: quoted phrases, cashtags, hashtags, handles, then
// capitalized words.
type Extractor struct {
	botUsername   string
	stopwords     map[string]struct{}
	maxCandidates int
}

// New creates an Extractor that never proposes the bot's own handle.
func New(botUsername string) *Extractor {
	stop := make(map[string]struct{}, len(defaultStopwords))
	for _, w := range defaultStopwords {
		stop[w] = struct{}{}
	}
	return &Extractor{
		botUsername:   strings.ToLower(strings.TrimPrefix(botUsername, "@")),
		stopwords:     stop,
		maxCandidates: 8,
	}
}

// Candidates returns the candidate names in text, best first.
func (e *Extractor) Candidates(text string) []string {
	text = urlRe.ReplaceAllString(text, " ")
	var out []string
	seen := make(map[string]struct{})
	add := func(name string) {
		name = strings.Trim(strings.TrimSpace(name), ".,!?;:'\"-")
		if len(name) < 2 {
			return
		}
		key := strings.ToLower(name)
		if _, skip := e.stopwords[key]; skip {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}

	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		add(m[1] + m[2])
	}
	for _, m := range cashtagRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range hashtagRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range handleRe.FindAllStringSubmatch(text, -1) {
		if strings.ToLower(m[1]) != e.botUsername {
			add(m[1])
		}
	}

	// Capitalized runs are taken from text with tags and handles removed.
	plain := handleRe.ReplaceAllString(text, " ")
	plain = cashtagRe.ReplaceAllString(plain, " ")
	plain = hashtagRe.ReplaceAllString(plain, " ")
	for _, run := range capsRe.FindAllString(plain, -1) {
		words := strings.Fields(run)
		for len(words) > 0 && e.isStopword(words[0]) {
			words = words[1:]
		}
		if len(words) == 0 {
			continue
		}
		if len(words) > 1 {
			add(strings.Join(words, " "))
		}
		for _, w := range words {
			add(w)
		}
	}

	if len(out) > e.maxCandidates {
		out = out[:e.maxCandidates]
	}
	return out
}

func (e *Extractor) isStopword(w string) bool {
	_, ok := e.stopwords[strings.ToLower(strings.Trim(w, ".,!?;:"))]
	return ok
}
