package moderation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// fallbackProfanity is used whenever the configured word source is
// unavailable, so the gate never fails open.
var fallbackProfanity = []string{
	"fuck", "shit", "bitch", "asshole", "bastard", "cunt", "dickhead",
}

// WordSource returns the current profanity word list. Implementations may
// read from a store or a remote config service.
type WordSource func(ctx context.Context) ([]string, error)

// ProfanityFilter matches normalized content against a cached word list.
// The list is refreshed lazily once its TTL expires; refresh failures fall
// back to the last good list, or the built-in defaults.
type ProfanityFilter struct {
	source WordSource
	ttl    time.Duration

	mu        sync.Mutex
	words     []string
	fetchedAt time.Time
}

// NewProfanityFilter builds a filter over the given source. A nil source
// pins the filter to the built-in fallback list.
func NewProfanityFilter(source WordSource, ttl time.Duration) *ProfanityFilter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ProfanityFilter{source: source, ttl: ttl}
}

// normalizeProfanity lowercases the text and strips separators that are
// commonly used to dodge word matching.
func normalizeProfanity(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '.', ',', '-', '_', '*', '!', '?':
			return -1
		}
		return r
	}, s)
}

// Find returns the first matched word and true when the text contains a
// listed word.
func (f *ProfanityFilter) Find(ctx context.Context, text string) (string, bool) {
	normalized := normalizeProfanity(text)
	if normalized == "" {
		return "", false
	}
	for _, w := range f.wordList(ctx) {
		if w != "" && strings.Contains(normalized, w) {
			return w, true
		}
	}
	return "", false
}

// Contains reports whether the text matches any listed word.
func (f *ProfanityFilter) Contains(ctx context.Context, text string) bool {
	_, found := f.Find(ctx, text)
	return found
}

func (f *ProfanityFilter) wordList(ctx context.Context) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.words) > 0 && time.Since(f.fetchedAt) < f.ttl {
		return f.words
	}
	if f.source == nil {
		f.words = fallbackProfanity
		f.fetchedAt = time.Now()
		return f.words
	}

	fetched, err := f.source(ctx)
	if err != nil || len(fetched) == 0 {
		if err != nil {
			log.Warn().Err(err).Msg("profanity: word source unavailable, using fallback list")
		}
		if len(f.words) == 0 {
			f.words = fallbackProfanity
		}
		// Retry the source again 30 seconds after a failure.
		f.fetchedAt = time.Now().Add(30*time.Second - f.ttl)
		return f.words
	}

	normalized := make([]string, 0, len(fetched))
	for _, w := range fetched {
		if n := normalizeProfanity(w); n != "" {
			normalized = append(normalized, n)
		}
	}
	f.words = normalized
	f.fetchedAt = time.Now()
	return f.words
}
