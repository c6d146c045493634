package source

import (
	"strings"
	"time"
)

// Filter matches free-text queries against item text for collectors whose upstream
// has no server-side search (Hacker News top stories, RSS feeds).
type Filter struct {
	exclude []string
}

// NewFilter creates a filter that always rejects items containing any exclude keyword.
func NewFilter(excludeKeywords []string) *Filter {
	exclude := make([]string, 0, len(excludeKeywords))
	for _, kw := range excludeKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			exclude = append(exclude, kw)
		}
	}
	return &Filter{exclude: exclude}
}

// Matches reports whether text contains every term of query (case-insensitive).
// An empty query matches everything not excluded.
func (f *Filter) Matches(query, text string) bool {
	lower := strings.ToLower(text)

	if f != nil {
		for _, ex := range f.exclude {
			if strings.Contains(lower, ex) {
				return false
			}
		}
	}

	for _, term := range strings.Fields(strings.ToLower(query)) {
		if !strings.Contains(lower, term) {
			return false
		}
	}
	return true
}

// InWindow reports whether t falls inside the query's optional bounds (inclusive).
func (q Query) InWindow(t time.Time) bool {
	if q.Start != nil && t.Before(*q.Start) {
		return false
	}
	if q.End != nil && t.After(*q.End) {
		return false
	}
	return true
}
