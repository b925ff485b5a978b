package search

import (
	"strings"

	"github.com/ivolnistov/telegram-rutor-bot/internal/model"
)

// Filters decides which parsed listings are worth keeping. Keyword lists
// use case-insensitive containment against the full listing title; an empty
// list accepts everything.
type Filters struct {
	Quality     []string
	Translation []string
	SizeLimit   int64 // bytes, 0 disables the ceiling
}

// Effective resolves the filters for one search: per-search overrides win,
// otherwise the global defaults apply.
func Effective(s *model.Search, defaults Filters) Filters {
	f := Filters{
		Quality:     defaults.Quality,
		Translation: defaults.Translation,
		SizeLimit:   defaults.SizeLimit,
	}
	if list := splitFilters(s.QualityFilters); len(list) > 0 {
		f.Quality = list
	}
	if list := splitFilters(s.TranslationFilters); len(list) > 0 {
		f.Translation = list
	}
	return f
}

// Accept reports whether a listing passes. Items at exactly the size limit
// pass; anything above it is rejected.
func (f Filters) Accept(title string, size int64) bool {
	if f.SizeLimit > 0 && size > f.SizeLimit {
		return false
	}

	name := strings.ToLower(title)
	if !matchesAny(name, f.Quality) {
		return false
	}
	return matchesAny(name, f.Translation)
}

func matchesAny(name string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw == "" {
			continue
		}
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

func splitFilters(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
