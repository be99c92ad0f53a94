package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Index is a memory whose keys can be listed.
type Index interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key, def string) (string, error)
}

// Match is one search hit.
type Match struct {
	Key   string  `json:"key"`
	Value string  `json:"value"`
	Score float64 `json:"score"` // 0.0 - 1.0
}

// Searcher ranks memory entries against a free-text query. It reads at
// most maxScan entries per query.
type Searcher struct {
	index   Index
	maxScan int
}

// NewSearcher searches index. maxScan <= 0 means 5000.
func NewSearcher(index Index, maxScan int) *Searcher {
	if maxScan <= 0 {
		maxScan = 5000
	}
	return &Searcher{index: index, maxScan: maxScan}
}

// Search returns up to k entries under prefix that share a term with query,
// best first. k <= 0 returns every hit.
func (s *Searcher) Search(ctx context.Context, query, prefix string, k int) ([]Match, error) {
	terms := distinctTerms(query)
	matches := make([]Match, 0)
	if len(terms) == 0 {
		return matches, nil
	}

	keys, err := s.index.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	if len(keys) > s.maxScan {
		keys = keys[:s.maxScan]
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		value, err := s.index.Get(ctx, key, "")
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if score := rank(terms, key, value); score > 0 {
			matches = append(matches, Match{Key: key, Value: value, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// rank averages a per-term weight over the query terms. A term found in the
// key weighs 1. A term found only in the value weighs between 0.6 and 1,
// saturating with its frequency.
func rank(terms []string, key, value string) float64 {
	inKey := make(map[string]bool)
	for _, t := range words(key) {
		inKey[t] = true
	}
	freq := make(map[string]int)
	for _, t := range words(value) {
		freq[t]++
	}

	var total float64
	for _, t := range terms {
		switch {
		case inKey[t]:
			total++
		case freq[t] > 0:
			tf := float64(freq[t])
			total += 0.6 + 0.4*tf/(tf+1)
		}
	}
	return total / float64(len(terms))
}

func distinctTerms(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range words(query) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// words lowercases text and splits it on anything that is not a letter,
// digit or underscore. Single characters are dropped.
func words(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			out = append(out, f)
		}
	}
	return out
}
