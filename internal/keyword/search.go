// Package keyword implements the degraded-mode lexical search used when
// the vector index is unreachable. It has no external dependency and must
// always be available.
package keyword

import (
	"regexp"
	"sort"
	"strings"

	"github.com/medassist/medkb/internal/chunk"
)

// ScoreNA is the sentinel relevance reported for keyword matches: lexical
// overlap counts are not comparable to vector similarity.
const ScoreNA = "N/A"

// minTokenLen drops short tokens that match too broadly.
const minTokenLen = 3

// stopWords are ignored when extracting query keywords.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "his": {}, "how": {},
	"its": {}, "may": {}, "who": {}, "why": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "with": {}, "that": {}, "this": {}, "they": {},
	"them": {}, "then": {}, "than": {}, "have": {}, "from": {}, "does": {},
	"about": {}, "into": {}, "such": {}, "also": {}, "been": {}, "will": {},
	"would": {}, "could": {}, "should": {},
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// Result is a corpus chunk matched by keyword overlap. Score is the summed
// whole-word occurrence count of the query keywords.
type Result struct {
	Chunk chunk.Chunk
	Score int
}

// Keywords tokenizes a query: lower-case, punctuation stripped, stop words
// and short tokens removed.
func Keywords(query string) []string {
	var keywords []string
	for _, token := range nonWord.Split(strings.ToLower(query), -1) {
		if len(token) < minTokenLen {
			continue
		}
		if _, stop := stopWords[token]; stop {
			continue
		}
		keywords = append(keywords, token)
	}
	return keywords
}

// Search scores each corpus chunk by exact whole-word occurrence counts of
// the query keywords. Zero-score chunks are excluded; the rest come back
// sorted by score descending, truncated to topN.
func Search(query string, corpus []chunk.Chunk, topN int) []Result {
	keywords := Keywords(query)
	if len(keywords) == 0 {
		return nil
	}

	matchers := make([]*regexp.Regexp, len(keywords))
	for i, kw := range keywords {
		matchers[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
	}

	var results []Result
	for _, c := range corpus {
		text := strings.ToLower(c.Text)
		score := 0
		for _, m := range matchers {
			score += len(m.FindAllStringIndex(text, -1))
		}
		if score > 0 {
			results = append(results, Result{Chunk: c, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}
	return results
}
