// Package token derives token counts and tags from raw note text.
//
// The tokenizer is deliberately lightweight: lowercase, strip punctuation,
// drop stopwords and short tokens, then collapse common suffixes with a
// small rule-based stemmer. It never fails; empty input yields an empty
// token map.
//
// Tag extraction has two paths. Explicit hashtags (outside code spans) are
// authoritative when present. Otherwise lexical tags are scored from the
// token counts, mixing weighted unigrams with body bigrams.
package token

import (
	"regexp"
	"sort"
	"strings"
)

// stopwords dropped during tokenization: articles, auxiliaries, common
// filler, and generic nouns too broad to discriminate between notes.
var stopwords = map[string]struct{}{
	// articles, pronouns, conjunctions
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "nor": {},
	"so": {}, "yet": {}, "of": {}, "to": {}, "in": {}, "on": {}, "at": {},
	"by": {}, "for": {}, "with": {}, "from": {}, "into": {}, "onto": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "it": {}, "its": {},
	"his": {}, "her": {}, "their": {}, "our": {}, "your": {}, "my": {},
	"he": {}, "she": {}, "they": {}, "we": {}, "you": {}, "i": {},
	// auxiliaries
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"being": {}, "am": {}, "do": {}, "does": {}, "did": {}, "have": {},
	"has": {}, "had": {}, "will": {}, "would": {}, "shall": {},
	"should": {}, "can": {}, "could": {}, "may": {}, "might": {},
	"must": {}, "not": {},
	// common filler
	"as": {}, "if": {}, "then": {}, "than": {}, "when": {}, "while": {},
	"where": {}, "which": {}, "who": {}, "whom": {}, "what": {}, "how": {},
	"why": {}, "all": {}, "any": {}, "both": {}, "each": {}, "few": {},
	"more": {}, "most": {}, "other": {}, "some": {}, "such": {}, "only": {},
	"own": {}, "same": {}, "just": {}, "also": {}, "very": {}, "too": {},
	"about": {}, "over": {}, "under": {}, "again": {}, "there": {},
	"here": {}, "out": {}, "up": {}, "down": {},
	// generic nouns
	"thing": {}, "things": {}, "stuff": {}, "way": {}, "ways": {},
	"system": {}, "systems": {}, "process": {}, "processes": {},
	"method": {}, "methods": {}, "item": {}, "items": {}, "part": {},
	"parts": {}, "kind": {}, "type": {}, "case": {}, "time": {},
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Tokenize produces normalized token counts for a text.
//
// The pipeline: lowercase, strip non-alphanumeric characters, split on
// whitespace, drop stopwords and tokens shorter than two characters, then
// stem. Counts aggregate per normalized token.
//
// Example:
//
//	counts := token.Tokenize("Linking notes links the linked graphs")
//	// counts["link"] == 3, counts["graph"] == 1
func Tokenize(text string) map[string]int {
	counts := make(map[string]int)
	for _, tok := range tokenStream(text) {
		counts[tok]++
	}
	return counts
}

// tokenStream returns the ordered normalized tokens of a text. Used both
// for counting and for bigram candidates, which need original order.
func tokenStream(text string) []string {
	if text == "" {
		return nil
	}

	lowered := strings.ToLower(text)
	cleaned := nonAlnum.ReplaceAllString(lowered, " ")

	var out []string
	for _, raw := range strings.Fields(cleaned) {
		if len(raw) < 2 {
			continue
		}
		if _, stop := stopwords[raw]; stop {
			continue
		}
		out = append(out, Stem(raw))
	}
	return out
}

// Stem collapses plural, "-ies", "-ing", and "-ed" suffixes.
//
// Safe exceptions: tokens of three characters or fewer, and tokens ending
// in "ss", "us", or "is" are returned untouched.
func Stem(tok string) string {
	if len(tok) <= 3 {
		return tok
	}
	if strings.HasSuffix(tok, "ss") || strings.HasSuffix(tok, "us") || strings.HasSuffix(tok, "is") {
		return tok
	}

	switch {
	case strings.HasSuffix(tok, "ies") && len(tok) > 4:
		return tok[:len(tok)-3] + "y"
	case strings.HasSuffix(tok, "ing") && len(tok) > 5:
		return tok[:len(tok)-3]
	case strings.HasSuffix(tok, "ed") && len(tok) > 4:
		return tok[:len(tok)-2]
	case strings.HasSuffix(tok, "s"):
		return tok[:len(tok)-1]
	}
	return tok
}

// genericTechWeight down-weights a small set of generic technical terms
// that otherwise dominate lexical tag scoring.
var genericTech = map[string]struct{}{
	"flow": {}, "flows": {}, "stream": {}, "streams": {},
	"pipe": {}, "pipes": {}, "branch": {}, "branches": {},
	"terminal": {}, "terminals": {},
}

const genericTechWeight = 0.4

// tokenWeight returns the scoring weight of a candidate tag token.
func tokenWeight(tok string) float64 {
	if _, ok := genericTech[tok]; ok {
		return genericTechWeight
	}
	// The stemmer collapses plurals before scoring, so check the stem too.
	if _, ok := genericTech[Stem(tok)]; ok {
		return genericTechWeight
	}
	return 1.0
}

// tagBlacklist excludes terms too vague to serve as tags. Entries ending
// in '*' are prefix matches.
var tagBlacklist = []string{"idea", "plan", "project*", "system*"}

func blacklisted(term string) bool {
	for _, entry := range tagBlacklist {
		if strings.HasSuffix(entry, "*") {
			if strings.HasPrefix(term, strings.TrimSuffix(entry, "*")) {
				return true
			}
		} else if term == entry {
			return true
		}
	}
	return false
}

type candidate struct {
	term   string
	score  float64
	bigram bool
}

// ExtractLexicalTags scores candidate tags from token counts when a note
// carries no explicit hashtags.
//
// Unigrams score count × weight, where a small generic-tech set is
// down-weighted. Bigrams are built from adjacent body tokens and score
// their frequency × 1.75 × the max single-token weight of their parts.
// Candidates shorter than three characters or on the blacklist are
// discarded. At most limit terms are returned, with bigrams capped at
// limit/2.
func ExtractLexicalTags(text string, counts map[string]int, limit int) []string {
	if limit <= 0 || len(counts) == 0 {
		return []string{}
	}

	var cands []candidate
	for tok, count := range counts {
		if len(tok) < 3 || blacklisted(tok) {
			continue
		}
		cands = append(cands, candidate{
			term:  tok,
			score: float64(count) * tokenWeight(tok),
		})
	}

	// Bigrams come from body token order, not from the counts map.
	const bigramBoost = 1.75
	stream := tokenStream(text)
	bigramCounts := make(map[string]int)
	for i := 0; i+1 < len(stream); i++ {
		bigramCounts[stream[i]+"-"+stream[i+1]]++
	}
	for bigram, count := range bigramCounts {
		parts := strings.SplitN(bigram, "-", 2)
		if len(bigram) < 3 || blacklisted(parts[0]) || blacklisted(parts[1]) {
			continue
		}
		w := tokenWeight(parts[0])
		if w2 := tokenWeight(parts[1]); w2 > w {
			w = w2
		}
		cands = append(cands, candidate{
			term:   bigram,
			score:  float64(count) * bigramBoost * w,
			bigram: true,
		})
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].term < cands[j].term
	})

	maxBigrams := limit / 2
	out := make([]string, 0, limit)
	bigrams := 0
	for _, c := range cands {
		if len(out) >= limit {
			break
		}
		if c.bigram {
			if bigrams >= maxBigrams {
				continue
			}
			bigrams++
		}
		out = append(out, c.term)
	}
	return out
}
