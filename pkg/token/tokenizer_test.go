package token

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	t.Run("lowercases_and_counts", func(t *testing.T) {
		counts := Tokenize("CLI cli Cli")
		assert.Equal(t, map[string]int{"cli": 3}, counts)
	})

	t.Run("drops_stopwords_and_short_tokens", func(t *testing.T) {
		counts := Tokenize("the a an is of x")
		assert.Empty(t, counts)
	})

	t.Run("strips_punctuation", func(t *testing.T) {
		counts := Tokenize("graph-native linking, (really)")
		assert.Equal(t, 1, counts["graph"])
		assert.Equal(t, 1, counts["native"])
		assert.Equal(t, 1, counts["link"])
		assert.Equal(t, 1, counts["really"])
	})

	t.Run("aggregates_stems", func(t *testing.T) {
		counts := Tokenize("linking links linked")
		assert.Equal(t, map[string]int{"link": 3}, counts)
	})

	t.Run("drops_generic_nouns", func(t *testing.T) {
		counts := Tokenize("system process method")
		assert.Empty(t, counts)
	})

	t.Run("empty_body_empty_map", func(t *testing.T) {
		assert.Empty(t, Tokenize(""))
	})
}

func TestStem(t *testing.T) {
	cases := map[string]string{
		"stories":  "story",
		"linking":  "link",
		"linked":   "link",
		"graphs":   "graph",
		"class":    "class", // ss exception
		"status":   "status", // us exception
		"analysis": "analysis", // is exception
		"was":      "was",      // <= 3 untouched
		"dog":      "dog",
		"ring":     "ring", // too short to strip -ing
	}
	for in, want := range cases {
		assert.Equal(t, want, Stem(in), "stem(%q)", in)
	}
}

func TestExtractExplicitTags(t *testing.T) {
	t.Run("basic_extraction", func(t *testing.T) {
		tags := ExtractExplicitTags("note about #docs and #CLI")
		assert.Equal(t, []string{"docs", "cli"}, tags)
	})

	t.Run("allows_slash_and_underscore", func(t *testing.T) {
		tags := ExtractExplicitTags("#link/chapter-1 #project_x")
		assert.Equal(t, []string{"link/chapter-1", "project_x"}, tags)
	})

	t.Run("ignores_fenced_code", func(t *testing.T) {
		tags := ExtractExplicitTags("real #tag\n```\n#fake\n```\n")
		assert.Equal(t, []string{"tag"}, tags)
	})

	t.Run("ignores_inline_code", func(t *testing.T) {
		tags := ExtractExplicitTags("use `#include` but tag #cpp")
		assert.Equal(t, []string{"cpp"}, tags)
	})

	t.Run("deduplicates", func(t *testing.T) {
		tags := ExtractExplicitTags("#dup #DUP #dup")
		assert.Equal(t, []string{"dup"}, tags)
	})

	t.Run("empty_text", func(t *testing.T) {
		assert.Empty(t, ExtractExplicitTags(""))
	})
}

func TestExtractLexicalTags(t *testing.T) {
	t.Run("top_terms_by_weighted_count", func(t *testing.T) {
		body := "parser parser parser grammar grammar token"
		counts := Tokenize(body)
		tags := ExtractLexicalTags(body, counts, 2)
		assert.Contains(t, tags, "parser")
		assert.Len(t, tags, 2)
	})

	t.Run("generic_tech_down_weighted", func(t *testing.T) {
		body := "stream stream parser"
		counts := Tokenize(body)
		tags := ExtractLexicalTags(body, counts, 1)
		// stream scores 2*0.4=0.8, parser scores 1.0
		assert.Equal(t, []string{"parser"}, tags)
	})

	t.Run("blacklist_excluded", func(t *testing.T) {
		body := "idea projects systemic compiler"
		counts := Tokenize(body)
		tags := ExtractLexicalTags(body, counts, 4)
		assert.NotContains(t, tags, "idea")
		assert.NotContains(t, tags, "project")
		assert.NotContains(t, tags, "systemic")
		assert.Contains(t, tags, "compiler")
	})

	t.Run("bigrams_capped_at_half_limit", func(t *testing.T) {
		body := "alpha beta alpha beta alpha beta gamma delta gamma delta"
		counts := Tokenize(body)
		tags := ExtractLexicalTags(body, counts, 4)

		bigrams := 0
		for _, tag := range tags {
			if len(tag) > 0 && containsDash(tag) {
				bigrams++
			}
		}
		assert.LessOrEqual(t, bigrams, 2)
		assert.LessOrEqual(t, len(tags), 4)
	})

	t.Run("empty_counts", func(t *testing.T) {
		assert.Empty(t, ExtractLexicalTags("", nil, 5))
	})
}

func containsDash(s string) bool {
	for _, c := range s {
		if c == '-' {
			return true
		}
	}
	return false
}

type stubDelegate struct {
	tags []string
	err  error
}

func (s *stubDelegate) SuggestTags(_ context.Context, _, _ string, _ int) ([]string, error) {
	return s.tags, s.err
}

func TestTagger_ExtractTags(t *testing.T) {
	body := "parser grammar parser"
	counts := Tokenize(body)

	t.Run("delegate_preferred", func(t *testing.T) {
		tagger := NewTagger(&stubDelegate{tags: []string{"Compilers", "syntax"}})
		tags := tagger.ExtractTags(context.Background(), body, "", counts, 5)
		assert.Equal(t, []string{"compilers", "syntax"}, tags)
	})

	t.Run("delegate_failure_falls_back_to_lexical", func(t *testing.T) {
		tagger := NewTagger(&stubDelegate{err: errors.New("provider down")})
		tags := tagger.ExtractTags(context.Background(), body, "", counts, 2)
		assert.Contains(t, tags, "parser")
	})

	t.Run("nil_delegate_uses_lexical", func(t *testing.T) {
		tagger := NewTagger(nil)
		tags := tagger.ExtractTags(context.Background(), body, "", counts, 2)
		assert.Contains(t, tags, "parser")
	})
}
