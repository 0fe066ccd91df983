package token

import (
	"context"
	"regexp"
	"strings"
)

var (
	fencedCode  = regexp.MustCompile("(?s)```.*?```")
	inlineCode  = regexp.MustCompile("`[^`]*`")
	hashtagExpr = regexp.MustCompile(`#[A-Za-z0-9_/-]+`)
)

// ExtractExplicitTags returns the deduplicated, lowercased hashtags of a
// text. Hashtags inside fenced (```) or inline (`) code are ignored. A tag
// runs over letters, digits, '_', '/' and '-'; any other character, a colon
// included, ends it.
//
// When the result is non-empty it is the authoritative tag set for the
// note; lexical extraction is skipped.
//
// Example:
//
//	tags := token.ExtractExplicitTags("Fix the CLI #docs #project:forest\n```\n#notatag\n```")
//	// ["docs", "project"]
func ExtractExplicitTags(text string) []string {
	if text == "" {
		return []string{}
	}

	stripped := fencedCode.ReplaceAllString(text, " ")
	stripped = inlineCode.ReplaceAllString(stripped, " ")

	seen := make(map[string]struct{})
	var out []string
	for _, match := range hashtagExpr.FindAllString(stripped, -1) {
		tag := strings.ToLower(strings.TrimPrefix(match, "#"))
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if out == nil {
		return []string{}
	}
	return out
}

// Delegate produces tags via an external content-generation collaborator
// (an LLM-backed tagger). The core treats it as opaque.
type Delegate interface {
	SuggestTags(ctx context.Context, text, title string, limit int) ([]string, error)
}

// Tagger chooses between the delegated and lexical tag paths.
//
// A nil Tagger, or one without a delegate, always uses the deterministic
// lexical path. Delegate failures fall back to lexical silently; tag
// extraction never fails.
type Tagger struct {
	delegate Delegate
}

// NewTagger returns a Tagger. delegate may be nil.
func NewTagger(delegate Delegate) *Tagger {
	return &Tagger{delegate: delegate}
}

// ExtractTags returns up to limit tags for a text, preferring the delegate
// when configured. The lexical path is the fallback for any delegate error
// or empty result.
func (t *Tagger) ExtractTags(ctx context.Context, text, title string, counts map[string]int, limit int) []string {
	if t != nil && t.delegate != nil {
		tags, err := t.delegate.SuggestTags(ctx, text, title, limit)
		if err == nil && len(tags) > 0 {
			normalized := make([]string, 0, len(tags))
			for _, tag := range tags {
				tag = strings.ToLower(strings.TrimSpace(tag))
				if tag != "" {
					normalized = append(normalized, tag)
				}
			}
			if len(normalized) > limit {
				normalized = normalized[:limit]
			}
			if len(normalized) > 0 {
				return normalized
			}
		}
	}
	return ExtractLexicalTags(text, counts, limit)
}
