// Package chunker splits long documents into ordered chunks and runs the
// import pipeline that turns a document into a connected subgraph: chunk
// nodes, a canonical document record, parent-child and sequential edges,
// and (optionally) semantic links computed by the linker.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
)

// Strategy selects how a document body is split.
type Strategy string

const (
	// StrategyHeaders splits at markdown headings, subdividing oversized
	// sections at line boundaries.
	StrategyHeaders Strategy = "headers"
	// StrategySize slices fixed-size windows with soft break points and
	// overlap.
	StrategySize Strategy = "size"
	// StrategyHybrid applies headers first, then re-splits any oversized
	// chunk by size.
	StrategyHybrid Strategy = "hybrid"
)

// Defaults for import options.
const (
	DefaultMaxTokens = 512
	DefaultOverlap   = 50
	// charsPerToken is the running token estimate: tokens ≈ chars/4.
	charsPerToken = 4
	// breakSearchWindow is the fraction of a size window in which a soft
	// break point is preferred over a hard cut.
	breakSearchWindow = 0.3
)

// Options controls document import.
type Options struct {
	Strategy       Strategy
	MaxTokens      int
	Overlap        int
	AutoLink       bool
	CreateParent   bool
	LinkSequential bool
}

// DefaultOptions returns the standard import configuration: hybrid
// chunking, parent and sequential edges, auto-linking on.
func DefaultOptions() Options {
	return Options{
		Strategy:       StrategyHybrid,
		MaxTokens:      DefaultMaxTokens,
		Overlap:        DefaultOverlap,
		AutoLink:       true,
		CreateParent:   true,
		LinkSequential: true,
	}
}

func (o Options) normalized() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyHybrid
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Overlap < 0 {
		o.Overlap = DefaultOverlap
	}
	return o
}

// Chunk is one ordered segment of a document body.
type Chunk struct {
	Title string
	Level int
	Body  string
	Index int
}

var headingExpr = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

// estimateTokens applies the chars/4 running estimate.
func estimateTokens(text string) int {
	return len(text) / charsPerToken
}

// ExtractTitle derives a document title. Order of preference: the provided
// title, the first level-1 heading, the first non-empty line (trimmed to
// 100 characters, leading '#' stripped), then "Imported Document".
func ExtractTitle(body, provided string) string {
	if strings.TrimSpace(provided) != "" {
		return strings.TrimSpace(provided)
	}

	var firstLine string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if m := headingExpr.FindStringSubmatch(trimmed); m != nil && len(m[1]) == 1 {
			return strings.TrimSpace(m[2])
		}
		if firstLine == "" {
			firstLine = trimmed
		}
	}

	if firstLine != "" {
		firstLine = strings.TrimSpace(strings.TrimLeft(firstLine, "#"))
		if len(firstLine) > 100 {
			firstLine = firstLine[:100]
		}
		if firstLine != "" {
			return firstLine
		}
	}
	return "Imported Document"
}

// Split chunks a body according to the options. Empty bodies yield no
// chunks. Chunk indexes are assigned in order.
func Split(body string, opts Options) []Chunk {
	opts = opts.normalized()
	if strings.TrimSpace(body) == "" {
		return nil
	}

	var chunks []Chunk
	switch opts.Strategy {
	case StrategySize:
		chunks = splitBySize(body, opts.MaxTokens, opts.Overlap)
	case StrategyHeaders:
		chunks = splitByHeaders(body, opts.MaxTokens)
	default: // hybrid
		chunks = splitHybrid(body, opts.MaxTokens, opts.Overlap)
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// splitByHeaders walks the body line by line, flushing a chunk at each
// markdown heading. A chunk that grows past maxTokens before the next
// heading is split at the previous line boundary; the continuation
// inherits the heading with " (cont.)" appended.
func splitByHeaders(body string, maxTokens int) []Chunk {
	var chunks []Chunk
	var lines []string
	title := ""
	level := 0

	flush := func() {
		text := strings.TrimRight(strings.Join(lines, "\n"), "\n")
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{Title: title, Level: level, Body: text})
		}
		lines = nil
	}

	for _, line := range strings.Split(body, "\n") {
		if m := headingExpr.FindStringSubmatch(line); m != nil {
			flush()
			title = strings.TrimSpace(m[2])
			level = len(m[1])
			lines = append(lines, line)
			continue
		}

		lines = append(lines, line)
		if estimateTokens(strings.Join(lines, "\n")) > maxTokens && len(lines) > 1 {
			// Split before the line that pushed us over
			overflow := lines[len(lines)-1]
			lines = lines[:len(lines)-1]
			flush()
			if title != "" && !strings.HasSuffix(title, " (cont.)") {
				title += " (cont.)"
			}
			lines = []string{overflow}
		}
	}
	flush()
	return chunks
}

// splitBySize slices the text into windows of maxTokens×4 characters,
// preferring to break at the nearest prior "\n\n" or ". " within the final
// 30% of the window. Consecutive chunks overlap by overlap characters.
func splitBySize(body string, maxTokens, overlap int) []Chunk {
	window := maxTokens * charsPerToken
	if window <= 0 {
		window = DefaultMaxTokens * charsPerToken
	}
	if overlap >= window {
		overlap = window / 2
	}

	var chunks []Chunk
	start := 0
	for start < len(body) {
		end := start + window
		if end >= len(body) {
			end = len(body)
		} else {
			end = softBreak(body, start, end)
		}

		text := strings.TrimSpace(body[start:end])
		if text != "" {
			chunks = append(chunks, Chunk{Body: text})
		}
		if end >= len(body) {
			break
		}
		next := end - overlap
		if next <= start {
			// A soft break inside the overlap zone must still advance
			next = end
		}
		start = next
	}
	return chunks
}

// softBreak finds the best break point at or before end, searching the
// final 30% of the window for a paragraph break, then a sentence break.
func softBreak(body string, start, end int) int {
	searchFrom := end - int(float64(end-start)*breakSearchWindow)
	if searchFrom < start {
		searchFrom = start
	}
	zone := body[searchFrom:end]

	if idx := strings.LastIndex(zone, "\n\n"); idx >= 0 {
		return searchFrom + idx + 2
	}
	if idx := strings.LastIndex(zone, ". "); idx >= 0 {
		return searchFrom + idx + 2
	}
	return end
}

// splitHybrid applies headers first, then re-splits any chunk whose token
// estimate exceeds maxTokens using size mode, relabeling the pieces as
// "<heading> (part N)".
func splitHybrid(body string, maxTokens, overlap int) []Chunk {
	var out []Chunk
	for _, chunk := range splitByHeaders(body, maxTokens*4) {
		if estimateTokens(chunk.Body) <= maxTokens {
			out = append(out, chunk)
			continue
		}
		parts := splitBySize(chunk.Body, maxTokens, overlap)
		for i, part := range parts {
			title := chunk.Title
			if title != "" {
				title = fmt.Sprintf("%s (part %d)", chunk.Title, i+1)
			}
			out = append(out, Chunk{Title: title, Level: chunk.Level, Body: part.Body})
		}
	}
	return out
}
